package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Well-known event types emitted by the core. Agents may emit arbitrary
// additional types through NDJSON; those pass through opaquely.
const (
	EventTypeHello      = "hello"
	EventTypeStatus     = "status"
	EventTypeNodeStatus = "node_status"
	EventTypeLog        = "log"
)

// Log levels carried on events.
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Event is a single record in a run's event stream. IDs are the string form
// of a per-run counter starting at 1 and increasing by exactly 1 per append.
type Event struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"ts"`
	Type      string          `json:"type"`
	RunID     string          `json:"run_id"`
	NodeID    string          `json:"node_id,omitempty"`
	Level     string          `json:"level,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Seq returns the numeric sequence of the event id, or 0 if unparseable.
func (e *Event) Seq() int64 {
	n, err := strconv.ParseInt(e.ID, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// ToSSE renders the event as an SSE frame. The data line carries the compact
// JSON of the event's data payload only.
func (e *Event) ToSSE() []byte {
	data := e.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data))
}

// EventInput is the caller-facing shape for appending events. Data must
// marshal to a JSON object; the store stamps id and timestamp.
type EventInput struct {
	Type   string                 `json:"type"`
	NodeID string                 `json:"node_id,omitempty"`
	Level  string                 `json:"level,omitempty"`
	Data   map[string]interface{} `json:"data,omitempty"`
}
