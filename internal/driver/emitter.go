package driver

import (
	"context"
	"log/slog"

	"github.com/flexinfer/conductor/internal/runstore"
	"github.com/flexinfer/conductor/pkg/types"
)

// RunStoreEmitter appends driver events to a RunStore. Append failures are
// logged and swallowed so a degraded store never kills a running node.
type RunStoreEmitter struct {
	store runstore.RunStore
}

// NewRunStoreEmitter creates an emitter backed by the given store.
func NewRunStoreEmitter(store runstore.RunStore) *RunStoreEmitter {
	return &RunStoreEmitter{store: store}
}

func (e *RunStoreEmitter) EmitLog(ctx context.Context, runID, nodeID, level, message string) {
	// data carries attribution too: SSE frames expose only the data payload.
	data := map[string]interface{}{
		"message": message,
		"runId":   runID,
	}
	if nodeID != "" {
		data["nodeId"] = nodeID
	}
	e.append(ctx, runID, &types.EventInput{
		Type:   types.EventTypeLog,
		NodeID: nodeID,
		Level:  level,
		Data:   data,
	})
}

func (e *RunStoreEmitter) EmitNodeStatus(ctx context.Context, runID, nodeID string, data map[string]interface{}) {
	e.append(ctx, runID, &types.EventInput{
		Type:   types.EventTypeNodeStatus,
		NodeID: nodeID,
		Data:   data,
	})
}

// EmitRaw forwards an agent-authored NDJSON object as an event. The object's
// "type" and "level" fields, when strings, become the event type and level;
// everything else rides in data. runId and nodeId always reflect the
// executing node, whatever the agent claims.
func (e *RunStoreEmitter) EmitRaw(ctx context.Context, runID, nodeID string, obj map[string]interface{}) {
	eventType := types.EventTypeLog
	if t, ok := obj["type"].(string); ok && t != "" {
		eventType = t
	}
	level := ""
	if l, ok := obj["level"].(string); ok {
		level = l
	}

	data := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		if k == "type" || k == "level" || k == "runId" || k == "nodeId" {
			continue
		}
		data[k] = v
	}
	data["runId"] = runID
	data["nodeId"] = nodeID

	e.append(ctx, runID, &types.EventInput{
		Type:   eventType,
		NodeID: nodeID,
		Level:  level,
		Data:   data,
	})
}

func (e *RunStoreEmitter) append(ctx context.Context, runID string, input *types.EventInput) {
	if _, err := e.store.AppendEvent(ctx, runID, input); err != nil {
		slog.Warn("emit event",
			slog.String("run_id", runID),
			slog.String("type", input.Type),
			slog.Any("error", err))
	}
}

var _ EventEmitter = (*RunStoreEmitter)(nil)
