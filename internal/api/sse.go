package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/conductor/internal/metrics"
	"github.com/flexinfer/conductor/internal/runstore"
	"github.com/flexinfer/conductor/pkg/types"
)

// sseHeartbeat is the keep-alive comment interval.
const sseHeartbeat = 15 * time.Second

// StreamEvents handles GET /api/v1/runs/{id}/events as Server-Sent Events.
//
// The subscription is registered before backfill so no event falls between
// the two; duplicates in the overlap are suppressed by sequence number. With
// a Last-Event-ID header every retained event after it is replayed before
// live events. The stream ends after the run's terminal status event, or
// when the store drops the subscriber for falling behind (the client
// reconnects and resumes).
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]
	startTime := time.Now()

	if _, err := h.store.GetRunMeta(ctx, runID); err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "failed to get run", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "streaming not supported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	metrics.SSEActiveConnections.Inc()
	defer func() {
		metrics.SSEActiveConnections.Dec()
		metrics.SSEConnectionDuration.Observe(time.Since(startTime).Seconds())
	}()

	h.logger.Info("sse connection opened",
		slog.String("run_id", runID),
		slog.String("request_id", GetRequestID(ctx, r)),
		slog.String("remote_addr", r.RemoteAddr),
	)

	lastEventID := r.Header.Get("Last-Event-ID")

	// Subscribe before backfill so nothing can slip between them.
	eventCh, cleanup, err := h.store.Subscribe(ctx, runID)
	if err != nil {
		h.logger.Error("subscribe", slog.String("run_id", runID), slog.Any("error", err))
		return
	}
	defer cleanup()

	// A fresh connection gets a synthetic hello to prove connectivity; a
	// resuming client already has the stream's real hello.
	if lastEventID == "" {
		h.writeSSE(w, flusher, &types.Event{
			ID:        "0",
			Timestamp: time.Now().UTC(),
			Type:      types.EventTypeHello,
			RunID:     runID,
			Data:      mustJSON(map[string]interface{}{"runId": runID}),
		})
	}

	var lastSent int64
	backfill, err := h.store.GetEventsSince(ctx, runID, lastEventID)
	if err != nil {
		h.logger.Error("backfill events", slog.String("run_id", runID), slog.Any("error", err))
	}
	for _, evt := range backfill {
		h.writeSSE(w, flusher, evt)
		if seq := evt.Seq(); seq > lastSent {
			lastSent = seq
		}
		if isTerminalStatus(evt) {
			h.closeStream(runID, r, startTime, "run_completed")
			return
		}
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeStream(runID, r, startTime, "client_disconnect")
			return

		case evt, ok := <-eventCh:
			if !ok {
				// Dropped for falling behind.
				h.closeStream(runID, r, startTime, "subscriber_dropped")
				return
			}
			if seq := evt.Seq(); seq > 0 && seq <= lastSent {
				continue
			}
			h.writeSSE(w, flusher, evt)
			if seq := evt.Seq(); seq > lastSent {
				lastSent = seq
			}
			if isTerminalStatus(evt) {
				h.closeStream(runID, r, startTime, "run_completed")
				return
			}

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")
		}
	}
}

// isTerminalStatus reports whether evt is the run's final status event.
func isTerminalStatus(evt *types.Event) bool {
	if evt.Type != types.EventTypeStatus {
		return false
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		return false
	}
	return types.RunStatus(payload.Status).Terminal()
}

func (h *Handlers) closeStream(runID string, r *http.Request, startTime time.Time, reason string) {
	h.logger.Info("sse connection closed",
		slog.String("run_id", runID),
		slog.String("request_id", GetRequestID(r.Context(), r)),
		slog.Duration("duration", time.Since(startTime)),
		slog.String("reason", reason),
	)
}

// writeSSE writes one event frame and flushes.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, evt *types.Event) {
	if evt == nil {
		return
	}
	if _, err := w.Write(evt.ToSSE()); err != nil {
		h.logger.Error("write sse event", slog.Any("error", err))
		return
	}
	flusher.Flush()
}

// writeComment writes an SSE comment (heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		h.logger.Error("write sse comment", slog.Any("error", err))
		return
	}
	flusher.Flush()
}

func mustJSON(v map[string]interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
