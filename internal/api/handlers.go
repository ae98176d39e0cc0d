// Package api provides HTTP handlers and routing for the conductor service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/conductor/internal/config"
	"github.com/flexinfer/conductor/internal/runstore"
	"github.com/flexinfer/conductor/internal/scheduler"
	"github.com/flexinfer/conductor/internal/validator"
	"github.com/flexinfer/conductor/pkg/types"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	store     runstore.RunStore
	scheduler *scheduler.Scheduler
	validator *validator.Validator
	config    *config.Config
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(store runstore.RunStore, sched *scheduler.Scheduler, v *validator.Validator, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:     store,
		scheduler: sched,
		validator: v,
		config:    cfg,
		logger:    logger,
	}
}

// --- Health endpoints ---

// Health handles /health and /healthz.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles /ready, checking the RunStore backend.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavail, "runstore unhealthy", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ready",
		"runstore": info,
	})
}

// --- Run management ---

// CreateRunRequest is the request body for creating a run. Plan is kept raw
// so a dry run can echo it back byte-identical.
type CreateRunRequest struct {
	Name    string            `json:"name"`
	Plan    json.RawMessage   `json:"plan"`
	Options *CreateRunOptions `json:"options,omitempty"`
}

// CreateRunOptions holds run creation options.
type CreateRunOptions struct {
	DryRun bool `json:"dryRun,omitempty"`
}

// CreateRunResponse is the response body after creating a run.
type CreateRunResponse struct {
	RunID string `json:"runId"`
}

// CreateRun handles POST /api/v1/runs. A dry run validates nothing and
// returns the submitted plan verbatim; otherwise the plan is validated,
// the run is created and enqueued, and execution starts asynchronously.
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body", err)
		return
	}

	if req.Options != nil && req.Options.DryRun {
		h.respondJSON(w, http.StatusOK, map[string]interface{}{
			"plan": req.Plan,
		})
		return
	}

	if len(req.Plan) == 0 {
		h.respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "plan is required", nil)
		return
	}

	if h.validator != nil {
		if result := h.validator.ValidatePlanJSON(req.Plan); !result.Valid {
			writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "plan failed validation", map[string]interface{}{
				"errors": result.Errors,
			})
			return
		}
	}

	var plan types.Plan
	if err := json.Unmarshal(req.Plan, &plan); err != nil {
		h.respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid plan", err)
		return
	}

	if err := scheduler.ValidatePlan(&plan, nil); err != nil {
		h.respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid plan", err)
		return
	}

	runID, err := h.store.CreateRun(ctx, req.Name, &plan)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "failed to create run", err)
		return
	}

	if err := h.scheduler.EnqueueRun(ctx, runID); err != nil {
		h.respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "failed to enqueue run", err)
		return
	}

	// Start asynchronously; the run loop outlives this request.
	go func() {
		startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.scheduler.StartRun(startCtx, runID); err != nil {
			h.logger.Error("start run", slog.String("run_id", runID), slog.Any("error", err))
		}
	}()

	h.respondJSON(w, http.StatusCreated, CreateRunResponse{RunID: runID})
}

// RunSnapshot is the projection served by GET /api/v1/runs/{id}.
type RunSnapshot struct {
	RunID      string                      `json:"runId"`
	Status     types.RunStatus             `json:"status"`
	StartedAt  *time.Time                  `json:"startedAt"`
	FinishedAt *time.Time                  `json:"finishedAt"`
	Nodes      map[string]*types.NodeState `json:"nodes"`
}

// GetRun handles GET /api/v1/runs/{id}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	meta, err := h.store.GetRunMeta(r.Context(), runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "failed to get run", err)
		return
	}

	h.respondJSON(w, http.StatusOK, RunSnapshot{
		RunID:      meta.ID,
		Status:     meta.Status,
		StartedAt:  meta.StartedAt,
		FinishedAt: meta.FinishedAt,
		Nodes:      meta.Nodes,
	})
}

// ListRuns handles GET /api/v1/runs.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	runIDs, err := h.store.ListRuns(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "failed to list runs", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runIDs})
}

// CancelRun handles POST /api/v1/runs/{id}/cancel.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	if err := h.scheduler.CancelRun(r.Context(), runID); err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "failed to cancel run", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// DeleteRun handles DELETE /api/v1/runs/{id}. Kept as an alias for cancel.
func (h *Handlers) DeleteRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	if err := h.scheduler.CancelRun(r.Context(), runID); err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "failed to cancel run", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- RunStore diagnostics ---

// RunStoreInfo handles GET /api/v1/runstore/info.
func (h *Handlers) RunStoreInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "failed to get runstore info", err)
		return
	}

	h.respondJSON(w, http.StatusOK, info)
}

// RunStoreSelfCheck handles GET /api/v1/runstore/selfcheck: create a run,
// append an event, read it back.
func (h *Handlers) RunStoreSelfCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	runID, err := h.store.CreateRun(ctx, "_selfcheck", nil)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "selfcheck failed: create", err)
		return
	}

	if _, err := h.store.AppendEvent(ctx, runID, &types.EventInput{
		Type: types.EventTypeLog,
		Data: map[string]interface{}{"message": "selfcheck"},
	}); err != nil {
		h.respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "selfcheck failed: append", err)
		return
	}

	events, err := h.store.GetEventsSince(ctx, runID, "")
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "selfcheck failed: read", err)
		return
	}

	if err := h.store.CancelRun(ctx, runID); err != nil {
		h.respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "selfcheck failed: cleanup", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"latency_ms":  time.Since(start).Milliseconds(),
		"event_count": len(events),
	})
}

// --- Helpers ---

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("encode response", slog.Any("error", err))
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, code, message string, err error) {
	if err != nil {
		h.logger.Error(message, slog.Any("error", err), slog.Int("status", status))
		writeErrorResponse(w, r, status, code, message, map[string]interface{}{"detail": err.Error()})
		return
	}
	h.logger.Error(message, slog.Int("status", status))
	writeErrorResponse(w, r, status, code, message, nil)
}
