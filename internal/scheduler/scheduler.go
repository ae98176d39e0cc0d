// Package scheduler executes run plans as dependency-ordered node attempts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flexinfer/conductor/internal/driver"
	"github.com/flexinfer/conductor/internal/metrics"
	"github.com/flexinfer/conductor/internal/runstore"
	"github.com/flexinfer/conductor/pkg/types"
)

const (
	// idleSleep paces the loop when nothing is active or ready.
	idleSleep = 50 * time.Millisecond

	// completionWait bounds the wait for a completion so retry gates are
	// re-examined promptly.
	completionWait = 250 * time.Millisecond

	// maxBackoffSeconds caps exponential retry backoff.
	maxBackoffSeconds = 60.0
)

// Config holds scheduler configuration.
type Config struct {
	// MaxParallelism bounds concurrently running nodes across all runs
	// (0 = unlimited).
	MaxParallelism int

	// DefaultMaxRetries applies to nodes that do not set max_retries.
	DefaultMaxRetries int

	// DefaultBackoffSeconds applies to nodes that do not set backoff_seconds.
	DefaultBackoffSeconds float64

	// Archiver, when set, receives each run after it reaches a terminal
	// status.
	Archiver Archiver
}

// Archiver exports a finished run to long-term storage.
type Archiver interface {
	ArchiveRun(ctx context.Context, runID string) error
}

// nodeResult carries the outcome of one node attempt back to the run loop.
type nodeResult struct {
	nodeID    string
	attempt   int
	startedAt time.Time
	exitCode  int
	err       error
}

// runContext is the transient bookkeeping for one live run. All maps are
// owned by the run loop; cancellation flags are the only cross-goroutine
// mutation.
type runContext struct {
	runID string
	graph *graph
	order []string

	taskCtx     context.Context
	cancelTasks context.CancelFunc
	cancelled   atomic.Bool
	started     atomic.Bool
	done        chan struct{}
	completions chan nodeResult

	remaining map[string]int
	attempts  map[string]int
	status    map[string]types.NodeStatus
	notBefore map[string]time.Time
	active    map[string]struct{}
}

// Scheduler drives runs to completion: it launches ready nodes through a
// Driver, applies retry policy, and owns the run's terminal status event.
type Scheduler struct {
	store   runstore.RunStore
	driver  driver.Driver
	resolve ResolveFunc
	cfg     *Config

	// baseCtx outlives any HTTP request; run loops derive from it so a run
	// survives its creating request.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	// sem bounds global parallelism when non-nil.
	sem chan struct{}

	mu   sync.Mutex
	runs map[string]*runContext
}

// New creates a Scheduler. resolve may be nil to use ResolveCommand.
func New(store runstore.RunStore, drv driver.Driver, resolve ResolveFunc, cfg *Config) (*Scheduler, error) {
	if cfg == nil {
		cfg = &Config{DefaultBackoffSeconds: 2}
	}
	if cfg.MaxParallelism < 0 {
		return nil, fmt.Errorf("max parallelism must be >= 1 when set")
	}
	if resolve == nil {
		resolve = ResolveCommand
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())

	var sem chan struct{}
	if cfg.MaxParallelism > 0 {
		sem = make(chan struct{}, cfg.MaxParallelism)
	}

	return &Scheduler{
		store:      store,
		driver:     drv,
		resolve:    resolve,
		cfg:        cfg,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		sem:        sem,
		runs:       make(map[string]*runContext),
	}, nil
}

// EnqueueRun builds the dependency graph for a created run and emits the
// initial queued events. Idempotent for a run already enqueued. Plans are
// validated before create_run; if a bad plan slips through anyway, the run
// fails terminally here without executing anything.
func (s *Scheduler) EnqueueRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	if _, exists := s.runs[runID]; exists {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	g, err := buildGraph(run.Plan, s.resolve)
	if err != nil {
		s.appendLog(ctx, runID, "", types.LevelError, fmt.Sprintf("plan rejected: %v", err))
		now := time.Now().UTC()
		if uerr := s.store.UpdateRunStatus(ctx, runID, types.RunStatusFailed, nil, &now); uerr != nil {
			slog.Error("mark run failed", slog.String("run_id", runID), slog.Any("error", uerr))
		}
		s.appendStatus(ctx, runID, types.RunStatusFailed)
		return err
	}

	taskCtx, cancelTasks := context.WithCancel(s.baseCtx)
	rctx := &runContext{
		runID:       runID,
		graph:       g,
		order:       make([]string, 0, len(run.Plan.Nodes)),
		taskCtx:     taskCtx,
		cancelTasks: cancelTasks,
		done:        make(chan struct{}),
		completions: make(chan nodeResult, len(run.Plan.Nodes)),
		remaining:   make(map[string]int, len(g.preds)),
		attempts:    make(map[string]int),
		status:      make(map[string]types.NodeStatus, len(g.nodes)),
		notBefore:   make(map[string]time.Time),
		active:      make(map[string]struct{}),
	}
	for _, node := range run.Plan.Nodes {
		rctx.order = append(rctx.order, node.ID)
		rctx.status[node.ID] = types.NodeStatusQueued
		rctx.remaining[node.ID] = g.preds[node.ID]
	}

	s.mu.Lock()
	if _, exists := s.runs[runID]; exists {
		s.mu.Unlock()
		cancelTasks()
		return nil
	}
	s.runs[runID] = rctx
	s.mu.Unlock()

	for _, id := range rctx.order {
		s.appendNodeStatus(ctx, runID, id, map[string]interface{}{
			"runId":  runID,
			"nodeId": id,
			"status": "queued",
		})
	}
	s.appendStatus(ctx, runID, types.RunStatusQueued)

	return nil
}

// StartRun transitions the run to running and launches its loop. At most one
// loop per run id; repeated calls are no-ops.
func (s *Scheduler) StartRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	rctx, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s is not enqueued", runID)
	}
	if !rctx.started.CompareAndSwap(false, true) {
		return nil
	}

	now := time.Now().UTC()
	if err := s.store.UpdateRunStatus(ctx, runID, types.RunStatusRunning, &now, nil); err != nil {
		return err
	}

	s.appendEvent(ctx, runID, &types.EventInput{
		Type: types.EventTypeHello,
		Data: map[string]interface{}{"runId": runID},
	})
	s.appendStatus(ctx, runID, types.RunStatusRunning)

	metrics.RunsActive.Inc()
	go s.runLoop(rctx)

	return nil
}

// CancelRun requests cooperative cancellation and blocks until the run loop
// reaches its terminal state (or ctx gives up waiting). Cancelling a run
// that already finished is a no-op. The run's terminal status is failed.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) error {
	meta, err := s.store.GetRunMeta(ctx, runID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	rctx, live := s.runs[runID]
	s.mu.Unlock()

	if !live {
		// Already terminal, nothing to do.
		if meta.Status.Terminal() || meta.Status == types.RunStatusCancelled {
			return nil
		}
		// Created but never enqueued.
		if err := s.store.CancelRun(ctx, runID); err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := s.store.UpdateRunStatus(ctx, runID, types.RunStatusFailed, nil, &now); err != nil {
			return err
		}
		s.appendStatus(ctx, runID, types.RunStatusFailed)
		return nil
	}

	// The loop owns the stored status from here on. Only the flag is set:
	// writing a cancelled status here could race the loop's own finish and
	// clobber a terminal status it already persisted.
	rctx.cancelled.Store(true)
	rctx.cancelTasks()

	// Enqueued but never started: there is no loop to finish the run.
	if !rctx.started.Load() {
		s.mu.Lock()
		delete(s.runs, runID)
		s.mu.Unlock()
		if err := s.store.CancelRun(ctx, runID); err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := s.store.UpdateRunStatus(ctx, runID, types.RunStatusFailed, nil, &now); err != nil {
			return err
		}
		s.appendStatus(ctx, runID, types.RunStatusFailed)
		return nil
	}

	select {
	case <-rctx.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops all run loops and waits for them to finish.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.baseCancel()

	s.mu.Lock()
	waiting := make([]*runContext, 0, len(s.runs))
	for _, rctx := range s.runs {
		rctx.cancelled.Store(true)
		waiting = append(waiting, rctx)
	}
	s.mu.Unlock()

	for _, rctx := range waiting {
		if !rctx.started.Load() {
			continue
		}
		select {
		case <-rctx.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// runLoop is the single goroutine driving one run. It launches ready nodes,
// reacts to completions and retry gates, and emits exactly one terminal
// status event.
func (s *Scheduler) runLoop(rctx *runContext) {
	ctx := s.baseCtx
	start := time.Now()
	defer close(rctx.done)

	for {
		if !rctx.cancelled.Load() {
			if cancelled, err := s.store.IsCancelled(ctx, rctx.runID); err == nil && cancelled {
				rctx.cancelled.Store(true)
			}
		}
		if rctx.cancelled.Load() {
			rctx.cancelTasks()
			s.drainActive(ctx, rctx)
			s.finishRun(ctx, rctx, types.RunStatusFailed, start)
			return
		}

		s.launchReady(ctx, rctx)

		if len(rctx.active) == 0 {
			if terminal, status := rctx.terminalStatus(); terminal {
				s.finishRun(ctx, rctx, status, start)
				return
			}
			// Waiting on a retry gate.
			time.Sleep(idleSleep)
			continue
		}

		select {
		case res := <-rctx.completions:
			s.handleCompletion(ctx, rctx, res)
		case <-time.After(completionWait):
		}
	}
}

// launchReady starts every node whose predecessors have all succeeded and
// whose retry gate, if any, has passed. Launching stops early when the
// global parallelism semaphore is exhausted.
func (s *Scheduler) launchReady(ctx context.Context, rctx *runContext) {
	now := time.Now()
	for _, id := range rctx.order {
		if rctx.status[id] != types.NodeStatusQueued || rctx.remaining[id] > 0 {
			continue
		}
		if _, running := rctx.active[id]; running {
			continue
		}
		if nb, gated := rctx.notBefore[id]; gated && now.Before(nb) {
			continue
		}
		if s.sem != nil {
			select {
			case s.sem <- struct{}{}:
			default:
				return
			}
		}
		s.startAttempt(ctx, rctx, id)
	}
}

// startAttempt records the attempt and dispatches the node to the driver in
// its own goroutine.
func (s *Scheduler) startAttempt(ctx context.Context, rctx *runContext, nodeID string) {
	node := rctx.graph.nodes[nodeID]
	attempt := rctx.attempts[nodeID] + 1
	rctx.attempts[nodeID] = attempt
	rctx.status[nodeID] = types.NodeStatusRunning
	rctx.active[nodeID] = struct{}{}
	delete(rctx.notBefore, nodeID)

	startedAt := time.Now().UTC()
	if err := s.store.UpdateNodeState(ctx, rctx.runID, nodeID, &types.NodeState{
		Status:    types.NodeStatusRunning,
		Attempts:  attempt,
		StartedAt: &startedAt,
	}); err != nil {
		slog.Error("update node state",
			slog.String("run_id", rctx.runID), slog.String("node_id", nodeID), slog.Any("error", err))
	}

	argv, err := s.resolve(node)
	if err != nil {
		// The plan validated at enqueue; a resolver that fails now is a bug,
		// treated as a spawn failure.
		rctx.completions <- nodeResult{
			nodeID: nodeID, attempt: attempt, startedAt: startedAt,
			exitCode: driver.ExitSpawnFailure, err: err,
		}
		return
	}

	env := make(map[string]string, len(node.Env)+2)
	for k, v := range node.Env {
		env[k] = v
	}
	env["ATTEMPT"] = strconv.Itoa(attempt)
	if img, ok := node.Params["image"].(string); ok && img != "" {
		env["AGENT_IMAGE"] = img
	}

	timeoutSec := float64(node.TimeoutMS) / 1000.0

	go func() {
		exitCode, runErr := s.driver.RunNode(rctx.taskCtx, rctx.runID, nodeID, argv, env, timeoutSec)
		rctx.completions <- nodeResult{
			nodeID:    nodeID,
			attempt:   attempt,
			startedAt: startedAt,
			exitCode:  exitCode,
			err:       runErr,
		}
	}()
}

// handleCompletion applies one attempt's outcome: success unblocks
// dependents, a retryable failure re-queues with a backoff gate, anything
// else is a final node failure.
func (s *Scheduler) handleCompletion(ctx context.Context, rctx *runContext, res nodeResult) {
	if s.sem != nil {
		<-s.sem
	}
	delete(rctx.active, res.nodeID)

	node := rctx.graph.nodes[res.nodeID]
	finishedAt := time.Now().UTC()
	durationMS := finishedAt.Sub(res.startedAt).Milliseconds()
	startedAt := res.startedAt

	if res.exitCode == 0 && res.err == nil {
		exit := 0
		if err := s.store.UpdateNodeState(ctx, rctx.runID, res.nodeID, &types.NodeState{
			Status:       types.NodeStatusSucceeded,
			Attempts:     res.attempt,
			StartedAt:    &startedAt,
			FinishedAt:   &finishedAt,
			DurationMS:   &durationMS,
			LastExitCode: &exit,
		}); err != nil {
			slog.Error("update node state",
				slog.String("run_id", rctx.runID), slog.String("node_id", res.nodeID), slog.Any("error", err))
		}
		rctx.status[res.nodeID] = types.NodeStatusSucceeded
		for _, dep := range rctx.graph.dependents[res.nodeID] {
			rctx.remaining[dep]--
		}
		metrics.NodesTotal.WithLabelValues("succeeded").Inc()
		metrics.NodeDuration.WithLabelValues("succeeded").Observe(float64(durationMS) / 1000.0)
		metrics.NodeRetries.WithLabelValues("succeeded").Observe(float64(res.attempt - 1))
		return
	}

	errMsg := failureMessage(res)
	exit := res.exitCode
	cancelled := rctx.cancelled.Load() || errors.Is(res.err, context.Canceled)

	maxRetries := s.cfg.DefaultMaxRetries
	if node.MaxRetries != nil {
		maxRetries = *node.MaxRetries
	}

	if !cancelled && res.attempt <= maxRetries {
		backoff := s.cfg.DefaultBackoffSeconds
		if node.BackoffSeconds != nil {
			backoff = *node.BackoffSeconds
		}
		retryAt := finishedAt.Add(retryDelay(backoff, res.attempt))

		if err := s.store.UpdateNodeState(ctx, rctx.runID, res.nodeID, &types.NodeState{
			Status:              types.NodeStatusQueued,
			Attempts:            res.attempt,
			StartedAt:           &startedAt,
			FinishedAt:          &finishedAt,
			DurationMS:          &durationMS,
			Error:               &errMsg,
			LastExitCode:        &exit,
			NextEarliestStartAt: &retryAt,
		}); err != nil {
			slog.Error("update node state",
				slog.String("run_id", rctx.runID), slog.String("node_id", res.nodeID), slog.Any("error", err))
		}
		rctx.status[res.nodeID] = types.NodeStatusQueued
		rctx.notBefore[res.nodeID] = retryAt

		s.appendNodeStatus(ctx, rctx.runID, res.nodeID, map[string]interface{}{
			"runId":    rctx.runID,
			"nodeId":   res.nodeID,
			"status":   "queued",
			"attempts": res.attempt,
			"retryAt":  retryAt.Format(time.RFC3339Nano),
		})
		metrics.NodesTotal.WithLabelValues("retried").Inc()
		return
	}

	if err := s.store.UpdateNodeState(ctx, rctx.runID, res.nodeID, &types.NodeState{
		Status:       types.NodeStatusFailed,
		Attempts:     res.attempt,
		StartedAt:    &startedAt,
		FinishedAt:   &finishedAt,
		DurationMS:   &durationMS,
		Error:        &errMsg,
		LastExitCode: &exit,
	}); err != nil {
		slog.Error("update node state",
			slog.String("run_id", rctx.runID), slog.String("node_id", res.nodeID), slog.Any("error", err))
	}
	rctx.status[res.nodeID] = types.NodeStatusFailed
	metrics.NodesTotal.WithLabelValues("failed").Inc()
	metrics.NodeDuration.WithLabelValues("failed").Observe(float64(durationMS) / 1000.0)
	metrics.NodeRetries.WithLabelValues("failed").Observe(float64(res.attempt - 1))
}

// drainActive waits out in-flight attempts after cancellation so their
// output and node_status events land before the run's terminal event.
func (s *Scheduler) drainActive(ctx context.Context, rctx *runContext) {
	for len(rctx.active) > 0 {
		res := <-rctx.completions
		s.handleCompletion(ctx, rctx, res)
	}
}

// finishRun persists the terminal status and emits the run's final event.
func (s *Scheduler) finishRun(ctx context.Context, rctx *runContext, status types.RunStatus, start time.Time) {
	// Release the derived task context; it stays registered on baseCtx
	// until cancelled.
	rctx.cancelTasks()

	now := time.Now().UTC()
	if err := s.store.UpdateRunStatus(ctx, rctx.runID, status, nil, &now); err != nil {
		slog.Error("update run status", slog.String("run_id", rctx.runID), slog.Any("error", err))
	}
	s.appendStatus(ctx, rctx.runID, status)

	metrics.RunsActive.Dec()
	metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	metrics.RunDuration.WithLabelValues(string(status)).Observe(time.Since(start).Seconds())

	s.mu.Lock()
	delete(s.runs, rctx.runID)
	s.mu.Unlock()

	if s.cfg.Archiver != nil {
		runID := rctx.runID
		go func() {
			actx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.cfg.Archiver.ArchiveRun(actx, runID); err != nil {
				slog.Warn("archive run", slog.String("run_id", runID), slog.Any("error", err))
			}
		}()
	}
}

// terminalStatus decides whether the run can make further progress. Queued
// nodes behind a failed predecessor have no path forward and do not keep the
// run alive.
func (rctx *runContext) terminalStatus() (bool, types.RunStatus) {
	blocked := rctx.blockedNodes()

	allSucceeded := true
	for id, st := range rctx.status {
		switch st {
		case types.NodeStatusSucceeded:
		case types.NodeStatusFailed:
			allSucceeded = false
		case types.NodeStatusRunning:
			return false, ""
		case types.NodeStatusQueued:
			if !blocked[id] {
				return false, ""
			}
			allSucceeded = false
		}
	}

	if allSucceeded {
		return true, types.RunStatusSucceeded
	}
	return true, types.RunStatusFailed
}

// blockedNodes returns the set of nodes downstream of a failed node.
func (rctx *runContext) blockedNodes() map[string]bool {
	blocked := make(map[string]bool)
	var queue []string
	for id, st := range rctx.status {
		if st == types.NodeStatusFailed {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range rctx.graph.dependents[id] {
			if !blocked[dep] {
				blocked[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	return blocked
}

// retryDelay computes the backoff before attempt k+1 after k failures:
// min(60, b * 2^(k-1)) seconds.
func retryDelay(backoffSeconds float64, attempts int) time.Duration {
	if backoffSeconds <= 0 {
		return 0
	}
	delay := backoffSeconds * math.Pow(2, float64(attempts-1))
	if delay > maxBackoffSeconds {
		delay = maxBackoffSeconds
	}
	return time.Duration(delay * float64(time.Second))
}

func failureMessage(res nodeResult) string {
	if res.err != nil {
		return res.err.Error()
	}
	return fmt.Sprintf("exit code %d", res.exitCode)
}

// Event helpers; append failures are logged, never fatal.

func (s *Scheduler) appendEvent(ctx context.Context, runID string, input *types.EventInput) {
	if _, err := s.store.AppendEvent(ctx, runID, input); err != nil {
		slog.Warn("append event",
			slog.String("run_id", runID), slog.String("type", input.Type), slog.Any("error", err))
	}
}

func (s *Scheduler) appendStatus(ctx context.Context, runID string, status types.RunStatus) {
	s.appendEvent(ctx, runID, &types.EventInput{
		Type: types.EventTypeStatus,
		Data: map[string]interface{}{"runId": runID, "status": string(status)},
	})
}

func (s *Scheduler) appendNodeStatus(ctx context.Context, runID, nodeID string, data map[string]interface{}) {
	s.appendEvent(ctx, runID, &types.EventInput{
		Type:   types.EventTypeNodeStatus,
		NodeID: nodeID,
		Data:   data,
	})
}

func (s *Scheduler) appendLog(ctx context.Context, runID, nodeID, level, message string) {
	// SSE frames expose only data, so attribution has to ride in it.
	data := map[string]interface{}{
		"message": message,
		"runId":   runID,
	}
	if nodeID != "" {
		data["nodeId"] = nodeID
	}
	s.appendEvent(ctx, runID, &types.EventInput{
		Type:   types.EventTypeLog,
		NodeID: nodeID,
		Level:  level,
		Data:   data,
	})
}
