package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flexinfer/conductor/internal/driver"
	"github.com/flexinfer/conductor/internal/runstore"
	"github.com/flexinfer/conductor/pkg/types"
)

// fakeDriver runs nodes without spawning anything. Exit codes are served per
// node from a queue; nodes not listed succeed immediately.
type fakeDriver struct {
	mu       sync.Mutex
	exits    map[string][]int
	order    []string
	lastCtx  context.Context
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
	block    chan struct{} // when set, RunNode waits on it or ctx
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) RunNode(ctx context.Context, runID, nodeID string, cmd []string, env map[string]string, timeoutSec float64) (int, error) {
	cur := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		max := d.maxSeen.Load()
		if cur <= max || d.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}

	d.mu.Lock()
	d.order = append(d.order, nodeID)
	d.lastCtx = ctx
	var exit int
	if q := d.exits[nodeID]; len(q) > 0 {
		exit = q[0]
		d.exits[nodeID] = q[1:]
	}
	d.mu.Unlock()

	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return driver.ExitCancelled, ctx.Err()
		}
	}
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return driver.ExitCancelled, ctx.Err()
		}
	}
	return exit, nil
}

func (d *fakeDriver) taskCtx() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastCtx
}

func (d *fakeDriver) ranOrder() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

func newTestScheduler(t *testing.T, drv driver.Driver, cfg *Config) (*Scheduler, *runstore.MemoryStore) {
	t.Helper()
	store := runstore.NewMemoryStore(nil)
	t.Cleanup(func() { store.Close() })
	s, err := New(store, drv, ResolveCommand, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s, store
}

func startRun(t *testing.T, s *Scheduler, store runstore.RunStore, plan *types.Plan) string {
	t.Helper()
	ctx := context.Background()
	runID, err := store.CreateRun(ctx, "test", plan)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := s.EnqueueRun(ctx, runID); err != nil {
		t.Fatalf("EnqueueRun failed: %v", err)
	}
	if err := s.StartRun(ctx, runID); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	return runID
}

func waitTerminal(t *testing.T, store runstore.RunStore, runID string) types.RunStatus {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		meta, err := store.GetRunMeta(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRunMeta failed: %v", err)
		}
		if meta.Status.Terminal() {
			return meta.Status
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run did not reach a terminal status")
	return ""
}

func terminalStatusEvents(t *testing.T, store runstore.RunStore, runID string) []string {
	t.Helper()
	events, err := store.GetEventsSince(context.Background(), runID, "")
	if err != nil {
		t.Fatalf("GetEventsSince failed: %v", err)
	}
	var out []string
	for _, evt := range events {
		if evt.Type != types.EventTypeStatus {
			continue
		}
		var payload struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(evt.Data, &payload); err != nil {
			t.Fatalf("unmarshal status event: %v", err)
		}
		if types.RunStatus(payload.Status).Terminal() {
			out = append(out, payload.Status)
		}
	}
	return out
}

func TestNew_RejectsNegativeParallelism(t *testing.T) {
	store := runstore.NewMemoryStore(nil)
	defer store.Close()
	if _, err := New(store, &fakeDriver{}, nil, &Config{MaxParallelism: -1}); err == nil {
		t.Error("expected error for negative parallelism")
	}
}

func TestScheduler_SingleNodeSucceeds(t *testing.T) {
	drv := &fakeDriver{}
	s, store := newTestScheduler(t, drv, nil)

	plan := &types.Plan{Nodes: []types.NodeSpec{{ID: "a", Agent: "echo"}}}
	runID := startRun(t, s, store, plan)

	if status := waitTerminal(t, store, runID); status != types.RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", status)
	}

	state, err := store.GetNodeState(context.Background(), runID, "a")
	if err != nil {
		t.Fatalf("GetNodeState failed: %v", err)
	}
	if state.Status != types.NodeStatusSucceeded {
		t.Errorf("expected node succeeded, got %s", state.Status)
	}
	if state.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", state.Attempts)
	}

	if got := terminalStatusEvents(t, store, runID); len(got) != 1 || got[0] != "succeeded" {
		t.Errorf("expected exactly one terminal status event [succeeded], got %v", got)
	}
}

func TestScheduler_DependencyOrder(t *testing.T) {
	drv := &fakeDriver{}
	s, store := newTestScheduler(t, drv, nil)

	plan := &types.Plan{
		Nodes: []types.NodeSpec{
			{ID: "a", Agent: "echo"},
			{ID: "b", Agent: "echo"},
			{ID: "c", Agent: "echo"},
		},
		Edges: []types.EdgeSpec{
			{FromNode: "a", ToNode: "b"},
			{FromNode: "b", ToNode: "c"},
		},
	}
	runID := startRun(t, s, store, plan)
	waitTerminal(t, store, runID)

	order := drv.ranOrder()
	if len(order) != 3 {
		t.Fatalf("expected 3 executions, got %v", order)
	}
	if order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("expected a,b,c in order, got %v", order)
	}
}

func TestScheduler_FailureBlocksDependents(t *testing.T) {
	drv := &fakeDriver{exits: map[string][]int{"a": {1}}}
	s, store := newTestScheduler(t, drv, nil)

	plan := &types.Plan{
		Nodes: []types.NodeSpec{
			{ID: "a", Agent: "echo"},
			{ID: "b", Agent: "echo"},
		},
		Edges: []types.EdgeSpec{{FromNode: "a", ToNode: "b"}},
	}
	runID := startRun(t, s, store, plan)

	if status := waitTerminal(t, store, runID); status != types.RunStatusFailed {
		t.Fatalf("expected failed, got %s", status)
	}

	for _, id := range []string{"a", "b"} {
		state, _ := store.GetNodeState(context.Background(), runID, id)
		switch id {
		case "a":
			if state.Status != types.NodeStatusFailed {
				t.Errorf("node a: expected failed, got %s", state.Status)
			}
		case "b":
			if state.Status != types.NodeStatusQueued {
				t.Errorf("node b: expected queued (blocked), got %s", state.Status)
			}
		}
	}

	for _, id := range drv.ranOrder() {
		if id == "b" {
			t.Error("blocked node b must never execute")
		}
	}
}

func TestScheduler_RetryThenSucceed(t *testing.T) {
	drv := &fakeDriver{exits: map[string][]int{"a": {1, 0}}}
	s, store := newTestScheduler(t, drv, nil)

	one := 1
	zero := 0.0
	plan := &types.Plan{
		Nodes: []types.NodeSpec{
			{ID: "a", Agent: "echo", MaxRetries: &one, BackoffSeconds: &zero},
		},
	}
	runID := startRun(t, s, store, plan)

	if status := waitTerminal(t, store, runID); status != types.RunStatusSucceeded {
		t.Fatalf("expected succeeded after retry, got %s", status)
	}

	state, _ := store.GetNodeState(context.Background(), runID, "a")
	if state.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", state.Attempts)
	}

	// The retry must have been announced as a re-queue with attempt count.
	events, _ := store.GetEventsSince(context.Background(), runID, "")
	found := false
	for _, evt := range events {
		if evt.Type != types.EventTypeNodeStatus {
			continue
		}
		var payload struct {
			Status   string `json:"status"`
			Attempts int    `json:"attempts"`
		}
		json.Unmarshal(evt.Data, &payload)
		if payload.Status == "queued" && payload.Attempts == 1 {
			found = true
		}
	}
	if !found {
		t.Error("expected a queued node_status event carrying the attempt count")
	}
}

func TestScheduler_RetriesExhausted(t *testing.T) {
	drv := &fakeDriver{exits: map[string][]int{"a": {1, 1, 1}}}
	s, store := newTestScheduler(t, drv, nil)

	two := 2
	zero := 0.0
	plan := &types.Plan{
		Nodes: []types.NodeSpec{
			{ID: "a", Agent: "echo", MaxRetries: &two, BackoffSeconds: &zero},
		},
	}
	runID := startRun(t, s, store, plan)

	if status := waitTerminal(t, store, runID); status != types.RunStatusFailed {
		t.Fatalf("expected failed, got %s", status)
	}
	state, _ := store.GetNodeState(context.Background(), runID, "a")
	if state.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", state.Attempts)
	}
	if state.Status != types.NodeStatusFailed {
		t.Errorf("expected node failed, got %s", state.Status)
	}
}

func TestScheduler_Cancellation(t *testing.T) {
	drv := &fakeDriver{block: make(chan struct{})}
	s, store := newTestScheduler(t, drv, nil)

	plan := &types.Plan{Nodes: []types.NodeSpec{{ID: "a", Agent: "echo"}}}
	runID := startRun(t, s, store, plan)

	// Let the node start before cancelling.
	deadline := time.Now().Add(5 * time.Second)
	for drv.inFlight.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.CancelRun(ctx, runID); err != nil {
		t.Fatalf("CancelRun failed: %v", err)
	}

	meta, _ := store.GetRunMeta(context.Background(), runID)
	if meta.Status != types.RunStatusFailed {
		t.Errorf("cancelled run must end failed, got %s", meta.Status)
	}

	if got := terminalStatusEvents(t, store, runID); len(got) != 1 || got[0] != "failed" {
		t.Errorf("expected exactly one terminal status event [failed], got %v", got)
	}

	// Cancelling again is a no-op.
	if err := s.CancelRun(ctx, runID); err != nil {
		t.Errorf("second CancelRun should be a no-op, got %v", err)
	}
}

func TestScheduler_CancelAfterSuccessKeepsStatus(t *testing.T) {
	drv := &fakeDriver{}
	s, store := newTestScheduler(t, drv, nil)

	plan := &types.Plan{Nodes: []types.NodeSpec{{ID: "a", Agent: "echo"}}}
	runID := startRun(t, s, store, plan)

	if status := waitTerminal(t, store, runID); status != types.RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", status)
	}

	if err := s.CancelRun(context.Background(), runID); err != nil {
		t.Fatalf("CancelRun after completion failed: %v", err)
	}

	meta, _ := store.GetRunMeta(context.Background(), runID)
	if meta.Status != types.RunStatusSucceeded {
		t.Errorf("cancel after completion must not change status, got %s", meta.Status)
	}
	if got := terminalStatusEvents(t, store, runID); len(got) != 1 || got[0] != "succeeded" {
		t.Errorf("expected exactly one terminal status event [succeeded], got %v", got)
	}
}

func TestScheduler_ReleasesTaskContextOnCompletion(t *testing.T) {
	drv := &fakeDriver{}
	s, store := newTestScheduler(t, drv, nil)

	plan := &types.Plan{Nodes: []types.NodeSpec{{ID: "a", Agent: "echo"}}}
	runID := startRun(t, s, store, plan)
	waitTerminal(t, store, runID)

	// The run's derived context must be cancelled once the run finishes, not
	// held until scheduler shutdown.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ctx := drv.taskCtx(); ctx != nil && ctx.Err() != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("task context still live after the run finished")
}

func TestScheduler_CancelUnknownRun(t *testing.T) {
	s, store := newTestScheduler(t, &fakeDriver{}, nil)
	_ = store
	err := s.CancelRun(context.Background(), "missing")
	if !errors.Is(err, runstore.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestScheduler_ParallelismBound(t *testing.T) {
	drv := &fakeDriver{delay: 30 * time.Millisecond}
	s, store := newTestScheduler(t, drv, &Config{MaxParallelism: 1, DefaultBackoffSeconds: 2})

	plan := &types.Plan{
		Nodes: []types.NodeSpec{
			{ID: "a", Agent: "echo"},
			{ID: "b", Agent: "echo"},
			{ID: "c", Agent: "echo"},
		},
	}
	runID := startRun(t, s, store, plan)
	waitTerminal(t, store, runID)

	if max := drv.maxSeen.Load(); max > 1 {
		t.Errorf("expected at most 1 concurrent node, saw %d", max)
	}
	if len(drv.ranOrder()) != 3 {
		t.Errorf("expected all 3 nodes to run, got %v", drv.ranOrder())
	}
}

func TestScheduler_RejectsBadPlanAtEnqueue(t *testing.T) {
	s, store := newTestScheduler(t, &fakeDriver{}, nil)
	ctx := context.Background()

	plan := &types.Plan{
		Nodes: []types.NodeSpec{{ID: "a", Agent: "echo"}, {ID: "b", Agent: "echo"}},
		Edges: []types.EdgeSpec{
			{FromNode: "a", ToNode: "b"},
			{FromNode: "b", ToNode: "a"},
		},
	}
	runID, _ := store.CreateRun(ctx, "bad", plan)
	if err := s.EnqueueRun(ctx, runID); err == nil {
		t.Fatal("expected enqueue to reject the cyclic plan")
	}

	meta, _ := store.GetRunMeta(ctx, runID)
	if meta.Status != types.RunStatusFailed {
		t.Errorf("expected failed, got %s", meta.Status)
	}

	// The rejection is reported as a run-scoped log; its data must carry the
	// run id since SSE frames expose only the data payload.
	events, _ := store.GetEventsSince(ctx, runID, "")
	logged := false
	for _, evt := range events {
		if evt.Type != types.EventTypeLog {
			continue
		}
		logged = true
		var data map[string]interface{}
		json.Unmarshal(evt.Data, &data)
		if data["runId"] != runID {
			t.Errorf("log data missing runId: got %v", data["runId"])
		}
	}
	if !logged {
		t.Error("expected a log event explaining the rejection")
	}
}
