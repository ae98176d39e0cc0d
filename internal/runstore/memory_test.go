package runstore

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/flexinfer/conductor/pkg/types"
)

func testPlan() *types.Plan {
	return &types.Plan{
		Nodes: []types.NodeSpec{
			{ID: "a", Agent: "echo"},
			{ID: "b", Agent: "echo"},
		},
		Edges: []types.EdgeSpec{
			{FromNode: "a", ToNode: "b"},
		},
	}
}

func TestMemoryStore_CreateRun(t *testing.T) {
	store := NewMemoryStore(nil)
	defer store.Close()
	ctx := context.Background()

	runID, err := store.CreateRun(ctx, "test", testPlan())
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if runID == "" {
		t.Fatal("expected a run id")
	}

	t.Run("meta starts queued with queued nodes", func(t *testing.T) {
		meta, err := store.GetRunMeta(ctx, runID)
		if err != nil {
			t.Fatalf("GetRunMeta failed: %v", err)
		}
		if meta.Status != types.RunStatusQueued {
			t.Errorf("expected status queued, got %s", meta.Status)
		}
		if len(meta.Nodes) != 2 {
			t.Fatalf("expected 2 node states, got %d", len(meta.Nodes))
		}
		for id, state := range meta.Nodes {
			if state.Status != types.NodeStatusQueued {
				t.Errorf("node %s: expected queued, got %s", id, state.Status)
			}
		}
	})

	t.Run("unknown run returns ErrRunNotFound", func(t *testing.T) {
		if _, err := store.GetRunMeta(ctx, "nope"); err != ErrRunNotFound {
			t.Errorf("expected ErrRunNotFound, got %v", err)
		}
	})
}

func TestMemoryStore_AppendEvent(t *testing.T) {
	store := NewMemoryStore(nil)
	defer store.Close()
	ctx := context.Background()

	runID, err := store.CreateRun(ctx, "test", testPlan())
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	t.Run("ids start at 1 and increase by exactly 1", func(t *testing.T) {
		for i := 1; i <= 5; i++ {
			evt, err := store.AppendEvent(ctx, runID, &types.EventInput{
				Type: types.EventTypeLog,
				Data: map[string]interface{}{"message": fmt.Sprintf("line %d", i)},
			})
			if err != nil {
				t.Fatalf("AppendEvent failed: %v", err)
			}
			if evt.ID != strconv.Itoa(i) {
				t.Errorf("expected id %d, got %s", i, evt.ID)
			}
			if evt.Timestamp.IsZero() {
				t.Error("expected timestamp to be stamped")
			}
		}
	})

	t.Run("nil data marshals as empty object", func(t *testing.T) {
		evt, err := store.AppendEvent(ctx, runID, &types.EventInput{Type: types.EventTypeHello})
		if err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
		if string(evt.Data) != "{}" {
			t.Errorf("expected {} data, got %s", evt.Data)
		}
	})
}

func TestMemoryStore_RingEviction(t *testing.T) {
	store := NewMemoryStore(&Config{EventMaxLen: 3, SubscriberQueueLen: 8})
	defer store.Close()
	ctx := context.Background()

	runID, _ := store.CreateRun(ctx, "test", testPlan())
	for i := 0; i < 5; i++ {
		if _, err := store.AppendEvent(ctx, runID, &types.EventInput{
			Type: types.EventTypeLog,
			Data: map[string]interface{}{"i": i},
		}); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	events, err := store.GetEventsSince(ctx, runID, "")
	if err != nil {
		t.Fatalf("GetEventsSince failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 retained events, got %d", len(events))
	}
	// Oldest two evicted; retained ids keep their original values.
	if events[0].ID != "3" || events[2].ID != "5" {
		t.Errorf("expected ids 3..5, got %s..%s", events[0].ID, events[2].ID)
	}
}

func TestMemoryStore_GetEventsSince(t *testing.T) {
	store := NewMemoryStore(nil)
	defer store.Close()
	ctx := context.Background()

	runID, _ := store.CreateRun(ctx, "test", testPlan())
	for i := 0; i < 4; i++ {
		store.AppendEvent(ctx, runID, &types.EventInput{Type: types.EventTypeLog})
	}

	t.Run("returns events after the given id", func(t *testing.T) {
		events, err := store.GetEventsSince(ctx, runID, "2")
		if err != nil {
			t.Fatalf("GetEventsSince failed: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("expected 2 events, got %d", len(events))
		}
		if events[0].ID != "3" {
			t.Errorf("expected first id 3, got %s", events[0].ID)
		}
	})

	t.Run("empty id returns everything", func(t *testing.T) {
		events, _ := store.GetEventsSince(ctx, runID, "")
		if len(events) != 4 {
			t.Errorf("expected 4 events, got %d", len(events))
		}
	})

	t.Run("unparseable id returns everything", func(t *testing.T) {
		events, _ := store.GetEventsSince(ctx, runID, "garbage")
		if len(events) != 4 {
			t.Errorf("expected 4 events, got %d", len(events))
		}
	})
}

func TestMemoryStore_Subscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("subscriber receives appended events in order", func(t *testing.T) {
		store := NewMemoryStore(nil)
		defer store.Close()
		runID, _ := store.CreateRun(ctx, "test", testPlan())

		ch, cleanup, err := store.Subscribe(ctx, runID)
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer cleanup()

		for i := 1; i <= 3; i++ {
			store.AppendEvent(ctx, runID, &types.EventInput{Type: types.EventTypeLog})
		}
		for i := 1; i <= 3; i++ {
			evt := <-ch
			if evt.ID != strconv.Itoa(i) {
				t.Errorf("expected id %d, got %s", i, evt.ID)
			}
		}
	})

	t.Run("slow subscriber is dropped by closing its channel", func(t *testing.T) {
		store := NewMemoryStore(&Config{EventMaxLen: 100, SubscriberQueueLen: 2})
		defer store.Close()
		runID, _ := store.CreateRun(ctx, "test", testPlan())

		ch, cleanup, err := store.Subscribe(ctx, runID)
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer cleanup()

		// Fill the queue and overflow it without consuming.
		for i := 0; i < 5; i++ {
			store.AppendEvent(ctx, runID, &types.EventInput{Type: types.EventTypeLog})
		}

		received := 0
		for range ch {
			received++
		}
		if received != 2 {
			t.Errorf("expected 2 buffered events before the drop, got %d", received)
		}
	})

	t.Run("cleanup after drop is safe", func(t *testing.T) {
		store := NewMemoryStore(&Config{EventMaxLen: 100, SubscriberQueueLen: 1})
		defer store.Close()
		runID, _ := store.CreateRun(ctx, "test", testPlan())

		_, cleanup, _ := store.Subscribe(ctx, runID)
		store.AppendEvent(ctx, runID, &types.EventInput{Type: types.EventTypeLog})
		store.AppendEvent(ctx, runID, &types.EventInput{Type: types.EventTypeLog})
		cleanup() // already dropped; must not panic on double close
	})
}

func TestMemoryStore_Cancel(t *testing.T) {
	store := NewMemoryStore(nil)
	defer store.Close()
	ctx := context.Background()

	runID, _ := store.CreateRun(ctx, "test", testPlan())

	cancelled, err := store.IsCancelled(ctx, runID)
	if err != nil {
		t.Fatalf("IsCancelled failed: %v", err)
	}
	if cancelled {
		t.Error("new run should not be cancelled")
	}

	if err := store.CancelRun(ctx, runID); err != nil {
		t.Fatalf("CancelRun failed: %v", err)
	}

	cancelled, _ = store.IsCancelled(ctx, runID)
	if !cancelled {
		t.Error("expected cancelled flag to be set")
	}

	meta, _ := store.GetRunMeta(ctx, runID)
	if meta.Status != types.RunStatusCancelled {
		t.Errorf("expected status cancelled, got %s", meta.Status)
	}
}

func TestMemoryStore_TTLSweep(t *testing.T) {
	store := NewMemoryStore(&Config{EventMaxLen: 100, SubscriberQueueLen: 8, TTL: time.Hour})
	defer store.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	age := func(runID string, d time.Duration) {
		run, ok := store.getRun(runID)
		if !ok {
			t.Fatalf("run %s not found", runID)
		}
		run.mu.Lock()
		run.updatedAt = now.Add(-d)
		run.mu.Unlock()
	}

	finished, _ := store.CreateRun(ctx, "finished", testPlan())
	store.UpdateRunStatus(ctx, finished, types.RunStatusSucceeded, nil, &now)
	age(finished, 2*time.Hour)

	live, _ := store.CreateRun(ctx, "live", testPlan())
	store.UpdateRunStatus(ctx, live, types.RunStatusRunning, &now, nil)
	age(live, 2*time.Hour)

	recent, _ := store.CreateRun(ctx, "recent", testPlan())
	store.UpdateRunStatus(ctx, recent, types.RunStatusFailed, nil, &now)

	ch, cleanup, err := store.Subscribe(ctx, finished)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cleanup()

	store.sweepExpired(time.Now().UTC())

	if _, err := store.GetRunMeta(ctx, finished); err != ErrRunNotFound {
		t.Errorf("expected the stale finished run to be evicted, got %v", err)
	}
	if _, err := store.GetRunMeta(ctx, live); err != nil {
		t.Errorf("a run that is still running must never be evicted: %v", err)
	}
	if _, err := store.GetRunMeta(ctx, recent); err != nil {
		t.Errorf("a finished run inside the TTL must be kept: %v", err)
	}

	// Subscribers of an evicted run are released.
	select {
	case _, open := <-ch:
		if open {
			t.Error("expected the subscriber channel to be closed")
		}
	case <-time.After(time.Second):
		t.Error("subscriber channel not closed after eviction")
	}
}

func TestMemoryStore_NodeState(t *testing.T) {
	store := NewMemoryStore(nil)
	defer store.Close()
	ctx := context.Background()

	runID, _ := store.CreateRun(ctx, "test", testPlan())

	state := &types.NodeState{Status: types.NodeStatusRunning, Attempts: 1}
	if err := store.UpdateNodeState(ctx, runID, "a", state); err != nil {
		t.Fatalf("UpdateNodeState failed: %v", err)
	}

	got, err := store.GetNodeState(ctx, runID, "a")
	if err != nil {
		t.Fatalf("GetNodeState failed: %v", err)
	}
	if got.Status != types.NodeStatusRunning || got.Attempts != 1 {
		t.Errorf("unexpected node state: %+v", got)
	}

	// The returned state is a copy.
	got.Attempts = 99
	again, _ := store.GetNodeState(ctx, runID, "a")
	if again.Attempts != 1 {
		t.Error("GetNodeState should return a copy")
	}

	if _, err := store.GetNodeState(ctx, runID, "missing"); err == nil {
		t.Error("expected error for unknown node")
	}
}
