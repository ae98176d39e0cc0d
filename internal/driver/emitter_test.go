package driver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/flexinfer/conductor/internal/runstore"
	"github.com/flexinfer/conductor/pkg/types"
)

func newEmitterFixture(t *testing.T) (*RunStoreEmitter, runstore.RunStore, string) {
	t.Helper()
	store := runstore.NewMemoryStore(nil)
	t.Cleanup(func() { store.Close() })

	plan := &types.Plan{Nodes: []types.NodeSpec{{ID: "n1", Agent: "echo"}}}
	runID, err := store.CreateRun(context.Background(), "test", plan)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	return NewRunStoreEmitter(store), store, runID
}

func TestRunStoreEmitter_EmitLog(t *testing.T) {
	em, store, runID := newEmitterFixture(t)
	ctx := context.Background()

	em.EmitLog(ctx, runID, "n1", types.LevelInfo, "hello")

	events, _ := store.GetEventsSince(ctx, runID, "")
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	evt := events[0]
	if evt.Type != types.EventTypeLog || evt.NodeID != "n1" || evt.Level != types.LevelInfo {
		t.Errorf("unexpected event: %+v", evt)
	}
	var data map[string]interface{}
	json.Unmarshal(evt.Data, &data)
	if data["message"] != "hello" {
		t.Errorf("expected message hello, got %v", data["message"])
	}
	if data["runId"] != runID {
		t.Errorf("expected runId %s in data, got %v", runID, data["runId"])
	}
	if data["nodeId"] != "n1" {
		t.Errorf("expected nodeId n1 in data, got %v", data["nodeId"])
	}
}

func TestRunStoreEmitter_EmitLogWithoutNode(t *testing.T) {
	em, store, runID := newEmitterFixture(t)
	ctx := context.Background()

	em.EmitLog(ctx, runID, "", types.LevelError, "run-level failure")

	events, _ := store.GetEventsSince(ctx, runID, "")
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	var data map[string]interface{}
	json.Unmarshal(events[0].Data, &data)
	if data["runId"] != runID {
		t.Errorf("expected runId %s in data, got %v", runID, data["runId"])
	}
	if _, present := data["nodeId"]; present {
		t.Errorf("expected no nodeId for a run-level log, got %v", data["nodeId"])
	}
}

// Plain stdout and stderr lines pass through EmitLog, and SSE frames expose
// only the data payload, so the data itself must attribute the line.
func TestSubprocessLogAttribution(t *testing.T) {
	em, store, runID := newEmitterFixture(t)
	ctx := context.Background()

	d := NewSubprocessDriver(em, nil)
	exitCode, err := d.RunNode(ctx, runID, "n1",
		[]string{"sh", "-c", "echo plainline; echo oops >&2"}, nil, 0)
	if err != nil || exitCode != 0 {
		t.Fatalf("RunNode: exit=%d err=%v", exitCode, err)
	}

	events, _ := store.GetEventsSince(ctx, runID, "")
	seen := map[string]bool{}
	for _, evt := range events {
		if evt.Type != types.EventTypeLog {
			continue
		}
		var data map[string]interface{}
		json.Unmarshal(evt.Data, &data)
		msg, _ := data["message"].(string)
		seen[msg] = true
		if data["runId"] != runID {
			t.Errorf("log %q data missing runId: got %v", msg, data["runId"])
		}
		if data["nodeId"] != "n1" {
			t.Errorf("log %q data missing nodeId: got %v", msg, data["nodeId"])
		}
	}
	if !seen["plainline"] || !seen["oops"] {
		t.Fatalf("expected stdout and stderr log events, saw %v", seen)
	}
}

func TestRunStoreEmitter_EmitRaw(t *testing.T) {
	ctx := context.Background()

	t.Run("preserves agent type and fields", func(t *testing.T) {
		em, store, runID := newEmitterFixture(t)

		em.EmitRaw(ctx, runID, "n1", map[string]interface{}{
			"type":  "progress",
			"level": "debug",
			"pct":   75.0,
		})

		events, _ := store.GetEventsSince(ctx, runID, "")
		if len(events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(events))
		}
		evt := events[0]
		if evt.Type != "progress" || evt.Level != "debug" {
			t.Errorf("unexpected type/level: %s/%s", evt.Type, evt.Level)
		}
		var data map[string]interface{}
		json.Unmarshal(evt.Data, &data)
		if data["pct"] != 75.0 {
			t.Errorf("expected pct 75, got %v", data["pct"])
		}
	})

	t.Run("forces run and node attribution", func(t *testing.T) {
		em, store, runID := newEmitterFixture(t)

		em.EmitRaw(ctx, runID, "n1", map[string]interface{}{
			"type":   "log",
			"runId":  "spoofed",
			"nodeId": "other",
		})

		events, _ := store.GetEventsSince(ctx, runID, "")
		var data map[string]interface{}
		json.Unmarshal(events[0].Data, &data)
		if data["runId"] != runID {
			t.Errorf("expected runId %s, got %v", runID, data["runId"])
		}
		if data["nodeId"] != "n1" {
			t.Errorf("expected nodeId n1, got %v", data["nodeId"])
		}
	})

	t.Run("defaults type to log", func(t *testing.T) {
		em, store, runID := newEmitterFixture(t)

		em.EmitRaw(ctx, runID, "n1", map[string]interface{}{"message": "no type"})

		events, _ := store.GetEventsSince(ctx, runID, "")
		if events[0].Type != types.EventTypeLog {
			t.Errorf("expected log type, got %s", events[0].Type)
		}
	})
}

func TestRunStoreEmitter_AppendFailureIsSwallowed(t *testing.T) {
	em, _, _ := newEmitterFixture(t)

	// Unknown run: the append fails inside the store but must not panic or
	// propagate.
	em.EmitLog(context.Background(), "missing-run", "n1", types.LevelInfo, "dropped")
}
