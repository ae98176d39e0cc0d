// Package driver provides node execution backends.
package driver

import (
	"context"
)

// Driver executes a single node attempt and blocks until it finishes.
// Implementations report progress through an EventEmitter and return the
// process exit code. A non-nil error means the attempt failed for a reason
// other than a clean nonzero exit (spawn failure, context cancellation).
type Driver interface {
	// RunNode executes one attempt of a node. cmd is the resolved argv,
	// env are extra variables layered over the driver's base environment,
	// and timeoutSec bounds the attempt when positive.
	RunNode(ctx context.Context, runID, nodeID string, cmd []string, env map[string]string, timeoutSec float64) (int, error)

	// Name returns the driver type for logs and diagnostics.
	Name() string
}

// EventEmitter receives events produced during node execution. The driver
// never talks to the store directly; emission failures are the emitter's
// problem and must not stop the attempt.
type EventEmitter interface {
	// EmitLog appends a log event attributed to the node.
	EmitLog(ctx context.Context, runID, nodeID, level, message string)

	// EmitNodeStatus appends a node_status event with the given payload.
	EmitNodeStatus(ctx context.Context, runID, nodeID string, data map[string]interface{})

	// EmitRaw appends an agent-authored event parsed from NDJSON output,
	// preserving its type and fields.
	EmitRaw(ctx context.Context, runID, nodeID string, obj map[string]interface{})
}

// emitNodeRunning reports the start of an attempt.
func emitNodeRunning(ctx context.Context, e EventEmitter, runID, nodeID string) {
	e.EmitNodeStatus(ctx, runID, nodeID, map[string]interface{}{
		"runId":  runID,
		"nodeId": nodeID,
		"status": "running",
	})
}

// emitNodeSucceeded reports a clean zero exit.
func emitNodeSucceeded(ctx context.Context, e EventEmitter, runID, nodeID string) {
	e.EmitNodeStatus(ctx, runID, nodeID, map[string]interface{}{
		"runId":    runID,
		"nodeId":   nodeID,
		"status":   "succeeded",
		"exitCode": 0,
	})
}

// emitNodeFailed reports a failed attempt; reason is "" for a plain nonzero
// exit.
func emitNodeFailed(ctx context.Context, e EventEmitter, runID, nodeID string, exitCode int, reason string) {
	data := map[string]interface{}{
		"runId":    runID,
		"nodeId":   nodeID,
		"status":   "failed",
		"exitCode": exitCode,
	}
	if reason != "" {
		data["reason"] = reason
	}
	e.EmitNodeStatus(ctx, runID, nodeID, data)
}

// Exit codes the drivers synthesize for abnormal endings.
const (
	// ExitTimeout is reported when the attempt exceeded its timeout.
	ExitTimeout = 124

	// ExitCancelled is reported when the attempt was cancelled.
	ExitCancelled = 130

	// ExitSpawnFailure is reported when the process never started.
	ExitSpawnFailure = -1
)
