// Package runstore provides run state persistence and event streaming.
package runstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/flexinfer/conductor/pkg/types"
)

// Common errors returned by RunStore implementations.
var (
	ErrRunNotFound  = errors.New("run not found")
	ErrNodeNotFound = errors.New("node not found")
)

// RunStore defines the contract for run state persistence and event
// streaming. Implementations must be safe for concurrent use.
type RunStore interface {
	// Run lifecycle
	CreateRun(ctx context.Context, name string, plan *types.Plan) (string, error)
	GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error)
	GetRun(ctx context.Context, runID string) (*types.Run, error)
	ListRuns(ctx context.Context) ([]string, error)
	UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, startedAt, finishedAt *time.Time) error

	// CancelRun marks the run cancelled; the scheduler observes the flag
	// and drives the run to its terminal state.
	CancelRun(ctx context.Context, runID string) error
	IsCancelled(ctx context.Context, runID string) (bool, error)

	// Node state tracking
	UpdateNodeState(ctx context.Context, runID, nodeID string, state *types.NodeState) error
	GetNodeState(ctx context.Context, runID, nodeID string) (*types.NodeState, error)

	// AppendEvent atomically assigns the next per-run sequence id, stamps
	// the timestamp, persists the event and publishes it to subscribers.
	// Publication is best effort: a subscriber that cannot keep up is
	// dropped, never waited on.
	AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error)

	// GetEventsSince returns, in id order, all retained events with
	// id > lastEventID. An empty or unparseable lastEventID returns the
	// full retained set.
	GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error)

	// Subscribe returns a channel yielding future events in append order.
	// The channel is closed if the subscriber falls behind; backfill is the
	// caller's job via GetEventsSince. The cleanup function releases the
	// subscription.
	Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error)

	// Diagnostics
	AdapterInfo(ctx context.Context) (map[string]interface{}, error)

	// Cleanup
	Close() error
}

// Config holds configuration for RunStore implementations.
type Config struct {
	// EventMaxLen bounds the number of retained events per run.
	EventMaxLen int64

	// SubscriberQueueLen is the per-subscriber channel depth.
	SubscriberQueueLen int

	// TTL for run data after its last update. Redis expires keys natively;
	// the memory backend sweeps finished runs. 0 = no expiry.
	TTL time.Duration
}

// DefaultConfig returns sensible defaults for RunStore configuration.
func DefaultConfig() *Config {
	return &Config{
		EventMaxLen:        5000,
		SubscriberQueueLen: 64,
		TTL:                7 * 24 * time.Hour,
	}
}

// generateRunID mints an opaque 128-bit random run identifier.
func generateRunID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
