package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/flexinfer/conductor/internal/metrics"
	"github.com/flexinfer/conductor/pkg/types"
)

// memoryRun holds all state for a single run in memory.
type memoryRun struct {
	mu          sync.Mutex
	id          string
	name        string
	plan        *types.Plan
	status      types.RunStatus
	startedAt   *time.Time
	finishedAt  *time.Time
	nodes       map[string]*types.NodeState
	events      []*types.Event
	nextSeq     int64
	cancelled   bool
	subscribers map[chan *types.Event]struct{}
	createdAt   time.Time
	updatedAt   time.Time
}

// MemoryStore is an in-memory implementation of RunStore. Events live in a
// per-run ring of the last EventMaxLen entries; data is lost on restart.
// Finished runs older than the configured TTL are swept by a janitor.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*memoryRun
	config *Config

	stop     chan struct{}
	stopOnce sync.Once
}

// sweepInterval paces the expiry janitor.
const sweepInterval = time.Minute

// NewMemoryStore creates a new in-memory RunStore.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.SubscriberQueueLen <= 0 {
		cfg.SubscriberQueueLen = DefaultConfig().SubscriberQueueLen
	}
	s := &MemoryStore{
		runs:   make(map[string]*memoryRun),
		config: cfg,
		stop:   make(chan struct{}),
	}
	if cfg.TTL > 0 {
		go s.janitor()
	}
	return s
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweepExpired(time.Now().UTC())
		}
	}
}

// sweepExpired removes finished runs whose last update is older than the TTL.
// Runs that have not reached a terminal status are never evicted, whatever
// their age.
func (s *MemoryStore) sweepExpired(now time.Time) {
	cutoff := now.Add(-s.config.TTL)

	s.mu.Lock()
	var expired []*memoryRun
	for id, run := range s.runs {
		run.mu.Lock()
		finished := run.status.Terminal() || run.status == types.RunStatusCancelled
		stale := run.updatedAt.Before(cutoff)
		run.mu.Unlock()
		if finished && stale {
			expired = append(expired, run)
			delete(s.runs, id)
		}
	}
	s.mu.Unlock()

	for _, run := range expired {
		run.mu.Lock()
		for ch := range run.subscribers {
			close(ch)
		}
		run.subscribers = make(map[chan *types.Event]struct{})
		run.mu.Unlock()
	}
}

func (s *MemoryStore) getRun(runID string) (*memoryRun, bool) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	return run, ok
}

func (s *MemoryStore) CreateRun(ctx context.Context, name string, plan *types.Plan) (string, error) {
	runID := generateRunID()
	now := time.Now().UTC()

	nodes := make(map[string]*types.NodeState)
	if plan != nil {
		for _, node := range plan.Nodes {
			nodes[node.ID] = &types.NodeState{
				Status:   types.NodeStatusQueued,
				Attempts: 0,
			}
		}
	}

	s.mu.Lock()
	s.runs[runID] = &memoryRun{
		id:          runID,
		name:        name,
		plan:        plan,
		status:      types.RunStatusQueued,
		nodes:       nodes,
		events:      make([]*types.Event, 0),
		nextSeq:     1,
		subscribers: make(map[chan *types.Event]struct{}),
		createdAt:   now,
		updatedAt:   now,
	}
	s.mu.Unlock()

	return runID, nil
}

func (s *MemoryStore) GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error) {
	run, ok := s.getRun(runID)
	if !ok {
		return nil, ErrRunNotFound
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	return &types.RunMeta{
		ID:         run.id,
		Name:       run.name,
		Status:     run.status,
		StartedAt:  run.startedAt,
		FinishedAt: run.finishedAt,
		Nodes:      copyNodes(run.nodes),
		CreatedAt:  run.createdAt,
		UpdatedAt:  run.updatedAt,
	}, nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	run, ok := s.getRun(runID)
	if !ok {
		return nil, ErrRunNotFound
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	return &types.Run{
		ID:         run.id,
		Name:       run.name,
		Status:     run.status,
		Plan:       run.plan,
		StartedAt:  run.startedAt,
		FinishedAt: run.finishedAt,
		Nodes:      copyNodes(run.nodes),
		CreatedAt:  run.createdAt,
		UpdatedAt:  run.updatedAt,
	}, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, startedAt, finishedAt *time.Time) error {
	run, ok := s.getRun(runID)
	if !ok {
		return ErrRunNotFound
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	run.status = status
	if startedAt != nil {
		run.startedAt = startedAt
	}
	if finishedAt != nil {
		run.finishedAt = finishedAt
	}
	run.updatedAt = time.Now().UTC()

	return nil
}

func (s *MemoryStore) CancelRun(ctx context.Context, runID string) error {
	run, ok := s.getRun(runID)
	if !ok {
		return ErrRunNotFound
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	run.cancelled = true
	run.status = types.RunStatusCancelled
	run.updatedAt = time.Now().UTC()

	return nil
}

func (s *MemoryStore) IsCancelled(ctx context.Context, runID string) (bool, error) {
	run, ok := s.getRun(runID)
	if !ok {
		return false, ErrRunNotFound
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	return run.cancelled, nil
}

func (s *MemoryStore) UpdateNodeState(ctx context.Context, runID, nodeID string, state *types.NodeState) error {
	run, ok := s.getRun(runID)
	if !ok {
		return ErrRunNotFound
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	run.nodes[nodeID] = state
	run.updatedAt = time.Now().UTC()

	return nil
}

func (s *MemoryStore) GetNodeState(ctx context.Context, runID, nodeID string) (*types.NodeState, error) {
	run, ok := s.getRun(runID)
	if !ok {
		return nil, ErrRunNotFound
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	state, ok := run.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s in run %s", ErrNodeNotFound, nodeID, runID)
	}

	copied := *state
	return &copied, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	run, ok := s.getRun(runID)
	if !ok {
		return nil, ErrRunNotFound
	}

	dataJSON, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	if input.Data == nil {
		dataJSON = []byte("{}")
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	event := &types.Event{
		ID:        strconv.FormatInt(run.nextSeq, 10),
		Timestamp: time.Now().UTC(),
		Type:      input.Type,
		RunID:     runID,
		NodeID:    input.NodeID,
		Level:     input.Level,
		Data:      dataJSON,
	}
	run.nextSeq++

	// Ring: evict the oldest retained event.
	if int64(len(run.events)) >= s.config.EventMaxLen {
		run.events = run.events[1:]
	}
	run.events = append(run.events, event)
	run.updatedAt = time.Now().UTC()

	// Fan out under the run lock; sends never block, and a full queue drops
	// the subscriber by closing its channel so the consumer can resume via
	// Last-Event-ID.
	for ch := range run.subscribers {
		select {
		case ch <- event:
		default:
			delete(run.subscribers, ch)
			close(ch)
			metrics.SubscribersDropped.Inc()
		}
	}

	metrics.EventsTotal.WithLabelValues(input.Type).Inc()

	return event, nil
}

func (s *MemoryStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	run, ok := s.getRun(runID)
	if !ok {
		return nil, ErrRunNotFound
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	var since int64
	if lastEventID != "" {
		if n, err := strconv.ParseInt(lastEventID, 10, 64); err == nil {
			since = n
		}
	}

	result := make([]*types.Event, 0, len(run.events))
	for _, evt := range run.events {
		if evt.Seq() > since {
			result = append(result, evt)
		}
	}
	return result, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	run, ok := s.getRun(runID)
	if !ok {
		return nil, nil, ErrRunNotFound
	}

	ch := make(chan *types.Event, s.config.SubscriberQueueLen)

	run.mu.Lock()
	run.subscribers[ch] = struct{}{}
	run.mu.Unlock()

	cleanup := func() {
		run.mu.Lock()
		defer run.mu.Unlock()
		if _, ok := run.subscribers[ch]; ok {
			delete(run.subscribers, ch)
			close(ch)
		}
	}

	return ch, cleanup, nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	runCount := len(s.runs)
	s.mu.RUnlock()

	return map[string]interface{}{
		"adapter": "memory",
		"details": map[string]interface{}{
			"run_count":  runCount,
			"max_events": s.config.EventMaxLen,
		},
	}, nil
}

func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, run := range s.runs {
		run.mu.Lock()
		for ch := range run.subscribers {
			close(ch)
		}
		run.subscribers = make(map[chan *types.Event]struct{})
		run.mu.Unlock()
	}

	return nil
}

func copyNodes(nodes map[string]*types.NodeState) map[string]*types.NodeState {
	out := make(map[string]*types.NodeState, len(nodes))
	for id, st := range nodes {
		copied := *st
		out[id] = &copied
	}
	return out
}

// Verify interface compliance
var _ RunStore = (*MemoryStore)(nil)
