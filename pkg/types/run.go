// Package types provides shared types for the conductor service.
package types

import (
	"time"
)

// RunStatus represents the current state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// NodeStatus represents the current state of a node within a run.
type NodeStatus string

const (
	NodeStatusQueued    NodeStatus = "queued"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusSucceeded NodeStatus = "succeeded"
	NodeStatusFailed    NodeStatus = "failed"
)

// Terminal reports whether the node status can no longer change.
func (s NodeStatus) Terminal() bool {
	return s == NodeStatusSucceeded || s == NodeStatusFailed
}

// Plan describes the execution plan for a run. The plan is frozen at run
// creation and never mutated afterwards.
type Plan struct {
	Nodes []NodeSpec `json:"nodes"`
	Edges []EdgeSpec `json:"edges,omitempty"`
}

// NodeSpec describes a single node in the execution plan.
type NodeSpec struct {
	ID     string                 `json:"id"`
	Agent  string                 `json:"agent"`
	Params map[string]interface{} `json:"params,omitempty"`

	// MaxRetries and BackoffSeconds fall back to configured defaults when
	// omitted.
	MaxRetries     *int     `json:"max_retries,omitempty"`
	BackoffSeconds *float64 `json:"backoff_seconds,omitempty"`

	// TimeoutMS bounds a single attempt (0 = no timeout).
	TimeoutMS int64 `json:"timeout_ms,omitempty"`

	// Env is merged into the child environment, overriding passthrough vars.
	Env map[string]string `json:"env,omitempty"`
}

// EdgeSpec describes a dependency edge between nodes. Endpoints are of the
// form "<node_id>.<pin_name>"; only the node id prefix is significant here,
// pin names belong to the external data-flow layer.
type EdgeSpec struct {
	FromNode string `json:"from_node"`
	ToNode   string `json:"to_node"`
}

// NodeState tracks the runtime state of a node within a run.
type NodeState struct {
	Status       NodeStatus `json:"status"`
	Attempts     int        `json:"attempts"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	DurationMS   *int64     `json:"duration_ms,omitempty"`
	Error        *string    `json:"error,omitempty"`
	LastExitCode *int       `json:"last_exit_code,omitempty"`

	// NextEarliestStartAt gates retry scheduling; ignored once the node is
	// running or succeeded.
	NextEarliestStartAt *time.Time `json:"next_earliest_start_at,omitempty"`
}

// Run represents a single execution of a plan.
type Run struct {
	ID         string                `json:"runId"`
	Name       string                `json:"name,omitempty"`
	Status     RunStatus             `json:"status"`
	Plan       *Plan                 `json:"plan,omitempty"`
	StartedAt  *time.Time            `json:"startedAt,omitempty"`
	FinishedAt *time.Time            `json:"finishedAt,omitempty"`
	Nodes      map[string]*NodeState `json:"nodes"`
	CreatedAt  time.Time             `json:"createdAt"`
	UpdatedAt  time.Time             `json:"updatedAt"`
}

// RunMeta is the run snapshot without the plan, as served by the API.
type RunMeta struct {
	ID         string                `json:"runId"`
	Name       string                `json:"name,omitempty"`
	Status     RunStatus             `json:"status"`
	StartedAt  *time.Time            `json:"startedAt,omitempty"`
	FinishedAt *time.Time            `json:"finishedAt,omitempty"`
	Nodes      map[string]*NodeState `json:"nodes"`
	CreatedAt  time.Time             `json:"createdAt"`
	UpdatedAt  time.Time             `json:"updatedAt"`
}
