package scheduler

import (
	"fmt"
	"strings"

	"github.com/flexinfer/conductor/pkg/types"
)

// graph is the scheduler's transient view of a plan's dependency structure.
type graph struct {
	nodes map[string]*types.NodeSpec

	// preds counts unfinished predecessors per node.
	preds map[string]int

	// dependents maps a node to the nodes unblocked by its success.
	dependents map[string][]string
}

// resolveEndpoint maps an edge endpoint to a plan node id. Endpoints may be
// bare node ids or "<node_id>.<pin>" pin references; pins belong to the
// data-flow layer and are stripped here.
func resolveEndpoint(endpoint string, nodes map[string]*types.NodeSpec) (string, error) {
	if _, ok := nodes[endpoint]; ok {
		return endpoint, nil
	}
	if idx := strings.Index(endpoint, "."); idx > 0 {
		id := endpoint[:idx]
		if _, ok := nodes[id]; ok {
			return id, nil
		}
	}
	return "", fmt.Errorf("edge endpoint %q does not match any node", endpoint)
}

// buildGraph validates plan structure and builds the dependency graph:
// unique non-empty node ids, endpoints that resolve, an acyclic edge set,
// and a resolvable command per node.
func buildGraph(plan *types.Plan, resolve ResolveFunc) (*graph, error) {
	if plan == nil || len(plan.Nodes) == 0 {
		return nil, fmt.Errorf("plan has no nodes")
	}

	g := &graph{
		nodes:      make(map[string]*types.NodeSpec, len(plan.Nodes)),
		preds:      make(map[string]int, len(plan.Nodes)),
		dependents: make(map[string][]string),
	}

	for i := range plan.Nodes {
		node := &plan.Nodes[i]
		if node.ID == "" {
			return nil, fmt.Errorf("plan node %d has an empty id", i)
		}
		if _, dup := g.nodes[node.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %q", node.ID)
		}
		if node.MaxRetries != nil && *node.MaxRetries < 0 {
			return nil, fmt.Errorf("node %s: max_retries must be >= 0", node.ID)
		}
		if node.BackoffSeconds != nil && *node.BackoffSeconds < 0 {
			return nil, fmt.Errorf("node %s: backoff_seconds must be >= 0", node.ID)
		}
		if node.TimeoutMS < 0 {
			return nil, fmt.Errorf("node %s: timeout_ms must be > 0 when set", node.ID)
		}
		if _, err := resolve(node); err != nil {
			return nil, err
		}
		g.nodes[node.ID] = node
		g.preds[node.ID] = 0
	}

	seen := make(map[[2]string]bool, len(plan.Edges))
	for _, edge := range plan.Edges {
		src, err := resolveEndpoint(edge.FromNode, g.nodes)
		if err != nil {
			return nil, err
		}
		dst, err := resolveEndpoint(edge.ToNode, g.nodes)
		if err != nil {
			return nil, err
		}
		if src == dst {
			return nil, fmt.Errorf("node %s depends on itself", src)
		}
		// Multiple pin-level edges between the same node pair collapse to
		// one dependency.
		if seen[[2]string{src, dst}] {
			continue
		}
		seen[[2]string{src, dst}] = true
		g.preds[dst]++
		g.dependents[src] = append(g.dependents[src], dst)
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}

	return g, nil
}

// checkAcyclic runs Kahn's algorithm over a scratch copy of the in-degrees.
func (g *graph) checkAcyclic() error {
	indegree := make(map[string]int, len(g.preds))
	for id, n := range g.preds {
		indegree[id] = n
	}

	queue := make([]string, 0, len(indegree))
	for id, n := range indegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range g.dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(g.nodes) {
		return fmt.Errorf("plan contains a dependency cycle")
	}
	return nil
}

// ValidatePlan checks a plan without running it. Used by the HTTP layer
// before create_run so malformed plans are rejected synchronously.
func ValidatePlan(plan *types.Plan, resolve ResolveFunc) error {
	if resolve == nil {
		resolve = ResolveCommand
	}
	_, err := buildGraph(plan, resolve)
	return err
}
