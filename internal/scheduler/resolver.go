package scheduler

import (
	"fmt"

	"github.com/flexinfer/conductor/pkg/types"
)

// ResolveFunc maps a plan node to the argv the driver will execute. It is
// injected at Scheduler construction so deployments can swap in their own
// agent catalogue.
type ResolveFunc func(node *types.NodeSpec) ([]string, error)

// ResolveCommand is the default resolver. Resolution order:
//
//  1. params.cmd: an explicit argv list.
//  2. agent "echo": ["echo", ...params.args].
//  3. agent "python": ["python", ...params.args], or ["python", "-c", code]
//     when params.code is set.
//  4. params.args alone: the list is the argv, argv[0] included.
//
// Anything else is a validation error.
func ResolveCommand(node *types.NodeSpec) ([]string, error) {
	if argv, ok := stringList(node.Params["cmd"]); ok {
		if len(argv) == 0 {
			return nil, fmt.Errorf("node %s: params.cmd is empty", node.ID)
		}
		return argv, nil
	}

	args, hasArgs := stringList(node.Params["args"])

	switch node.Agent {
	case "echo":
		return append([]string{"echo"}, args...), nil
	case "python":
		if code, ok := node.Params["code"].(string); ok && code != "" {
			return []string{"python", "-c", code}, nil
		}
		return append([]string{"python"}, args...), nil
	}

	if hasArgs && len(args) > 0 {
		return args, nil
	}

	return nil, fmt.Errorf("node %s: unknown agent %q and no resolvable command", node.ID, node.Agent)
}

// stringList coerces a decoded-JSON value into a []string. Returns false if
// the value is absent or contains non-strings.
func stringList(v interface{}) ([]string, bool) {
	switch list := v.(type) {
	case nil:
		return nil, false
	case []string:
		return list, true
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
