package scheduler

import (
	"reflect"
	"testing"

	"github.com/flexinfer/conductor/pkg/types"
)

func TestResolveCommand(t *testing.T) {
	tests := []struct {
		name    string
		node    types.NodeSpec
		want    []string
		wantErr bool
	}{
		{
			name: "explicit cmd wins over agent",
			node: types.NodeSpec{
				ID:    "n",
				Agent: "echo",
				Params: map[string]interface{}{
					"cmd":  []interface{}{"sh", "-c", "true"},
					"args": []interface{}{"ignored"},
				},
			},
			want: []string{"sh", "-c", "true"},
		},
		{
			name:    "empty cmd list is an error",
			node:    types.NodeSpec{ID: "n", Params: map[string]interface{}{"cmd": []interface{}{}}},
			wantErr: true,
		},
		{
			name: "echo agent with args",
			node: types.NodeSpec{
				ID:     "n",
				Agent:  "echo",
				Params: map[string]interface{}{"args": []interface{}{"hello", "world"}},
			},
			want: []string{"echo", "hello", "world"},
		},
		{
			name: "echo agent without args",
			node: types.NodeSpec{ID: "n", Agent: "echo"},
			want: []string{"echo"},
		},
		{
			name: "python agent with inline code",
			node: types.NodeSpec{
				ID:     "n",
				Agent:  "python",
				Params: map[string]interface{}{"code": "print(1)"},
			},
			want: []string{"python", "-c", "print(1)"},
		},
		{
			name: "python agent with args",
			node: types.NodeSpec{
				ID:     "n",
				Agent:  "python",
				Params: map[string]interface{}{"args": []interface{}{"main.py"}},
			},
			want: []string{"python", "main.py"},
		},
		{
			name: "bare args become the argv",
			node: types.NodeSpec{
				ID:     "n",
				Agent:  "custom",
				Params: map[string]interface{}{"args": []interface{}{"ls", "-l"}},
			},
			want: []string{"ls", "-l"},
		},
		{
			name:    "unknown agent without command fails",
			node:    types.NodeSpec{ID: "n", Agent: "mystery"},
			wantErr: true,
		},
		{
			name: "non-string cmd entries are rejected",
			node: types.NodeSpec{
				ID:     "n",
				Agent:  "mystery",
				Params: map[string]interface{}{"cmd": []interface{}{"sh", 42}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveCommand(&tt.node)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got argv %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveCommand failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
