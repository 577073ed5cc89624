package engine

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

// noopTask is a task that always needs to run and always succeeds.
type noopTask struct{ name string }

func (t noopTask) Description() string { return t.name }

func (noopTask) CheckFulfilled(context.Context) (Fulfillment, error) { return Unfulfilled, nil }
func (noopTask) Execute(context.Context) error                       { return nil }

func unit(id string, deps ...string) Unit {
	return Unit{ID: id, Task: noopTask{name: id}, DependsOn: deps}
}

func TestDAGBuilder_BuildGraph_EmptyUnits(t *testing.T) {
	graph, err := NewDAGBuilder().BuildGraph(nil)
	if err != nil {
		t.Fatalf("Expected no error for empty units, got: %v", err)
	}
	if len(graph.Nodes) != 0 {
		t.Errorf("Expected 0 nodes, got %d", len(graph.Nodes))
	}
	if graph.Depth != 0 {
		t.Errorf("Expected depth 0, got %d", graph.Depth)
	}
}

func TestDAGBuilder_BuildGraph_Levels(t *testing.T) {
	tests := []struct {
		name   string
		units  []Unit
		levels [][]string
	}{
		{
			name:   "single",
			units:  []Unit{unit("bridge")},
			levels: [][]string{{"bridge"}},
		},
		{
			name:   "linear",
			units:  []Unit{unit("c", "b"), unit("b", "a"), unit("a")},
			levels: [][]string{{"a"}, {"b"}, {"c"}},
		},
		{
			name: "diamond",
			units: []Unit{
				unit("bridge"),
				unit("join-eth0", "bridge"),
				unit("join-eth1", "bridge"),
				unit("executor", "join-eth0", "join-eth1"),
			},
			levels: [][]string{{"bridge"}, {"join-eth0", "join-eth1"}, {"executor"}},
		},
		{
			name:   "independent units share a level sorted by id",
			units:  []Unit{unit("z"), unit("a"), unit("m")},
			levels: [][]string{{"a", "m", "z"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			builder := NewDAGBuilder()
			graph, err := builder.BuildGraph(tt.units)
			if err != nil {
				t.Fatalf("BuildGraph() error = %v", err)
			}
			if !reflect.DeepEqual(graph.Levels, tt.levels) {
				t.Errorf("Levels = %v, want %v", graph.Levels, tt.levels)
			}
			if graph.Depth != len(tt.levels) {
				t.Errorf("Depth = %d, want %d", graph.Depth, len(tt.levels))
			}
			if !reflect.DeepEqual(graph.Roots, tt.levels[0]) {
				t.Errorf("Roots = %v, want %v", graph.Roots, tt.levels[0])
			}
		})
	}
}

func TestDAGBuilder_BuildGraph_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		units   []Unit
		message string
	}{
		{"empty id", []Unit{{Task: noopTask{}}}, "empty ID"},
		{"missing task", []Unit{{ID: "a"}}, "no task"},
		{"duplicate", []Unit{unit("a"), unit("a")}, "duplicate unit ID"},
		{"missing dependency", []Unit{unit("a", "ghost")}, "non-existent unit ghost"},
		{"cycle", []Unit{unit("a", "c"), unit("b", "a"), unit("c", "b")}, "circular dependency"},
		{"self dependency", []Unit{unit("a", "a")}, "circular dependency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDAGBuilder().BuildGraph(tt.units)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.message) {
				t.Errorf("error %q does not contain %q", err, tt.message)
			}
			if !errors.Is(err, &TaskError{Class: ErrorClassPermanent, Code: ErrCodeValidation}) {
				t.Errorf("Expected permanent validation error, got %v", err)
			}
		})
	}
}

func TestDAGBuilder_ToDOT(t *testing.T) {
	builder := NewDAGBuilder()
	units := []Unit{
		{ID: "bridge", Kind: "bridge", Task: noopTask{name: `Create bridge "br"`}},
		unit("join", "bridge"),
	}
	if _, err := builder.BuildGraph(units); err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}

	dot := builder.ToDOT()
	for _, want := range []string{"digraph ApplyGraph", `"bridge" -> "join"`, "cluster_level_1", "Create bridge 'br'"} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT output missing %q:\n%s", want, dot)
		}
	}
}
