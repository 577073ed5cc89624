package engine

import (
	"context"
	"time"
)

// Fulfillment is the answer of a task asked whether its effect is in place.
type Fulfillment int

const (
	// Unfulfilled means the task has to be executed.
	Unfulfilled Fulfillment = iota

	// Fulfilled means the effect is already in place; the task is not executed.
	Fulfilled

	// Unchecked means the task cannot tell and is always executed.
	Unchecked
)

func (f Fulfillment) String() string {
	switch f {
	case Fulfilled:
		return "fulfilled"
	case Unchecked:
		return "unchecked"
	default:
		return "unfulfilled"
	}
}

// Task is a single idempotent step of an apply run.
type Task interface {
	// Description is a short human-readable summary, e.g. "Create bridge 'br-opendut'".
	Description() string

	CheckFulfilled(ctx context.Context) (Fulfillment, error)
	Execute(ctx context.Context) error
}

// Unit wraps a task with its position in the execution graph.
type Unit struct {
	// ID uniquely identifies the unit within a run.
	ID string

	// Kind labels the unit in metrics, e.g. "bridge" or "executor".
	Kind string

	Task Task

	// DependsOn lists the ids of units that must succeed before this one runs.
	DependsOn []string

	// MaxRetries is the number of retries after a transient failure.
	MaxRetries int

	// Timeout bounds a single attempt. Zero means the scheduler default.
	Timeout time.Duration
}

// Graph is the leveled dependency graph of a set of units.
type Graph struct {
	Nodes map[string]*Node

	// Levels holds unit ids per execution level, sorted within a level.
	Levels [][]string

	Roots []string
	Depth int
}

// Node is a unit inside a Graph.
type Node struct {
	ID           string
	Level        int
	Dependencies []string
	Dependents   []string
}
