package models

import (
	"errors"
	"fmt"
)

// StepKind is the closed set of step types the engine can dispatch.
type StepKind string

const (
	StepKindCapture   StepKind = "capture"   // Collect data, usually from a human form
	StepKindReview    StepKind = "review"    // Human review task
	StepKindApprove   StepKind = "approve"   // Human approval task
	StepKindUpdate    StepKind = "update"    // Side-effecting update (API call, record write)
	StepKindCondition StepKind = "condition" // Routes to exactly one outgoing edge
	StepKindParallel  StepKind = "parallel"  // Fans out to all branch edges
	StepKindLoop      StepKind = "loop"      // Bounded loop construct
)

// JoinKind is the policy governing when a parallel step's branches are resolved.
type JoinKind string

const (
	JoinAll  JoinKind = "all"  // Wait for every branch to reach a terminal state
	JoinAny  JoinKind = "any"  // Advance on first completion, mark siblings skipped
	JoinRace JoinKind = "race" // Advance on first completion, cancel in-flight siblings
)

// Step is a node in the workflow graph.
type Step struct {
	ID     string         `json:"id"     validate:"required"`
	Kind   StepKind       `json:"kind"   validate:"required,oneof=capture review approve update condition parallel loop"`
	Name   string         `json:"name"   validate:"required,min=1"`
	Config map[string]any `json:"config,omitempty"`

	// Join applies to parallel steps only.
	Join JoinKind `json:"join,omitempty" validate:"omitempty,oneof=all any race"`

	// MaxIterations is required for loop steps. Iteration counts live in the
	// execution context, never in the graph.
	MaxIterations int `json:"max_iterations,omitempty" validate:"gte=0"`
}

// Edge connects two steps. An edge with a Condition is followed only when the
// guard evaluates true against the execution context. Default edges are the
// fallback for condition steps when no guard matches.
type Edge struct {
	ID        string          `json:"id"   validate:"required"`
	From      string          `json:"from" validate:"required"`
	To        string          `json:"to"   validate:"required"`
	Condition *ConditionGroup `json:"condition,omitempty"`
	Default   bool            `json:"default,omitempty"`

	// Branch marks the edge as a parallel fan-out branch. Branch order is the
	// declaration order in Edges and drives deterministic context merging.
	Branch bool `json:"branch,omitempty"`

	// LoopExit marks the edge taken when a loop step's bound is reached.
	LoopExit bool `json:"loop_exit,omitempty"`
}

// StepGraph is the immutable directed graph of one workflow version. Steps and
// edges are stored by id; the graph is acyclic except through loop steps.
type StepGraph struct {
	StartStepID string  `json:"start_step_id" validate:"required"`
	Steps       []*Step `json:"steps"         validate:"required,min=1,dive"`
	Edges       []*Edge `json:"edges"         validate:"dive"`
}

var (
	ErrEmptyGraph      = errors.New("step graph has no steps")
	ErrUnknownStartRef = errors.New("start step not present in graph")
	ErrGraphCycle      = errors.New("step graph contains a cycle outside a loop construct")
)

// StepByID returns the step with the given id.
func (g *StepGraph) StepByID(id string) (*Step, bool) {
	for _, step := range g.Steps {
		if step.ID == id {
			return step, true
		}
	}

	return nil, false
}

// OutgoingEdges returns the edges leaving a step, in declaration order.
func (g *StepGraph) OutgoingEdges(stepID string) []*Edge {
	edges := make([]*Edge, 0)

	for _, edge := range g.Edges {
		if edge.From == stepID {
			edges = append(edges, edge)
		}
	}

	return edges
}

// Validate checks structural invariants: non-empty, resolvable references,
// loop bounds present on loop steps, and acyclicity once loop back-edges are
// ignored.
func (g *StepGraph) Validate() error {
	if len(g.Steps) == 0 {
		return ErrEmptyGraph
	}

	if _, ok := g.StepByID(g.StartStepID); !ok {
		return ErrUnknownStartRef
	}

	seen := make(map[string]bool, len(g.Steps))

	for _, step := range g.Steps {
		if seen[step.ID] {
			return fmt.Errorf("duplicate step id %q", step.ID)
		}

		seen[step.ID] = true

		if step.Kind == StepKindLoop && step.MaxIterations <= 0 {
			return fmt.Errorf("loop step %q requires max_iterations > 0", step.ID)
		}

		if step.Kind == StepKindParallel && step.Join == "" {
			return fmt.Errorf("parallel step %q requires a join policy", step.ID)
		}
	}

	for _, edge := range g.Edges {
		if _, ok := g.StepByID(edge.From); !ok {
			return fmt.Errorf("edge %q references unknown step %q", edge.ID, edge.From)
		}

		if _, ok := g.StepByID(edge.To); !ok {
			return fmt.Errorf("edge %q references unknown step %q", edge.ID, edge.To)
		}
	}

	return g.checkAcyclic()
}

// checkAcyclic runs a depth-first search treating edges *into* loop steps as
// the only permitted back-edges.
func (g *StepGraph) checkAcyclic() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)

	state := make(map[string]int, len(g.Steps))

	var visit func(id string) error

	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return ErrGraphCycle
		case done:
			return nil
		}

		state[id] = visiting

		for _, edge := range g.OutgoingEdges(id) {
			target, _ := g.StepByID(edge.To)
			if target != nil && target.Kind == StepKindLoop && state[edge.To] == visiting {
				// Back-edge into a bounded loop construct is allowed.
				continue
			}

			if err := visit(edge.To); err != nil {
				return err
			}
		}

		state[id] = done

		return nil
	}

	for _, step := range g.Steps {
		if err := visit(step.ID); err != nil {
			return err
		}
	}

	return nil
}
