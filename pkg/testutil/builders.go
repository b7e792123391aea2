// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"github.com/google/uuid"

	"github.com/dukex/stepflow/pkg/models"
)

// CreateTestWorkflow creates a published single-step workflow with default
// values that can be overridden.
func CreateTestWorkflow(overrides ...func(*models.Workflow)) *models.Workflow {
	workflow := &models.Workflow{
		ID:      uuid.New().String(),
		Name:    "Test Workflow",
		Version: 1,
		Status:  models.WorkflowStatusPublished,
		Steps: &models.StepGraph{
			StartStepID: "start",
			Steps: []*models.Step{
				CreateTestStep(func(s *models.Step) { s.ID = "start" }),
			},
		},
		Variables: map[string]any{},
		Owner:     "tester",
	}

	for _, override := range overrides {
		override(workflow)
	}

	return workflow
}

// CreateTestStep creates a transform step with default values that can be
// overridden.
func CreateTestStep(overrides ...func(*models.Step)) *models.Step {
	step := &models.Step{
		ID:   uuid.New().String(),
		Kind: models.StepKindUpdate,
		Name: "Test Step",
		Config: map[string]any{
			"executor": "transform",
			"output":   map[string]string{"result": "ok"},
		},
	}

	for _, override := range overrides {
		override(step)
	}

	return step
}

// WithSteps replaces the workflow's step graph.
func WithSteps(graph *models.StepGraph) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Steps = graph
	}
}

// WithSettings replaces the workflow's execution settings.
func WithSettings(settings models.WorkflowSettings) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Settings = settings
	}
}

// WithStatus sets the workflow status.
func WithStatus(status models.WorkflowStatus) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Status = status
	}
}

// CreateTestTrigger creates an active manual trigger bound to a workflow.
func CreateTestTrigger(workflowID string, overrides ...func(*models.WorkflowTrigger)) *models.WorkflowTrigger {
	trigger := &models.WorkflowTrigger{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Kind:       models.TriggerKindManual,
		Name:       "Test Trigger",
		Config:     map[string]any{},
		Active:     true,
	}

	for _, override := range overrides {
		override(trigger)
	}

	return trigger
}

// Edge builds a plain edge between two steps.
func Edge(id, from, to string) *models.Edge {
	return &models.Edge{ID: id, From: from, To: to}
}

// BranchEdge builds a parallel fan-out edge.
func BranchEdge(id, from, to string) *models.Edge {
	edge := Edge(id, from, to)
	edge.Branch = true

	return edge
}

// GuardedEdge builds an edge followed only when the condition holds.
func GuardedEdge(id, from, to string, condition *models.ConditionGroup) *models.Edge {
	edge := Edge(id, from, to)
	edge.Condition = condition

	return edge
}

// FieldCondition builds a single-condition group on one context field.
func FieldCondition(field string, operator models.ConditionOperator, value any) *models.ConditionGroup {
	return &models.ConditionGroup{
		Logic: models.LogicAnd,
		Conditions: []models.Condition{
			{Field: field, Operator: operator, Value: value},
		},
	}
}
