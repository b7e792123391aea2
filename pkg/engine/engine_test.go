package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/stepflow/pkg/eventbus"
	"github.com/dukex/stepflow/pkg/events"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/persistence/file"
	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/dukex/stepflow/pkg/registry"
	"github.com/dukex/stepflow/pkg/testutil"
)

// capturePublisher records every published event for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *capturePublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)

	return nil
}

func (p *capturePublisher) count(eventType events.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0

	for _, event := range p.events {
		if event.GetType() == eventType {
			n++
		}
	}

	return n
}

type stubExecutor struct {
	execute func(ctx context.Context, config map[string]any, executionContext map[string]any) (*protocol.Result, error)
	resume  func(ctx context.Context, resumeToken string, input map[string]any) (*protocol.Result, error)
}

func (s *stubExecutor) Execute(ctx context.Context, config map[string]any, executionContext map[string]any) (*protocol.Result, error) {
	return s.execute(ctx, config, executionContext)
}

func (s *stubExecutor) Resume(ctx context.Context, resumeToken string, input map[string]any) (*protocol.Result, error) {
	if s.resume == nil {
		return protocol.FailedResult("executor does not suspend"), nil
	}

	return s.resume(ctx, resumeToken, input)
}

type stubFactory struct {
	id       string
	executor protocol.StepExecutor
}

func (f *stubFactory) Create(_ map[string]any, _ *slog.Logger) (protocol.StepExecutor, error) {
	return f.executor, nil
}

func (f *stubFactory) ID() string { return f.id }

func completing(output map[string]any) *stubExecutor {
	return &stubExecutor{
		execute: func(_ context.Context, _ map[string]any, _ map[string]any) (*protocol.Result, error) {
			return protocol.CompletedResult(output), nil
		},
	}
}

func failing(message string) *stubExecutor {
	return &stubExecutor{
		execute: func(_ context.Context, _ map[string]any, _ map[string]any) (*protocol.Result, error) {
			return protocol.FailedResult(message), nil
		},
	}
}

func suspending(token string) *stubExecutor {
	return &stubExecutor{
		execute: func(_ context.Context, _ map[string]any, _ map[string]any) (*protocol.Result, error) {
			return protocol.SuspendedResult(token), nil
		},
	}
}

type harness struct {
	engine *Engine
	store  *file.Persistence
	reg    *registry.Registry
	audit  *capturePublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := file.NewPersistence(t.TempDir())
	reg := registry.NewRegistry(logger)
	audit := &capturePublisher{}

	return &harness{
		engine: New(store, reg, audit, logger),
		store:  store,
		reg:    reg,
		audit:  audit,
	}
}

func (h *harness) registerExecutor(id string, executor protocol.StepExecutor) {
	h.reg.RegisterExecutor(&stubFactory{id: id, executor: executor})
}

func (h *harness) saveWorkflow(t *testing.T, graph *models.StepGraph, settings models.WorkflowSettings) *models.Workflow {
	t.Helper()

	workflow := testutil.CreateTestWorkflow(testutil.WithSteps(graph), testutil.WithSettings(settings))
	require.NoError(t, h.store.WorkflowRepository().SaveWorkflow(context.Background(), workflow))

	return workflow
}

func (h *harness) rowsFor(t *testing.T, executionID, stepID string) []*models.StepExecution {
	t.Helper()

	rows, err := h.engine.StepHistory(context.Background(), executionID)
	require.NoError(t, err)

	var matched []*models.StepExecution

	for _, row := range rows {
		if row.StepID == stepID {
			matched = append(matched, row)
		}
	}

	return matched
}

func workStep(id, executorID string) *models.Step {
	return &models.Step{
		ID:     id,
		Kind:   models.StepKindUpdate,
		Name:   id,
		Config: map[string]any{"executor": executorID},
	}
}

func TestRunLinearWorkflow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.registerExecutor("first", completing(map[string]any{"first_done": true}))
	h.registerExecutor("second", completing(map[string]any{"second_done": true}))

	workflow := h.saveWorkflow(t, &models.StepGraph{
		StartStepID: "a",
		Steps:       []*models.Step{workStep("a", "first"), workStep("b", "second")},
		Edges:       []*models.Edge{testutil.Edge("e1", "a", "b")},
	}, models.WorkflowSettings{})

	execution, err := h.engine.StartExecution(ctx, workflow.ID, map[string]any{"amount": 42}, StartOptions{Actor: "tester"})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, execution.Status)
	assert.Equal(t, []string{"a"}, execution.CurrentSteps)
	assert.Equal(t, workflow.Version, execution.WorkflowVersion)

	require.NoError(t, h.engine.Run(ctx, execution.ID))

	final, err := h.engine.Status(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Empty(t, final.CurrentSteps)
	require.NotNil(t, final.CompletedAt)
	assert.Equal(t, true, final.Context["first_done"])
	assert.Equal(t, true, final.Context["second_done"])
	assert.EqualValues(t, 42, final.Context["amount"])

	assert.Equal(t, 1, h.audit.count(events.ExecutionStartedEvent))
	assert.Equal(t, 2, h.audit.count(events.StepStartedEvent))
	assert.Equal(t, 2, h.audit.count(events.StepCompletedEvent))
	assert.Equal(t, 1, h.audit.count(events.ExecutionCompletedEvent))
}

func TestStartExecutionRequiresPublishedVersion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	draft := testutil.CreateTestWorkflow(testutil.WithStatus(models.WorkflowStatusDraft))
	require.NoError(t, h.store.WorkflowRepository().SaveWorkflow(ctx, draft))

	_, err := h.engine.StartExecution(ctx, draft.ID, nil, StartOptions{})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestExecutionPinnedToPublishedVersion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.registerExecutor("work", completing(map[string]any{"ran": "v1"}))

	workflow := h.saveWorkflow(t, &models.StepGraph{
		StartStepID: "a",
		Steps:       []*models.Step{workStep("a", "work")},
	}, models.WorkflowSettings{})

	execution, err := h.engine.StartExecution(ctx, workflow.ID, nil, StartOptions{})
	require.NoError(t, err)

	// A version published mid-run must not affect the pinned execution.
	v2 := testutil.CreateTestWorkflow(testutil.WithSteps(&models.StepGraph{
		StartStepID: "other",
		Steps:       []*models.Step{workStep("other", "missing-executor")},
	}))
	v2.ID = workflow.ID
	v2.Version = 2
	require.NoError(t, h.store.WorkflowRepository().SaveWorkflow(ctx, v2))

	require.NoError(t, h.engine.Run(ctx, execution.ID))

	final, err := h.engine.Status(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, "v1", final.Context["ran"])
}

func TestConditionRouting(t *testing.T) {
	tests := []struct {
		name        string
		amount      any
		wantStep    string
		wantEdge    string
		skippedStep string
	}{
		{"above threshold routes to review", 600, "manual-review", "e-review", "auto-approve"},
		{"below threshold takes default", 100, "auto-approve", "e-auto", "manual-review"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			h.registerExecutor("work", completing(map[string]any{"handled": true}))

			condition := &models.Step{ID: "gate", Kind: models.StepKindCondition, Name: "gate"}
			graph := &models.StepGraph{
				StartStepID: "gate",
				Steps:       []*models.Step{condition, workStep("manual-review", "work"), workStep("auto-approve", "work")},
				Edges: []*models.Edge{
					testutil.GuardedEdge("e-review", "gate", "manual-review",
						testutil.FieldCondition("amount", models.OperatorGreaterThan, 500)),
					{ID: "e-auto", From: "gate", To: "auto-approve", Default: true},
				},
			}

			workflow := h.saveWorkflow(t, graph, models.WorkflowSettings{})

			execution, err := h.engine.StartExecution(ctx, workflow.ID, map[string]any{"amount": tt.amount}, StartOptions{})
			require.NoError(t, err)
			require.NoError(t, h.engine.Run(ctx, execution.ID))

			final, err := h.engine.Status(ctx, execution.ID)
			require.NoError(t, err)
			assert.Equal(t, models.ExecutionStatusCompleted, final.Status)

			assert.Len(t, h.rowsFor(t, execution.ID, tt.wantStep), 1)
			assert.Empty(t, h.rowsFor(t, execution.ID, tt.skippedStep))

			gateRows := h.rowsFor(t, execution.ID, "gate")
			require.Len(t, gateRows, 1)
			assert.Equal(t, models.StepStatusCompleted, gateRows[0].Status)
			assert.Equal(t, tt.wantEdge, gateRows[0].Output["matched_edge"])
		})
	}
}

func TestRetryExhaustionFailsExecution(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.registerExecutor("flaky", failing("downstream unavailable"))

	workflow := h.saveWorkflow(t, &models.StepGraph{
		StartStepID: "a",
		Steps:       []*models.Step{workStep("a", "flaky")},
	}, models.WorkflowSettings{
		ErrorPolicy: models.ErrorPolicy{Kind: models.ErrorPolicyRetry, MaxRetries: 2, BackoffBaseMS: 1},
	})

	execution, err := h.engine.StartExecution(ctx, workflow.ID, nil, StartOptions{})
	require.NoError(t, err)
	require.NoError(t, h.engine.Run(ctx, execution.ID))

	final, err := h.engine.Status(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, final.Status)
	require.NotNil(t, final.CompletedAt)
	assert.Empty(t, final.CurrentSteps)

	// One initial attempt plus two retries, each its own history row.
	rows := h.rowsFor(t, execution.ID, "a")
	require.Len(t, rows, 3)

	for i, row := range rows {
		assert.Equal(t, i+1, row.Attempt)
		assert.Equal(t, models.StepStatusFailed, row.Status)
		assert.Equal(t, "downstream unavailable", row.Error)
	}

	assert.Equal(t, 2, h.audit.count(events.StepRetriedEvent))
	assert.Equal(t, 1, h.audit.count(events.ExecutionFailedEvent))
}

func TestContinuePolicyAdvancesPastFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.registerExecutor("flaky", failing("still broken"))
	h.registerExecutor("work", completing(map[string]any{"after_done": true}))

	workflow := h.saveWorkflow(t, &models.StepGraph{
		StartStepID: "a",
		Steps:       []*models.Step{workStep("a", "flaky"), workStep("b", "work")},
		Edges:       []*models.Edge{testutil.Edge("e1", "a", "b")},
	}, models.WorkflowSettings{
		ErrorPolicy: models.ErrorPolicy{Kind: models.ErrorPolicyContinue, MaxRetries: 1, BackoffBaseMS: 1},
	})

	execution, err := h.engine.StartExecution(ctx, workflow.ID, nil, StartOptions{})
	require.NoError(t, err)
	require.NoError(t, h.engine.Run(ctx, execution.ID))

	final, err := h.engine.Status(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, true, final.Context["after_done"])

	assert.Len(t, h.rowsFor(t, execution.ID, "a"), 2)

	rows := h.rowsFor(t, execution.ID, "b")
	require.Len(t, rows, 1)
	assert.Equal(t, models.StepStatusCompleted, rows[0].Status)
}

func parallelGraph(join models.JoinKind) *models.StepGraph {
	fan := &models.Step{ID: "fan", Kind: models.StepKindParallel, Name: "fan", Join: join}

	return &models.StepGraph{
		StartStepID: "fan",
		Steps:       []*models.Step{fan, workStep("b1", "branch-one"), workStep("b2", "branch-two"), workStep("after", "work")},
		Edges: []*models.Edge{
			testutil.BranchEdge("e-b1", "fan", "b1"),
			testutil.BranchEdge("e-b2", "fan", "b2"),
			testutil.Edge("e-after", "fan", "after"),
		},
	}
}

func TestParallelJoinAll(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.registerExecutor("branch-one", completing(map[string]any{"b1": "done"}))
	h.registerExecutor("branch-two", completing(map[string]any{"b2": "done"}))
	h.registerExecutor("work", completing(map[string]any{"after": "done"}))

	workflow := h.saveWorkflow(t, parallelGraph(models.JoinAll), models.WorkflowSettings{})

	execution, err := h.engine.StartExecution(ctx, workflow.ID, nil, StartOptions{})
	require.NoError(t, err)
	require.NoError(t, h.engine.Run(ctx, execution.ID))

	final, err := h.engine.Status(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)

	// Both branch outputs land in the context before the continuation runs.
	assert.Equal(t, "done", final.Context["b1"])
	assert.Equal(t, "done", final.Context["b2"])
	assert.Equal(t, "done", final.Context["after"])

	assert.Len(t, h.rowsFor(t, execution.ID, "after"), 1)
}

func TestParallelJoinAnySkipsSuspendedSibling(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.registerExecutor("branch-one", completing(map[string]any{"b1": "done"}))
	h.registerExecutor("branch-two", suspending("tok-b2"))
	h.registerExecutor("work", completing(map[string]any{"after": "done"}))

	workflow := h.saveWorkflow(t, parallelGraph(models.JoinAny), models.WorkflowSettings{})

	execution, err := h.engine.StartExecution(ctx, workflow.ID, nil, StartOptions{})
	require.NoError(t, err)
	require.NoError(t, h.engine.Run(ctx, execution.ID))

	final, err := h.engine.Status(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, "done", final.Context["b1"])
	assert.NotContains(t, final.Context, "b2")

	rows := h.rowsFor(t, execution.ID, "b2")
	require.Len(t, rows, 1)
	assert.Equal(t, models.StepStatusSkipped, rows[0].Status)

	assert.Equal(t, 1, h.audit.count(events.StepSkippedEvent))
}

func TestParallelJoinRaceFirstOutcomeWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.registerExecutor("branch-one", completing(map[string]any{"winner": "b1"}))
	h.registerExecutor("branch-two", completing(map[string]any{"winner": "b2"}))
	h.registerExecutor("work", completing(map[string]any{"after": "done"}))

	workflow := h.saveWorkflow(t, parallelGraph(models.JoinRace), models.WorkflowSettings{})

	execution, err := h.engine.StartExecution(ctx, workflow.ID, nil, StartOptions{})
	require.NoError(t, err)
	require.NoError(t, h.engine.Run(ctx, execution.ID))

	final, err := h.engine.Status(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)

	// Outcomes apply in branch declaration order, so the first branch resolves
	// the race and the second branch's output is discarded.
	assert.Equal(t, "b1", final.Context["winner"])
	assert.Len(t, h.rowsFor(t, execution.ID, "after"), 1)
}

func TestLoopIterations(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.registerExecutor("body", completing(map[string]any{"body_ran": true}))
	h.registerExecutor("work", completing(map[string]any{"finished": true}))

	loop := &models.Step{ID: "retry-loop", Kind: models.StepKindLoop, Name: "retry-loop", MaxIterations: 2}
	graph := &models.StepGraph{
		StartStepID: "retry-loop",
		Steps:       []*models.Step{loop, workStep("body", "body"), workStep("done", "work")},
		Edges: []*models.Edge{
			testutil.Edge("e-body", "retry-loop", "body"),
			testutil.Edge("e-back", "body", "retry-loop"),
			{ID: "e-exit", From: "retry-loop", To: "done", LoopExit: true},
		},
	}

	workflow := h.saveWorkflow(t, graph, models.WorkflowSettings{})

	execution, err := h.engine.StartExecution(ctx, workflow.ID, nil, StartOptions{})
	require.NoError(t, err)
	require.NoError(t, h.engine.Run(ctx, execution.ID))

	final, err := h.engine.Status(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, true, final.Context["finished"])

	assert.Len(t, h.rowsFor(t, execution.ID, "body"), 2)
	assert.Len(t, h.rowsFor(t, execution.ID, "done"), 1)

	loopRows := h.rowsFor(t, execution.ID, "retry-loop")
	require.Len(t, loopRows, 3)
	last := loopRows[len(loopRows)-1]
	assert.Equal(t, true, last.Output["exited"])
}

func TestSuspendAndResumeStep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.registerExecutor("human", &stubExecutor{
		execute: func(_ context.Context, _ map[string]any, _ map[string]any) (*protocol.Result, error) {
			return protocol.SuspendedResult("tok-approve"), nil
		},
		resume: func(_ context.Context, _ string, input map[string]any) (*protocol.Result, error) {
			return protocol.CompletedResult(map[string]any{"decision": input["decision"]}), nil
		},
	})
	h.registerExecutor("work", completing(map[string]any{"notified": true}))

	workflow := h.saveWorkflow(t, &models.StepGraph{
		StartStepID: "approve",
		Steps:       []*models.Step{workStep("approve", "human"), workStep("notify", "work")},
		Edges:       []*models.Edge{testutil.Edge("e1", "approve", "notify")},
	}, models.WorkflowSettings{})

	execution, err := h.engine.StartExecution(ctx, workflow.ID, nil, StartOptions{})
	require.NoError(t, err)
	require.NoError(t, h.engine.Run(ctx, execution.ID))

	// The execution parks on the suspended step.
	parked, err := h.engine.Status(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, parked.Status)
	assert.Equal(t, []string{"approve"}, parked.CurrentSteps)

	rows := h.rowsFor(t, execution.ID, "approve")
	require.Len(t, rows, 1)
	assert.Equal(t, models.StepStatusSuspended, rows[0].Status)
	assert.Equal(t, "tok-approve", rows[0].ResumeToken)

	// A second run finds nothing dispatchable.
	require.NoError(t, h.engine.Run(ctx, execution.ID))
	assert.Len(t, h.rowsFor(t, execution.ID, "approve"), 1)

	final, err := h.engine.ResumeStep(ctx, "tok-approve", map[string]any{"decision": "approved"}, "manager")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, "approved", final.Context["decision"])
	assert.Equal(t, true, final.Context["notified"])

	assert.Equal(t, 1, h.audit.count(events.StepSuspendedEvent))
	assert.Equal(t, 1, h.audit.count(events.StepResumedEvent))
}

func TestResumeStepUnknownToken(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.ResumeStep(context.Background(), "no-such-token", nil, "someone")
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestResumeStepRejectedWhilePaused(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.registerExecutor("human", suspending("tok-paused"))

	workflow := h.saveWorkflow(t, &models.StepGraph{
		StartStepID: "approve",
		Steps:       []*models.Step{workStep("approve", "human")},
	}, models.WorkflowSettings{})

	execution, err := h.engine.StartExecution(ctx, workflow.ID, nil, StartOptions{})
	require.NoError(t, err)
	require.NoError(t, h.engine.Run(ctx, execution.ID))
	require.NoError(t, h.engine.Pause(ctx, execution.ID, "operator"))

	_, err = h.engine.ResumeStep(ctx, "tok-paused", nil, "manager")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecutionNotRunning)
}

func TestPauseAndResume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.registerExecutor("work", completing(map[string]any{"done": true}))

	workflow := h.saveWorkflow(t, &models.StepGraph{
		StartStepID: "a",
		Steps:       []*models.Step{workStep("a", "work")},
	}, models.WorkflowSettings{})

	execution, err := h.engine.StartExecution(ctx, workflow.ID, nil, StartOptions{})
	require.NoError(t, err)

	require.NoError(t, h.engine.Pause(ctx, execution.ID, "operator"))

	// A paused execution dispatches nothing.
	require.NoError(t, h.engine.Run(ctx, execution.ID))

	rows, err := h.engine.StepHistory(ctx, execution.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)

	require.NoError(t, h.engine.Resume(ctx, execution.ID, "operator"))
	require.NoError(t, h.engine.Run(ctx, execution.ID))

	final, err := h.engine.Status(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)

	assert.Equal(t, 1, h.audit.count(events.ExecutionPausedEvent))
	assert.Equal(t, 1, h.audit.count(events.ExecutionResumedEvent))
}

func TestCancelSkipsOpenSteps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.registerExecutor("human", suspending("tok-cancel"))

	workflow := h.saveWorkflow(t, &models.StepGraph{
		StartStepID: "approve",
		Steps:       []*models.Step{workStep("approve", "human")},
	}, models.WorkflowSettings{})

	execution, err := h.engine.StartExecution(ctx, workflow.ID, nil, StartOptions{})
	require.NoError(t, err)
	require.NoError(t, h.engine.Run(ctx, execution.ID))

	require.NoError(t, h.engine.Cancel(ctx, execution.ID, "operator"))

	final, err := h.engine.Status(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, final.Status)
	require.NotNil(t, final.CompletedAt)
	assert.Empty(t, final.CurrentSteps)

	rows := h.rowsFor(t, execution.ID, "approve")
	require.Len(t, rows, 1)
	assert.Equal(t, models.StepStatusSkipped, rows[0].Status)
	assert.Equal(t, "execution cancelled", rows[0].Error)

	assert.Equal(t, 1, h.audit.count(events.ExecutionCancelledEvent))

	// Terminal executions refuse further commands.
	err = h.engine.Cancel(ctx, execution.ID, "operator")
	assert.ErrorIs(t, err, ErrExecutionTerminal)

	err = h.engine.Pause(ctx, execution.ID, "operator")
	assert.ErrorIs(t, err, ErrExecutionTerminal)
}

func TestInvalidTransition(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.registerExecutor("human", suspending("tok-x"))

	workflow := h.saveWorkflow(t, &models.StepGraph{
		StartStepID: "approve",
		Steps:       []*models.Step{workStep("approve", "human")},
	}, models.WorkflowSettings{})

	execution, err := h.engine.StartExecution(ctx, workflow.ID, nil, StartOptions{})
	require.NoError(t, err)

	// Resuming a running execution is not a legal transition.
	err = h.engine.Resume(ctx, execution.ID, "operator")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCheckSLAsEmitsBreachOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	past := time.Now().UTC().Add(-time.Minute)
	execution := &models.WorkflowExecution{
		ID:           "exec-sla",
		WorkflowID:   "wf-1",
		Status:       models.ExecutionStatusRunning,
		CurrentSteps: []string{"a"},
		Metadata:     map[string]any{},
		StartedAt:    past.Add(-time.Minute),
		SLADeadline:  &past,
	}
	require.NoError(t, h.store.ExecutionRepository().CreateExecution(ctx, execution))

	require.NoError(t, h.engine.CheckSLAs(ctx))
	require.NoError(t, h.engine.CheckSLAs(ctx))

	assert.Equal(t, 1, h.audit.count(events.ExecutionSLABreachedEvent))

	stored, err := h.engine.Status(ctx, "exec-sla")
	require.NoError(t, err)
	assert.Equal(t, true, stored.Metadata["sla_breached"])
	assert.Equal(t, models.ExecutionStatusRunning, stored.Status)
}

func TestStatusNotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Status(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.ErrorIs(t, err, persistence.ErrExecutionNotFound)
}

// blockingExecutor signals on started, then holds the dispatch until release
// closes or the dispatch context is cancelled.
func blockingExecutor(output map[string]any, started chan<- string, release <-chan struct{}, invocations *atomic.Int32) *stubExecutor {
	return &stubExecutor{
		execute: func(ctx context.Context, _ map[string]any, _ map[string]any) (*protocol.Result, error) {
			invocations.Add(1)
			started <- "started"

			select {
			case <-release:
				return protocol.CompletedResult(output), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

func TestStepFinishingDuringPauseKeepsItsResult(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var invocations atomic.Int32

	started := make(chan string, 2)
	release := make(chan struct{})

	h.registerExecutor("slow", blockingExecutor(map[string]any{"done": true}, started, release, &invocations))
	h.registerExecutor("work", completing(map[string]any{"second": true}))

	workflow := h.saveWorkflow(t, &models.StepGraph{
		StartStepID: "a",
		Steps:       []*models.Step{workStep("a", "slow"), workStep("b", "work")},
		Edges:       []*models.Edge{testutil.Edge("e1", "a", "b")},
	}, models.WorkflowSettings{})

	execution, err := h.engine.StartExecution(ctx, workflow.ID, nil, StartOptions{})
	require.NoError(t, err)

	runDone := make(chan error, 1)

	go func() { runDone <- h.engine.Run(ctx, execution.ID) }()

	<-started
	require.NoError(t, h.engine.Pause(ctx, execution.ID, "operator"))
	close(release)
	require.NoError(t, <-runDone)

	// The result of the step that finished during the pause survives: output
	// merged, successor parked, execution still paused.
	paused, err := h.engine.Status(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPaused, paused.Status)
	assert.Equal(t, true, paused.Context["done"])
	assert.Equal(t, []string{"b"}, paused.CurrentSteps)

	rows := h.rowsFor(t, execution.ID, "a")
	require.Len(t, rows, 1)
	assert.Equal(t, models.StepStatusCompleted, rows[0].Status)

	require.NoError(t, h.engine.Resume(ctx, execution.ID, "operator"))
	require.NoError(t, h.engine.Run(ctx, execution.ID))

	final, err := h.engine.Status(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, true, final.Context["second"])

	// The step ran exactly once across the pause window.
	assert.EqualValues(t, 1, invocations.Load())
	assert.Len(t, h.rowsFor(t, execution.ID, "a"), 1)
}

func TestLastStepFinishingDuringPauseCompletesOnResume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var invocations atomic.Int32

	started := make(chan string, 1)
	release := make(chan struct{})

	h.registerExecutor("slow", blockingExecutor(map[string]any{"done": true}, started, release, &invocations))

	workflow := h.saveWorkflow(t, &models.StepGraph{
		StartStepID: "a",
		Steps:       []*models.Step{workStep("a", "slow")},
	}, models.WorkflowSettings{})

	execution, err := h.engine.StartExecution(ctx, workflow.ID, nil, StartOptions{})
	require.NoError(t, err)

	runDone := make(chan error, 1)

	go func() { runDone <- h.engine.Run(ctx, execution.ID) }()

	<-started
	require.NoError(t, h.engine.Pause(ctx, execution.ID, "operator"))
	close(release)
	require.NoError(t, <-runDone)

	// Everything finished while paused, but a paused execution never
	// completes on its own.
	paused, err := h.engine.Status(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPaused, paused.Status)
	assert.Empty(t, paused.CurrentSteps)
	assert.Equal(t, 0, h.audit.count(events.ExecutionCompletedEvent))

	require.NoError(t, h.engine.Resume(ctx, execution.ID, "operator"))
	require.NoError(t, h.engine.Run(ctx, execution.ID))

	final, err := h.engine.Status(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	require.NotNil(t, final.CompletedAt)
	assert.Equal(t, true, final.Context["done"])

	assert.EqualValues(t, 1, invocations.Load())
	assert.Equal(t, 1, h.audit.count(events.ExecutionCompletedEvent))
}

func TestStepTimeoutRetriesAndFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.registerExecutor("stuck", &stubExecutor{
		execute: func(ctx context.Context, _ map[string]any, _ map[string]any) (*protocol.Result, error) {
			<-ctx.Done()

			return nil, ctx.Err()
		},
	})

	workflow := h.saveWorkflow(t, &models.StepGraph{
		StartStepID: "a",
		Steps:       []*models.Step{workStep("a", "stuck")},
	}, models.WorkflowSettings{
		StepTimeoutSeconds: 1,
		ErrorPolicy:        models.ErrorPolicy{Kind: models.ErrorPolicyRetry, MaxRetries: 1, BackoffBaseMS: 1},
	})

	execution, err := h.engine.StartExecution(ctx, workflow.ID, nil, StartOptions{})
	require.NoError(t, err)
	require.NoError(t, h.engine.Run(ctx, execution.ID))

	final, err := h.engine.Status(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, final.Status)

	// Each timed-out attempt settles as a failed row and goes through the
	// normal retry path.
	rows := h.rowsFor(t, execution.ID, "a")
	require.Len(t, rows, 2)

	for _, row := range rows {
		assert.Equal(t, models.StepStatusFailed, row.Status)
		assert.Contains(t, row.Error, "timed out")
	}

	assert.Equal(t, 1, h.audit.count(events.StepRetriedEvent))
	assert.Equal(t, 1, h.audit.count(events.ExecutionFailedEvent))
}

func TestCancelAbortsInFlightParallelBranches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var invocations atomic.Int32

	started := make(chan string, 2)
	release := make(chan struct{})

	h.registerExecutor("branch-one", blockingExecutor(map[string]any{"b1": "done"}, started, release, &invocations))
	h.registerExecutor("branch-two", blockingExecutor(map[string]any{"b2": "done"}, started, release, &invocations))
	h.registerExecutor("work", completing(map[string]any{"after": "done"}))

	workflow := h.saveWorkflow(t, parallelGraph(models.JoinAll), models.WorkflowSettings{})

	execution, err := h.engine.StartExecution(ctx, workflow.ID, nil, StartOptions{})
	require.NoError(t, err)

	runDone := make(chan error, 1)

	go func() { runDone <- h.engine.Run(ctx, execution.ID) }()

	<-started
	<-started
	require.NoError(t, h.engine.Cancel(ctx, execution.ID, "operator"))
	require.NoError(t, <-runDone)

	final, err := h.engine.Status(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, final.Status)
	assert.Empty(t, final.CurrentSteps)

	// Both in-flight branch activations are aborted and skipped; the
	// continuation never runs.
	for _, stepID := range []string{"b1", "b2"} {
		rows := h.rowsFor(t, execution.ID, stepID)
		require.Len(t, rows, 1)
		assert.Equal(t, models.StepStatusSkipped, rows[0].Status)
		assert.Equal(t, "execution cancelled", rows[0].Error)
	}

	assert.Empty(t, h.rowsFor(t, execution.ID, "after"))
	assert.NotContains(t, final.Context, "b1")
	assert.NotContains(t, final.Context, "b2")
}

func TestReloadedEngineResumesMidRunExecution(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.registerExecutor("first", completing(map[string]any{"first": true}))
	h.registerExecutor("human", &stubExecutor{
		execute: func(_ context.Context, _ map[string]any, _ map[string]any) (*protocol.Result, error) {
			return protocol.SuspendedResult("tok-reload"), nil
		},
		resume: func(_ context.Context, _ string, input map[string]any) (*protocol.Result, error) {
			return protocol.CompletedResult(map[string]any{"approved": input["approved"]}), nil
		},
	})
	h.registerExecutor("work", completing(map[string]any{"second": true}))

	workflow := h.saveWorkflow(t, &models.StepGraph{
		StartStepID: "a",
		Steps:       []*models.Step{workStep("a", "first"), workStep("approve", "human"), workStep("b", "work")},
		Edges: []*models.Edge{
			testutil.Edge("e1", "a", "approve"),
			testutil.Edge("e2", "approve", "b"),
		},
	}, models.WorkflowSettings{})

	execution, err := h.engine.StartExecution(ctx, workflow.ID, nil, StartOptions{})
	require.NoError(t, err)
	require.NoError(t, h.engine.Run(ctx, execution.ID))

	// A fresh engine over the same store picks up exactly where the first
	// one parked, without re-running anything.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reloaded := New(h.store, h.reg, h.audit, logger)

	require.NoError(t, reloaded.Run(ctx, execution.ID))
	assert.Len(t, h.rowsFor(t, execution.ID, "a"), 1)
	assert.Len(t, h.rowsFor(t, execution.ID, "approve"), 1)

	final, err := reloaded.ResumeStep(ctx, "tok-reload", map[string]any{"approved": true}, "manager")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, true, final.Context["first"])
	assert.Equal(t, true, final.Context["approved"])
	assert.Equal(t, true, final.Context["second"])

	assert.Len(t, h.rowsFor(t, execution.ID, "a"), 1)
	assert.Len(t, h.rowsFor(t, execution.ID, "b"), 1)
}
