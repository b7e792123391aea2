package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dukex/stepflow/pkg/events"
	"github.com/dukex/stepflow/pkg/models"
)

// Metadata keys on the execution record. Everything stored there must
// round-trip through JSON, so values are maps, strings, bools, and numbers.
const (
	metaBranches   = "branches" // stepID -> {"parallel": id, "head": id}
	metaJoinPrefix = "join."    // join.<parallelStepID> -> join state
	loopKeyPrefix  = "loop."    // Context key holding a loop step's iteration count
)

// errOutcomeDiscarded aborts an advance when the execution reached a terminal
// state while the step was in flight. The step's output is dropped.
var errOutcomeDiscarded = errors.New("execution terminal, outcome discarded")

// postActions are side effects computed while mutating the execution but
// performed only after the persist succeeds. The mutation closure can rerun
// on a version conflict, so effects must not happen inside it.
type postActions struct {
	completed      bool
	structuralNote map[string]any
	skipSiblings   []string
	cancelSiblings bool
}

func (e *Engine) applyOutcome(ctx context.Context, executionID string, workflow *models.Workflow, outcome *stepOutcome) error {
	switch outcome.kind {
	case outcomeSuspended:
		// The step stays current and waits for an external resume.
		return nil
	case outcomeFailed:
		return e.applyFailure(ctx, executionID, workflow, outcome)
	case outcomeCompleted, outcomeStructural:
		return e.applyAdvance(ctx, executionID, workflow, outcome, true)
	default:
		return nil
	}
}

// applyAdvance merges the step's output, routes to successor steps, and
// completes the execution when nothing is left to do.
func (e *Engine) applyAdvance(ctx context.Context, executionID string, workflow *models.Workflow, outcome *stepOutcome, mergeOutput bool) error {
	var actions postActions

	execution, err := e.mutateExecution(ctx, executionID, func(execution *models.WorkflowExecution) error {
		// A step that finished while the execution was paused still keeps its
		// result: the outcome applies and the successors park in CurrentSteps
		// until a resume dispatches them. Only a terminal execution drops it.
		if execution.Status.IsTerminal() {
			return errOutcomeDiscarded
		}

		if !execution.HasCurrentStep(outcome.step.ID) {
			// A sibling already resolved this branch's join.
			return errOutcomeDiscarded
		}

		actions = postActions{}

		if mergeOutput && outcome.kind == outcomeCompleted {
			if execution.Context == nil {
				execution.Context = map[string]any{}
			}

			for k, v := range outcome.output {
				execution.Context[k] = v
			}
		}

		successors, err := e.route(workflow, execution, outcome, &actions)
		if err != nil {
			return err
		}

		execution.RemoveCurrentStep(outcome.step.ID)

		for _, next := range successors {
			if !execution.HasCurrentStep(next) {
				execution.CurrentSteps = append(execution.CurrentSteps, next)
			}
		}

		// A paused execution cannot complete; when it drained while paused,
		// Run finalizes it after the resume.
		if len(execution.CurrentSteps) == 0 && execution.Status == models.ExecutionStatusRunning {
			execution.Status = models.ExecutionStatusCompleted
			now := time.Now().UTC()
			execution.CompletedAt = &now
			actions.completed = true
		}

		return nil
	})
	if err != nil {
		if errors.Is(err, errOutcomeDiscarded) {
			e.discardStructuralRow(ctx, outcome)

			return nil
		}

		return err
	}

	e.settleStructural(ctx, execution, outcome, actions.structuralNote)

	if actions.cancelSiblings {
		for _, sibling := range actions.skipSiblings {
			e.cancelInFlight(executionID, sibling)
		}
	}

	if len(actions.skipSiblings) > 0 {
		e.skipSteps(ctx, executionID, execution.WorkflowID, actions.skipSiblings, "sibling branch resolved the join")
	}

	if actions.completed {
		e.emit(ctx, executionID, events.ExecutionCompleted{
			BaseEvent: events.NewBaseEvent(events.ExecutionCompletedEvent, execution.WorkflowID, executionID),
			Duration:  time.Since(execution.StartedAt),
		})

		e.logger.InfoContext(ctx, "Execution completed",
			"execution_id", executionID,
			"workflow_id", execution.WorkflowID,
		)
	}

	return nil
}

// applyFailure resolves a step whose retries are exhausted. Under the
// continue policy the execution routes onward without the step's output;
// every other case fails the execution.
func (e *Engine) applyFailure(ctx context.Context, executionID string, workflow *models.Workflow, outcome *stepOutcome) error {
	policy := workflow.Settings.ErrorPolicy

	retryable := outcome.errKind == KindExecutor || outcome.errKind == KindTimeout
	if policy.Kind == models.ErrorPolicyContinue && retryable {
		return e.applyAdvance(ctx, executionID, workflow, outcome, false)
	}

	execution, err := e.mutateExecution(ctx, executionID, func(execution *models.WorkflowExecution) error {
		if execution.Status != models.ExecutionStatusRunning {
			return errOutcomeDiscarded
		}

		if outcome.step != nil && !execution.HasCurrentStep(outcome.step.ID) {
			// A sibling already resolved this branch's join; the failure is moot.
			return errOutcomeDiscarded
		}

		execution.Status = models.ExecutionStatusFailed
		now := time.Now().UTC()
		execution.CompletedAt = &now
		execution.CurrentSteps = nil

		return nil
	})
	if err != nil {
		if errors.Is(err, errOutcomeDiscarded) {
			return nil
		}

		return err
	}

	e.cancelInFlight(executionID, "")
	e.skipOpenSteps(ctx, executionID, execution.WorkflowID, "execution failed")

	stepID := ""
	if outcome.step != nil {
		stepID = outcome.step.ID
	}

	e.emit(ctx, executionID, events.ExecutionFailed{
		BaseEvent: events.NewBaseEvent(events.ExecutionFailedEvent, execution.WorkflowID, executionID),
		StepID:    stepID,
		Error:     outcome.errMsg,
		Duration:  time.Since(execution.StartedAt),
	})

	e.logger.WarnContext(ctx, "Execution failed",
		"execution_id", executionID,
		"step_id", stepID,
		"error", outcome.errMsg,
	)

	return nil
}

// route computes the successor steps of a resolved activation and maintains
// branch membership and join state along the way.
func (e *Engine) route(workflow *models.Workflow, execution *models.WorkflowExecution, outcome *stepOutcome, actions *postActions) ([]string, error) {
	step := outcome.step

	var successors []string

	switch step.Kind {
	case models.StepKindCondition:
		successors = e.routeCondition(workflow, execution, step, actions)
	case models.StepKindParallel:
		return e.routeParallel(workflow, execution, step, actions)
	case models.StepKindLoop:
		successors = e.routeLoop(workflow, execution, step, actions)
	default:
		successors = e.routeDefault(workflow, execution, step)
	}

	return e.propagateBranch(workflow, execution, step, successors, actions)
}

// routeCondition picks the first edge whose guard matches, falling back to
// the default edge. No match and no default means the path simply ends.
func (e *Engine) routeCondition(workflow *models.Workflow, execution *models.WorkflowExecution, step *models.Step, actions *postActions) []string {
	edges := workflow.Steps.OutgoingEdges(step.ID)

	for _, edge := range edges {
		if edge.Default {
			continue
		}

		if e.evaluator.Evaluate(edge.Condition, execution.Context) {
			actions.structuralNote = map[string]any{"matched_edge": edge.ID}

			return []string{edge.To}
		}
	}

	for _, edge := range edges {
		if edge.Default {
			actions.structuralNote = map[string]any{"matched_edge": edge.ID, "default": true}

			return []string{edge.To}
		}
	}

	actions.structuralNote = map[string]any{"matched_edge": nil}

	return nil
}

// routeParallel fans out over the branch edges and opens the join state. The
// branch heads are recorded in declaration order; that order is what makes
// context merging deterministic.
func (e *Engine) routeParallel(workflow *models.Workflow, execution *models.WorkflowExecution, step *models.Step, actions *postActions) ([]string, error) {
	edges := workflow.Steps.OutgoingEdges(step.ID)

	var heads []string

	for _, edge := range edges {
		if edge.Branch {
			heads = append(heads, edge.To)
		}
	}

	if len(heads) == 0 {
		return nil, NewError(KindConfiguration, fmt.Errorf("parallel step %q has no branch edges", step.ID))
	}

	if execution.Metadata == nil {
		execution.Metadata = map[string]any{}
	}

	expected := make([]any, 0, len(heads))
	for _, head := range heads {
		expected = append(expected, head)
	}

	join := map[string]any{
		"kind":     string(step.Join),
		"expected": expected,
		"done":     map[string]any{},
		"resolved": false,
	}

	// A parallel step nested inside an outer branch passes its membership to
	// whatever follows its join.
	if outer, ok := branchMembership(execution, step.ID); ok {
		join["outer"] = outer
	}

	execution.Metadata[metaJoinPrefix+step.ID] = join

	branches := metadataMap(execution, metaBranches)
	for _, head := range heads {
		branches[head] = map[string]any{"parallel": step.ID, "head": head}
	}

	delete(branches, step.ID)

	actions.structuralNote = map[string]any{"branches": expected}

	return heads, nil
}

// routeLoop bumps the iteration counter held in the execution context and
// either re-enters the body or takes the loop exit edges once the bound is
// reached.
func (e *Engine) routeLoop(workflow *models.Workflow, execution *models.WorkflowExecution, step *models.Step, actions *postActions) []string {
	if execution.Context == nil {
		execution.Context = map[string]any{}
	}

	key := loopKeyPrefix + step.ID
	iteration := asInt(execution.Context[key]) + 1
	execution.Context[key] = iteration

	edges := workflow.Steps.OutgoingEdges(step.ID)

	var successors []string

	if iteration > step.MaxIterations {
		for _, edge := range edges {
			if edge.LoopExit {
				successors = append(successors, edge.To)
			}
		}

		actions.structuralNote = map[string]any{"iteration": iteration, "exited": true}

		return successors
	}

	for _, edge := range edges {
		if edge.LoopExit {
			continue
		}

		if e.evaluator.Evaluate(edge.Condition, execution.Context) {
			successors = append(successors, edge.To)
		}
	}

	// A body that routes nowhere ends the loop early through the exit edges.
	if len(successors) == 0 {
		for _, edge := range edges {
			if edge.LoopExit {
				successors = append(successors, edge.To)
			}
		}

		actions.structuralNote = map[string]any{"iteration": iteration, "exited": true}

		return successors
	}

	actions.structuralNote = map[string]any{"iteration": iteration, "exited": false}

	return successors
}

// routeDefault follows every outgoing edge whose guard passes.
func (e *Engine) routeDefault(workflow *models.Workflow, execution *models.WorkflowExecution, step *models.Step) []string {
	var successors []string

	for _, edge := range workflow.Steps.OutgoingEdges(step.ID) {
		if e.evaluator.Evaluate(edge.Condition, execution.Context) {
			successors = append(successors, edge.To)
		}
	}

	return successors
}

// propagateBranch carries branch membership onto successors, and when a
// branch reaches its end updates the join state, possibly resolving it.
func (e *Engine) propagateBranch(workflow *models.Workflow, execution *models.WorkflowExecution, step *models.Step, successors []string, actions *postActions) ([]string, error) {
	membership, ok := branchMembership(execution, step.ID)
	if !ok {
		return successors, nil
	}

	branches := metadataMap(execution, metaBranches)
	delete(branches, step.ID)

	if len(successors) > 0 {
		for _, next := range successors {
			branches[next] = membership
		}

		return successors, nil
	}

	return e.completeBranch(workflow, execution, membership, actions)
}

// completeBranch marks one branch done and resolves the join when its policy
// is satisfied. Resolution routes to the parallel step's non-branch edges.
func (e *Engine) completeBranch(workflow *models.Workflow, execution *models.WorkflowExecution, membership map[string]any, actions *postActions) ([]string, error) {
	parallelID, _ := membership["parallel"].(string)
	head, _ := membership["head"].(string)

	join, ok := execution.Metadata[metaJoinPrefix+parallelID].(map[string]any)
	if !ok {
		return nil, NewError(KindConfiguration, fmt.Errorf("missing join state for parallel step %q", parallelID))
	}

	if resolved, _ := join["resolved"].(bool); resolved {
		return nil, nil
	}

	done, _ := join["done"].(map[string]any)
	if done == nil {
		done = map[string]any{}
		join["done"] = done
	}

	done[head] = true

	kind := models.JoinKind(stringOf(join["kind"]))
	expected := stringsOf(join["expected"])

	switch kind {
	case models.JoinAll:
		if len(done) < len(expected) {
			return nil, nil
		}
	case models.JoinAny, models.JoinRace:
		// First branch home wins.
	}

	join["resolved"] = true

	// Any remaining current step belonging to a sibling branch is abandoned.
	branches := metadataMap(execution, metaBranches)

	var siblings []string

	for _, current := range execution.CurrentSteps {
		m, ok := branchMembership(execution, current)
		if !ok {
			continue
		}

		if pid, _ := m["parallel"].(string); pid == parallelID {
			siblings = append(siblings, current)
			delete(branches, current)
		}
	}

	for _, sibling := range siblings {
		execution.RemoveCurrentStep(sibling)
	}

	actions.skipSiblings = siblings
	actions.cancelSiblings = kind == models.JoinRace

	var successors []string

	for _, edge := range workflow.Steps.OutgoingEdges(parallelID) {
		if edge.Branch {
			continue
		}

		if e.evaluator.Evaluate(edge.Condition, execution.Context) {
			successors = append(successors, edge.To)
		}
	}

	// The join's continuation inherits the parallel step's own membership
	// when the parallel was itself nested in an outer branch.
	if outer, ok := join["outer"].(map[string]any); ok {
		if len(successors) > 0 {
			for _, next := range successors {
				branches[next] = outer
			}
		} else {
			return e.completeBranch(workflow, execution, outer, actions)
		}
	}

	return successors, nil
}

// settleStructural closes a routing step's activation row with the decision
// it made.
func (e *Engine) settleStructural(ctx context.Context, execution *models.WorkflowExecution, outcome *stepOutcome, note map[string]any) {
	if outcome.kind != outcomeStructural || outcome.row == nil {
		return
	}

	now := time.Now().UTC()
	outcome.row.Status = models.StepStatusCompleted
	outcome.row.Output = note
	outcome.row.CompletedAt = &now

	err := e.withBackoff(ctx, func() error {
		return e.persistence.StepExecutionRepository().UpdateStepExecution(ctx, outcome.row)
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to settle routing step", "error", err, "step_id", outcome.row.StepID)

		return
	}

	e.emit(ctx, execution.ID, events.StepCompleted{
		BaseEvent:  events.NewBaseEvent(events.StepCompletedEvent, execution.WorkflowID, execution.ID),
		StepID:     outcome.row.StepID,
		Attempt:    outcome.row.Attempt,
		Output:     note,
		DurationMs: now.Sub(outcome.row.StartedAt).Milliseconds(),
	})
}

// discardStructuralRow closes a routing activation whose outcome was dropped
// because the execution left the running state.
func (e *Engine) discardStructuralRow(ctx context.Context, outcome *stepOutcome) {
	if outcome.kind != outcomeStructural || outcome.row == nil {
		return
	}

	now := time.Now().UTC()
	outcome.row.Status = models.StepStatusSkipped
	outcome.row.Error = "execution no longer running"
	outcome.row.CompletedAt = &now

	err := e.withBackoff(ctx, func() error {
		return e.persistence.StepExecutionRepository().UpdateStepExecution(ctx, outcome.row)
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to discard routing step", "error", err, "step_id", outcome.row.StepID)
	}
}

// skipSteps marks the latest open activation of each step as skipped.
func (e *Engine) skipSteps(ctx context.Context, executionID, workflowID string, stepIDs []string, reason string) {
	stepRepo := e.persistence.StepExecutionRepository()

	rows, err := stepRepo.StepExecutions(ctx, executionID)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to load step executions", "error", err, "execution_id", executionID)

		return
	}

	now := time.Now().UTC()

	for _, row := range rows {
		if row.Status.IsTerminal() || !slices.Contains(stepIDs, row.StepID) {
			continue
		}

		row.Status = models.StepStatusSkipped
		row.Error = reason
		row.CompletedAt = &now

		if err := stepRepo.UpdateStepExecution(ctx, row); err != nil {
			e.logger.ErrorContext(ctx, "Failed to skip step execution", "error", err, "step_id", row.StepID)

			continue
		}

		e.emit(ctx, executionID, events.StepSkipped{
			BaseEvent: events.NewBaseEvent(events.StepSkippedEvent, workflowID, executionID),
			StepID:    row.StepID,
			Reason:    reason,
		})
	}
}

func branchMembership(execution *models.WorkflowExecution, stepID string) (map[string]any, bool) {
	branches, ok := execution.Metadata[metaBranches].(map[string]any)
	if !ok {
		return nil, false
	}

	membership, ok := branches[stepID].(map[string]any)

	return membership, ok
}

func metadataMap(execution *models.WorkflowExecution, key string) map[string]any {
	if execution.Metadata == nil {
		execution.Metadata = map[string]any{}
	}

	m, ok := execution.Metadata[key].(map[string]any)
	if !ok {
		m = map[string]any{}
		execution.Metadata[key] = m
	}

	return m
}

func stringOf(v any) string {
	s, _ := v.(string)

	return s
}

func stringsOf(v any) []string {
	items, _ := v.([]any)

	out := make([]string, 0, len(items))

	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}

	return out
}

// asInt reads a numeric context value that may have round-tripped through
// JSON as a float64.
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
