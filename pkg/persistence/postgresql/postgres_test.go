package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/persistence/postgresql"
	"github.com/dukex/stepflow/pkg/testutil"
)

var postgresContainer *postgres.PostgresContainer

func dropDB(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{"step_executions", "executions", "trigger_events", "triggers", "workflows", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	require.NoError(t, db.Close())
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("stepflow_test"),
			postgres.WithUsername("stepflow"),
			postgres.WithPassword("stepflow"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDB(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDB(ctx, t, databaseURL)
		require.NoError(t, store.Close(ctx))
		cancel()
	})

	return store, ctx
}

func TestPostgresMigrationsAndHealth(t *testing.T) {
	store, ctx := setupTestDB(t)

	require.NoError(t, store.HealthCheck(ctx))
}

func TestPostgresWorkflowVersionRows(t *testing.T) {
	store, ctx := setupTestDB(t)
	repo := store.WorkflowRepository()

	v1 := testutil.CreateTestWorkflow()
	v1.ID = "wf-1"
	v1.Version = 1
	v1.Status = models.WorkflowStatusPublished
	require.NoError(t, repo.SaveWorkflow(ctx, v1))

	v2 := testutil.CreateTestWorkflow()
	v2.ID = "wf-1"
	v2.Version = 2
	v2.Status = models.WorkflowStatusDraft
	require.NoError(t, repo.SaveWorkflow(ctx, v2))

	latest, err := repo.LatestWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, models.WorkflowStatusDraft, latest.Status)
	require.NotNil(t, latest.Steps)
	assert.Equal(t, "start", latest.Steps.StartStepID)

	published, err := repo.PublishedWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 1, published.Version)

	byVersion, err := repo.WorkflowByVersion(ctx, "wf-1", 1)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusPublished, byVersion.Status)

	_, err = repo.WorkflowByVersion(ctx, "wf-1", 9)
	assert.ErrorIs(t, err, persistence.ErrWorkflowNotFound)

	_, err = repo.PublishedWorkflow(ctx, "no-such-workflow")
	assert.ErrorIs(t, err, persistence.ErrPublishedWorkflowNotFound)

	// Listing returns the latest version per workflow.
	all, err := repo.Workflows(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 2, all[0].Version)

	// Re-saving a version replaces the row instead of appending.
	v2.Name = "renamed workflow"
	require.NoError(t, repo.SaveWorkflow(ctx, v2))

	latest, err = repo.LatestWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed workflow", latest.Name)

	require.NoError(t, repo.DeleteWorkflow(ctx, "wf-1"))
	assert.ErrorIs(t, repo.DeleteWorkflow(ctx, "wf-1"), persistence.ErrWorkflowNotFound)
}

func TestPostgresExecutionOptimisticConcurrency(t *testing.T) {
	store, ctx := setupTestDB(t)
	repo := store.ExecutionRepository()

	exec := &models.WorkflowExecution{
		ID:              "exec-1",
		WorkflowID:      "wf-1",
		WorkflowVersion: 1,
		Status:          models.ExecutionStatusRunning,
		CurrentSteps:    []string{"start"},
		Context:         map[string]any{"order_id": "o-1"},
		StartedAt:       time.Now().UTC(),
	}
	require.NoError(t, repo.CreateExecution(ctx, exec))
	assert.Equal(t, int64(1), exec.StoreVersion)

	dup := &models.WorkflowExecution{ID: "exec-1", StartedAt: time.Now().UTC()}
	assert.ErrorIs(t, repo.CreateExecution(ctx, dup), persistence.ErrVersionConflict)

	fresh, err := repo.ExecutionByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"start"}, fresh.CurrentSteps)
	assert.Equal(t, "o-1", fresh.Context["order_id"])

	stale, err := repo.ExecutionByID(ctx, "exec-1")
	require.NoError(t, err)

	fresh.Status = models.ExecutionStatusPaused
	require.NoError(t, repo.SaveExecution(ctx, fresh))
	assert.Equal(t, int64(2), fresh.StoreVersion)

	stale.Status = models.ExecutionStatusCancelled
	assert.ErrorIs(t, repo.SaveExecution(ctx, stale), persistence.ErrVersionConflict)

	stored, err := repo.ExecutionByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPaused, stored.Status)

	err = repo.SaveExecution(ctx, &models.WorkflowExecution{ID: "missing", StoreVersion: 1})
	assert.ErrorIs(t, err, persistence.ErrExecutionNotFound)

	_, err = repo.ExecutionByID(ctx, "missing")
	assert.ErrorIs(t, err, persistence.ErrExecutionNotFound)
}

func TestPostgresStepExecutionDispatchKeyDedup(t *testing.T) {
	store, ctx := setupTestDB(t)
	repo := store.StepExecutionRepository()

	row := &models.StepExecution{
		ID:          "se-1",
		ExecutionID: "exec-1",
		StepID:      "charge",
		Status:      models.StepStatusInProgress,
		Attempt:     1,
		Input:       map[string]any{"amount": 100},
		StartedAt:   time.Now().UTC(),
	}
	require.NoError(t, repo.AppendStepExecution(ctx, row))

	dup := &models.StepExecution{ID: "se-2", ExecutionID: "exec-1", StepID: "charge", Attempt: 1, StartedAt: time.Now().UTC()}
	assert.ErrorIs(t, repo.AppendStepExecution(ctx, dup), persistence.ErrDuplicateDispatch)

	retry := &models.StepExecution{ID: "se-3", ExecutionID: "exec-1", StepID: "charge", Attempt: 2, StartedAt: time.Now().UTC()}
	require.NoError(t, repo.AppendStepExecution(ctx, retry))

	rows, err := repo.StepExecutions(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	// History comes back in append order.
	assert.Equal(t, "se-1", rows[0].ID)
	assert.Equal(t, "se-3", rows[1].ID)
}

func TestPostgresStepExecutionByResumeToken(t *testing.T) {
	store, ctx := setupTestDB(t)
	repo := store.StepExecutionRepository()

	suspended := &models.StepExecution{
		ID:          "se-1",
		ExecutionID: "exec-1",
		StepID:      "approval",
		Status:      models.StepStatusSuspended,
		Attempt:     1,
		ResumeToken: "token-abc",
		StartedAt:   time.Now().UTC(),
	}
	require.NoError(t, repo.AppendStepExecution(ctx, suspended))

	found, err := repo.StepExecutionByResumeToken(ctx, "token-abc")
	require.NoError(t, err)
	assert.Equal(t, "se-1", found.ID)

	_, err = repo.StepExecutionByResumeToken(ctx, "no-such-token")
	assert.ErrorIs(t, err, persistence.ErrStepExecutionNotFound)

	now := time.Now().UTC()
	suspended.Status = models.StepStatusCompleted
	suspended.CompletedAt = &now
	require.NoError(t, repo.UpdateStepExecution(ctx, suspended))

	// A settled row no longer answers to its token.
	_, err = repo.StepExecutionByResumeToken(ctx, "token-abc")
	assert.ErrorIs(t, err, persistence.ErrStepExecutionNotFound)
}

func TestPostgresTriggerOptimisticConcurrency(t *testing.T) {
	store, ctx := setupTestDB(t)
	repo := store.TriggerRepository()

	trigger := testutil.CreateTestTrigger("wf-1")
	require.NoError(t, repo.SaveTrigger(ctx, trigger))
	assert.Equal(t, int64(1), trigger.StoreVersion)

	stale, err := repo.TriggerByID(ctx, trigger.ID)
	require.NoError(t, err)

	trigger.Name = "renamed"
	require.NoError(t, repo.SaveTrigger(ctx, trigger))
	assert.Equal(t, int64(2), trigger.StoreVersion)

	stale.Name = "lost write"
	assert.ErrorIs(t, repo.SaveTrigger(ctx, stale), persistence.ErrVersionConflict)

	// A new trigger must start at store version zero.
	seeded := testutil.CreateTestTrigger("wf-1")
	seeded.StoreVersion = 5
	assert.ErrorIs(t, repo.SaveTrigger(ctx, seeded), persistence.ErrVersionConflict)

	inactive := testutil.CreateTestTrigger("wf-1", func(tr *models.WorkflowTrigger) {
		tr.Active = false
	})
	require.NoError(t, repo.SaveTrigger(ctx, inactive))

	active, err := repo.ActiveTriggers(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, trigger.ID, active[0].ID)

	require.NoError(t, repo.DeleteTrigger(ctx, inactive.ID))
	assert.ErrorIs(t, repo.DeleteTrigger(ctx, inactive.ID), persistence.ErrTriggerNotFound)
}

func TestPostgresTriggerEventDedup(t *testing.T) {
	store, ctx := setupTestDB(t)
	repo := store.TriggerEventRepository()

	event := &models.TriggerEvent{
		ID:        "ev-1",
		TriggerID: "trigger-1",
		EventData: map[string]any{"type": "order.created"},
		DedupKey:  "schedule:trigger-1:2026-01-07T09:00:00Z",
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, repo.AppendTriggerEvent(ctx, event))

	replay := &models.TriggerEvent{
		ID:        "ev-2",
		TriggerID: "trigger-1",
		DedupKey:  event.DedupKey,
		Timestamp: time.Now().UTC(),
	}
	assert.ErrorIs(t, repo.AppendTriggerEvent(ctx, replay), persistence.ErrDuplicateTriggerEvent)

	// Empty dedup keys never collide.
	for _, id := range []string{"ev-3", "ev-4"} {
		require.NoError(t, repo.AppendTriggerEvent(ctx, &models.TriggerEvent{ID: id, TriggerID: "trigger-1", Timestamp: time.Now().UTC()}))
	}

	event.ResultingExecutionID = "exec-1"
	require.NoError(t, repo.UpdateTriggerEvent(ctx, event))

	events, err := repo.TriggerEvents(ctx, "trigger-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "ev-1", events[0].ID)
	assert.Equal(t, "exec-1", events[0].ResultingExecutionID)
	assert.Equal(t, "order.created", events[0].EventData["type"])
}
