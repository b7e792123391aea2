package humantask

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/stepflow/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExecuteSuspendsWithToken(t *testing.T) {
	executor, err := NewExecutor(map[string]any{"assignee": "approvals-team"}, testLogger())
	require.NoError(t, err)

	first, err := executor.Execute(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.ResultSuspended, first.Status)
	assert.NotEmpty(t, first.ResumeToken)

	second, err := executor.Execute(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ResumeToken, second.ResumeToken)
}

func TestResumeCompletesWithInput(t *testing.T) {
	executor, err := NewExecutor(map[string]any{}, testLogger())
	require.NoError(t, err)

	result, err := executor.Resume(context.Background(), "tok-1", map[string]any{"approved": false, "note": "over budget"})
	require.NoError(t, err)
	require.Equal(t, protocol.ResultCompleted, result.Status)

	// A rejection still completes the step; routing on the outcome is the
	// graph's job.
	assert.Equal(t, false, result.Output["approved"])
	assert.Equal(t, "over budget", result.Output["note"])
}

func TestResumeNilInput(t *testing.T) {
	executor, err := NewExecutor(map[string]any{}, testLogger())
	require.NoError(t, err)

	result, err := executor.Resume(context.Background(), "tok-2", nil)
	require.NoError(t, err)
	require.Equal(t, protocol.ResultCompleted, result.Status)
	assert.NotNil(t, result.Output)
	assert.Empty(t, result.Output)
}
