package transform

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

func TestExecuteShapesOutput(t *testing.T) {
	executor, err := NewExecutor(map[string]any{
		"output": map[string]any{
			"customer": "{{.user}}",
			"summary":  `{"total": {{.amount}}}`,
		},
	}, testLogger())
	require.NoError(t, err)

	result, err := executor.Execute(context.Background(), nil, map[string]any{
		"user":   "ada",
		"amount": 90,
	})
	require.NoError(t, err)
	require.Equal(t, protocol.ResultCompleted, result.Status)

	assert.Equal(t, "ada", result.Output["customer"])

	// JSON-shaped results come back structured, not as strings.
	summary, ok := result.Output["summary"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 90, summary["total"])
}

func TestNewExecutorRejectsBadConfig(t *testing.T) {
	_, err := NewExecutor(map[string]any{
		"output": map[string]any{"value": 42},
	}, testLogger())
	assert.Error(t, err)

	_, err = NewExecutor(map[string]any{
		"output": map[string]any{"value": "{{.unclosed"},
	}, testLogger())
	assert.Error(t, err)
}

func TestExecuteMissingField(t *testing.T) {
	executor, err := NewExecutor(map[string]any{
		"output": map[string]any{"value": "{{.missing}}"},
	}, testLogger())
	require.NoError(t, err)

	result, err := executor.Execute(context.Background(), nil, map[string]any{})
	require.NoError(t, err)

	// text/template renders a missing map key as "<no value>".
	require.Equal(t, protocol.ResultCompleted, result.Status)
	assert.Equal(t, "<no value>", result.Output["value"])
}

func TestResumeNotSupported(t *testing.T) {
	executor, err := NewExecutor(map[string]any{}, testLogger())
	require.NoError(t, err)

	result, err := executor.Resume(context.Background(), "tok", nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.ResultFailed, result.Status)
}
