package schedule

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func scheduledTrigger(config map[string]any) *models.WorkflowTrigger {
	return testutil.CreateTestTrigger("wf-1", func(tr *models.WorkflowTrigger) {
		tr.Kind = models.TriggerKindScheduled
		tr.Config = config
	})
}

func TestNewMonitorRejectsBadConfig(t *testing.T) {
	_, err := NewMonitor(scheduledTrigger(map[string]any{}), testLogger())
	assert.ErrorIs(t, err, models.ErrInvalidSchedule)

	_, err = NewMonitor(scheduledTrigger(map[string]any{"cron_expression": "bad"}), testLogger())
	assert.Error(t, err)
}

func TestMonitorFiresWithDedupKey(t *testing.T) {
	trigger := scheduledTrigger(map[string]any{"interval_seconds": 1.0})

	monitor, err := NewMonitor(trigger, testLogger())
	require.NoError(t, err)
	require.NoError(t, monitor.Validate(context.Background()))

	var (
		mu        sync.Mutex
		dedupKeys []string
	)

	fired := make(chan struct{}, 4)

	go func() {
		_ = monitor.Start(context.Background(), func(_ context.Context, eventData map[string]any, dedupKey string) error {
			mu.Lock()
			dedupKeys = append(dedupKeys, dedupKey)
			mu.Unlock()

			assert.Equal(t, trigger.ID, eventData["trigger_id"])
			assert.NotEmpty(t, eventData["scheduled_for"])

			fired <- struct{}{}

			return nil
		})
	}()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("monitor did not fire")
	}

	require.NoError(t, monitor.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()

	require.NotEmpty(t, dedupKeys)
	assert.Contains(t, dedupKeys[0], "schedule:"+trigger.ID+":")
}

func TestStopIsIdempotent(t *testing.T) {
	monitor, err := NewMonitor(scheduledTrigger(map[string]any{"interval_seconds": 3600.0}), testLogger())
	require.NoError(t, err)

	ctx := context.Background()

	done := make(chan error, 1)

	go func() {
		done <- monitor.Start(ctx, func(context.Context, map[string]any, string) error { return nil })
	}()

	require.NoError(t, monitor.Stop(ctx))
	require.NoError(t, monitor.Stop(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestStartReturnsOnContextCancel(t *testing.T) {
	monitor, err := NewMonitor(scheduledTrigger(map[string]any{"interval_seconds": 3600.0}), testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		done <- monitor.Start(ctx, func(context.Context, map[string]any, string) error { return nil })
	}()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop on context cancel")
	}
}
