// Package schedule implements the trigger monitor for time-based firing. It
// supports cron expressions and fixed intervals, with optional timezone and
// weekend exclusion.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/protocol"
)

// Monitor fires its trigger at every due time of the schedule. Each firing
// carries a dedup key derived from the due time, so a monitor restarted over
// the same tick cannot double-fire.
type Monitor struct {
	logger  *slog.Logger
	trigger *models.WorkflowTrigger
	spec    *models.ScheduleSpec
	done    chan struct{}
}

func NewMonitor(trigger *models.WorkflowTrigger, logger *slog.Logger) (*Monitor, error) {
	spec, err := models.ParseScheduleSpec(trigger.Config)
	if err != nil {
		return nil, err
	}

	return &Monitor{
		logger:  logger.With("module", "schedule_monitor", "trigger_id", trigger.ID),
		trigger: trigger,
		spec:    spec,
		done:    make(chan struct{}),
	}, nil
}

func (m *Monitor) Validate(_ context.Context) error {
	return m.spec.Validate()
}

// Start blocks, firing at each due time until the context is cancelled or
// Stop is called.
func (m *Monitor) Start(ctx context.Context, callback protocol.FireCallback) error {
	after := time.Now().In(m.spec.Location())

	m.logger.InfoContext(ctx, "Schedule monitor started",
		"cron", m.spec.CronExpression,
		"interval_seconds", m.spec.IntervalSeconds,
		"exclude_weekends", m.spec.ExcludeWeekends,
	)

	for {
		dueAt, err := m.spec.NextFire(after)
		if err != nil {
			return fmt.Errorf("failed to compute next fire time: %w", err)
		}

		timer := time.NewTimer(time.Until(dueAt))

		select {
		case <-ctx.Done():
			timer.Stop()

			return nil
		case <-m.done:
			timer.Stop()

			return nil
		case <-timer.C:
		}

		eventData := map[string]any{
			"scheduled_for": dueAt.UTC().Format(time.RFC3339),
			"trigger_id":    m.trigger.ID,
		}

		dedupKey := "schedule:" + m.trigger.ID + ":" + dueAt.UTC().Format(time.RFC3339)

		if err := callback(ctx, eventData, dedupKey); err != nil {
			m.logger.ErrorContext(ctx, "Schedule firing failed", "error", err, "due_at", dueAt)
		}

		after = dueAt
	}
}

func (m *Monitor) Stop(_ context.Context) error {
	select {
	case <-m.done:
	default:
		close(m.done)
	}

	return nil
}
