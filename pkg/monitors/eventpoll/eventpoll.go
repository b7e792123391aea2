// Package eventpoll implements the trigger monitor that polls an external
// event stream. Each stream entry fires the trigger at most once: the entry
// id is the dedup key, and the monitor keeps a durable cursor so a restart
// resumes where it left off instead of replaying the stream.
package eventpoll

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dukex/stepflow/pkg/conditions"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/protocol"
)

const (
	defaultPollInterval = 10 * time.Second
	batchSize           = 100
	cursorKeyPrefix     = "stepflow:cursor:"
)

// Monitor polls one stream and fires for every new entry admitted by the
// configured filters.
type Monitor struct {
	logger    *slog.Logger
	trigger   *models.WorkflowTrigger
	client    redis.UniversalClient
	evaluator *conditions.Evaluator
	stream    string
	filters   *models.ConditionGroup
	interval  time.Duration
	done      chan struct{}
}

func NewMonitor(trigger *models.WorkflowTrigger, client redis.UniversalClient, logger *slog.Logger) (*Monitor, error) {
	stream, _ := trigger.Config["stream"].(string)
	if stream == "" {
		return nil, fmt.Errorf("event-poll trigger %s has no stream configured", trigger.ID)
	}

	filters, err := parseFilters(trigger.Config["filters"])
	if err != nil {
		return nil, fmt.Errorf("event-poll trigger %s: %w", trigger.ID, err)
	}

	interval := defaultPollInterval
	if seconds, ok := trigger.Config["poll_interval_seconds"].(float64); ok && seconds > 0 {
		interval = time.Duration(seconds) * time.Second
	}

	return &Monitor{
		logger:    logger.With("module", "eventpoll_monitor", "trigger_id", trigger.ID, "stream", stream),
		trigger:   trigger,
		client:    client,
		evaluator: conditions.NewEvaluator(),
		stream:    stream,
		filters:   filters,
		interval:  interval,
		done:      make(chan struct{}),
	}, nil
}

func (m *Monitor) Validate(ctx context.Context) error {
	if err := m.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("event stream unreachable: %w", err)
	}

	return nil
}

func (m *Monitor) Start(ctx context.Context, callback protocol.FireCallback) error {
	m.logger.InfoContext(ctx, "Event poll monitor started", "interval", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.poll(ctx, callback); err != nil {
			m.logger.ErrorContext(ctx, "Event poll cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		case <-ticker.C:
		}
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

// poll drains every entry newer than the cursor, firing once per entry. The
// cursor advances after each firing so a crash mid-batch re-reads at most the
// entries whose dedup keys already exist.
func (m *Monitor) poll(ctx context.Context, callback protocol.FireCallback) error {
	cursor, err := m.loadCursor(ctx)
	if err != nil {
		return err
	}

	start := "-"
	if cursor != "" {
		start = "(" + cursor
	}

	for {
		entries, err := m.client.XRangeN(ctx, m.stream, start, "+", batchSize).Result()
		if err != nil {
			return fmt.Errorf("failed to read stream: %w", err)
		}

		if len(entries) == 0 {
			return nil
		}

		for _, entry := range entries {
			eventData := make(map[string]any, len(entry.Values)+1)
			for k, v := range entry.Values {
				eventData[k] = v
			}

			eventData["event_id"] = entry.ID

			if !m.admits(eventData) {
				if err := m.saveCursor(ctx, entry.ID); err != nil {
					return err
				}

				start = "(" + entry.ID

				continue
			}

			dedupKey := m.stream + "/" + entry.ID

			if err := callback(ctx, eventData, dedupKey); err != nil {
				m.logger.ErrorContext(ctx, "Firing failed for stream entry", "error", err, "entry_id", entry.ID)
			}

			if err := m.saveCursor(ctx, entry.ID); err != nil {
				return err
			}

			start = "(" + entry.ID
		}

		if len(entries) < batchSize {
			return nil
		}
	}
}

// admits evaluates the configured filters against an entry's fields. No
// filters means every entry fires.
func (m *Monitor) admits(eventData map[string]any) bool {
	if m.filters == nil {
		return true
	}

	return m.evaluator.Evaluate(m.filters, eventData)
}

func parseFilters(raw any) (*models.ConditionGroup, error) {
	if raw == nil {
		return nil, nil
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid filters: %w", err)
	}

	var group models.ConditionGroup
	if err := json.Unmarshal(encoded, &group); err != nil {
		return nil, fmt.Errorf("invalid filters: %w", err)
	}

	return &group, nil
}

func (m *Monitor) loadCursor(ctx context.Context) (string, error) {
	cursor, err := m.client.Get(ctx, cursorKeyPrefix+m.trigger.ID).Result()
	if err == redis.Nil {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("failed to load cursor: %w", err)
	}

	return cursor, nil
}

func (m *Monitor) saveCursor(ctx context.Context, cursor string) error {
	if err := m.client.Set(ctx, cursorKeyPrefix+m.trigger.ID, cursor, 0).Err(); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}

	return nil
}
