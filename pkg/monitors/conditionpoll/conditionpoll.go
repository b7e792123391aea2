// Package conditionpoll implements the trigger monitor that polls a JSON
// endpoint and fires when a condition flips from false to true. Level
// semantics are deliberately avoided: while the condition stays true the
// monitor is silent, and a cooldown suppresses rapid flapping around the
// threshold.
package conditionpoll

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukex/stepflow/pkg/conditions"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/protocol"
)

const (
	defaultPollInterval = 30 * time.Second
	requestTimeout      = 15 * time.Second
	maxBodySize         = 1 << 20
)

// Monitor polls one endpoint and tracks the condition's previous state.
type Monitor struct {
	logger    *slog.Logger
	trigger   *models.WorkflowTrigger
	evaluator *conditions.Evaluator
	client    *http.Client

	url       string
	headers   map[string]string
	condition *models.ConditionGroup
	interval  time.Duration
	cooldown  time.Duration

	lastState bool
	lastFired time.Time
	done      chan struct{}
}

func NewMonitor(trigger *models.WorkflowTrigger, logger *slog.Logger) (*Monitor, error) {
	url, _ := trigger.Config["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("condition-poll trigger %s has no url configured", trigger.ID)
	}

	condition, err := parseCondition(trigger.Config["condition"])
	if err != nil {
		return nil, err
	}

	if condition == nil {
		return nil, fmt.Errorf("condition-poll trigger %s has no condition configured", trigger.ID)
	}

	interval := defaultPollInterval
	if seconds, ok := trigger.Config["poll_interval_seconds"].(float64); ok && seconds > 0 {
		interval = time.Duration(seconds) * time.Second
	}

	var cooldown time.Duration
	if seconds, ok := trigger.Config["cooldown_seconds"].(float64); ok && seconds > 0 {
		cooldown = time.Duration(seconds) * time.Second
	}

	headers := map[string]string{}

	if raw, ok := trigger.Config["headers"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}

	return &Monitor{
		logger:    logger.With("module", "conditionpoll_monitor", "trigger_id", trigger.ID),
		trigger:   trigger,
		evaluator: conditions.NewEvaluator(),
		client:    &http.Client{Timeout: requestTimeout},
		url:       url,
		headers:   headers,
		condition: condition,
		interval:  interval,
		cooldown:  cooldown,
		done:      make(chan struct{}),
	}, nil
}

func (m *Monitor) Validate(_ context.Context) error {
	return nil
}

func (m *Monitor) Start(ctx context.Context, callback protocol.FireCallback) error {
	m.logger.InfoContext(ctx, "Condition poll monitor started",
		"url", m.url,
		"interval", m.interval,
		"cooldown", m.cooldown,
	)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.cycle(ctx, callback)

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

// cycle fetches the document and fires on a rising edge. A fetch failure
// leaves the previous state untouched so a blip cannot manufacture an edge.
func (m *Monitor) cycle(ctx context.Context, callback protocol.FireCallback) {
	document, err := m.fetch(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "Condition poll fetch failed", "error", err)

		return
	}

	state := m.evaluator.Evaluate(m.condition, document)
	rising := state && !m.lastState
	m.lastState = state

	if !rising {
		return
	}

	now := time.Now().UTC()

	if m.cooldown > 0 && !m.lastFired.IsZero() && now.Sub(m.lastFired) < m.cooldown {
		m.logger.DebugContext(ctx, "Rising edge suppressed by cooldown")

		return
	}

	eventData := map[string]any{
		"observed": document,
		"url":      m.url,
	}

	if err := callback(ctx, eventData, ""); err != nil {
		m.logger.ErrorContext(ctx, "Condition firing failed", "error", err)

		return
	}

	m.lastFired = now
}

func (m *Monitor) fetch(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return nil, err
	}

	for k, v := range m.headers {
		req.Header.Set(k, v)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, err
	}

	document := map[string]any{}
	if err := json.Unmarshal(body, &document); err != nil {
		return nil, fmt.Errorf("endpoint returned non-JSON body: %w", err)
	}

	return document, nil
}

func parseCondition(raw any) (*models.ConditionGroup, error) {
	if raw == nil {
		return nil, nil
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid condition: %w", err)
	}

	var group models.ConditionGroup
	if err := json.Unmarshal(encoded, &group); err != nil {
		return nil, fmt.Errorf("invalid condition: %w", err)
	}

	return &group, nil
}
