package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is returned when schedule validation fails.
var ErrInvalidSchedule = errors.New("invalid schedule configuration")

// ScheduleSpec describes when a scheduled trigger fires. Either a cron
// expression or a fixed interval must be set. Times are evaluated in the
// configured timezone, defaulting to UTC.
type ScheduleSpec struct {
	// CronExpression uses standard 5-field cron format (minute hour day month weekday).
	CronExpression string `json:"cron_expression,omitempty"`

	// IntervalSeconds fires on a fixed cadence instead of a cron expression.
	IntervalSeconds int `json:"interval_seconds,omitempty" validate:"gte=0"`

	// Timezone is an IANA zone name, e.g. "America/New_York".
	Timezone string `json:"timezone,omitempty"`

	// ExcludeWeekends suppresses firings that land on Saturday or Sunday in
	// the configured timezone.
	ExcludeWeekends bool `json:"exclude_weekends,omitempty"`
}

// ParseScheduleSpec builds a ScheduleSpec from a trigger's raw config map.
func ParseScheduleSpec(config map[string]any) (*ScheduleSpec, error) {
	spec := &ScheduleSpec{}

	if v, ok := config["cron_expression"].(string); ok {
		spec.CronExpression = v
	}

	if v, ok := config["interval_seconds"].(float64); ok {
		spec.IntervalSeconds = int(v)
	} else if v, ok := config["interval_seconds"].(int); ok {
		spec.IntervalSeconds = v
	}

	if v, ok := config["timezone"].(string); ok {
		spec.Timezone = v
	}

	if v, ok := config["exclude_weekends"].(bool); ok {
		spec.ExcludeWeekends = v
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}

	return spec, nil
}

// Validate checks that exactly one firing mode is configured and parseable.
func (s *ScheduleSpec) Validate() error {
	if s.CronExpression == "" && s.IntervalSeconds <= 0 {
		return ErrInvalidSchedule
	}

	if s.CronExpression != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(s.CronExpression); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	}

	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("invalid timezone: %w", err)
		}
	}

	return nil
}

// Location resolves the configured timezone, falling back to UTC.
func (s *ScheduleSpec) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}

	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}

	return loc
}

// NextFire computes the next firing time strictly after the reference time,
// skipping weekend slots when ExcludeWeekends is set.
func (s *ScheduleSpec) NextFire(after time.Time) (time.Time, error) {
	loc := s.Location()
	next := after.In(loc)

	// Bounded scan so a weekends-only cron with exclude_weekends cannot spin
	// forever.
	for range 400 {
		candidate, err := s.nextCandidate(next)
		if err != nil {
			return time.Time{}, err
		}

		if !s.ExcludeWeekends || !isWeekend(candidate.In(loc)) {
			return candidate, nil
		}

		next = candidate
	}

	return time.Time{}, ErrInvalidSchedule
}

// IsDue reports whether a firing scheduled for dueAt should happen at now.
// The check tolerates the monitor's tick granularity: anything due and not in
// the future counts.
func (s *ScheduleSpec) IsDue(dueAt, now time.Time) bool {
	if dueAt.After(now) {
		return false
	}

	if s.ExcludeWeekends && isWeekend(dueAt.In(s.Location())) {
		return false
	}

	return true
}

func (s *ScheduleSpec) nextCandidate(after time.Time) (time.Time, error) {
	if s.CronExpression != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

		cronSchedule, err := parser.Parse(s.CronExpression)
		if err != nil {
			return time.Time{}, err
		}

		return cronSchedule.Next(after), nil
	}

	return after.Add(time.Duration(s.IntervalSeconds) * time.Second), nil
}

func isWeekend(t time.Time) bool {
	return t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
}
