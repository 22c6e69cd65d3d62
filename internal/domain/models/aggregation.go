package models

import (
	"sort"
	"time"
)

// CalendarDay is the aggregation interval that switches the readiness policy
// into calendar-day mode. Configured as 86400 seconds.
const CalendarDay = 24 * time.Hour

// BusinessCalendar answers which days count as trading days.
type BusinessCalendar interface {
	IsBusinessDay(day time.Time) bool
	// LatestBusinessDay returns the midnight of the most recent business day
	// on or before day, in day's location.
	LatestBusinessDay(day time.Time) time.Time
}

// DayBoundary configures calendar-day mode.
type DayBoundary struct {
	CutoffHour int
	Location   *time.Location
	// Calendar is optional. Without it every calendar day counts.
	Calendar BusinessCalendar
	// GracePeriod, when positive, lets a complete but stale set of sources be
	// emitted once this long after the cutoff has passed.
	GracePeriod time.Duration
}

// AggregationConfig is the injected configuration of the aggregator.
type AggregationConfig struct {
	ExpectedSources []string
	Interval        time.Duration
	DayBoundary     DayBoundary
}

// CalendarMode reports whether the calendar-day sentinel is configured.
func (c AggregationConfig) CalendarMode() bool {
	return c.Interval == CalendarDay
}

// Location returns the day-boundary timezone, UTC when unset.
func (c AggregationConfig) Location() *time.Location {
	if c.DayBoundary.Location == nil {
		return time.UTC
	}
	return c.DayBoundary.Location
}

// Validate checks the config and returns a *ConfigError on failure.
func (c AggregationConfig) Validate() error {
	if len(c.ExpectedSources) == 0 {
		return &ConfigError{Field: "aggregator.expected_sources", Reason: "must not be empty"}
	}
	seen := make(map[string]struct{}, len(c.ExpectedSources))
	for _, id := range c.ExpectedSources {
		switch id {
		case "":
			return &ConfigError{Field: "aggregator.expected_sources", Reason: "empty source id"}
		case PayloadKeyDate, PayloadKeyNetLiq, PayloadKeyPositions:
			return &ConfigError{Field: "aggregator.expected_sources", Reason: "source id " + id + " is reserved"}
		}
		if _, dup := seen[id]; dup {
			return &ConfigError{Field: "aggregator.expected_sources", Reason: "duplicate source id " + id}
		}
		seen[id] = struct{}{}
	}
	if c.Interval <= 0 {
		return &ConfigError{Field: "aggregator.aggregation_interval_seconds", Reason: "must be positive"}
	}
	if c.CalendarMode() {
		if c.DayBoundary.CutoffHour < 0 || c.DayBoundary.CutoffHour > 23 {
			return &ConfigError{Field: "aggregator.day_boundary.cutoff_hour", Reason: "must be within 0..23"}
		}
		if c.DayBoundary.GracePeriod < 0 {
			return &ConfigError{Field: "aggregator.day_boundary.grace_period", Reason: "must not be negative"}
		}
	}
	return nil
}

// SortedExpected returns a sorted copy of the expected source ids.
func (c AggregationConfig) SortedExpected() []string {
	ids := append([]string(nil), c.ExpectedSources...)
	sort.Strings(ids)
	return ids
}
