package usecase

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"FolioPull/internal/domain/models"
)

// Decision is the outcome of one readiness evaluation.
type Decision struct {
	Ready   bool      `json:"ready"`
	Reason  string    `json:"reason"`
	Missing []string  `json:"missing,omitempty"`
	Stale   []string  `json:"stale,omitempty"`
	Forced  bool      `json:"forced,omitempty"`
	At      time.Time `json:"evaluated_at"`
}

const (
	reasonReady        = "ready"
	reasonIncomplete   = "waiting for sources"
	reasonUnexpected   = "unexpected source recorded"
	reasonInterval     = "aggregation interval not elapsed"
	reasonRefresh      = "waiting for refresh since last emission"
	reasonBeforeCutoff = "before day cutoff"
	reasonEmittedToday = "already emitted today"
	reasonEmittedDay   = "already emitted for latest business day"
	reasonStaleReports = "waiting for current-day reports"
	reasonGrace        = "grace period elapsed"
)

// ReadinessPolicy decides whether the current source states may be emitted.
// It performs no I/O.
type ReadinessPolicy struct {
	cfg      models.AggregationConfig
	expected map[string]struct{}
}

func NewReadinessPolicy(cfg models.AggregationConfig) *ReadinessPolicy {
	expected := make(map[string]struct{}, len(cfg.ExpectedSources))
	for _, id := range cfg.ExpectedSources {
		expected[id] = struct{}{}
	}
	return &ReadinessPolicy{cfg: cfg, expected: expected}
}

// Evaluate checks completeness and then the interval or calendar-day gate.
// lastEmission is nil when nothing has been emitted yet.
func (p *ReadinessPolicy) Evaluate(states map[string]models.SourceState, now time.Time, lastEmission *time.Time) Decision {
	d := Decision{At: now}

	for _, id := range p.cfg.ExpectedSources {
		if _, ok := states[id]; !ok {
			d.Missing = append(d.Missing, id)
		}
	}
	if len(d.Missing) > 0 {
		sort.Strings(d.Missing)
		d.Reason = reasonIncomplete
		return d
	}
	for id := range states {
		if _, ok := p.expected[id]; !ok {
			d.Reason = fmt.Sprintf("%s: %s", reasonUnexpected, id)
			return d
		}
	}

	if p.cfg.CalendarMode() {
		return p.evaluateCalendarDay(d, states, now, lastEmission)
	}
	return p.evaluateInterval(d, states, now, lastEmission)
}

// evaluateInterval measures the interval from the start of the current
// accumulation window: the previous emission, or the oldest first fetch
// when nothing was emitted yet.
func (p *ReadinessPolicy) evaluateInterval(d Decision, states map[string]models.SourceState, now time.Time, lastEmission *time.Time) Decision {
	var anchor time.Time
	if lastEmission != nil {
		anchor = *lastEmission
		for id, st := range states {
			if !st.LastFetchTime.After(anchor) {
				d.Stale = append(d.Stale, id)
			}
		}
		if len(d.Stale) > 0 {
			sort.Strings(d.Stale)
			d.Reason = reasonRefresh
			return d
		}
	} else {
		for _, st := range states {
			first := st.FirstFetchTime
			if first.IsZero() {
				first = st.LastFetchTime
			}
			if anchor.IsZero() || first.Before(anchor) {
				anchor = first
			}
		}
	}

	if now.Sub(anchor) < p.cfg.Interval {
		d.Reason = reasonInterval
		return d
	}
	d.Ready = true
	d.Reason = reasonReady
	return d
}

func (p *ReadinessPolicy) evaluateCalendarDay(d Decision, states map[string]models.SourceState, now time.Time, lastEmission *time.Time) Decision {
	loc := p.cfg.Location()
	local := now.In(loc)
	cutoff := startOfDay(local).Add(time.Duration(p.cfg.DayBoundary.CutoffHour) * time.Hour)

	if local.Before(cutoff) {
		d.Reason = reasonBeforeCutoff
		return d
	}
	if lastEmission != nil && sameDay(lastEmission.In(loc), local) {
		d.Reason = reasonEmittedToday
		return d
	}

	today := startOfDay(local)
	earliest := today
	if cal := p.cfg.DayBoundary.Calendar; cal != nil {
		earliest = cal.LatestBusinessDay(local)
	}
	// On non-business days the latest statement may already be out.
	if lastEmission != nil && !startOfDay(lastEmission.In(loc)).Before(earliest) {
		d.Reason = reasonEmittedDay
		return d
	}

	for id, st := range states {
		day := startOfDay(st.FreshnessTime().In(loc))
		if day.Before(earliest) || day.After(today) {
			d.Stale = append(d.Stale, id)
		}
	}
	if len(d.Stale) > 0 {
		sort.Strings(d.Stale)
		grace := p.cfg.DayBoundary.GracePeriod
		if grace > 0 && !local.Before(cutoff.Add(grace)) {
			d.Ready = true
			d.Forced = true
			d.Reason = fmt.Sprintf("%s, stale: %s", reasonGrace, strings.Join(d.Stale, ","))
			return d
		}
		d.Reason = reasonStaleReports
		return d
	}

	d.Ready = true
	d.Reason = reasonReady
	return d
}
