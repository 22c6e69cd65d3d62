package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionEntry is one holding reported by a venue.
type PositionEntry struct {
	Symbol         string          `json:"symbol"`
	Multiplier     int64           `json:"multiplier"`
	Quantity       decimal.Decimal `json:"quantity"`
	DollarQuantity decimal.Decimal `json:"dollar_quantity"`
}

// FetchResult is what a source adapter hands back on a successful fetch.
type FetchResult struct {
	Balance   decimal.Decimal
	Positions []PositionEntry
	// ReportTimestamp is the venue's own assertion of when the data was
	// produced. Nil for live venues.
	ReportTimestamp *time.Time
}

// SourceState is the latest accepted update of one source.
// It is replaced wholesale on every successful fetch.
type SourceState struct {
	SourceID        string          `json:"source_id"`
	Balance         decimal.Decimal `json:"balance"`
	Positions       []PositionEntry `json:"positions"`
	LastFetchTime   time.Time       `json:"last_fetch_time"`
	ReportTimestamp *time.Time      `json:"report_timestamp,omitempty"`
	FirstFetchTime  time.Time       `json:"first_fetch_time"`
}

// NewSourceState builds the state for a successful fetch at the given time.
// prev may be nil when the source reports for the first time.
func NewSourceState(sourceID string, res *FetchResult, fetchedAt time.Time, prev *SourceState) SourceState {
	positions := make([]PositionEntry, len(res.Positions))
	copy(positions, res.Positions)

	var report *time.Time
	if res.ReportTimestamp != nil {
		ts := *res.ReportTimestamp
		report = &ts
	}

	first := fetchedAt
	if prev != nil && !prev.FirstFetchTime.IsZero() {
		first = prev.FirstFetchTime
	}

	return SourceState{
		SourceID:        sourceID,
		Balance:         res.Balance,
		Positions:       positions,
		LastFetchTime:   fetchedAt,
		ReportTimestamp: report,
		FirstFetchTime:  first,
	}
}

// FreshnessTime is the instant the readiness check uses to date the
// source: the venue report time when present, else the local fetch time.
func (s SourceState) FreshnessTime() time.Time {
	if s.ReportTimestamp != nil {
		return *s.ReportTimestamp
	}
	return s.LastFetchTime
}

// SourceStatus is the read model exposed by the status API.
type SourceStatus struct {
	SourceState
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastError           string `json:"last_error,omitempty"`
	Stale               bool   `json:"stale"`
	Recorded            bool   `json:"recorded"`
}
