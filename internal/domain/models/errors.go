package models

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// FetchErrorKind classifies why a source fetch failed.
type FetchErrorKind string

const (
	FetchAuth      FetchErrorKind = "auth"
	FetchRateLimit FetchErrorKind = "rate_limit"
	FetchNetwork   FetchErrorKind = "network"
	FetchTimeout   FetchErrorKind = "timeout"
	FetchMalformed FetchErrorKind = "malformed"
)

// SourceFetchError is returned by source adapters. The aggregator logs it and
// keeps the previous state of the source.
type SourceFetchError struct {
	Source string
	Kind   FetchErrorKind
	Err    error
}

func (e *SourceFetchError) Error() string {
	return fmt.Sprintf("fetch %s (%s): %v", e.Source, e.Kind, e.Err)
}

func (e *SourceFetchError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed.
func (e *SourceFetchError) Retryable() bool {
	switch e.Kind {
	case FetchRateLimit, FetchNetwork, FetchTimeout:
		return true
	default:
		return false
	}
}

// NewFetchError wraps err for source with the given kind.
func NewFetchError(source string, kind FetchErrorKind, err error) *SourceFetchError {
	return &SourceFetchError{Source: source, Kind: kind, Err: err}
}

// ClassifyFetchError wraps an arbitrary error, inferring its kind.
// Errors that already are a SourceFetchError are returned unchanged.
func ClassifyFetchError(source string, err error) error {
	if err == nil {
		return nil
	}
	var fe *SourceFetchError
	if errors.As(err, &fe) {
		return err
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewFetchError(source, FetchTimeout, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return NewFetchError(source, FetchTimeout, err)
	case errors.As(err, &netErr):
		return NewFetchError(source, FetchNetwork, err)
	default:
		return NewFetchError(source, FetchNetwork, err)
	}
}

// IsRetryableFetch is the retry predicate shared by adapters.
func IsRetryableFetch(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var fe *SourceFetchError
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return true
}

// FetchKind returns the kind of a fetch error, or "unknown".
func FetchKind(err error) string {
	var fe *SourceFetchError
	if errors.As(err, &fe) {
		return string(fe.Kind)
	}
	return "unknown"
}

// PolicyEvaluationError reports stored readiness inputs that could not be read.
// It is never fatal: a malformed previous emission date means "never emitted".
type PolicyEvaluationError struct {
	Input string
	Value string
	Err   error
}

func (e *PolicyEvaluationError) Error() string {
	return fmt.Sprintf("readiness input %s=%q: %v", e.Input, e.Value, e.Err)
}

func (e *PolicyEvaluationError) Unwrap() error { return e.Err }

// SinkWriteError is logged by the sink worker, which then moves on.
type SinkWriteError struct {
	Sink       string
	SnapshotID string
	Err        error
}

func (e *SinkWriteError) Error() string {
	return fmt.Sprintf("sink %s write snapshot %s: %v", e.Sink, e.SnapshotID, e.Err)
}

func (e *SinkWriteError) Unwrap() error { return e.Err }

// ConfigError is a fatal configuration problem detected at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// IsConfigError reports whether err is a fatal configuration error.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
