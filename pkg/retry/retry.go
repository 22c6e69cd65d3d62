package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Option configures a Policy.
type Option func(*Policy)

// Policy describes how an operation is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the fraction (0..1) of each delay that may be randomly removed.
	Jitter float64
	// Retryable decides whether an error is worth another attempt. Nil retries everything.
	Retryable func(error) bool
	// OnRetry is called before sleeping between attempts.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// WithMaxAttempts sets the total number of attempts (first try included).
func WithMaxAttempts(n int) Option {
	return func(p *Policy) {
		if n > 0 {
			p.MaxAttempts = n
		}
	}
}

// WithBackoff sets the base and maximum delay.
func WithBackoff(base, max time.Duration) Option {
	return func(p *Policy) {
		p.BaseDelay = base
		p.MaxDelay = max
	}
}

// WithJitter sets the jitter fraction.
func WithJitter(fraction float64) Option {
	return func(p *Policy) {
		if fraction >= 0 && fraction <= 1 {
			p.Jitter = fraction
		}
	}
}

// WithRetryable sets the retryable predicate.
func WithRetryable(fn func(error) bool) Option {
	return func(p *Policy) {
		p.Retryable = fn
	}
}

// WithOnRetry sets a callback invoked before each backoff sleep.
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(p *Policy) {
		p.OnRetry = fn
	}
}

// New builds a Policy with defaults of 3 attempts, 200ms base and 5s max delay.
func New(opts ...Option) Policy {
	p := Policy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      0.5,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// run out or ctx is done.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		delay := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ctx.Err(), err)
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, err)
}

// Backoff returns the delay before the attempt following the given one.
// The delay doubles from BaseDelay, is capped at MaxDelay and then reduced
// by a random share of up to Jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	max := p.MaxDelay
	if max < base {
		max = base
	}
	if attempt < 1 {
		attempt = 1
	}

	exp := base
	for i := 1; i < attempt && exp < max; i++ {
		exp *= 2
	}
	if exp > max {
		exp = max
	}

	if p.Jitter > 0 {
		span := int64(float64(exp) * p.Jitter)
		if span > 0 {
			exp -= time.Duration(rand.Int63n(span))
		}
	}
	return exp
}
