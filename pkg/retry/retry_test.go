package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestDoSucceedsAfterRetries(t *testing.T) {
	p := New(WithMaxAttempts(4), WithBackoff(time.Millisecond, 2*time.Millisecond))
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoExhausted(t *testing.T) {
	p := New(WithMaxAttempts(2), WithBackoff(time.Millisecond, time.Millisecond))
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errBoom
	})
	if !errors.Is(err, ErrExhausted) || !errors.Is(err, errBoom) {
		t.Fatalf("expected exhausted wrapping boom, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("auth")
	p := New(
		WithMaxAttempts(5),
		WithBackoff(time.Millisecond, time.Millisecond),
		WithRetryable(func(err error) bool { return !errors.Is(err, fatal) }),
	)
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestDoHonoursContext(t *testing.T) {
	p := New(WithMaxAttempts(10), WithBackoff(time.Hour, time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := p.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errBoom
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestBackoffCapped(t *testing.T) {
	p := New(WithBackoff(10*time.Millisecond, 40*time.Millisecond), WithJitter(0))
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 40 * time.Millisecond}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	p := New(WithBackoff(100*time.Millisecond, 100*time.Millisecond), WithJitter(0.5))
	for i := 0; i < 50; i++ {
		d := p.Backoff(1)
		if d <= 50*time.Millisecond || d > 100*time.Millisecond {
			t.Fatalf("delay out of bounds: %v", d)
		}
	}
}
