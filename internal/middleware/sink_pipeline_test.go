package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"FolioPull/internal/domain/models"
	applogger "FolioPull/pkg/logger"
	"FolioPull/pkg/retry"

	"github.com/google/uuid"
)

type nopMetrics struct {
	mu     sync.Mutex
	drops  int
	writes map[string]int
}

func (m *nopMetrics) RecordFetch(string, string, float64)   {}
func (m *nopMetrics) RecordSourceStaleness(string, int)     {}
func (m *nopMetrics) RecordReadiness(bool)                  {}
func (m *nopMetrics) RecordEmission(float64)                {}
func (m *nopMetrics) RecordSinkQueue(string, int)           {}
func (m *nopMetrics) RecordError(string)                    {}
func (m *nopMetrics) RecordSinkDrop(string)                 { m.mu.Lock(); m.drops++; m.mu.Unlock() }
func (m *nopMetrics) RecordSinkWrite(_ string, result string, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writes == nil {
		m.writes = map[string]int{}
	}
	m.writes[result]++
}

type recordingSink struct {
	mu      sync.Mutex
	name    string
	fail    int
	block   chan struct{}
	written []*models.MergedSnapshot
	calls   int
}

func (s *recordingSink) Name() string { return s.name }
func (s *recordingSink) Close() error { return nil }
func (s *recordingSink) Write(ctx context.Context, snap *models.MergedSnapshot) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.fail {
		return errors.New("unavailable")
	}
	s.written = append(s.written, snap)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

func snap() *models.MergedSnapshot { return &models.MergedSnapshot{ID: uuid.New()} }

func fastRetry(n int) retry.Policy {
	return retry.New(retry.WithMaxAttempts(n), retry.WithBackoff(time.Millisecond, time.Millisecond))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestPipelineDeliversInOrder(t *testing.T) {
	sink := &recordingSink{name: "mem"}
	p := NewSinkPipeline(sink, &nopMetrics{}, applogger.Nop(), WithRetryPolicy(fastRetry(1)))
	p.Start()

	s1, s2, s3 := snap(), snap(), snap()
	for _, s := range []*models.MergedSnapshot{s1, s2, s3} {
		if !p.Enqueue(s) {
			t.Fatalf("enqueue rejected")
		}
	}
	waitFor(t, func() bool { return sink.count() == 3 })
	if sink.written[0] != s1 || sink.written[2] != s3 {
		t.Fatalf("snapshots out of order")
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestPipelineRetriesThenContinues(t *testing.T) {
	sink := &recordingSink{name: "flaky", fail: 2}
	m := &nopMetrics{}
	p := NewSinkPipeline(sink, m, applogger.Nop(), WithRetryPolicy(fastRetry(2)))
	p.Start()

	p.Enqueue(snap()) // both attempts fail
	p.Enqueue(snap()) // succeeds
	waitFor(t, func() bool { return sink.count() == 1 })
	_ = p.Stop(context.Background())

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writes["error"] != 1 || m.writes["ok"] != 1 {
		t.Fatalf("unexpected write results %v", m.writes)
	}
}

func TestPipelineEnqueueNeverBlocks(t *testing.T) {
	sink := &recordingSink{name: "stalled", block: make(chan struct{})}
	p := NewSinkPipeline(sink, &nopMetrics{}, applogger.Nop(), WithRetryPolicy(fastRetry(1)))
	p.Start()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			p.Enqueue(snap())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("enqueue blocked on a stalled sink")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Stop(ctx); err == nil {
		t.Fatalf("expected drain to be interrupted")
	}
}

func TestPipelineMaxPendingDropsOldest(t *testing.T) {
	sink := &recordingSink{name: "bounded", block: make(chan struct{})}
	m := &nopMetrics{}
	p := NewSinkPipeline(sink, m, applogger.Nop(), WithMaxPending(2), WithRetryPolicy(fastRetry(1)))

	// not started: everything stays queued
	for i := 0; i < 5; i++ {
		p.Enqueue(snap())
	}
	st := p.Stats()
	if st.Pending != 2 || st.Dropped != 3 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if m.drops != 3 {
		t.Fatalf("expected 3 drop metrics, got %d", m.drops)
	}
}

func TestQueueCloseDrains(t *testing.T) {
	q := NewQueue[int](0)
	q.Push(1)
	q.Push(2)
	q.Close()
	if ok, _ := q.Push(3); ok {
		t.Fatalf("push after close should fail")
	}
	if v, ok := q.Pop(); !ok || v != 1 {
		t.Fatalf("expected 1, got %v %v", v, ok)
	}
	if v, ok := q.Pop(); !ok || v != 2 {
		t.Fatalf("expected 2, got %v %v", v, ok)
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("expected closed and empty")
	}
}
