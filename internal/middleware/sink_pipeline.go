package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"FolioPull/internal/domain/models"
	domrepo "FolioPull/internal/domain/repository"
	applogger "FolioPull/pkg/logger"
	"FolioPull/pkg/retry"
)

// SinkPipeline sits between the aggregator and one sink. Enqueue never
// blocks; a dedicated worker drains the queue into the sink, retrying each
// write and moving on when retries are exhausted.
type SinkPipeline struct {
	sink         domrepo.Sink
	metrics      domrepo.Metrics
	logger       *applogger.Logger
	queue        *Queue[*models.MergedSnapshot]
	policy       retry.Policy
	writeTimeout time.Duration
	maxPending   int

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

type PipelineOption func(*SinkPipeline)

// WithMaxPending caps the queue; the oldest snapshot is dropped when full.
// Zero keeps the queue unbounded.
func WithMaxPending(n int) PipelineOption {
	return func(p *SinkPipeline) {
		if n >= 0 {
			p.maxPending = n
		}
	}
}

// WithWriteTimeout bounds each individual write attempt.
func WithWriteTimeout(d time.Duration) PipelineOption {
	return func(p *SinkPipeline) {
		if d > 0 {
			p.writeTimeout = d
		}
	}
}

// WithRetryPolicy sets the retry policy for writes.
func WithRetryPolicy(policy retry.Policy) PipelineOption {
	return func(p *SinkPipeline) { p.policy = policy }
}

func NewSinkPipeline(sink domrepo.Sink, metrics domrepo.Metrics, logger *applogger.Logger, opts ...PipelineOption) *SinkPipeline {
	p := &SinkPipeline{
		sink:         sink,
		metrics:      metrics,
		logger:       logger.With(applogger.String("sink", sink.Name())),
		policy:       retry.New(retry.WithMaxAttempts(3), retry.WithBackoff(500*time.Millisecond, 10*time.Second)),
		writeTimeout: 30 * time.Second,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.queue = NewQueue[*models.MergedSnapshot](p.maxPending)
	return p
}

// Name returns the sink name.
func (p *SinkPipeline) Name() string { return p.sink.Name() }

// Start launches the worker.
func (p *SinkPipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	go p.run()
}

// Enqueue hands a snapshot to the worker without blocking.
func (p *SinkPipeline) Enqueue(snap *models.MergedSnapshot) bool {
	ok, evicted := p.queue.Push(snap)
	if !ok {
		p.metrics.RecordError("sink_closed_" + p.sink.Name())
		return false
	}
	if evicted {
		p.metrics.RecordSinkDrop(p.sink.Name())
		p.logger.Warn("sink queue full, dropped oldest snapshot", applogger.Int("max_pending", p.maxPending))
	}
	p.metrics.RecordSinkQueue(p.sink.Name(), p.queue.Len())
	return true
}

// Stats returns queue counters.
func (p *SinkPipeline) Stats() QueueStats { return p.queue.Stats() }

func (p *SinkPipeline) run() {
	defer close(p.done)
	for {
		snap, ok := p.queue.Pop()
		if !ok {
			return
		}
		p.metrics.RecordSinkQueue(p.sink.Name(), p.queue.Len())
		p.write(snap)
	}
}

func (p *SinkPipeline) write(snap *models.MergedSnapshot) {
	start := time.Now()
	err := p.policy.Do(p.ctx, func(ctx context.Context) error {
		wctx, cancel := context.WithTimeout(ctx, p.writeTimeout)
		defer cancel()
		return p.sink.Write(wctx, snap)
	})
	if err != nil {
		werr := &models.SinkWriteError{Sink: p.sink.Name(), SnapshotID: snap.ID.String(), Err: err}
		p.metrics.RecordSinkWrite(p.sink.Name(), "error", time.Since(start).Seconds())
		p.logger.Error("sink write failed", applogger.String("snapshot_id", snap.ID.String()), applogger.Error(werr))
		return
	}
	p.metrics.RecordSinkWrite(p.sink.Name(), "ok", time.Since(start).Seconds())
	p.logger.Debug("sink write ok",
		applogger.String("snapshot_id", snap.ID.String()),
		applogger.Duration("duration_ms", time.Since(start)),
	)
}

// Stop closes intake and lets the worker drain until ctx is done. Snapshots
// still queued at the deadline are discarded and in-flight writes cancelled.
// The sink is closed in both cases.
func (p *SinkPipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	started := p.started
	p.started = false
	p.mu.Unlock()

	p.queue.Close()
	if !started {
		return p.closeSink()
	}

	var drainErr error
	select {
	case <-p.done:
	case <-ctx.Done():
		n := p.queue.Discard()
		drainErr = fmt.Errorf("sink %s: drain interrupted, %d snapshots discarded: %w", p.sink.Name(), n, ctx.Err())
	}
	p.cancel()
	return errors.Join(drainErr, p.closeSink())
}

func (p *SinkPipeline) closeSink() error {
	if err := p.sink.Close(); err != nil {
		return fmt.Errorf("close sink %s: %w", p.sink.Name(), err)
	}
	return nil
}
