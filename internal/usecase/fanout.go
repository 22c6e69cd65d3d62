package usecase

import (
	"context"
	"errors"
	"sync"

	"FolioPull/internal/domain/models"
	mid "FolioPull/internal/middleware"
	applogger "FolioPull/pkg/logger"
)

// FanOut delivers every emitted snapshot to each configured sink through its
// own pipeline. A slow or failing sink never delays the others.
type FanOut struct {
	pipes  []*mid.SinkPipeline
	logger *applogger.Logger
}

func NewFanOut(logger *applogger.Logger, pipes ...*mid.SinkPipeline) *FanOut {
	return &FanOut{pipes: pipes, logger: logger}
}

// Start launches every pipeline worker.
func (f *FanOut) Start() {
	for _, p := range f.pipes {
		p.Start()
	}
}

// Publish enqueues snap on every pipeline and returns how many accepted it.
func (f *FanOut) Publish(snap *models.MergedSnapshot) int {
	accepted := 0
	for _, p := range f.pipes {
		if p.Enqueue(snap) {
			accepted++
		}
	}
	return accepted
}

// Sinks returns the sink names in configuration order.
func (f *FanOut) Sinks() []string {
	names := make([]string, len(f.pipes))
	for i, p := range f.pipes {
		names[i] = p.Name()
	}
	return names
}

// Stats returns queue counters keyed by sink name.
func (f *FanOut) Stats() map[string]mid.QueueStats {
	out := make(map[string]mid.QueueStats, len(f.pipes))
	for _, p := range f.pipes {
		out[p.Name()] = p.Stats()
	}
	return out
}

// Close drains all pipelines in parallel until ctx is done.
func (f *FanOut) Close(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, p := range f.pipes {
		wg.Add(1)
		go func(p *mid.SinkPipeline) {
			defer wg.Done()
			if err := p.Stop(ctx); err != nil {
				f.logger.Warn("sink drain incomplete", applogger.String("sink", p.Name()), applogger.Error(err))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	return errors.Join(errs...)
}
