package venues

import (
	"context"
	"errors"
	"time"

	"FolioPull/internal/domain/models"
	drepo "FolioPull/internal/domain/repository"
	"FolioPull/pkg/cache"
)

// Cached serves the last successful result of an adapter for ttl. Venues
// that regenerate reports slowly (IB Flex) are otherwise hit every tick.
type Cached struct {
	inner drepo.SourceAdapter
	ttl   time.Duration
	store *cache.MemoryCache
}

func NewCached(inner drepo.SourceAdapter, ttl time.Duration, clock func() time.Time) *Cached {
	if clock == nil {
		clock = time.Now
	}
	return &Cached{
		inner: inner,
		ttl:   ttl,
		store: cache.NewMemoryCache(cache.WithMemoryMaxSize(1), cache.WithMemoryClock(clock)),
	}
}

func (c *Cached) ID() string { return c.inner.ID() }

func (c *Cached) Fetch(ctx context.Context) (*models.FetchResult, error) {
	key := cache.Key("fetch", c.inner.ID())
	var res *models.FetchResult
	err := c.store.Get(ctx, key, &res)
	if err == nil && res != nil {
		return res, nil
	}
	if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		return nil, models.ClassifyFetchError(c.ID(), err)
	}

	res, err = c.inner.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	_ = c.store.Set(ctx, key, res, c.ttl)
	return res, nil
}

// Close stops the cache janitor.
func (c *Cached) Close() error {
	return c.store.Close()
}
