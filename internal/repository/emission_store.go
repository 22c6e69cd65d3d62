package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"FolioPull/internal/domain/models"
	domrepo "FolioPull/internal/domain/repository"
	"FolioPull/pkg/cache"
)

var _ domrepo.EmissionStore = (*EmissionStore)(nil)

const emissionKey = "emission:last"

// EmissionStore keeps the last emission time in the cache so a restart does
// not emit a second time for the same window.
type EmissionStore struct {
	cache cache.Service
	loc   *time.Location
}

// NewEmissionStore uses loc to read values written in the payload date layout.
func NewEmissionStore(c cache.Service, loc *time.Location) *EmissionStore {
	if loc == nil {
		loc = time.UTC
	}
	return &EmissionStore{cache: c, loc: loc}
}

func (s *EmissionStore) LastEmission(ctx context.Context) (time.Time, bool, error) {
	var raw string
	if err := s.cache.Get(ctx, emissionKey, &raw); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("read last emission: %w", err)
	}

	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, true, nil
	}
	t, err := time.ParseInLocation(models.DateLayout, raw, s.loc)
	if err != nil {
		return time.Time{}, false, &models.PolicyEvaluationError{Input: "last_emission", Value: raw, Err: err}
	}
	return t, true, nil
}

func (s *EmissionStore) RecordEmission(ctx context.Context, at time.Time) error {
	if err := s.cache.Set(ctx, emissionKey, at.Format(time.RFC3339Nano), 0); err != nil {
		return fmt.Errorf("store last emission: %w", err)
	}
	return nil
}
