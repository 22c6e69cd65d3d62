package repository

import (
	"context"
	"time"

	"FolioPull/internal/domain/models"
)

// SourceAdapter fetches balance and positions from one venue.
// Implementations must honour ctx cancellation and return a
// *models.SourceFetchError on failure.
type SourceAdapter interface {
	ID() string
	Fetch(ctx context.Context) (*models.FetchResult, error)
}

// Sink receives merged snapshots. Write must persist the balance and the
// position portions of a snapshot atomically.
type Sink interface {
	Name() string
	Write(ctx context.Context, snap *models.MergedSnapshot) error
	Close() error
}

// EmissionStore persists the time of the last emission across restarts.
type EmissionStore interface {
	// LastEmission returns the stored time. ok is false when nothing was
	// stored. A stored value that cannot be parsed yields a
	// *models.PolicyEvaluationError.
	LastEmission(ctx context.Context) (t time.Time, ok bool, err error)
	RecordEmission(ctx context.Context, at time.Time) error
}

// SnapshotReader reads back archived snapshots.
type SnapshotReader interface {
	Recent(ctx context.Context, limit int) ([]*models.MergedSnapshot, error)
}

type Metrics interface {
	RecordFetch(source, result string, seconds float64)
	RecordSourceStaleness(source string, cycles int)
	RecordReadiness(ready bool)
	RecordEmission(netliq float64)
	RecordSinkWrite(sink, result string, seconds float64)
	RecordSinkQueue(sink string, depth int)
	RecordSinkDrop(sink string)
	RecordError(kind string)
}
