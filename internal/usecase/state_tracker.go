package usecase

import (
	"sort"
	"sync"
	"time"

	"FolioPull/internal/domain/models"
)

// staleAfterCycles is the number of consecutive failed cycles after which a
// source is reported as stale.
const staleAfterCycles = 2

// StateTracker holds the latest accepted state of every source.
// Only the aggregator loop writes to it; the lock lets the status API read.
type StateTracker struct {
	mu       sync.RWMutex
	expected []string
	states   map[string]models.SourceState
	failures map[string]int
	lastErr  map[string]string
}

func NewStateTracker(expected []string) *StateTracker {
	return &StateTracker{
		expected: append([]string(nil), expected...),
		states:   make(map[string]models.SourceState, len(expected)),
		failures: make(map[string]int, len(expected)),
		lastErr:  make(map[string]string, len(expected)),
	}
}

// Apply replaces the state of id with a fresh one built from res.
func (t *StateTracker) Apply(id string, res *models.FetchResult, at time.Time) models.SourceState {
	t.mu.Lock()
	defer t.mu.Unlock()

	var prev *models.SourceState
	if old, ok := t.states[id]; ok {
		prev = &old
	}
	st := models.NewSourceState(id, res, at, prev)
	t.states[id] = st
	t.failures[id] = 0
	delete(t.lastErr, id)
	return st
}

// RecordFailure counts one more failed cycle for id and returns the count.
// The stored state is left untouched.
func (t *StateTracker) RecordFailure(id string, err error) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failures[id]++
	if err != nil {
		t.lastErr[id] = err.Error()
	}
	return t.failures[id]
}

// Failures returns the consecutive failed cycles of id.
func (t *StateTracker) Failures(id string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.failures[id]
}

// Get returns the state of id.
func (t *StateTracker) Get(id string) (models.SourceState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[id]
	return st, ok
}

// Snapshot returns a copy of all recorded states.
func (t *StateTracker) Snapshot() map[string]models.SourceState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]models.SourceState, len(t.states))
	for id, st := range t.states {
		out[id] = st
	}
	return out
}

// Statuses lists every expected source, recorded or not, sorted by id.
func (t *StateTracker) Statuses() []models.SourceStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := append([]string(nil), t.expected...)
	sort.Strings(ids)

	out := make([]models.SourceStatus, 0, len(ids))
	for _, id := range ids {
		st, ok := t.states[id]
		if !ok {
			st = models.SourceState{SourceID: id}
		}
		out = append(out, models.SourceStatus{
			SourceState:         st,
			ConsecutiveFailures: t.failures[id],
			LastError:           t.lastErr[id],
			Stale:               t.failures[id] >= staleAfterCycles,
			Recorded:            ok,
		})
	}
	return out
}
