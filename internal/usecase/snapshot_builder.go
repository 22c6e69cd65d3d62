package usecase

import (
	"sort"
	"time"

	"FolioPull/internal/domain/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BuildSnapshot merges the given states into one snapshot dated at.
// NetLiq is the exact decimal sum of the balances. Positions are ordered by
// source id and keep each adapter's own order.
func BuildSnapshot(states map[string]models.SourceState, at time.Time) *models.MergedSnapshot {
	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	snap := &models.MergedSnapshot{
		ID:       uuid.New(),
		Date:     at,
		NetLiq:   decimal.Zero,
		Balances: make(map[string]decimal.Decimal, len(ids)),
	}
	for _, id := range ids {
		st := states[id]
		snap.Balances[id] = st.Balance
		snap.NetLiq = snap.NetLiq.Add(st.Balance)
		for _, pos := range st.Positions {
			snap.Positions = append(snap.Positions, models.TaggedPosition{SourceID: id, PositionEntry: pos})
		}
	}
	return snap
}
