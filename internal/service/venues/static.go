package venues

import (
	"context"

	"FolioPull/internal/domain/models"
	drepo "FolioPull/internal/domain/repository"

	"github.com/shopspring/decimal"
)

// StaticOptions is a fixed holding, useful for accounts with no API such as
// a bank deposit.
type StaticOptions struct {
	Balance   float64
	Positions []StaticPosition
}

type StaticPosition struct {
	Symbol         string
	Multiplier     int64
	Quantity       float64
	DollarQuantity float64
}

// Static always reports the configured balance.
type Static struct {
	id  string
	res models.FetchResult
}

func newStaticFromSpec(spec SourceSpec, _ Deps) (drepo.SourceAdapter, error) {
	return NewStatic(spec.ID, spec.Static), nil
}

func NewStatic(id string, o StaticOptions) *Static {
	s := &Static{id: id, res: models.FetchResult{Balance: decimal.NewFromFloat(o.Balance)}}
	for _, p := range o.Positions {
		mult := p.Multiplier
		if mult == 0 {
			mult = 1
		}
		s.res.Positions = append(s.res.Positions, models.PositionEntry{
			Symbol:         p.Symbol,
			Multiplier:     mult,
			Quantity:       decimal.NewFromFloat(p.Quantity),
			DollarQuantity: decimal.NewFromFloat(p.DollarQuantity),
		})
	}
	return s
}

func (s *Static) ID() string { return s.id }

func (s *Static) Fetch(ctx context.Context) (*models.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.ClassifyFetchError(s.id, err)
	}
	res := s.res
	res.Positions = append([]models.PositionEntry(nil), s.res.Positions...)
	return &res, nil
}
