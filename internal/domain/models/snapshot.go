package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DateLayout is the emission date format used in payloads and the emission store.
const DateLayout = "2006-01-02 15:04:05"

// Reserved payload keys. A source id may not collide with them.
const (
	PayloadKeyDate      = "date"
	PayloadKeyNetLiq    = "netliq"
	PayloadKeyPositions = "positions"
)

// TaggedPosition is a position carrying the id of the source it came from.
type TaggedPosition struct {
	SourceID string `json:"source_id"`
	PositionEntry
}

// MergedSnapshot is one globally consistent emission. It is never mutated
// after the aggregator builds it and is shared by pointer with every sink.
type MergedSnapshot struct {
	ID        uuid.UUID                  `json:"id"`
	Date      time.Time                  `json:"date"`
	NetLiq    decimal.Decimal            `json:"netliq"`
	Balances  map[string]decimal.Decimal `json:"balances"`
	Positions []TaggedPosition           `json:"positions"`
}

// SourceIDs returns the snapshot's source ids in sorted order.
func (s *MergedSnapshot) SourceIDs() []string {
	ids := make([]string, 0, len(s.Balances))
	for id := range s.Balances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PositionColumns is the struct-of-arrays position layout of a payload.
type PositionColumns struct {
	Date           []string  `json:"date"`
	Exchange       []string  `json:"exchange"`
	Symbol         []string  `json:"symbol"`
	Multiplier     []int64   `json:"multiplier"`
	Quantity       []float64 `json:"quantity"`
	DollarQuantity []float64 `json:"dollarQuantity"`
}

// Len is the number of position rows.
func (p PositionColumns) Len() int { return len(p.Symbol) }

// SinkPayload is the logical record delivered to sinks:
//
//	{date, netliq, <source_id>: number, positions: {...}}
type SinkPayload struct {
	Date      string
	NetLiq    float64
	Balances  map[string]float64
	Positions PositionColumns
}

// ToPayload renders the snapshot with its date formatted in loc.
func (s *MergedSnapshot) ToPayload(loc *time.Location) SinkPayload {
	if loc == nil {
		loc = time.UTC
	}
	date := s.Date.In(loc).Format(DateLayout)

	p := SinkPayload{
		Date:     date,
		NetLiq:   s.NetLiq.InexactFloat64(),
		Balances: make(map[string]float64, len(s.Balances)),
	}
	for id, bal := range s.Balances {
		p.Balances[id] = bal.InexactFloat64()
	}

	n := len(s.Positions)
	p.Positions = PositionColumns{
		Date:           make([]string, 0, n),
		Exchange:       make([]string, 0, n),
		Symbol:         make([]string, 0, n),
		Multiplier:     make([]int64, 0, n),
		Quantity:       make([]float64, 0, n),
		DollarQuantity: make([]float64, 0, n),
	}
	for _, pos := range s.Positions {
		p.Positions.Date = append(p.Positions.Date, date)
		p.Positions.Exchange = append(p.Positions.Exchange, pos.SourceID)
		p.Positions.Symbol = append(p.Positions.Symbol, pos.Symbol)
		p.Positions.Multiplier = append(p.Positions.Multiplier, pos.Multiplier)
		p.Positions.Quantity = append(p.Positions.Quantity, pos.Quantity.InexactFloat64())
		p.Positions.DollarQuantity = append(p.Positions.DollarQuantity, pos.DollarQuantity.InexactFloat64())
	}
	return p
}

// MarshalJSON flattens per-source balances into top-level keys.
func (p SinkPayload) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(p.Balances)+3)
	for id, bal := range p.Balances {
		out[id] = bal
	}
	out[PayloadKeyDate] = p.Date
	out[PayloadKeyNetLiq] = p.NetLiq
	out[PayloadKeyPositions] = p.Positions
	return json.Marshal(out)
}

// UnmarshalJSON reads a flattened payload back. Every numeric top-level key
// other than netliq is taken as a source balance.
func (p *SinkPayload) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	*p = SinkPayload{Balances: make(map[string]float64)}
	for key, val := range raw {
		switch key {
		case PayloadKeyDate:
			if err := json.Unmarshal(val, &p.Date); err != nil {
				return fmt.Errorf("payload date: %w", err)
			}
		case PayloadKeyNetLiq:
			if err := json.Unmarshal(val, &p.NetLiq); err != nil {
				return fmt.Errorf("payload netliq: %w", err)
			}
		case PayloadKeyPositions:
			if err := json.Unmarshal(val, &p.Positions); err != nil {
				return fmt.Errorf("payload positions: %w", err)
			}
		default:
			var bal float64
			if err := json.Unmarshal(val, &bal); err != nil {
				return fmt.Errorf("payload balance %q: %w", key, err)
			}
			p.Balances[key] = bal
		}
	}
	if p.Date == "" {
		return fmt.Errorf("payload date missing")
	}
	return nil
}

// ToSnapshot rebuilds a snapshot from a payload, parsing its date in loc.
// The snapshot gets a fresh id.
func (p SinkPayload) ToSnapshot(loc *time.Location) (*MergedSnapshot, error) {
	if loc == nil {
		loc = time.UTC
	}
	date, err := time.ParseInLocation(DateLayout, p.Date, loc)
	if err != nil {
		return nil, fmt.Errorf("payload date %q: %w", p.Date, err)
	}
	cols := p.Positions
	n := cols.Len()
	if len(cols.Exchange) != n || len(cols.Multiplier) != n || len(cols.Quantity) != n || len(cols.DollarQuantity) != n {
		return nil, fmt.Errorf("payload positions: column lengths differ")
	}

	snap := &MergedSnapshot{
		ID:        uuid.New(),
		Date:      date,
		NetLiq:    decimal.NewFromFloat(p.NetLiq),
		Balances:  make(map[string]decimal.Decimal, len(p.Balances)),
		Positions: make([]TaggedPosition, 0, n),
	}
	for id, bal := range p.Balances {
		snap.Balances[id] = decimal.NewFromFloat(bal)
	}
	for i := 0; i < n; i++ {
		snap.Positions = append(snap.Positions, TaggedPosition{
			SourceID: cols.Exchange[i],
			PositionEntry: PositionEntry{
				Symbol:         cols.Symbol[i],
				Multiplier:     cols.Multiplier[i],
				Quantity:       decimal.NewFromFloat(cols.Quantity[i]),
				DollarQuantity: decimal.NewFromFloat(cols.DollarQuantity[i]),
			},
		})
	}
	return snap, nil
}
