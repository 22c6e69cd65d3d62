package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"FolioPull/internal/domain/models"
	domrepo "FolioPull/internal/domain/repository"
	pkgch "FolioPull/pkg/clickhouse"
	applogger "FolioPull/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	_ domrepo.Sink           = (*ClickHouseSink)(nil)
	_ domrepo.SnapshotReader = (*ClickHouseSink)(nil)
)

// ClickHouseSchema creates the snapshot table. Balances and positions live in
// one row so a single INSERT stores both.
func ClickHouseSchema(table string) []string {
	return []string{fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS %s (
            snapshot_id                UUID,
            date                       DateTime64(3, 'UTC'),
            netliq                     Float64,
            balances                   Map(String, Float64),
            positions_exchange         Array(String),
            positions_symbol           Array(String),
            positions_multiplier       Array(Int64),
            positions_quantity         Array(Float64),
            positions_dollar_quantity  Array(Float64)
        ) ENGINE = ReplacingMergeTree
        ORDER BY (date, snapshot_id)
    `, table)}
}

// ClickHouseSink archives snapshots in ClickHouse.
type ClickHouseSink struct {
	db    *sql.DB
	table string
	l     *applogger.Logger
}

func NewClickHouseSink(ch *pkgch.Client, table string, l *applogger.Logger) *ClickHouseSink {
	if table == "" {
		table = "portfolio_snapshots"
	}
	return &ClickHouseSink{db: ch.DB(), table: table, l: l}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

// Close is a no-op; the client is owned by the caller.
func (s *ClickHouseSink) Close() error { return nil }

func (s *ClickHouseSink) Write(ctx context.Context, snap *models.MergedSnapshot) error {
	start := time.Now()
	n := len(snap.Positions)
	var (
		exchange   = make([]string, 0, n)
		symbol     = make([]string, 0, n)
		multiplier = make([]int64, 0, n)
		quantity   = make([]float64, 0, n)
		dollars    = make([]float64, 0, n)
	)
	for _, p := range snap.Positions {
		exchange = append(exchange, p.SourceID)
		symbol = append(symbol, p.Symbol)
		multiplier = append(multiplier, p.Multiplier)
		quantity = append(quantity, p.Quantity.InexactFloat64())
		dollars = append(dollars, p.DollarQuantity.InexactFloat64())
	}
	balances := make(map[string]float64, len(snap.Balances))
	for id, b := range snap.Balances {
		balances[id] = b.InexactFloat64()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clickhouse begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s", s.table))
	if err != nil {
		return fmt.Errorf("clickhouse prepare: %w", err)
	}
	defer stmt.Close()

	if _, err := stmt.ExecContext(ctx,
		snap.ID, archiveDate(snap.Date), snap.NetLiq.InexactFloat64(), balances,
		exchange, symbol, multiplier, quantity, dollars,
	); err != nil {
		return fmt.Errorf("clickhouse append: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("clickhouse commit: %w", err)
	}

	if s.l != nil {
		s.l.Debug("clickhouse snapshot stored",
			applogger.String("table", s.table),
			applogger.String("snapshot_id", snap.ID.String()),
			applogger.Int("positions", n),
			applogger.Duration("duration_ms", time.Since(start)),
		)
	}
	return nil
}

// archiveDate matches the second precision of payload dates, so a snapshot
// stored directly and again from the topic shares one sorting key.
func archiveDate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// Recent returns the newest snapshots, newest first.
func (s *ClickHouseSink) Recent(ctx context.Context, limit int) ([]*models.MergedSnapshot, error) {
	if limit <= 0 {
		limit = 10
	}
	q := fmt.Sprintf(`
        SELECT snapshot_id, date, netliq, balances,
               positions_exchange, positions_symbol, positions_multiplier,
               positions_quantity, positions_dollar_quantity
        FROM %s FINAL
        ORDER BY date DESC
        LIMIT ?
    `, s.table)
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("recent snapshots: %w", err)
	}
	defer rows.Close()

	out := make([]*models.MergedSnapshot, 0, limit)
	for rows.Next() {
		var (
			id                uuid.UUID
			date              time.Time
			netliq            float64
			balances          map[string]float64
			exchange, symbol  []string
			multiplier        []int64
			quantity, dollars []float64
		)
		if err := rows.Scan(&id, &date, &netliq, &balances, &exchange, &symbol, &multiplier, &quantity, &dollars); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, rebuildSnapshot(id, date, netliq, balances, models.PositionColumns{
			Exchange: exchange, Symbol: symbol, Multiplier: multiplier,
			Quantity: quantity, DollarQuantity: dollars,
		}))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

// rebuildSnapshot reverses the columnar layout shared by the archive sinks.
// Columns shorter than Symbol are treated as missing values.
func rebuildSnapshot(id uuid.UUID, date time.Time, netliq float64, balances map[string]float64, cols models.PositionColumns) *models.MergedSnapshot {
	snap := &models.MergedSnapshot{
		ID:       id,
		Date:     date,
		NetLiq:   decimal.NewFromFloat(netliq),
		Balances: make(map[string]decimal.Decimal, len(balances)),
	}
	for k, v := range balances {
		snap.Balances[k] = decimal.NewFromFloat(v)
	}
	for i := range cols.Symbol {
		p := models.TaggedPosition{PositionEntry: models.PositionEntry{Symbol: cols.Symbol[i], Multiplier: 1}}
		if i < len(cols.Exchange) {
			p.SourceID = cols.Exchange[i]
		}
		if i < len(cols.Multiplier) {
			p.Multiplier = cols.Multiplier[i]
		}
		if i < len(cols.Quantity) {
			p.Quantity = decimal.NewFromFloat(cols.Quantity[i])
		}
		if i < len(cols.DollarQuantity) {
			p.DollarQuantity = decimal.NewFromFloat(cols.DollarQuantity[i])
		}
		snap.Positions = append(snap.Positions, p)
	}
	return snap
}
