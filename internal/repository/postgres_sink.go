package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"FolioPull/internal/domain/models"
	domrepo "FolioPull/internal/domain/repository"
	applogger "FolioPull/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ domrepo.Sink = (*PostgresSink)(nil)

const pgPositionTable = "portfolio_positions"

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS portfolio_balances (
        snapshot_id UUID PRIMARY KEY,
        date        TIMESTAMPTZ NOT NULL,
        netliq      NUMERIC NOT NULL,
        balances    JSONB NOT NULL
    )`,
	`CREATE TABLE IF NOT EXISTS portfolio_positions (
        snapshot_id     UUID NOT NULL REFERENCES portfolio_balances (snapshot_id) ON DELETE CASCADE,
        date            TIMESTAMPTZ NOT NULL,
        exchange        TEXT NOT NULL,
        symbol          TEXT NOT NULL,
        multiplier      BIGINT NOT NULL,
        quantity        NUMERIC NOT NULL,
        dollar_quantity NUMERIC NOT NULL
    )`,
	`CREATE INDEX IF NOT EXISTS portfolio_positions_date_idx ON portfolio_positions (date)`,
}

// PostgresSink stores the balance row and its position rows in one
// transaction.
type PostgresSink struct {
	pool *pgxpool.Pool
	l    *applogger.Logger
}

func NewPostgresSink(pool *pgxpool.Pool, l *applogger.Logger) *PostgresSink {
	return &PostgresSink{pool: pool, l: l}
}

// InitSchema creates the tables if they do not exist.
func (s *PostgresSink) InitSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresSink) Write(ctx context.Context, snap *models.MergedSnapshot) error {
	balances, err := json.Marshal(snap.Balances)
	if err != nil {
		return fmt.Errorf("encode balances: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// a redelivered snapshot replaces its earlier copy
	if _, err := tx.Exec(ctx, `DELETE FROM portfolio_balances WHERE snapshot_id = $1`, snap.ID); err != nil {
		return fmt.Errorf("postgres delete previous: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO portfolio_balances (snapshot_id, date, netliq, balances) VALUES ($1, $2, $3, $4)`,
		snap.ID, snap.Date, snap.NetLiq, balances,
	); err != nil {
		return fmt.Errorf("postgres insert balance: %w", err)
	}

	if len(snap.Positions) > 0 {
		rows := make([][]any, 0, len(snap.Positions))
		for _, p := range snap.Positions {
			rows = append(rows, []any{snap.ID, snap.Date, p.SourceID, p.Symbol, p.Multiplier, p.Quantity, p.DollarQuantity})
		}
		n, err := tx.CopyFrom(ctx,
			pgx.Identifier{pgPositionTable},
			[]string{"snapshot_id", "date", "exchange", "symbol", "multiplier", "quantity", "dollar_quantity"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("postgres copy positions: %w", err)
		}
		if int(n) != len(rows) {
			return fmt.Errorf("postgres copy positions: wrote %d of %d rows", n, len(rows))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres commit: %w", err)
	}
	if s.l != nil {
		s.l.Debug("postgres snapshot stored",
			applogger.String("snapshot_id", snap.ID.String()),
			applogger.Int("positions", len(snap.Positions)),
			applogger.Time("date", snap.Date.Truncate(time.Second)),
		)
	}
	return nil
}
