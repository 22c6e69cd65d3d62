package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"FolioPull/internal/domain/models"
	domrepo "FolioPull/internal/domain/repository"

	"github.com/redis/go-redis/v9"
)

var _ domrepo.Sink = (*RedisSink)(nil)

// RedisSink publishes the latest snapshot under fixed keys and keeps a
// capped history list. All commands run in one MULTI/EXEC.
type RedisSink struct {
	client     redis.UniversalClient
	prefix     string
	historyLen int64
	loc        *time.Location
}

func NewRedisSink(client redis.UniversalClient, prefix string, historyLen int, loc *time.Location) *RedisSink {
	if prefix == "" {
		prefix = "foliopull"
	}
	if historyLen <= 0 {
		historyLen = 100
	}
	if loc == nil {
		loc = time.UTC
	}
	return &RedisSink{client: client, prefix: prefix, historyLen: int64(historyLen), loc: loc}
}

func (s *RedisSink) Name() string { return "redis" }

// Close is a no-op; the client is shared with the cache.
func (s *RedisSink) Close() error { return nil }

func (s *RedisSink) key(name string) string { return s.prefix + ":snapshot:" + name }

func (s *RedisSink) Write(ctx context.Context, snap *models.MergedSnapshot) error {
	payload := snap.ToPayload(s.loc)
	full, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	positions, err := json.Marshal(payload.Positions)
	if err != nil {
		return fmt.Errorf("encode positions: %w", err)
	}

	balances := make(map[string]interface{}, len(payload.Balances)+2)
	for id, b := range payload.Balances {
		balances[id] = b
	}
	balances[models.PayloadKeyNetLiq] = payload.NetLiq
	balances[models.PayloadKeyDate] = payload.Date

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key("balances"))
	pipe.HSet(ctx, s.key("balances"), balances)
	pipe.Set(ctx, s.key("positions"), positions, 0)
	pipe.Set(ctx, s.key("latest"), full, 0)
	pipe.LPush(ctx, s.key("history"), full)
	pipe.LTrim(ctx, s.key("history"), 0, s.historyLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis exec: %w", err)
	}
	return nil
}
