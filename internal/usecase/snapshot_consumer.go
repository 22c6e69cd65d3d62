package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"FolioPull/internal/domain/models"
	drepo "FolioPull/internal/domain/repository"
	"FolioPull/pkg/kafka"
	applogger "FolioPull/pkg/logger"

	"github.com/google/uuid"
)

var _ kafka.MessageHandler = (*SnapshotConsumer)(nil)

// SnapshotConsumer reads snapshot payloads published by a kafka sink and
// writes them into a local sink, typically the archive.
type SnapshotConsumer struct {
	topic   string
	sink    drepo.Sink
	loc     *time.Location
	timeout time.Duration
	metrics drepo.Metrics
	logger  *applogger.Logger
}

func NewSnapshotConsumer(topic string, sink drepo.Sink, loc *time.Location, metrics drepo.Metrics, logger *applogger.Logger) *SnapshotConsumer {
	if loc == nil {
		loc = time.UTC
	}
	return &SnapshotConsumer{
		topic:   topic,
		sink:    sink,
		loc:     loc,
		timeout: 30 * time.Second,
		metrics: metrics,
		logger:  logger,
	}
}

func (c *SnapshotConsumer) Topic() string { return c.topic }

// Handle decodes one payload and writes it. The snapshot keeps the id from
// the message header when one is present.
func (c *SnapshotConsumer) Handle(ctx context.Context, data []byte) error {
	var payload models.SinkPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.metrics.RecordError("consumer_decode")
		return fmt.Errorf("decode snapshot payload: %w", err)
	}
	snap, err := payload.ToSnapshot(c.loc)
	if err != nil {
		c.metrics.RecordError("consumer_decode")
		return err
	}
	if raw := kafka.HeaderFromContext(ctx, kafka.HeaderSnapshotID); raw != "" {
		if id, perr := uuid.Parse(raw); perr == nil {
			snap.ID = id
		}
	}

	wctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	if err := c.sink.Write(wctx, snap); err != nil {
		c.metrics.RecordSinkWrite(c.sink.Name(), "error", time.Since(start).Seconds())
		return &models.SinkWriteError{Sink: c.sink.Name(), SnapshotID: snap.ID.String(), Err: err}
	}
	c.metrics.RecordSinkWrite(c.sink.Name(), "ok", time.Since(start).Seconds())
	c.logger.Debug("consumed snapshot",
		applogger.String("snapshot_id", snap.ID.String()),
		applogger.String("sink", c.sink.Name()),
		applogger.String("date", payload.Date),
	)
	return nil
}
