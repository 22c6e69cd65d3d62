package repository

import (
	"context"
	"time"

	"FolioPull/internal/domain/models"
	domrepo "FolioPull/internal/domain/repository"
	"FolioPull/pkg/kafka"
)

var _ domrepo.Sink = (*KafkaSink)(nil)

type publisher interface {
	Publish(ctx context.Context, topic string, msg kafka.Message) error
}

// KafkaSink publishes one payload message per snapshot, keyed by date so a
// topic partition sees snapshots in emission order.
type KafkaSink struct {
	producer publisher
	topic    string
	loc      *time.Location
}

func NewKafkaSink(producer publisher, topic string, loc *time.Location) *KafkaSink {
	if loc == nil {
		loc = time.UTC
	}
	return &KafkaSink{producer: producer, topic: topic, loc: loc}
}

func (s *KafkaSink) Name() string { return "kafka" }

// Close is a no-op; the producer is shared with the log collector.
func (s *KafkaSink) Close() error { return nil }

func (s *KafkaSink) Write(ctx context.Context, snap *models.MergedSnapshot) error {
	return s.producer.Publish(ctx, s.topic, kafka.Message{
		Key:     []byte("portfolio"),
		Value:   snap.ToPayload(s.loc),
		Headers: map[string]string{kafka.HeaderSnapshotID: snap.ID.String()},
	})
}
