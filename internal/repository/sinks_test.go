package repository

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"FolioPull/internal/domain/models"
	"FolioPull/pkg/cache"
	"FolioPull/pkg/kafka"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func testSnapshot() *models.MergedSnapshot {
	return &models.MergedSnapshot{
		ID:     uuid.MustParse("6f1c2d3e-0000-4000-8000-000000000001"),
		Date:   time.Date(2024, 3, 1, 21, 30, 0, 0, time.UTC),
		NetLiq: decimal.NewFromInt(6000),
		Balances: map[string]decimal.Decimal{
			"binance": decimal.NewFromInt(1000),
			"ib":      decimal.NewFromInt(5000),
		},
		Positions: []models.TaggedPosition{{
			SourceID: "ib",
			PositionEntry: models.PositionEntry{
				Symbol: "ES", Multiplier: 50,
				Quantity: decimal.NewFromInt(1), DollarQuantity: decimal.NewFromInt(250000),
			},
		}},
	}
}

func TestEmissionStoreRoundTrip(t *testing.T) {
	mc := cache.NewMemoryCache()
	defer mc.Close()
	store := NewEmissionStore(mc, time.UTC)
	ctx := context.Background()

	if _, ok, err := store.LastEmission(ctx); ok || err != nil {
		t.Fatalf("expected nothing stored, got ok=%v err=%v", ok, err)
	}

	at := time.Date(2024, 3, 1, 16, 0, 0, 123, time.FixedZone("EST", -5*3600))
	if err := store.RecordEmission(ctx, at); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, ok, err := store.LastEmission(ctx)
	if err != nil || !ok || !got.Equal(at) {
		t.Fatalf("expected %v, got %v ok=%v err=%v", at, got, ok, err)
	}
}

func TestEmissionStoreReadsPayloadLayout(t *testing.T) {
	mc := cache.NewMemoryCache()
	defer mc.Close()
	loc := time.FixedZone("EST", -5*3600)
	_ = mc.Set(context.Background(), emissionKey, "2024-03-01 16:00:00", 0)

	got, ok, err := NewEmissionStore(mc, loc).LastEmission(context.Background())
	if err != nil || !ok {
		t.Fatalf("unexpected result ok=%v err=%v", ok, err)
	}
	if !got.Equal(time.Date(2024, 3, 1, 21, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected time %v", got)
	}
}

func TestEmissionStoreMalformed(t *testing.T) {
	mc := cache.NewMemoryCache()
	defer mc.Close()
	_ = mc.Set(context.Background(), emissionKey, "yesterday-ish", 0)

	_, ok, err := NewEmissionStore(mc, nil).LastEmission(context.Background())
	var perr *models.PolicyEvaluationError
	if ok || !errors.As(err, &perr) {
		t.Fatalf("expected PolicyEvaluationError, got ok=%v err=%v", ok, err)
	}
	if perr.Value != "yesterday-ish" {
		t.Fatalf("unexpected value %q", perr.Value)
	}
}

type fakePutter struct {
	in   *s3.PutObjectInput
	body []byte
	err  error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.in = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3SinkWritesPayloadObject(t *testing.T) {
	put := &fakePutter{}
	loc := time.FixedZone("EST", -5*3600)
	sink := NewS3Sink(put, "archive", "snapshots", loc)
	snap := testSnapshot()

	if err := sink.Write(context.Background(), snap); err != nil {
		t.Fatalf("write: %v", err)
	}
	if *put.in.Bucket != "archive" {
		t.Fatalf("unexpected bucket %s", *put.in.Bucket)
	}
	wantKey := "snapshots/date=2024-03-01/1709328600_" + snap.ID.String() + ".json"
	if *put.in.Key != wantKey {
		t.Fatalf("unexpected key %s, want %s", *put.in.Key, wantKey)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(put.body, &body); err != nil {
		t.Fatalf("body is not json: %v", err)
	}
	if body["date"] != "2024-03-01 16:30:00" || body["netliq"] != float64(6000) || body["ib"] != float64(5000) {
		t.Fatalf("unexpected payload %v", body)
	}
	positions, ok := body["positions"].(map[string]interface{})
	if !ok {
		t.Fatalf("positions missing")
	}
	for _, col := range []string{"date", "exchange", "symbol", "multiplier", "quantity", "dollarQuantity"} {
		if _, ok := positions[col]; !ok {
			t.Fatalf("positions column %s missing", col)
		}
	}
}

func TestS3SinkPropagatesError(t *testing.T) {
	sink := NewS3Sink(&fakePutter{err: errors.New("denied")}, "b", "", nil)
	if err := sink.Write(context.Background(), testSnapshot()); err == nil || !strings.Contains(err.Error(), "denied") {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

type fakePublisher struct {
	topic  string
	msg    kafka.Message
	closed bool
}

func (f *fakePublisher) Publish(_ context.Context, topic string, msg kafka.Message) error {
	f.topic, f.msg = topic, msg
	return nil
}

func (f *fakePublisher) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSinkPublishesPayload(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewKafkaSink(pub, "portfolio.snapshots", time.UTC)
	snap := testSnapshot()

	if err := sink.Write(context.Background(), snap); err != nil {
		t.Fatalf("write: %v", err)
	}
	if pub.topic != "portfolio.snapshots" {
		t.Fatalf("unexpected topic %s", pub.topic)
	}
	if pub.msg.Headers[kafka.HeaderSnapshotID] != snap.ID.String() {
		t.Fatalf("snapshot id header missing")
	}
	payload, ok := pub.msg.Value.(models.SinkPayload)
	if !ok || payload.NetLiq != 6000 || payload.Positions.Len() != 1 {
		t.Fatalf("unexpected value %#v", pub.msg.Value)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if pub.closed {
		t.Fatalf("sink closed the shared producer")
	}
}

func TestRebuildSnapshotToleratesShortColumns(t *testing.T) {
	snap := rebuildSnapshot(uuid.New(), time.Now(), 10, map[string]float64{"a": 10}, models.PositionColumns{
		Symbol:   []string{"X", "Y"},
		Exchange: []string{"a"},
	})
	if len(snap.Positions) != 2 || snap.Positions[1].SourceID != "" || snap.Positions[1].Multiplier != 1 {
		t.Fatalf("unexpected positions %+v", snap.Positions)
	}
}

func TestArchiveDateMatchesPayloadPrecision(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	snap := testSnapshot()
	snap.Date = time.Date(2024, 3, 1, 12, 0, 10, 987000000, time.UTC)

	fromTopic, err := snap.ToPayload(ny).ToSnapshot(ny)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	direct := archiveDate(snap.Date)
	if !direct.Equal(fromTopic.Date) {
		t.Fatalf("direct %v and payload %v dates differ", direct, fromTopic.Date)
	}
	if direct.Location() != time.UTC {
		t.Fatalf("archive date not UTC: %v", direct.Location())
	}
}
