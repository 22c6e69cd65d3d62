package di

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"FolioPull/internal/domain/models"
	drepo "FolioPull/internal/domain/repository"
	"FolioPull/pkg/config"
	xhttp "FolioPull/pkg/http"
	applogger "FolioPull/pkg/logger"
	"FolioPull/pkg/metrics"
	"FolioPull/pkg/retry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

const calendarYAML = `
aggregator:
  expected_sources: [bank, broker]
  aggregation_interval_seconds: 86400
  day_boundary:
    cutoff_hour: 6
    timezone: America/New_York
    business_calendar: weekdays
    holidays: ["2024-12-25"]
    grace_period: 2h
sources:
  - id: bank
    type: static
    static:
      balance: 1000
  - id: broker
    type: static
    cache_ttl: 1m
    static:
      balance: 250.25
      positions:
        - symbol: ES
          multiplier: 50
          quantity: 1
          dollar_quantity: 250000
sinks:
  websocket:
    enabled: true
`

func parse(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return cfg
}

func TestProvideAggregationConfigCalendarMode(t *testing.T) {
	agg, err := ProvideAggregationConfig(parse(t, calendarYAML))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !agg.CalendarMode() {
		t.Fatalf("86400 seconds should select calendar mode, got %v", agg.Interval)
	}
	if agg.Location().String() != "America/New_York" || agg.DayBoundary.GracePeriod != 2*time.Hour {
		t.Fatalf("day boundary not converted: %+v", agg.DayBoundary)
	}
	if agg.DayBoundary.Calendar == nil {
		t.Fatalf("weekday calendar not attached")
	}
	xmas := time.Date(2024, 12, 25, 0, 0, 0, 0, agg.Location())
	if agg.DayBoundary.Calendar.IsBusinessDay(xmas) {
		t.Fatalf("holiday counted as business day")
	}
}

func TestProvideAggregationConfigRejectsReservedID(t *testing.T) {
	cfg := parse(t, `
aggregator:
  expected_sources: [netliq]
sources:
  - id: netliq
    type: static
`)
	_, err := ProvideAggregationConfig(cfg)
	var ce *models.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestProvideSourceAdaptersBuildsConfiguredSources(t *testing.T) {
	cfg := parse(t, calendarYAML)
	agg, err := ProvideAggregationConfig(cfg)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	adapters, cleanup, err := ProvideSourceAdapters(cfg, agg, applogger.Nop(), xhttp.NewClient(), retry.New())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer cleanup()
	if len(adapters) != 2 || adapters[0].ID() != "bank" || adapters[1].ID() != "broker" {
		t.Fatalf("unexpected adapters %v", adapters)
	}

	res, err := adapters[1].Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !res.Balance.Equal(decimal.RequireFromString("250.25")) {
		t.Fatalf("balance %v", res.Balance)
	}
	if len(res.Positions) != 1 || res.Positions[0].Multiplier != 50 {
		t.Fatalf("positions %+v", res.Positions)
	}
}

func TestProvideSinksWebSocketOnly(t *testing.T) {
	cfg := parse(t, calendarYAML)
	agg, err := ProvideAggregationConfig(cfg)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	logger := applogger.Nop()
	stream := ProvideSnapshotStream(cfg, logger, agg)
	if stream == nil {
		t.Fatalf("websocket sink enabled but not provided")
	}
	sinks, err := ProvideSinks(cfg, agg, logger, xhttp.NewClient(), nil, nil, nil, stream)
	if err != nil {
		t.Fatalf("sinks: %v", err)
	}
	fanout := ProvideFanOut(cfg, sinks, metrics.New(prometheus.NewRegistry()), logger, retry.New())
	if names := fanout.Sinks(); len(names) != 1 || names[0] != "websocket" {
		t.Fatalf("unexpected sinks %v", names)
	}
	if reader := ProvideSnapshotReader(nil); reader != nil {
		t.Fatalf("reader without archive should be nil")
	}
}

func TestProvideEmissionStoreMemory(t *testing.T) {
	cfg := parse(t, calendarYAML)
	agg, err := ProvideAggregationConfig(cfg)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	store, cleanup := ProvideEmissionStore(cfg, nil, agg)
	defer cleanup()

	ctx := context.Background()
	if _, ok, err := store.LastEmission(ctx); ok || err != nil {
		t.Fatalf("fresh store: ok=%v err=%v", ok, err)
	}
	at := time.Date(2024, 3, 1, 7, 30, 0, 0, agg.Location())
	if err := store.RecordEmission(ctx, at); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, ok, err := store.LastEmission(ctx)
	if err != nil || !ok || !got.Equal(at) {
		t.Fatalf("got %v ok=%v err=%v", got, ok, err)
	}
}

func TestOptionalInfrastructureDisabled(t *testing.T) {
	cfg := parse(t, calendarYAML)
	for name, fn := range map[string]func() (bool, error){
		"kafka": func() (bool, error) { p, _, err := ProvideKafkaProducer(cfg); return p != nil, err },
		"clickhouse": func() (bool, error) {
			c, _, err := ProvideClickHouseClient(cfg)
			return c != nil, err
		},
		"redis": func() (bool, error) { r, _, err := ProvideRedisCache(cfg); return r != nil, err },
		"consumer": func() (bool, error) {
			c, err := ProvideKafkaConsumer(cfg, applogger.Nop())
			return c != nil, err
		},
	} {
		built, err := fn()
		if err != nil || built {
			t.Fatalf("%s: built=%v err=%v", name, built, err)
		}
	}
}

type refusingSink struct{}

func (refusingSink) Name() string { return "refusing" }
func (refusingSink) Close() error { return nil }
func (refusingSink) Write(context.Context, *models.MergedSnapshot) error {
	return errors.New("write refused")
}

func TestProvideFanOutTagsSinkOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	logger, err := applogger.New(&applogger.Config{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	cfg := parse(t, calendarYAML)
	fanout := ProvideFanOut(cfg, []drepo.Sink{refusingSink{}}, metrics.New(prometheus.NewRegistry()), logger,
		retry.New(retry.WithMaxAttempts(1)))
	fanout.Start()
	fanout.Publish(&models.MergedSnapshot{Balances: map[string]decimal.Decimal{}})

	var line string
	deadline := time.Now().Add(2 * time.Second)
	for line == "" && time.Now().Before(deadline) {
		raw, _ := os.ReadFile(path)
		for _, l := range strings.Split(string(raw), "\n") {
			if strings.Contains(l, "sink write failed") {
				line = l
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	_ = fanout.Close(context.Background())
	if line == "" {
		t.Fatalf("write failure not logged")
	}
	if n := strings.Count(line, `"sink":`); n != 1 {
		t.Fatalf("expected one sink field, got %d in %s", n, line)
	}
}

type closingAdapter struct {
	drepo.SourceAdapter
	closed int
}

func (c *closingAdapter) Close() error {
	c.closed++
	return nil
}

func TestSourceAdapterCleanupClosesCachedSources(t *testing.T) {
	cfg := parse(t, calendarYAML)
	agg, err := ProvideAggregationConfig(cfg)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	adapters, cleanup, err := ProvideSourceAdapters(cfg, agg, applogger.Nop(), xhttp.NewClient(), retry.New())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := adapters[1].(io.Closer); !ok {
		t.Fatalf("cached broker source should hold a closable cache")
	}
	cleanup()
	cleanup()

	wrapped := &closingAdapter{SourceAdapter: adapters[0]}
	closeAdapters([]drepo.SourceAdapter{adapters[0], wrapped}, applogger.Nop())
	if wrapped.closed != 1 {
		t.Fatalf("expected one close, got %d", wrapped.closed)
	}
}
