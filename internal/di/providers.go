package di

import (
	"context"
	"fmt"
	"io"
	"time"

	"FolioPull/internal/domain/models"
	drepo "FolioPull/internal/domain/repository"
	"FolioPull/internal/handler/api"
	mid "FolioPull/internal/middleware"
	internalrepo "FolioPull/internal/repository"
	"FolioPull/internal/service/notify"
	"FolioPull/internal/service/ratelimit"
	"FolioPull/internal/service/venues"
	"FolioPull/internal/usecase"
	"FolioPull/pkg/cache"
	pkgch "FolioPull/pkg/clickhouse"
	"FolioPull/pkg/config"
	xhttp "FolioPull/pkg/http"
	pkgkafka "FolioPull/pkg/kafka"
	applogger "FolioPull/pkg/logger"
	"FolioPull/pkg/metrics"
	"FolioPull/pkg/postgres"
	"FolioPull/pkg/retry"
	"FolioPull/pkg/server"

	kafkago "github.com/segmentio/kafka-go"
)

const initTimeout = 10 * time.Second

// logPublisher adapts the Kafka producer to the log collector.
type logPublisher struct{ p *pkgkafka.Producer }

func (l logPublisher) PublishMessage(ctx context.Context, topic string, payload interface{}) error {
	return l.p.Publish(ctx, topic, pkgkafka.Message{Value: payload})
}

// ProvideKafkaProducer returns nil when nothing publishes to Kafka.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, func(), error) {
	if !cfg.Sinks.Kafka.Enabled && !cfg.Log.Collector.Enabled {
		return nil, func() {}, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithBatching(cfg.Kafka.Producer.BatchSize, cfg.Kafka.Producer.BatchTimeout),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, func() { _ = producer.Close() }, nil
}

// ProvideLogger builds the zerolog logger and, when enabled, attaches the
// collector that ships deduplicated log batches to Kafka.
func ProvideLogger(cfg *config.Config, producer *pkgkafka.Producer) (*applogger.Logger, func(), error) {
	l, err := applogger.New(&applogger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackup,
		MaxAgeDays: cfg.Log.MaxAgeDay,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	if cfg.Log.Collector.Enabled && producer != nil {
		l.AddCollector(&applogger.CollectionConfig{
			TimeInterval:   cfg.Log.Collector.FlushInterval,
			CountThreshold: cfg.Log.Collector.CountThreshold,
			Topic:          cfg.Log.Collector.Topic,
			Publisher:      logPublisher{p: producer},
			Service:        "foliopull",
		})
	}
	return l, l.RemoveCollector, nil
}

func ProvideMetrics() drepo.Metrics {
	return metrics.New(nil)
}

// ProvideAggregationConfig converts the YAML aggregator block into the
// domain config and validates it.
func ProvideAggregationConfig(cfg *config.Config) (models.AggregationConfig, error) {
	ac := cfg.Aggregator
	out := models.AggregationConfig{
		ExpectedSources: ac.ExpectedSources,
		Interval:        time.Duration(ac.IntervalSeconds) * time.Second,
	}
	loc, err := time.LoadLocation(ac.DayBoundary.Timezone)
	if err != nil {
		return models.AggregationConfig{}, &models.ConfigError{Field: "aggregator.day_boundary.timezone", Reason: err.Error()}
	}
	out.DayBoundary = models.DayBoundary{
		CutoffHour:  ac.DayBoundary.CutoffHour,
		Location:    loc,
		GracePeriod: ac.DayBoundary.GracePeriod,
	}
	if ac.DayBoundary.BusinessCalendar == "weekdays" {
		cal, err := usecase.NewWeekdayCalendar(ac.DayBoundary.Holidays)
		if err != nil {
			return models.AggregationConfig{}, &models.ConfigError{Field: "aggregator.day_boundary.holidays", Reason: err.Error()}
		}
		out.DayBoundary.Calendar = cal
	}
	if err := out.Validate(); err != nil {
		return models.AggregationConfig{}, err
	}
	return out, nil
}

func ProvideRetryPolicy(cfg *config.Config, logger *applogger.Logger) retry.Policy {
	return retry.New(
		retry.WithMaxAttempts(cfg.Retry.MaxAttempts),
		retry.WithBackoff(cfg.Retry.BaseDelay, cfg.Retry.MaxDelay),
		retry.WithJitter(cfg.Retry.Jitter),
		retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			logger.Debug("retrying", applogger.Int("attempt", attempt), applogger.Duration("delay", delay), applogger.Error(err))
		}),
	)
}

func ProvideHTTPClient(cfg *config.Config) *xhttp.Client {
	return xhttp.NewClient(xhttp.WithTimeout(cfg.Aggregator.FetchTimeout))
}

// ProvideSourceAdapters builds one adapter per configured source through the
// venue registry. The cleanup closes adapters that hold resources.
func ProvideSourceAdapters(
	cfg *config.Config,
	agg models.AggregationConfig,
	logger *applogger.Logger,
	client *xhttp.Client,
	policy retry.Policy,
) ([]drepo.SourceAdapter, func(), error) {
	specs := make([]venues.SourceSpec, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		specs = append(specs, sourceSpec(s))
	}
	adapters, err := venues.NewRegistry().Build(specs, agg.ExpectedSources, venues.Deps{
		Logger: logger,
		HTTP:   client,
		Retry:  policy,
		Clock:  time.Now,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("sources: %w", err)
	}
	return adapters, func() { closeAdapters(adapters, logger) }, nil
}

func closeAdapters(adapters []drepo.SourceAdapter, logger *applogger.Logger) {
	for _, a := range adapters {
		c, ok := a.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			logger.Warn("source close error", applogger.String("source", a.ID()), applogger.Error(err))
		}
	}
}

func sourceSpec(s config.SourceConfig) venues.SourceSpec {
	spec := venues.SourceSpec{
		ID:       s.ID,
		Type:     s.Type,
		CacheTTL: s.CacheTTL,
		Binance: venues.BinanceOptions{
			APIKey:        s.Binance.APIKey,
			APISecret:     s.Binance.APISecret,
			BaseURL:       s.Binance.BaseURL,
			Quote:         s.Binance.Quote,
			DustThreshold: s.Binance.DustThreshold,
		},
		IBFlex: venues.IBFlexOptions{
			Token:           s.IBFlex.Token,
			BalanceQueryID:  s.IBFlex.BalanceQueryID,
			PositionQueryID: s.IBFlex.PositionQueryID,
			RequestURL:      s.IBFlex.RequestURL,
			StatementURL:    s.IBFlex.StatementURL,
			Timezone:        s.IBFlex.Timezone,
			PollAttempts:    s.IBFlex.PollAttempts,
			PollDelay:       s.IBFlex.PollDelay,
		},
		HTTPJSON: venues.HTTPJSONOptions{
			URL:     s.HTTPJSON.URL,
			Headers: s.HTTPJSON.Headers,
			RPS:     s.HTTPJSON.RPS,
			Burst:   s.HTTPJSON.Burst,
		},
		Static: venues.StaticOptions{Balance: s.Static.Balance},
	}
	for _, p := range s.Static.Positions {
		spec.Static.Positions = append(spec.Static.Positions, venues.StaticPosition{
			Symbol:         p.Symbol,
			Multiplier:     p.Multiplier,
			Quantity:       p.Quantity,
			DollarQuantity: p.DollarQuantity,
		})
	}
	return spec
}

// ProvideClickHouseClient connects and creates the snapshot table. It returns
// nil when neither the sink nor the archiving consumer needs ClickHouse.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, func(), error) {
	if !cfg.Sinks.ClickHouse.Enabled && !cfg.Kafka.Consumer.Enabled {
		return nil, func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	ch := cfg.ClickHouse
	client, err := pkgch.NewClient(ctx,
		pkgch.WithHost(ch.Host, ch.Port),
		pkgch.WithDatabase(ch.Database),
		pkgch.WithCredentials(ch.User, ch.Password),
		pkgch.WithMaxConnections(5, 2),
		pkgch.WithHTTP(ch.UseHTTP),
		pkgch.WithTimeouts(ch.DialTimeout, ch.ReadTimeout),
		pkgch.WithMaxExecutionTime(ch.MaxExecutionTime),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("clickhouse client: %w", err)
	}
	if err := client.InitSchema(ctx, internalrepo.ClickHouseSchema(cfg.Sinks.ClickHouse.Table)); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, func() { _ = client.Close() }, nil
}

// ProvideClickHouseSink returns nil without a ClickHouse client.
func ProvideClickHouseSink(cfg *config.Config, client *pkgch.Client, logger *applogger.Logger) *internalrepo.ClickHouseSink {
	if client == nil {
		return nil
	}
	return internalrepo.NewClickHouseSink(client, cfg.Sinks.ClickHouse.Table, logger)
}

// ProvideSnapshotReader exposes the ClickHouse archive to the status API.
func ProvideSnapshotReader(sink *internalrepo.ClickHouseSink) drepo.SnapshotReader {
	if sink == nil {
		return nil
	}
	return sink
}

// ProvideRedisCache returns nil unless the emission store or the Redis sink
// uses Redis.
func ProvideRedisCache(cfg *config.Config) (*cache.RedisCache, func(), error) {
	if cfg.EmissionStore.Backend != "redis" && !cfg.Sinks.Redis.Enabled {
		return nil, func() {}, nil
	}
	r := cfg.Redis
	rc, err := cache.NewRedisCache(
		cache.WithRedisAddr(r.Host, r.Port),
		cache.WithRedisAuth(r.Password, r.DB),
		cache.WithRedisPool(r.PoolSize, r.MinIdleConns, r.DialTimeout),
		cache.WithRedisPrefix(r.Prefix),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	return rc, func() { _ = rc.Close() }, nil
}

func ProvideEmissionStore(cfg *config.Config, rc *cache.RedisCache, agg models.AggregationConfig) (drepo.EmissionStore, func()) {
	if cfg.EmissionStore.Backend == "redis" && rc != nil {
		return internalrepo.NewEmissionStore(rc, agg.Location()), func() {}
	}
	mc := cache.NewMemoryCache()
	return internalrepo.NewEmissionStore(mc, agg.Location()), func() { _ = mc.Close() }
}

// ProvideSnapshotStream returns nil when the websocket sink is disabled.
func ProvideSnapshotStream(cfg *config.Config, logger *applogger.Logger, agg models.AggregationConfig) *api.SnapshotStream {
	if !cfg.Sinks.WebSocket.Enabled {
		return nil
	}
	return api.NewSnapshotStream(logger, agg.Location(), cfg.Sinks.WebSocket.Buffer)
}

// ProvideSinks collects every enabled sink. Each one gets its own queue in
// ProvideFanOut.
func ProvideSinks(
	cfg *config.Config,
	agg models.AggregationConfig,
	logger *applogger.Logger,
	client *xhttp.Client,
	chSink *internalrepo.ClickHouseSink,
	rc *cache.RedisCache,
	producer *pkgkafka.Producer,
	stream *api.SnapshotStream,
) (_ []drepo.Sink, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	var sinks []drepo.Sink
	defer func() {
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
		}
	}()

	loc := agg.Location()
	if cfg.Sinks.ClickHouse.Enabled && chSink != nil {
		sinks = append(sinks, chSink)
	}
	if cfg.Sinks.Postgres.Enabled {
		pg := cfg.Postgres
		pool, err := postgres.NewPool(ctx,
			postgres.WithHost(pg.Host, pg.Port),
			postgres.WithDatabase(pg.Database),
			postgres.WithCredentials(pg.User, pg.Password),
			postgres.WithSSLMode(pg.SSLMode),
			postgres.WithPoolSize(pg.MinConns, pg.MaxConns),
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		ps := internalrepo.NewPostgresSink(pool, logger)
		sinks = append(sinks, ps)
		if err := ps.InitSchema(ctx); err != nil {
			return nil, err
		}
	}
	if cfg.Sinks.Kafka.Enabled && producer != nil {
		sinks = append(sinks, internalrepo.NewKafkaSink(producer, cfg.Sinks.Kafka.Topic, loc))
	}
	if cfg.Sinks.Redis.Enabled && rc != nil {
		sinks = append(sinks, internalrepo.NewRedisSink(rc.Client(), rc.Prefix(), cfg.Sinks.Redis.HistoryLen, loc))
	}
	if cfg.Sinks.S3.Enabled {
		s3c := cfg.Sinks.S3
		c, err := internalrepo.NewS3Client(ctx, internalrepo.S3Options{
			Bucket:          s3c.Bucket,
			Prefix:          s3c.Prefix,
			Region:          s3c.Region,
			Endpoint:        s3c.Endpoint,
			PathStyle:       s3c.PathStyle,
			AccessKeyID:     s3c.AccessKeyID,
			SecretAccessKey: s3c.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("s3: %w", err)
		}
		sinks = append(sinks, internalrepo.NewS3Sink(c, s3c.Bucket, s3c.Prefix, loc))
	}
	if cfg.Sinks.Telegram.Enabled {
		tg := cfg.Sinks.Telegram
		ts, err := notify.NewTelegramSink(client, notify.TelegramOptions{BaseURL: tg.BaseURL, Token: tg.Token, ChatID: tg.ChatID}, loc)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sinks = append(sinks, ts)
	}
	if stream != nil {
		sinks = append(sinks, stream)
	}
	if len(sinks) == 0 {
		logger.Warn("no sinks enabled, snapshots are only kept in memory")
	}
	return sinks, nil
}

// ProvideFanOut wraps every sink in its own bounded pipeline.
func ProvideFanOut(cfg *config.Config, sinks []drepo.Sink, m drepo.Metrics, logger *applogger.Logger, policy retry.Policy) *usecase.FanOut {
	pipes := make([]*mid.SinkPipeline, 0, len(sinks))
	for _, s := range sinks {
		pipes = append(pipes, mid.NewSinkPipeline(s, m, logger,
			mid.WithMaxPending(cfg.Sinks.MaxPending),
			mid.WithWriteTimeout(cfg.Sinks.WriteTimeout),
			mid.WithRetryPolicy(policy),
		))
	}
	return usecase.NewFanOut(logger, pipes...)
}

func ProvideAggregator(
	cfg *config.Config,
	agg models.AggregationConfig,
	adapters []drepo.SourceAdapter,
	fanout *usecase.FanOut,
	m drepo.Metrics,
	logger *applogger.Logger,
	store drepo.EmissionStore,
) *usecase.Aggregator {
	return usecase.NewAggregator(agg, adapters, fanout, m, logger,
		usecase.WithPollInterval(cfg.Aggregator.PollInterval),
		usecase.WithFetchTimeout(cfg.Aggregator.FetchTimeout),
		usecase.WithEmissionStore(store),
	)
}

// ProvideKafkaConsumer returns nil unless the archiving consumer is enabled.
func ProvideKafkaConsumer(cfg *config.Config, logger *applogger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Consumer.Enabled {
		return nil, nil
	}
	kc := cfg.Kafka.Consumer
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(kc.GroupID),
		pkgkafka.WithConsumerWorkers(kc.Workers),
		pkgkafka.WithConsumerRetry(kc.RetryMax, kc.BackoffMin, kc.BackoffMax),
		pkgkafka.WithConsumerDLQ(kc.DLQTopic),
		pkgkafka.WithConsumerLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return consumer, nil
}

// ProvideSnapshotConsumer archives snapshots read from the snapshot topic
// into ClickHouse.
func ProvideSnapshotConsumer(
	cfg *config.Config,
	chSink *internalrepo.ClickHouseSink,
	agg models.AggregationConfig,
	m drepo.Metrics,
	logger *applogger.Logger,
) *usecase.SnapshotConsumer {
	if !cfg.Kafka.Consumer.Enabled || chSink == nil {
		return nil
	}
	return usecase.NewSnapshotConsumer(cfg.Sinks.Kafka.Topic, chSink, agg.Location(), m, logger)
}

func ProvideRateLimiter(cfg *config.Config) *ratelimit.Limiter {
	return ratelimit.New(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst)
}

func ProvideHTTPServer(
	cfg *config.Config,
	logger *applogger.Logger,
	agg *usecase.Aggregator,
	fanout *usecase.FanOut,
	reader drepo.SnapshotReader,
	stream *api.SnapshotStream,
	limiter *ratelimit.Limiter,
	aggCfg models.AggregationConfig,
) *xhttp.Server {
	handlers := []xhttp.Handler{
		api.NewStatusEchoHandler(logger, agg, fanout, reader, aggCfg.Location(), limiter.Middleware()),
	}
	if stream != nil {
		handlers = append(handlers, stream)
	}
	return xhttp.NewServer(handlers,
		xhttp.WithHost(cfg.Server.Host),
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithCORS(cfg.Server.CORSOrigins...),
		xhttp.WithLogger(logger),
	)
}

func ProvideApp(
	cfg *config.Config,
	logger *applogger.Logger,
	agg *usecase.Aggregator,
	fanout *usecase.FanOut,
	srv *xhttp.Server,
	consumer *pkgkafka.Consumer,
	snapshots *usecase.SnapshotConsumer,
) *server.App {
	if consumer != nil {
		consumer.WithConsumerHook(pkgkafka.HookFuncs{
			Err: func(_ context.Context, topic string, km kafkago.Message, err error) {
				logger.Warn("snapshot archive failed",
					applogger.String("topic", topic),
					applogger.Int("partition", km.Partition),
					applogger.Int64("offset", km.Offset),
					applogger.Error(err),
				)
			},
		})
	}
	return server.New(cfg, logger, agg, fanout, srv, consumer, snapshots)
}
