//go:build wireinject
// +build wireinject

package di

import (
	"FolioPull/pkg/config"
	"FolioPull/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application and
// a cleanup that releases the infrastructure clients.
func InitializeApp(cfg *config.Config) (*server.App, func(), error) {
	wire.Build(
		// Infrastructure clients
		ProvideKafkaProducer,
		ProvideClickHouseClient,
		ProvideRedisCache,

		// Ambient
		ProvideLogger,
		ProvideMetrics,
		ProvideRetryPolicy,
		ProvideHTTPClient,
		ProvideAggregationConfig,

		// Sources and sinks
		ProvideSourceAdapters,
		ProvideClickHouseSink,
		ProvideSnapshotReader,
		ProvideEmissionStore,
		ProvideSnapshotStream,
		ProvideSinks,

		// Use cases
		ProvideFanOut,
		ProvideAggregator,
		ProvideKafkaConsumer,
		ProvideSnapshotConsumer,

		// Transport
		ProvideRateLimiter,
		ProvideHTTPServer,

		ProvideApp,
	)
	return nil, nil, nil
}
