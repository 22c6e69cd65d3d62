package server

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"FolioPull/internal/usecase"
	"FolioPull/pkg/config"
	xhttp "FolioPull/pkg/http"
	pkgkafka "FolioPull/pkg/kafka"
	applogger "FolioPull/pkg/logger"
)

// App encapsulates the entire application lifecycle.
type App struct {
	cfg        *config.Config
	logger     *applogger.Logger
	aggregator *usecase.Aggregator
	fanout     *usecase.FanOut
	httpServer *xhttp.Server
	consumer   *pkgkafka.Consumer
	snapshots  pkgkafka.MessageHandler
}

// New creates a new App instance with all dependencies. consumer and
// snapshots are optional.
func New(
	cfg *config.Config,
	logger *applogger.Logger,
	aggregator *usecase.Aggregator,
	fanout *usecase.FanOut,
	httpServer *xhttp.Server,
	consumer *pkgkafka.Consumer,
	snapshots *usecase.SnapshotConsumer,
) *App {
	a := &App{
		cfg:        cfg,
		logger:     logger,
		aggregator: aggregator,
		fanout:     fanout,
		httpServer: httpServer,
		consumer:   consumer,
	}
	if snapshots != nil {
		a.snapshots = snapshots
	}
	return a
}

// Run starts the application and blocks until SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

// RunContext starts every component and blocks until ctx is done or the HTTP
// server fails, then shuts down.
func (a *App) RunContext(ctx context.Context) error {
	aggCtx, cancelAgg := context.WithCancel(context.Background())
	defer cancelAgg()

	a.fanout.Start()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.aggregator.Run(aggCtx); err != nil {
			a.logger.Error("aggregator error", applogger.Error(err))
		}
	}()

	if a.consumer != nil && a.snapshots != nil {
		a.consumer.RegisterHandler(a.snapshots)
		if err := a.consumer.Start(); err != nil {
			a.logger.Error("kafka consumer start error", applogger.Error(err))
			a.consumer = nil
		} else {
			a.logger.Info("snapshot archiver started", applogger.String("topic", a.snapshots.Topic()))
		}
	}

	if err := a.httpServer.Start(); err != nil {
		cancelAgg()
		wg.Wait()
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-a.httpServer.Err():
		runErr = err
	}

	// A tick in flight may still publish, so the fan-out closes only after
	// the aggregator has returned.
	cancelAgg()
	wg.Wait()
	return errors.Join(runErr, a.shutdown())
}

// shutdown drains sink queues and stops the transports.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	var errs []error
	if err := a.fanout.Close(ctx); err != nil {
		a.logger.Warn("sink drain incomplete", applogger.Error(err))
		errs = append(errs, err)
	}
	if err := a.httpServer.Stop(ctx); err != nil {
		a.logger.Error("http shutdown error", applogger.Error(err))
		errs = append(errs, err)
	}
	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			a.logger.Warn("kafka consumer stop error", applogger.Error(err))
			errs = append(errs, err)
		}
	}

	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg != nil && a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 15 * time.Second
}
