package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"FolioPull/internal/domain/models"
	drepo "FolioPull/internal/domain/repository"
	applogger "FolioPull/pkg/logger"
)

// Phase is the externally visible state of the aggregator.
type Phase string

const (
	PhaseWaiting      Phase = "WAITING_FOR_SOURCES"
	PhaseAccumulating Phase = "ACCUMULATING"
	PhaseReady        Phase = "READY"
	PhaseEmitted      Phase = "EMITTED"
	PhaseStopped      Phase = "STOPPED"
)

// Aggregator polls every source adapter, keeps the latest state of each and
// emits a merged snapshot whenever the readiness policy allows it.
type Aggregator struct {
	adapters     []drepo.SourceAdapter
	policy       *ReadinessPolicy
	tracker      *StateTracker
	fanout       *FanOut
	emissions    drepo.EmissionStore
	metrics      drepo.Metrics
	logger       *applogger.Logger
	pollInterval time.Duration
	fetchTimeout time.Duration
	clock        func() time.Time

	mu           sync.RWMutex
	phase        Phase
	lastEmission *time.Time
	lastSnapshot *models.MergedSnapshot
	lastDecision Decision
	loaded       bool
}

type AggregatorOption func(*Aggregator)

func WithPollInterval(d time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		if d > 0 {
			a.pollInterval = d
		}
	}
}

// WithFetchTimeout bounds each adapter call within a tick.
func WithFetchTimeout(d time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		if d > 0 {
			a.fetchTimeout = d
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(clock func() time.Time) AggregatorOption {
	return func(a *Aggregator) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithEmissionStore persists the last emission time across restarts.
func WithEmissionStore(store drepo.EmissionStore) AggregatorOption {
	return func(a *Aggregator) { a.emissions = store }
}

func NewAggregator(
	cfg models.AggregationConfig,
	adapters []drepo.SourceAdapter,
	fanout *FanOut,
	metrics drepo.Metrics,
	logger *applogger.Logger,
	opts ...AggregatorOption,
) *Aggregator {
	a := &Aggregator{
		adapters:     adapters,
		policy:       NewReadinessPolicy(cfg),
		tracker:      NewStateTracker(cfg.ExpectedSources),
		fanout:       fanout,
		metrics:      metrics,
		logger:       logger,
		pollInterval: time.Minute,
		fetchTimeout: 30 * time.Second,
		clock:        time.Now,
		phase:        PhaseWaiting,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run ticks immediately and then on every poll interval until ctx is done.
func (a *Aggregator) Run(ctx context.Context) error {
	a.loadLastEmission(ctx)
	a.logger.Info("aggregator started",
		applogger.Int("sources", len(a.adapters)),
		applogger.Duration("poll_interval_ms", a.pollInterval),
	)

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		a.Tick(ctx)
		select {
		case <-ctx.Done():
			a.setPhase(PhaseStopped)
			a.logger.Info("aggregator stopped")
			return nil
		case <-ticker.C:
		}
	}
}

type fetchOutcome struct {
	id       string
	res      *models.FetchResult
	err      error
	duration time.Duration
}

// Tick runs one fetch and evaluation cycle. It reports whether a snapshot
// was emitted.
func (a *Aggregator) Tick(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	a.loadLastEmission(ctx)

	outcomes := a.fetchAll(ctx)
	if ctx.Err() != nil {
		a.logger.Debug("tick abandoned", applogger.Error(ctx.Err()))
		return false
	}
	now := a.clock()
	for _, o := range outcomes {
		a.applyOutcome(o, now)
	}

	a.mu.RLock()
	last := a.lastEmission
	a.mu.RUnlock()

	states := a.tracker.Snapshot()
	decision := a.policy.Evaluate(states, now, last)
	a.metrics.RecordReadiness(decision.Ready)

	a.mu.Lock()
	a.lastDecision = decision
	a.mu.Unlock()

	if !decision.Ready {
		if len(decision.Missing) > 0 {
			a.setPhase(PhaseWaiting)
		} else {
			a.setPhase(PhaseAccumulating)
		}
		a.logger.Debug("not ready",
			applogger.String("reason", decision.Reason),
			applogger.Strings("missing", decision.Missing),
			applogger.Strings("stale", decision.Stale),
		)
		return false
	}

	a.setPhase(PhaseReady)
	a.emit(ctx, states, now, decision)
	return true
}

func (a *Aggregator) fetchAll(ctx context.Context) []fetchOutcome {
	outcomes := make([]fetchOutcome, len(a.adapters))
	var wg sync.WaitGroup
	for i, ad := range a.adapters {
		wg.Add(1)
		go func(i int, ad drepo.SourceAdapter) {
			defer wg.Done()
			fctx, cancel := context.WithTimeout(ctx, a.fetchTimeout)
			defer cancel()

			start := time.Now()
			res, err := a.safeFetch(fctx, ad)
			if err == nil && res == nil {
				err = models.NewFetchError(ad.ID(), models.FetchMalformed, errors.New("adapter returned no result"))
			}
			if err != nil && fctx.Err() != nil && ctx.Err() == nil {
				err = models.NewFetchError(ad.ID(), models.FetchTimeout, err)
			}
			outcomes[i] = fetchOutcome{id: ad.ID(), res: res, err: err, duration: time.Since(start)}
		}(i, ad)
	}
	wg.Wait()
	return outcomes
}

func (a *Aggregator) safeFetch(ctx context.Context, ad drepo.SourceAdapter) (res *models.FetchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("source adapter panicked", applogger.String("source", ad.ID()), applogger.Any("panic", r))
			res, err = nil, models.NewFetchError(ad.ID(), models.FetchMalformed, errors.New("adapter panic"))
		}
	}()
	return ad.Fetch(ctx)
}

func (a *Aggregator) applyOutcome(o fetchOutcome, now time.Time) {
	if o.err != nil {
		err := models.ClassifyFetchError(o.id, o.err)
		failures := a.tracker.RecordFailure(o.id, err)
		a.metrics.RecordFetch(o.id, "error", o.duration.Seconds())
		a.metrics.RecordError("fetch_" + string(models.FetchKind(err)))
		a.metrics.RecordSourceStaleness(o.id, failures)

		if failures >= staleAfterCycles {
			fields := []applogger.Field{
				applogger.String("source", o.id),
				applogger.Int("failed_cycles", failures),
				applogger.Error(err),
			}
			if st, ok := a.tracker.Get(o.id); ok {
				fields = append(fields, applogger.Time("last_fetch", st.LastFetchTime))
			}
			a.logger.Warn("source is stale", fields...)
		} else {
			a.logger.Error("source fetch failed", applogger.String("source", o.id), applogger.Error(err))
		}
		return
	}

	st := a.tracker.Apply(o.id, o.res, now)
	a.metrics.RecordFetch(o.id, "ok", o.duration.Seconds())
	a.metrics.RecordSourceStaleness(o.id, 0)
	a.logger.Debug("source updated",
		applogger.String("source", o.id),
		applogger.String("balance", st.Balance.String()),
		applogger.Int("positions", len(st.Positions)),
	)
}

func (a *Aggregator) emit(ctx context.Context, states map[string]models.SourceState, now time.Time, decision Decision) {
	snap := BuildSnapshot(states, now)

	a.mu.Lock()
	a.lastSnapshot = snap
	a.lastEmission = &now
	a.phase = PhaseEmitted
	a.mu.Unlock()

	accepted := 0
	if a.fanout != nil {
		accepted = a.fanout.Publish(snap)
	}
	a.metrics.RecordEmission(snap.NetLiq.InexactFloat64())

	fields := []applogger.Field{
		applogger.String("snapshot_id", snap.ID.String()),
		applogger.String("netliq", snap.NetLiq.String()),
		applogger.Int("sinks", accepted),
	}
	if decision.Forced {
		fields = append(fields, applogger.Strings("stale", decision.Stale))
		a.logger.Warn("snapshot emitted after grace period", fields...)
	} else {
		a.logger.Info("snapshot emitted", fields...)
	}

	if a.emissions != nil {
		if err := a.emissions.RecordEmission(ctx, now); err != nil {
			a.metrics.RecordError("emission_store")
			a.logger.Error("persist emission time failed", applogger.Error(err))
		}
	}
	a.setPhase(PhaseAccumulating)
}

// loadLastEmission reads the stored emission time once. A missing or
// unreadable value means nothing was emitted yet.
func (a *Aggregator) loadLastEmission(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loaded || a.emissions == nil {
		a.loaded = true
		return
	}

	t, ok, err := a.emissions.LastEmission(ctx)
	if err != nil {
		var perr *models.PolicyEvaluationError
		if !errors.As(err, &perr) {
			// transient store failure, try again next tick
			a.logger.Warn("load last emission failed", applogger.Error(err))
			return
		}
		a.logger.Warn("stored emission time ignored", applogger.Error(err))
		ok = false
	}
	a.loaded = true
	if ok {
		a.lastEmission = &t
		a.logger.Info("restored last emission", applogger.Time("at", t))
	}
}

func (a *Aggregator) setPhase(p Phase) {
	a.mu.Lock()
	a.phase = p
	a.mu.Unlock()
}

// Phase returns the current phase.
func (a *Aggregator) Phase() Phase {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.phase
}

// States returns a copy of the recorded source states.
func (a *Aggregator) States() map[string]models.SourceState { return a.tracker.Snapshot() }

// Statuses lists every expected source with its failure counters.
func (a *Aggregator) Statuses() []models.SourceStatus { return a.tracker.Statuses() }

// LastSnapshot returns the most recently emitted snapshot, or nil.
func (a *Aggregator) LastSnapshot() *models.MergedSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastSnapshot
}

// LastDecision returns the outcome of the latest readiness evaluation.
func (a *Aggregator) LastDecision() Decision {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastDecision
}

// LastEmission returns the time of the previous emission, if any.
func (a *Aggregator) LastEmission() (time.Time, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.lastEmission == nil {
		return time.Time{}, false
	}
	return *a.lastEmission, true
}
