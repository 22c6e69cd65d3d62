package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	fetches      *prometheus.CounterVec
	fetchLatency *prometheus.HistogramVec
	staleness    *prometheus.GaugeVec
	ready        prometheus.Gauge
	emissions    prometheus.Counter
	netliq       prometheus.Gauge
	sinkWrites   *prometheus.CounterVec
	sinkLatency  *prometheus.HistogramVec
	sinkQueue    *prometheus.GaugeVec
	sinkDrops    *prometheus.CounterVec
	errorsTotal  *prometheus.CounterVec
}

// New registers the recorder's collectors on reg, or on the default
// registry when reg is nil.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Recorder{
		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "foliopull_source_fetches_total",
			Help: "Source fetches by result (ok or error kind)",
		}, []string{"source", "result"}),
		fetchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "foliopull_source_fetch_duration_seconds",
			Help:    "Duration of source fetches",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"source"}),
		staleness: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "foliopull_source_consecutive_failures",
			Help: "Consecutive failed fetch cycles per source",
		}, []string{"source"}),
		ready: f.NewGauge(prometheus.GaugeOpts{
			Name: "foliopull_ready",
			Help: "1 when the last readiness evaluation allowed an emission",
		}),
		emissions: f.NewCounter(prometheus.CounterOpts{
			Name: "foliopull_emissions_total",
			Help: "Number of merged snapshots emitted",
		}),
		netliq: f.NewGauge(prometheus.GaugeOpts{
			Name: "foliopull_netliq",
			Help: "Net liquidation value of the last emitted snapshot",
		}),
		sinkWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "foliopull_sink_writes_total",
			Help: "Sink writes by result",
		}, []string{"sink", "result"}),
		sinkLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "foliopull_sink_write_duration_seconds",
			Help:    "Duration of sink writes including retries",
			Buckets: prometheus.DefBuckets,
		}, []string{"sink"}),
		sinkQueue: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "foliopull_sink_queue_depth",
			Help: "Snapshots waiting in each sink queue",
		}, []string{"sink"}),
		sinkDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "foliopull_sink_dropped_total",
			Help: "Snapshots dropped by a full sink queue",
		}, []string{"sink"}),
		errorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "foliopull_errors_total",
			Help: "Total number of errors encountered",
		}, []string{"type"}),
	}
}

func (r *Recorder) RecordFetch(source, result string, seconds float64) {
	r.fetches.WithLabelValues(source, result).Inc()
	r.fetchLatency.WithLabelValues(source).Observe(seconds)
}

func (r *Recorder) RecordSourceStaleness(source string, cycles int) {
	r.staleness.WithLabelValues(source).Set(float64(cycles))
}

func (r *Recorder) RecordReadiness(ready bool) {
	if ready {
		r.ready.Set(1)
		return
	}
	r.ready.Set(0)
}

func (r *Recorder) RecordEmission(netliq float64) {
	r.emissions.Inc()
	r.netliq.Set(netliq)
}

func (r *Recorder) RecordSinkWrite(sink, result string, seconds float64) {
	r.sinkWrites.WithLabelValues(sink, result).Inc()
	r.sinkLatency.WithLabelValues(sink).Observe(seconds)
}

func (r *Recorder) RecordSinkQueue(sink string, depth int) {
	r.sinkQueue.WithLabelValues(sink).Set(float64(depth))
}

func (r *Recorder) RecordSinkDrop(sink string) {
	r.sinkDrops.WithLabelValues(sink).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}
