package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the probe's Prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	ticks          *prometheus.CounterVec
	fetchErrors    *prometheus.CounterVec
	alertsSent     prometheus.Counter
	alertsFailed   prometheus.Counter
	tickPanics     prometheus.Counter
	networkHeight  prometheus.Gauge
	indexedHeight  prometheus.Gauge
	lagBlocks      prometheus.Gauge
	lastTickSecond prometheus.Gauge
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics registered on the default registry (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = New(prometheus.DefaultRegisterer)
	})
	return metrics
}

// New builds metrics registered on reg. Tests pass a fresh prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lag_watch_ticks_total",
			Help: "Total number of probe ticks by outcome",
		}, []string{"status"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lag_watch_fetch_errors_total",
			Help: "Total number of failed upstream fetches by source and failure kind",
		}, []string{"source", "kind"}),
		alertsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lag_watch_alerts_sent_total",
			Help: "Total number of alerts delivered to sinks",
		}),
		alertsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lag_watch_alerts_failed_total",
			Help: "Total number of alerts that could not be delivered",
		}),
		tickPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lag_watch_tick_panics_total",
			Help: "Total number of ticks aborted by a recovered panic",
		}),
		networkHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lag_watch_network_height",
			Help: "Last network head reported by the node provider",
		}),
		indexedHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lag_watch_indexed_height",
			Help: "Last indexed head reported by the cursor service",
		}),
		lagBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lag_watch_lag_blocks",
			Help: "Last measured lag between network and indexed head",
		}),
		lastTickSecond: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lag_watch_last_tick_timestamp_seconds",
			Help: "Unix time of the last completed tick",
		}),
	}
	reg.MustRegister(
		m.ticks,
		m.fetchErrors,
		m.alertsSent,
		m.alertsFailed,
		m.tickPanics,
		m.networkHeight,
		m.indexedHeight,
		m.lagBlocks,
		m.lastTickSecond,
	)
	return m
}

// Tick counts a completed tick with its outcome status.
func (m *Metrics) Tick(status string, at time.Time) {
	if m != nil {
		m.ticks.WithLabelValues(status).Inc()
		m.lastTickSecond.Set(float64(at.Unix()))
	}
}

// FetchError counts a failed fetch for source ("node" or "indexer").
func (m *Metrics) FetchError(source, kind string) {
	if m != nil {
		m.fetchErrors.WithLabelValues(source, kind).Inc()
	}
}

// AlertsSent increments the alerts sent counter.
func (m *Metrics) AlertsSent() {
	if m != nil {
		m.alertsSent.Inc()
	}
}

// AlertsFailed increments the failed alerts counter.
func (m *Metrics) AlertsFailed() {
	if m != nil {
		m.alertsFailed.Inc()
	}
}

// TickPanic increments the recovered panic counter.
func (m *Metrics) TickPanic() {
	if m != nil {
		m.tickPanics.Inc()
	}
}

func (m *Metrics) NetworkHeight(v float64) {
	if m != nil {
		m.networkHeight.Set(v)
	}
}

func (m *Metrics) IndexedHeight(v float64) {
	if m != nil {
		m.indexedHeight.Set(v)
	}
}

func (m *Metrics) Lag(v float64) {
	if m != nil {
		m.lagBlocks.Set(v)
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
