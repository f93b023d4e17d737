// Package metrics exposes Prometheus instrumentation for the bar pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder collects pipeline metrics. A nil Recorder is a no-op so tests and
// one-shot tooling can skip registration entirely.
type Recorder struct {
	reconcileCycles *prometheus.CounterVec
	datesFilled     *prometheus.CounterVec
	barsUpserted    *prometheus.CounterVec
	providerCalls   *prometheus.CounterVec
	fetchDuration   prometheus.Histogram
	wsClients       prometheus.Gauge
}

// New registers the pipeline collectors with the default registry.
// Call it once per process.
func New() *Recorder {
	return &Recorder{
		reconcileCycles: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kbarstore_reconcile_cycles_total",
				Help: "Reconciliation cycles run, by session and outcome",
			},
			[]string{"session", "outcome"},
		),
		datesFilled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kbarstore_reconcile_dates_filled_total",
				Help: "Trading days refilled by reconciliation",
			},
			[]string{"session"},
		),
		barsUpserted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kbarstore_bars_upserted_total",
				Help: "Minute bars written to the store, by write path",
			},
			[]string{"source"},
		),
		providerCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kbarstore_provider_requests_total",
				Help: "History provider requests, by outcome",
			},
			[]string{"outcome"},
		),
		fetchDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kbarstore_provider_request_duration_seconds",
				Help:    "History provider request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		wsClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kbarstore_ws_clients",
				Help: "Connected WebSocket subscribers",
			},
		),
	}
}

// RecordCycle records one reconciliation cycle outcome.
func (r *Recorder) RecordCycle(session, outcome string) {
	if r == nil {
		return
	}
	r.reconcileCycles.WithLabelValues(session, outcome).Inc()
}

// RecordDatesFilled adds refilled trading days for a session.
func (r *Recorder) RecordDatesFilled(session string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.datesFilled.WithLabelValues(session).Add(float64(n))
}

// RecordBarsUpserted adds stored bars for a write path ("reconcile",
// "refresh", "backfill").
func (r *Recorder) RecordBarsUpserted(source string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.barsUpserted.WithLabelValues(source).Add(float64(n))
}

// RecordProviderCall records one provider round-trip and its duration.
func (r *Recorder) RecordProviderCall(outcome string, seconds float64) {
	if r == nil {
		return
	}
	r.providerCalls.WithLabelValues(outcome).Inc()
	r.fetchDuration.Observe(seconds)
}

// WSClientConnected tracks a WebSocket subscriber arriving.
func (r *Recorder) WSClientConnected() {
	if r == nil {
		return
	}
	r.wsClients.Inc()
}

// WSClientDisconnected tracks a WebSocket subscriber leaving.
func (r *Recorder) WSClientDisconnected() {
	if r == nil {
		return
	}
	r.wsClients.Dec()
}
