package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// Registry holds the Prometheus metrics for fxrun. It implements the
// observer hooks of the signal, backtest and walkforward packages.
type Registry struct {
	reg *prometheus.Registry

	// Backtest metrics
	BacktestRuns     *prometheus.CounterVec
	BacktestDuration prometheus.Histogram
	Trades           *prometheus.CounterVec

	// Oracle metrics
	OracleRequests *prometheus.CounterVec
	OracleLatency  prometheus.Histogram
	Signals        *prometheus.CounterVec

	// Walk-forward metrics
	InflightRuns prometheus.Gauge

	// HTTP server metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewRegistry creates a registry with all fxrun metrics registered on a
// private prometheus.Registry
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		BacktestRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxrun_backtest_runs_total",
				Help: "Backtest runs by completion status",
			},
			[]string{"status"},
		),

		BacktestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fxrun_backtest_duration_seconds",
				Help:    "Wall-clock duration of backtest runs",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
		),

		Trades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxrun_trades_total",
				Help: "Closed simulated positions by exit reason",
			},
			[]string{"exit_reason"},
		),

		OracleRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxrun_oracle_requests_total",
				Help: "Remote oracle calls by outcome",
			},
			[]string{"outcome"},
		),

		OracleLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fxrun_oracle_latency_seconds",
				Help:    "Remote oracle call latency",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),

		Signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxrun_signals_total",
				Help: "Signals served over HTTP by direction",
			},
			[]string{"signal"},
		),

		InflightRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fxrun_walkforward_inflight_runs",
				Help: "Grid backtests currently running",
			},
		),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxrun_http_requests_total",
				Help: "HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fxrun_http_request_duration_seconds",
				Help:    "HTTP request duration by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}

	r.reg.MustRegister(
		r.BacktestRuns,
		r.BacktestDuration,
		r.Trades,
		r.OracleRequests,
		r.OracleLatency,
		r.Signals,
		r.InflightRuns,
		r.HTTPRequests,
		r.HTTPDuration,
	)
	return r
}

// Gatherer exposes the underlying registry
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the registry in the Prometheus text format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveRun records a finished backtest
func (r *Registry) ObserveRun(status string, d time.Duration) {
	r.BacktestRuns.WithLabelValues(status).Inc()
	r.BacktestDuration.Observe(d.Seconds())
}

// ObserveTrade records a closed position
func (r *Registry) ObserveTrade(exitReason string) {
	r.Trades.WithLabelValues(exitReason).Inc()
}

// ObserveOracle records one remote oracle call
func (r *Registry) ObserveOracle(outcome string, latency time.Duration) {
	r.OracleRequests.WithLabelValues(outcome).Inc()
	r.OracleLatency.Observe(latency.Seconds())
	if outcome == "breaker_open" {
		log.Warn().Str("outcome", outcome).Msg("Oracle circuit breaker open")
	}
}

// ObserveSignal records a served decision
func (r *Registry) ObserveSignal(signal string) {
	r.Signals.WithLabelValues(signal).Inc()
}

// RunStarted marks a walk-forward grid run as in flight
func (r *Registry) RunStarted() {
	r.InflightRuns.Inc()
}

// RunFinished clears an in-flight grid run
func (r *Registry) RunFinished() {
	r.InflightRuns.Dec()
}

// RequestTimer tracks one HTTP request
type RequestTimer struct {
	metrics *Registry
	route   string
	start   time.Time
}

// StartRequestTimer begins timing a request on route
func (r *Registry) StartRequestTimer(route string) *RequestTimer {
	return &RequestTimer{
		metrics: r,
		route:   route,
		start:   time.Now(),
	}
}

// Stop records the request with its status code
func (t *RequestTimer) Stop(code int) {
	duration := time.Since(t.start)
	t.metrics.HTTPDuration.WithLabelValues(t.route).Observe(duration.Seconds())
	t.metrics.HTTPRequests.WithLabelValues(t.route, strconv.Itoa(code)).Inc()

	log.Debug().
		Str("route", t.route).
		Int("code", code).
		Dur("duration", duration).
		Msg("HTTP request completed")
}

// CounterValue reads the current value of a labelled counter
func CounterValue(vec *prometheus.CounterVec, labels ...string) float64 {
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	m := &io_prometheus_client.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// GaugeValue reads the current value of a gauge
func GaugeValue(g prometheus.Gauge) float64 {
	m := &io_prometheus_client.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

// HistogramCount reads the number of observations of a histogram
func HistogramCount(h prometheus.Histogram) uint64 {
	m := &io_prometheus_client.Metric{}
	if err := h.Write(m); err != nil {
		return 0
	}
	return m.GetHistogram().GetSampleCount()
}
