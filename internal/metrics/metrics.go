// Package metrics exposes the proctoring Prometheus collectors.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	sessionsStarted prometheus.Counter
	violations      *prometheus.CounterVec
	terminations    *prometheus.CounterVec
	submissions     *prometheus.CounterVec
	sweepDuration   prometheus.Histogram
	sweepExpired    prometheus.Counter
	activeStreams   prometheus.Gauge
	httpDuration    *prometheus.HistogramVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "proctor_sessions_started_total",
			Help: "Quiz sessions successfully started",
		}),
		violations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_violations_total",
			Help: "Violation reports by category and whether they were accepted",
		}, []string{"category", "accepted"}),
		terminations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_terminations_total",
			Help: "Sessions terminated by reason",
		}, []string{"reason"}),
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_submissions_total",
			Help: "Submission gate outcomes",
		}, []string{"outcome"}),
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "proctor_sweep_duration_seconds",
			Help:    "Expiry sweep duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}),
		sweepExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "proctor_sweep_expired_total",
			Help: "Sessions terminated by the expiry sweep",
		}),
		activeStreams: f.NewGauge(prometheus.GaugeOpts{
			Name: "proctor_ws_streams_active",
			Help: "Open exam client WebSocket streams",
		}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "proctor_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
}

func (m *Metrics) Violation(category string, accepted bool) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(category, strconv.FormatBool(accepted)).Inc()
}

func (m *Metrics) Terminated(reason string) {
	if m == nil {
		return
	}
	m.terminations.WithLabelValues(reason).Inc()
}

// Submission outcomes: scored, auto_scored, rejected_terminated, rejected_duplicate.
func (m *Metrics) Submission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Sweep(d time.Duration, expired int) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
	m.sweepExpired.Add(float64(expired))
}

func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.activeStreams.Inc()
}

func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.activeStreams.Dec()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
