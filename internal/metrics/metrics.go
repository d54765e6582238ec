// Package metrics exposes host diagnostics as Prometheus collectors.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "padlink"

// Metrics holds the host's collectors.
type Metrics struct {
	state         prometheus.Gauge
	authStreak    prometheus.Gauge
	authFailures  prometheus.Counter
	sessionsReady prometheus.Counter
	framesSent    prometheus.Counter
	retries       prometheus.Counter
	inputReports  prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		state: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (0=idle .. 8=disconnecting).",
		}),
		authStreak: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "auth_failure_streak",
			Help:      "Consecutive authentication failures with a stored key.",
		}),
		authFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Authentication failures with a stored key.",
		}),
		sessionsReady: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ready_total",
			Help:      "Sessions that reached the ready state.",
		}),
		framesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_frames_sent_total",
			Help:      "Output reports transmitted on the interrupt channel.",
		}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_retries_total",
			Help:      "Output sends deferred because the controller queue was full.",
		}),
		inputReports: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_reports_total",
			Help:      "Input reports received on the interrupt channel.",
		}),
	}
}

// Handler serves the collectors gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) SetState(state int) {
	if m == nil {
		return
	}
	m.state.Set(float64(state))
}

// AuthFailure records a failure; streak is the counter value after it.
func (m *Metrics) AuthFailure(streak uint32) {
	if m == nil {
		return
	}
	m.authFailures.Inc()
	m.authStreak.Set(float64(streak))
}

func (m *Metrics) AuthSucceeded() {
	if m == nil {
		return
	}
	m.authStreak.Set(0)
}

func (m *Metrics) SessionReady() {
	if m == nil {
		return
	}
	m.sessionsReady.Inc()
}

func (m *Metrics) FrameSent() {
	if m == nil {
		return
	}
	m.framesSent.Inc()
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) InputReport() {
	if m == nil {
		return
	}
	m.inputReports.Inc()
}
