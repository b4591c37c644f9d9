// Package observability holds the Prometheus metrics and the OpenTelemetry
// tracer provider.
package observability

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the application counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	SharesCreated *prometheus.CounterVec
	Redemptions   *prometheus.CounterVec
	SweepRuns     *prometheus.CounterVec
	SweepDeleted  *prometheus.CounterVec
	Notifications *prometheus.CounterVec
	HTTPRequests  *prometheus.CounterVec
	HTTPDuration  *prometheus.HistogramVec
	registry      prometheus.Gatherer
}

// NewMetrics registers the collectors with reg. Collectors that are already
// registered are reused, which keeps repeated construction in tests working.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		SharesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filedrop", Name: "shares_created_total",
			Help: "Share tokens created, by mode.",
		}, []string{"mode"}),
		Redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filedrop", Name: "share_redemptions_total",
			Help: "Share token redemption attempts, by outcome.",
		}, []string{"outcome"}),
		SweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filedrop", Name: "sweep_runs_total",
			Help: "Background sweep runs, by sweep and outcome.",
		}, []string{"sweep", "outcome"}),
		SweepDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filedrop", Name: "sweep_deleted_total",
			Help: "Rows removed by background sweeps.",
		}, []string{"sweep"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filedrop", Name: "notifications_total",
			Help: "Notification dispatches, by sink and outcome.",
		}, []string{"sink", "outcome"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filedrop", Name: "http_requests_total",
			Help: "HTTP requests, by route and status code.",
		}, []string{"route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "filedrop", Name: "http_request_duration_seconds",
			Help:    "HTTP request latency, by route.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10},
		}, []string{"route"}),
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.registry = g
	}

	var err error
	m.SharesCreated = register(reg, m.SharesCreated, &err)
	m.Redemptions = register(reg, m.Redemptions, &err)
	m.SweepRuns = register(reg, m.SweepRuns, &err)
	m.SweepDeleted = register(reg, m.SweepDeleted, &err)
	m.Notifications = register(reg, m.Notifications, &err)
	m.HTTPRequests = register(reg, m.HTTPRequests, &err)
	m.HTTPDuration = register(reg, m.HTTPDuration, &err)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C, errp *error) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		*errp = errors.Join(*errp, err)
	}
	return c
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ShareCreated(mode string) {
	if m == nil {
		return
	}
	m.SharesCreated.WithLabelValues(mode).Inc()
}

// Redeemed records a redemption outcome: "ok", "dead" or "error".
func (m *Metrics) Redeemed(outcome string) {
	if m == nil {
		return
	}
	m.Redemptions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SweepRan(sweep string, err error, deleted int) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.SweepRuns.WithLabelValues(sweep, outcome).Inc()
	m.SweepDeleted.WithLabelValues(sweep).Add(float64(deleted))
}

func (m *Metrics) Notified(sink string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Notifications.WithLabelValues(sink, outcome).Inc()
}
