// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector registered for the gateway, named and
// labeled to match the original xjp_* metric surface.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	TokensTotal       *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
	RateLimitHits     *prometheus.CounterVec
	AuthErrorsTotal   *prometheus.CounterVec
}

// New creates and registers all collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xjp",
			Name:      "requests_total",
			Help:      "Total number of gateway requests.",
		}, []string{"provider", "logical_model", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "xjp",
			Name:      "request_duration_seconds",
			Help:      "Gateway request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "logical_model"}),

		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xjp",
			Name:      "tokens_total",
			Help:      "Total tokens billed, by kind.",
		}, []string{"provider", "logical_model", "kind"}),

		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "xjp",
			Name:      "active_connections",
			Help:      "Number of in-flight streaming connections.",
		}),

		RateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xjp",
			Name:      "rate_limit_hits_total",
			Help:      "Total requests rejected by the rate limiter.",
		}, []string{"tenant_id"}),

		AuthErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xjp",
			Name:      "auth_errors_total",
			Help:      "Total authentication failures, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.TokensTotal,
		m.ActiveConnections,
		m.RateLimitHits,
		m.AuthErrorsTotal,
	)

	return m
}
