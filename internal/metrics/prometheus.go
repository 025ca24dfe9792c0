// Prometheus registry for the gateway, exposed at /metrics (spec §6),
// alongside the sliding-window LatencySampler (metrics.go) kept for
// the human-readable /health/detailed snapshot. Grounded in
// wso2-api-platform/gateway/gateway-controller/pkg/metrics/metrics.go
// and .../policy-engine/internal/metrics/metrics.go's use of
// prometheus/client_golang, scaled down to this gateway's own metric
// set rather than reusing their control-plane-specific names.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "relaygate"

// ErrorClass buckets taxonomy codes for the errors_total metric, per
// spec §4.6/§7.
type ErrorClass string

const (
	ErrorClassValidation     ErrorClass = "validation"
	ErrorClassAuthentication ErrorClass = "authentication"
	ErrorClassAuthorization  ErrorClass = "authorization"
	ErrorClassNotFound       ErrorClass = "not_found"
	ErrorClassRateLimit      ErrorClass = "rate_limit"
	ErrorClassServer         ErrorClass = "server"
)

// Registry holds every Prometheus collector the gateway exports.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal          *prometheus.CounterVec
	RequestDurationSeconds *prometheus.HistogramVec
	ErrorsTotal            *prometheus.CounterVec
	RateLimitDecisions     *prometheus.CounterVec
	CircuitBreakerState    *prometheus.GaugeVec
	UpstreamRetries        *prometheus.CounterVec
}

// NewRegistry constructs and registers every collector.
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Total number of proxied requests.",
	}, []string{"route", "method", "status_code"})

	r.RequestDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_duration_seconds",
		Help:      "End-to-end request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"route", "method"})

	r.ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Total number of gateway-generated errors by classification.",
	}, []string{"class", "code"})

	r.RateLimitDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_decisions_total",
		Help:      "Rate limiter allow/deny decisions by strategy.",
	}, []string{"strategy", "decision"})

	r.CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per route (0=closed, 1=open, 2=half_open).",
	}, []string{"route"})

	r.UpstreamRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_retries_total",
		Help:      "Total number of proxy retry attempts beyond the first.",
	}, []string{"route"})

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.RequestsTotal,
		r.RequestDurationSeconds,
		r.ErrorsTotal,
		r.RateLimitDecisions,
		r.CircuitBreakerState,
		r.UpstreamRetries,
	)
	return r
}

// Gatherer exposes the underlying prometheus.Gatherer for the
// /metrics HTTP handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
