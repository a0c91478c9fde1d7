// Package metrics provides a Prometheus metrics registry for the comfort
// gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 12, 20}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// comfort_inflight_requests
	inFlight prometheus.Gauge

	// comfort_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// comfort_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// comfort_outcomes_total{outcome}
	outcomes *prometheus.CounterVec

	// comfort_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// comfort_upstream_requests_total{outcome}
	upstreamRequests *prometheus.CounterVec

	// comfort_upstream_duration_seconds{outcome}
	upstreamDuration *prometheus.HistogramVec

	// comfort_category_total{category}
	categories *prometheus.CounterVec

	// comfort_upstream_circuit_state{state}
	circuitState *prometheus.GaugeVec

	// comfort_dropped_logs
	droppedLogs prometheus.Counter

	// comfort_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "comfort_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "comfort_http_requests_total",
				Help: "Total number of HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "comfort_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds, including the upstream call",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "comfort_outcomes_total",
				Help: "Comfort requests by terminal outcome",
			},
			[]string{"outcome"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "comfort_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		upstreamRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "comfort_upstream_requests_total",
				Help: "Upstream chat-completion calls by outcome",
			},
			[]string{"outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "comfort_upstream_duration_seconds",
				Help:    "Upstream chat-completion call duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"outcome"},
		),

		categories: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "comfort_category_total",
				Help: "Successful payloads by worry category",
			},
			[]string{"category"},
		),

		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "comfort_upstream_circuit_state",
				Help: "Upstream circuit breaker state (1 for the current state)",
			},
			[]string{"state"},
		),

		droppedLogs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "comfort_dropped_logs",
			Help: "Request log entries dropped because the buffer was full",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "comfort_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.outcomes,
		r.rateLimitTotal,
		r.upstreamRequests,
		r.upstreamDuration,
		r.categories,
		r.circuitState,
		r.droppedLogs,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordOutcome counts one comfort request by its terminal outcome.
func (r *Registry) RecordOutcome(outcome string) {
	r.outcomes.WithLabelValues(outcome).Inc()
}

// RecordRateLimit counts one limiter decision: allowed, denied or degraded.
func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

// ObserveUpstream records one upstream call.
func (r *Registry) ObserveUpstream(outcome string, dur time.Duration) {
	r.upstreamRequests.WithLabelValues(outcome).Inc()
	r.upstreamDuration.WithLabelValues(outcome).Observe(dur.Seconds())
}

// RecordCategory counts one successful payload by category.
func (r *Registry) RecordCategory(category string) {
	r.categories.WithLabelValues(category).Inc()
}

// circuitStates lists every breaker state so the gauge always exports all
// three series.
var circuitStates = []string{"closed", "open", "half_open"}

// SetCircuitState marks state as the current upstream breaker state.
func (r *Registry) SetCircuitState(state string) {
	for _, s := range circuitStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.circuitState.WithLabelValues(s).Set(v)
	}
}

// AddDroppedLogs adds n to the dropped request log counter.
func (r *Registry) AddDroppedLogs(n int64) {
	if n > 0 {
		r.droppedLogs.Add(float64(n))
	}
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
