// Package metrics provides a Prometheus metrics registry for the wayfinder.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when the client library is
// embedded in other applications. The /metrics HTTP handler is exposed via
// Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// wayfinder_inflight_requests
	inFlight prometheus.Gauge

	// wayfinder_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// wayfinder_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// wayfinder_requests_total{kind,outcome}
	requestsTotal *prometheus.CounterVec

	// wayfinder_routing_attempts_total{strategy,outcome}
	routingAttempts *prometheus.CounterVec

	// wayfinder_gateway_selected_total{gateway}
	gatewaySelected *prometheus.CounterVec

	// wayfinder_verification_total{strategy,outcome}
	verificationTotal *prometheus.CounterVec

	// wayfinder_verification_duration_seconds{strategy}
	verificationDuration *prometheus.HistogramVec

	// wayfinder_bytes_streamed_total
	bytesStreamed prometheus.Counter

	// wayfinder_cdb_lookups_total{result}
	cdbLookups *prometheus.CounterVec

	// wayfinder_circuit_breaker_state{gateway}
	circuitBreakerState *prometheus.GaugeVec

	// wayfinder_gateway_health{gateway}
	gatewayHealth *prometheus.GaugeVec

	// wayfinder_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
	handlerOnce    sync.Once
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wayfinder_inflight_requests",
			Help: "Current number of in-flight ar:// requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wayfinder_http_requests_total",
				Help: "Total number of HTTP requests handled by the daemon",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wayfinder_http_request_duration_seconds",
				Help:    "Daemon HTTP request duration in seconds (includes upstream streaming)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wayfinder_requests_total",
				Help: "Total ar:// requests by identifier kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		routingAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wayfinder_routing_attempts_total",
				Help: "Gateway selection attempts (includes retries)",
			},
			[]string{"strategy", "outcome"},
		),

		gatewaySelected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wayfinder_gateway_selected_total",
				Help: "Requests routed to each gateway host",
			},
			[]string{"gateway"},
		),

		verificationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wayfinder_verification_total",
				Help: "Verification outcomes by strategy",
			},
			[]string{"strategy", "outcome"},
		),

		verificationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wayfinder_verification_duration_seconds",
				Help:    "Wall time from first byte to verification verdict",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"strategy"},
		),

		bytesStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wayfinder_bytes_streamed_total",
			Help: "Total payload bytes streamed to clients",
		}),

		cdbLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wayfinder_cdb_lookups_total",
				Help: "CDB64 index lookups by result (hit, miss, error)",
			},
			[]string{"result"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wayfinder_circuit_breaker_state",
				Help: "Per-gateway circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"gateway"},
		),

		gatewayHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wayfinder_gateway_health",
				Help: "Gateway probe result (1=ok, 0=down)",
			},
			[]string{"gateway"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wayfinder_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestsTotal,
		r.routingAttempts,
		r.gatewaySelected,
		r.verificationTotal,
		r.verificationDuration,
		r.bytesStreamed,
		r.cdbLookups,
		r.circuitBreakerState,
		r.gatewayHealth,
		r.buildInfo,
	)

	return r
}

// SetBuildInfo records the running version.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

// IncInFlight / DecInFlight bracket one daemon request.
func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records one daemon HTTP request.
func (r *Registry) ObserveHTTP(route string, status int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordRequest counts one ar:// request by identifier kind and outcome.
func (r *Registry) RecordRequest(kind, outcome string) {
	r.requestsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordRoutingAttempt counts one gateway selection attempt.
func (r *Registry) RecordRoutingAttempt(strategy, outcome string) {
	r.routingAttempts.WithLabelValues(strategy, outcome).Inc()
}

// RecordGatewaySelected counts a routing decision.
func (r *Registry) RecordGatewaySelected(host string) {
	r.gatewaySelected.WithLabelValues(host).Inc()
}

// RecordVerification counts a verification verdict and its duration.
func (r *Registry) RecordVerification(strategy, outcome string, dur time.Duration) {
	r.verificationTotal.WithLabelValues(strategy, outcome).Inc()
	r.verificationDuration.WithLabelValues(strategy).Observe(dur.Seconds())
}

// AddBytesStreamed accumulates payload bytes delivered to clients.
func (r *Registry) AddBytesStreamed(n int64) {
	if n > 0 {
		r.bytesStreamed.Add(float64(n))
	}
}

// RecordCDBLookup counts one index lookup.
func (r *Registry) RecordCDBLookup(result string) {
	r.cdbLookups.WithLabelValues(result).Inc()
}

// SetCircuitBreaker publishes a breaker state.
func (r *Registry) SetCircuitBreaker(host string, state int64) {
	r.circuitBreakerState.WithLabelValues(host).Set(float64(state))
}

// SetGatewayHealth publishes a probe result.
func (r *Registry) SetGatewayHealth(host string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	r.gatewayHealth.WithLabelValues(host).Set(v)
}

// Handler returns a fasthttp handler serving the registry in the Prometheus
// exposition format.
func (r *Registry) Handler() fasthttp.RequestHandler {
	r.handlerOnce.Do(func() {
		h := promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
		r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)
	})
	return r.metricsHandler
}
