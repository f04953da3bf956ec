package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/catalogweb/internal/version"
)

type ServerMetrics struct {
	reg            *prometheus.Registry
	handler        http.Handler
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	profilingActive prometheus.Gauge

	// rate limiter
	ratelimitDeniedTotal      *prometheus.CounterVec
	ratelimitEvictedTotal     *prometheus.CounterVec
	ratelimitStoreErrorsTotal prometheus.Counter

	// session guard
	sessionDecisionsTotal *prometheus.CounterVec

	contactSubmissionsTotal *prometheus.CounterVec
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		ratelimitDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_denied_total",
			Help: "Total requests rejected by the rate limiter, by action",
		}, []string{"action"}),
		ratelimitEvictedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_evicted_total",
			Help: "Total rate limit entries removed, by reason (sweep or capacity)",
		}, []string{"reason"}),
		ratelimitStoreErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_store_errors_total",
			Help: "Total rate limit store failures (requests were allowed)",
		}),
		sessionDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_decisions_total",
			Help: "Session guard decisions by session state and outcome",
		}, []string{"state", "outcome"}),
		contactSubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contact_submissions_total",
			Help: "Contact form submissions by result",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.profilingActive,
		m.ratelimitDeniedTotal,
		m.ratelimitEvictedTotal,
		m.ratelimitStoreErrorsTotal,
		m.sessionDecisionsTotal,
		m.contactSubmissionsTotal,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// Registry is exposed for collectors owned by other packages.
func (m *ServerMetrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// SetBuildInfo publishes the running build; set once at startup.
func (m *ServerMetrics) SetBuildInfo(component string, vi version.Info) {
	m.buildInfo.With(prometheus.Labels{
		"app":         vi.Service,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildID,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   vi.DirtyLabel(),
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// IncRateLimitDenied takes the client id too so it fits the limiter hook;
// only the action becomes a label.
func (m *ServerMetrics) IncRateLimitDenied(action, _ string) {
	m.ratelimitDeniedTotal.WithLabelValues(action).Inc()
}

func (m *ServerMetrics) AddRateLimitSwept(n int) {
	if n > 0 {
		m.ratelimitEvictedTotal.WithLabelValues("sweep").Add(float64(n))
	}
}

func (m *ServerMetrics) AddRateLimitCapacityEvicted(n int) {
	if n > 0 {
		m.ratelimitEvictedTotal.WithLabelValues("capacity").Add(float64(n))
	}
}

func (m *ServerMetrics) IncRateLimitStoreError(error) {
	m.ratelimitStoreErrorsTotal.Inc()
}

func (m *ServerMetrics) IncSessionDecision(state, outcome string) {
	m.sessionDecisionsTotal.WithLabelValues(state, outcome).Inc()
}

func (m *ServerMetrics) IncContactSubmission(result string) {
	m.contactSubmissionsTotal.WithLabelValues(result).Inc()
}
