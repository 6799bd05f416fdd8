package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-edge/internal/version"
)

type ServerMetrics struct {
	reg                    *prometheus.Registry
	handler                http.Handler
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	respBytes              *prometheus.HistogramVec
	httpPanicTotal         prometheus.Counter
	buildInfo              *prometheus.GaugeVec
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	errorsTotal *prometheus.CounterVec

	profilingActive prometheus.Gauge

	// trust-layer metrics
	authFailuresTotal   *prometheus.CounterVec
	verifiedTotal       prometheus.Counter
	nonceReplaysTotal   prometheus.Counter
	tokensIssuedTotal   prometheus.Counter
	tokensRedeemedTotal prometheus.Counter
	tokenRejectsTotal   *prometheus.CounterVec
	auditFailuresTotal  prometheus.Counter
	storeErrorsTotal    *prometheus.CounterVec
	previewCacheTotal   *prometheus.CounterVec
	previewRenderDur    prometheus.Histogram
	leadsRecordedTotal  prometheus.Counter
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
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 52428800},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		authFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trust_auth_failures_total",
			Help: "Total signed-request verification failures by reason",
		}, []string{"reason"}),
		verifiedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trust_requests_verified_total",
			Help: "Total requests whose signature and freshness checks passed",
		}),
		nonceReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trust_nonce_replays_total",
			Help: "Total requests rejected because their nonce was already seen",
		}),
		tokensIssuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trust_tokens_issued_total",
			Help: "Total delivery tokens issued",
		}),
		tokensRedeemedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trust_tokens_redeemed_total",
			Help: "Total delivery tokens successfully redeemed",
		}),
		tokenRejectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trust_token_rejections_total",
			Help: "Total delivery token rejections by reason",
		}, []string{"reason"}),
		auditFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Total audit record writes that failed (requests still served)",
		}),
		storeErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kvstore_errors_total",
			Help: "Total key-value store command failures by operation",
		}, []string{"op"}),
		previewCacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "preview_cache_requests_total",
			Help: "Preview image cache lookups by result (hit or miss)",
		}, []string{"result"}),
		previewRenderDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "preview_render_duration_seconds",
			Help:    "Time to render a preview image on cache miss",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		leadsRecordedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leads_recorded_total",
			Help: "Total lead submissions accepted and stored",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.errorsTotal,
		m.profilingActive,
		m.authFailuresTotal,
		m.verifiedTotal,
		m.nonceReplaysTotal,
		m.tokensIssuedTotal,
		m.tokensRedeemedTotal,
		m.tokenRejectsTotal,
		m.auditFailuresTotal,
		m.storeErrorsTotal,
		m.previewCacheTotal,
		m.previewRenderDur,
		m.leadsRecordedTotal,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// IncAuthFailure records a rejected signed request. Reason is one of
// "missing", "stale", "invalid", "replay" (kept to a fixed vocabulary
// so the label stays low-cardinality).
func (m *ServerMetrics) IncAuthFailure(reason string) {
	m.authFailuresTotal.WithLabelValues(reason).Inc()
}

func (m *ServerMetrics) IncVerified() {
	m.verifiedTotal.Inc()
}

func (m *ServerMetrics) IncNonceReplay() {
	m.nonceReplaysTotal.Inc()
}

func (m *ServerMetrics) IncTokenIssued() {
	m.tokensIssuedTotal.Inc()
}

func (m *ServerMetrics) IncTokenRedeemed() {
	m.tokensRedeemedTotal.Inc()
}

// IncTokenRejected records a failed redemption: "malformed", "expired", or "invalid".
func (m *ServerMetrics) IncTokenRejected(reason string) {
	m.tokenRejectsTotal.WithLabelValues(reason).Inc()
}

func (m *ServerMetrics) IncAuditWriteFailure() {
	m.auditFailuresTotal.Inc()
}

func (m *ServerMetrics) IncStoreError(op string) {
	m.storeErrorsTotal.WithLabelValues(op).Inc()
}

func (m *ServerMetrics) IncPreviewCache(hit bool) {
	if hit {
		m.previewCacheTotal.WithLabelValues("hit").Inc()
	} else {
		m.previewCacheTotal.WithLabelValues("miss").Inc()
	}
}

func (m *ServerMetrics) ObservePreviewRender(seconds float64) {
	m.previewRenderDur.Observe(seconds)
}

func (m *ServerMetrics) IncLeadRecorded() {
	m.leadsRecordedTotal.Inc()
}
