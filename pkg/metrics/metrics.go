package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/amoylab/sessiond/internal/common/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the session server collectors. Every method is safe to call
// on a nil *Metrics so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	httpReqCnt *prometheus.CounterVec
	httpDur    *prometheus.HistogramVec
	httpInfl   *prometheus.GaugeVec

	created       *prometheus.CounterVec
	expired       *prometheus.CounterVec
	passivated    *prometheus.CounterVec
	rematerialize *prometheus.CounterVec
	inflight      *prometheus.GaugeVec

	ticks       prometheus.Counter
	tickDur     prometheus.Histogram
	storeErrors *prometheus.CounterVec
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	r := prometheus.NewRegistry()
	// Register standard process and Go collectors
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry:      r,
		httpReqCnt:    prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"}),
		httpDur:       prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: buckets}, []string{"method", "route", "status"}),
		httpInfl:      prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "http_requests_inflight"}, []string{"route"}),
		created:       prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "sessions_created_total"}, []string{"context"}),
		expired:       prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "sessions_expired_total"}, []string{"context"}),
		passivated:    prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "sessions_passivated_total"}, []string{"context"}),
		rematerialize: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "sessions_rematerialized_total"}, []string{"context"}),
		inflight:      prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "sessions_inflight"}, []string{"context"}),
		ticks:         prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "inspector_ticks_total"}),
		tickDur:       prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: ns, Name: "inspector_tick_duration_seconds", Buckets: buckets}),
		storeErrors:   prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "inspector_store_errors_total"}, []string{"context", "phase"}),
	}
	r.MustRegister(m.httpReqCnt, m.httpDur, m.httpInfl)
	r.MustRegister(m.created, m.expired, m.passivated, m.rematerialize, m.inflight)
	r.MustRegister(m.ticks, m.tickDur, m.storeErrors)
	return m
}

// Registry exposes the underlying registry, mostly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SessionCreated(context string) {
	if m != nil {
		m.created.WithLabelValues(context).Inc()
	}
}

func (m *Metrics) SessionExpired(context string) {
	if m != nil {
		m.expired.WithLabelValues(context).Inc()
	}
}

func (m *Metrics) SessionPassivated(context string) {
	if m != nil {
		m.passivated.WithLabelValues(context).Inc()
	}
}

func (m *Metrics) SessionRematerialized(context string) {
	if m != nil {
		m.rematerialize.WithLabelValues(context).Inc()
	}
}

// CheckedOut and CheckedIn track the in-flight requests holding sessions
func (m *Metrics) CheckedOut(context string) {
	if m != nil {
		m.inflight.WithLabelValues(context).Inc()
	}
}

func (m *Metrics) CheckedIn(context string) {
	if m != nil {
		m.inflight.WithLabelValues(context).Dec()
	}
}

func (m *Metrics) InspectorTick(since time.Time) {
	if m != nil {
		m.ticks.Inc()
		m.tickDur.Observe(time.Since(since).Seconds())
	}
}

func (m *Metrics) InspectorStoreError(context, phase string) {
	if m != nil {
		m.storeErrors.WithLabelValues(context, phase).Inc()
	}
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpInfl.WithLabelValues(route).Inc()
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
		m.httpInfl.WithLabelValues(route).Dec()
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
