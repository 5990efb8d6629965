package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/amoylab/collab/internal/common/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects HTTP and collaboration engine metrics. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry   *prometheus.Registry
	namespace  string
	httpReqCnt *prometheus.CounterVec
	httpDur    *prometheus.HistogramVec
	httpInfl   *prometheus.GaugeVec

	connections  prometheus.Gauge
	broadcasts   *prometheus.CounterVec
	sendFailures prometheus.Counter
	leases       *prometheus.CounterVec
	swept        prometheus.Counter
	aggregated   prometheus.Counter
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	r := prometheus.NewRegistry()
	// Register standard process and Go collectors
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	httpReqCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"})
	httpDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: cfg.Buckets}, []string{"method", "route", "status"})
	httpInfl := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "http_requests_inflight"}, []string{"route"})
	r.MustRegister(httpReqCnt, httpDur, httpInfl)

	connections := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "push_connections"})
	broadcasts := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "push_messages_total"}, []string{"kind"})
	sendFailures := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "push_send_failures_total"})
	leases := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "lease_requests_total"}, []string{"result"})
	swept := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "sessions_expired_total"})
	aggregated := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "content_updates_total"})
	r.MustRegister(connections, broadcasts, sendFailures, leases, swept, aggregated)

	return &Metrics{
		registry:     r,
		namespace:    ns,
		httpReqCnt:   httpReqCnt,
		httpDur:      httpDur,
		httpInfl:     httpInfl,
		connections:  connections,
		broadcasts:   broadcasts,
		sendFailures: sendFailures,
		leases:       leases,
		swept:        swept,
		aggregated:   aggregated,
	}
}

// SetConnections records the number of open push connections
func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

// MessageSent counts a push message of the given kind
func (m *Metrics) MessageSent(kind string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(kind).Inc()
}

// SendFailed counts connections removed after a failed send
func (m *Metrics) SendFailed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sendFailures.Add(float64(n))
}

// LeaseResult counts a lease request by outcome: granted, rejected, heartbeat
func (m *Metrics) LeaseResult(result string) {
	if m == nil {
		return
	}
	m.leases.WithLabelValues(result).Inc()
}

// SessionsExpired counts sessions removed by the sweep
func (m *Metrics) SessionsExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.swept.Add(float64(n))
}

// ContentUpdated counts an aggregated page update
func (m *Metrics) ContentUpdated() {
	if m == nil {
		return
	}
	m.aggregated.Inc()
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = routeFromURL(c.Request.URL.Path)
		}
		m.httpInfl.WithLabelValues(route).Inc()
		start := time.Now()
		c.Next()
		status := httpStatus(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
		m.httpInfl.WithLabelValues(route).Dec()
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func routeFromURL(path string) string {
	if strings.HasSuffix(path, "/sse") {
		return "/api/collab/sse"
	}
	return "unmatched"
}

func httpStatus(code int) string { return strconv.Itoa(code) }
