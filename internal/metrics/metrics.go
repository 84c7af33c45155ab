// Package metrics exposes the backend's Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
)

// Metrics holds the collectors of one backend process. Each instance owns
// its registry so tests and multiple servers never collide.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Handshakes      *prometheus.HistogramVec
	FanOutFailures  *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_http_requests_total",
				Help: "Total number of control API requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_http_request_duration_seconds",
				Help:    "Control API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
		Handshakes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_system_handshake_duration_seconds",
				Help:    "Time from add to ready or failed, per transport and outcome",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 4, 8, 16},
			},
			[]string{"transport", "outcome"},
		),
		FanOutFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_resource_fanout_failures_total",
				Help: "Systems that failed or timed out during a resource fan-out",
			},
			[]string{"system"},
		),
	}
}

// HandshakeFinished records one handshake outcome.
func (m *Metrics) HandshakeFinished(kind v1alpha1.TransportKind, outcome string, elapsed time.Duration) {
	m.Handshakes.WithLabelValues(string(kind), outcome).Observe(elapsed.Seconds())
}

// FanOutFailure counts one failed fan-out member.
func (m *Metrics) FanOutFailure(system string) {
	m.FanOutFailures.WithLabelValues(system).Inc()
}

// WatchSystems registers a gauge reporting how many systems are in each
// state, read from counts at scrape time.
func (m *Metrics) WatchSystems(counts func() map[v1alpha1.SystemState]int) {
	m.Registry.MustRegister(&stateCollector{counts: counts})
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Middleware counts requests by route template so path parameters do not
// explode the label space.
func (m *Metrics) Middleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tmpl, err := cur.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			m.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
			m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

var systemsDesc = prometheus.NewDesc(
	"conduit_systems",
	"Number of registered systems by state",
	[]string{"state"}, nil,
)

// stateCollector reports system counts at scrape time.
type stateCollector struct {
	counts func() map[v1alpha1.SystemState]int
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- systemsDesc
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	counts := c.counts()
	for _, s := range []v1alpha1.SystemState{
		v1alpha1.SystemConnecting, v1alpha1.SystemReady, v1alpha1.SystemFailed, v1alpha1.SystemClosed,
	} {
		ch <- prometheus.MustNewConstMetric(systemsDesc, prometheus.GaugeValue, float64(counts[s]), string(s))
	}
}
