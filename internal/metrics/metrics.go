// Package metrics registers the Prometheus instruments for the gateway and
// the HTTP middleware that feeds them.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set holds the gateway's instruments bound to one registry.
type Set struct {
	registry *prometheus.Registry

	HTTPRequests  *prometheus.CounterVec
	HTTPDuration  *prometheus.HistogramVec
	CacheHits     *prometheus.CounterVec
	QuotaRefusals *prometheus.CounterVec
	UpstreamCalls *prometheus.CounterVec
}

// New creates a registry with the gateway instruments plus the standard Go
// and process collectors.
func New() *Set {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	s := &Set{
		registry: reg,
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "adsgateway_http_requests_total",
			Help: "HTTP requests by route, method, and status.",
		}, []string{"route", "method", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "adsgateway_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "adsgateway_cache_requests_total",
			Help: "Cache lookups by outcome (hit, miss).",
		}, []string{"outcome"}),
		QuotaRefusals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "adsgateway_quota_refusals_total",
			Help: "Operations refused at admission by reason.",
		}, []string{"reason"}),
		UpstreamCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "adsgateway_upstream_calls_total",
			Help: "Upstream API calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
	}
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return s
}

// ObserveQueueDepth exports the scheduler queue depth through the given
// read-out, sampled at scrape time.
func (s *Set) ObserveQueueDepth(depth func() float64) {
	s.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "adsgateway_scheduler_queue_depth",
		Help: "Operations waiting in the scheduler queue.",
	}, depth))
}

// Handler serves the registry in the Prometheus exposition format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency per chi route pattern.
func (s *Set) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		s.HTTPDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
