// Package metrics exposes the broker's Prometheus collectors. Every method
// is safe to call on a nil *Metrics so components can run without metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the broker collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	pactsPublished        prometheus.Counter
	verificationsRecorded *prometheus.CounterVec
	resolutions           *prometheus.CounterVec
	matrixDuration        prometheus.Histogram
	matrixRows            prometheus.Histogram
	eventsDelivered       *prometheus.CounterVec
	indexRebuildEntries   prometheus.Gauge
	httpDuration          *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pactsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_pacts_published_total",
			Help: "Number of pact revisions published.",
		}),
		verificationsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_verifications_recorded_total",
			Help: "Number of verification results recorded, by outcome.",
		}, []string{"success"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_latest_resolutions_total",
			Help: "Number of latest-verification resolutions, by query shape and result.",
		}, []string{"query", "result"}),
		matrixDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "broker_matrix_build_duration_seconds",
			Help:    "Time taken to build a matrix.",
			Buckets: prometheus.DefBuckets,
		}),
		matrixRows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "broker_matrix_rows",
			Help:    "Number of rows in built matrices.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		eventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_events_delivery_total",
			Help: "Number of outbox delivery attempts, by event type and outcome.",
		}, []string{"type", "delivered"}),
		indexRebuildEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_latest_index_rebuild_entries",
			Help: "Number of latest-verification index entries after the last rebuild.",
		}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broker_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status code.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.pactsPublished,
		m.verificationsRecorded,
		m.resolutions,
		m.matrixDuration,
		m.matrixRows,
		m.eventsDelivered,
		m.indexRebuildEntries,
		m.httpDuration,
	)
	return m
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// PactPublished counts a publication.
func (m *Metrics) PactPublished() {
	if m == nil {
		return
	}
	m.pactsPublished.Inc()
}

// VerificationRecorded counts a recorded verification.
func (m *Metrics) VerificationRecorded(success bool) {
	if m == nil {
		return
	}
	m.verificationsRecorded.WithLabelValues(strconv.FormatBool(success)).Inc()
}

// Resolution counts a latest-verification query. found is false for
// queries that resolved to nothing.
func (m *Metrics) Resolution(query string, found bool) {
	if m == nil {
		return
	}
	result := "found"
	if !found {
		result = "not_found"
	}
	m.resolutions.WithLabelValues(query, result).Inc()
}

// MatrixBuilt observes a matrix build.
func (m *Metrics) MatrixBuilt(d time.Duration, rows int) {
	if m == nil {
		return
	}
	m.matrixDuration.Observe(d.Seconds())
	m.matrixRows.Observe(float64(rows))
}

// EventDelivery counts an outbox delivery attempt.
func (m *Metrics) EventDelivery(eventType string, delivered bool) {
	if m == nil {
		return
	}
	m.eventsDelivered.WithLabelValues(eventType, strconv.FormatBool(delivered)).Inc()
}

// IndexRebuilt records the size of a rebuilt latest-verification index.
func (m *Metrics) IndexRebuilt(entries int64) {
	if m == nil {
		return
	}
	m.indexRebuildEntries.Set(float64(entries))
}

// Middleware observes request latency labelled with the chi route pattern,
// so path parameters do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		m.httpDuration.WithLabelValues(r.Method, route, strconv.Itoa(code)).Observe(time.Since(start).Seconds())
	})
}
