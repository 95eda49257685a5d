// Package metrics exposes booking lifecycle, room provider and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MarkoPoloResearchLab/callbook/internal/sweeper"
	"github.com/MarkoPoloResearchLab/callbook/pkg/booking"
)

const namespace = "callbook"

// Metrics holds every collector of the service.
type Metrics struct {
	registry *prometheus.Registry

	transitions   *prometheus.CounterVec
	sagaFailures  *prometheus.CounterVec
	settlements   *prometheus.CounterVec
	roomRequests  *prometheus.CounterVec
	sweeps        *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDurations *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_transitions_total",
			Help:      "Booking status transitions by target status.",
		}, []string{"status"}),
		sagaFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_saga_failures_total",
			Help:      "Rolled back booking creations by failed step.",
		}, []string{"step"}),
		settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settlement postings by booking outcome and result.",
		}, []string{"outcome", "result"}),
		roomRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_requests_total",
			Help:      "Room provider requests by operation and outcome.",
		}, []string{"operation", "outcome"}),
		sweeps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_transitions_total",
			Help:      "Transitions applied by the deadline sweeper.",
		}, []string{"kind"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDurations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// ObserveTransition counts a booking entering status.
func (metrics *Metrics) ObserveTransition(status booking.Status) {
	metrics.transitions.WithLabelValues(status.String()).Inc()
}

// ObserveSagaFailure counts a rolled back creation.
func (metrics *Metrics) ObserveSagaFailure(step string) {
	metrics.sagaFailures.WithLabelValues(step).Inc()
}

// ObserveSettlement counts a settlement attempt.
func (metrics *Metrics) ObserveSettlement(status booking.Status, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.settlements.WithLabelValues(status.String(), result).Inc()
}

// ObserveSweep counts one sweeper pass.
func (metrics *Metrics) ObserveSweep(result sweeper.Result) {
	metrics.sweeps.WithLabelValues("expired").Add(float64(result.Expired))
	metrics.sweeps.WithLabelValues("no_show").Add(float64(result.NoShows))
	metrics.sweeps.WithLabelValues("completed").Add(float64(result.Completed))
	metrics.sweeps.WithLabelValues("settled").Add(float64(result.Settled))
	metrics.sweeps.WithLabelValues("failure").Add(float64(result.Failures))
}

// RoomRequests is the counter the room provider client reports to.
func (metrics *Metrics) RoomRequests() *prometheus.CounterVec {
	return metrics.roomRequests
}

// Middleware records request counts and latency per matched route.
func (metrics *Metrics) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := ctx.Request.Method
		metrics.httpRequests.WithLabelValues(method, route, strconv.Itoa(ctx.Writer.Status())).Inc()
		metrics.httpDurations.WithLabelValues(method, route).Observe(time.Since(started).Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{Registry: metrics.registry})
}

// Registry exposes the underlying registry.
func (metrics *Metrics) Registry() *prometheus.Registry {
	return metrics.registry
}
