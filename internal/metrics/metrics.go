// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nexusbiz",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nexusbiz",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "route"},
	)

	groupTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nexusbiz",
			Subsystem: "lifecycle",
			Name:      "group_transitions_total",
			Help:      "Group status transitions applied.",
		},
		[]string{"from", "to"},
	)

	changeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nexusbiz",
			Subsystem: "events",
			Name:      "change_events_total",
			Help:      "Change events seen by the hub, by outcome.",
		},
		[]string{"class", "outcome"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nexusbiz",
			Subsystem: "notify",
			Name:      "notifications_total",
			Help:      "Push notifications by outcome.",
		},
		[]string{"type", "outcome"},
	)

	notifyQueue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nexusbiz",
			Subsystem: "notify",
			Name:      "queue_depth",
			Help:      "Notifications waiting for delivery.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		groupTransitions,
		changeEvents,
		notifications,
		notifyQueue,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and durations by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func GroupTransition(from, to string) {
	groupTransitions.WithLabelValues(from, to).Inc()
}

func EventPublished(class string) {
	changeEvents.WithLabelValues(class, "published").Inc()
}

func EventFiltered(class string) {
	changeEvents.WithLabelValues(class, "filtered").Inc()
}

func NotificationSent(kind string) {
	notifications.WithLabelValues(kind, "sent").Inc()
}

func NotificationRetried(kind string) {
	notifications.WithLabelValues(kind, "retried").Inc()
}

func NotificationDuplicate(kind string) {
	notifications.WithLabelValues(kind, "duplicate").Inc()
}

func NotifyQueueDepth(n int) {
	notifyQueue.Set(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
