package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "renderfox",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "renderfox",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "renderfox",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"method", "route"},
	)

	tasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "renderfox",
			Name:      "tasks_total",
			Help:      "Detached tasks by type and outcome (enqueued, completed, retried, failed).",
		},
		[]string{"type", "outcome"},
	)

	generations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "renderfox",
			Name:      "generations_total",
			Help:      "Metered generation attempts by tool and final state.",
		},
		[]string{"tool", "state"},
	)

	generationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "renderfox",
			Name:      "generation_duration_seconds",
			Help:      "Duration of the dispatched generation work.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4min
		},
		[]string{"tool"},
	)

	refunds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "renderfox",
			Name:      "refunds_total",
			Help:      "Credit refunds by outcome (ok, error, missing_log).",
		},
		[]string{"outcome"},
	)

	refundedCredits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "renderfox",
			Name:      "refunded_credits_total",
			Help:      "Credits returned to users after failed generations.",
		},
	)

	webhooks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "renderfox",
			Name:      "payment_webhooks_total",
			Help:      "Payment webhook deliveries by outcome.",
		},
		[]string{"outcome"},
	)

	exports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "renderfox",
			Name:      "timeline_exports_total",
			Help:      "Timeline exports by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		tasks,
		generations,
		generationDuration,
		refunds,
		refundedCredits,
		webhooks,
		exports,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latencies per registered route.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Path() == "/metrics" {
			return c.Next()
		}

		start := time.Now()
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		err := c.Next()

		status := c.Response().StatusCode()
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		}
		route := c.Route().Path
		method := c.Method()
		httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		return err
	}
}

// RecordTask counts a task lifecycle event.
func RecordTask(taskType, outcome string) {
	tasks.WithLabelValues(taskType, outcome).Inc()
}

// RecordGeneration counts a finished orchestrator attempt.
func RecordGeneration(tool, state string, duration time.Duration) {
	generations.WithLabelValues(tool, state).Inc()
	if duration > 0 {
		generationDuration.WithLabelValues(tool).Observe(duration.Seconds())
	}
}

// RecordRefund counts a refund attempt; credits only count on success.
func RecordRefund(outcome string, credits int) {
	refunds.WithLabelValues(outcome).Inc()
	if outcome == "ok" && credits > 0 {
		refundedCredits.Add(float64(credits))
	}
}

// RecordWebhook counts a payment webhook delivery.
func RecordWebhook(outcome string) {
	webhooks.WithLabelValues(outcome).Inc()
}

// RecordExport counts a timeline export.
func RecordExport(outcome string) {
	exports.WithLabelValues(outcome).Inc()
}
