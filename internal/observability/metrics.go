package observability

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by API and worker flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDuration     *prometheus.HistogramVec
	batchesTotal            *prometheus.CounterVec
	itemsTotal              *prometheus.CounterVec
	batchSubmitDuration     *prometheus.HistogramVec
	workerInflight          *prometheus.GaugeVec
	retryScheduledTotal     *prometheus.CounterVec
	journalReplaysTotal     prometheus.Counter
	jobsTotal               *prometheus.CounterVec
	remoteStatusSyncedTotal *prometheus.CounterVec
}

const namespace = "submission_engine"

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		batchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_total",
				Help:      "Total number of batches driven to a terminal outcome.",
			},
			[]string{"service_code", "outcome"},
		),
		itemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_total",
				Help:      "Total number of items recorded by terminal result.",
			},
			[]string{"service_code", "result"},
		),
		batchSubmitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_submit_duration_seconds",
				Help:      "Remote batch submit duration in seconds grouped by service code.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"service_code"},
		),
		workerInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_inflight",
				Help:      "Current number of in-flight batches grouped by service code.",
			},
			[]string{"service_code"},
		),
		retryScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_scheduled_total",
				Help:      "Total number of batch submit retries.",
			},
			[]string{"service_code"},
		),
		journalReplaysTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "journal_replays_total",
				Help:      "Total number of batches settled from a journaled response instead of a remote call.",
			},
		),
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Total number of submission jobs by final state.",
			},
			[]string{"state"},
		),
		remoteStatusSyncedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_status_synced_total",
				Help:      "Total number of order status updates pulled from the remote service.",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.batchesTotal,
		m.itemsTotal,
		m.batchSubmitDuration,
		m.workerInflight,
		m.retryScheduledTotal,
		m.journalReplaysTotal,
		m.jobsTotal,
		m.remoteStatusSyncedTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HTTPMiddleware records request counts and latency per route. statusOf maps
// a handler error to the status the error handler will send; nil only
// understands *fiber.Error.
func (m *Metrics) HTTPMiddleware(statusOf func(error) int) fiber.Handler {
	if statusOf == nil {
		statusOf = fiberStatus
	}

	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		if path == "/metrics" {
			return err
		}

		status := c.Response().StatusCode()
		if err != nil {
			status = statusOf(err)
		}
		m.recordHTTPRequest(c.Method(), path, status, time.Since(start))
		return err
	}
}

func (m *Metrics) IncBatch(serviceCode string, outcome string) {
	if m == nil {
		return
	}
	m.batchesTotal.WithLabelValues(normalizeLabel(serviceCode), normalizeLabel(outcome)).Inc()
}

func (m *Metrics) AddItems(serviceCode string, succeeded, duplicates, failed int) {
	if m == nil {
		return
	}
	label := normalizeLabel(serviceCode)
	m.itemsTotal.WithLabelValues(label, "succeeded").Add(float64(succeeded))
	m.itemsTotal.WithLabelValues(label, "duplicate").Add(float64(duplicates))
	m.itemsTotal.WithLabelValues(label, "failed").Add(float64(failed))
}

func (m *Metrics) ObserveBatchSubmitDuration(serviceCode string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.batchSubmitDuration.WithLabelValues(normalizeLabel(serviceCode)).Observe(seconds)
}

func (m *Metrics) IncWorkerInFlight(serviceCode string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(serviceCode)).Inc()
}

func (m *Metrics) DecWorkerInFlight(serviceCode string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(serviceCode)).Dec()
}

func (m *Metrics) IncRetryScheduled(serviceCode string) {
	if m == nil {
		return
	}
	m.retryScheduledTotal.WithLabelValues(normalizeLabel(serviceCode)).Inc()
}

func (m *Metrics) IncJournalReplay() {
	if m == nil {
		return
	}
	m.journalReplaysTotal.Inc()
}

func (m *Metrics) IncJob(state string) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(normalizeLabel(state)).Inc()
}

func (m *Metrics) IncRemoteStatusSynced(status string) {
	if m == nil {
		return
	}
	m.remoteStatusSyncedTotal.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func fiberStatus(err error) int {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return fiberErr.Code
	}
	return fiber.StatusInternalServerError
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
