package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector owns every instrument the tool records into. It carries a
// private registry so repeated construction (tests, multiple commands in
// one process) never collides with previously registered series.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	errorsTotal     *prometheus.CounterVec
	rateLimitHits   prometheus.Counter
	breakerState    *prometheus.GaugeVec

	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	problemsTotal  *prometheus.CounterVec
	sectionObjects *prometheus.CounterVec
	recordsWritten *prometheus.CounterVec
	queueDepth     prometheus.Gauge
}

// NewCollector creates a collector with all instruments registered under
// namespace (default "sonar_tools").
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "sonar_tools"
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	c := &Collector{registry: registry}

	c.requestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Total number of requests made to the platform web API",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	c.requestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Duration of platform web API requests",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "endpoint"},
	)

	c.errorsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "errors_total",
			Help:      "Total number of failed platform web API requests",
		},
		[]string{"method", "endpoint", "error_kind"},
	)

	c.rateLimitHits = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "rate_limit_hits_total",
			Help:      "Total number of requests delayed by the local rate limiter",
		},
	)

	c.breakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "breaker_state",
			Help:      "Current breaker state (the active state has value 1)",
		},
		[]string{"state"},
	)

	c.tasksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "tasks_total",
			Help:      "Total number of tasks run, by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	c.taskDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "task_duration_seconds",
			Help:      "Duration of individual tasks",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"operation"},
	)

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Object cache hits, by object type",
		},
		[]string{"object_type"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Object cache misses, by object type",
		},
		[]string{"object_type"},
	)

	c.problemsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "problems_total",
			Help:      "Audit problems found, by severity and type",
		},
		[]string{"severity", "type"},
	)

	c.sectionObjects = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "roundtrip",
			Name:      "section_objects_total",
			Help:      "Objects handled per document section, by operation and result",
		},
		[]string{"operation", "section", "result"},
	)

	c.recordsWritten = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "records_written_total",
			Help:      "Records written to the output sink, by format",
		},
		[]string{"format"},
	)

	c.queueDepth = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "queue_depth",
			Help:      "Batches currently queued for the result writer",
		},
	)

	return c
}

// Registry exposes the private registry for the metrics server and tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordRequest records one web API round trip.
func (c *Collector) RecordRequest(method, endpoint string, duration time.Duration, statusCode int) {
	c.requestsTotal.WithLabelValues(method, endpoint, statusCodeLabel(statusCode)).Inc()
	c.requestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordError records a failed web API request with its error kind.
func (c *Collector) RecordError(method, endpoint string, errorKind string) {
	c.errorsTotal.WithLabelValues(method, endpoint, errorKind).Inc()
}

// RecordRateLimit records whether a request was held back by the limiter.
func (c *Collector) RecordRateLimit(limited bool) {
	if limited {
		c.rateLimitHits.Inc()
	}
}

// RecordBreakerState marks the given breaker state as active.
func (c *Collector) RecordBreakerState(state string) {
	for _, s := range []string{"closed", "half_open", "open"} {
		c.breakerState.WithLabelValues(s).Set(0)
	}
	c.breakerState.WithLabelValues(state).Set(1)
}

// RecordTask records one completed task with its classified outcome.
func (c *Collector) RecordTask(operation, outcome string, duration time.Duration) {
	c.tasksTotal.WithLabelValues(operation, outcome).Inc()
	c.taskDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCacheAccess records a cache lookup result for the object type.
func (c *Collector) RecordCacheAccess(objectType string, hit bool) {
	if hit {
		c.cacheHits.WithLabelValues(objectType).Inc()
	} else {
		c.cacheMisses.WithLabelValues(objectType).Inc()
	}
}

// RecordProblem records one audit finding.
func (c *Collector) RecordProblem(severity, problemType string) {
	c.problemsTotal.WithLabelValues(severity, problemType).Inc()
}

// RecordSection records one document section's export or import counts.
func (c *Collector) RecordSection(operation, section string, succeeded, failed int) {
	c.sectionObjects.WithLabelValues(operation, section, "ok").Add(float64(succeeded))
	c.sectionObjects.WithLabelValues(operation, section, "failed").Add(float64(failed))
}

// RecordWritten records records flushed to the output sink.
func (c *Collector) RecordWritten(format string, count int) {
	c.recordsWritten.WithLabelValues(format).Add(float64(count))
}

// SetQueueDepth tracks the writer's pending batch count.
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

func statusCodeLabel(statusCode int) string {
	if statusCode == 0 {
		return "error"
	}
	return strconv.Itoa(statusCode)
}
