package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "threatgraph"

// Metrics holds Prometheus metrics for threatgraph. Every recording method
// is safe on a nil receiver so components can run with metrics disabled.
type Metrics struct {
	// Graph metrics
	GraphQueryDuration *prometheus.HistogramVec
	GraphQueryErrors   *prometheus.CounterVec

	// Search metrics
	SearchRequests *prometheus.CounterVec
	SearchFailures *prometheus.CounterVec
	SearchCache    *prometheus.CounterVec

	// Write metrics
	EntitiesUpserted *prometheus.CounterVec

	// Streaming metrics
	MessagesPublished *prometheus.CounterVec
	MessagesConsumed  *prometheus.CounterVec

	// Feed metrics
	FeedItemsIngested *prometheus.CounterVec
	FeedRunDuration   *prometheus.HistogramVec

	// System metrics
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge

	// Health metrics
	HealthStatus    *prometheus.GaugeVec
	LastHealthCheck prometheus.Gauge

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     *prometheus.CounterVec
}

// NewMetrics registers the metric set with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		GraphQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "graph_query_duration_seconds",
				Help:      "Graph statement duration by access mode",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"mode"},
		),
		GraphQueryErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "graph_query_errors_total",
				Help:      "Graph statement failures by access mode and error kind",
			},
			[]string{"mode", "kind"},
		),
		SearchRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "search_requests_total",
				Help:      "Search requests by entity",
			},
			[]string{"entity"},
		),
		SearchFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "search_failures_total",
				Help:      "Searches degraded to an empty page after a store failure",
			},
			[]string{"entity", "kind"},
		),
		SearchCache: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "search_cache_total",
				Help:      "Search cache lookups by result",
			},
			[]string{"entity", "result"},
		),
		EntitiesUpserted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entities_upserted_total",
				Help:      "Entities merged into the graph by origin",
			},
			[]string{"entity", "origin"},
		),
		MessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_published_total",
				Help:      "Messages produced to Kafka",
			},
			[]string{"topic", "status"},
		),
		MessagesConsumed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_consumed_total",
				Help:      "Messages consumed from Kafka by outcome",
			},
			[]string{"topic", "outcome"},
		),
		FeedItemsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_items_ingested_total",
				Help:      "Feed items streamed by source",
			},
			[]string{"source", "status"},
		),
		FeedRunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "feed_run_duration_seconds",
				Help:      "Feed fetch duration by source",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"source"},
		),
		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutine_count",
				Help:      "Current goroutine count",
			},
		),
		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		HealthStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "health_status",
				Help:      "Health status of components (1=healthy, 0=unhealthy)",
			},
			[]string{"component"},
		),
		LastHealthCheck: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_health_check_timestamp",
				Help:      "Timestamp of last health check",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "path"},
		),
		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"tier"},
		),
	}
}

func (m *Metrics) ObserveGraphQuery(mode string, d time.Duration, errKind string) {
	if m == nil {
		return
	}
	m.GraphQueryDuration.WithLabelValues(mode).Observe(d.Seconds())
	if errKind != "" {
		m.GraphQueryErrors.WithLabelValues(mode, errKind).Inc()
	}
}

func (m *Metrics) ObserveHealth(component string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.HealthStatus.WithLabelValues(component).Set(v)
	m.LastHealthCheck.SetToCurrentTime()
}

func (m *Metrics) SearchRequested(entity string) {
	if m == nil {
		return
	}
	m.SearchRequests.WithLabelValues(entity).Inc()
}

func (m *Metrics) SearchFailed(entity, kind string) {
	if m == nil {
		return
	}
	m.SearchFailures.WithLabelValues(entity, kind).Inc()
}

func (m *Metrics) CacheLookup(entity string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.SearchCache.WithLabelValues(entity, result).Inc()
}

func (m *Metrics) Upserted(entity, origin string) {
	if m == nil {
		return
	}
	m.EntitiesUpserted.WithLabelValues(entity, origin).Inc()
}

func (m *Metrics) Published(topic string, ok bool) {
	if m == nil {
		return
	}
	status := "success"
	if !ok {
		status = "failed"
	}
	m.MessagesPublished.WithLabelValues(topic, status).Inc()
}

func (m *Metrics) Consumed(topic, outcome string) {
	if m == nil {
		return
	}
	m.MessagesConsumed.WithLabelValues(topic, outcome).Inc()
}

func (m *Metrics) FeedItem(source string, ok bool) {
	if m == nil {
		return
	}
	status := "success"
	if !ok {
		status = "failed"
	}
	m.FeedItemsIngested.WithLabelValues(source, status).Inc()
}

func (m *Metrics) ObserveFeedRun(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.FeedRunDuration.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Metrics) ObserveRequest(method, path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

func (m *Metrics) RateLimitRejected(tier string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(tier).Inc()
}
