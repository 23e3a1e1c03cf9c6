package edgerouter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"edgerouter/internal/queue"
)

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Namespace   string
	ConstLabels prometheus.Labels
	Buckets     []float64
	Registry    prometheus.Registerer
}

type MetricsOption func(*MetricsConfig)

func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) { c.Namespace = namespace }
}

func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) { c.ConstLabels = labels }
}

func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) { c.Buckets = buckets }
}

// WithRegistry sets the registerer. Tests pass a fresh prometheus.NewRegistry
// so collectors do not collide on the default one.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) { c.Registry = registry }
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "edgerouter",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the pipeline collectors.
type Metrics struct {
	requests           *prometheus.CounterVec
	duration           *prometheus.HistogramVec
	cacheDecisions     *prometheus.CounterVec
	redirects          *prometheus.CounterVec
	rewrites           prometheus.Counter
	middlewareInvoked  prometheus.Counter
	middlewareErrors   prometheus.Counter
	revalidationErrors prometheus.Counter
	storeWrites        *prometheus.CounterVec

	factory promauto.Factory
	config  MetricsConfig
}

func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}, labels)
	}

	return &Metrics{
		requests: counterVec("requests_total", "Requests served by outcome and status class", "outcome", "code"),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Name:        "pipeline_duration_seconds",
			Help:        "Time spent in the routing and cache pipeline",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"outcome"}),
		cacheDecisions:     counterVec("cache_decisions_total", "ISR interceptor decisions", "outcome", "status"),
		redirects:          counterVec("redirects_total", "Redirects answered at the edge", "code"),
		rewrites:           counter("rewrites_total", "Rewrite rules applied"),
		middlewareInvoked:  counter("middleware_invocations_total", "Middleware invocations"),
		middlewareErrors:   counter("middleware_errors_total", "Middleware invocations that failed"),
		revalidationErrors: counter("revalidation_errors_total", "Revalidation handler failures"),
		storeWrites:        counterVec("store_writes_total", "Content store writes by result", "result"),
		factory:            factory,
		config:             config,
	}
}

// observeQueue exports the queue's own counters.
func (m *Metrics) observeQueue(stats func() queue.Stats) {
	fn := func(name, help string, pick func(queue.Stats) int64) {
		m.factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   "queue",
			Name:        name,
			Help:        help,
			ConstLabels: m.config.ConstLabels,
		}, func() float64 { return float64(pick(stats())) })
	}
	fn("sent_total", "Revalidation messages accepted", func(s queue.Stats) int64 { return s.Sent })
	fn("deduplicated_total", "Revalidation messages dropped as duplicates", func(s queue.Stats) int64 { return s.Deduplicated })
	fn("processed_total", "Revalidation messages handled", func(s queue.Stats) int64 { return s.Processed })
	fn("failed_total", "Revalidation messages whose handler failed", func(s queue.Stats) int64 { return s.Failed })
}
