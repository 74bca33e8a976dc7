package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-forecast/internal/cache"
	"github.com/irfndi/celebrum-forecast/internal/services"
)

// Collector owns a private Prometheus registry and records engine, backtest
// and HTTP activity. It satisfies backtest.Observer and
// services.EngineObserver.
type Collector struct {
	registry *prometheus.Registry
	logger   *logrus.Logger

	forecasts        *prometheus.CounterVec
	forecastDuration *prometheus.HistogramVec
	backtestSteps    *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	omitted          *prometheus.CounterVec
	resultCache      *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// NewCollector creates a collector whose metric names start with namespace.
func NewCollector(namespace string, logger *logrus.Logger) *Collector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		logger:   logger,

		forecasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forecasts_total",
				Help:      "Forecast runs by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),
		forecastDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "forecast_duration_seconds",
				Help:      "Wall time of a forecast run including fitting",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"strategy"},
		),
		backtestSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backtest_steps_total",
				Help:      "Walk-forward steps by strategy and result",
			},
			[]string{"strategy", "result"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backtest_step_duration_seconds",
				Help:      "Duration of a single walk-forward fit and forecast",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"strategy"},
		),
		omitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backtest_strategies_omitted_total",
				Help:      "Strategies dropped from a backtest for too few successful steps",
			},
			[]string{"strategy", "operation"},
		),
		resultCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "result_cache_lookups_total",
				Help:      "Result cache lookups by operation and result",
			},
			[]string{"operation", "result"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.forecasts,
		c.forecastDuration,
		c.backtestSteps,
		c.stepDuration,
		c.omitted,
		c.resultCache,
		c.httpRequests,
		c.httpDuration,
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) ObserveForecast(strategy, outcome string, duration time.Duration) {
	c.forecasts.WithLabelValues(strategy, outcome).Inc()
	c.forecastDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

func (c *Collector) ObserveResultCache(operation string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.resultCache.WithLabelValues(operation, result).Inc()
}

func (c *Collector) ObserveBacktestStep(strategy string, ok bool, duration time.Duration) {
	result := "success"
	if !ok {
		result = "failure"
	}
	c.backtestSteps.WithLabelValues(strategy, result).Inc()
	c.stepDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

func (c *Collector) ObserveStrategyOmitted(strategy, operation string) {
	c.omitted.WithLabelValues(strategy, operation).Inc()
	c.logger.WithFields(logrus.Fields{
		"strategy":  strategy,
		"operation": operation,
	}).Debug("Strategy omitted from backtest")
}

// RecordAPIRequest records one served HTTP request. route is the matched
// pattern, not the raw path.
func (c *Collector) RecordAPIRequest(method, route string, status int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// WatchWorkerPool exports pool occupancy gauges read at scrape time.
func (c *Collector) WatchWorkerPool(namespace string, stats func() services.WorkerPoolStats) {
	gauge := func(name, help string, read func(services.WorkerPoolStats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker_pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return read(stats()) })
	}
	counter := func(name, help string, read func(services.WorkerPoolStats) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker_pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return read(stats()) })
	}

	c.registry.MustRegister(
		gauge("workers", "Configured worker slots", func(s services.WorkerPoolStats) float64 { return float64(s.Workers) }),
		gauge("active", "Jobs currently running", func(s services.WorkerPoolStats) float64 { return float64(s.Active) }),
		gauge("waiting", "Jobs waiting for a slot", func(s services.WorkerPoolStats) float64 { return float64(s.Waiting) }),
		counter("rejected_total", "Jobs rejected because the queue was full", func(s services.WorkerPoolStats) float64 { return float64(s.Rejected) }),
		counter("panics_total", "Jobs that panicked", func(s services.WorkerPoolStats) float64 { return float64(s.Panics) }),
	)
}

// WatchArtifactCache exports hit, miss and build counters of a named
// artifact cache.
func (c *Collector) WatchArtifactCache(namespace, name string, stats func() cache.ArtifactCacheStats) {
	labels := prometheus.Labels{"cache": name}
	counter := func(metric, help string, read func(cache.ArtifactCacheStats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "artifact_cache",
			Name:        metric,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(read(stats())) })
	}

	c.registry.MustRegister(
		counter("hits_total", "Lookups served from a stored artifact", func(s cache.ArtifactCacheStats) int64 { return s.Hits }),
		counter("misses_total", "Lookups that required a build", func(s cache.ArtifactCacheStats) int64 { return s.Misses }),
		counter("builds_total", "Artifacts built", func(s cache.ArtifactCacheStats) int64 { return s.Builds }),
		counter("build_errors_total", "Artifact builds that failed", func(s cache.ArtifactCacheStats) int64 { return s.BuildErrors }),
	)
}

// WatchCircuitBreakers exports the state of every breaker the source
// reports at scrape time.
func (c *Collector) WatchCircuitBreakers(namespace string, stats func() map[string]services.CircuitBreakerStats) {
	c.registry.MustRegister(&breakerCollector{
		stats: stats,
		state: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "circuit_breaker", "state"),
			"Breaker state: 0 closed, 1 open, 2 half-open",
			[]string{"name"}, nil,
		),
		rejected: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "circuit_breaker", "rejected_total"),
			"Calls rejected while the breaker was open",
			[]string{"name"}, nil,
		),
		failures: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "circuit_breaker", "failures_total"),
			"Guarded calls that failed",
			[]string{"name"}, nil,
		),
	})
}

type breakerCollector struct {
	stats    func() map[string]services.CircuitBreakerStats
	state    *prometheus.Desc
	rejected *prometheus.Desc
	failures *prometheus.Desc
}

func (b *breakerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- b.state
	ch <- b.rejected
	ch <- b.failures
}

func (b *breakerCollector) Collect(ch chan<- prometheus.Metric) {
	for name, s := range b.stats() {
		ch <- prometheus.MustNewConstMetric(b.state, prometheus.GaugeValue, breakerStateValue(s.State), name)
		ch <- prometheus.MustNewConstMetric(b.rejected, prometheus.CounterValue, float64(s.RejectedRequests), name)
		ch <- prometheus.MustNewConstMetric(b.failures, prometheus.CounterValue, float64(s.FailedRequests), name)
	}
}

func breakerStateValue(state string) float64 {
	switch state {
	case services.Open.String():
		return 1
	case services.HalfOpen.String():
		return 2
	default:
		return 0
	}
}
