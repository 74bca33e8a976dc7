package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/celebrum-forecast/internal/backtest"
	"github.com/irfndi/celebrum-forecast/internal/cache"
	"github.com/irfndi/celebrum-forecast/internal/services"
)

var (
	_ backtest.Observer       = (*Collector)(nil)
	_ services.EngineObserver = (*Collector)(nil)
)

func newTestCollector() *Collector {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewCollector("forecast", logger)
}

func TestCollector_ObserveForecast(t *testing.T) {
	c := newTestCollector()

	c.ObserveForecast("baseline", "success", 20*time.Millisecond)
	c.ObserveForecast("baseline", "success", 30*time.Millisecond)
	c.ObserveForecast("foundation-zero-shot", "unavailable", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.forecasts.WithLabelValues("baseline", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.forecasts.WithLabelValues("foundation-zero-shot", "unavailable")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.forecastDuration))
}

func TestCollector_BacktestObserver(t *testing.T) {
	c := newTestCollector()

	c.ObserveBacktestStep("trend-seasonality", true, time.Millisecond)
	c.ObserveBacktestStep("trend-seasonality", false, time.Millisecond)
	c.ObserveBacktestStep("trend-seasonality", true, time.Millisecond)
	c.ObserveStrategyOmitted("recurrent", "evaluate")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.backtestSteps.WithLabelValues("trend-seasonality", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.backtestSteps.WithLabelValues("trend-seasonality", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.omitted.WithLabelValues("recurrent", "evaluate")))
}

func TestCollector_ResultCacheAndHTTP(t *testing.T) {
	c := newTestCollector()

	c.ObserveResultCache("evaluate", false)
	c.ObserveResultCache("evaluate", true)
	c.ObserveResultCache("evaluate", true)
	c.RecordAPIRequest("POST", "/api/v1/forecast/evaluate", 200, 5*time.Millisecond)
	c.RecordAPIRequest("GET", "", 404, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.resultCache.WithLabelValues("evaluate", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.resultCache.WithLabelValues("evaluate", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequests.WithLabelValues("POST", "/api/v1/forecast/evaluate", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequests.WithLabelValues("GET", "unmatched", "404")))
}

func TestCollector_Watchers(t *testing.T) {
	c := newTestCollector()

	c.WatchWorkerPool("forecast", func() services.WorkerPoolStats {
		return services.WorkerPoolStats{Workers: 4, Active: 3, Waiting: 1, Rejected: 2}
	})
	c.WatchArtifactCache("forecast", "foundation", func() cache.ArtifactCacheStats {
		return cache.ArtifactCacheStats{Hits: 9, Misses: 1, Builds: 1}
	})
	c.WatchCircuitBreakers("forecast", func() map[string]services.CircuitBreakerStats {
		return map[string]services.CircuitBreakerStats{
			"foundation": {State: "open", RejectedRequests: 7, FailedRequests: 5},
		}
	})

	server := httptest.NewServer(c.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, "forecast_worker_pool_active 3")
	assert.Contains(t, text, "forecast_worker_pool_rejected_total 2")
	assert.Contains(t, text, `forecast_artifact_cache_hits_total{cache="foundation"} 9`)
	assert.Contains(t, text, `forecast_circuit_breaker_state{name="foundation"} 1`)
	assert.Contains(t, text, `forecast_circuit_breaker_rejected_total{name="foundation"} 7`)
	assert.Contains(t, text, "go_goroutines")
}

func TestBreakerStateValue(t *testing.T) {
	assert.Equal(t, 0.0, breakerStateValue("closed"))
	assert.Equal(t, 1.0, breakerStateValue("open"))
	assert.Equal(t, 2.0, breakerStateValue("half-open"))
}
