package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/celebrum-forecast/internal/backtest"
	"github.com/irfndi/celebrum-forecast/internal/cache"
	"github.com/irfndi/celebrum-forecast/internal/forecast"
	"github.com/irfndi/celebrum-forecast/internal/utils"
)

type recordingEngineObserver struct {
	mu        sync.Mutex
	forecasts []string
	cache     []string
}

func (o *recordingEngineObserver) ObserveForecast(strategy, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.forecasts = append(o.forecasts, strategy+":"+outcome)
}

func (o *recordingEngineObserver) ObserveResultCache(operation string, hit bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	label := "miss"
	if hit {
		label = "hit"
	}
	o.cache = append(o.cache, operation+":"+label)
}

func weeklyInput(n int) SeriesInput {
	start := time.Date(2021, 1, 4, 0, 0, 0, 0, time.UTC)
	in := SeriesInput{Ticker: "TEST"}
	for i := 0; i < n; i++ {
		in.Dates = append(in.Dates, start.AddDate(0, 0, 7*i).Format(time.DateOnly))
		in.Prices = append(in.Prices, 100+0.5*float64(i)+float64(i%4))
	}
	return in
}

func newTestEngine(t *testing.T, resultCache ResultCache) (*Engine, *recordingEngineObserver) {
	t.Helper()
	logger := quietLogger()
	registry := forecast.NewRegistry(&forecast.Dependencies{Logger: logger})
	evaluator := backtest.NewEvaluator(registry, backtest.DefaultConfig(), logger, nil)
	observer := &recordingEngineObserver{}
	engine := NewEngine(registry, evaluator, testPool(2, 8), resultCache, observer, EngineConfig{}, logger)
	return engine, observer
}

func TestEngine_Forecast(t *testing.T) {
	engine, observer := newTestEngine(t, nil)

	resp, err := engine.Forecast(context.Background(), "ewm", ForecastRequest{
		SeriesInput:     weeklyInput(30),
		ForecastOptions: ForecastOptions{Periods: 6},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, "TEST", resp.Ticker)
	assert.Equal(t, "baseline", resp.Strategy)
	assert.Len(t, resp.Dates, 6)
	assert.Len(t, resp.PointForecast, 6)
	assert.Equal(t, 0.95, resp.ConfidenceLevel)
	assert.True(t, resp.ModelInfo.Fitted)
	assert.Equal(t, []string{"baseline:success"}, observer.forecasts)
}

func TestEngine_ForecastDefaultsHorizon(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	resp, err := engine.Forecast(context.Background(), "trend-seasonality", ForecastRequest{SeriesInput: weeklyInput(30)})
	require.NoError(t, err)
	assert.Len(t, resp.PointForecast, 4)
}

func TestEngine_ForecastRejectsBadInput(t *testing.T) {
	engine, observer := newTestEngine(t, nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		strategy string
		req      ForecastRequest
		message  string
	}{
		{"unknown strategy", "arima", ForecastRequest{SeriesInput: weeklyInput(30)}, `unknown strategy "arima"`},
		{"no prices", "baseline", ForecastRequest{}, "prices is required"},
		{"periods too large", "baseline", ForecastRequest{SeriesInput: weeklyInput(30), ForecastOptions: ForecastOptions{Periods: 53}}, "periods must be at most 52, got 53"},
		{"lookback too small", "baseline", ForecastRequest{SeriesInput: weeklyInput(30), ForecastOptions: ForecastOptions{LookbackWindow: 2}}, "lookback_window must be at least 5, got 2"},
		{"confidence too high", "baseline", ForecastRequest{SeriesInput: weeklyInput(30), ForecastOptions: ForecastOptions{ConfidenceLevel: 0.999}}, "confidence_level must be at most 0.99, got 0.999"},
		{"bad smoothing", "baseline", ForecastRequest{SeriesInput: weeklyInput(30), ForecastOptions: ForecastOptions{Smoothing: "sma"}}, "smoothing must be one of: ewm, ema"},
		{"too short", "baseline", ForecastRequest{SeriesInput: weeklyInput(3)}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Forecast(ctx, tt.strategy, tt.req)
			require.Error(t, err)
			assert.Equal(t, utils.KindInput, utils.KindOf(err))
			if tt.message != "" {
				assert.Equal(t, tt.message, err.Error())
			}
		})
	}

	// Only the request that reached a strategy was observed.
	assert.Equal(t, []string{"baseline:input"}, observer.forecasts)
}

func TestEngine_ForecastMismatchedArrays(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	in := weeklyInput(30)
	in.Dates = in.Dates[:29]

	_, err := engine.Forecast(context.Background(), "baseline", ForecastRequest{SeriesInput: in})
	require.Error(t, err)
	assert.Equal(t, utils.KindInput, utils.KindOf(err))
	assert.Contains(t, err.Error(), "equal length")
}

func TestEngine_ForecastFoundationUnavailable(t *testing.T) {
	engine, observer := newTestEngine(t, nil)

	_, err := engine.Forecast(context.Background(), "chronos", ForecastRequest{SeriesInput: weeklyInput(30)})
	require.Error(t, err)
	assert.True(t, utils.IsUnavailable(err))
	assert.Equal(t, []string{"foundation-zero-shot:unavailable"}, observer.forecasts)
}

func TestEngine_ForecastHybridDegrades(t *testing.T) {
	engine, observer := newTestEngine(t, nil)

	resp, err := engine.Forecast(context.Background(), "hybrid", ForecastRequest{SeriesInput: weeklyInput(30)})
	require.NoError(t, err)
	assert.True(t, resp.ModelInfo.Degraded)
	assert.Equal(t, []string{"hybrid-residual-correction:degraded"}, observer.forecasts)
}

func TestEngine_EvaluateShortfall(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	_, err := engine.Evaluate(context.Background(), BacktestRequest{SeriesInput: weeklyInput(40)})
	require.Error(t, err)
	assert.Equal(t, utils.KindInput, utils.KindOf(err))
	assert.Equal(t, "need at least 72 points (have 40)", err.Error())
}

func TestEngine_EvaluateAndBounds(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	req := BacktestRequest{
		SeriesInput:     weeklyInput(80),
		BacktestOptions: BacktestOptions{Interval: "weekly", Strategies: []string{"base", "prophet"}},
	}

	eval, err := engine.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "week", eval.StepUnit)
	assert.Equal(t, 20, eval.WindowSize)
	require.Len(t, eval.Metrics, 2)
	assert.Equal(t, "baseline", eval.Metrics[0].Model)
	assert.Equal(t, "trend-seasonality", eval.Metrics[1].Model)
	assert.False(t, eval.Cached)

	bounds, err := engine.Bounds(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 12, bounds.Horizon)
	require.Len(t, bounds.Bounds, 2)
}

func TestEngine_EvaluateCustomWindowAndInterval(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	req := BacktestRequest{
		SeriesInput:     weeklyInput(40),
		BacktestOptions: BacktestOptions{Interval: "1mo", WindowSize: 10},
	}

	eval, err := engine.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "month", eval.StepUnit)
	assert.Equal(t, 10, eval.WindowSize)

	req.Interval = "daily"
	_, err = engine.Evaluate(context.Background(), req)
	assert.Equal(t, utils.KindInput, utils.KindOf(err))
}

func TestEngine_ReportShortfallIsNotAnError(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	report, err := engine.Report(context.Background(), BacktestRequest{SeriesInput: weeklyInput(50)})
	require.NoError(t, err)
	assert.Equal(t, "need at least 72 points (have 50)", report.Error)
	assert.Empty(t, report.Metrics)
	assert.NotEmpty(t, report.RunID)
}

func TestEngine_MemoisesBacktestResults(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	resultCache := cache.NewRedisResultCache(client, time.Minute, quietLogger())
	engine, observer := newTestEngine(t, resultCache)
	req := BacktestRequest{SeriesInput: weeklyInput(80)}

	first, err := engine.Evaluate(context.Background(), req)
	require.NoError(t, err)
	second, err := engine.Evaluate(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Metrics, second.Metrics)
	assert.NotEqual(t, first.RunID, second.RunID)

	// Different operations do not share entries.
	_, err = engine.Bounds(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []string{"evaluate:miss", "evaluate:hit", "bounds:miss"}, observer.cache)
	assert.Equal(t, int64(1), resultCache.GetStats().Hits)
	assert.Equal(t, int64(2), resultCache.GetStats().Sets)
}

func TestEngine_FailedResultsAreNotCached(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	resultCache := cache.NewRedisResultCache(client, time.Minute, quietLogger())
	engine, _ := newTestEngine(t, resultCache)

	_, err = engine.Evaluate(context.Background(), BacktestRequest{SeriesInput: weeklyInput(40)})
	require.Error(t, err)
	assert.Zero(t, resultCache.GetStats().Sets)
}
