package forecast

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/celebrum-forecast/internal/models"
)

func TestTrendSeasonality_ContinuesLinearTrend(t *testing.T) {
	ctx := context.Background()
	s := newTestStrategy(t, nil, TrendSeasonality, nil)
	require.NoError(t, s.Fit(ctx, weeklySeries(60, linear)))

	result, err := s.Forecast(ctx, 4)
	require.NoError(t, err)

	for i, p := range result.PointForecast {
		assert.InDelta(t, linear(60+i), p, 0.5, "step %d", i+1)
		assert.LessOrEqual(t, result.LowerBound[i], p)
		assert.GreaterOrEqual(t, result.UpperBound[i], p)
	}
	for i := 1; i < len(result.PointForecast); i++ {
		assert.Greater(t, result.PointForecast[i], result.PointForecast[i-1])
	}
}

func TestTrendSeasonality_DiffersFromBaselineOnTrend(t *testing.T) {
	ctx := context.Background()
	series := weeklySeries(60, linear)

	base := newTestStrategy(t, nil, Baseline, nil)
	require.NoError(t, base.Fit(ctx, series))
	flat, err := base.Forecast(ctx, 4)
	require.NoError(t, err)

	ts := newTestStrategy(t, nil, TrendSeasonality, nil)
	require.NoError(t, ts.Fit(ctx, series))
	trended, err := ts.Forecast(ctx, 4)
	require.NoError(t, err)

	assert.Equal(t, flat.PointForecast[0], flat.PointForecast[3])
	assert.Greater(t, trended.PointForecast[3]-trended.PointForecast[0], 5.0)
	assert.Equal(t, flat.Dates, trended.Dates)
}

func TestTrendSeasonality_NoisySeriesHasIntervals(t *testing.T) {
	ctx := context.Background()
	s := newTestStrategy(t, nil, TrendSeasonality, func(p *Params) { p.ConfidenceLevel = 0.8 })
	require.NoError(t, s.Fit(ctx, weeklySeries(52, func(i int) float64 {
		return 100 + float64(i) + 3*math.Sin(float64(i)*1.7)
	})))

	result, err := s.Forecast(ctx, 3)
	require.NoError(t, err)
	for i := range result.PointForecast {
		assert.Greater(t, result.UpperBound[i], result.LowerBound[i])
	}
	assert.Equal(t, 0.8, result.ConfidenceLevel)
}

func TestTrendSeasonality_YearlyTermsNeedTwoYears(t *testing.T) {
	ctx := context.Background()

	short := newTestStrategy(t, nil, TrendSeasonality, nil)
	require.NoError(t, short.Fit(ctx, weeklySeries(60, linear)))
	assert.Equal(t, false, short.Describe().Params["yearly_seasonality"])

	long := newTestStrategy(t, nil, TrendSeasonality, nil)
	require.NoError(t, long.Fit(ctx, weeklySeries(110, func(i int) float64 {
		return 50 + 10*math.Sin(2*math.Pi*float64(i)/52)
	})))
	assert.Equal(t, true, long.Describe().Params["yearly_seasonality"])

	result, err := long.Forecast(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, result.PointForecast, 2)
}

func TestTrendSeasonality_InSampleAligned(t *testing.T) {
	ctx := context.Background()
	s := &trendSeasonalityStrategy{params: DefaultParams()}
	series := weeklySeries(30, linear)
	require.NoError(t, s.Fit(ctx, series))

	prices, fitted := s.inSample()
	require.Len(t, fitted, len(series))
	assert.Equal(t, series.Values(), prices)
	for i := range fitted {
		assert.InDelta(t, prices[i], fitted[i], 0.5)
	}
}

func TestTrendSeasonality_MinimumSamples(t *testing.T) {
	s := newTestStrategy(t, nil, TrendSeasonality, nil)
	err := s.Fit(context.Background(), weeklySeries(9, linear))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "need at least 10 samples, got 9")
	assert.False(t, s.Describe().Fitted)
}

func TestTrendSeasonality_DatesAfterLastObservation(t *testing.T) {
	ctx := context.Background()
	s := newTestStrategy(t, nil, TrendSeasonality, nil)
	series := weeklySeries(20, linear)
	require.NoError(t, s.Fit(ctx, series))

	result, err := s.Forecast(ctx, 3)
	require.NoError(t, err)
	last := series.Last().Timestamp
	for _, raw := range result.Dates {
		d, err := models.ParseSeriesDate(raw)
		require.NoError(t, err)
		assert.True(t, d.After(last))
	}
}

func TestDesignRow(t *testing.T) {
	row := designRow(seriesStart.AddDate(1, 0, 0), seriesStart, false)
	require.Len(t, row, designWidth(false))
	assert.Equal(t, 1.0, row[0])
	assert.InDelta(t, 365/yearlyPeriodDays, row[1], 1e-9)

	assert.Len(t, designRow(seriesStart, seriesStart, true), designWidth(true))
	assert.Equal(t, 8, designWidth(false))
	assert.Equal(t, 28, designWidth(true))
}
