package forecast

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/irfndi/celebrum-forecast/internal/models"
)

const (
	trendSeasonMinSamples = 10

	weeklyPeriodDays = 7.0
	yearlyPeriodDays = 365.25
	weeklyOrder      = 3
	yearlyOrder      = 10

	// Yearly terms are only identifiable with two full cycles of history.
	yearlyMinSpanDays = 730

	seasonalPenalty = 1e-3
	trendPenalty    = 1e-9
)

// trendSeasonalityStrategy fits an additive model
//
//	y(t) = a + b*years(t) + weekly Fourier terms + yearly Fourier terms
//
// by ridge-regularised least squares and derives intervals from the in-sample
// residual spread and the leverage of each future design row.
type trendSeasonalityStrategy struct {
	params Params

	origin     time.Time
	yearly     bool
	yScale     float64
	coef       *mat.VecDense
	chol       *mat.Cholesky
	sigma      float64
	insample   []float64
	prices     []float64
	stepDays   int
	lastDate   time.Time
	fitted     bool
	numColumns int
}

func newTrendSeasonalityStrategy(params Params, _ *Dependencies) Strategy {
	return &trendSeasonalityStrategy{params: params}
}

func (s *trendSeasonalityStrategy) Fit(_ context.Context, series models.PriceSeries) error {
	if err := ValidateSeries(series, trendSeasonMinSamples); err != nil {
		return err
	}

	stamps := series.Timestamps()
	values := series.Values()
	origin := stamps[0]
	spanDays := series.Last().Timestamp.Sub(origin).Hours() / 24
	yearly := spanDays >= yearlyMinSpanDays

	yScale := 0.0
	for _, v := range values {
		yScale = math.Max(yScale, math.Abs(v))
	}
	if yScale == 0 {
		yScale = 1
	}

	cols := designWidth(yearly)
	n := len(values)
	x := mat.NewDense(n, cols, nil)
	y := mat.NewVecDense(n, nil)
	for i, ts := range stamps {
		x.SetRow(i, designRow(ts, origin, yearly))
		y.SetVec(i, values[i]/yScale)
	}

	var gram mat.SymDense
	gram.SymOuterK(1, x.T())
	for j := 0; j < cols; j++ {
		penalty := trendPenalty
		if j >= 2 {
			penalty = seasonalPenalty
		}
		gram.SetSym(j, j, gram.At(j, j)+penalty)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(&gram); !ok {
		return fmt.Errorf("trend-seasonality: normal equations are not positive definite")
	}

	var xty mat.VecDense
	xty.MulVec(x.T(), y)
	var coef mat.VecDense
	if err := chol.SolveVecTo(&coef, &xty); err != nil {
		return fmt.Errorf("trend-seasonality: solve normal equations: %w", err)
	}

	var fitted mat.VecDense
	fitted.MulVec(x, &coef)
	insample := make([]float64, n)
	residuals := make([]float64, n)
	for i := range insample {
		insample[i] = fitted.AtVec(i) * yScale
		residuals[i] = values[i] - insample[i]
	}

	s.origin = origin
	s.yearly = yearly
	s.yScale = yScale
	s.coef = &coef
	s.chol = &chol
	s.sigma = stat.StdDev(residuals, nil)
	s.insample = insample
	s.prices = values
	s.stepDays = inferStepDays(stamps)
	s.lastDate = series.Last().Timestamp
	s.numColumns = cols
	s.fitted = true
	return nil
}

func (s *trendSeasonalityStrategy) Forecast(_ context.Context, horizon int) (*models.ForecastResult, error) {
	if !s.fitted {
		return nil, notFittedError(TrendSeasonality)
	}
	if err := validateHorizon(horizon); err != nil {
		return nil, err
	}

	dates := ensureAfter(futureDates(s.lastDate, s.stepDays, horizon), s.lastDate, s.stepDays)
	z := zScore(s.params.ConfidenceLevel)

	point := make([]float64, horizon)
	lower := make([]float64, horizon)
	upper := make([]float64, horizon)
	for i, d := range dates {
		row := mat.NewVecDense(s.numColumns, designRow(d, s.origin, s.yearly))

		var solved mat.VecDense
		if err := s.chol.SolveVecTo(&solved, row); err != nil {
			return nil, fmt.Errorf("trend-seasonality: leverage at step %d: %w", i+1, err)
		}
		leverage := mat.Dot(row, &solved)
		halfWidth := z * s.sigma * math.Sqrt(1+leverage)

		point[i] = mat.Dot(row, s.coef) * s.yScale
		lower[i] = point[i] - halfWidth
		upper[i] = point[i] + halfWidth
	}

	return buildResult(formatDates(dates), point, lower, upper, s.params.ConfidenceLevel), nil
}

func (s *trendSeasonalityStrategy) Describe() models.StrategyInfo {
	params := map[string]interface{}{
		"confidence_level":   s.params.ConfidenceLevel,
		"weekly_seasonality": weeklyOrder,
		"daily_seasonality":  false,
	}
	if s.fitted {
		params["yearly_seasonality"] = s.yearly
		params["freq_days"] = s.stepDays
		params["residual_std"] = Round4(s.sigma)
		params["samples"] = len(s.prices)
	}
	return models.StrategyInfo{
		Name:        string(TrendSeasonality),
		DisplayName: "Trend + Seasonality",
		Fitted:      s.fitted,
		Params:      params,
	}
}

// inSample returns the fitted values over the training series, aligned with
// the training prices.
func (s *trendSeasonalityStrategy) inSample() (prices, fitted []float64) {
	return s.prices, s.insample
}

func designWidth(yearly bool) int {
	w := 2 + 2*weeklyOrder
	if yearly {
		w += 2 * yearlyOrder
	}
	return w
}

// designRow lays out [1, years since origin, weekly sin/cos..., yearly sin/cos...].
// Seasonal phases are taken on absolute days since the Unix epoch so they do
// not depend on where the training window starts.
func designRow(ts, origin time.Time, yearly bool) []float64 {
	row := make([]float64, 0, designWidth(yearly))
	row = append(row, 1, ts.Sub(origin).Hours()/24/yearlyPeriodDays)

	days := float64(ts.Unix()) / 86400
	row = appendFourier(row, days, weeklyPeriodDays, weeklyOrder)
	if yearly {
		row = appendFourier(row, days, yearlyPeriodDays, yearlyOrder)
	}
	return row
}

func appendFourier(row []float64, days, period float64, order int) []float64 {
	for k := 1; k <= order; k++ {
		angle := 2 * math.Pi * float64(k) * days / period
		row = append(row, math.Sin(angle), math.Cos(angle))
	}
	return row
}
