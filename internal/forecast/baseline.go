package forecast

import (
	"context"
	"time"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/trend"
	"gonum.org/v1/gonum/stat"

	"github.com/irfndi/celebrum-forecast/internal/models"
)

const baselineMinSamples = 5

// baselineStrategy projects the last exponentially weighted mean flat across
// the horizon. Its interval grows with sqrt(step) from the in-sample
// residual spread.
type baselineStrategy struct {
	params Params

	span        int
	level       float64
	residualStd float64
	stepDays    int
	lastDate    time.Time
	samples     int
	fitted      bool
}

func newBaselineStrategy(params Params, _ *Dependencies) Strategy {
	return &baselineStrategy{params: params}
}

func (s *baselineStrategy) Fit(_ context.Context, series models.PriceSeries) error {
	if err := ValidateSeries(series, baselineMinSamples); err != nil {
		return err
	}

	values := series.Values()
	span := min(s.params.LookbackWindow, len(values)-1)
	if span < 1 {
		span = 1
	}

	var smoothed, observed []float64
	if s.params.Smoothing == SmoothingEMA {
		smoothed = emaSmooth(values, span)
		observed = values[len(values)-len(smoothed):]
	}
	if len(smoothed) == 0 {
		smoothed = ewmAdjusted(values, span)
		observed = values
	}

	residuals := make([]float64, len(smoothed))
	for i := range smoothed {
		residuals[i] = observed[i] - smoothed[i]
	}
	residualStd := 0.0
	if len(residuals) > 1 {
		residualStd = stat.StdDev(residuals, nil)
	}

	s.span = span
	s.level = smoothed[len(smoothed)-1]
	s.residualStd = residualStd
	s.stepDays = inferStepDays(series.Timestamps())
	s.lastDate = series.Last().Timestamp
	s.samples = len(series)
	s.fitted = true
	return nil
}

func (s *baselineStrategy) Forecast(_ context.Context, horizon int) (*models.ForecastResult, error) {
	if !s.fitted {
		return nil, notFittedError(Baseline)
	}
	if err := validateHorizon(horizon); err != nil {
		return nil, err
	}

	z := zScore(s.params.ConfidenceLevel)
	point := make([]float64, horizon)
	lower := make([]float64, horizon)
	upper := make([]float64, horizon)
	for i := 0; i < horizon; i++ {
		margin := horizonMargin(z, s.residualStd, i+1)
		point[i] = s.level
		lower[i] = s.level - margin
		upper[i] = s.level + margin
	}

	dates := formatDates(futureDates(s.lastDate, s.stepDays, horizon))
	return buildResult(dates, point, lower, upper, s.params.ConfidenceLevel), nil
}

func (s *baselineStrategy) Describe() models.StrategyInfo {
	smoothing := s.params.Smoothing
	if smoothing == "" {
		smoothing = SmoothingEWM
	}
	params := map[string]interface{}{
		"span":             s.params.LookbackWindow,
		"smoothing":        smoothing,
		"confidence_level": s.params.ConfidenceLevel,
	}
	if s.fitted {
		params["span"] = s.span
		params["freq_days"] = s.stepDays
		params["residual_std"] = Round4(s.residualStd)
		params["samples"] = s.samples
	}
	return models.StrategyInfo{
		Name:        string(Baseline),
		DisplayName: "EWM Baseline",
		Fitted:      s.fitted,
		Params:      params,
	}
}

// ewmAdjusted is the bias-adjusted exponentially weighted mean with
// alpha = 2/(span+1): each output is the weighted mean of all observations
// so far with weights (1-alpha)^age.
func ewmAdjusted(values []float64, span int) []float64 {
	alpha := 2.0 / (float64(span) + 1.0)
	decay := 1 - alpha

	out := make([]float64, len(values))
	num, den := 0.0, 0.0
	for i, v := range values {
		num = v + decay*num
		den = 1 + decay*den
		out[i] = num / den
	}
	return out
}

// emaSmooth runs the SMA-seeded exponential moving average from the
// indicator library. The output omits the first period-1 observations.
func emaSmooth(values []float64, period int) []float64 {
	ema := trend.NewEmaWithPeriod[float64](period)
	return helper.ChanToSlice(ema.Compute(helper.SliceToChan(values)))
}
