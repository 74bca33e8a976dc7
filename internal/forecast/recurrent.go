package forecast

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/irfndi/celebrum-forecast/internal/models"
	"github.com/irfndi/celebrum-forecast/internal/utils"
)

// recurrentStrategy trains a small recurrent network on min-max scaled
// sliding windows and forecasts autoregressively: each prediction is fed
// back into the window for the next step.
type recurrentStrategy struct {
	params Params
	logger *logrus.Logger

	net            *elmanNetwork
	scaler         minMaxScaler
	tail           []float64
	valResidualStd float64
	trainSamples   int
	valSamples     int
	stepDays       int
	lastDate       time.Time
	fitted         bool
}

func newRecurrentStrategy(params Params, deps *Dependencies) Strategy {
	return &recurrentStrategy{params: params, logger: deps.Logger}
}

// minMaxScaler maps the fitted range onto [0, 1]. A constant series maps to 0.
type minMaxScaler struct {
	min, span float64
}

func fitMinMax(values []float64) minMaxScaler {
	lo, hi := floats.Min(values), floats.Max(values)
	return minMaxScaler{min: lo, span: hi - lo}
}

func (s minMaxScaler) transform(v float64) float64 {
	if s.span == 0 {
		return 0
	}
	return (v - s.min) / s.span
}

func (s minMaxScaler) inverse(v float64) float64 {
	if s.span == 0 {
		return s.min
	}
	return v*s.span + s.min
}

func (s *recurrentStrategy) Fit(_ context.Context, series models.PriceSeries) error {
	lookback := s.params.LookbackWindow
	if err := ValidateSeries(series, lookback+1); err != nil {
		return err
	}

	values := series.Values()
	scaler := fitMinMax(values)
	scaled := make([]float64, len(values))
	for i, v := range values {
		scaled[i] = scaler.transform(v)
	}

	windows, targets := slidingWindows(scaled, lookback)
	if len(windows) == 0 {
		return utils.NewValidationErrorf(
			"no sequences created: reduce lookback_window (currently %d, need at least %d samples)",
			lookback, lookback+1,
		)
	}

	trainShare := 1 - s.params.ValidationSplit
	split := int(float64(len(windows)) * trainShare)
	if split == 0 {
		needWindows := len(windows) + 1
		for int(float64(needWindows)*trainShare) == 0 {
			needWindows++
		}
		return utils.NewValidationErrorf(
			"no training sequences after the validation split: need at least %d samples for lookback_window %d, got %d",
			lookback+needWindows, lookback, len(series),
		)
	}
	trainX, trainY := windows[:split], targets[:split]
	valX, valY := windows[split:], targets[split:]

	rng := rand.New(rand.NewPCG(s.params.Seed, s.params.Seed^0x9e3779b97f4a7c15))
	net := newElmanNetwork(elmanHidden, rng)
	net.train(trainX, trainY, s.params.Epochs, s.params.BatchSize)

	var valStd float64
	if len(valX) > 0 {
		residuals := make([]float64, len(valX))
		for i, w := range valX {
			residuals[i] = scaler.inverse(valY[i]) - scaler.inverse(net.predict(w))
		}
		valStd = stat.PopStdDev(residuals, nil)
	} else {
		valStd = scaler.span * 0.05
	}

	s.net = net
	s.scaler = scaler
	s.tail = append([]float64(nil), scaled[len(scaled)-lookback:]...)
	s.valResidualStd = valStd
	s.trainSamples = len(trainX)
	s.valSamples = len(valX)
	s.stepDays = inferStepDays(series.Timestamps())
	s.lastDate = series.Last().Timestamp
	s.fitted = true

	s.logger.WithFields(logrus.Fields{
		"strategy":            Recurrent,
		"samples":             len(series),
		"lookback":            lookback,
		"validation_residual": Round4(valStd),
	}).Debug("Recurrent model fitted")
	return nil
}

func (s *recurrentStrategy) Forecast(_ context.Context, horizon int) (*models.ForecastResult, error) {
	if !s.fitted {
		return nil, notFittedError(Recurrent)
	}
	if err := validateHorizon(horizon); err != nil {
		return nil, err
	}

	// Fixed-size rolling buffer: drop the oldest value, append the newest
	// prediction.
	buffer := append([]float64(nil), s.tail...)
	point := make([]float64, horizon)
	for i := 0; i < horizon; i++ {
		next := s.net.predict(buffer)
		copy(buffer, buffer[1:])
		buffer[len(buffer)-1] = next
		point[i] = s.scaler.inverse(next)
	}

	z := zScore(s.params.ConfidenceLevel)
	lower := make([]float64, horizon)
	upper := make([]float64, horizon)
	for i, p := range point {
		margin := horizonMargin(z, s.valResidualStd, i+1)
		lower[i] = math.Max(p-margin, 0)
		upper[i] = p + margin
	}

	dates := formatDates(futureDates(s.lastDate, s.stepDays, horizon))
	return buildResult(dates, point, lower, upper, s.params.ConfidenceLevel), nil
}

func (s *recurrentStrategy) Describe() models.StrategyInfo {
	params := map[string]interface{}{
		"lookback_window":  s.params.LookbackWindow,
		"epochs":           s.params.Epochs,
		"batch_size":       s.params.BatchSize,
		"validation_split": s.params.ValidationSplit,
		"hidden_units":     elmanHidden,
		"seed":             s.params.Seed,
		"confidence_level": s.params.ConfidenceLevel,
	}
	if s.fitted {
		params["train_samples"] = s.trainSamples
		params["validation_samples"] = s.valSamples
		params["validation_residual_std"] = Round4(s.valResidualStd)
		params["freq_days"] = s.stepDays
	}
	return models.StrategyInfo{
		Name:        string(Recurrent),
		DisplayName: "Recurrent Network",
		Fitted:      s.fitted,
		Params:      params,
	}
}

// slidingWindows pairs every run of lookback values with the value after it.
func slidingWindows(values []float64, lookback int) ([][]float64, []float64) {
	n := len(values) - lookback
	if n <= 0 {
		return nil, nil
	}
	windows := make([][]float64, n)
	targets := make([]float64, n)
	for i := 0; i < n; i++ {
		windows[i] = values[i : i+lookback]
		targets[i] = values[i+lookback]
	}
	return windows, targets
}
