// Package backtest scores strategies by walk-forward one-step evaluation and
// produces full-horizon bounds for side-by-side display.
package backtest

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/irfndi/celebrum-forecast/internal/forecast"
	"github.com/irfndi/celebrum-forecast/internal/models"
	"github.com/irfndi/celebrum-forecast/internal/utils"
)

var tracer = otel.Tracer("github.com/irfndi/celebrum-forecast/internal/backtest")

// DefaultStrategies are evaluated when a request names none. The slower
// variants are opt-in.
var DefaultStrategies = []forecast.Name{forecast.Baseline, forecast.TrendSeasonality}

// StrategyFactory builds fresh, unfitted strategies. *forecast.Registry
// satisfies it.
type StrategyFactory interface {
	New(name forecast.Name, params forecast.Params) (forecast.Strategy, error)
}

// Observer receives per-step and per-strategy outcomes, typically a metrics
// collector.
type Observer interface {
	ObserveBacktestStep(strategy string, ok bool, duration time.Duration)
	ObserveStrategyOmitted(strategy, operation string)
}

type noopObserver struct{}

func (noopObserver) ObserveBacktestStep(string, bool, time.Duration) {}
func (noopObserver) ObserveStrategyOmitted(string, string)           {}

// Config tunes the walk-forward evaluation.
type Config struct {
	// WindowSize is the number of trailing points scored one step ahead.
	WindowSize int
	// MinSteps is the least number of successful steps a strategy needs to
	// be reported.
	MinSteps int
	// BacktestEpochs replaces the request epochs for recurrent refits.
	BacktestEpochs int
	// FoundationMinTrain is the shortest training prefix sent to the
	// foundation pipeline.
	FoundationMinTrain int
}

// DefaultConfig returns the standard evaluation settings.
func DefaultConfig() Config {
	return Config{
		WindowSize:         20,
		MinSteps:           5,
		BacktestEpochs:     30,
		FoundationMinTrain: 64,
	}
}

// StrategyEvaluation is one strategy's walk-forward result.
type StrategyEvaluation struct {
	Metrics models.ErrorMetrics     `json:"metrics"`
	Records []models.BacktestRecord `json:"records"`
}

// Evaluation is the result of a walk-forward run.
type Evaluation struct {
	Cadence    models.Cadence       `json:"cadence"`
	WindowSize int                  `json:"window_size"`
	Strategies []StrategyEvaluation `json:"strategies"`
	Omitted    []string             `json:"omitted,omitempty"`
}

// Metrics returns the error metrics of every reported strategy, in order.
func (e *Evaluation) Metrics() []models.ErrorMetrics {
	out := make([]models.ErrorMetrics, len(e.Strategies))
	for i, s := range e.Strategies {
		out[i] = s.Metrics
	}
	return out
}

// Evaluator runs walk-forward backtests. It is safe for concurrent use.
type Evaluator struct {
	factory  StrategyFactory
	config   Config
	logger   *logrus.Logger
	observer Observer
}

// NewEvaluator creates an evaluator. A nil observer discards observations.
func NewEvaluator(factory StrategyFactory, config Config, logger *logrus.Logger, observer Observer) *Evaluator {
	defaults := DefaultConfig()
	if config.WindowSize <= 0 {
		config.WindowSize = defaults.WindowSize
	}
	if config.MinSteps <= 0 {
		config.MinSteps = defaults.MinSteps
	}
	if config.BacktestEpochs <= 0 {
		config.BacktestEpochs = defaults.BacktestEpochs
	}
	if config.FoundationMinTrain <= 0 {
		config.FoundationMinTrain = defaults.FoundationMinTrain
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if observer == nil {
		observer = noopObserver{}
	}
	return &Evaluator{factory: factory, config: config, logger: logger, observer: observer}
}

// Config returns the effective settings.
func (e *Evaluator) Config() Config {
	return e.config
}

// WithWindow returns an evaluator that scores the last window points
// instead of the configured number. Non-positive values keep the current one.
func (e *Evaluator) WithWindow(window int) *Evaluator {
	if window <= 0 || window == e.config.WindowSize {
		return e
	}
	out := *e
	out.config.WindowSize = window
	return &out
}

// RequiredPoints is the shortest series Evaluate accepts for a cadence.
func (e *Evaluator) RequiredPoints(cadence models.Cadence) int {
	return e.config.WindowSize + cadence.MinTrainingSize()
}

// Evaluate scores each named strategy over the trailing window. For every
// step k it trains a fresh instance on the points before n-window+k and
// predicts that point. Failing steps are logged and skipped; strategies with
// too few successful steps are left out of the result.
func (e *Evaluator) Evaluate(
	ctx context.Context,
	series models.PriceSeries,
	cadence models.Cadence,
	names []forecast.Name,
	params forecast.Params,
) (*Evaluation, error) {
	if required := e.RequiredPoints(cadence); len(series) < required {
		return nil, utils.NewShortfallError(required, len(series))
	}
	if err := forecast.ValidateSeries(series, 1); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		names = DefaultStrategies
	}

	ctx, span := tracer.Start(ctx, "backtest.evaluate", trace.WithAttributes(
		attribute.Int("series.length", len(series)),
		attribute.String("series.cadence", string(cadence)),
		attribute.Int("backtest.window", e.config.WindowSize),
	))
	defer span.End()

	results := make([]*StrategyEvaluation, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			eval, err := e.evaluateStrategy(gctx, series, name, params)
			if err != nil {
				return err
			}
			results[i] = eval
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	out := &Evaluation{Cadence: cadence, WindowSize: e.config.WindowSize, Strategies: []StrategyEvaluation{}}
	for i, r := range results {
		if r == nil {
			out.Omitted = append(out.Omitted, string(names[i]))
			continue
		}
		out.Strategies = append(out.Strategies, *r)
	}
	span.SetAttributes(attribute.Int("backtest.omitted", len(out.Omitted)))
	return out, nil
}

// evaluateStrategy returns nil when the strategy produced too few steps.
// Only context cancellation is returned as an error.
func (e *Evaluator) evaluateStrategy(
	ctx context.Context,
	series models.PriceSeries,
	name forecast.Name,
	params forecast.Params,
) (*StrategyEvaluation, error) {
	n := len(series)
	window := e.config.WindowSize
	records := make([]models.BacktestRecord, 0, window)

	for k := 0; k < window; k++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		trainEnd := n - window + k
		if trainEnd < params.LookbackWindow+5 {
			continue
		}
		if name == forecast.Foundation && trainEnd < e.config.FoundationMinTrain {
			continue
		}

		start := time.Now()
		rec, err := e.step(ctx, name, params, series[:trainEnd], series[trainEnd])
		e.observer.ObserveBacktestStep(string(name), err == nil, time.Since(start))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.WithFields(logrus.Fields{
				"strategy":  name,
				"step":      k,
				"train_end": trainEnd,
				"error":     err.Error(),
			}).Warn("Walk-forward step failed")
			continue
		}
		records = append(records, rec)
	}

	if len(records) < e.config.MinSteps {
		e.logger.WithFields(logrus.Fields{
			"strategy":  name,
			"steps":     len(records),
			"min_steps": e.config.MinSteps,
		}).Warn("Strategy omitted from evaluation: too few successful steps")
		e.observer.ObserveStrategyOmitted(string(name), "evaluate")
		return nil, nil
	}

	return &StrategyEvaluation{
		Metrics: Aggregate(string(name), records),
		Records: records,
	}, nil
}

// step fits a fresh strategy on train and predicts target. Panics inside a
// strategy are converted to errors so one bad step cannot take down the run.
func (e *Evaluator) step(
	ctx context.Context,
	name forecast.Name,
	params forecast.Params,
	train models.PriceSeries,
	target models.PricePoint,
) (rec models.BacktestRecord, err error) {
	ctx, span := tracer.Start(ctx, "backtest.step", trace.WithAttributes(
		attribute.String("strategy", string(name)),
		attribute.Int("train.length", len(train)),
	))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy %s panicked: %v\n%s", name, r, debug.Stack())
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	stepParams := params
	if name == forecast.Recurrent {
		stepParams.Epochs = e.config.BacktestEpochs
		stepParams.LookbackWindow = min(params.LookbackWindow, len(train)-1)
	}

	strategy, err := e.factory.New(name, stepParams)
	if err != nil {
		return rec, err
	}
	if err := strategy.Fit(ctx, train); err != nil {
		return rec, err
	}
	result, err := strategy.Forecast(ctx, 1)
	if err != nil {
		return rec, err
	}

	return models.BacktestRecord{
		Timestamp: target.Timestamp,
		Actual:    target.Value,
		Predicted: result.PointForecast[0],
		TrainEnd:  train.Last().Timestamp,
	}, nil
}
