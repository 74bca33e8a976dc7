package backtest

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/irfndi/celebrum-forecast/internal/forecast"
	"github.com/irfndi/celebrum-forecast/internal/models"
	"github.com/irfndi/celebrum-forecast/internal/utils"
)

// BoundsReport holds one full-horizon forecast per strategy that succeeded.
type BoundsReport struct {
	Horizon int                     `json:"horizon"`
	Bounds  []models.StrategyBounds `json:"bounds"`
	Omitted []string                `json:"omitted,omitempty"`
}

// Bounds fits each strategy once on the full series and forecasts horizon
// steps. A horizon of 0 uses the cadence default. Strategies that fail are
// logged and left out.
func (e *Evaluator) Bounds(
	ctx context.Context,
	series models.PriceSeries,
	cadence models.Cadence,
	names []forecast.Name,
	params forecast.Params,
	horizon int,
) (*BoundsReport, error) {
	if horizon == 0 {
		horizon = cadence.DefaultBoundsHorizon()
	}
	if horizon < 0 {
		return nil, utils.NewValidationErrorf("horizon must be at least 1, got %d", horizon)
	}
	if len(names) == 0 {
		names = DefaultStrategies
	}

	ctx, span := tracer.Start(ctx, "backtest.bounds", trace.WithAttributes(
		attribute.Int("series.length", len(series)),
		attribute.Int("bounds.horizon", horizon),
	))
	defer span.End()

	results := make([]*models.StrategyBounds, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			b, err := e.strategyBounds(gctx, series, name, params, horizon)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				e.logger.WithFields(logrus.Fields{
					"strategy": name,
					"horizon":  horizon,
					"error":    err.Error(),
				}).Warn("Bounds forecast failed")
				e.observer.ObserveStrategyOmitted(string(name), "bounds")
				return nil
			}
			results[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	out := &BoundsReport{Horizon: horizon, Bounds: []models.StrategyBounds{}}
	for i, b := range results {
		if b == nil {
			out.Omitted = append(out.Omitted, string(names[i]))
			continue
		}
		out.Bounds = append(out.Bounds, *b)
	}
	return out, nil
}

func (e *Evaluator) strategyBounds(
	ctx context.Context,
	series models.PriceSeries,
	name forecast.Name,
	params forecast.Params,
	horizon int,
) (b *models.StrategyBounds, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy %s panicked: %v\n%s", name, r, debug.Stack())
		}
	}()

	if name == forecast.Baseline || name == forecast.Recurrent {
		params.LookbackWindow = max(1, min(params.LookbackWindow, len(series)-1))
	}

	strategy, err := e.factory.New(name, params)
	if err != nil {
		return nil, err
	}
	if err := strategy.Fit(ctx, series); err != nil {
		return nil, err
	}
	result, err := strategy.Forecast(ctx, horizon)
	if err != nil {
		return nil, err
	}

	return &models.StrategyBounds{
		Model:    string(name),
		Dates:    result.Dates,
		Lower:    result.LowerBound,
		Forecast: result.PointForecast,
		Upper:    result.UpperBound,
	}, nil
}

// Report is the composite of an evaluation and a bounds run over the same
// series.
type Report struct {
	Metrics       []models.ErrorMetrics   `json:"metrics"`
	BoundsHorizon int                     `json:"bounds_horizon"`
	Bounds        []models.StrategyBounds `json:"bounds"`
	LastN         int                     `json:"last_n,omitempty"`
	Error         string                  `json:"error,omitempty"`
}

// Report runs Evaluate and then Bounds. A series too short to evaluate is not
// an error here: the report carries the shortfall message and empty lists.
func (e *Evaluator) Report(
	ctx context.Context,
	series models.PriceSeries,
	cadence models.Cadence,
	names []forecast.Name,
	params forecast.Params,
	horizon int,
) (*Report, error) {
	eval, err := e.Evaluate(ctx, series, cadence, names, params)
	if err != nil {
		var shortfall *utils.ShortfallError
		if errors.As(err, &shortfall) {
			h := horizon
			if h <= 0 {
				h = min(cadence.DefaultBoundsHorizon(), e.config.WindowSize)
			}
			return &Report{
				Metrics:       []models.ErrorMetrics{},
				BoundsHorizon: h,
				Bounds:        []models.StrategyBounds{},
				Error:         shortfall.Error(),
			}, nil
		}
		return nil, err
	}

	bounds, err := e.Bounds(ctx, series, cadence, names, params, horizon)
	if err != nil {
		return nil, err
	}

	metrics := eval.Metrics()
	if metrics == nil {
		metrics = []models.ErrorMetrics{}
	}
	return &Report{
		Metrics:       metrics,
		BoundsHorizon: bounds.Horizon,
		Bounds:        bounds.Bounds,
		LastN:         e.config.WindowSize,
	}, nil
}
