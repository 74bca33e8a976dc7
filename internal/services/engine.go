package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/irfndi/celebrum-forecast/internal/backtest"
	"github.com/irfndi/celebrum-forecast/internal/cache"
	"github.com/irfndi/celebrum-forecast/internal/forecast"
	"github.com/irfndi/celebrum-forecast/internal/models"
	"github.com/irfndi/celebrum-forecast/internal/utils"
)

var tracer = otel.Tracer("github.com/irfndi/celebrum-forecast/internal/services")

// ResultCache memoises backtest responses. *cache.RedisResultCache satisfies it.
type ResultCache interface {
	Get(ctx context.Context, key string, dest interface{}) bool
	Set(ctx context.Context, key string, value interface{}) error
}

// EngineObserver receives per-request outcomes, typically a metrics collector.
type EngineObserver interface {
	ObserveForecast(strategy, outcome string, duration time.Duration)
	ObserveResultCache(operation string, hit bool)
}

type noopEngineObserver struct{}

func (noopEngineObserver) ObserveForecast(string, string, time.Duration) {}
func (noopEngineObserver) ObserveResultCache(string, bool)               {}

// EngineConfig holds the request defaults.
type EngineConfig struct {
	Defaults       forecast.Params
	DefaultHorizon int
}

// ForecastResponse is the result of a single-strategy forecast.
type ForecastResponse struct {
	RunID           string              `json:"run_id"`
	Ticker          string              `json:"ticker,omitempty"`
	Strategy        string              `json:"strategy"`
	Dates           []string            `json:"dates"`
	PointForecast   []float64           `json:"point_forecast"`
	LowerBound      []float64           `json:"lower_bound"`
	UpperBound      []float64           `json:"upper_bound"`
	ConfidenceLevel float64             `json:"confidence_level"`
	ModelInfo       models.StrategyInfo `json:"model_info"`
}

// EvaluateResponse carries the walk-forward error metrics per strategy.
type EvaluateResponse struct {
	RunID      string                `json:"run_id"`
	Ticker     string                `json:"ticker,omitempty"`
	Cadence    models.Cadence        `json:"cadence"`
	StepUnit   string                `json:"step_unit"`
	WindowSize int                   `json:"window_size"`
	Metrics    []models.ErrorMetrics `json:"metrics"`
	Omitted    []string              `json:"omitted,omitempty"`
	Cached     bool                  `json:"cached"`
}

// BoundsResponse carries one full-horizon forecast per strategy.
type BoundsResponse struct {
	RunID   string                  `json:"run_id"`
	Ticker  string                  `json:"ticker,omitempty"`
	Horizon int                     `json:"horizon"`
	Bounds  []models.StrategyBounds `json:"bounds"`
	Omitted []string                `json:"omitted,omitempty"`
	Cached  bool                    `json:"cached"`
}

// ReportResponse is the evaluate and bounds composite.
type ReportResponse struct {
	RunID  string `json:"run_id"`
	Ticker string `json:"ticker,omitempty"`
	backtest.Report
	Cached bool `json:"cached"`
}

// Engine is the entry point for forecast and backtest requests. Each request
// runs inside one worker pool slot.
type Engine struct {
	factory   backtest.StrategyFactory
	evaluator *backtest.Evaluator
	pool      *WorkerPool
	cache     ResultCache
	observer  EngineObserver
	config    EngineConfig
	logger    *logrus.Logger
}

// NewEngine wires the engine. A nil cache disables memoisation and a nil
// observer discards observations.
func NewEngine(
	factory backtest.StrategyFactory,
	evaluator *backtest.Evaluator,
	pool *WorkerPool,
	resultCache ResultCache,
	observer EngineObserver,
	config EngineConfig,
	logger *logrus.Logger,
) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if observer == nil {
		observer = noopEngineObserver{}
	}
	if config.Defaults == (forecast.Params{}) {
		config.Defaults = forecast.DefaultParams()
	}
	if config.DefaultHorizon <= 0 {
		config.DefaultHorizon = 4
	}
	return &Engine{
		factory:   factory,
		evaluator: evaluator,
		pool:      pool,
		cache:     resultCache,
		observer:  observer,
		config:    config,
		logger:    logger,
	}
}

// Forecast fits the named strategy on the request series and projects it.
func (e *Engine) Forecast(ctx context.Context, strategy string, req ForecastRequest) (*ForecastResponse, error) {
	name, err := forecast.ParseName(strategy)
	if err != nil {
		return nil, err
	}
	series, err := req.series()
	if err != nil {
		return nil, err
	}
	return e.ForecastSeries(ctx, name, req.Ticker, series, req.ForecastOptions)
}

// ForecastSeries is Forecast for a series loaded by the caller.
func (e *Engine) ForecastSeries(
	ctx context.Context,
	name forecast.Name,
	ticker string,
	series models.PriceSeries,
	opts ForecastOptions,
) (*ForecastResponse, error) {
	params, horizon, err := opts.resolve(e.config.Defaults, e.config.DefaultHorizon)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "forecast.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("strategy", string(name)),
		attribute.Int("series.length", len(series)),
		attribute.Int("forecast.horizon", horizon),
	))
	defer span.End()

	start := time.Now()
	var (
		result *models.ForecastResult
		info   models.StrategyInfo
	)
	err = e.pool.Run(ctx, "forecast:"+string(name), func(ctx context.Context) error {
		s, err := e.factory.New(name, params)
		if err != nil {
			return err
		}
		if err := s.Fit(ctx, series); err != nil {
			return err
		}
		result, err = s.Forecast(ctx, horizon)
		if err != nil {
			return err
		}
		info = s.Describe()
		return nil
	})
	duration := time.Since(start)

	fields := logrus.Fields{
		"run_id":      runID,
		"ticker":      ticker,
		"strategy":    name,
		"points":      len(series),
		"horizon":     horizon,
		"duration_ms": duration.Milliseconds(),
	}
	if err != nil {
		kind := utils.KindOf(err)
		e.observer.ObserveForecast(string(name), string(kind), duration)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		fields["error"] = err.Error()
		fields["error_kind"] = kind
		if kind == utils.KindInternal {
			e.logger.WithFields(fields).Error("Forecast failed")
		} else {
			e.logger.WithFields(fields).Warn("Forecast rejected")
		}
		return nil, err
	}

	outcome := "success"
	if info.Degraded {
		outcome = "degraded"
	}
	e.observer.ObserveForecast(string(name), outcome, duration)
	span.SetAttributes(attribute.String("forecast.outcome", outcome))
	fields["outcome"] = outcome
	e.logger.WithFields(fields).Info("Forecast completed")

	return &ForecastResponse{
		RunID:           runID,
		Ticker:          ticker,
		Strategy:        string(name),
		Dates:           result.Dates,
		PointForecast:   result.PointForecast,
		LowerBound:      result.LowerBound,
		UpperBound:      result.UpperBound,
		ConfidenceLevel: result.ConfidenceLevel,
		ModelInfo:       info,
	}, nil
}

// backtestJob is a resolved backtest request. It doubles as the cache
// fingerprint input, so it only holds deterministic values.
type backtestJob struct {
	Series     models.PriceSeries `json:"series"`
	Cadence    models.Cadence     `json:"cadence"`
	Names      []forecast.Name    `json:"names"`
	Params     forecast.Params    `json:"params"`
	Horizon    int                `json:"horizon"`
	WindowSize int                `json:"window_size"`
}

func (e *Engine) resolveBacktest(req BacktestRequest) (*backtestJob, error) {
	series, err := req.series()
	if err != nil {
		return nil, err
	}
	if err := validateStruct(req.BacktestOptions); err != nil {
		return nil, err
	}
	cadence, err := parseCadence(req.Interval)
	if err != nil {
		return nil, err
	}
	names, err := forecast.ParseNames(req.Strategies)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		names = backtest.DefaultStrategies
	}
	params, _, err := req.ForecastOptions.resolve(e.config.Defaults, e.config.DefaultHorizon)
	if err != nil {
		return nil, err
	}
	window := req.WindowSize
	if window == 0 {
		window = e.evaluator.Config().WindowSize
	}
	return &backtestJob{
		Series:     series,
		Cadence:    cadence,
		Names:      names,
		Params:     params,
		Horizon:    req.Horizon,
		WindowSize: window,
	}, nil
}

// Evaluate runs the walk-forward backtest over the request series.
func (e *Engine) Evaluate(ctx context.Context, req BacktestRequest) (*EvaluateResponse, error) {
	job, err := e.resolveBacktest(req)
	if err != nil {
		return nil, err
	}

	eval, cached, err := memoise(ctx, e, "evaluate", job, func(ctx context.Context) (*backtest.Evaluation, error) {
		return e.evaluator.WithWindow(job.WindowSize).Evaluate(ctx, job.Series, job.Cadence, job.Names, job.Params)
	})
	if err != nil {
		return nil, err
	}

	return &EvaluateResponse{
		RunID:      uuid.NewString(),
		Ticker:     req.Ticker,
		Cadence:    eval.Cadence,
		StepUnit:   job.Cadence.StepUnit(),
		WindowSize: eval.WindowSize,
		Metrics:    eval.Metrics(),
		Omitted:    eval.Omitted,
		Cached:     cached,
	}, nil
}

// Bounds produces one full-horizon forecast per strategy.
func (e *Engine) Bounds(ctx context.Context, req BacktestRequest) (*BoundsResponse, error) {
	job, err := e.resolveBacktest(req)
	if err != nil {
		return nil, err
	}

	report, cached, err := memoise(ctx, e, "bounds", job, func(ctx context.Context) (*backtest.BoundsReport, error) {
		return e.evaluator.Bounds(ctx, job.Series, job.Cadence, job.Names, job.Params, job.Horizon)
	})
	if err != nil {
		return nil, err
	}

	return &BoundsResponse{
		RunID:   uuid.NewString(),
		Ticker:  req.Ticker,
		Horizon: report.Horizon,
		Bounds:  report.Bounds,
		Omitted: report.Omitted,
		Cached:  cached,
	}, nil
}

// Report runs evaluate then bounds. A series too short to evaluate yields a
// report with an error message rather than an error.
func (e *Engine) Report(ctx context.Context, req BacktestRequest) (*ReportResponse, error) {
	job, err := e.resolveBacktest(req)
	if err != nil {
		return nil, err
	}

	report, cached, err := memoise(ctx, e, "report", job, func(ctx context.Context) (*backtest.Report, error) {
		return e.evaluator.WithWindow(job.WindowSize).Report(ctx, job.Series, job.Cadence, job.Names, job.Params, job.Horizon)
	})
	if err != nil {
		return nil, err
	}

	return &ReportResponse{
		RunID:  uuid.NewString(),
		Ticker: req.Ticker,
		Report: *report,
		Cached: cached,
	}, nil
}

// memoise serves the result from the cache when possible, otherwise runs
// compute in a worker slot and stores its result. Only successful results
// are cached.
func memoise[T any](
	ctx context.Context,
	e *Engine,
	operation string,
	job *backtestJob,
	compute func(ctx context.Context) (*T, error),
) (*T, bool, error) {
	ctx, span := tracer.Start(ctx, "engine."+operation, trace.WithAttributes(
		attribute.Int("series.length", len(job.Series)),
		attribute.String("series.cadence", string(job.Cadence)),
		attribute.Int("strategies", len(job.Names)),
	))
	defer span.End()

	var key string
	if e.cache != nil {
		k, err := cache.Fingerprint(operation, job)
		if err != nil {
			e.logger.WithError(err).Warn("Could not fingerprint request, skipping result cache")
		} else {
			key = k
			var cached T
			hit := e.cache.Get(ctx, key, &cached)
			e.observer.ObserveResultCache(operation, hit)
			span.SetAttributes(attribute.Bool("cache.hit", hit))
			if hit {
				return &cached, true, nil
			}
		}
	}

	start := time.Now()
	var result *T
	err := e.pool.Run(ctx, operation, func(ctx context.Context) error {
		var err error
		result, err = compute(ctx)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.WithFields(logrus.Fields{
			"operation":  operation,
			"points":     len(job.Series),
			"error":      err.Error(),
			"error_kind": utils.KindOf(err),
		}).Warn("Backtest request failed")
		return nil, false, err
	}

	e.logger.WithFields(logrus.Fields{
		"operation":   operation,
		"points":      len(job.Series),
		"strategies":  len(job.Names),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Backtest request completed")

	if key != "" {
		if err := e.cache.Set(ctx, key, result); err != nil {
			e.logger.WithError(err).Warn("Failed to cache backtest result")
		}
	}
	return result, false, nil
}

// PoolStats exposes the worker pool counters for health reporting.
func (e *Engine) PoolStats() WorkerPoolStats {
	return e.pool.Stats()
}
