package forecast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-forecast/internal/models"
	"github.com/irfndi/celebrum-forecast/internal/utils"
)

const (
	foundationMinSamples = 5
	foundationIdentity   = "foundation-pipeline"
)

// foundationStrategy delegates to a pretrained zero-shot pipeline. Fit only
// keeps the trailing context window and binds the shared pipeline; the model
// itself is never trained here.
type foundationStrategy struct {
	params Params
	deps   *Dependencies

	pipeline Pipeline
	context  []float64
	stamps   []string
	stepDays int
	lastDate time.Time
	fitted   bool
}

func newFoundationStrategy(params Params, deps *Dependencies) Strategy {
	return &foundationStrategy{params: params, deps: deps}
}

func (s *foundationStrategy) Fit(ctx context.Context, series models.PriceSeries) error {
	if err := ValidateSeries(series, foundationMinSamples); err != nil {
		return err
	}

	pipeline, err := s.acquirePipeline(ctx)
	if err != nil {
		return err
	}

	window := series
	if limit := s.deps.Foundation.ContextLength; len(window) > limit {
		window = window[len(window)-limit:]
	}

	s.pipeline = pipeline
	s.context = window.Values()
	s.stamps = formatDates(window.Timestamps())
	s.stepDays = inferStepDays(series.Timestamps())
	s.lastDate = series.Last().Timestamp
	s.fitted = true
	return nil
}

func (s *foundationStrategy) acquirePipeline(ctx context.Context) (Pipeline, error) {
	cfg := s.deps.Foundation
	if s.deps.PipelineFactory == nil {
		return nil, utils.NewUnavailableError(pipelineDependency, errors.New("no pipeline factory configured"))
	}
	fingerprint := cfg.ModelID + "@" + cfg.Device
	return s.deps.Pipelines.GetOrCreate(ctx, foundationIdentity, fingerprint, func(ctx context.Context) (Pipeline, error) {
		s.deps.Logger.WithFields(logrus.Fields{
			"model":  cfg.ModelID,
			"device": cfg.Device,
		}).Info("Loading foundation pipeline")
		return s.deps.PipelineFactory(ctx, cfg.ModelID, cfg.Device)
	})
}

func (s *foundationStrategy) Forecast(ctx context.Context, horizon int) (*models.ForecastResult, error) {
	if !s.fitted {
		return nil, notFittedError(Foundation)
	}
	if err := validateHorizon(horizon); err != nil {
		return nil, err
	}

	lowQ, midQ, highQ := quantileLevels(s.params.ConfidenceLevel)
	resp, err := s.pipeline.Predict(ctx, PipelineRequest{
		Model:            s.deps.Foundation.ModelID,
		Device:           s.deps.Foundation.Device,
		Context:          s.context,
		Timestamps:       s.stamps,
		PredictionLength: horizon,
		Quantiles:        []float64{lowQ, midQ, highQ},
		BatchSize:        s.deps.Foundation.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("foundation forecast: %w", err)
	}

	point, ok := resp.Quantile(midQ)
	if !ok {
		point = resp.Predictions
	}
	if len(point) < horizon {
		return nil, fmt.Errorf("foundation forecast: pipeline returned no median forecast (got %d of %d steps)", len(point), horizon)
	}
	point = point[:horizon]

	lower := quantileOrPoint(resp, lowQ, point)
	upper := quantileOrPoint(resp, highQ, point)

	dates := formatDates(futureDates(s.lastDate, s.stepDays, horizon))
	return buildResult(dates, point, lower, upper, s.params.ConfidenceLevel), nil
}

// quantileOrPoint returns the requested quantile, falling back to the point
// forecast when the pipeline omitted it or returned too few steps.
func quantileOrPoint(resp *PipelineResponse, q float64, point []float64) []float64 {
	values, ok := resp.Quantile(q)
	if !ok || len(values) < len(point) {
		return point
	}
	return values[:len(point)]
}

func (s *foundationStrategy) Describe() models.StrategyInfo {
	cfg := s.deps.Foundation
	params := map[string]interface{}{
		"model_id":         cfg.ModelID,
		"device":           cfg.Device,
		"context_length":   cfg.ContextLength,
		"batch_size":       cfg.BatchSize,
		"confidence_level": s.params.ConfidenceLevel,
	}
	if s.fitted {
		params["context_used"] = len(s.context)
		params["freq_days"] = s.stepDays
	}
	return models.StrategyInfo{
		Name:        string(Foundation),
		DisplayName: "Foundation Zero-Shot",
		Fitted:      s.fitted,
		Params:      params,
	}
}
