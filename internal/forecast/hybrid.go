package forecast

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-forecast/internal/models"
	"github.com/irfndi/celebrum-forecast/internal/utils"
)

// hybridStrategy runs trend-seasonality and adds a learned residual
// correction to the first forecast step. Without the artifact it serves the
// trend-seasonality forecast unchanged and reports itself degraded.
type hybridStrategy struct {
	params Params
	deps   *Dependencies

	base       *trendSeasonalityStrategy
	outcome    Outcome
	correction float64
	fitted     bool
}

func newHybridStrategy(params Params, deps *Dependencies) Strategy {
	return &hybridStrategy{params: params, deps: deps}
}

func (s *hybridStrategy) Fit(ctx context.Context, series models.PriceSeries) error {
	base := &trendSeasonalityStrategy{params: s.params}
	if err := base.Fit(ctx, series); err != nil {
		return err
	}

	outcome, _, err := s.probe(ctx)
	if err != nil {
		return err
	}

	s.base = base
	s.outcome = outcome
	s.correction = 0
	s.fitted = true
	return nil
}

// probe resolves the residual model. An absent artifact is reported through
// the outcome; a present but unusable one is an error.
func (s *hybridStrategy) probe(ctx context.Context) (Outcome, *ResidualModel, error) {
	model, err := acquireResidualModel(ctx, s.deps)
	if err != nil {
		if utils.IsUnavailable(err) {
			s.deps.Logger.WithFields(logrus.Fields{
				"strategy": Hybrid,
				"artifact": s.deps.ResidualArtifactPath,
				"error":    err.Error(),
			}).Warn("Residual artifact unavailable, serving trend-seasonality only")
			return OutcomeDegraded, nil, nil
		}
		return "", nil, fmt.Errorf("hybrid: load residual artifact: %w", err)
	}
	return OutcomeSuccess, model, nil
}

func (s *hybridStrategy) Forecast(ctx context.Context, horizon int) (*models.ForecastResult, error) {
	if !s.fitted {
		return nil, notFittedError(Hybrid)
	}

	result, err := s.base.Forecast(ctx, horizon)
	if err != nil {
		return nil, err
	}

	outcome, model, err := s.probe(ctx)
	if err != nil {
		return nil, err
	}
	s.outcome = outcome
	if model == nil {
		s.correction = 0
		return result, nil
	}

	prices, fitted := s.base.inSample()
	correction, err := model.Correction(prices, fitted)
	if err != nil {
		return nil, fmt.Errorf("hybrid: %w", err)
	}
	s.correction = correction

	p := Round4(result.PointForecast[0] + correction)
	result.PointForecast[0] = p
	if result.LowerBound[0] > p {
		result.LowerBound[0] = p
	}
	if result.UpperBound[0] < p {
		result.UpperBound[0] = p
	}
	return result, nil
}

func (s *hybridStrategy) Describe() models.StrategyInfo {
	params := map[string]interface{}{
		"confidence_level": s.params.ConfidenceLevel,
		"artifact_path":    s.deps.ResidualArtifactPath,
	}
	outcome := s.outcome
	if s.fitted {
		params["residual_correction"] = Round6(s.correction)
		params["freq_days"] = s.base.stepDays
	} else {
		outcome = ""
	}
	return models.StrategyInfo{
		Name:        string(Hybrid),
		DisplayName: "Trend-Seasonality + Residual Correction",
		Fitted:      s.fitted,
		Degraded:    s.fitted && outcome != OutcomeSuccess,
		Outcome:     string(outcome),
		Params:      params,
	}
}
