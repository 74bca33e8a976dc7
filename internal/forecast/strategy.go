// Package forecast implements the forecasting strategies behind one
// fit/forecast/describe contract, plus the series validation and interval
// helpers they share.
package forecast

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-forecast/internal/cache"
	"github.com/irfndi/celebrum-forecast/internal/models"
	"github.com/irfndi/celebrum-forecast/internal/utils"
)

// Strategy is the contract every forecasting model satisfies.
// An instance holds the state of exactly one Fit and is not safe for
// concurrent use.
type Strategy interface {
	// Fit validates the series and replaces any previous fitted state.
	// On error the previous state is kept.
	Fit(ctx context.Context, series models.PriceSeries) error
	// Forecast projects horizon steps past the fitted series.
	Forecast(ctx context.Context, horizon int) (*models.ForecastResult, error)
	// Describe reports metadata for logs and API responses.
	Describe() models.StrategyInfo
}

// Name identifies a strategy variant.
type Name string

const (
	Baseline         Name = "baseline"
	Recurrent        Name = "recurrent"
	TrendSeasonality Name = "trend-seasonality"
	Foundation       Name = "foundation-zero-shot"
	Hybrid           Name = "hybrid-residual-correction"
)

// AllNames lists every strategy in display order.
var AllNames = []Name{Baseline, Recurrent, TrendSeasonality, Foundation, Hybrid}

var nameAliases = map[string]Name{
	"baseline":                   Baseline,
	"base":                       Baseline,
	"ewm":                        Baseline,
	"recurrent":                  Recurrent,
	"lstm":                       Recurrent,
	"rnn":                        Recurrent,
	"trend-seasonality":          TrendSeasonality,
	"prophet":                    TrendSeasonality,
	"foundation-zero-shot":       Foundation,
	"foundation":                 Foundation,
	"chronos":                    Foundation,
	"chronos2":                   Foundation,
	"hybrid-residual-correction": Hybrid,
	"hybrid":                     Hybrid,
	"prophet_xgb":                Hybrid,
}

// ParseName resolves a strategy token, accepting the short aliases used by
// older clients.
func ParseName(raw string) (Name, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if name, ok := nameAliases[key]; ok {
		return name, nil
	}
	return "", utils.NewValidationErrorf("unknown strategy %q", raw)
}

// ParseNames resolves a list of tokens, dropping duplicates.
func ParseNames(raw []string) ([]Name, error) {
	seen := make(map[Name]bool, len(raw))
	names := make([]Name, 0, len(raw))
	for _, r := range raw {
		name, err := ParseName(r)
		if err != nil {
			return nil, err
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names, nil
}

// Smoothing modes for the baseline strategy.
const (
	SmoothingEWM = "ewm"
	SmoothingEMA = "ema"
)

// Params carries the per-request knobs shared by all strategies. Fields a
// strategy does not use are ignored.
type Params struct {
	ConfidenceLevel float64 `json:"confidence_level"`
	LookbackWindow  int     `json:"lookback_window"`
	Epochs          int     `json:"epochs"`
	BatchSize       int     `json:"batch_size"`
	ValidationSplit float64 `json:"validation_split"`
	Seed            uint64  `json:"seed"`
	Smoothing       string  `json:"smoothing"`
}

// DefaultParams returns the defaults served by the forecast API.
func DefaultParams() Params {
	return Params{
		ConfidenceLevel: 0.95,
		LookbackWindow:  20,
		Epochs:          50,
		BatchSize:       16,
		ValidationSplit: 0.2,
		Seed:            42,
		Smoothing:       SmoothingEWM,
	}
}

// Validate checks the parameter ranges.
func (p Params) Validate() error {
	switch {
	case p.ConfidenceLevel <= 0 || p.ConfidenceLevel >= 1:
		return utils.NewValidationErrorf("confidence_level must be in (0, 1), got %v", p.ConfidenceLevel)
	case p.LookbackWindow < 1:
		return utils.NewValidationErrorf("lookback_window must be positive, got %d", p.LookbackWindow)
	case p.Epochs < 1:
		return utils.NewValidationErrorf("epochs must be positive, got %d", p.Epochs)
	case p.BatchSize < 1:
		return utils.NewValidationErrorf("batch_size must be positive, got %d", p.BatchSize)
	case p.ValidationSplit < 0 || p.ValidationSplit >= 1:
		return utils.NewValidationErrorf("validation_split must be in [0, 1), got %v", p.ValidationSplit)
	case p.Smoothing != "" && p.Smoothing != SmoothingEWM && p.Smoothing != SmoothingEMA:
		return utils.NewValidationErrorf("smoothing must be %q or %q, got %q", SmoothingEWM, SmoothingEMA, p.Smoothing)
	}
	return nil
}

// FoundationConfig selects the zero-shot pipeline.
type FoundationConfig struct {
	ModelID       string
	Device        string
	ContextLength int
	BatchSize     int
}

// DefaultFoundationConfig mirrors the pipeline defaults.
func DefaultFoundationConfig() FoundationConfig {
	return FoundationConfig{
		ModelID:       "amazon/chronos-2",
		Device:        "cpu",
		ContextLength: 1024,
		BatchSize:     256,
	}
}

// Dependencies are the shared collaborators injected into strategies by
// the composition root.
type Dependencies struct {
	Logger *logrus.Logger

	Foundation      FoundationConfig
	PipelineFactory PipelineFactory
	Pipelines       *cache.ArtifactCache[Pipeline]

	ResidualArtifactPath string
	ResidualModels       *cache.ArtifactCache[*ResidualModel]
}

func (d *Dependencies) withDefaults() *Dependencies {
	out := *d
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	defaults := DefaultFoundationConfig()
	if out.Foundation.ModelID == "" {
		out.Foundation.ModelID = defaults.ModelID
	}
	if out.Foundation.Device == "" {
		out.Foundation.Device = defaults.Device
	}
	if out.Foundation.ContextLength <= 0 {
		out.Foundation.ContextLength = defaults.ContextLength
	}
	if out.Foundation.BatchSize <= 0 {
		out.Foundation.BatchSize = defaults.BatchSize
	}
	if out.Pipelines == nil {
		out.Pipelines = cache.NewArtifactCache[Pipeline]()
	}
	if out.ResidualModels == nil {
		out.ResidualModels = cache.NewArtifactCache[*ResidualModel]()
	}
	return &out
}

// Constructor builds a fresh, unfitted strategy.
type Constructor func(params Params, deps *Dependencies) Strategy

// Registry is the dispatch table from strategy name to constructor.
type Registry struct {
	constructors map[Name]Constructor
	deps         *Dependencies
}

// NewRegistry registers the five built-in strategies.
func NewRegistry(deps *Dependencies) *Registry {
	if deps == nil {
		deps = &Dependencies{}
	}
	return &Registry{
		constructors: map[Name]Constructor{
			Baseline:         newBaselineStrategy,
			Recurrent:        newRecurrentStrategy,
			TrendSeasonality: newTrendSeasonalityStrategy,
			Foundation:       newFoundationStrategy,
			Hybrid:           newHybridStrategy,
		},
		deps: deps.withDefaults(),
	}
}

// New constructs an unfitted strategy instance.
func (r *Registry) New(name Name, params Params) (Strategy, error) {
	ctor, ok := r.constructors[name]
	if !ok {
		return nil, utils.NewValidationErrorf("unknown strategy %q", name)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return ctor(params, r.deps), nil
}

// Names returns the registered strategy names, sorted.
func (r *Registry) Names() []Name {
	names := make([]Name, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Dependencies exposes the shared collaborators, for health reporting.
func (r *Registry) Dependencies() *Dependencies {
	return r.deps
}

func notFittedError(name Name) error {
	return utils.NewPreconditionError(fmt.Sprintf("%s: call fit() before forecast()", name))
}
