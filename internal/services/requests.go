package services

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/irfndi/celebrum-forecast/internal/forecast"
	"github.com/irfndi/celebrum-forecast/internal/models"
	"github.com/irfndi/celebrum-forecast/internal/utils"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
}

// ForecastOptions are the tunables a client may send. Zero values take the
// engine defaults.
type ForecastOptions struct {
	Periods         int      `json:"periods,omitempty" validate:"gte=1,lte=52"`
	LookbackWindow  int      `json:"lookback_window,omitempty" validate:"gte=5,lte=60"`
	Epochs          int      `json:"epochs,omitempty" validate:"gte=10,lte=200"`
	ConfidenceLevel float64  `json:"confidence_level,omitempty" validate:"gte=0.5,lte=0.99"`
	BatchSize       int      `json:"batch_size,omitempty" validate:"gte=1,lte=1024"`
	ValidationSplit *float64 `json:"validation_split,omitempty" validate:"omitempty,gte=0,lt=0.5"`
	Seed            *uint64  `json:"seed,omitempty"`
	Smoothing       string   `json:"smoothing,omitempty" validate:"omitempty,oneof=ewm ema"`
}

// SeriesInput is a price history sent inline as parallel arrays.
type SeriesInput struct {
	Ticker string             `json:"ticker"`
	Prices models.PriceValues `json:"prices" validate:"required,min=1"`
	Dates  []string           `json:"dates" validate:"required,min=1"`
}

// ForecastRequest asks one strategy for a forecast of the supplied series.
type ForecastRequest struct {
	SeriesInput
	ForecastOptions
}

// BacktestOptions select what evaluate, bounds and report run. Horizon is
// ignored by evaluate; WindowSize is ignored by bounds.
type BacktestOptions struct {
	Interval   string   `json:"interval,omitempty"`
	Strategies []string `json:"strategies,omitempty"`
	Horizon    int      `json:"horizon,omitempty" validate:"gte=0,lte=52"`
	WindowSize int      `json:"window_size,omitempty" validate:"omitempty,gte=5,lte=200"`
}

// BacktestRequest drives evaluate, bounds and report.
type BacktestRequest struct {
	SeriesInput
	BacktestOptions
	ForecastOptions
}

// resolve fills defaults into opts and validates the result.
func (opts ForecastOptions) resolve(defaults forecast.Params, defaultHorizon int) (forecast.Params, int, error) {
	if opts.Periods == 0 {
		opts.Periods = defaultHorizon
	}
	if opts.LookbackWindow == 0 {
		opts.LookbackWindow = defaults.LookbackWindow
	}
	if opts.Epochs == 0 {
		opts.Epochs = defaults.Epochs
	}
	if opts.ConfidenceLevel == 0 {
		opts.ConfidenceLevel = defaults.ConfidenceLevel
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = defaults.BatchSize
	}
	if err := validateStruct(opts); err != nil {
		return forecast.Params{}, 0, err
	}

	params := forecast.Params{
		ConfidenceLevel: opts.ConfidenceLevel,
		LookbackWindow:  opts.LookbackWindow,
		Epochs:          opts.Epochs,
		BatchSize:       opts.BatchSize,
		ValidationSplit: defaults.ValidationSplit,
		Seed:            defaults.Seed,
		Smoothing:       defaults.Smoothing,
	}
	if opts.ValidationSplit != nil {
		params.ValidationSplit = *opts.ValidationSplit
	}
	if opts.Seed != nil {
		params.Seed = *opts.Seed
	}
	if opts.Smoothing != "" {
		params.Smoothing = opts.Smoothing
	}
	return params, opts.Periods, nil
}

func (in SeriesInput) series() (models.PriceSeries, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	return buildSeries(in.Prices, in.Dates)
}

func buildSeries(prices []float64, dates []string) (models.PriceSeries, error) {
	series, err := models.NewPriceSeries(prices, dates)
	if err != nil {
		return nil, utils.NewValidationError(err.Error())
	}
	return series, nil
}

func parseCadence(raw string) (models.Cadence, error) {
	cadence, err := models.ParseCadence(raw)
	if err != nil {
		return "", utils.NewValidationError(err.Error())
	}
	return cadence, nil
}

// validateStruct runs the struct tags and turns the first failure into a
// ValidationError worded for API clients.
func validateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return utils.NewValidationError(fieldErrorMessage(fieldErrs[0]))
	}
	return utils.NewValidationError(err.Error())
}

func fieldErrorMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gte":
		return fmt.Sprintf("%s must be at least %s, got %v", field, fe.Param(), fe.Value())
	case "lte":
		return fmt.Sprintf("%s must be at most %s, got %v", field, fe.Param(), fe.Value())
	case "lt":
		return fmt.Sprintf("%s must be less than %s, got %v", field, fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}

// SeriesInputFrom turns a stored series back into request form.
func SeriesInputFrom(ticker string, series models.PriceSeries) SeriesInput {
	in := SeriesInput{
		Ticker: ticker,
		Prices: series.Values(),
		Dates:  make([]string, len(series)),
	}
	for i, p := range series {
		in.Dates[i] = p.Timestamp.Format(time.DateOnly)
	}
	return in
}
