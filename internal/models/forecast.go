package models

import "time"

// ForecastResult is the fixed-shape output of one strategy forecast.
// All four sequences have the requested horizon as their length.
type ForecastResult struct {
	Dates           []string  `json:"dates"`
	PointForecast   []float64 `json:"point_forecast"`
	LowerBound      []float64 `json:"lower_bound"`
	UpperBound      []float64 `json:"upper_bound"`
	ConfidenceLevel float64   `json:"confidence_level"`
}

// Horizon returns the number of forecast steps.
func (r *ForecastResult) Horizon() int {
	return len(r.PointForecast)
}

// Clone returns a deep copy of r.
func (r *ForecastResult) Clone() *ForecastResult {
	return &ForecastResult{
		Dates:           append([]string(nil), r.Dates...),
		PointForecast:   append([]float64(nil), r.PointForecast...),
		LowerBound:      append([]float64(nil), r.LowerBound...),
		UpperBound:      append([]float64(nil), r.UpperBound...),
		ConfidenceLevel: r.ConfidenceLevel,
	}
}

// StrategyInfo is the observability record returned by a strategy's Describe.
type StrategyInfo struct {
	Name        string                 `json:"name"`
	DisplayName string                 `json:"display_name"`
	Fitted      bool                   `json:"is_fitted"`
	Degraded    bool                   `json:"degraded"`
	Outcome     string                 `json:"outcome,omitempty"`
	Params      map[string]interface{} `json:"params"`
}

// BacktestRecord is one walk-forward step: the prediction made for Timestamp
// by a model trained on data up to and including TrainEnd.
type BacktestRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Actual    float64   `json:"actual"`
	Predicted float64   `json:"predicted"`
	TrainEnd  time.Time `json:"train_end"`
}

// ErrorMetrics summarises a strategy's walk-forward errors.
type ErrorMetrics struct {
	Model  string  `json:"model"`
	MAE    float64 `json:"mae"`
	RMSE   float64 `json:"rmse"`
	MAPE   float64 `json:"mape"`
	Points int     `json:"points"`
}

// StrategyBounds is one strategy's full-horizon forecast for display.
type StrategyBounds struct {
	Model    string    `json:"model"`
	Dates    []string  `json:"dates"`
	Lower    []float64 `json:"lower"`
	Forecast []float64 `json:"forecast"`
	Upper    []float64 `json:"upper"`
}
