package models

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// ForecastDateLayout is the ISO-8601 layout used for every date the engine emits.
const ForecastDateLayout = "2006-01-02T15:04:05"

// PricePoint is a single observation of an asset's price.
type PricePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// PriceSeries is an ordered price history, oldest first.
type PriceSeries []PricePoint

// Values returns the observation values in order.
func (s PriceSeries) Values() []float64 {
	values := make([]float64, len(s))
	for i, p := range s {
		values[i] = p.Value
	}
	return values
}

// Timestamps returns the observation timestamps in order.
func (s PriceSeries) Timestamps() []time.Time {
	stamps := make([]time.Time, len(s))
	for i, p := range s {
		stamps[i] = p.Timestamp
	}
	return stamps
}

// Last returns the most recent observation. The series must not be empty.
func (s PriceSeries) Last() PricePoint {
	return s[len(s)-1]
}

// Clone returns a copy that shares no backing array with s.
func (s PriceSeries) Clone() PriceSeries {
	out := make(PriceSeries, len(s))
	copy(out, s)
	return out
}

// PriceValues is a JSON price list. A null entry decodes to NaN so that
// NewPriceSeries reports it as missing instead of reading it as 0.
type PriceValues []float64

// UnmarshalJSON implements json.Unmarshaler.
func (p *PriceValues) UnmarshalJSON(data []byte) error {
	var raw []*float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*p = nil
		return nil
	}
	values := make(PriceValues, len(raw))
	for i, v := range raw {
		if v == nil {
			values[i] = math.NaN()
			continue
		}
		values[i] = *v
	}
	*p = values
	return nil
}

// NewPriceSeries builds a series from parallel value and ISO-8601 date lists
// and sorts it oldest first. NaN marks a missing value and is rejected.
func NewPriceSeries(values []float64, dates []string) (PriceSeries, error) {
	if len(values) != len(dates) {
		return nil, fmt.Errorf("prices and dates must have equal length (got %d and %d)", len(values), len(dates))
	}
	for i, v := range values {
		if math.IsNaN(v) {
			return nil, fmt.Errorf("prices contains a missing value at index %d", i)
		}
	}

	series := make(PriceSeries, len(values))
	for i, raw := range dates {
		ts, err := ParseSeriesDate(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid date at index %d: %w", i, err)
		}
		series[i] = PricePoint{Timestamp: ts, Value: values[i]}
	}

	sort.SliceStable(series, func(i, j int) bool {
		return series[i].Timestamp.Before(series[j].Timestamp)
	})
	return series, nil
}

var seriesDateLayouts = []string{
	time.RFC3339Nano,
	ForecastDateLayout,
	"2006-01-02 15:04:05",
	time.DateOnly,
}

// ParseSeriesDate accepts the ISO-8601 forms clients send and returns the
// instant in UTC.
func ParseSeriesDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range seriesDateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not an ISO-8601 date", raw)
}

// FormatForecastDate renders t in the engine's output layout.
func FormatForecastDate(t time.Time) string {
	return t.UTC().Format(ForecastDateLayout)
}

// Cadence is the sampling interval of a series.
type Cadence string

const (
	CadenceWeekly  Cadence = "1wk"
	CadenceMonthly Cadence = "1mo"
)

// ParseCadence maps user spellings onto a Cadence. Empty input means weekly.
func ParseCadence(raw string) (Cadence, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "1wk", "wk", "week", "weekly":
		return CadenceWeekly, nil
	case "1mo", "mo", "month", "monthly":
		return CadenceMonthly, nil
	default:
		return "", fmt.Errorf("unsupported cadence %q (use 1wk or 1mo)", raw)
	}
}

// MinTrainingSize is the history a walk-forward run needs before its test window.
func (c Cadence) MinTrainingSize() int {
	if c == CadenceMonthly {
		return 24
	}
	return 52
}

// DefaultBoundsHorizon is the display horizon used by the bounds report.
func (c Cadence) DefaultBoundsHorizon() int {
	if c == CadenceMonthly {
		return 4
	}
	return 12
}

// StepUnit is the lower-case unit name of one cadence step.
func (c Cadence) StepUnit() string {
	if c == CadenceMonthly {
		return "month"
	}
	return "week"
}
