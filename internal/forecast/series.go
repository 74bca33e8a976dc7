package forecast

import (
	"math"
	"sort"
	"time"

	"github.com/irfndi/celebrum-forecast/internal/models"
	"github.com/irfndi/celebrum-forecast/internal/utils"
)

// ValidateSeries rejects series that no strategy can train on.
// Shape problems (missing or non-increasing timestamps) are reported before
// range problems (too few samples, NaN or infinite values).
func ValidateSeries(series models.PriceSeries, minSamples int) error {
	if series == nil {
		return utils.NewValidationError("prices must be a time-indexed series, got none")
	}

	for i, p := range series {
		if p.Timestamp.IsZero() {
			return utils.NewValidationErrorf("prices must be time-indexed: timestamp at index %d is missing", i)
		}
		if i > 0 && !p.Timestamp.After(series[i-1].Timestamp) {
			return utils.NewValidationErrorf(
				"prices must be ordered by strictly increasing timestamps: index %d (%s) does not follow %s",
				i, models.FormatForecastDate(p.Timestamp), models.FormatForecastDate(series[i-1].Timestamp),
			)
		}
	}

	if len(series) < minSamples {
		return utils.NewValidationErrorf("need at least %d samples, got %d", minSamples, len(series))
	}

	for i, p := range series {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			return utils.NewValidationErrorf("prices contains NaN or infinite values at index %d; clean data before fitting", i)
		}
	}
	return nil
}

// inferStepDays returns the median gap between observations in whole
// calendar days, at least 1.
func inferStepDays(stamps []time.Time) int {
	if len(stamps) < 2 {
		return 1
	}

	gaps := make([]int, len(stamps)-1)
	for i := 1; i < len(stamps); i++ {
		gaps[i-1] = int(stamps[i].Sub(stamps[i-1]) / (24 * time.Hour))
	}
	sort.Ints(gaps)

	mid := len(gaps) / 2
	median := gaps[mid]
	if len(gaps)%2 == 0 {
		median = (gaps[mid-1] + gaps[mid]) / 2
	}
	if median < 1 {
		return 1
	}
	return median
}

// futureDates returns last + step*i for i = 1..horizon.
func futureDates(last time.Time, stepDays, horizon int) []time.Time {
	dates := make([]time.Time, horizon)
	for i := range dates {
		dates[i] = last.AddDate(0, 0, stepDays*(i+1))
	}
	return dates
}

// ensureAfter replaces any date that is not strictly after last with
// last + step*(i+1).
func ensureAfter(dates []time.Time, last time.Time, stepDays int) []time.Time {
	fixed := make([]time.Time, len(dates))
	for i, d := range dates {
		if !d.After(last) {
			d = last.AddDate(0, 0, stepDays*(i+1))
		}
		fixed[i] = d
	}
	return fixed
}

func formatDates(dates []time.Time) []string {
	out := make([]string, len(dates))
	for i, d := range dates {
		out[i] = models.FormatForecastDate(d)
	}
	return out
}

func validateHorizon(horizon int) error {
	if horizon < 1 {
		return utils.NewValidationErrorf("horizon must be at least 1, got %d", horizon)
	}
	return nil
}
