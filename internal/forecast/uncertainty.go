package forecast

import (
	"math"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/irfndi/celebrum-forecast/internal/models"
)

// Round4 rounds v to 4 decimal places, half away from zero.
func Round4(v float64) float64 {
	return roundPlaces(v, 4)
}

// Round6 rounds v to 6 decimal places, for small return-style quantities.
func Round6(v float64) float64 {
	return roundPlaces(v, 6)
}

func roundPlaces(v float64, places int32) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

// zScore is the two-sided standard normal quantile for the confidence mass.
func zScore(confidence float64) float64 {
	return distuv.UnitNormal.Quantile((1 + confidence) / 2)
}

// horizonMargin widens a residual spread with the square root of the step
// index (random-walk convention).
func horizonMargin(z, residualStd float64, step int) float64 {
	return z * residualStd * math.Sqrt(float64(step))
}

// quantileLevels maps a confidence level onto the low/median/high quantiles
// requested from a quantile forecaster, e.g. 0.95 -> 0.025/0.5/0.975.
func quantileLevels(confidence float64) (low, mid, high float64) {
	alpha := (1 - confidence) / 2
	low = roundPlaces(alpha, 3)
	high = roundPlaces(1-alpha, 3)
	return low, 0.5, high
}

// buildResult assembles a ForecastResult, restores lower <= point <= upper
// where model output crossed, and rounds every value once.
func buildResult(dates []string, point, lower, upper []float64, confidence float64) *models.ForecastResult {
	n := len(point)
	result := &models.ForecastResult{
		Dates:           dates,
		PointForecast:   make([]float64, n),
		LowerBound:      make([]float64, n),
		UpperBound:      make([]float64, n),
		ConfidenceLevel: confidence,
	}

	for i := 0; i < n; i++ {
		p, lo, hi := point[i], lower[i], upper[i]
		if lo > p {
			lo = p
		}
		if hi < p {
			hi = p
		}
		result.PointForecast[i] = Round4(p)
		result.LowerBound[i] = Round4(lo)
		result.UpperBound[i] = Round4(hi)
	}
	return result
}
