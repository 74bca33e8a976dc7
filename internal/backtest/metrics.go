package backtest

import (
	"math"

	"github.com/irfndi/celebrum-forecast/internal/forecast"
	"github.com/irfndi/celebrum-forecast/internal/models"
)

// Aggregate reduces walk-forward records to MAE, RMSE and MAPE (percent).
// MAPE averages only records with a non-zero actual and is 0 when there are
// none. All three are rounded to 4 decimal places.
func Aggregate(model string, records []models.BacktestRecord) models.ErrorMetrics {
	out := models.ErrorMetrics{Model: model, Points: len(records)}
	if len(records) == 0 {
		return out
	}

	var absSum, sqSum, pctSum float64
	pctCount := 0
	for _, r := range records {
		diff := r.Actual - r.Predicted
		absSum += math.Abs(diff)
		sqSum += diff * diff
		if r.Actual != 0 {
			pctSum += math.Abs(diff / r.Actual)
			pctCount++
		}
	}

	n := float64(len(records))
	out.MAE = forecast.Round4(absSum / n)
	out.RMSE = forecast.Round4(math.Sqrt(sqSum / n))
	if pctCount > 0 {
		out.MAPE = forecast.Round4(pctSum / float64(pctCount) * 100)
	}
	return out
}
