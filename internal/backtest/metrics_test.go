package backtest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/irfndi/celebrum-forecast/internal/models"
)

func records(pairs ...[2]float64) []models.BacktestRecord {
	out := make([]models.BacktestRecord, len(pairs))
	for i, p := range pairs {
		out[i] = models.BacktestRecord{Actual: p[0], Predicted: p[1]}
	}
	return out
}

func TestAggregate(t *testing.T) {
	m := Aggregate("baseline", records([2]float64{100, 110}, [2]float64{200, 190}, [2]float64{50, 50}))

	assert.Equal(t, "baseline", m.Model)
	assert.Equal(t, 3, m.Points)
	assert.Equal(t, 6.6667, m.MAE)
	assert.Equal(t, 8.165, m.RMSE)
	assert.Equal(t, 5.0, m.MAPE)
}

func TestAggregate_ZeroActualExcludedFromMAPE(t *testing.T) {
	m := Aggregate("x", records([2]float64{0, 1}, [2]float64{10, 12}))

	assert.Equal(t, 1.5, m.MAE)
	assert.Equal(t, 1.5811, m.RMSE)
	assert.Equal(t, 20.0, m.MAPE)
}

func TestAggregate_AllZeroActuals(t *testing.T) {
	m := Aggregate("x", records([2]float64{0, 1}, [2]float64{0, -1}))
	assert.Equal(t, 1.0, m.MAE)
	assert.Zero(t, m.MAPE)
}

func TestAggregate_Empty(t *testing.T) {
	m := Aggregate("x", nil)
	assert.Zero(t, m.Points)
	assert.Zero(t, m.MAE)
	assert.Zero(t, m.RMSE)
}
