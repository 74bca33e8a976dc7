package forecast

import (
	"io"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/celebrum-forecast/internal/models"
)

var seriesStart = time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC)

func weeklySeries(n int, value func(i int) float64) models.PriceSeries {
	series := make(models.PriceSeries, n)
	for i := range series {
		series[i] = models.PricePoint{
			Timestamp: seriesStart.AddDate(0, 0, 7*i),
			Value:     value(i),
		}
	}
	return series
}

func linear(i int) float64 { return 100 + 2*float64(i) }

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestStrategy(t *testing.T, deps *Dependencies, name Name, mutate func(*Params)) Strategy {
	t.Helper()
	if deps == nil {
		deps = &Dependencies{}
	}
	if deps.Logger == nil {
		deps.Logger = quietLogger()
	}
	params := DefaultParams()
	if mutate != nil {
		mutate(&params)
	}
	s, err := NewRegistry(deps).New(name, params)
	require.NoError(t, err)
	return s
}

func newTestRand() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}
