package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/celebrum-forecast/internal/config"
	"github.com/irfndi/celebrum-forecast/internal/models"
	"github.com/irfndi/celebrum-forecast/internal/services"
)

type fakeStore struct {
	symbol  string
	cadence models.Cadence
	series  models.PriceSeries
	err     error
}

func (s *fakeStore) StorePrices(_ context.Context, symbol string, cadence models.Cadence, series models.PriceSeries) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.symbol, s.cadence, s.series = symbol, cadence, series
	return int64(len(series)), nil
}

func testEnv(store *fakeStore) (*env, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &env{
		out:    out,
		errOut: &bytes.Buffer{},
		openStore: func(context.Context, *config.Config, *logrus.Logger) (priceWriter, func(), error) {
			if store == nil {
				return nil, nil, errors.New("database disabled")
			}
			return store, func() {}, nil
		},
	}, out
}

// writeWeeklyCSV writes n weekly closes to dir/name with a header row.
func writeWeeklyCSV(t *testing.T, dir, name string, n int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("Date,Open,Close\n")
	start := time.Date(2020, 1, 6, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%s,0,%.2f\n", start.AddDate(0, 0, 7*i).Format(time.DateOnly), 100+0.3*float64(i)+float64(i%5))
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
	return path
}

func run(t *testing.T, e *env, args ...string) error {
	t.Helper()
	cmd := newRootCommand(e)
	cmd.SetArgs(append(args, "--no-color", "--log-level", "error"))
	return cmd.ExecuteContext(context.Background())
}

func TestForecastCommand_Table(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := writeWeeklyCSV(t, dir, "aapl.csv", 30)

	e, out := testEnv(nil)
	require.NoError(t, run(t, e, "forecast", "baseline", "-f", path, "-p", "3"))

	text := out.String()
	assert.Contains(t, text, "baseline forecast for AAPL (95% interval)")
	assert.Contains(t, text, "forecast")
	assert.Equal(t, 5, strings.Count(text, "\n"), text)
}

func TestForecastCommand_JSON(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := writeWeeklyCSV(t, dir, "msft.csv", 30)

	e, out := testEnv(nil)
	require.NoError(t, run(t, e, "forecast", "ewm", "-f", path, "-p", "4", "--json", "--ticker", "X"))

	var resp services.ForecastResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "X", resp.Ticker)
	assert.Equal(t, "baseline", resp.Strategy)
	assert.Len(t, resp.PointForecast, 4)
	for i := range resp.PointForecast {
		assert.LessOrEqual(t, resp.LowerBound[i], resp.PointForecast[i])
		assert.GreaterOrEqual(t, resp.UpperBound[i], resp.PointForecast[i])
	}
}

func TestForecastCommand_UnknownStrategy(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := writeWeeklyCSV(t, dir, "aapl.csv", 30)

	e, _ := testEnv(nil)
	err := run(t, e, "forecast", "arima", "-f", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "arima")
}

func TestEvaluateCommand(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := writeWeeklyCSV(t, dir, "aapl.csv", 80)

	e, out := testEnv(nil)
	require.NoError(t, run(t, e, "evaluate", "-f", path, "-s", "baseline", "--json"))

	var resp services.EvaluateResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, models.CadenceWeekly, resp.Cadence)
	assert.Equal(t, 20, resp.WindowSize)
	require.Len(t, resp.Metrics, 1)
	assert.Equal(t, "baseline", resp.Metrics[0].Model)
	assert.Equal(t, 20, resp.Metrics[0].Points)
}

func TestEvaluateCommand_Table(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := writeWeeklyCSV(t, dir, "aapl.csv", 80)

	e, out := testEnv(nil)
	require.NoError(t, run(t, e, "evaluate", "-f", path, "-s", "baseline"))

	text := out.String()
	assert.Contains(t, text, "Weekly walk-forward evaluation over the last 20 weeks")
	assert.Contains(t, text, "lowest RMSE: baseline")
}

func TestEvaluateCommand_Shortfall(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := writeWeeklyCSV(t, dir, "aapl.csv", 40)

	e, _ := testEnv(nil)
	err := run(t, e, "evaluate", "-f", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "need at least 72 points (have 40)")
}

func TestReportCommand_ShortfallIsPrinted(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := writeWeeklyCSV(t, dir, "aapl.csv", 40)

	e, out := testEnv(nil)
	require.NoError(t, run(t, e, "report", "-f", path))
	assert.Contains(t, out.String(), "need at least 72 points (have 40)")
}

func TestBoundsCommand(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := writeWeeklyCSV(t, dir, "aapl.csv", 60)

	e, out := testEnv(nil)
	require.NoError(t, run(t, e, "bounds", "-f", path, "-s", "baseline,trend-seasonality", "--json"))

	var resp struct {
		Horizon int                     `json:"horizon"`
		Bounds  []models.StrategyBounds `json:"bounds"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, 12, resp.Horizon)
	require.Len(t, resp.Bounds, 2)
	assert.Len(t, resp.Bounds[0].Forecast, 12)
}

func TestImportCommand(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := writeWeeklyCSV(t, dir, "prices.csv", 10)

	store := &fakeStore{}
	e, out := testEnv(store)
	require.NoError(t, run(t, e, "import", "btc-usd", "-f", path, "-i", "monthly"))

	assert.Equal(t, "BTC-USD", store.symbol)
	assert.Equal(t, models.CadenceMonthly, store.cadence)
	assert.Len(t, store.series, 10)
	assert.Contains(t, out.String(), "stored 10 monthly prices for BTC-USD")
}

func TestImportCommand_StoreUnavailable(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := writeWeeklyCSV(t, dir, "prices.csv", 10)

	e, _ := testEnv(nil)
	err := run(t, e, "import", "AAPL", "-f", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database disabled")
}

func TestReadSeries(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []float64
		wantErr string
	}{
		{"header with extra columns", "timestamp,volume,close\n2024-01-01,5,10\n2024-01-08,6,11\n", []float64{10, 11}, ""},
		{"headerless", "2024-01-01,10\n2024-01-08,12.5\n", []float64{10, 12.5}, ""},
		{"bad value", "date,close\n2024-01-01,abc\n", nil, "invalid value"},
		{"empty", "", nil, "empty"},
		{"short row", "date,close\n2024-01-01\n", nil, "expected at least 2 columns"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			series, err := readSeries(strings.NewReader(tt.input))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, series.Values())
		})
	}
}

func TestTickerFromPath(t *testing.T) {
	assert.Equal(t, "AAPL", tickerFromPath("data/aapl.csv"))
	assert.Equal(t, "", tickerFromPath("-"))
}

func TestCadenceLabel(t *testing.T) {
	assert.Equal(t, "Weekly", cadenceLabel(models.CadenceWeekly.StepUnit()))
	assert.Equal(t, "Monthly", cadenceLabel(models.CadenceMonthly.StepUnit()))
}
