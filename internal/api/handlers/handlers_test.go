package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/celebrum-forecast/internal/backtest"
	"github.com/irfndi/celebrum-forecast/internal/database"
	"github.com/irfndi/celebrum-forecast/internal/forecast"
	"github.com/irfndi/celebrum-forecast/internal/models"
	"github.com/irfndi/celebrum-forecast/internal/services"
	"github.com/irfndi/celebrum-forecast/internal/utils"
)

// MockPriceStore is a mock implementation of PriceStore for testing
type MockPriceStore struct {
	mock.Mock
}

func (m *MockPriceStore) ListAssets(ctx context.Context) ([]models.Asset, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Asset), args.Error(1)
}

func (m *MockPriceStore) LoadSeries(ctx context.Context, q models.SeriesQuery) (models.PriceSeries, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(models.PriceSeries), args.Error(1)
}

func (m *MockPriceStore) StorePrices(ctx context.Context, symbol string, cadence models.Cadence, series models.PriceSeries) (int64, error) {
	args := m.Called(ctx, symbol, cadence, series)
	return args.Get(0).(int64), args.Error(1)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newEngine(t *testing.T) *services.Engine {
	t.Helper()
	logger := quietLogger()
	registry := forecast.NewRegistry(&forecast.Dependencies{Logger: logger})
	evaluator := backtest.NewEvaluator(registry, backtest.DefaultConfig(), logger, nil)
	pool := services.NewWorkerPool(services.WorkerPoolConfig{MinWorkers: 2, MaxWorkers: 2}, logger)
	return services.NewEngine(registry, evaluator, pool, nil, nil, services.EngineConfig{}, logger)
}

func weeklySeries(n int) models.PriceSeries {
	start := time.Date(2021, 1, 4, 0, 0, 0, 0, time.UTC)
	series := make(models.PriceSeries, n)
	for i := range series {
		series[i] = models.PricePoint{
			Timestamp: start.AddDate(0, 0, 7*i),
			Value:     100 + 0.5*float64(i) + float64(i%4),
		}
	}
	return series
}

func weeklyBody(n int, extra map[string]interface{}) map[string]interface{} {
	series := weeklySeries(n)
	in := services.SeriesInputFrom("TEST", series)
	body := map[string]interface{}{
		"ticker": in.Ticker,
		"prices": in.Prices,
		"dates":  in.Dates,
	}
	for k, v := range extra {
		body[k] = v
	}
	return body
}

func setupRouter(t *testing.T, store PriceStore) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := newEngine(t)
	fh := NewForecastHandler(engine)
	ah := NewAssetHandler(store, engine, quietLogger())

	router := gin.New()
	v1 := router.Group("/api/v1")
	v1.POST("/forecast/evaluate", fh.Evaluate)
	v1.POST("/forecast/bounds", fh.Bounds)
	v1.POST("/forecast/report", fh.Report)
	v1.POST("/forecast/:strategy", fh.Forecast)
	v1.GET("/assets", ah.ListAssets)
	v1.GET("/assets/:symbol/forecast/:strategy", ah.Forecast)
	v1.GET("/assets/:symbol/evaluate", ah.Evaluate)
	v1.POST("/assets/:symbol/prices", ah.ImportPrices)
	return router
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestForecastHandler_Forecast(t *testing.T) {
	router := setupRouter(t, &MockPriceStore{})

	w := doJSON(t, router, http.MethodPost, "/api/v1/forecast/baseline", weeklyBody(30, map[string]interface{}{"periods": 3}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp services.ForecastResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "baseline", resp.Strategy)
	assert.Equal(t, "TEST", resp.Ticker)
	assert.Len(t, resp.PointForecast, 3)
	assert.Len(t, resp.LowerBound, 3)
	assert.Equal(t, "2021-08-02T00:00:00", resp.Dates[0])
}

func TestForecastHandler_ErrorMapping(t *testing.T) {
	router := setupRouter(t, &MockPriceStore{})

	tests := []struct {
		name   string
		path   string
		body   interface{}
		status int
		kind   string
	}{
		{"malformed json", "/api/v1/forecast/baseline", `{"prices": [1,2`, http.StatusBadRequest, "input"},
		{"unknown strategy", "/api/v1/forecast/arima", weeklyBody(30, nil), http.StatusUnprocessableEntity, "input"},
		{"periods out of range", "/api/v1/forecast/baseline", weeklyBody(30, map[string]interface{}{"periods": 60}), http.StatusUnprocessableEntity, "input"},
		{"foundation not deployed", "/api/v1/forecast/foundation-zero-shot", weeklyBody(30, nil), http.StatusServiceUnavailable, "unavailable"},
		{"shortfall", "/api/v1/forecast/evaluate", weeklyBody(40, nil), http.StatusUnprocessableEntity, "input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.kind, resp.Kind)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestForecastHandler_NullPriceRejected(t *testing.T) {
	router := setupRouter(t, &MockPriceStore{})

	body := weeklyBody(30, nil)
	prices := make([]interface{}, 0, 30)
	for _, v := range body["prices"].(models.PriceValues) {
		prices = append(prices, v)
	}
	prices[10] = nil
	body["prices"] = prices

	w := doJSON(t, router, http.MethodPost, "/api/v1/forecast/baseline", body)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "input", resp.Kind)
	assert.Contains(t, resp.Error, "missing value at index 10")

	w = doJSON(t, router, http.MethodPost, "/api/v1/assets/btc-usd/prices", map[string]interface{}{
		"interval": "1wk",
		"prices":   []interface{}{1.0, nil},
		"dates":    []string{"2024-01-01", "2024-01-08"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "missing value at index 1")
}

func TestForecastHandler_EvaluateBoundsReport(t *testing.T) {
	router := setupRouter(t, &MockPriceStore{})
	body := weeklyBody(80, map[string]interface{}{"strategies": []string{"baseline"}})

	w := doJSON(t, router, http.MethodPost, "/api/v1/forecast/evaluate", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var eval services.EvaluateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &eval))
	require.Len(t, eval.Metrics, 1)
	assert.Equal(t, "baseline", eval.Metrics[0].Model)
	assert.Equal(t, 20, eval.WindowSize)

	w = doJSON(t, router, http.MethodPost, "/api/v1/forecast/bounds", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var bounds services.BoundsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bounds))
	assert.Equal(t, 12, bounds.Horizon)

	w = doJSON(t, router, http.MethodPost, "/api/v1/forecast/report", weeklyBody(50, nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "need at least 72 points (have 50)")
}

func TestAssetHandler_ListAssets(t *testing.T) {
	store := &MockPriceStore{}
	store.On("ListAssets", mock.Anything).Return([]models.Asset{{ID: 1, Symbol: "AAPL"}}, nil)
	router := setupRouter(t, store)

	w := doJSON(t, router, http.MethodGet, "/api/v1/assets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	store.AssertExpectations(t)
}

func TestAssetHandler_Forecast(t *testing.T) {
	store := &MockPriceStore{}
	store.On("LoadSeries", mock.Anything, mock.MatchedBy(func(q models.SeriesQuery) bool {
		return q.Symbol == "AAPL" &&
			q.Cadence == models.CadenceWeekly &&
			q.From.Equal(time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)) &&
			q.To.IsZero()
	})).Return(weeklySeries(40), nil)
	router := setupRouter(t, store)

	w := doJSON(t, router, http.MethodGet, "/api/v1/assets/aapl/forecast/trend-seasonality?periods=5&start=2021-01-01", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp services.ForecastResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "AAPL", resp.Ticker)
	assert.Len(t, resp.PointForecast, 5)
	store.AssertExpectations(t)
}

func TestAssetHandler_ForecastErrors(t *testing.T) {
	store := &MockPriceStore{}
	store.On("LoadSeries", mock.Anything, mock.MatchedBy(func(q models.SeriesQuery) bool { return q.Symbol == "NOPE" })).
		Return(nil, fmt.Errorf("%w: NOPE", database.ErrAssetNotFound))
	store.On("LoadSeries", mock.Anything, mock.MatchedBy(func(q models.SeriesQuery) bool { return q.Symbol == "DOWN" })).
		Return(nil, errors.New("connection refused"))
	router := setupRouter(t, store)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"unknown symbol", "/api/v1/assets/nope/forecast/baseline", http.StatusNotFound},
		{"unknown strategy", "/api/v1/assets/aapl/forecast/arima", http.StatusUnprocessableEntity},
		{"bad interval", "/api/v1/assets/aapl/forecast/baseline?interval=1d", http.StatusUnprocessableEntity},
		{"bad start", "/api/v1/assets/aapl/forecast/baseline?start=yesterday", http.StatusUnprocessableEntity},
		{"inverted range", "/api/v1/assets/aapl/forecast/baseline?start=2022-01-01&end=2021-01-01", http.StatusUnprocessableEntity},
		{"bad limit", "/api/v1/assets/aapl/forecast/baseline?limit=many", http.StatusBadRequest},
		{"store failure", "/api/v1/assets/down/forecast/baseline", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}

	// Internal errors are not echoed to clients.
	w := doJSON(t, router, http.MethodGet, "/api/v1/assets/down/forecast/baseline", nil)
	assert.NotContains(t, w.Body.String(), "connection refused")
}

func TestAssetHandler_Evaluate(t *testing.T) {
	store := &MockPriceStore{}
	store.On("LoadSeries", mock.Anything, mock.MatchedBy(func(q models.SeriesQuery) bool {
		return q.Symbol == "MSFT" && q.Cadence == models.CadenceMonthly && q.Limit == 60
	})).Return(weeklySeries(60), nil)
	router := setupRouter(t, store)

	w := doJSON(t, router, http.MethodGet, "/api/v1/assets/msft/evaluate?interval=monthly&limit=60&strategies=baseline&window_size=10", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp services.EvaluateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.CadenceMonthly, resp.Cadence)
	assert.Equal(t, 10, resp.WindowSize)
	require.Len(t, resp.Metrics, 1)
}

func TestAssetHandler_ImportPrices(t *testing.T) {
	store := &MockPriceStore{}
	store.On("StorePrices", mock.Anything, "BTC-USD", models.CadenceWeekly, mock.MatchedBy(func(s models.PriceSeries) bool {
		// Input is sorted by date before storage.
		return len(s) == 2 && s[0].Value == 1 && s[1].Value == 2
	})).Return(int64(2), nil)
	router := setupRouter(t, store)

	w := doJSON(t, router, http.MethodPost, "/api/v1/assets/btc-usd/prices", PriceImportRequest{
		Interval: "1wk",
		Prices:   []float64{2, 1},
		Dates:    []string{"2024-01-08", "2024-01-01"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"stored":2`)
	store.AssertExpectations(t)

	w = doJSON(t, router, http.MethodPost, "/api/v1/assets/btc-usd/prices", PriceImportRequest{
		Prices: []float64{1, 2},
		Dates:  []string{"2024-01-01"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusUnprocessableEntity, StatusFor(utils.NewValidationError("bad")))
	assert.Equal(t, http.StatusUnprocessableEntity, StatusFor(utils.NewPreconditionError("not fitted")))
	assert.Equal(t, http.StatusUnprocessableEntity, StatusFor(utils.NewShortfallError(72, 40)))
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(utils.NewUnavailableError("foundation", errors.New("down"))))
	assert.Equal(t, http.StatusNotFound, StatusFor(fmt.Errorf("%w for X at 1wk", database.ErrNoPriceHistory)))
	assert.Equal(t, http.StatusGatewayTimeout, StatusFor(fmt.Errorf("forecast: %w", context.DeadlineExceeded)))
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(context.Canceled))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("boom")))
}
