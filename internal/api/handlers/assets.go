package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-forecast/internal/forecast"
	"github.com/irfndi/celebrum-forecast/internal/middleware"
	"github.com/irfndi/celebrum-forecast/internal/models"
	"github.com/irfndi/celebrum-forecast/internal/services"
	"github.com/irfndi/celebrum-forecast/internal/utils"
)

// PriceStore supplies stored price history. *database.PriceRepository
// satisfies it.
type PriceStore interface {
	ListAssets(ctx context.Context) ([]models.Asset, error)
	LoadSeries(ctx context.Context, q models.SeriesQuery) (models.PriceSeries, error)
	StorePrices(ctx context.Context, symbol string, cadence models.Cadence, series models.PriceSeries) (int64, error)
}

// SeriesEngine runs the engine on a series loaded by the caller.
type SeriesEngine interface {
	ForecastSeries(ctx context.Context, name forecast.Name, ticker string, series models.PriceSeries, opts services.ForecastOptions) (*services.ForecastResponse, error)
	Evaluate(ctx context.Context, req services.BacktestRequest) (*services.EvaluateResponse, error)
}

type AssetHandler struct {
	store  PriceStore
	engine SeriesEngine
	logger *logrus.Logger
}

type AssetsResponse struct {
	Assets []models.Asset `json:"assets"`
	Count  int            `json:"count"`
}

// seriesQuery selects the stored history an asset endpoint runs on.
type seriesQuery struct {
	Interval string `form:"interval"`
	Start    string `form:"start"`
	End      string `form:"end"`
	Limit    int    `form:"limit"`
}

type assetForecastQuery struct {
	seriesQuery
	Periods         int     `form:"periods"`
	ConfidenceLevel float64 `form:"confidence_level"`
	LookbackWindow  int     `form:"lookback_window"`
	Epochs          int     `form:"epochs"`
	Smoothing       string  `form:"smoothing"`
}

type assetEvaluateQuery struct {
	seriesQuery
	Strategies string `form:"strategies"`
	WindowSize int    `form:"window_size"`
}

// PriceImportRequest is the body of a price history upload.
type PriceImportRequest struct {
	Interval string             `json:"interval"`
	Prices   models.PriceValues `json:"prices"`
	Dates    []string           `json:"dates"`
}

type PriceImportResponse struct {
	Symbol   string         `json:"symbol"`
	Interval models.Cadence `json:"interval"`
	Stored   int64          `json:"stored"`
}

func NewAssetHandler(store PriceStore, engine SeriesEngine, logger *logrus.Logger) *AssetHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AssetHandler{store: store, engine: engine, logger: logger}
}

// ListAssets returns every tracked asset.
func (h *AssetHandler) ListAssets(c *gin.Context) {
	assets, err := h.store.ListAssets(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, AssetsResponse{Assets: assets, Count: len(assets)})
}

// Forecast loads the stored history of :symbol and runs :strategy on it.
func (h *AssetHandler) Forecast(c *gin.Context) {
	var q assetForecastQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondBindError(c, err)
		return
	}
	name, err := forecast.ParseName(c.Param("strategy"))
	if err != nil {
		respondError(c, err)
		return
	}

	symbol := strings.ToUpper(c.Param("symbol"))
	series, _, err := h.load(c, symbol, q.seriesQuery)
	if err != nil {
		respondError(c, err)
		return
	}

	resp, err := h.engine.ForecastSeries(c.Request.Context(), name, symbol, series, services.ForecastOptions{
		Periods:         q.Periods,
		ConfidenceLevel: q.ConfidenceLevel,
		LookbackWindow:  q.LookbackWindow,
		Epochs:          q.Epochs,
		Smoothing:       q.Smoothing,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Evaluate backtests the stored history of :symbol.
func (h *AssetHandler) Evaluate(c *gin.Context) {
	var q assetEvaluateQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondBindError(c, err)
		return
	}

	symbol := strings.ToUpper(c.Param("symbol"))
	series, cadence, err := h.load(c, symbol, q.seriesQuery)
	if err != nil {
		respondError(c, err)
		return
	}

	req := services.BacktestRequest{
		SeriesInput: services.SeriesInputFrom(symbol, series),
		BacktestOptions: services.BacktestOptions{
			Interval:   string(cadence),
			WindowSize: q.WindowSize,
		},
	}
	if q.Strategies != "" {
		req.Strategies = strings.Split(q.Strategies, ",")
	}

	resp, err := h.engine.Evaluate(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ImportPrices stores an uploaded price history for :symbol.
func (h *AssetHandler) ImportPrices(c *gin.Context) {
	var req PriceImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	cadence, err := models.ParseCadence(req.Interval)
	if err != nil {
		respondError(c, utils.NewValidationError(err.Error()))
		return
	}
	series, err := models.NewPriceSeries(req.Prices, req.Dates)
	if err != nil {
		respondError(c, utils.NewValidationError(err.Error()))
		return
	}

	symbol := strings.ToUpper(c.Param("symbol"))
	stored, err := h.store.StorePrices(c.Request.Context(), symbol, cadence, series)
	if err != nil {
		respondError(c, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"symbol":   symbol,
		"interval": cadence,
		"stored":   stored,
	}).Info("Imported price history")
	c.JSON(http.StatusCreated, PriceImportResponse{Symbol: symbol, Interval: cadence, Stored: stored})
}

func (h *AssetHandler) load(c *gin.Context, symbol string, q seriesQuery) (models.PriceSeries, models.Cadence, error) {
	cadence, err := models.ParseCadence(q.Interval)
	if err != nil {
		return nil, "", utils.NewValidationError(err.Error())
	}
	query := models.SeriesQuery{Symbol: symbol, Cadence: cadence, Limit: q.Limit}
	if query.From, err = parseBound("start", q.Start); err != nil {
		return nil, "", err
	}
	if query.To, err = parseBound("end", q.End); err != nil {
		return nil, "", err
	}
	if !query.From.IsZero() && !query.To.IsZero() && query.To.Before(query.From) {
		return nil, "", utils.NewValidationError("end must not be before start")
	}

	middleware.AddSpanAttribute(c, "asset.symbol", symbol)
	series, err := h.store.LoadSeries(c.Request.Context(), query)
	if err != nil {
		return nil, "", err
	}
	return series, cadence, nil
}

func parseBound(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	ts, err := models.ParseSeriesDate(raw)
	if err != nil {
		return time.Time{}, utils.NewValidationErrorf("%s: %v", name, err)
	}
	return ts, nil
}
