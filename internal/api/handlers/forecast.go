package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/irfndi/celebrum-forecast/internal/middleware"
	"github.com/irfndi/celebrum-forecast/internal/services"
)

// ForecastEngine is the part of *services.Engine the handlers use.
type ForecastEngine interface {
	Forecast(ctx context.Context, strategy string, req services.ForecastRequest) (*services.ForecastResponse, error)
	Evaluate(ctx context.Context, req services.BacktestRequest) (*services.EvaluateResponse, error)
	Bounds(ctx context.Context, req services.BacktestRequest) (*services.BoundsResponse, error)
	Report(ctx context.Context, req services.BacktestRequest) (*services.ReportResponse, error)
}

type ForecastHandler struct {
	engine ForecastEngine
}

func NewForecastHandler(engine ForecastEngine) *ForecastHandler {
	return &ForecastHandler{engine: engine}
}

// Forecast runs the strategy named in the path on the posted series.
func (h *ForecastHandler) Forecast(c *gin.Context) {
	var req services.ForecastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	strategy := c.Param("strategy")
	middleware.AddSpanAttribute(c, "forecast.strategy", strategy)
	middleware.AddSpanAttribute(c, "series.length", len(req.Prices))

	resp, err := h.engine.Forecast(c.Request.Context(), strategy, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Evaluate runs the walk-forward backtest and returns error metrics.
func (h *ForecastHandler) Evaluate(c *gin.Context) {
	req, ok := bindBacktest(c)
	if !ok {
		return
	}
	resp, err := h.engine.Evaluate(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Bounds returns one full-horizon forecast per strategy.
func (h *ForecastHandler) Bounds(c *gin.Context) {
	req, ok := bindBacktest(c)
	if !ok {
		return
	}
	resp, err := h.engine.Bounds(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Report combines Evaluate and Bounds. A short series is reported in the
// body with status 200.
func (h *ForecastHandler) Report(c *gin.Context) {
	req, ok := bindBacktest(c)
	if !ok {
		return
	}
	resp, err := h.engine.Report(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func bindBacktest(c *gin.Context) (services.BacktestRequest, bool) {
	var req services.BacktestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return req, false
	}
	middleware.AddSpanAttribute(c, "series.length", len(req.Prices))
	middleware.AddSpanAttribute(c, "backtest.interval", req.Interval)
	return req, true
}
