package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/irfndi/celebrum-forecast/internal/api/handlers"
	"github.com/irfndi/celebrum-forecast/internal/middleware"
)

// Engine is everything the forecast and asset handlers need from the engine.
type Engine interface {
	handlers.ForecastEngine
	handlers.SeriesEngine
}

// Dependencies wires the HTTP surface. Store may be nil when the database
// is disabled; the asset routes are then not registered.
type Dependencies struct {
	ServiceName    string
	Engine         Engine
	Store          handlers.PriceStore
	Health         *handlers.HealthHandler
	Metrics        http.Handler
	Recorder       middleware.RequestRecorder
	RateLimiter    *middleware.RateLimiter
	Admin          *middleware.AdminMiddleware
	AllowedOrigins []string
	RequestTimeout time.Duration
	Logger         *logrus.Logger
}

// NewRouter builds the gin engine with the middleware chain and all routes.
func NewRouter(deps Dependencies) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(deps.ServiceName, otelgin.WithFilter(func(r *http.Request) bool {
		return r.URL.Path != "/health" && r.URL.Path != "/metrics"
	})))
	if deps.Logger != nil {
		router.Use(middleware.RequestLogger(deps.Logger))
	}
	if deps.Recorder != nil {
		router.Use(middleware.RequestMetrics(deps.Recorder))
	}
	if len(deps.AllowedOrigins) > 0 {
		router.Use(middleware.CORS(deps.AllowedOrigins))
	}

	SetupRoutes(router, deps)
	return router
}

func SetupRoutes(router *gin.Engine, deps Dependencies) {
	// Health check endpoint
	if deps.Health != nil {
		router.GET("/health", deps.Health.HealthCheck)
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	// API v1 routes
	v1 := router.Group("/api/v1")
	if deps.RateLimiter != nil {
		v1.Use(deps.RateLimiter.Middleware())
	}
	v1.Use(middleware.RequestTimeout(deps.RequestTimeout))

	forecastHandler := handlers.NewForecastHandler(deps.Engine)
	forecasts := v1.Group("/forecast")
	{
		forecasts.POST("/evaluate", forecastHandler.Evaluate)
		forecasts.POST("/bounds", forecastHandler.Bounds)
		forecasts.POST("/report", forecastHandler.Report)
		forecasts.POST("/:strategy", forecastHandler.Forecast)
	}

	if deps.Store == nil {
		return
	}

	assetHandler := handlers.NewAssetHandler(deps.Store, deps.Engine, deps.Logger)
	assets := v1.Group("/assets")
	{
		assets.GET("", assetHandler.ListAssets)
		assets.GET("/:symbol/forecast/:strategy", assetHandler.Forecast)
		assets.GET("/:symbol/evaluate", assetHandler.Evaluate)
	}

	if deps.Admin != nil {
		admin := v1.Group("/admin", deps.Admin.RequireAdminAuth())
		admin.POST("/assets/:symbol/prices", assetHandler.ImportPrices)
	}
}
