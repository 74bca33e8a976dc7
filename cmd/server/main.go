package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-forecast/internal/api"
	"github.com/irfndi/celebrum-forecast/internal/api/handlers"
	"github.com/irfndi/celebrum-forecast/internal/backtest"
	"github.com/irfndi/celebrum-forecast/internal/cache"
	"github.com/irfndi/celebrum-forecast/internal/config"
	"github.com/irfndi/celebrum-forecast/internal/database"
	"github.com/irfndi/celebrum-forecast/internal/forecast"
	"github.com/irfndi/celebrum-forecast/internal/logging"
	"github.com/irfndi/celebrum-forecast/internal/metrics"
	"github.com/irfndi/celebrum-forecast/internal/middleware"
	"github.com/irfndi/celebrum-forecast/internal/services"
	"github.com/irfndi/celebrum-forecast/internal/telemetry"
)

const metricsNamespace = "forecast"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.Environment)
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := context.Background()
	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           app.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Walk-forward evaluations may hold a request for minutes.
		WriteTimeout: cfg.Server.RequestTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.LogStartup(logger, cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logging.LogShutdown(logger, cfg.Telemetry.ServiceName, sig.String())
	case err := <-serverErr:
		return fmt.Errorf("failed to start server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server exited")
	return nil
}

// application is the composition root: every long-lived collaborator and
// the closers that release them, in reverse order of construction.
type application struct {
	router  *gin.Engine
	engine  *services.Engine
	closers []func()
	logger  *logrus.Logger
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *application) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func newApplication(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (app *application, err error) {
	app = &application{logger: logger}
	defer func() {
		if err != nil {
			app.close()
		}
	}()

	if cfg.Telemetry.Logs {
		endpoint, _, err := telemetry.NormalizeOTLPEndpoint(cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve OTLP log endpoint: %w", err)
		}
		shutdownLogs, err := logging.AttachOTLP(ctx, logger, logging.OTLPConfig{
			Enabled:        true,
			Endpoint:       endpoint,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: cfg.Telemetry.ServiceVersion,
			Environment:    cfg.Environment,
		})
		if err != nil {
			return nil, err
		}
		app.onClose(func() { flush(logger, "log exporter", shutdownLogs) })
	}

	provider, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Environment, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	app.onClose(func() { flush(logger, "tracer provider", provider.Shutdown) })

	collector := metrics.NewCollector(metricsNamespace, logger)
	health := handlers.NewHealthHandler(cfg.Telemetry.ServiceVersion)

	var store handlers.PriceStore
	if cfg.Database.Enabled {
		db, err := database.NewPostgresConnection(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		app.onClose(db.Close)

		repo := database.NewPriceRepository(database.NewTracedDB(db.Pool), logger)
		if cfg.Database.AutoMigrate {
			if err := repo.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		store = repo
		health.WithCheck("database", db)
	} else {
		health.WithCheck("database", nil)
	}

	var resultCache services.ResultCache
	if cfg.Redis.Enabled {
		rdb, err := database.NewRedisConnection(ctx, cfg.Redis, logger)
		if err != nil {
			// Results are recomputed without the cache.
			logger.WithError(err).Warn("Redis unavailable, result cache disabled")
			health.WithCheck("redis", nil)
		} else {
			app.onClose(rdb.Close)
			resultCache = cache.NewRedisResultCache(rdb.Client, cfg.Forecast.ResultCacheTTL, logger)
			health.WithCheck("redis", rdb)
		}
	} else {
		health.WithCheck("redis", nil)
	}

	breakers := services.NewCircuitBreakerManager(services.CircuitBreakerConfig{
		FailureThreshold: cfg.Foundation.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Foundation.Breaker.SuccessThreshold,
		Timeout:          cfg.Foundation.Breaker.Timeout,
		MaxRequests:      cfg.Foundation.Breaker.MaxRequests,
	}, logger)

	pipelines := cache.NewArtifactCache[forecast.Pipeline]()
	residuals := cache.NewArtifactCache[*forecast.ResidualModel]()
	registry := forecast.NewRegistry(&forecast.Dependencies{
		Logger: logger,
		Foundation: forecast.FoundationConfig{
			ModelID:       cfg.Foundation.ModelID,
			Device:        cfg.Foundation.Device,
			ContextLength: cfg.Foundation.ContextLength,
			BatchSize:     cfg.Foundation.BatchSize,
		},
		PipelineFactory: forecast.NewHTTPPipelineFactory(forecast.HTTPPipelineConfig{
			Endpoint: cfg.Foundation.Endpoint,
			Timeout:  cfg.Foundation.Timeout,
		}, breakers.Executor(), logger),
		Pipelines:            pipelines,
		ResidualArtifactPath: cfg.Hybrid.ArtifactPath,
		ResidualModels:       residuals,
	})

	evaluator := backtest.NewEvaluator(registry, backtest.Config{
		WindowSize:     cfg.Forecast.WindowSize,
		MinSteps:       cfg.Forecast.MinSteps,
		BacktestEpochs: cfg.Forecast.BacktestEpochs,
	}, logger, collector)

	pool := services.NewWorkerPool(services.WorkerPoolConfig{
		MinWorkers: cfg.Workers.Min,
		MaxWorkers: cfg.Workers.Max,
		QueueSize:  cfg.Workers.QueueSize,
	}, logger)

	app.engine = services.NewEngine(registry, evaluator, pool, resultCache, collector, services.EngineConfig{
		Defaults: forecast.Params{
			ConfidenceLevel: cfg.Forecast.DefaultConfidence,
			LookbackWindow:  cfg.Forecast.LookbackWindow,
			Epochs:          cfg.Forecast.Epochs,
			BatchSize:       cfg.Forecast.BatchSize,
			ValidationSplit: cfg.Forecast.ValidationSplit,
			Seed:            cfg.Forecast.Seed,
			Smoothing:       cfg.Forecast.Smoothing,
		},
		DefaultHorizon: cfg.Forecast.DefaultHorizon,
	}, logger)

	collector.WatchWorkerPool(metricsNamespace, pool.Stats)
	collector.WatchArtifactCache(metricsNamespace, "pipelines", pipelines.Stats)
	collector.WatchArtifactCache(metricsNamespace, "residual_models", residuals.Stats)
	collector.WatchCircuitBreakers(metricsNamespace, breakers.GetAllStats)
	health.WithWorkerPool(pool.Stats).WithBreakers(breakers.GetAllStats)

	app.router = api.NewRouter(api.Dependencies{
		ServiceName:    cfg.Telemetry.ServiceName,
		Engine:         app.engine,
		Store:          store,
		Health:         health,
		Metrics:        collector.Handler(),
		Recorder:       collector,
		RateLimiter:    middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst),
		Admin:          middleware.NewAdminMiddleware(cfg.Server.AdminAPIKey),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         logger,
	})
	return app, nil
}

func flush(logger *logrus.Logger, name string, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.WithError(err).WithField("component", name).Warn("Failed to flush on shutdown")
	}
}
