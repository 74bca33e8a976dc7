package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/irfndi/celebrum-forecast/internal/backtest"
	"github.com/irfndi/celebrum-forecast/internal/config"
	"github.com/irfndi/celebrum-forecast/internal/database"
	"github.com/irfndi/celebrum-forecast/internal/forecast"
	"github.com/irfndi/celebrum-forecast/internal/logging"
	"github.com/irfndi/celebrum-forecast/internal/models"
	"github.com/irfndi/celebrum-forecast/internal/services"
)

// priceWriter persists an imported series. *database.PriceRepository
// satisfies it.
type priceWriter interface {
	StorePrices(ctx context.Context, symbol string, cadence models.Cadence, series models.PriceSeries) (int64, error)
}

// env holds the process collaborators so tests can swap them.
type env struct {
	out       io.Writer
	errOut    io.Writer
	openStore func(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (priceWriter, func(), error)
}

func defaultEnv() *env {
	return &env{
		out:       os.Stdout,
		errOut:    os.Stderr,
		openStore: openPostgresStore,
	}
}

// globals are the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	logLevel   string
	asJSON     bool
	noColor    bool
}

func newRootCommand(e *env) *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "forecastctl",
		Short:         "Forecast and backtest price histories from CSV files",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if g.noColor {
				color.NoColor = true
			}
		},
	}
	root.SetOut(e.out)
	root.SetErr(e.errOut)

	flags := root.PersistentFlags()
	flags.StringVar(&g.configPath, "config", "", "config file (default: ./configs/config.yaml)")
	flags.StringVar(&g.logLevel, "log-level", "", "override the configured log level")
	flags.BoolVar(&g.asJSON, "json", false, "print results as JSON")
	flags.BoolVar(&g.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newForecastCommand(e, g),
		newEvaluateCommand(e, g),
		newBoundsCommand(e, g),
		newReportCommand(e, g),
		newImportCommand(e, g),
	)
	return root
}

// setup loads configuration and a stderr logger. Logs never mix with
// results on stdout.
func (g *globals) setup(e *env) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadFile(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.LogLevel
	if g.logLevel != "" {
		level = g.logLevel
	}
	logger := logging.NewLoggerWithOutput(level, cfg.Environment, e.errOut)
	return cfg, logger, nil
}

// newEngine wires an engine without result cache or metrics; each CLI
// invocation is a single request.
func newEngine(cfg *config.Config, logger *logrus.Logger) *services.Engine {
	breakers := services.NewCircuitBreakerManager(services.CircuitBreakerConfig{
		FailureThreshold: cfg.Foundation.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Foundation.Breaker.SuccessThreshold,
		Timeout:          cfg.Foundation.Breaker.Timeout,
		MaxRequests:      cfg.Foundation.Breaker.MaxRequests,
	}, logger)

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
		ResidualArtifactPath: cfg.Hybrid.ArtifactPath,
	})

	evaluator := backtest.NewEvaluator(registry, backtest.Config{
		WindowSize:     cfg.Forecast.WindowSize,
		MinSteps:       cfg.Forecast.MinSteps,
		BacktestEpochs: cfg.Forecast.BacktestEpochs,
	}, logger, nil)

	pool := services.NewWorkerPool(services.WorkerPoolConfig{
		MinWorkers: cfg.Workers.Min,
		MaxWorkers: cfg.Workers.Max,
		QueueSize:  cfg.Workers.QueueSize,
	}, logger)

	return services.NewEngine(registry, evaluator, pool, nil, nil, services.EngineConfig{
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
}

func openPostgresStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (priceWriter, func(), error) {
	db, err := database.NewPostgresConnection(ctx, cfg.Database, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("import needs the price database: %w", err)
	}
	repo := database.NewPriceRepository(database.NewTracedDB(db.Pool), logger)
	if cfg.Database.AutoMigrate {
		if err := repo.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
	}
	return repo, db.Close, nil
}
