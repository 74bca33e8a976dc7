package main

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/irfndi/celebrum-forecast/internal/models"
	"github.com/irfndi/celebrum-forecast/internal/services"
)

// inputFlags are shared by every command that reads a series.
type inputFlags struct {
	file       string
	ticker     string
	periods    int
	confidence float64
	epochs     int
	lookback   int
	smoothing  string
}

func (f *inputFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.file, "file", "f", "", "CSV price history (\"-\" reads stdin)")
	flags.StringVar(&f.ticker, "ticker", "", "ticker label (default: file name)")
	flags.IntVarP(&f.periods, "periods", "p", 0, "forecast horizon in cadence steps")
	flags.Float64VarP(&f.confidence, "confidence", "c", 0, "interval confidence level")
	flags.IntVar(&f.epochs, "epochs", 0, "recurrent training epochs")
	flags.IntVar(&f.lookback, "lookback", 0, "recurrent lookback window")
	flags.StringVar(&f.smoothing, "smoothing", "", "baseline smoothing: ewm or ema")
	_ = cmd.MarkFlagRequired("file")
}

func (f *inputFlags) series(cmd *cobra.Command) (services.SeriesInput, error) {
	series, err := loadSeries(f.file, cmd.InOrStdin())
	if err != nil {
		return services.SeriesInput{}, err
	}
	ticker := f.ticker
	if ticker == "" {
		ticker = tickerFromPath(f.file)
	}
	return services.SeriesInputFrom(ticker, series), nil
}

func (f *inputFlags) options() services.ForecastOptions {
	return services.ForecastOptions{
		Periods:         f.periods,
		LookbackWindow:  f.lookback,
		Epochs:          f.epochs,
		ConfidenceLevel: f.confidence,
		Smoothing:       f.smoothing,
	}
}

// backtestFlags add the strategy selection used by evaluate, bounds and report.
type backtestFlags struct {
	inputFlags
	interval   string
	strategies []string
	window     int
}

func (f *backtestFlags) register(cmd *cobra.Command) {
	f.inputFlags.register(cmd)
	flags := cmd.Flags()
	flags.StringVarP(&f.interval, "interval", "i", "1wk", "series cadence: 1wk or 1mo")
	flags.StringSliceVarP(&f.strategies, "strategies", "s", nil, "strategies to compare (default: baseline,trend-seasonality)")
	flags.IntVarP(&f.window, "window", "w", 0, "walk-forward window size")
}

func (f *backtestFlags) request(cmd *cobra.Command) (services.BacktestRequest, error) {
	input, err := f.series(cmd)
	if err != nil {
		return services.BacktestRequest{}, err
	}
	return services.BacktestRequest{
		SeriesInput: input,
		BacktestOptions: services.BacktestOptions{
			Interval:   f.interval,
			Strategies: f.strategies,
			Horizon:    f.periods,
			WindowSize: f.window,
		},
		ForecastOptions: f.options(),
	}, nil
}

func newForecastCommand(e *env, g *globals) *cobra.Command {
	f := &inputFlags{}
	cmd := &cobra.Command{
		Use:   "forecast <strategy>",
		Short: "Fit one strategy on the full history and forecast ahead",
		Example: "  forecastctl forecast baseline -f aapl.csv -p 8\n" +
			"  forecastctl forecast trend-seasonality -f aapl.csv -c 0.9",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.setup(e)
			if err != nil {
				return err
			}
			input, err := f.series(cmd)
			if err != nil {
				return err
			}
			resp, err := newEngine(cfg, logger).Forecast(cmd.Context(), args[0], services.ForecastRequest{
				SeriesInput:     input,
				ForecastOptions: f.options(),
			})
			if err != nil {
				return err
			}
			return newPrinter(e.out, g.asJSON).forecast(resp)
		},
	}
	f.register(cmd)
	return cmd
}

func newEvaluateCommand(e *env, g *globals) *cobra.Command {
	f := &backtestFlags{}
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Walk-forward backtest of one or more strategies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.setup(e)
			if err != nil {
				return err
			}
			req, err := f.request(cmd)
			if err != nil {
				return err
			}
			resp, err := newEngine(cfg, logger).Evaluate(cmd.Context(), req)
			if err != nil {
				return err
			}
			return newPrinter(e.out, g.asJSON).evaluation(resp)
		},
	}
	f.register(cmd)
	return cmd
}

func newBoundsCommand(e *env, g *globals) *cobra.Command {
	f := &backtestFlags{}
	cmd := &cobra.Command{
		Use:   "bounds",
		Short: "Full-horizon lower/forecast/upper per strategy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.setup(e)
			if err != nil {
				return err
			}
			req, err := f.request(cmd)
			if err != nil {
				return err
			}
			resp, err := newEngine(cfg, logger).Bounds(cmd.Context(), req)
			if err != nil {
				return err
			}
			return newPrinter(e.out, g.asJSON).bounds(resp.Horizon, resp.Bounds, resp.Omitted)
		},
	}
	f.register(cmd)
	return cmd
}

func newReportCommand(e *env, g *globals) *cobra.Command {
	f := &backtestFlags{}
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Evaluate and bounds in one run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.setup(e)
			if err != nil {
				return err
			}
			req, err := f.request(cmd)
			if err != nil {
				return err
			}
			resp, err := newEngine(cfg, logger).Report(cmd.Context(), req)
			if err != nil {
				return err
			}
			return newPrinter(e.out, g.asJSON).report(resp)
		},
	}
	f.register(cmd)
	return cmd
}

func newImportCommand(e *env, g *globals) *cobra.Command {
	var file, interval string
	cmd := &cobra.Command{
		Use:   "import <symbol>",
		Short: "Store a CSV price history in the price database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			symbol := strings.ToUpper(strings.TrimSpace(args[0]))
			if symbol == "" {
				return errors.New("symbol must not be empty")
			}
			cadence, err := models.ParseCadence(interval)
			if err != nil {
				return err
			}
			series, err := loadSeries(file, cmd.InOrStdin())
			if err != nil {
				return err
			}

			cfg, logger, err := g.setup(e)
			if err != nil {
				return err
			}
			store, closeStore, err := e.openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			stored, err := store.StorePrices(cmd.Context(), symbol, cadence, series)
			if err != nil {
				return err
			}
			return newPrinter(e.out, g.asJSON).imported(symbol, cadence, stored)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "CSV price history (\"-\" reads stdin)")
	cmd.Flags().StringVarP(&interval, "interval", "i", "1wk", "series cadence: 1wk or 1mo")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
