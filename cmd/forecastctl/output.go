package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/irfndi/celebrum-forecast/internal/models"
	"github.com/irfndi/celebrum-forecast/internal/services"
)

var (
	headingColor = color.New(color.FgCyan, color.Bold)
	goodColor    = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)

	titleCaser = cases.Title(language.English)
)

type printer struct {
	out    io.Writer
	asJSON bool
}

func newPrinter(out io.Writer, asJSON bool) *printer {
	return &printer{out: out, asJSON: asJSON}
}

func (p *printer) json(v interface{}) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) table() *tabwriter.Writer {
	return tabwriter.NewWriter(p.out, 0, 0, 2, ' ', tabwriter.AlignRight)
}

func (p *printer) forecast(resp *services.ForecastResponse) error {
	if p.asJSON {
		return p.json(resp)
	}
	headingColor.Fprintf(p.out, "%s forecast for %s (%.0f%% interval)\n",
		resp.Strategy, labelOr(resp.Ticker, "series"), resp.ConfidenceLevel*100)
	if resp.ModelInfo.Degraded {
		warnColor.Fprintln(p.out, "degraded: served without its optional correction")
	}

	w := p.table()
	fmt.Fprintln(w, "date\tlower\tforecast\tupper\t")
	for i, date := range resp.Dates {
		fmt.Fprintf(w, "%s\t%.4f\t%.4f\t%.4f\t\n", date, resp.LowerBound[i], resp.PointForecast[i], resp.UpperBound[i])
	}
	return w.Flush()
}

func (p *printer) evaluation(resp *services.EvaluateResponse) error {
	if p.asJSON {
		return p.json(resp)
	}
	headingColor.Fprintf(p.out, "%s walk-forward evaluation over the last %d %ss\n",
		cadenceLabel(resp.StepUnit), resp.WindowSize, resp.StepUnit)
	if err := p.metrics(resp.Metrics); err != nil {
		return err
	}
	p.omitted(resp.Omitted)
	return nil
}

func (p *printer) metrics(rows []models.ErrorMetrics) error {
	if len(rows) == 0 {
		warnColor.Fprintln(p.out, "no strategy produced enough backtest points")
		return nil
	}
	best := 0
	for i, m := range rows {
		if m.RMSE < rows[best].RMSE {
			best = i
		}
	}

	w := p.table()
	fmt.Fprintln(w, "model\tMAE\tRMSE\tMAPE %\tpoints\t")
	for _, m := range rows {
		fmt.Fprintf(w, "%s\t%.4f\t%.4f\t%.2f\t%d\t\n", m.Model, m.MAE, m.RMSE, m.MAPE, m.Points)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	goodColor.Fprintf(p.out, "lowest RMSE: %s\n", rows[best].Model)
	return nil
}

func (p *printer) bounds(horizon int, rows []models.StrategyBounds, omitted []string) error {
	if p.asJSON {
		return p.json(struct {
			Horizon int                     `json:"horizon"`
			Bounds  []models.StrategyBounds `json:"bounds"`
			Omitted []string                `json:"omitted,omitempty"`
		}{horizon, rows, omitted})
	}
	for _, b := range rows {
		headingColor.Fprintf(p.out, "%s, %d steps\n", b.Model, horizon)
		w := p.table()
		fmt.Fprintln(w, "date\tlower\tforecast\tupper\t")
		for i, date := range b.Dates {
			fmt.Fprintf(w, "%s\t%.4f\t%.4f\t%.4f\t\n", date, b.Lower[i], b.Forecast[i], b.Upper[i])
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	p.omitted(omitted)
	return nil
}

func (p *printer) report(resp *services.ReportResponse) error {
	if p.asJSON {
		return p.json(resp)
	}
	if resp.Error != "" {
		errorColor.Fprintln(p.out, resp.Error)
		return nil
	}
	headingColor.Fprintln(p.out, "Backtest metrics")
	if err := p.metrics(resp.Metrics); err != nil {
		return err
	}
	fmt.Fprintln(p.out)
	return p.bounds(resp.BoundsHorizon, resp.Bounds, nil)
}

func (p *printer) imported(symbol string, cadence models.Cadence, stored int64) error {
	if p.asJSON {
		return p.json(map[string]interface{}{
			"symbol":   symbol,
			"interval": cadence,
			"stored":   stored,
		})
	}
	goodColor.Fprintf(p.out, "stored %d %s prices for %s\n", stored, cadence.StepUnit()+"ly", symbol)
	return nil
}

func (p *printer) omitted(names []string) {
	if len(names) > 0 {
		warnColor.Fprintf(p.out, "omitted: %s\n", strings.Join(names, ", "))
	}
}

// cadenceLabel turns a step unit into its adjective: "week" is "Weekly".
func cadenceLabel(unit string) string {
	return titleCaser.String(unit + "ly")
}

func labelOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
