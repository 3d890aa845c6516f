package app

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"spotwatt/internal/domain"
	"spotwatt/internal/pricing"
)

// Export renders a market's price curve as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	market, err := domain.ParseMarket(opts.Market)
	if err != nil {
		return err
	}

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	set, err := a.loadPrices(ctx, rt, market)
	if err != nil {
		return err
	}
	if len(set.Prices) == 0 {
		a.Logger.Info().Str("market", string(market)).Msg("no prices to export")
		return nil
	}
	model, err := costModel(ctx, rt.repo, opts.Token)
	if err != nil {
		return err
	}
	a.Logger.Info().Str("market", string(market)).Int("points", len(set.Prices)).Msg("exporting prices")

	if opts.CSVPath != "" {
		if err := writeFile(opts.CSVPath, func(w io.Writer) error { return writePricesCSV(w, set, model) }); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeFile(opts.PNGPath, func(w io.Writer) error { return writePricesPNG(w, set, model) }); err != nil {
			return err
		}
	}
	return nil
}

func writePricesCSV(w io.Writer, set domain.MarketPriceSet, model pricing.CostModel) error {
	writer := csv.NewWriter(w)

	header := []string{"market", "start_time", "end_time", "spot_ct_kwh", "effective_ct_kwh"}
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, p := range set.Prices {
		record := []string{
			string(set.Market),
			p.StartTime.UTC().Format(time.RFC3339),
			p.EndTime.UTC().Format(time.RFC3339),
			p.Price.String(),
			pricing.Effective(p.Price, model).String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writePricesPNG(w io.Writer, set domain.MarketPriceSet, model pricing.CostModel) error {
	x := make([]time.Time, len(set.Prices))
	spot := make([]float64, len(set.Prices))
	effective := make([]float64, len(set.Prices))
	for i, p := range set.Prices {
		x[i] = p.StartTime
		spot[i] = p.Price.InexactFloat64()
		effective[i] = pricing.Effective(p.Price, model).InexactFloat64()
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	series := []chart.Series{
		chart.TimeSeries{Name: "Spot", XValues: x, YValues: spot},
	}
	if model.FullCost {
		series = append(series, chart.TimeSeries{Name: "Effective", XValues: x, YValues: effective})
	}

	graph := chart.Chart{
		Title:  "Day-ahead prices " + string(set.Market),
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeHourValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "ct/kWh",
			ValueFormatter: priceFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	return graph.Render(chart.PNG, w)
}

func writeFile(path string, render func(io.Writer) error) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := render(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
