package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"spotwatt/internal/domain"
	"spotwatt/internal/pricing"
	"spotwatt/internal/storage"
)

// Show prints the cached price curve of a market with spot and effective prices.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	market, err := domain.ParseMarket(opts.Market)
	if err != nil {
		return err
	}
	set, err := a.loadPrices(ctx, rt, market)
	if err != nil {
		return err
	}
	model, err := costModel(ctx, rt.repo, opts.Token)
	if err != nil {
		return err
	}
	return writePriceTable(os.Stdout, set, model)
}

// loadPrices reads the cache and falls back to a direct upstream fetch.
func (a *App) loadPrices(ctx context.Context, rt *runtime, market domain.Market) (domain.MarketPriceSet, error) {
	set, ok, err := rt.cache.Get(ctx, market)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("cache read failed")
	}
	if ok {
		return set, nil
	}
	if a.Config.ENTSOE.SecurityToken == "" {
		return domain.MarketPriceSet{}, fmt.Errorf("no cached prices for %s and entsoe.security_token 未配置", market)
	}
	return rt.ingestion.FetchMarket(ctx, market)
}

// costModel returns the stored full-cost settings of token, or spot-only.
func costModel(ctx context.Context, prefs storage.PreferenceStore, token string) (pricing.CostModel, error) {
	if token == "" {
		return pricing.CostModel{}, nil
	}
	p, err := prefs.GetPreferences(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return pricing.CostModel{}, fmt.Errorf("no preferences stored for token")
	}
	if err != nil {
		return pricing.CostModel{}, err
	}
	return p.CostModel(), nil
}

func writePriceTable(w io.Writer, set domain.MarketPriceSet, model pricing.CostModel) error {
	if len(set.Prices) == 0 {
		fmt.Fprintln(w, "no prices found")
		return nil
	}

	loc := set.Market.Location()
	cheapest := set.Prices[0].Price
	for _, p := range set.Prices[1:] {
		cheapest = decimal.Min(cheapest, p.Price)
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Market %s, updated %s\n", set.Market, set.LastUpdate.In(loc).Format("2006-01-02 15:04 MST"))
	fmt.Fprintln(writer, "Start\tEnd\tSpot ct/kWh\tEffective ct/kWh\t")
	for _, p := range set.Prices {
		marker := ""
		if p.Price.Equal(cheapest) {
			marker = "*"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			p.StartTime.In(loc).Format("01-02 15:04"),
			p.EndTime.In(loc).Format("15:04"),
			p.Price.StringFixed(3),
			pricing.Effective(p.Price, model).StringFixed(3),
			marker,
		)
	}
	return writer.Flush()
}
