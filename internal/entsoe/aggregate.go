package entsoe

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spotwatt/internal/domain"
	"spotwatt/internal/fetcher"
)

const (
	expectedHourlyPoints = 24
	maxQuarterPoints     = 96
)

// EUR/MWh -> ct/kWh.
var unitDivisor = decimal.NewFromInt(10)

// Aggregator reduces parsed periods to one hourly sequence.
type Aggregator struct {
	logger zerolog.Logger
}

// NewAggregator constructs an aggregator.
func NewAggregator(logger zerolog.Logger) *Aggregator {
	return &Aggregator{logger: logger.With().Str("component", "entsoe_aggregator").Logger()}
}

// Aggregate selects one period per start (position 1 over 2 over none) and
// converts it to hourly points in ct/kWh, sorted by start.
func (a *Aggregator) Aggregate(periods []RawPeriod) []domain.PricePoint {
	selected := make(map[int64]RawPeriod)
	for _, p := range periods {
		key := p.Start.Unix()
		current, ok := selected[key]
		if !ok || positionRank(p.Position) < positionRank(current.Position) {
			selected[key] = p
		}
	}

	starts := make([]int64, 0, len(selected))
	for k := range selected {
		starts = append(starts, k)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	seen := make(map[int64]struct{})
	var out []domain.PricePoint
	for _, k := range starts {
		p := selected[k]
		if positionRank(p.Position) != 0 {
			a.logger.Warn().
				Time("start", p.Start).
				Str("position", p.PositionLabel()).
				Msg("primary position missing, using fallback series")
		}

		var points []domain.PricePoint
		switch p.Resolution {
		case QuarterHourly:
			points = a.quarterHourly(p)
		default:
			points = a.hourly(p)
		}

		if len(points) != expectedHourlyPoints {
			a.logger.Warn().
				Time("start", p.Start).
				Int("points", len(points)).
				Msg("unexpected hourly point count")
		}

		for _, pt := range points {
			ts := pt.StartTime.Unix()
			if _, dup := seen[ts]; dup {
				continue
			}
			seen[ts] = struct{}{}
			out = append(out, pt)
		}
	}

	domain.SortPrices(out)
	return out
}

// hourly maps position n to Start+(n-1)h. Positions omitted by curve
// compression repeat the previous value.
func (a *Aggregator) hourly(p RawPeriod) []domain.PricePoint {
	slots := int(p.Duration() / time.Hour)
	out := make([]domain.PricePoint, 0, slots)

	var last decimal.Decimal
	known := false
	for pos := 1; pos <= slots; pos++ {
		price, ok := p.Points[pos]
		if ok {
			last, known = price, true
		} else if !known {
			continue
		}
		out = append(out, domain.NewPricePoint(p.Start.Add(time.Duration(pos-1)*time.Hour), last.Div(unitDivisor)))
	}
	return out
}

// quarterHourly averages four slots per hour. A missing slot takes the most
// recent earlier value of the period; hours without any value are dropped.
func (a *Aggregator) quarterHourly(p RawPeriod) []domain.PricePoint {
	if len(p.Points) > maxQuarterPoints {
		a.logger.Warn().
			Time("start", p.Start).
			Int("points", len(p.Points)).
			Msg("more quarter-hour points than a day holds")
	}

	quarters := int(p.Duration() / (15 * time.Minute))
	hours := quarters / 4
	out := make([]domain.PricePoint, 0, hours)

	filled := 0
	for h := 0; h < hours; h++ {
		sum := decimal.Zero
		n := 0
		for q := 1; q <= 4; q++ {
			slot := h*4 + q
			price, ok := p.Points[slot]
			if !ok {
				price, ok = earlierValue(p.Points, slot)
				if ok {
					filled++
				}
			}
			if !ok {
				continue
			}
			sum = sum.Add(price)
			n++
		}
		if n == 0 {
			continue
		}
		mean := sum.DivRound(decimal.NewFromInt(int64(n)), 6)
		out = append(out, domain.NewPricePoint(p.Start.Add(time.Duration(h)*time.Hour), mean.Div(unitDivisor)))
	}

	if filled > 0 {
		a.logger.Info().Time("start", p.Start).Int("filled_slots", filled).Msg("filled missing quarter-hour slots")
	}
	return out
}

func earlierValue(points map[int]decimal.Decimal, slot int) (decimal.Decimal, bool) {
	for s := slot - 1; s >= 1; s-- {
		if v, ok := points[s]; ok {
			return v, true
		}
	}
	return decimal.Decimal{}, false
}

// RawFetcher is the probing subset of the upstream client.
type RawFetcher interface {
	FetchRaw(ctx context.Context, market domain.Market, q fetcher.Query) ([]byte, error)
}

// PrimaryPublished asks for tomorrow's position-1 series only and reports
// whether any time series came back.
func PrimaryPublished(ctx context.Context, f RawFetcher, market domain.Market) (bool, error) {
	primary := 1
	raw, err := f.FetchRaw(ctx, market, fetcher.Query{Position: &primary, DayOffset: 1})
	if err != nil {
		return false, err
	}
	return HasTimeSeries(raw), nil
}
