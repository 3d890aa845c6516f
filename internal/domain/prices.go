package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Clients consume prices as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

// PricePoint is one hour of the canonical price sequence, in ct/kWh.
type PricePoint struct {
	StartTime time.Time       `json:"startTime"`
	EndTime   time.Time       `json:"endTime"`
	Price     decimal.Decimal `json:"price"`
}

// MarketPriceSet is the cached price sequence of a market.
type MarketPriceSet struct {
	Market     Market       `json:"market"`
	LastUpdate time.Time    `json:"lastUpdate"`
	Prices     []PricePoint `json:"prices"`
}

// NewPricePoint builds an hourly point starting at start.
func NewPricePoint(start time.Time, price decimal.Decimal) PricePoint {
	start = start.UTC()
	return PricePoint{StartTime: start, EndTime: start.Add(time.Hour), Price: price}
}

// SortPrices orders points by start time in place.
func SortPrices(points []PricePoint) {
	sort.Slice(points, func(i, j int) bool {
		return points[i].StartTime.Before(points[j].StartTime)
	})
}

// HasPointIn reports whether any point starts within [from, to).
func (s MarketPriceSet) HasPointIn(from, to time.Time) bool {
	for _, p := range s.Prices {
		if !p.StartTime.Before(from) && p.StartTime.Before(to) {
			return true
		}
	}
	return false
}

// Contiguous reports whether every point is exactly one hour and follows its predecessor.
func (s MarketPriceSet) Contiguous() bool {
	for i, p := range s.Prices {
		if !p.EndTime.Equal(p.StartTime.Add(time.Hour)) {
			return false
		}
		if i > 0 && !s.Prices[i-1].EndTime.Equal(p.StartTime) {
			return false
		}
	}
	return true
}
