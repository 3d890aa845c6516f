package domain

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
)

// Market identifies one of the configured bidding zones.
type Market string

const (
	MarketAT Market = "AT"
	MarketDE Market = "DE"
)

// Markets lists every supported market in a stable order.
var Markets = []Market{MarketAT, MarketDE}

type marketInfo struct {
	eic      string
	timezone string
	taxRate  decimal.Decimal
}

var marketTable = map[Market]marketInfo{
	MarketAT: {eic: "10YAT-APG------L", timezone: "Europe/Vienna", taxRate: decimal.RequireFromString("0.20")},
	MarketDE: {eic: "10Y1001A1001A82H", timezone: "Europe/Berlin", taxRate: decimal.RequireFromString("0.19")},
}

// ParseMarket validates a market code. Matching is case-insensitive.
func ParseMarket(s string) (Market, error) {
	m := Market(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := marketTable[m]; !ok {
		return "", fmt.Errorf("invalid market %q: use AT or DE", s)
	}
	return m, nil
}

// Valid reports whether m is a configured market.
func (m Market) Valid() bool {
	_, ok := marketTable[m]
	return ok
}

// EIC returns the ENTSO-E area code used for in_Domain/out_Domain.
func (m Market) EIC() string {
	return marketTable[m].eic
}

// TimezoneName returns the IANA zone of the market.
func (m Market) TimezoneName() string {
	return marketTable[m].timezone
}

// Location loads the market's time zone, falling back to UTC for an unknown market.
func (m Market) Location() *time.Location {
	loc, err := time.LoadLocation(m.TimezoneName())
	if err != nil {
		return time.UTC
	}
	return loc
}

// TaxRate is the VAT rate of the region as a fraction (0.20 == 20%).
func (m Market) TaxRate() decimal.Decimal {
	return marketTable[m].taxRate
}

// CacheKey is the key-value cache entry holding the market's price set.
func (m Market) CacheKey() string {
	return "prices_" + string(m)
}
