// Package providers serves the energy-provider fee presets offered to clients
// when they configure full-cost mode.
package providers

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"spotwatt/internal/domain"
)

//go:embed presets.json
var presetsJSON []byte

// Provider is one fee preset. Fees are gross, as published by the provider.
type Provider struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Percentage decimal.Decimal `json:"energy_provider_percentage"`
	FixedFee   decimal.Decimal `json:"energy_provider_fixed_fee"`
	Note       string          `json:"note,omitempty"`
}

// Catalog is the preset list of a region.
type Catalog struct {
	Region    domain.Market   `json:"region"`
	TaxRate   decimal.Decimal `json:"tax_rate"`
	Providers []Provider      `json:"providers"`
}

// Registry holds every region's catalog.
type Registry struct {
	catalogs map[domain.Market]Catalog
}

// Load parses the embedded presets. Tax rates come from the market table.
func Load() (*Registry, error) {
	return Parse(presetsJSON)
}

// Parse builds a Registry from a presets document keyed by region.
func Parse(raw []byte) (*Registry, error) {
	var doc map[string][]Provider
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode provider presets: %w", err)
	}

	reg := &Registry{catalogs: make(map[domain.Market]Catalog, len(doc))}
	for region, list := range doc {
		market, err := domain.ParseMarket(region)
		if err != nil {
			return nil, fmt.Errorf("provider presets: %w", err)
		}
		seen := make(map[string]struct{}, len(list))
		for _, p := range list {
			if p.ID == "" || p.Name == "" {
				return nil, fmt.Errorf("provider presets %s: entry without id or name", market)
			}
			if _, dup := seen[p.ID]; dup {
				return nil, fmt.Errorf("provider presets %s: duplicate id %q", market, p.ID)
			}
			seen[p.ID] = struct{}{}
		}
		sorted := append([]Provider(nil), list...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
		reg.catalogs[market] = Catalog{Region: market, TaxRate: market.TaxRate(), Providers: sorted}
	}
	return reg, nil
}

// For returns the catalog of market. Regions without presets still carry their tax rate.
func (r *Registry) For(market domain.Market) Catalog {
	if c, ok := r.catalogs[market]; ok {
		return c
	}
	return Catalog{Region: market, TaxRate: market.TaxRate(), Providers: []Provider{}}
}
