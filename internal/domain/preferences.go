package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"spotwatt/internal/pricing"
)

// Preferences is the per-device notification configuration, keyed by push token.
type Preferences struct {
	Token  string `json:"fcm_token"`
	Market Market `json:"market"`

	DailySummaryEnabled bool            `json:"daily_summary_enabled"`
	DailySummaryTime    string          `json:"daily_summary_time"`
	DailySummaryHours   int             `json:"daily_summary_hours"`
	HighPriceThreshold  decimal.Decimal `json:"high_price_threshold"`

	CheapestTimeEnabled bool `json:"cheapest_time_enabled"`
	MinutesBefore       int  `json:"notification_minutes_before"`

	PriceThresholdEnabled bool            `json:"price_threshold_enabled"`
	NotificationThreshold decimal.Decimal `json:"notification_threshold"`

	QuietTimeEnabled bool `json:"quiet_time_enabled"`
	QuietStartHour   int  `json:"quiet_time_start_hour"`
	QuietStartMinute int  `json:"quiet_time_start_minute"`
	QuietEndHour     int  `json:"quiet_time_end_hour"`
	QuietEndMinute   int  `json:"quiet_time_end_minute"`

	FullCostMode       bool            `json:"full_cost_mode"`
	TaxRate            decimal.Decimal `json:"tax_rate"`
	ProviderPercentage decimal.Decimal `json:"energy_provider_percentage"`
	ProviderFixedFee   decimal.Decimal `json:"energy_provider_fixed_fee"`
	NetworkCosts       decimal.Decimal `json:"network_costs"`
	IncludeTax         bool            `json:"include_tax"`

	// Timezone is the authoritative IANA zone. TimezoneOffsetMinutes is only
	// consulted for legacy documents that carry no zone name.
	Timezone              string `json:"timezone"`
	TimezoneOffsetMinutes int    `json:"timezone_offset_minutes"`

	HasAnyNotificationEnabled bool      `json:"has_any_notification_enabled"`
	LastUpdated               time.Time `json:"last_updated"`
}

// DefaultPreferences returns a document populated with the app defaults for
// market. Decoding a partial JSON body on top of it keeps unspecified fields.
func DefaultPreferences(market Market) Preferences {
	if !market.Valid() {
		market = MarketAT
	}
	return Preferences{
		Market:                market,
		DailySummaryTime:      "07:00",
		DailySummaryHours:     3,
		HighPriceThreshold:    decimal.NewFromInt(50),
		MinutesBefore:         15,
		NotificationThreshold: decimal.NewFromInt(10),
		QuietStartHour:        22,
		QuietEndHour:          6,
		TaxRate:               market.TaxRate(),
		IncludeTax:            true,
		Timezone:              market.TimezoneName(),
		TimezoneOffsetMinutes: 60,
	}
}

// SyncDerived recomputes HasAnyNotificationEnabled. Every writer must call it.
func (p *Preferences) SyncDerived() {
	p.HasAnyNotificationEnabled = p.DailySummaryEnabled || p.CheapestTimeEnabled || p.PriceThresholdEnabled
}

// Validate checks the fields the planner relies on.
func (p Preferences) Validate() error {
	if strings.TrimSpace(p.Token) == "" {
		return fmt.Errorf("fcm_token is required")
	}
	if !p.Market.Valid() {
		return fmt.Errorf("invalid market %q", p.Market)
	}
	if _, _, err := p.SummaryClock(); err != nil {
		return err
	}
	if p.DailySummaryHours < 1 || p.DailySummaryHours > 24 {
		return fmt.Errorf("daily_summary_hours must be within 1..24")
	}
	if p.MinutesBefore < 0 || p.MinutesBefore > 180 {
		return fmt.Errorf("notification_minutes_before must be within 0..180")
	}
	if !validClock(p.QuietStartHour, p.QuietStartMinute) || !validClock(p.QuietEndHour, p.QuietEndMinute) {
		return fmt.Errorf("quiet time bounds must be valid wall-clock times")
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", p.Timezone, err)
		}
	}
	return nil
}

// SummaryClock parses DailySummaryTime ("HH:MM").
func (p Preferences) SummaryClock() (hour, minute int, err error) {
	parts := strings.Split(p.DailySummaryTime, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("daily_summary_time %q must be HH:MM", p.DailySummaryTime)
	}
	hour, errH := strconv.Atoi(parts[0])
	minute, errM := strconv.Atoi(parts[1])
	if errH != nil || errM != nil || !validClock(hour, minute) {
		return 0, 0, fmt.Errorf("daily_summary_time %q must be HH:MM", p.DailySummaryTime)
	}
	return hour, minute, nil
}

// Location resolves the user's zone: the IANA name when present, otherwise
// the legacy fixed offset (which does not follow DST).
func (p Preferences) Location() *time.Location {
	if p.Timezone != "" {
		if loc, err := time.LoadLocation(p.Timezone); err == nil {
			return loc
		}
	}
	return time.FixedZone("offset", p.TimezoneOffsetMinutes*60)
}

// CostModel maps the cost flags onto the shared pricing model.
func (p Preferences) CostModel() pricing.CostModel {
	return pricing.CostModel{
		FullCost:           p.FullCostMode,
		TaxRate:            p.TaxRate,
		ProviderPercentage: p.ProviderPercentage,
		ProviderFixedFee:   p.ProviderFixedFee,
		NetworkCosts:       p.NetworkCosts,
		IncludeTax:         p.IncludeTax,
	}
}

func validClock(hour, minute int) bool {
	return hour >= 0 && hour < 24 && minute >= 0 && minute < 60
}
