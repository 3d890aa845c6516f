// Package planner derives the notification instances of one user from a
// price sequence. It performs no I/O.
package planner

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"spotwatt/internal/domain"
	"spotwatt/internal/pricing"
)

// ThresholdLead is the fixed lead time of threshold alerts.
const ThresholdLead = 5 * time.Minute

const roundTo = 5 * time.Minute

type pricedHour struct {
	domain.PricePoint
	effective decimal.Decimal
}

// Plan computes every future notification for prefs, sorted by fire time.
// Instances whose fire time has passed or falls within quiet time are dropped.
func Plan(prefs domain.Preferences, set domain.MarketPriceSet, now time.Time) []domain.NotificationInstance {
	if len(set.Prices) == 0 {
		return nil
	}

	p := planner{
		prefs: prefs,
		loc:   prefs.Location(),
		now:   now.UTC(),
		model: prefs.CostModel(),
	}

	hours := make([]pricedHour, 0, len(set.Prices))
	for _, pt := range set.Prices {
		hours = append(hours, pricedHour{PricePoint: pt, effective: pricing.Effective(pt.Price, p.model)})
	}
	sort.SliceStable(hours, func(i, j int) bool { return hours[i].StartTime.Before(hours[j].StartTime) })

	var out []domain.NotificationInstance
	if prefs.DailySummaryEnabled {
		out = append(out, p.dailySummary(hours)...)
	}
	if prefs.CheapestTimeEnabled {
		out = append(out, p.cheapestHours(hours)...)
	}
	if prefs.PriceThresholdEnabled {
		out = append(out, p.thresholdAlerts(hours)...)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out
}

type planner struct {
	prefs domain.Preferences
	loc   *time.Location
	now   time.Time
	model pricing.CostModel
}

// keep applies the shared discard rules to a fire instant.
func (p planner) keep(fireAt time.Time) bool {
	return fireAt.After(p.now) && !InQuietTime(p.prefs, fireAt.In(p.loc))
}

func (p planner) dailySummary(hours []pricedHour) []domain.NotificationInstance {
	hour, minute, err := p.prefs.SummaryClock()
	if err != nil {
		return nil
	}

	local := p.now.In(p.loc)
	sendLocal := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, p.loc)
	if !sendLocal.After(local) {
		sendLocal = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, p.loc)
	}
	fireAt := RoundToFiveMinutes(sendLocal.UTC())
	if !p.keep(fireAt) {
		return nil
	}

	body, ok := p.summaryBody(hours, fireAt)
	if !ok {
		return nil
	}
	return []domain.NotificationInstance{{
		Type:   domain.DailySummary,
		FireAt: fireAt,
		Title:  summaryTitle,
		Body:   body,
	}}
}

// targetDay returns the hours of fireAt's local day that start after fireAt.
func (p planner) targetDay(hours []pricedHour, fireAt time.Time) []pricedHour {
	y, m, d := fireAt.In(p.loc).Date()
	out := make([]pricedHour, 0, 24)
	for _, h := range hours {
		hy, hm, hd := h.StartTime.In(p.loc).Date()
		if hy == y && hm == m && hd == d && h.StartTime.After(fireAt) {
			out = append(out, h)
		}
	}
	return out
}

func (p planner) cheapestHours(hours []pricedHour) []domain.NotificationInstance {
	var out []domain.NotificationInstance
	lead := time.Duration(p.prefs.MinutesBefore) * time.Minute

	for _, day := range p.completeDays(hours) {
		// strict comparison keeps the earliest of equally cheap hours
		cheapest := day[0]
		for _, h := range day[1:] {
			if h.effective.LessThan(cheapest.effective) {
				cheapest = h
			}
		}

		fireAt := RoundToFiveMinutes(cheapest.StartTime.Add(-lead))
		if !p.keep(fireAt) {
			continue
		}
		out = append(out, domain.NotificationInstance{
			Type:   domain.CheapestHour,
			FireAt: fireAt,
			Title:  cheapestTitle,
			Body:   cheapestBody(p.clock(cheapest.StartTime), p.priceText(cheapest, true)),
		})
	}
	return out
}

// completeDays groups hours by local calendar day and keeps the days whose
// hour count equals the length of that day (23, 24 or 25 around DST).
func (p planner) completeDays(hours []pricedHour) [][]pricedHour {
	type dayKey struct {
		y int
		m time.Month
		d int
	}
	var order []dayKey
	groups := make(map[dayKey][]pricedHour)
	for _, h := range hours {
		y, m, d := h.StartTime.In(p.loc).Date()
		k := dayKey{y, m, d}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], h)
	}

	var out [][]pricedHour
	for _, k := range order {
		start := time.Date(k.y, k.m, k.d, 0, 0, 0, 0, p.loc)
		end := time.Date(k.y, k.m, k.d+1, 0, 0, 0, 0, p.loc)
		want := int(end.Sub(start) / time.Hour)
		if len(groups[k]) >= want {
			out = append(out, groups[k])
		}
	}
	return out
}

func (p planner) thresholdAlerts(hours []pricedHour) []domain.NotificationInstance {
	var out []domain.NotificationInstance
	for _, h := range hours {
		if !h.StartTime.After(p.now) || h.effective.GreaterThan(p.prefs.NotificationThreshold) {
			continue
		}
		fireAt := RoundToFiveMinutes(h.StartTime.Add(-ThresholdLead))
		if !p.keep(fireAt) {
			continue
		}
		out = append(out, domain.NotificationInstance{
			Type:   domain.ThresholdAlert,
			FireAt: fireAt,
			Title:  thresholdTitle,
			Body:   thresholdBody(p.clock(h.StartTime), p.priceText(h, true)),
		})
	}
	return out
}

// InQuietTime reports whether local falls in the user's quiet window.
// A window whose start is after its end wraps past midnight.
func InQuietTime(prefs domain.Preferences, local time.Time) bool {
	if !prefs.QuietTimeEnabled {
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	start := prefs.QuietStartHour*60 + prefs.QuietStartMinute
	end := prefs.QuietEndHour*60 + prefs.QuietEndMinute
	if start <= end {
		return minutes >= start && minutes < end
	}
	return minutes >= start || minutes < end
}

// RoundToFiveMinutes drops seconds and rounds to the nearest five minutes.
func RoundToFiveMinutes(t time.Time) time.Time {
	return t.Truncate(time.Minute).Round(roundTo).UTC()
}
