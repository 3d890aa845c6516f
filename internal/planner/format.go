package planner

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	summaryTitle   = "📊 Tägliche Übersicht"
	cheapestTitle  = "⚡ Günstigster Zeitpunkt!"
	thresholdTitle = "💡 Günstiger Strompreis!"

	highPriceHeader = "⚠️ WARNUNG: Heute sehr hohe Preise!"
	fullCostSuffix  = " (Vollkosten)"
)

func cheapestBody(clock, price string) string {
	return fmt.Sprintf("Um %s Uhr beginnt der günstigste Zeitpunkt des Tages (%s)", clock, price)
}

func thresholdBody(clock, price string) string {
	return fmt.Sprintf("Ab %s nur %s - Perfekt für energieintensive Geräte!", clock, price)
}

func (p planner) clock(t time.Time) string {
	return t.In(p.loc).Format("15:04")
}

// priceText renders the price a user sees; marked names the full-cost suffix.
func (p planner) priceText(h pricedHour, marked bool) string {
	if !p.prefs.FullCostMode {
		return h.Price.StringFixed(2) + " ct/kWh"
	}
	text := h.effective.StringFixed(2) + " ct/kWh"
	if marked {
		text += fullCostSuffix
	}
	return text
}

func (p planner) hourLine(h pricedHour) string {
	return fmt.Sprintf("• %s-%s: %s", p.clock(h.StartTime), p.clock(h.EndTime), p.priceText(h, false))
}

func (p planner) summaryBody(hours []pricedHour, fireAt time.Time) (string, bool) {
	future := p.targetDay(hours, fireAt)
	if len(future) == 0 {
		return "", false
	}

	count := p.prefs.DailySummaryHours
	ranked := append([]pricedHour(nil), future...)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].effective.LessThan(ranked[j].effective) })
	if count < len(ranked) {
		ranked = ranked[:count]
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].StartTime.Before(ranked[j].StartTime) })

	var b strings.Builder
	var high []pricedHour
	for _, h := range future {
		if h.effective.GreaterThan(p.prefs.HighPriceThreshold) {
			high = append(high, h)
		}
	}
	if len(high) > 0 {
		b.WriteString(highPriceHeader)
		b.WriteString("\n\n")
		for _, h := range high {
			b.WriteString(p.hourLine(h))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "💡 Die %d günstigsten Stunden heute:\n\n", count)
	for _, h := range ranked {
		b.WriteString(p.hourLine(h))
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String()), true
}
