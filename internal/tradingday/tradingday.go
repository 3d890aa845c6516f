// Package tradingday computes market-local trading day boundaries in UTC.
package tradingday

import "time"

// Window is the span fetched from the upstream source.
const Window = 48 * time.Hour

// Period is a half-open UTC interval [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// Compute returns the 48 hour window starting at the most recent local
// midnight of now in loc. The midnight is resolved through the zone rules
// for that calendar date, so DST transition days anchor correctly.
func Compute(loc *time.Location, now time.Time) Period {
	start := LocalMidnight(loc, now)
	return Period{Start: start, End: start.Add(Window)}
}

// NextDay returns the local calendar day after now, which lasts 23, 24 or
// 25 hours depending on DST.
func NextDay(loc *time.Location, now time.Time) Period {
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
	end := time.Date(local.Year(), local.Month(), local.Day()+2, 0, 0, 0, 0, loc)
	return Period{Start: start.UTC(), End: end.UTC()}
}

// LocalMidnight is the UTC instant of 00:00 local time on now's local date.
func LocalMidnight(loc *time.Location, now time.Time) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).UTC()
}

// LocalHour is the wall-clock hour of t in loc.
func LocalHour(loc *time.Location, t time.Time) int {
	return t.In(loc).Hour()
}

// Shift moves a period by whole local days.
func (p Period) Shift(loc *time.Location, days int) Period {
	start := p.Start.In(loc)
	shifted := time.Date(start.Year(), start.Month(), start.Day()+days, 0, 0, 0, 0, loc).UTC()
	return Period{Start: shifted, End: shifted.Add(p.End.Sub(p.Start))}
}
