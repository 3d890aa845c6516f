// Package entsoe decodes ENTSO-E transparency platform market documents and
// reduces them to canonical hourly price sequences.
package entsoe

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DefaultMaxPeriod is the longest period accepted before it is treated as corrupt.
const DefaultMaxPeriod = 24 * time.Hour

// Resolution is the spacing of points inside a period.
type Resolution string

const (
	Hourly        Resolution = "PT60M"
	QuarterHourly Resolution = "PT15M"
)

// Step returns the duration of one point.
func (r Resolution) Step() time.Duration {
	if r == QuarterHourly {
		return 15 * time.Minute
	}
	return time.Hour
}

// RawPeriod is one decoded period of one time series. Prices are in
// EUR/MWh as published.
type RawPeriod struct {
	Position   *int
	Resolution Resolution
	Start      time.Time
	End        time.Time
	Points     map[int]decimal.Decimal
}

// Duration is End - Start.
func (p RawPeriod) Duration() time.Duration {
	return p.End.Sub(p.Start)
}

// PositionLabel renders the classification position for logs.
func (p RawPeriod) PositionLabel() string {
	if p.Position == nil {
		return "none"
	}
	return fmt.Sprintf("%d", *p.Position)
}

type marketDocument struct {
	XMLName    xml.Name
	TimeSeries []timeSeries `xml:"TimeSeries"`
	Reasons    []reason     `xml:"Reason"`
}

type reason struct {
	Code string `xml:"code"`
	Text string `xml:"text"`
}

type timeSeries struct {
	Position *int     `xml:"classificationSequence_AttributeInstanceComponent.position"`
	Periods  []period `xml:"Period"`
}

type period struct {
	Interval struct {
		Start string `xml:"start"`
		End   string `xml:"end"`
	} `xml:"timeInterval"`
	Resolution string  `xml:"resolution"`
	Points     []point `xml:"Point"`
}

type point struct {
	Position int    `xml:"position"`
	Price    string `xml:"price.amount"`
}

// Parser turns raw XML into RawPeriods.
type Parser struct {
	// MaxPeriod bounds the accepted period length. Zero means DefaultMaxPeriod.
	MaxPeriod time.Duration
	logger    zerolog.Logger
}

// NewParser builds a parser.
func NewParser(maxPeriod time.Duration, logger zerolog.Logger) *Parser {
	if maxPeriod <= 0 {
		maxPeriod = DefaultMaxPeriod
	}
	return &Parser{MaxPeriod: maxPeriod, logger: logger.With().Str("component", "entsoe_parser").Logger()}
}

type periodKey struct {
	start    int64
	position int
}

const noPosition = -1

// Parse decodes a market document. An acknowledgement document carries no
// data and yields zero periods without error. Corrupt periods are skipped.
func (p *Parser) Parse(raw []byte) ([]RawPeriod, error) {
	var doc marketDocument
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode market document: %w", err)
	}

	if strings.HasPrefix(doc.XMLName.Local, "Acknowledgement") {
		ev := p.logger.Info().Str("document", doc.XMLName.Local)
		if len(doc.Reasons) > 0 {
			ev = ev.Str("reason_code", doc.Reasons[0].Code).Str("reason", doc.Reasons[0].Text)
		}
		ev.Msg("no data published")
		return nil, nil
	}

	byKey := make(map[periodKey]RawPeriod)
	for _, ts := range doc.TimeSeries {
		for _, per := range ts.Periods {
			rp, err := p.decodePeriod(ts.Position, per)
			if err != nil {
				p.logger.Warn().Err(err).Msg("skipping undecodable period")
				continue
			}

			if d := rp.Duration(); d > p.MaxPeriod {
				p.logger.Warn().
					Time("start", rp.Start).
					Time("end", rp.End).
					Dur("duration", d).
					Msg("period longer than allowed, discarded")
				continue
			} else if d < 24*time.Hour {
				p.logger.Info().
					Time("start", rp.Start).
					Dur("duration", d).
					Msg("partial period accepted")
			}

			key := periodKey{start: rp.Start.Unix(), position: noPosition}
			if rp.Position != nil {
				key.position = *rp.Position
			}
			if existing, ok := byKey[key]; ok && existing.Resolution == Hourly {
				continue
			}
			byKey[key] = rp
		}
	}

	out := make([]RawPeriod, 0, len(byKey))
	for _, rp := range byKey {
		out = append(out, rp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return positionRank(out[i].Position) < positionRank(out[j].Position)
	})
	return out, nil
}

func (p *Parser) decodePeriod(position *int, per period) (RawPeriod, error) {
	start, err := parseInstant(per.Interval.Start)
	if err != nil {
		return RawPeriod{}, fmt.Errorf("period start: %w", err)
	}
	end, err := parseInstant(per.Interval.End)
	if err != nil {
		return RawPeriod{}, fmt.Errorf("period end: %w", err)
	}
	if !end.After(start) {
		return RawPeriod{}, fmt.Errorf("empty interval %s..%s", per.Interval.Start, per.Interval.End)
	}

	res := Resolution(strings.TrimSpace(per.Resolution))
	if res != Hourly && res != QuarterHourly {
		return RawPeriod{}, fmt.Errorf("unsupported resolution %q", per.Resolution)
	}

	points := make(map[int]decimal.Decimal, len(per.Points))
	for _, pt := range per.Points {
		price, err := decimal.NewFromString(strings.TrimSpace(pt.Price))
		if err != nil {
			return RawPeriod{}, fmt.Errorf("point %d price %q: %w", pt.Position, pt.Price, err)
		}
		if pt.Position < 1 {
			return RawPeriod{}, fmt.Errorf("point position %d out of range", pt.Position)
		}
		points[pt.Position] = price
	}

	return RawPeriod{
		Position:   position,
		Resolution: res,
		Start:      start,
		End:        end,
		Points:     points,
	}, nil
}

var instantLayouts = []string{"2006-01-02T15:04Z07:00", time.RFC3339}

func parseInstant(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range instantLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid instant %q", s)
}

// HasTimeSeries reports whether the document holds at least one TimeSeries
// element. It stops reading at the first match.
func HasTimeSeries(raw []byte) bool {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err != nil {
			return false
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "TimeSeries" {
			return true
		}
	}
}

func positionRank(position *int) int {
	if position == nil {
		return 2
	}
	switch *position {
	case 1:
		return 0
	case 2:
		return 1
	default:
		return 2 + *position
	}
}
