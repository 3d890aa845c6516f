package entsoe

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spotwatt/internal/domain"
	"spotwatt/internal/fetcher"
)

var dayStart = time.Date(2026, 1, 14, 23, 0, 0, 0, time.UTC)

type seriesSpec struct {
	position   int // 0 = element omitted
	resolution Resolution
	start, end time.Time
	prices     map[int]string
}

func buildDocument(series ...seriesSpec) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString(`<Publication_MarketDocument xmlns="urn:iec62325.351:tc57wg16:451-3:publicationdocument:7:3">`)
	for _, s := range series {
		b.WriteString("<TimeSeries>")
		if s.position > 0 {
			fmt.Fprintf(&b, "<classificationSequence_AttributeInstanceComponent.position>%d</classificationSequence_AttributeInstanceComponent.position>", s.position)
		}
		fmt.Fprintf(&b, "<Period><timeInterval><start>%s</start><end>%s</end></timeInterval><resolution>%s</resolution>",
			s.start.Format("2006-01-02T15:04Z"), s.end.Format("2006-01-02T15:04Z"), s.resolution)
		for pos := 1; pos <= 200; pos++ {
			if price, ok := s.prices[pos]; ok {
				fmt.Fprintf(&b, "<Point><position>%d</position><price.amount>%s</price.amount></Point>", pos, price)
			}
		}
		b.WriteString("</Period></TimeSeries>")
	}
	b.WriteString("</Publication_MarketDocument>")
	return []byte(b.String())
}

func sequentialPrices(n int, base int) map[int]string {
	out := make(map[int]string, n)
	for i := 1; i <= n; i++ {
		out[i] = fmt.Sprintf("%d.0", base+i)
	}
	return out
}

func parseAndAggregate(t *testing.T, raw []byte) []domain.PricePoint {
	t.Helper()
	periods, err := NewParser(0, zerolog.Nop()).Parse(raw)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	return NewAggregator(zerolog.Nop()).Aggregate(periods)
}

func TestHourlyDayProducesContiguousSequence(t *testing.T) {
	raw := buildDocument(seriesSpec{position: 1, resolution: Hourly, start: dayStart, end: dayStart.Add(24 * time.Hour), prices: sequentialPrices(24, 40)})
	points := parseAndAggregate(t, raw)

	if len(points) != 24 {
		t.Fatalf("期望 24 个点, 实际 %d", len(points))
	}
	set := domain.MarketPriceSet{Prices: points}
	if !set.Contiguous() {
		t.Fatal("输出序列应连续")
	}
	if !points[0].StartTime.Equal(dayStart) {
		t.Fatalf("首点应从 %s 开始, 实际 %s", dayStart, points[0].StartTime)
	}
	if !points[0].Price.Equal(decimal.RequireFromString("4.1")) {
		t.Fatalf("41 EUR/MWh 应换算为 4.1 ct/kWh, 实际 %s", points[0].Price)
	}
}

func TestQuarterHourMeans(t *testing.T) {
	prices := make(map[int]string, 96)
	for h := 0; h < 24; h++ {
		for q := 1; q <= 4; q++ {
			// hour h: 10, 20, 30, 40 -> mean 25 EUR/MWh
			prices[h*4+q] = fmt.Sprintf("%d", q*10+h)
		}
	}
	raw := buildDocument(seriesSpec{position: 1, resolution: QuarterHourly, start: dayStart, end: dayStart.Add(24 * time.Hour), prices: prices})
	points := parseAndAggregate(t, raw)

	if len(points) != 24 {
		t.Fatalf("96 个刻钟点应聚合为 24 小时, 实际 %d", len(points))
	}
	for h, p := range points {
		want := decimal.NewFromInt(int64(25 + h)).Div(decimal.NewFromInt(10))
		if !p.Price.Equal(want) {
			t.Fatalf("第 %d 小时均值期望 %s, 实际 %s", h, want, p.Price)
		}
	}
}

func TestQuarterHourForwardFill(t *testing.T) {
	prices := map[int]string{1: "40", 2: "80"}
	// slots 3 and 4 take 80, hour 1 has only slot 6 given; slot 5 takes 80.
	prices[6] = "120"
	raw := buildDocument(seriesSpec{position: 1, resolution: QuarterHourly, start: dayStart, end: dayStart.Add(2 * time.Hour), prices: prices})
	points := parseAndAggregate(t, raw)

	if len(points) != 2 {
		t.Fatalf("期望 2 个小时点, 实际 %d", len(points))
	}
	// (40 + 80 + 80 + 80) / 4 = 70
	if !points[0].Price.Equal(decimal.RequireFromString("7")) {
		t.Fatalf("第 0 小时期望 7, 实际 %s", points[0].Price)
	}
	// (80 + 120 + 120 + 120) / 4 = 110
	if !points[1].Price.Equal(decimal.RequireFromString("11")) {
		t.Fatalf("第 1 小时期望 11, 实际 %s", points[1].Price)
	}
}

func TestQuarterHourWithoutEarlierValueDropsHour(t *testing.T) {
	raw := buildDocument(seriesSpec{position: 1, resolution: QuarterHourly, start: dayStart, end: dayStart.Add(2 * time.Hour), prices: map[int]string{7: "50"}})
	points := parseAndAggregate(t, raw)
	if len(points) != 1 {
		t.Fatalf("无任何值的小时应被丢弃, 实际 %d 个点", len(points))
	}
	if !points[0].StartTime.Equal(dayStart.Add(time.Hour)) {
		t.Fatalf("剩余点应为第二小时, 实际 %s", points[0].StartTime)
	}
}

func TestPositionPreferenceAndCurveCompression(t *testing.T) {
	raw, err := os.ReadFile("testdata/a44_two_positions.xml")
	if err != nil {
		t.Fatalf("读取 testdata 失败: %v", err)
	}
	points := parseAndAggregate(t, raw)
	if len(points) != 24 {
		t.Fatalf("压缩曲线应补齐为 24 点, 实际 %d", len(points))
	}

	checks := map[int]string{0: "8.512", 6: "8.512", 7: "11.04", 13: "-0.5", 23: "-0.5"}
	for idx, want := range checks {
		if !points[idx].Price.Equal(decimal.RequireFromString(want)) {
			t.Fatalf("第 %d 点应取 position 1 的值 %s, 实际 %s", idx, want, points[idx].Price)
		}
	}
}

func TestSecondaryPositionFallback(t *testing.T) {
	raw := buildDocument(seriesSpec{position: 2, resolution: Hourly, start: dayStart, end: dayStart.Add(24 * time.Hour), prices: sequentialPrices(24, 0)})
	points := parseAndAggregate(t, raw)
	if len(points) != 24 {
		t.Fatalf("仅有 position 2 时应使用其数据, 实际 %d 点", len(points))
	}
}

func TestUnpositionedLosesToPositioned(t *testing.T) {
	raw := buildDocument(
		seriesSpec{resolution: Hourly, start: dayStart, end: dayStart.Add(24 * time.Hour), prices: sequentialPrices(24, 500)},
		seriesSpec{position: 2, resolution: Hourly, start: dayStart, end: dayStart.Add(24 * time.Hour), prices: sequentialPrices(24, 0)},
	)
	points := parseAndAggregate(t, raw)
	if !points[0].Price.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("position 2 应优先于无 position, 实际 %s", points[0].Price)
	}
}

func TestHourlyPreferredOverQuarterHourly(t *testing.T) {
	quarters := make(map[int]string, 96)
	for i := 1; i <= 96; i++ {
		quarters[i] = "999"
	}
	raw := buildDocument(
		seriesSpec{position: 1, resolution: QuarterHourly, start: dayStart, end: dayStart.Add(24 * time.Hour), prices: quarters},
		seriesSpec{position: 1, resolution: Hourly, start: dayStart, end: dayStart.Add(24 * time.Hour), prices: sequentialPrices(24, 0)},
	)
	periods, err := NewParser(0, zerolog.Nop()).Parse(raw)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if len(periods) != 1 || periods[0].Resolution != Hourly {
		t.Fatalf("同一 key 应保留小时分辨率, 实际 %+v", periods)
	}
}

func TestOverlongPeriodDiscarded(t *testing.T) {
	raw := buildDocument(
		seriesSpec{position: 1, resolution: Hourly, start: dayStart, end: dayStart.Add(25 * time.Hour), prices: sequentialPrices(25, 0)},
		seriesSpec{position: 1, resolution: Hourly, start: dayStart.Add(24 * time.Hour), end: dayStart.Add(48 * time.Hour), prices: sequentialPrices(24, 0)},
	)
	points := parseAndAggregate(t, raw)
	if len(points) != 24 {
		t.Fatalf("超长 period 应整体丢弃, 仅保留第二天, 实际 %d 点", len(points))
	}
	if points[0].StartTime.Before(dayStart.Add(24 * time.Hour)) {
		t.Fatalf("被丢弃 period 的小时不应出现: %s", points[0].StartTime)
	}
}

func TestConfigurableMaxPeriodAdmitsLongDay(t *testing.T) {
	raw := buildDocument(seriesSpec{position: 1, resolution: Hourly, start: dayStart, end: dayStart.Add(25 * time.Hour), prices: sequentialPrices(25, 0)})
	periods, err := NewParser(25*time.Hour, zerolog.Nop()).Parse(raw)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if len(periods) != 1 {
		t.Fatalf("MaxPeriod=25h 时应接受 25h period, 实际 %d", len(periods))
	}
}

func TestPartialPeriodAccepted(t *testing.T) {
	raw := buildDocument(seriesSpec{position: 1, resolution: Hourly, start: dayStart, end: dayStart.Add(12 * time.Hour), prices: sequentialPrices(12, 0)})
	points := parseAndAggregate(t, raw)
	if len(points) != 12 {
		t.Fatalf("不足 24h 的 period 应接受, 实际 %d 点", len(points))
	}
}

func TestAcknowledgementYieldsNoPeriods(t *testing.T) {
	raw, err := os.ReadFile("testdata/acknowledgement.xml")
	if err != nil {
		t.Fatalf("读取 testdata 失败: %v", err)
	}
	periods, err := NewParser(0, zerolog.Nop()).Parse(raw)
	if err != nil {
		t.Fatalf("确认文档不应报错: %v", err)
	}
	if len(periods) != 0 {
		t.Fatalf("确认文档不应产生 period, 实际 %d", len(periods))
	}
	if HasTimeSeries(raw) {
		t.Fatal("确认文档不含 TimeSeries")
	}
}

func TestMalformedXML(t *testing.T) {
	if _, err := NewParser(0, zerolog.Nop()).Parse([]byte("<Publication_MarketDocument><TimeSeries>")); err == nil {
		t.Fatal("截断的 XML 应报错")
	}
}

type availabilityFetcher struct {
	query fetcher.Query
	body  []byte
}

func (p *availabilityFetcher) FetchRaw(_ context.Context, _ domain.Market, q fetcher.Query) ([]byte, error) {
	p.query = q
	return p.body, nil
}

func TestPrimaryPublished(t *testing.T) {
	f := &availabilityFetcher{body: buildDocument(seriesSpec{position: 1, resolution: Hourly, start: dayStart, end: dayStart.Add(time.Hour), prices: map[int]string{1: "1"}})}
	ok, err := PrimaryPublished(context.Background(), f, domain.MarketAT)
	if err != nil || !ok {
		t.Fatalf("存在 TimeSeries 时应视为已发布: %v %v", ok, err)
	}
	if f.query.Position == nil || *f.query.Position != 1 || f.query.DayOffset != 1 {
		t.Fatalf("探测应请求 position 1 与次日, 实际 %+v", f.query)
	}

	f.body, _ = os.ReadFile("testdata/acknowledgement.xml")
	ok, err = PrimaryPublished(context.Background(), f, domain.MarketAT)
	if err != nil || ok {
		t.Fatalf("确认文档应视为未发布: %v %v", ok, err)
	}
}
