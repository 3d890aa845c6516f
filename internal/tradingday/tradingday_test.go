package tradingday

import (
	"testing"
	"time"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("tzdata for %s unavailable: %v", name, err)
	}
	return loc
}

func TestComputeBoundaries(t *testing.T) {
	vienna := mustLoad(t, "Europe/Vienna")

	cases := []struct {
		name      string
		now       time.Time
		wantStart time.Time
	}{
		{"winter", time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC), time.Date(2026, 1, 14, 23, 0, 0, 0, time.UTC)},
		{"summer", time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC), time.Date(2026, 7, 14, 22, 0, 0, 0, time.UTC)},
		// 29 March 2026: clocks jump 02:00 -> 03:00, midnight is still +1.
		{"march transition day", time.Date(2026, 3, 29, 12, 0, 0, 0, time.UTC), time.Date(2026, 3, 28, 23, 0, 0, 0, time.UTC)},
		// 25 October 2026: clocks fall back 03:00 -> 02:00, midnight is still +2.
		{"october transition day", time.Date(2026, 10, 25, 12, 0, 0, 0, time.UTC), time.Date(2026, 10, 24, 22, 0, 0, 0, time.UTC)},
		{"shortly after local midnight", time.Date(2026, 1, 14, 23, 30, 0, 0, time.UTC), time.Date(2026, 1, 14, 23, 0, 0, 0, time.UTC)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := Compute(vienna, tc.now)
			if !p.Start.Equal(tc.wantStart) {
				t.Fatalf("start 期望 %s, 实际 %s", tc.wantStart, p.Start)
			}
			if p.End.Sub(p.Start) != 48*time.Hour {
				t.Fatalf("窗口应为 48h, 实际 %s", p.End.Sub(p.Start))
			}
			if local := p.Start.In(vienna); local.Hour() != 0 || local.Minute() != 0 {
				t.Fatalf("start 不是本地零点: %s", local)
			}
		})
	}
}

func TestNextDayLengthFollowsDST(t *testing.T) {
	berlin := mustLoad(t, "Europe/Berlin")

	spring := NextDay(berlin, time.Date(2026, 3, 28, 14, 0, 0, 0, time.UTC))
	if d := spring.End.Sub(spring.Start); d != 23*time.Hour {
		t.Fatalf("3 月 29 日应为 23h, 实际 %s", d)
	}
	autumn := NextDay(berlin, time.Date(2026, 10, 24, 14, 0, 0, 0, time.UTC))
	if d := autumn.End.Sub(autumn.Start); d != 25*time.Hour {
		t.Fatalf("10 月 25 日应为 25h, 实际 %s", d)
	}
	regular := NextDay(berlin, time.Date(2026, 5, 10, 14, 0, 0, 0, time.UTC))
	if !regular.Start.Equal(time.Date(2026, 5, 10, 22, 0, 0, 0, time.UTC)) {
		t.Fatalf("次日起点不正确: %s", regular.Start)
	}
}

func TestShift(t *testing.T) {
	vienna := mustLoad(t, "Europe/Vienna")
	p := Compute(vienna, time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))
	next := p.Shift(vienna, 1)
	if !next.Start.Equal(time.Date(2026, 1, 15, 23, 0, 0, 0, time.UTC)) {
		t.Fatalf("平移后起点不正确: %s", next.Start)
	}
	if next.End.Sub(next.Start) != Window {
		t.Fatalf("平移不应改变窗口长度")
	}
}
