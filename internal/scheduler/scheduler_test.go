package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: 5 * time.Minute, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2026, 1, 15, 12, 3, 10, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(time.Date(2026, 1, 15, 12, 5, 0, 0, time.UTC)) {
		t.Fatalf("对齐后的下一个 tick 不正确: %s", got)
	}
	exact := time.Date(2026, 1, 15, 12, 5, 0, 0, time.UTC)
	if got := s.nextTick(exact); !got.Equal(exact.Add(5 * time.Minute)) {
		t.Fatalf("恰好落在边界时应取下一个槽位: %s", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var ticks atomic.Int32
	err := s.Run(ctx, func(context.Context, time.Time) error {
		ticks.Add(1)
		return nil
	})
	if err == nil {
		t.Fatal("取消后 Run 应返回 ctx 错误")
	}
	if ticks.Load() == 0 {
		t.Fatal("应至少执行一次 tick")
	}
}

func TestCronNextInUTC(t *testing.T) {
	c, err := NewCron("*/5 12-23 * * *", time.UTC, time.Minute, zerolog.Nop())
	if err != nil {
		t.Fatalf("合法的 cron 表达式不应报错: %v", err)
	}
	from := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	if got := c.Next(from); !got.Equal(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("下一次触发应为 12:00 UTC, 实际 %s", got)
	}
	if _, err := NewCron("not a spec", time.UTC, 0, zerolog.Nop()); err == nil {
		t.Fatal("非法表达式应报错")
	}
}
