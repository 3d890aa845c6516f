package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"spotwatt/internal/domain"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestMemoryKVExpiry(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
	m := NewMemory(c.now)
	ctx := context.Background()

	if err := m.PutKV(ctx, "prices_AT", []byte("x"), time.Hour); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if v, ok, _ := m.GetKV(ctx, "prices_AT"); !ok || string(v) != "x" {
		t.Fatal("未过期的值应可读")
	}
	c.t = c.t.Add(2 * time.Hour)
	if _, ok, _ := m.GetKV(ctx, "prices_AT"); ok {
		t.Fatal("过期的值不应返回")
	}
}

func TestMemoryIncrementRestartsAfterExpiry(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
	m := NewMemory(c.now)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := m.IncrementKV(ctx, "attempt_count_2026-01-15", 6*time.Hour)
		if err != nil || got != want {
			t.Fatalf("第 %d 次计数应为 %d, 实际 %d (%v)", want, want, got, err)
		}
	}
	c.t = c.t.Add(7 * time.Hour)
	if got, _ := m.IncrementKV(ctx, "attempt_count_2026-01-15", 6*time.Hour); got != 1 {
		t.Fatalf("过期后计数应重置为 1, 实际 %d", got)
	}
}

func TestMemoryTokenLifecycle(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory(c.now)
	ctx := context.Background()

	_ = m.UpsertToken(ctx, domain.DeviceToken{Token: "a", Platform: domain.PlatformAndroid, Region: domain.MarketAT})
	_ = m.UpsertToken(ctx, domain.DeviceToken{Token: "b", Platform: domain.PlatformIOS, Region: domain.MarketDE})
	_ = m.DeactivateTokens(ctx, []string{"a"}, c.t)

	active, _ := m.ListActiveTokens(ctx)
	if len(active) != 1 || active[0].Token != "b" {
		t.Fatalf("只应剩下 b, 实际 %+v", active)
	}

	n, _ := m.DeleteInactiveBefore(ctx, c.t.Add(-time.Hour))
	if n != 0 {
		t.Fatal("未到期的失效 token 不应删除")
	}
	n, _ = m.DeleteInactiveBefore(ctx, c.t.Add(8*24*time.Hour))
	if n != 1 {
		t.Fatalf("应删除 1 个失效 token, 实际 %d", n)
	}
	if _, ok := m.Token("a"); ok {
		t.Fatal("a 应已删除")
	}
}

func TestMemoryPreferencesAndIndex(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()

	if _, err := m.GetPreferences(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("不存在的文档应返回 ErrNotFound, 实际 %v", err)
	}

	prefs := domain.DefaultPreferences(domain.MarketAT)
	prefs.Token = "tok"
	prefs.CheapestTimeEnabled = true
	_ = m.UpsertPreferences(ctx, prefs)

	enabled, _ := m.ListEnabledPreferences(ctx)
	if len(enabled) != 1 || !enabled[0].HasAnyNotificationEnabled {
		t.Fatalf("写入时应重新计算 has_any, 实际 %+v", enabled)
	}

	index := TaskIndex{domain.CheapestHour: {"h2", "h1"}, domain.DailySummary: {"h1"}}
	_ = m.PutTaskIndex(ctx, "tok", index)
	got, _ := m.GetTaskIndex(ctx, "tok")
	handles := got.Handles()
	if len(handles) != 2 || handles[0] != "h1" || handles[1] != "h2" {
		t.Fatalf("Handles 应去重并排序, 实际 %v", handles)
	}
}
