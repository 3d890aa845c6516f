package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spotwatt/internal/domain"
	"spotwatt/internal/queue"
	"spotwatt/internal/storage"
)

// local midnight of 15 January 2026 in Vienna
var viennaDay = time.Date(2026, 1, 14, 23, 0, 0, 0, time.UTC)

var now = time.Date(2026, 1, 14, 20, 0, 0, 0, time.UTC)

func priceSet() domain.MarketPriceSet {
	set := domain.MarketPriceSet{Market: domain.MarketAT, LastUpdate: now}
	for i := 0; i < 48; i++ {
		price := decimal.NewFromInt(20)
		switch i {
		case 3, 24 + 14:
			price = decimal.NewFromInt(2)
		}
		set.Prices = append(set.Prices, domain.NewPricePoint(viennaDay.Add(time.Duration(i)*time.Hour), price))
	}
	return set
}

func cheapestPrefs(token string) domain.Preferences {
	prefs := domain.DefaultPreferences(domain.MarketAT)
	prefs.Token = token
	prefs.CheapestTimeEnabled = true
	prefs.LastUpdated = now.Add(-time.Minute)
	return prefs
}

func newScheduler(t *testing.T) (*Scheduler, *queue.Memory, *storage.Memory) {
	t.Helper()
	q := queue.NewMemory()
	store := storage.NewMemory(func() time.Time { return now })
	s := New(q, store, Options{Now: func() time.Time { return now }, ChunkSize: 2, Concurrency: 2}, zerolog.Nop())
	return s, q, store
}

func TestReconcileIsIdempotent(t *testing.T) {
	s, q, store := newScheduler(t)
	ctx := context.Background()
	prefs := cheapestPrefs("tok-a")

	first, err := s.Reconcile(ctx, prefs, priceSet(), now)
	if err != nil {
		t.Fatalf("首次调度失败: %v", err)
	}
	if first.Created != 2 || first.Cancelled != 0 {
		t.Fatalf("期望创建 2 个任务, 实际 %+v", first)
	}

	second, err := s.Reconcile(ctx, prefs, priceSet(), now)
	if err != nil {
		t.Fatalf("重复调度失败: %v", err)
	}
	if second.Created != 0 || second.Kept != 2 || second.Cancelled != 0 {
		t.Fatalf("相同输入不应改变队列, 实际 %+v", second)
	}
	if len(q.Pending()) != 2 {
		t.Fatalf("队列中应有 2 个待执行任务, 实际 %d", len(q.Pending()))
	}

	index, _ := store.GetTaskIndex(ctx, "tok-a")
	if len(index[domain.CheapestHour]) != 2 {
		t.Fatalf("任务索引应记录 2 个 cheapest_hour, 实际 %v", index)
	}
	if len(store.Ledger()) != 2 {
		t.Fatalf("账本只应记录新建任务, 实际 %d", len(store.Ledger()))
	}

	task := q.Pending()[0]
	if task.Target != DeliverTarget {
		t.Fatalf("投递目标不正确: %s", task.Target)
	}
	var payload domain.DeliveryPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		t.Fatalf("解析投递载荷失败: %v", err)
	}
	if payload.Token != "tok-a" || payload.Type != domain.CheapestHour || payload.Title == "" {
		t.Fatalf("投递载荷不正确: %+v", payload)
	}
}

func TestReconcileReplacesChangedTasks(t *testing.T) {
	s, q, _ := newScheduler(t)
	ctx := context.Background()
	prefs := cheapestPrefs("tok-a")

	if _, err := s.Reconcile(ctx, prefs, priceSet(), now); err != nil {
		t.Fatalf("首次调度失败: %v", err)
	}

	prefs.MinutesBefore = 30
	res, err := s.Reconcile(ctx, prefs, priceSet(), now)
	if err != nil {
		t.Fatalf("重新调度失败: %v", err)
	}
	if res.Created != 2 || res.Cancelled != 2 {
		t.Fatalf("提前量变化应替换全部任务, 实际 %+v", res)
	}
	for _, task := range q.Pending() {
		if task.ScheduleAt.Minute() != 30 {
			t.Fatalf("新任务应提前 30 分钟, 实际 %s", task.ScheduleAt)
		}
	}
}

func TestReconcileDisabledCancelsEverything(t *testing.T) {
	s, q, store := newScheduler(t)
	ctx := context.Background()
	prefs := cheapestPrefs("tok-a")

	if _, err := s.Reconcile(ctx, prefs, priceSet(), now); err != nil {
		t.Fatalf("首次调度失败: %v", err)
	}

	// a claimed task is cancelled in place and must not fail the call
	first := q.Pending()[0]
	if _, err := q.ClaimDue(ctx, first.ScheduleAt, 1, time.Minute); err != nil {
		t.Fatalf("领取任务失败: %v", err)
	}

	prefs.CheapestTimeEnabled = false
	res, err := s.Reconcile(ctx, prefs, priceSet(), now)
	if err != nil {
		t.Fatalf("关闭通知后调度失败: %v", err)
	}
	if res.Cancelled != 2 || res.Scheduled() != 0 {
		t.Fatalf("关闭后应取消全部任务, 实际 %+v", res)
	}
	if len(q.Pending()) != 0 {
		t.Fatalf("不应残留待执行任务, 实际 %d", len(q.Pending()))
	}
	index, _ := store.GetTaskIndex(ctx, "tok-a")
	if len(index.Handles()) != 0 {
		t.Fatalf("任务索引应被清空, 实际 %v", index)
	}
}

func TestPreferencesChangedQueuesDebounce(t *testing.T) {
	s, q, _ := newScheduler(t)
	ctx := context.Background()

	a, err := s.PreferencesChanged(ctx, "tok-a", now)
	if err != nil {
		t.Fatalf("创建防抖任务失败: %v", err)
	}
	b, err := s.PreferencesChanged(ctx, "tok-a", now)
	if err != nil {
		t.Fatalf("创建第二个防抖任务失败: %v", err)
	}
	if a == b || !strings.HasPrefix(a, "debounce-") {
		t.Fatalf("防抖任务名应唯一, 实际 %s / %s", a, b)
	}

	task, ok := q.Get(a)
	if !ok {
		t.Fatal("防抖任务不存在")
	}
	if task.Target != RecomputeTarget || !task.ScheduleAt.Equal(now.Add(DefaultDebounceDelay)) {
		t.Fatalf("防抖任务不正确: %+v", task)
	}
	var payload DebouncePayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil || payload.Token != "tok-a" || !payload.ChangedAt.Equal(now) {
		t.Fatalf("防抖载荷不正确: %+v (%v)", payload, err)
	}
}

func TestHandleDebounceSkipsSupersededEdit(t *testing.T) {
	s, q, store := newScheduler(t)
	ctx := context.Background()

	prefs := cheapestPrefs("tok-a")
	prefs.LastUpdated = now
	if err := store.UpsertPreferences(ctx, prefs); err != nil {
		t.Fatalf("写入偏好失败: %v", err)
	}
	if err := store.PutSnapshot(ctx, priceSet()); err != nil {
		t.Fatalf("写入快照失败: %v", err)
	}

	res, err := s.HandleDebounce(ctx, "tok-a", now.Add(-5*time.Second))
	if err != nil || !res.Skipped {
		t.Fatalf("旧的防抖任务应被跳过, 实际 %+v (%v)", res, err)
	}
	if len(q.Pending()) != 0 {
		t.Fatal("跳过时不应创建任务")
	}

	res, err = s.HandleDebounce(ctx, "tok-a", now)
	if err != nil {
		t.Fatalf("最新的防抖任务失败: %v", err)
	}
	if res.Skipped || res.Created != 2 {
		t.Fatalf("最新的防抖任务应重新调度, 实际 %+v", res)
	}

	res, err = s.HandleDebounce(ctx, "unknown", now)
	if err != nil || !res.Skipped {
		t.Fatalf("未知 token 应被跳过, 实际 %+v (%v)", res, err)
	}
}

func TestScheduleAllAcrossChunks(t *testing.T) {
	s, q, store := newScheduler(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.UpsertPreferences(ctx, cheapestPrefs(fmt.Sprintf("tok-%d", i))); err != nil {
			t.Fatalf("写入偏好失败: %v", err)
		}
	}
	disabled := domain.DefaultPreferences(domain.MarketAT)
	disabled.Token = "tok-off"
	_ = store.UpsertPreferences(ctx, disabled)

	de := cheapestPrefs("tok-de")
	de.Market = domain.MarketDE
	_ = store.UpsertPreferences(ctx, de)

	sets := map[domain.Market]domain.MarketPriceSet{domain.MarketAT: priceSet()}
	scheduled, err := s.ScheduleAll(ctx, sets, now)
	if err != nil {
		t.Fatalf("批量调度失败: %v", err)
	}
	if scheduled != 10 {
		t.Fatalf("期望 5 个用户共 10 个任务, 实际 %d", scheduled)
	}
	if len(q.Pending()) != 10 {
		t.Fatalf("队列任务数不正确: %d", len(q.Pending()))
	}

	again, err := s.ScheduleAll(ctx, sets, now)
	if err != nil || again != 10 || len(q.Pending()) != 10 {
		t.Fatalf("重复批量调度不应产生新任务: %d / %d (%v)", again, len(q.Pending()), err)
	}
}

// editingStore lands a newer edit between listing and reconciling.
type editingStore struct {
	*storage.Memory
	onList func()
}

func (e *editingStore) ListEnabledPreferences(ctx context.Context) ([]domain.Preferences, error) {
	users, err := e.Memory.ListEnabledPreferences(ctx)
	if e.onList != nil {
		e.onList()
		e.onList = nil
	}
	return users, err
}

func pendingNames(q *queue.Memory) []string {
	names := make([]string, 0)
	for _, task := range q.Pending() {
		if task.Target == DeliverTarget {
			names = append(names, task.Name)
		}
	}
	sort.Strings(names)
	return names
}

func indexedNames(t *testing.T, store storage.TaskIndexStore, token string) []string {
	t.Helper()
	index, err := store.GetTaskIndex(context.Background(), token)
	if err != nil {
		t.Fatalf("读取任务索引失败: %v", err)
	}
	names := index.Handles()
	sort.Strings(names)
	return names
}

func TestScheduleAllKeepsNewerEdit(t *testing.T) {
	q := queue.NewMemory()
	mem := storage.NewMemory(func() time.Time { return now })
	store := &editingStore{Memory: mem}
	s := New(q, store, Options{Now: func() time.Time { return now }, ChunkSize: 2, Concurrency: 2}, zerolog.Nop())
	ctx := context.Background()

	stale := cheapestPrefs("tok-a")
	if err := mem.UpsertPreferences(ctx, stale); err != nil {
		t.Fatalf("写入偏好失败: %v", err)
	}
	if err := mem.PutSnapshot(ctx, priceSet()); err != nil {
		t.Fatalf("写入快照失败: %v", err)
	}

	store.onList = func() {
		fresh := stale
		fresh.MinutesBefore = 30
		fresh.LastUpdated = now
		if err := mem.UpsertPreferences(ctx, fresh); err != nil {
			t.Errorf("写入新偏好失败: %v", err)
		}
		if _, err := s.HandleDebounce(ctx, "tok-a", now); err != nil {
			t.Errorf("防抖重算失败: %v", err)
		}
	}

	if _, err := s.ScheduleAll(ctx, map[domain.Market]domain.MarketPriceSet{domain.MarketAT: priceSet()}, now); err != nil {
		t.Fatalf("批量调度失败: %v", err)
	}

	pending := q.Pending()
	if len(pending) != 2 {
		t.Fatalf("应只剩新偏好的 2 个任务, 实际 %d", len(pending))
	}
	for _, task := range pending {
		if task.ScheduleAt.Minute() != 30 {
			t.Fatalf("过期的偏好覆盖了新的编辑: %s", task.ScheduleAt)
		}
	}
	if got, want := indexedNames(t, mem, "tok-a"), pendingNames(q); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("任务索引与队列不一致: %v / %v", got, want)
	}
}

func TestConcurrentReconcileKeepsIndexConsistent(t *testing.T) {
	s, q, store := newScheduler(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prefs := cheapestPrefs("tok-a")
			prefs.MinutesBefore = 15 * (i%2 + 1)
			if _, err := s.Reconcile(ctx, prefs, priceSet(), now); err != nil {
				t.Errorf("并发调度失败: %v", err)
			}
		}()
	}
	wg.Wait()

	got, want := indexedNames(t, store, "tok-a"), pendingNames(q)
	if len(want) != 2 || strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("并发调度后不应留下孤儿任务: 索引 %v / 队列 %v", got, want)
	}
}

func TestHandleIsContentAddressed(t *testing.T) {
	inst := domain.NotificationInstance{Type: domain.DailySummary, FireAt: now, Title: "t", Body: "b"}
	if Handle("tok", inst) != Handle("tok", inst) {
		t.Fatal("相同内容应得到相同 handle")
	}
	changed := inst
	changed.Body = "c"
	if Handle("tok", inst) == Handle("tok", changed) {
		t.Fatal("内容变化应改变 handle")
	}
	if Handle("tok", inst) == Handle("tok2", inst) {
		t.Fatal("不同 token 应得到不同 handle")
	}
}
