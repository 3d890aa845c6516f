package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var base = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func TestMemoryCreateDeleteSemantics(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	task := Task{Name: "a", Target: "/tasks/deliver", Payload: json.RawMessage(`{}`), ScheduleAt: base}

	if err := q.Create(ctx, task); err != nil {
		t.Fatalf("创建失败: %v", err)
	}
	if err := q.Create(ctx, task); !errors.Is(err, ErrTaskExists) {
		t.Fatalf("重复创建应返回 ErrTaskExists, 实际 %v", err)
	}
	if err := q.Delete(ctx, "a"); err != nil {
		t.Fatalf("删除失败: %v", err)
	}
	if err := q.Delete(ctx, "a"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("重复删除应返回 ErrTaskNotFound, 实际 %v", err)
	}
	if IgnoreNotFound(ErrTaskNotFound) != nil {
		t.Fatal("IgnoreNotFound 应吞掉 ErrTaskNotFound")
	}
}

func TestMemoryClaimDue(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	_ = q.Create(ctx, Task{Name: "due", ScheduleAt: base.Add(-time.Minute)})
	_ = q.Create(ctx, Task{Name: "later", ScheduleAt: base.Add(time.Hour)})

	claimed, _ := q.ClaimDue(ctx, base, 10, time.Minute)
	if len(claimed) != 1 || claimed[0].Name != "due" || claimed[0].Attempts != 1 {
		t.Fatalf("只应领取到期任务, 实际 %+v", claimed)
	}
	if again, _ := q.ClaimDue(ctx, base, 10, time.Minute); len(again) != 0 {
		t.Fatal("租约期内不应重复领取")
	}
	if expired, _ := q.ClaimDue(ctx, base.Add(2*time.Minute), 10, time.Minute); len(expired) != 1 {
		t.Fatal("租约过期后应可重新领取")
	}
	if err := q.Complete(ctx, "later"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatal("未领取的任务不能直接完成")
	}
}

func TestMemoryDeleteRunningTaskCancels(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	_ = q.Create(ctx, Task{Name: "deliver-1", ScheduleAt: base})

	if claimed, _ := q.ClaimDue(ctx, base, 10, time.Minute); len(claimed) != 1 {
		t.Fatalf("应领取到 1 个任务, 实际 %d", len(claimed))
	}
	if err := q.Delete(ctx, "deliver-1"); err != nil {
		t.Fatalf("取消执行中的任务失败: %v", err)
	}
	if got, _ := q.Get("deliver-1"); got.Status != StatusCancelled {
		t.Fatalf("执行中的任务被删除后应为 cancelled, 实际 %s", got.Status)
	}
	if err := q.Retry(ctx, "deliver-1", base.Add(time.Minute), "status 503"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("已取消的任务不应被重新排期, 实际 %v", err)
	}
	if claimed, _ := q.ClaimDue(ctx, base.Add(time.Hour), 10, time.Minute); len(claimed) != 0 {
		t.Fatalf("已取消的任务不应再被领取, 实际 %+v", claimed)
	}
	if err := q.Delete(ctx, "deliver-1"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatal("重复取消应返回 ErrTaskNotFound")
	}

	if err := q.Create(ctx, Task{Name: "deliver-1", ScheduleAt: base.Add(2 * time.Hour)}); err != nil {
		t.Fatalf("同名任务应可在取消后重新创建: %v", err)
	}
	if got, _ := q.Get("deliver-1"); got.Status != StatusPending || got.Attempts != 0 {
		t.Fatalf("重新创建的任务应为 pending 且次数清零, 实际 %+v", got)
	}

	if n, _ := q.PurgeFinished(ctx, time.Now().Add(time.Hour)); n != 0 {
		t.Fatalf("pending 任务不应被清理, 实际清理 %d", n)
	}
}

func TestRunnerDropsOutcomeOfCancelledTask(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	_ = q.Create(ctx, Task{Name: "deliver-1", Target: "/tasks/deliver", Payload: json.RawMessage(`{}`), ScheduleAt: base})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := q.Delete(r.Context(), r.Header.Get("X-Task-Name")); err != nil {
			t.Errorf("执行期间取消失败: %v", err)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewRunner(q, RunnerOptions{BaseURL: srv.URL, MaxAttempts: 5, RetryBackoff: time.Minute}, zerolog.Nop())
	if _, err := r.RunOnce(ctx, base); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if got, _ := q.Get("deliver-1"); got.Status != StatusCancelled {
		t.Fatalf("5xx 不应复活已取消的任务, 实际 %s", got.Status)
	}
	if pending := q.Pending(); len(pending) != 0 {
		t.Fatalf("不应留下待执行任务, 实际 %+v", pending)
	}
}

func TestRunnerOutcomes(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("X-Api-Key") != "secret" {
			t.Errorf("缺少 X-Api-Key")
		}
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusOK)
		case "/bad":
			w.WriteHeader(http.StatusBadRequest)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	q := NewMemory()
	for _, name := range []string{"ok", "bad", "flaky"} {
		_ = q.Create(ctx, Task{Name: name, Target: "/" + name, Payload: json.RawMessage(`{}`), ScheduleAt: base})
	}

	r := NewRunner(q, RunnerOptions{BaseURL: srv.URL, APIKey: "secret", MaxAttempts: 2, RetryBackoff: time.Minute}, zerolog.Nop())
	stats, err := r.RunOnce(ctx, base)
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if stats.Done != 2 || stats.Retried != 1 {
		t.Fatalf("2xx/4xx 应完成, 5xx 应重试, 实际 %+v", stats)
	}
	flaky, _ := q.Get("flaky")
	if flaky.Status != StatusPending || !flaky.ScheduleAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("5xx 任务应按线性退避重新排期, 实际 %+v", flaky)
	}

	stats, _ = r.RunOnce(ctx, base.Add(time.Minute))
	if stats.Failed != 1 {
		t.Fatalf("超过最大次数后应标记失败, 实际 %+v", stats)
	}
	if got, _ := q.Get("flaky"); got.Status != StatusFailed {
		t.Fatalf("任务状态应为 failed, 实际 %s", got.Status)
	}
	if calls.Load() != 4 {
		t.Fatalf("期望 4 次请求, 实际 %d", calls.Load())
	}
}
