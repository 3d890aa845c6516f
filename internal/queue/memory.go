package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryTask struct {
	Task
	lockedUntil time.Time
	updatedAt   time.Time
}

// Memory is an in-process Queue.
type Memory struct {
	mu    sync.Mutex
	tasks map[string]*memoryTask
}

// NewMemory returns an empty queue.
func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]*memoryTask)}
}

func (m *Memory) Create(_ context.Context, task Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[task.Name]; ok && t.Status != StatusCancelled {
		return ErrTaskExists
	}
	task.Status = StatusPending
	task.Payload = append([]byte(nil), task.Payload...)
	m.tasks[task.Name] = &memoryTask{Task: task, updatedAt: time.Now()}
	return nil
}

func (m *Memory) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[name]
	if !ok {
		return ErrTaskNotFound
	}
	switch t.Status {
	case StatusPending:
		delete(m.tasks, name)
	case StatusRunning:
		t.Status = StatusCancelled
		t.lockedUntil = time.Time{}
		t.updatedAt = time.Now()
	default:
		return ErrTaskNotFound
	}
	return nil
}

func (m *Memory) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	due := make([]*memoryTask, 0)
	for _, t := range m.tasks {
		pending := t.Status == StatusPending && !t.ScheduleAt.After(now)
		expired := t.Status == StatusRunning && t.lockedUntil.Before(now)
		if pending || expired {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduleAt.Before(due[j].ScheduleAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]Task, 0, len(due))
	for _, t := range due {
		t.Status = StatusRunning
		t.Attempts++
		t.lockedUntil = now.Add(lease)
		t.updatedAt = now
		out = append(out, t.Task)
	}
	return out, nil
}

func (m *Memory) Complete(_ context.Context, name string) error {
	return m.update(name, func(t *memoryTask) {
		t.Status = StatusDone
	})
}

func (m *Memory) Retry(_ context.Context, name string, at time.Time, reason string) error {
	return m.update(name, func(t *memoryTask) {
		t.Status = StatusPending
		t.ScheduleAt = at
		t.LastError = reason
		t.lockedUntil = time.Time{}
	})
}

func (m *Memory) Fail(_ context.Context, name string, reason string) error {
	return m.update(name, func(t *memoryTask) {
		t.Status = StatusFailed
		t.LastError = reason
	})
}

func (m *Memory) PurgeFinished(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for name, t := range m.tasks {
		finished := t.Status == StatusDone || t.Status == StatusFailed || t.Status == StatusCancelled
		if finished && t.updatedAt.Before(before) {
			delete(m.tasks, name)
			n++
		}
	}
	return n, nil
}

// update applies fn to a running task.
func (m *Memory) update(name string, fn func(*memoryTask)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[name]
	if !ok || t.Status != StatusRunning {
		return ErrTaskNotFound
	}
	fn(t)
	t.updatedAt = time.Now()
	return nil
}

// Get returns a copy of the named task.
func (m *Memory) Get(name string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[name]
	if !ok {
		return Task{}, false
	}
	return t.Task, true
}

// Pending lists pending tasks ordered by schedule.
func (m *Memory) Pending() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0)
	for _, t := range m.tasks {
		if t.Status == StatusPending {
			out = append(out, t.Task)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduleAt.Equal(out[j].ScheduleAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].ScheduleAt.Before(out[j].ScheduleAt)
	})
	return out
}

var _ Queue = (*Memory)(nil)
