// Package queue is a durable delayed-task queue. Tasks are HTTP calls into
// this service that a Runner performs at or after their scheduled instant.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrTaskNotFound is returned when a task is unknown or not in a state
	// the operation applies to.
	ErrTaskNotFound = errors.New("queue: task not found")
	// ErrTaskExists is returned when a task name is already taken.
	ErrTaskExists = errors.New("queue: task already exists")
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"

	// StatusCancelled marks a task deleted while a runner held it. The
	// runner's outcome no longer moves it.
	StatusCancelled Status = "cancelled"
)

// Task is a named, scheduled POST of Payload to Target.
type Task struct {
	Name       string
	Target     string
	Payload    json.RawMessage
	ScheduleAt time.Time
	Attempts   int
	Status     Status
	LastError  string
}

// Queue stores tasks. Names are unique across every status.
type Queue interface {
	Create(ctx context.Context, task Task) error
	// Delete removes a pending task and cancels a running one.
	Delete(ctx context.Context, name string) error
	// ClaimDue leases up to limit due tasks, including running tasks whose
	// lease expired, and increments their attempt count.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Task, error)
	// Complete, Retry and Fail settle a running task. They return
	// ErrTaskNotFound once the task was cancelled or re-leased elsewhere.
	Complete(ctx context.Context, name string) error
	Retry(ctx context.Context, name string, at time.Time, reason string) error
	Fail(ctx context.Context, name string, reason string) error
	PurgeFinished(ctx context.Context, before time.Time) (int64, error)
}

// IgnoreNotFound maps ErrTaskNotFound to nil.
func IgnoreNotFound(err error) error {
	if errors.Is(err, ErrTaskNotFound) {
		return nil
	}
	return err
}
