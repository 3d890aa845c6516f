package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	insertTaskSQL = `INSERT INTO queue_tasks (name, target, payload, schedule_at)
    VALUES ($1, $2, $3, $4)
    ON CONFLICT (name) DO UPDATE
    SET target = EXCLUDED.target,
        payload = EXCLUDED.payload,
        schedule_at = EXCLUDED.schedule_at,
        status = 'pending',
        attempts = 0,
        last_error = NULL,
        locked_until = NULL,
        updated_at = now()
    WHERE queue_tasks.status = 'cancelled';`

	deletePendingTaskSQL = `DELETE FROM queue_tasks WHERE name = $1 AND status = 'pending';`

	cancelRunningTaskSQL = `UPDATE queue_tasks
    SET status = 'cancelled', locked_until = NULL, updated_at = now()
    WHERE name = $1 AND status = 'running';`

	claimDueSQL = `UPDATE queue_tasks
    SET status = 'running',
        attempts = attempts + 1,
        locked_until = $2,
        updated_at = now()
    WHERE name IN (
        SELECT name FROM queue_tasks
        WHERE (status = 'pending' AND schedule_at <= $1)
           OR (status = 'running' AND locked_until < $1)
        ORDER BY schedule_at
        LIMIT $3
        FOR UPDATE SKIP LOCKED
    )
    RETURNING name, target, payload, schedule_at, attempts, status, COALESCE(last_error, '');`

	completeTaskSQL = `UPDATE queue_tasks
    SET status = 'done', locked_until = NULL, updated_at = now()
    WHERE name = $1 AND status = 'running';`

	retryTaskSQL = `UPDATE queue_tasks
    SET status = 'pending', schedule_at = $2, last_error = $3, locked_until = NULL, updated_at = now()
    WHERE name = $1 AND status = 'running';`

	failTaskSQL = `UPDATE queue_tasks
    SET status = 'failed', last_error = $2, locked_until = NULL, updated_at = now()
    WHERE name = $1 AND status = 'running';`

	purgeFinishedSQL = `DELETE FROM queue_tasks
    WHERE status IN ('done', 'failed', 'cancelled')
      AND updated_at < $1;`
)

// ErrNotConfigured indicates the queue pool was not initialised.
var ErrNotConfigured = errors.New("queue: pool not configured")

// Postgres is the queue_tasks-backed Queue. Concurrent runners claim
// disjoint batches through SKIP LOCKED.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) getPool() (*pgxpool.Pool, error) {
	if p == nil || p.pool == nil {
		return nil, ErrNotConfigured
	}
	return p.pool, nil
}

func (p *Postgres) Create(ctx context.Context, task Task) error {
	pool, err := p.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, insertTaskSQL, task.Name, task.Target, []byte(task.Payload), task.ScheduleAt)
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskExists
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, name string) error {
	pool, err := p.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, deletePendingTaskSQL, name)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", name, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return p.exec(ctx, "cancel", cancelRunningTaskSQL, name)
}

func (p *Postgres) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Task, error) {
	pool, err := p.getPool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := pool.Query(ctx, claimDueSQL, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}
	defer rows.Close()

	var claimed []Task
	for rows.Next() {
		var (
			t       Task
			payload []byte
			status  string
		)
		if err := rows.Scan(&t.Name, &t.Target, &payload, &t.ScheduleAt, &t.Attempts, &status, &t.LastError); err != nil {
			return nil, fmt.Errorf("scan claimed task: %w", err)
		}
		t.Payload = payload
		t.Status = Status(status)
		claimed = append(claimed, t)
	}
	return claimed, rows.Err()
}

func (p *Postgres) Complete(ctx context.Context, name string) error {
	return p.exec(ctx, "complete", completeTaskSQL, name)
}

func (p *Postgres) Retry(ctx context.Context, name string, at time.Time, reason string) error {
	return p.exec(ctx, "retry", retryTaskSQL, name, at, reason)
}

func (p *Postgres) Fail(ctx context.Context, name string, reason string) error {
	return p.exec(ctx, "fail", failTaskSQL, name, reason)
}

func (p *Postgres) PurgeFinished(ctx context.Context, before time.Time) (int64, error) {
	pool, err := p.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, purgeFinishedSQL, before)
	if err != nil {
		return 0, fmt.Errorf("purge finished tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) exec(ctx context.Context, op, sql string, args ...any) error {
	pool, err := p.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s task: %w", op, err)
	}
	return requireRow(tag)
}

func requireRow(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

var _ Queue = (*Postgres)(nil)
