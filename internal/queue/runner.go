package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RunnerOptions configure task execution.
type RunnerOptions struct {
	// BaseURL is prefixed to every task target.
	BaseURL      string
	APIKey       string
	BatchSize    int
	Lease        time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	Timeout      time.Duration
}

// Runner executes due tasks by POSTing their payload to BaseURL+Target.
type Runner struct {
	queue  Queue
	opts   RunnerOptions
	client *http.Client
	logger zerolog.Logger
}

// NewRunner builds a runner over q.
func NewRunner(q Queue, opts RunnerOptions, logger zerolog.Logger) *Runner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Runner{
		queue:  q,
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger.With().Str("component", "task_runner").Logger(),
	}
}

// Stats summarise one runner pass.
type Stats struct {
	Done    int
	Retried int
	Failed  int
}

// Tick matches scheduler.TickFunc.
func (r *Runner) Tick(ctx context.Context, at time.Time) error {
	stats, err := r.RunOnce(ctx, at)
	if err != nil {
		return err
	}
	if stats.Done+stats.Retried+stats.Failed > 0 {
		r.logger.Info().
			Int("done", stats.Done).
			Int("retried", stats.Retried).
			Int("failed", stats.Failed).
			Msg("task batch executed")
	}
	return nil
}

// RunOnce claims and executes one batch of due tasks.
func (r *Runner) RunOnce(ctx context.Context, now time.Time) (Stats, error) {
	var stats Stats
	tasks, err := r.queue.ClaimDue(ctx, now, r.opts.BatchSize, r.opts.Lease)
	if err != nil {
		return stats, err
	}

	for _, task := range tasks {
		status, execErr := r.execute(ctx, task)
		switch {
		case execErr == nil && status < 500:
			if status >= 400 {
				r.logger.Warn().Str("task", task.Name).Int("status", status).Msg("task rejected, dropping")
			}
			r.settle(task.Name, "complete", r.queue.Complete(ctx, task.Name))
			stats.Done++
		default:
			reason := fmt.Sprintf("status %d", status)
			if execErr != nil {
				reason = execErr.Error()
			}
			if task.Attempts >= r.opts.MaxAttempts {
				r.logger.Error().Str("task", task.Name).Str("reason", reason).Int("attempts", task.Attempts).Msg("task exhausted retries")
				r.settle(task.Name, "fail", r.queue.Fail(ctx, task.Name, reason))
				stats.Failed++
				continue
			}
			next := now.Add(r.opts.RetryBackoff * time.Duration(task.Attempts))
			r.settle(task.Name, "retry", r.queue.Retry(ctx, task.Name, next, reason))
			stats.Retried++
		}
	}
	return stats, nil
}

// settle logs the result of moving a finished task out of running. A task
// cancelled or re-leased during execution is left as it is.
func (r *Runner) settle(name, op string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrTaskNotFound):
		r.logger.Debug().Str("task", name).Str("op", op).Msg("task no longer running, outcome dropped")
	default:
		r.logger.Error().Err(err).Str("task", name).Str("op", op).Msg("settle task failed")
	}
}

func (r *Runner) execute(ctx context.Context, task Task) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.opts.BaseURL+task.Target, bytes.NewReader(task.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-Name", task.Name)
	if r.opts.APIKey != "" {
		req.Header.Set("X-Api-Key", r.opts.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	return resp.StatusCode, nil
}
