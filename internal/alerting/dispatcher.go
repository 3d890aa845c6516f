// Package alerting delivers scheduled notifications and silent price-update
// pushes to registered devices.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"spotwatt/internal/domain"
	"spotwatt/internal/storage"
)

// sweepLockKey 是 token 清理任务的 advisory lock 键。
const sweepLockKey int64 = 0x5370_6f74_7761_01

// DispatcherOptions 控制批量推送与清理。
type DispatcherOptions struct {
	ChunkSize     int
	Concurrency   int
	InactiveAfter time.Duration
	Now           func() time.Time
}

// Outcome 描述单次投递结果。
type Outcome string

const (
	OutcomeSent        Outcome = "sent"
	OutcomeInvalidated Outcome = "invalidated"

	// OutcomeSkipped 表示推送未配置, 消息没有发出。
	OutcomeSkipped Outcome = "skipped"
)

// BroadcastResult 汇总一次静默推送。
type BroadcastResult struct {
	Tokens      int  `json:"tokens"`
	Sent        int  `json:"sent"`
	Failed      int  `json:"failed"`
	Invalidated int  `json:"invalidated"`
	Skipped     bool `json:"skipped,omitempty"`
}

// Dispatcher 负责投递与 token 生命周期。
type Dispatcher struct {
	sender Sender
	tokens storage.TokenStore
	opts   DispatcherOptions
	logger zerolog.Logger
}

// NewDispatcher 构造投递器。sender 可以是未配置的 nil *FCMSender。
func NewDispatcher(sender Sender, tokens storage.TokenStore, opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 500
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.InactiveAfter <= 0 {
		opts.InactiveAfter = 7 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		sender: sender,
		tokens: tokens,
		opts:   opts,
		logger: logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Deliver 推送一条计划通知。失效 token 会被标记为 inactive, 投递视为完成。
func (d *Dispatcher) Deliver(ctx context.Context, payload domain.DeliveryPayload) (Outcome, error) {
	if payload.Token == "" {
		return "", fmt.Errorf("delivery payload has no token")
	}

	msg := Message{
		Token:     payload.Token,
		Title:     payload.Title,
		Body:      payload.Body,
		Data:      map[string]string{"type": string(payload.Type)},
		TTL:       payload.Type.TTL(),
		ChannelID: payload.Type.ChannelID(),
	}

	if !d.enabled() {
		d.logger.Warn().Str("type", string(payload.Type)).Msg("fcm 未配置, 跳过投递")
		return OutcomeSkipped, nil
	}

	err := d.sender.Send(ctx, msg)
	switch {
	case errors.Is(err, ErrInvalidToken):
		if err := d.tokens.DeactivateTokens(ctx, []string{payload.Token}, d.opts.Now()); err != nil {
			return "", fmt.Errorf("deactivate token: %w", err)
		}
		d.logger.Info().Str("type", string(payload.Type)).Msg("token invalid, marked inactive")
		return OutcomeInvalidated, nil
	case err != nil:
		return "", fmt.Errorf("deliver %s: %w", payload.Type, err)
	}

	d.logger.Info().Str("type", string(payload.Type)).Msg("通知已发送")
	return OutcomeSent, nil
}

// BroadcastPriceUpdate 向所有活跃设备发送静默推送, 分块独立结算。
func (d *Dispatcher) BroadcastPriceUpdate(ctx context.Context) (BroadcastResult, error) {
	active, err := d.tokens.ListActiveTokens(ctx)
	if err != nil {
		return BroadcastResult{}, fmt.Errorf("list active tokens: %w", err)
	}

	res := BroadcastResult{Tokens: len(active)}
	if !d.enabled() {
		d.logger.Warn().Int("tokens", res.Tokens).Msg("fcm 未配置, 跳过静默推送")
		res.Skipped = true
		return res, nil
	}

	msg := Message{
		Data:   map[string]string{"action": "update_prices"},
		TTL:    time.Hour,
		Silent: true,
	}

	var (
		mu   sync.Mutex
		errs []error
	)

	var g errgroup.Group
	g.SetLimit(d.opts.Concurrency)
	for start := 0; start < len(active); start += d.opts.ChunkSize {
		chunk := active[start:min(start+d.opts.ChunkSize, len(active))]
		g.Go(func() error {
			tokens := make([]string, len(chunk))
			for i, tok := range chunk {
				tokens[i] = tok.Token
			}

			results, err := d.sender.SendEach(ctx, tokens, msg)
			if err != nil {
				mu.Lock()
				res.Failed += len(tokens)
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}

			var sent, invalid []string
			failed := 0
			for i, tok := range tokens {
				switch err := results[i]; {
				case err == nil:
					sent = append(sent, tok)
				case errors.Is(err, ErrInvalidToken):
					invalid = append(invalid, tok)
				default:
					failed++
				}
			}

			now := d.opts.Now()
			var chunkErrs []error
			if err := d.tokens.TouchTokens(ctx, sent, now); err != nil {
				chunkErrs = append(chunkErrs, err)
			}
			if err := d.tokens.DeactivateTokens(ctx, invalid, now); err != nil {
				chunkErrs = append(chunkErrs, err)
			}

			mu.Lock()
			res.Sent += len(sent)
			res.Invalidated += len(invalid)
			res.Failed += failed
			errs = append(errs, chunkErrs...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	d.logger.Info().
		Int("tokens", res.Tokens).
		Int("sent", res.Sent).
		Int("failed", res.Failed).
		Int("invalidated", res.Invalidated).
		Msg("price update broadcast")

	return res, errors.Join(errs...)
}

// enabled 兼容未配置时传入的 nil Sender。
func (d *Dispatcher) enabled() bool {
	return d.sender != nil && d.sender.Enabled()
}

// SweepInactive 删除失效超过 InactiveAfter 的 token。
// 多实例部署时通过 advisory lock 保证只有一个实例执行。
func (d *Dispatcher) SweepInactive(ctx context.Context) (int64, error) {
	if locker, ok := d.tokens.(storage.AdvisoryLocker); ok {
		unlock, acquired, err := locker.TryAdvisoryLock(ctx, sweepLockKey)
		if err != nil {
			return 0, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !acquired {
			d.logger.Info().Msg("sweep already running elsewhere")
			return 0, nil
		}
		defer unlock()
	}

	cutoff := d.opts.Now().Add(-d.opts.InactiveAfter)
	removed, err := d.tokens.DeleteInactiveBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	d.logger.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("inactive tokens swept")
	return removed, nil
}
