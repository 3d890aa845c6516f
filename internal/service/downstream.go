package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"spotwatt/internal/alerting"
	"spotwatt/internal/domain"
	"spotwatt/internal/storage"
)

// PriceUpdateRequest is the body announcing freshly ingested prices.
type PriceUpdateRequest struct {
	ATPrices  domain.MarketPriceSet `json:"atPrices"`
	DEPrices  domain.MarketPriceSet `json:"dePrices"`
	Timestamp time.Time             `json:"timestamp"`
}

// NewPriceUpdateRequest packs sets into the wire body.
func NewPriceUpdateRequest(sets map[domain.Market]domain.MarketPriceSet, at time.Time) PriceUpdateRequest {
	return PriceUpdateRequest{
		ATPrices:  sets[domain.MarketAT],
		DEPrices:  sets[domain.MarketDE],
		Timestamp: at.UTC(),
	}
}

// Empty reports whether neither market carries prices.
func (r PriceUpdateRequest) Empty() bool {
	return len(r.ATPrices.Prices) == 0 && len(r.DEPrices.Prices) == 0
}

// Sets unpacks the request into per-market sets, skipping markets without prices.
func (r PriceUpdateRequest) Sets() map[domain.Market]domain.MarketPriceSet {
	out := make(map[domain.Market]domain.MarketPriceSet, 2)
	for market, set := range map[domain.Market]domain.MarketPriceSet{domain.MarketAT: r.ATPrices, domain.MarketDE: r.DEPrices} {
		if len(set.Prices) == 0 {
			continue
		}
		set.Market = market
		if set.LastUpdate.IsZero() {
			set.LastUpdate = r.Timestamp
		}
		out[market] = set
	}
	return out
}

// PriceUpdateResult is the downstream response.
type PriceUpdateResult struct {
	Success                bool      `json:"success"`
	PriceUpdatePushes      int       `json:"price_update_pushes"`
	NotificationsScheduled int       `json:"notifications_scheduled"`
	Timestamp              time.Time `json:"timestamp"`
	// Error joins the failed steps when Success is false.
	Error string `json:"error,omitempty"`
}

// Downstream receives every successful price update. On partial failure
// implementations return the counts achieved together with the error.
type Downstream interface {
	PriceUpdated(ctx context.Context, req PriceUpdateRequest) (PriceUpdateResult, error)
}

// HTTPDownstream posts price updates to a remote notification endpoint.
type HTTPDownstream struct {
	url    string
	apiKey string
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPDownstream 构造下游通知客户端。
func NewHTTPDownstream(url, apiKey string, timeout time.Duration, logger zerolog.Logger) *HTTPDownstream {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPDownstream{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "downstream").Logger(),
	}
}

// PriceUpdated 将新价格推送给通知服务。
func (d *HTTPDownstream) PriceUpdated(ctx context.Context, body PriceUpdateRequest) (PriceUpdateResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return PriceUpdateResult{}, fmt.Errorf("marshal price update: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return PriceUpdateResult{}, fmt.Errorf("create downstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return PriceUpdateResult{}, fmt.Errorf("send downstream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return PriceUpdateResult{}, fmt.Errorf("downstream 响应码异常: %d %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var result PriceUpdateResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return PriceUpdateResult{}, fmt.Errorf("decode downstream response: %w", err)
	}
	if !result.Success {
		return result, fmt.Errorf("downstream 部分失败: %s", result.Error)
	}

	d.logger.Info().
		Int("pushes", result.PriceUpdatePushes).
		Int("scheduled", result.NotificationsScheduled).
		Msg("downstream notified")
	return result, nil
}

// Broadcaster sends the silent price-update push.
type Broadcaster interface {
	BroadcastPriceUpdate(ctx context.Context) (alerting.BroadcastResult, error)
}

// BulkScheduler reconciles every subscribed user against new prices.
type BulkScheduler interface {
	ScheduleAll(ctx context.Context, sets map[domain.Market]domain.MarketPriceSet, now time.Time) (int, error)
}

// FanOut is the in-process notification endpoint: it snapshots the prices,
// wakes every client, and reschedules personalised notifications.
type FanOut struct {
	snapshots   storage.SnapshotStore
	broadcaster Broadcaster
	scheduler   BulkScheduler
	now         func() time.Time
	logger      zerolog.Logger
}

// NewFanOut wires the notification fan-out.
func NewFanOut(snapshots storage.SnapshotStore, broadcaster Broadcaster, scheduler BulkScheduler, now func() time.Time, logger zerolog.Logger) *FanOut {
	if now == nil {
		now = time.Now
	}
	return &FanOut{
		snapshots:   snapshots,
		broadcaster: broadcaster,
		scheduler:   scheduler,
		now:         now,
		logger:      logger.With().Str("component", "fanout").Logger(),
	}
}

// PriceUpdated runs every step even when an earlier one fails. The counts of
// the steps that did run are returned alongside the joined error.
func (f *FanOut) PriceUpdated(ctx context.Context, req PriceUpdateRequest) (PriceUpdateResult, error) {
	sets := req.Sets()
	now := f.now().UTC()
	var errs []error

	for _, set := range sets {
		if err := f.snapshots.PutSnapshot(ctx, set); err != nil {
			errs = append(errs, fmt.Errorf("snapshot %s: %w", set.Market, err))
		}
	}

	res := PriceUpdateResult{Timestamp: now}
	broadcast, err := f.broadcaster.BroadcastPriceUpdate(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("broadcast: %w", err))
	}
	res.PriceUpdatePushes = broadcast.Sent

	scheduled, err := f.scheduler.ScheduleAll(ctx, sets, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("schedule: %w", err))
	}
	res.NotificationsScheduled = scheduled

	err = errors.Join(errs...)
	res.Success = err == nil
	if err != nil {
		res.Error = err.Error()
		f.logger.Warn().Err(err).Msg("price update fan-out finished with errors")
	}
	return res, err
}

var (
	_ Downstream = (*HTTPDownstream)(nil)
	_ Downstream = (*FanOut)(nil)
)
