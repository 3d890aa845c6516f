// Package service runs the ingestion cycle: decide whether tomorrow's prices
// are missing, fetch and normalise them, cache them and notify downstream.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"spotwatt/internal/domain"
	"spotwatt/internal/entsoe"
	"spotwatt/internal/fetcher"
	"spotwatt/internal/storage"
	"spotwatt/internal/tradingday"
)

// State is a step of the ingestion cycle.
type State string

const (
	StateIdle                State = "idle"
	StateCheckingCache       State = "checking_cache"
	StateFetching            State = "fetching"
	StateAggregating         State = "aggregating"
	StateCaching             State = "caching"
	StateNotifyingDownstream State = "notifying_downstream"
)

// Result classifies how a run ended.
type Result string

const (
	ResultGated    Result = "gated"
	ResultFresh    Result = "fresh"
	ResultDeferred Result = "deferred"
	ResultUpdated  Result = "updated"
	ResultFailed   Result = "failed"
)

// Defaults of Options.
const (
	DefaultMinLocalHour       = 13
	DefaultMaxAttempts        = 5
	DefaultAttemptTTL         = 6 * time.Hour
	DefaultBudget             = 60 * time.Second
	DefaultPostSuccessReserve = 15 * time.Second
)

// PriceCache is the part of cache.PriceCache the orchestrator uses.
type PriceCache interface {
	Get(ctx context.Context, market domain.Market) (domain.MarketPriceSet, bool, error)
	Put(ctx context.Context, set domain.MarketPriceSet) error
}

// Options tune the ingestion cycle.
type Options struct {
	Markets            []domain.Market
	MinLocalHour       int
	MaxAttempts        int64
	AttemptTTL         time.Duration
	Budget             time.Duration
	PostSuccessReserve time.Duration
	Now                func() time.Time
}

// RunOptions alter a single run.
type RunOptions struct {
	// Force skips the local-hour gate.
	Force bool
}

// Outcome reports what a run did.
type Outcome struct {
	State       State              `json:"state"`
	Result      Result             `json:"result"`
	Reason      string             `json:"reason,omitempty"`
	Attempt     int64              `json:"attempt,omitempty"`
	LastAttempt bool               `json:"last_attempt,omitempty"`
	Markets     []domain.Market    `json:"markets,omitempty"`
	Downstream  *PriceUpdateResult `json:"downstream,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	Elapsed     time.Duration      `json:"elapsed"`
}

// Service orchestrates fetching, normalisation, caching, and fan-out.
type Service struct {
	fetcher    fetcher.PriceFetcher
	parser     *entsoe.Parser
	aggregator *entsoe.Aggregator
	cache      PriceCache
	kv         storage.KVStore
	snapshots  storage.SnapshotStore
	downstream Downstream
	opts       Options
	logger     zerolog.Logger

	mu    sync.Mutex
	state State
}

// New constructs the ingestion service. downstream may be nil.
func New(f fetcher.PriceFetcher, parser *entsoe.Parser, aggregator *entsoe.Aggregator, cache PriceCache, kv storage.KVStore, snapshots storage.SnapshotStore, downstream Downstream, opts Options, logger zerolog.Logger) *Service {
	if len(opts.Markets) == 0 {
		opts.Markets = domain.Markets
	}
	if opts.MinLocalHour <= 0 {
		opts.MinLocalHour = DefaultMinLocalHour
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.AttemptTTL <= 0 {
		opts.AttemptTTL = DefaultAttemptTTL
	}
	if opts.Budget <= 0 {
		opts.Budget = DefaultBudget
	}
	if opts.PostSuccessReserve <= 0 || opts.PostSuccessReserve >= opts.Budget {
		opts.PostSuccessReserve = opts.Budget / 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		fetcher:    f,
		parser:     parser,
		aggregator: aggregator,
		cache:      cache,
		kv:         kv,
		snapshots:  snapshots,
		downstream: downstream,
		opts:       opts,
		logger:     logger.With().Str("component", "ingestion").Logger(),
		state:      StateIdle,
	}
}

// State reports the step the current run is in.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) enter(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.logger.Debug().Str("state", string(state)).Msg("state transition")
}

// Tick adapts Run to the cron trigger.
func (s *Service) Tick(ctx context.Context, _ time.Time) error {
	out, err := s.Run(ctx, RunOptions{})
	if err != nil {
		return err
	}
	s.logger.Info().Str("result", string(out.Result)).Str("reason", out.Reason).Msg("ingestion tick finished")
	return nil
}

// AttemptKey names the attempt counter of day.
func AttemptKey(day time.Time) string {
	return "attempt_count_" + day.UTC().Format("2006-01-02")
}

// Run executes one ingestion cycle. Failures are returned together with an
// Outcome whose Result is ResultFailed; the cache is not touched.
func (s *Service) Run(ctx context.Context, opts RunOptions) (Outcome, error) {
	now := s.opts.Now().UTC()
	out := Outcome{StartedAt: now, State: StateIdle}
	defer func() {
		s.enter(StateIdle)
	}()

	ctx, cancel := context.WithTimeout(ctx, s.opts.Budget)
	defer cancel()

	finish := func(result Result, reason string) Outcome {
		out.Result = result
		out.Reason = reason
		out.Elapsed = s.opts.Now().Sub(now)
		return out
	}

	if !opts.Force && !s.pastPublication(now) {
		return finish(ResultGated, fmt.Sprintf("local hour before %02d:00", s.opts.MinLocalHour)), nil
	}

	out.State = StateCheckingCache
	s.enter(StateCheckingCache)
	stale := s.staleMarkets(ctx, now)
	if len(stale) == 0 {
		s.logger.Info().Msg("tomorrow's prices already cached")
		out.State = StateIdle
		return finish(ResultFresh, "tomorrow's prices already cached"), nil
	}

	key := AttemptKey(now)
	attempt, err := s.kv.IncrementKV(ctx, key, s.opts.AttemptTTL)
	if err != nil {
		return finish(ResultFailed, "attempt counter unavailable"), fmt.Errorf("increment attempt counter: %w", err)
	}
	out.Attempt = attempt
	out.LastAttempt = attempt >= s.opts.MaxAttempts

	unpublished := s.unpublished(ctx, stale)
	if len(unpublished) > 0 {
		if !out.LastAttempt {
			s.logger.Info().
				Int64("attempt", attempt).
				Strs("markets", marketStrings(unpublished)).
				Msg("primary position not yet published, deferring")
			return finish(ResultDeferred, "primary position not yet published"), nil
		}
		s.logger.Warn().
			Int64("attempt", attempt).
			Strs("markets", marketStrings(unpublished)).
			Msg("last attempt, emergency fallback to secondary position")
	}

	workCtx, cancelWork := context.WithTimeout(ctx, s.opts.Budget-s.opts.PostSuccessReserve)
	defer cancelWork()

	out.State = StateFetching
	s.enter(StateFetching)
	docs, err := s.fetchAll(workCtx)
	if err != nil {
		s.logger.Error().Err(err).Int64("attempt", attempt).Msg("ingestion failed")
		return finish(ResultFailed, err.Error()), err
	}

	out.State = StateAggregating
	s.enter(StateAggregating)
	sets := make(map[domain.Market]domain.MarketPriceSet, len(docs))
	for _, m := range s.opts.Markets {
		set, err := s.normalize(m, docs[m])
		if err != nil {
			s.logger.Error().Err(err).Int64("attempt", attempt).Msg("ingestion failed")
			return finish(ResultFailed, err.Error()), err
		}
		sets[m] = set
	}

	// after-success steps get their own reserve so a slow fetch cannot starve them
	postCtx, cancelPost := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PostSuccessReserve)
	defer cancelPost()

	out.State = StateCaching
	s.enter(StateCaching)
	if err := s.store(postCtx, sets); err != nil {
		s.logger.Error().Err(err).Msg("cache write failed")
		return finish(ResultFailed, err.Error()), err
	}
	if err := s.kv.DeleteKV(postCtx, key); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("reset attempt counter failed")
	}
	out.Markets = append(out.Markets, s.opts.Markets...)

	out.State = StateNotifyingDownstream
	s.enter(StateNotifyingDownstream)
	if s.downstream != nil {
		res, err := s.downstream.PriceUpdated(postCtx, NewPriceUpdateRequest(sets, now))
		if err != nil {
			s.logger.Warn().Err(err).Msg("downstream notification failed")
		}
		if err == nil || res != (PriceUpdateResult{}) {
			out.Downstream = &res
		}
	}

	s.logger.Info().
		Int64("attempt", attempt).
		Strs("markets", marketStrings(out.Markets)).
		Msg("prices updated")
	return finish(ResultUpdated, "prices updated"), nil
}

// FetchMarket fetches, parses, and aggregates the current trading window of market.
func (s *Service) FetchMarket(ctx context.Context, market domain.Market) (domain.MarketPriceSet, error) {
	raw, err := s.fetcher.Fetch(ctx, market)
	if err != nil {
		return domain.MarketPriceSet{}, fmt.Errorf("fetch %s: %w", market, err)
	}
	return s.normalize(market, raw)
}

func (s *Service) normalize(market domain.Market, raw []byte) (domain.MarketPriceSet, error) {
	periods, err := s.parser.Parse(raw)
	if err != nil {
		return domain.MarketPriceSet{}, fmt.Errorf("parse %s: %w", market, err)
	}
	points := s.aggregator.Aggregate(periods)
	if len(points) == 0 {
		return domain.MarketPriceSet{}, fmt.Errorf("%s: no price points in document", market)
	}
	return domain.MarketPriceSet{Market: market, LastUpdate: s.opts.Now().UTC(), Prices: points}, nil
}

func (s *Service) pastPublication(now time.Time) bool {
	for _, m := range s.opts.Markets {
		if tradingday.LocalHour(m.Location(), now) >= s.opts.MinLocalHour {
			return true
		}
	}
	return false
}

func (s *Service) staleMarkets(ctx context.Context, now time.Time) []domain.Market {
	var stale []domain.Market
	for _, m := range s.opts.Markets {
		set, ok, err := s.cache.Get(ctx, m)
		if err != nil {
			s.logger.Warn().Err(err).Str("market", string(m)).Msg("cache read failed, treating as stale")
			stale = append(stale, m)
			continue
		}
		next := tradingday.NextDay(m.Location(), now)
		if !ok || !set.HasPointIn(next.Start, next.End) {
			stale = append(stale, m)
		}
	}
	return stale
}

func (s *Service) unpublished(ctx context.Context, markets []domain.Market) []domain.Market {
	var out []domain.Market
	for _, m := range markets {
		ok, err := entsoe.PrimaryPublished(ctx, s.fetcher, m)
		if err != nil {
			s.logger.Warn().Err(err).Str("market", string(m)).Msg("availability check failed")
		}
		if !ok {
			out = append(out, m)
		}
	}
	return out
}

func (s *Service) fetchAll(ctx context.Context) (map[domain.Market][]byte, error) {
	var mu sync.Mutex
	docs := make(map[domain.Market][]byte, len(s.opts.Markets))

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range s.opts.Markets {
		g.Go(func() error {
			raw, err := s.fetcher.Fetch(gctx, m)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", m, err)
			}
			mu.Lock()
			docs[m] = raw
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *Service) store(ctx context.Context, sets map[domain.Market]domain.MarketPriceSet) error {
	var errs []error
	for _, m := range s.opts.Markets {
		set := sets[m]
		if err := s.cache.Put(ctx, set); err != nil {
			errs = append(errs, fmt.Errorf("cache %s: %w", m, err))
			continue
		}
		if s.snapshots != nil {
			if err := s.snapshots.PutSnapshot(ctx, set); err != nil {
				s.logger.Warn().Err(err).Str("market", string(m)).Msg("snapshot write failed")
			}
		}
	}
	return errors.Join(errs...)
}

func marketStrings(markets []domain.Market) []string {
	out := make([]string, len(markets))
	for i, m := range markets {
		out[i] = string(m)
	}
	return out
}
