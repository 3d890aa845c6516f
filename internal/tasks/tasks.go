// Package tasks turns planned notification instances into durable delivery
// tasks and keeps them reconciled with each user's latest preferences.
package tasks

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"spotwatt/internal/domain"
	"spotwatt/internal/planner"
	"spotwatt/internal/queue"
	"spotwatt/internal/storage"
)

const (
	DeliverTarget   = "/tasks/deliver"
	RecomputeTarget = "/tasks/recompute"

	DefaultDebounceDelay = 10 * time.Second
	DefaultChunkSize     = 500

	tokenLockStripes = 64
	// tokenLockSpace namespaces per-token advisory lock keys.
	tokenLockSpace int64 = 0x5370_6f74_7761_02 << 8
)

// ErrTokenBusy is returned when another instance holds a token's lock for
// longer than LockWait.
var ErrTokenBusy = errors.New("tasks: token is being reconciled elsewhere")

// DebouncePayload is the body of a recompute task.
type DebouncePayload struct {
	Token     string    `json:"token"`
	ChangedAt time.Time `json:"changed_at"`
}

// Store is the persistence the scheduler needs.
type Store interface {
	storage.PreferenceStore
	storage.TaskIndexStore
	storage.LedgerStore
	storage.SnapshotStore
}

// Options tune the scheduler.
type Options struct {
	DebounceDelay time.Duration
	ChunkSize     int
	// Concurrency caps chunks reconciled in parallel.
	Concurrency int
	// LockWait bounds how long a reconciliation waits for a token held by
	// another instance.
	LockWait time.Duration
	Now      func() time.Time
}

// Result counts the effect of one reconciliation.
type Result struct {
	Created   int  `json:"created"`
	Kept      int  `json:"kept"`
	Cancelled int  `json:"cancelled"`
	Skipped   bool `json:"skipped"`
}

// Scheduled is the number of live delivery tasks after the reconciliation.
func (r Result) Scheduled() int {
	return r.Created + r.Kept
}

// Scheduler owns the delivery tasks of every user.
type Scheduler struct {
	queue  queue.Queue
	store  Store
	opts   Options
	logger zerolog.Logger

	// stripes serialise reconciliations of one token within the process;
	// the store's advisory lock extends that across instances.
	stripes [tokenLockStripes]sync.Mutex
}

// New constructs a Scheduler.
func New(q queue.Queue, store Store, opts Options, logger zerolog.Logger) *Scheduler {
	if opts.DebounceDelay <= 0 {
		opts.DebounceDelay = DefaultDebounceDelay
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		queue:  q,
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "task_scheduler").Logger(),
	}
}

// PreferencesChanged queues a debounce task for token. Every call creates a
// distinct task; the freshness check in HandleDebounce collapses bursts.
func (s *Scheduler) PreferencesChanged(ctx context.Context, token string, changedAt time.Time) (string, error) {
	payload, err := json.Marshal(DebouncePayload{Token: token, ChangedAt: changedAt.UTC()})
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("debounce-%s-%d-%s", digest(token)[:16], changedAt.UnixNano(), uuid.NewString())
	task := queue.Task{
		Name:       name,
		Target:     RecomputeTarget,
		Payload:    payload,
		ScheduleAt: s.opts.Now().Add(s.opts.DebounceDelay),
	}
	if err := s.queue.Create(ctx, task); err != nil {
		return "", fmt.Errorf("create debounce task: %w", err)
	}
	return name, nil
}

// HandleDebounce recomputes token's tasks unless a newer edit superseded changedAt.
func (s *Scheduler) HandleDebounce(ctx context.Context, token string, changedAt time.Time) (Result, error) {
	prefs, err := s.store.GetPreferences(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Info().Str("token", shortToken(token)).Msg("preferences gone, nothing to recompute")
		return Result{Skipped: true}, nil
	}
	if err != nil {
		return Result{}, err
	}

	if prefs.LastUpdated.After(changedAt) {
		s.logger.Debug().
			Str("token", shortToken(token)).
			Time("changed_at", changedAt).
			Time("last_updated", prefs.LastUpdated).
			Msg("newer edit pending, skipping stale debounce")
		return Result{Skipped: true}, nil
	}

	// the stored snapshot is loaded under the token lock
	return s.Reconcile(ctx, prefs, domain.MarketPriceSet{Market: prefs.Market}, s.opts.Now())
}

// Reconcile replaces the recorded delivery tasks of prefs.Token with the
// ones planned from set at now. Handles are content addressed, so repeated
// calls with identical inputs leave the queue unchanged.
//
// Reconciliations of one token are serialised. Inside the lock the stored
// preferences and price snapshot win over the arguments when they are
// newer, so a caller holding a stale copy cannot overwrite a fresher plan.
func (s *Scheduler) Reconcile(ctx context.Context, prefs domain.Preferences, set domain.MarketPriceSet, now time.Time) (Result, error) {
	unlock, err := s.lockToken(ctx, prefs.Token)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	prefs, set, err = s.freshest(ctx, prefs, set)
	if err != nil {
		return Result{}, err
	}
	return s.reconcile(ctx, prefs, set, now)
}

// freshest swaps in the stored preferences and snapshot when they are newer.
func (s *Scheduler) freshest(ctx context.Context, prefs domain.Preferences, set domain.MarketPriceSet) (domain.Preferences, domain.MarketPriceSet, error) {
	stored, err := s.store.GetPreferences(ctx, prefs.Token)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return prefs, set, fmt.Errorf("reload preferences: %w", err)
	case stored.LastUpdated.After(prefs.LastUpdated):
		s.logger.Debug().
			Str("token", shortToken(prefs.Token)).
			Time("listed", prefs.LastUpdated).
			Time("stored", stored.LastUpdated).
			Msg("newer preferences stored, planning from them")
		prefs = stored
	}

	if set.Market != prefs.Market {
		set = domain.MarketPriceSet{Market: prefs.Market}
	}
	snapshot, err := s.store.GetSnapshot(ctx, prefs.Market)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return prefs, set, fmt.Errorf("load snapshot: %w", err)
	case len(set.Prices) == 0 || snapshot.LastUpdate.After(set.LastUpdate):
		set = snapshot
	}
	return prefs, set, nil
}

// lockToken serialises work on token. With a store that offers advisory
// locks the lock also holds across instances, waiting up to LockWait.
func (s *Scheduler) lockToken(ctx context.Context, token string) (func(), error) {
	sum := sha256.Sum256([]byte(token))
	stripe := &s.stripes[int(sum[0])%tokenLockStripes]
	stripe.Lock()

	locker, ok := s.store.(storage.AdvisoryLocker)
	if !ok {
		return stripe.Unlock, nil
	}

	key := tokenLockSpace ^ int64(binary.BigEndian.Uint64(sum[:8])>>8)
	deadline := time.Now().Add(s.opts.LockWait)
	for {
		release, acquired, err := locker.TryAdvisoryLock(ctx, key)
		if err != nil {
			stripe.Unlock()
			return nil, fmt.Errorf("lock token: %w", err)
		}
		if acquired {
			return func() {
				release()
				stripe.Unlock()
			}, nil
		}
		if time.Now().After(deadline) {
			stripe.Unlock()
			return nil, ErrTokenBusy
		}
		select {
		case <-ctx.Done():
			stripe.Unlock()
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (s *Scheduler) reconcile(ctx context.Context, prefs domain.Preferences, set domain.MarketPriceSet, now time.Time) (Result, error) {
	var res Result
	prefs.SyncDerived()

	previous, err := s.store.GetTaskIndex(ctx, prefs.Token)
	if err != nil {
		return res, fmt.Errorf("load task index: %w", err)
	}

	var planned []domain.NotificationInstance
	if prefs.HasAnyNotificationEnabled {
		planned = planner.Plan(prefs, set, now)
	}

	wanted := make(map[string]struct{}, len(planned))
	for _, inst := range planned {
		wanted[Handle(prefs.Token, inst)] = struct{}{}
	}
	known := make(map[string]struct{})

	var errs []error
	for _, h := range previous.Handles() {
		known[h] = struct{}{}
		if _, keep := wanted[h]; keep {
			continue
		}
		if err := queue.IgnoreNotFound(s.queue.Delete(ctx, h)); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", h, err))
			continue
		}
		res.Cancelled++
	}

	next := storage.TaskIndex{}
	var ledger []storage.LedgerEntry
	for _, inst := range planned {
		h := Handle(prefs.Token, inst)
		payload, err := json.Marshal(domain.DeliveryPayload{Token: prefs.Token, Title: inst.Title, Body: inst.Body, Type: inst.Type})
		if err != nil {
			errs = append(errs, err)
			continue
		}

		err = s.queue.Create(ctx, queue.Task{Name: h, Target: DeliverTarget, Payload: payload, ScheduleAt: inst.FireAt})
		switch {
		case err == nil:
			res.Created++
			ledger = append(ledger, storage.LedgerEntry{
				Token: prefs.Token, Type: inst.Type, Handle: h,
				FireAt: inst.FireAt, Title: inst.Title, Body: inst.Body, CreatedAt: now,
			})
		case errors.Is(err, queue.ErrTaskExists):
			if _, ok := known[h]; !ok {
				s.logger.Debug().Str("handle", h).Msg("adopting existing task")
			}
			res.Kept++
		default:
			errs = append(errs, fmt.Errorf("create %s: %w", h, err))
			continue
		}
		next[inst.Type] = append(next[inst.Type], h)
	}

	if err := s.store.PutTaskIndex(ctx, prefs.Token, next); err != nil {
		errs = append(errs, fmt.Errorf("persist task index: %w", err))
	}
	if err := s.store.AppendLedger(ctx, ledger); err != nil {
		s.logger.Warn().Err(err).Str("token", shortToken(prefs.Token)).Msg("ledger append failed")
	}

	s.logger.Debug().
		Str("token", shortToken(prefs.Token)).
		Int("created", res.Created).
		Int("kept", res.Kept).
		Int("cancelled", res.Cancelled).
		Msg("tasks reconciled")

	return res, errors.Join(errs...)
}

// ScheduleAll reconciles every user with notifications enabled against the
// price set of their market. Chunks settle independently; the returned error
// joins every per-user failure.
func (s *Scheduler) ScheduleAll(ctx context.Context, sets map[domain.Market]domain.MarketPriceSet, now time.Time) (int, error) {
	users, err := s.store.ListEnabledPreferences(ctx)
	if err != nil {
		return 0, fmt.Errorf("list enabled preferences: %w", err)
	}

	var (
		mu        sync.Mutex
		scheduled int
		failed    int
		errs      []error
	)

	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for start := 0; start < len(users); start += s.opts.ChunkSize {
		end := min(start+s.opts.ChunkSize, len(users))
		chunk := users[start:end]
		g.Go(func() error {
			for _, prefs := range chunk {
				set, ok := sets[prefs.Market]
				if !ok || len(set.Prices) == 0 {
					continue
				}
				// prefs may be stale by now; Reconcile re-reads under the token lock
				res, err := s.Reconcile(ctx, prefs, set, now)
				mu.Lock()
				scheduled += res.Scheduled()
				if err != nil {
					failed++
					errs = append(errs, fmt.Errorf("user %s: %w", shortToken(prefs.Token), err))
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info().
		Int("users", len(users)).
		Int("scheduled", scheduled).
		Int("failed", failed).
		Msg("personalised notifications scheduled")

	return scheduled, errors.Join(errs...)
}

// Handle names the delivery task of inst for token.
func Handle(token string, inst domain.NotificationInstance) string {
	return "deliver-" + digest(token, string(inst.Type), strconv.FormatInt(inst.FireAt.Unix(), 10), inst.Title, inst.Body)[:40]
}

func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func shortToken(token string) string {
	if len(token) <= 12 {
		return token
	}
	return token[:12] + "..."
}
