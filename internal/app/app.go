package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"spotwatt/internal/alerting"
	"spotwatt/internal/cache"
	"spotwatt/internal/config"
	"spotwatt/internal/entsoe"
	"spotwatt/internal/fetcher"
	"spotwatt/internal/providers"
	"spotwatt/internal/queue"
	"spotwatt/internal/service"
	"spotwatt/internal/storage"
	"spotwatt/internal/tasks"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// runtime is the wired object graph shared by serve and the one-shot commands.
type runtime struct {
	repo       storage.Repository
	store      *storage.Store
	queue      queue.Queue
	cache      *cache.PriceCache
	fetcher    *fetcher.ENTSOE
	ingestion  *service.Service
	sender     *alerting.FCMSender
	dispatcher *alerting.Dispatcher
	tasks      *tasks.Scheduler
	providers  *providers.Registry
	downstream service.Downstream
	close      func()
}

// openRepository connects to Postgres, or falls back to process memory when
// no DSN is configured.
func (a *App) openRepository(ctx context.Context) (storage.Repository, *storage.Store, queue.Queue, error) {
	store, err := storage.Open(ctx, a.Config.Database, a.Config.App.Name)
	if errors.Is(err, storage.ErrNotConfigured) {
		a.Logger.Warn().Msg("database.dsn 未配置, 使用内存存储, 重启后数据丢失")
		return storage.NewMemory(nil), nil, queue.NewMemory(), nil
	}
	if err != nil {
		return nil, nil, nil, err
	}

	if a.Config.Database.AutoMigrate {
		applied, err := store.Migrate(ctx)
		if err != nil {
			store.Close()
			return nil, nil, nil, err
		}
		if len(applied) > 0 {
			a.Logger.Info().Strs("versions", applied).Msg("migrations applied")
		}
	}
	return store, store, queue.NewPostgres(store.Pool()), nil
}

func (a *App) build(ctx context.Context) (*runtime, error) {
	cfg := a.Config

	repo, store, q, err := a.openRepository(ctx)
	if err != nil {
		return nil, err
	}
	rt := &runtime{repo: repo, store: store, queue: q, close: func() {}}
	if store != nil {
		rt.close = store.Close
	}

	rt.providers, err = providers.Load()
	if err != nil {
		rt.close()
		return nil, err
	}

	rt.cache = cache.New(repo, cache.Options{TTL: cfg.Cache.TTL, LocalTTL: cfg.Cache.LocalTTL}, a.Logger)
	rt.fetcher = fetcher.New(fetcher.Options{
		BaseURL:           cfg.ENTSOE.BaseURL,
		SecurityToken:     cfg.ENTSOE.SecurityToken,
		Timeout:           cfg.ENTSOE.RequestTimeout,
		MaxRetries:        cfg.ENTSOE.MaxRetries,
		RetryDelay:        cfg.ENTSOE.RetryDelay,
		RequestsPerSecond: cfg.ENTSOE.RequestsPerSecond,
		Burst:             cfg.ENTSOE.Burst,
		UserAgent:         cfg.ENTSOE.UserAgent,
	}, a.Logger)

	rt.sender, err = alerting.NewFCMSender(ctx, alerting.FCMOptions{
		ProjectID:       cfg.FCM.ProjectID,
		CredentialsFile: cfg.FCM.CredentialsFile,
		Timeout:         cfg.FCM.RequestTimeout,
	}, a.Logger)
	if err != nil {
		rt.close()
		return nil, err
	}
	if !rt.sender.Enabled() {
		a.Logger.Warn().Msg("fcm 未配置, 推送将被跳过")
	}

	rt.dispatcher = alerting.NewDispatcher(rt.sender, repo, alerting.DispatcherOptions{
		ChunkSize:     cfg.Notifications.ChunkSize,
		Concurrency:   cfg.Notifications.Concurrency,
		InactiveAfter: cfg.Notifications.InactiveAfter,
	}, a.Logger)

	rt.tasks = tasks.New(q, repo, tasks.Options{
		DebounceDelay: cfg.Notifications.DebounceDelay,
		ChunkSize:     cfg.Notifications.ChunkSize,
		Concurrency:   cfg.Notifications.Concurrency,
	}, a.Logger)

	if cfg.Notifications.Endpoint != "" {
		rt.downstream = service.NewHTTPDownstream(cfg.Notifications.Endpoint, cfg.Notifications.EndpointAPIKey, cfg.Ingestion.PostSuccessReserve, a.Logger)
	} else {
		rt.downstream = service.NewFanOut(repo, rt.dispatcher, rt.tasks, nil, a.Logger)
	}

	rt.ingestion = service.New(
		rt.fetcher,
		entsoe.NewParser(cfg.ENTSOE.MaxPeriod, a.Logger),
		entsoe.NewAggregator(a.Logger),
		rt.cache,
		repo,
		repo,
		rt.downstream,
		service.Options{
			MinLocalHour:       cfg.Ingestion.MinLocalHour,
			MaxAttempts:        cfg.Ingestion.MaxAttempts,
			AttemptTTL:         cfg.Ingestion.AttemptTTL,
			Budget:             cfg.Ingestion.Budget,
			PostSuccessReserve: cfg.Ingestion.PostSuccessReserve,
		},
		a.Logger,
	)

	return rt, nil
}

type kvPurger interface {
	PurgeExpiredKV(ctx context.Context) (int64, error)
}

// maintain removes stale tokens, finished tasks, and expired KV entries.
func (a *App) maintain(ctx context.Context, rt *runtime) (MaintenanceResult, error) {
	var res MaintenanceResult
	var errs []error

	removed, err := rt.dispatcher.SweepInactive(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep tokens: %w", err))
	}
	res.Tokens = removed

	purged, err := rt.queue.PurgeFinished(ctx, time.Now().UTC().Add(-a.Config.Queue.Retention))
	if err != nil {
		errs = append(errs, fmt.Errorf("purge tasks: %w", err))
	}
	res.Tasks = purged

	if p, ok := rt.repo.(kvPurger); ok {
		expired, err := p.PurgeExpiredKV(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge kv: %w", err))
		}
		res.KV = expired
	}

	a.Logger.Info().
		Int64("tokens", res.Tokens).
		Int64("tasks", res.Tasks).
		Int64("kv", res.KV).
		Msg("maintenance finished")
	return res, errors.Join(errs...)
}

// MaintenanceResult counts rows removed by a maintenance pass.
type MaintenanceResult struct {
	Tokens int64
	Tasks  int64
	KV     int64
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Market string
	// Token selects whose cost model renders the effective column.
	Token string
}

// PlanOptions configure the plan command.
type PlanOptions struct {
	Token string
	// Apply reconciles the delivery tasks instead of only printing them.
	Apply bool
}

// ExportOptions hold parameters for exporting a market's price curve.
type ExportOptions struct {
	Market  string
	Token   string
	PNGPath string
	CSVPath string
}
