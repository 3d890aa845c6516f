package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"spotwatt/internal/api"
	"spotwatt/internal/queue"
	"spotwatt/internal/scheduler"
)

// Serve runs the HTTP API, the ingestion cron, the task runner, and the
// maintenance loop until SIGINT/SIGTERM.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	cfg := a.Config

	cron, err := scheduler.NewCron(cfg.Ingestion.Cron, cfg.CronLocation(), cfg.Ingestion.Budget, a.Logger)
	if err != nil {
		return err
	}

	runner := queue.NewRunner(rt.queue, queue.RunnerOptions{
		BaseURL:      cfg.Queue.TargetBaseURL,
		APIKey:       cfg.API.InternalAPIKey,
		BatchSize:    cfg.Queue.BatchSize,
		Lease:        cfg.Queue.Lease,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		RetryBackoff: cfg.Queue.RetryBackoff,
		Timeout:      cfg.Queue.RequestTimeout,
	}, a.Logger)
	poller := scheduler.New(scheduler.Options{Name: "task_poller", Interval: cfg.Queue.PollInterval, StartupDelay: time.Second}, a.Logger)
	sweeper := scheduler.New(scheduler.Options{Name: "maintenance", Interval: cfg.Notifications.SweepInterval, AlignToStart: true}, a.Logger)

	router := api.NewRouter(api.Deps{
		Cache:              rt.cache,
		Ingestion:          rt.ingestion,
		Upstream:           rt.fetcher,
		Tokens:             rt.repo,
		Preferences:        rt.repo,
		Providers:          rt.providers,
		Tasks:              rt.tasks,
		Dispatcher:         rt.dispatcher,
		PriceUpdates:       rt.downstream,
		UpstreamConfigured: cfg.ENTSOE.SecurityToken != "",
	}, api.Options{
		AdminKey:       cfg.API.AdminKey,
		InternalAPIKey: cfg.API.InternalAPIKey,
		RateLimit:      cfg.API.RateLimit,
		RateBurst:      cfg.API.RateBurst,
		AllowedOrigins: cfg.API.AllowedOrigins,
	}, a.Logger)
	server := api.NewServer(cfg.API.Addr, router, cfg.API.ReadTimeout, cfg.API.WriteTimeout, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return cron.Run(gctx, rt.ingestion.Tick) })
	g.Go(func() error { return poller.Run(gctx, runner.Tick) })
	g.Go(func() error {
		return sweeper.Run(gctx, func(ctx context.Context, _ time.Time) error {
			_, err := a.maintain(ctx, rt)
			return err
		})
	})
	g.Go(func() error {
		rt.cache.EvictLoop(gctx, cfg.Cache.EvictInterval)
		return nil
	})

	a.Logger.Info().
		Str("addr", cfg.API.Addr).
		Str("cron", cfg.Ingestion.Cron).
		Bool("fcm", rt.sender.Enabled()).
		Bool("postgres", rt.store != nil).
		Msg("starting spotwatt")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("spotwatt stopped")
	return nil
}
