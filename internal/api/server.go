// Package api exposes prices, device registration, preferences, and the
// internal task endpoints over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"spotwatt/internal/alerting"
	"spotwatt/internal/domain"
	"spotwatt/internal/fetcher"
	"spotwatt/internal/providers"
	"spotwatt/internal/service"
	"spotwatt/internal/storage"
	"spotwatt/internal/tasks"
)

// PriceCache is the cache surface the price endpoint needs.
type PriceCache interface {
	GetRaw(ctx context.Context, market domain.Market) ([]byte, string, bool, error)
	Put(ctx context.Context, set domain.MarketPriceSet) error
	Delete(ctx context.Context, markets ...domain.Market) error
}

// Ingestion runs ingestion cycles and serves cache misses.
type Ingestion interface {
	Run(ctx context.Context, opts service.RunOptions) (service.Outcome, error)
	FetchMarket(ctx context.Context, market domain.Market) (domain.MarketPriceSet, error)
	State() service.State
}

// TaskScheduler reacts to preference edits and debounce tasks.
type TaskScheduler interface {
	PreferencesChanged(ctx context.Context, token string, changedAt time.Time) (string, error)
	HandleDebounce(ctx context.Context, token string, changedAt time.Time) (tasks.Result, error)
}

// Deliverer pushes a single scheduled notification.
type Deliverer interface {
	Deliver(ctx context.Context, payload domain.DeliveryPayload) (alerting.Outcome, error)
}

// Deps are the collaborators of the HTTP handlers.
type Deps struct {
	Cache        PriceCache
	Ingestion    Ingestion
	Upstream     fetcher.PriceFetcher
	Tokens       storage.TokenStore
	Preferences  storage.PreferenceStore
	Providers    *providers.Registry
	Tasks        TaskScheduler
	Dispatcher   Deliverer
	PriceUpdates service.Downstream
	// UpstreamConfigured is false when no ENTSO-E security token is set.
	UpstreamConfigured bool
	Now                func() time.Time
}

// Options configure the HTTP surface.
type Options struct {
	AdminKey       string
	InternalAPIKey string
	RateLimit      float64
	RateBurst      int
	AllowedOrigins []string
}

type handler struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger
}

// NewRouter wires middleware and routes.
func NewRouter(deps Deps, opts Options, logger zerolog.Logger) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	h := &handler{deps: deps, opts: opts, logger: logger.With().Str("component", "api").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)

	c := cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Api-Key", "If-None-Match"},
		ExposedHeaders: []string{"ETag"},
		MaxAge:         3600,
	})
	r.Use(c.Handler)

	r.Use(optionsNoContent)

	r.Get("/health", h.health)

	r.Group(func(r chi.Router) {
		if opts.RateLimit > 0 {
			r.Use(newIPLimiter(opts.RateLimit, opts.RateBurst, deps.Now).middleware)
		}
		r.Get("/prices", h.prices)
		r.Get("/providers", h.providers)
		r.Post("/fcm/register", h.register)
		r.Post("/fcm/unregister", h.unregister)
		r.Get("/preferences", h.getPreferences)
		r.Post("/preferences", h.putPreferences)
	})

	r.Group(func(r chi.Router) {
		r.Use(requireKey(opts.InternalAPIKey))
		r.Post("/notifications/price-update", h.priceUpdate)
		r.Post(tasks.DeliverTarget, h.deliver)
		r.Post(tasks.RecomputeTarget, h.recompute)
	})

	return r
}

// Server is the HTTP listener of the serve command.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer wraps handler in an http.Server.
func NewServer(addr string, handler http.Handler, readTimeout, writeTimeout time.Duration, logger zerolog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       readTimeout,
			WriteTimeout:      writeTimeout,
		},
		logger: logger.With().Str("component", "http_server").Logger(),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("http server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}
