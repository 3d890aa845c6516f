// Package fetcher talks to the ENTSO-E transparency platform.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"spotwatt/internal/domain"
	"spotwatt/internal/tradingday"
	"spotwatt/internal/version"
)

const (
	documentTypeDayAhead = "A44"
	contractDaily        = "A01"
	periodLayout         = "200601021504"
	maxBodyBytes         = 8 << 20
)

// ErrMissingToken is returned when no security token is configured.
var ErrMissingToken = errors.New("entsoe security token not configured")

// FetchError carries the upstream status and body of a failed request.
type FetchError struct {
	Status int
	Body   string
}

func (e *FetchError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("entsoe api error (%d): %s", e.Status, strings.TrimSpace(body))
}

var transientMarkers = []string{"999", "maintenance", "overload", "temporary", "server error"}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var fe *FetchError
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.Status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	case http.StatusBadRequest:
		body := strings.ToLower(fe.Body)
		for _, marker := range transientMarkers {
			if strings.Contains(body, marker) {
				return true
			}
		}
	}
	return false
}

// Query narrows a raw request. A nil Position requests every series; the
// day offset shifts the trading-day window by whole local days.
type Query struct {
	Position  *int
	DayOffset int
}

// PriceFetcher retrieves day-ahead documents.
type PriceFetcher interface {
	Fetch(ctx context.Context, market domain.Market) ([]byte, error)
	FetchRaw(ctx context.Context, market domain.Market, q Query) ([]byte, error)
}

// Options parameterise the ENTSO-E client.
type Options struct {
	BaseURL       string
	SecurityToken string
	Timeout       time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	// RequestsPerSecond caps outgoing requests; zero disables the limiter.
	RequestsPerSecond float64
	Burst             int
	UserAgent         string
	Now               func() time.Time
}

// ENTSOE is the HTTP client for the day-ahead price endpoint.
type ENTSOE struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
}

// New constructs an ENTSO-E fetcher.
func New(opts Options, logger zerolog.Logger) *ENTSOE {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://web-api.tp.entsoe.eu/api"
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &ENTSOE{
		opts:    opts,
		logger:  logger.With().Str("component", "entsoe_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		limiter: limiter,
	}
}

// Fetch retrieves the current trading day window with every position.
func (e *ENTSOE) Fetch(ctx context.Context, market domain.Market) ([]byte, error) {
	return e.FetchRaw(ctx, market, Query{})
}

// FetchRaw retrieves the document for q, retrying transient failures.
func (e *ENTSOE) FetchRaw(ctx context.Context, market domain.Market, q Query) ([]byte, error) {
	if strings.TrimSpace(e.opts.SecurityToken) == "" {
		return nil, ErrMissingToken
	}
	if !market.Valid() {
		return nil, fmt.Errorf("invalid market %q", market)
	}

	endpoint := e.requestURL(market, q)

	var lastErr error
	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.opts.RetryDelay * time.Duration(attempt)
			e.logger.Warn().
				Err(lastErr).
				Str("market", string(market)).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Msg("retrying entsoe request")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		body, err := e.do(ctx, endpoint)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		if !IsRetryable(err) && !isTransport(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("entsoe request failed after %d attempts: %w", e.opts.MaxRetries+1, lastErr)
}

func (e *ENTSOE) requestURL(market domain.Market, q Query) string {
	loc := market.Location()
	window := tradingday.Compute(loc, e.opts.Now())
	if q.DayOffset != 0 {
		window = window.Shift(loc, q.DayOffset)
	}

	params := url.Values{}
	params.Set("securityToken", e.opts.SecurityToken)
	params.Set("documentType", documentTypeDayAhead)
	params.Set("in_Domain", market.EIC())
	params.Set("out_Domain", market.EIC())
	params.Set("periodStart", window.Start.UTC().Format(periodLayout))
	params.Set("periodEnd", window.End.UTC().Format(periodLayout))
	params.Set("contract_MarketAgreement.type", contractDaily)
	if q.Position != nil {
		params.Set("classificationSequence_AttributeInstanceComponent.position", strconv.Itoa(*q.Position))
	}
	return e.baseURL + "?" + params.Encode()
}

func (e *ENTSOE) do(ctx context.Context, endpoint string) ([]byte, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/xml")
	if ua := strings.TrimSpace(e.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", version.UserAgent())
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &transportError{err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &transportError{err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{Status: resp.StatusCode, Body: string(payload)}
	}
	return payload, nil
}

type transportError struct {
	err error
}

func (t *transportError) Error() string { return "entsoe transport: " + t.err.Error() }
func (t *transportError) Unwrap() error { return t.err }

func isTransport(err error) bool {
	var te *transportError
	return errors.As(err, &te)
}

var _ PriceFetcher = (*ENTSOE)(nil)
