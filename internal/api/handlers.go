package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"spotwatt/internal/cache"
	"spotwatt/internal/domain"
	"spotwatt/internal/service"
	"spotwatt/internal/storage"
	"spotwatt/internal/tasks"
)

const (
	pricesCacheControl    = "public, max-age=900, s-maxage=3600"
	providersCacheControl = "public, max-age=86400"
)

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":    "healthy",
		"timestamp": h.deps.Now().UTC(),
	}
	if h.deps.Ingestion != nil {
		body["ingestion"] = h.deps.Ingestion.State()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *handler) prices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	market, err := marketParam(q.Get("market"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid market. Use AT or DE.")
		return
	}
	if !h.deps.UpstreamConfigured {
		writeError(w, http.StatusInternalServerError, "ENTSO-E API token not configured")
		return
	}

	debug := q.Get("debug") == "xml"
	clearCache := q.Get("clear") == "cache"
	cron := q.Get("test") == "cron"
	if debug || clearCache || cron {
		key := q.Get("key")
		if key == "" {
			writeError(w, http.StatusForbidden, "Admin functions require authentication")
			return
		}
		if h.opts.AdminKey == "" || !keyMatches(key, h.opts.AdminKey) {
			writeError(w, http.StatusForbidden, "Invalid admin key")
			return
		}
	}

	ctx := r.Context()
	switch {
	case clearCache:
		if err := h.deps.Cache.Delete(ctx, domain.Markets...); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to clear cache", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Cache cleared successfully"})
		return
	case cron:
		out, err := h.deps.Ingestion.Run(ctx, service.RunOptions{Force: true})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error":   "Ingestion cycle failed",
				"details": err.Error(),
				"outcome": out,
			})
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	case debug:
		raw, err := h.deps.Upstream.Fetch(ctx, market)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to fetch prices", err.Error())
			return
		}
		writeRaw(w, http.StatusOK, "text/xml", raw)
		return
	}

	raw, etag, ok, err := h.deps.Cache.GetRaw(ctx, market)
	if err != nil {
		h.logger.Warn().Err(err).Str("market", string(market)).Msg("cache read failed, fetching upstream")
	}
	if !ok {
		set, err := h.deps.Ingestion.FetchMarket(ctx, market)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to fetch prices", err.Error())
			return
		}
		if err := h.deps.Cache.Put(ctx, set); err != nil {
			h.logger.Warn().Err(err).Str("market", string(market)).Msg("cache write failed")
		}
		if raw, err = json.Marshal(set); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to encode prices", err.Error())
			return
		}
		etag = cache.ComputeETag(raw)
	}

	w.Header().Set("Cache-Control", pricesCacheControl)
	w.Header().Set("ETag", etag)
	if cache.ETagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeRaw(w, http.StatusOK, "application/json", raw)
}

func (h *handler) providers(w http.ResponseWriter, r *http.Request) {
	market, err := marketParam(r.URL.Query().Get("region"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid region. Use AT or DE.")
		return
	}
	w.Header().Set("Cache-Control", providersCacheControl)
	writeJSON(w, http.StatusOK, h.deps.Providers.For(market))
}

type registerRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
	Region   string `json:"region"`
}

func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, "Missing token")
		return
	}
	platform, err := domain.ParsePlatform(req.Platform)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid platform", err.Error())
		return
	}
	region, err := marketParam(req.Region)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid region. Use AT or DE.")
		return
	}

	token := domain.DeviceToken{
		Token:     req.Token,
		Platform:  platform,
		Region:    region,
		Active:    true,
		CreatedAt: h.deps.Now().UTC(),
	}
	if err := h.deps.Tokens.UpsertToken(r.Context(), token); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to register token", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *handler) unregister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(w, r, &req); err != nil || strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, "Missing token")
		return
	}
	if err := h.deps.Tokens.DeactivateTokens(r.Context(), []string{req.Token}, h.deps.Now().UTC()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to unregister token", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *handler) getPreferences(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "Missing token")
		return
	}
	prefs, err := h.deps.Preferences.GetPreferences(r.Context(), token)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Preferences not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load preferences", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// putPreferences merges the body onto the stored document, or onto the
// market defaults for a new token.
func (h *handler) putPreferences(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	var head struct {
		Token  string `json:"fcm_token"`
		Market string `json:"market"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(head.Token) == "" {
		writeError(w, http.StatusBadRequest, "Missing fcm_token")
		return
	}

	ctx := r.Context()
	prefs, err := h.deps.Preferences.GetPreferences(ctx, head.Token)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		market, err := marketParam(head.Market)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid market. Use AT or DE.")
			return
		}
		prefs = domain.DefaultPreferences(market)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to load preferences", err.Error())
		return
	}

	if err := json.Unmarshal(body, &prefs); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid preferences", err.Error())
		return
	}
	if m, err := domain.ParseMarket(string(prefs.Market)); err == nil {
		prefs.Market = m
	}
	prefs.Token = head.Token
	prefs.LastUpdated = h.deps.Now().UTC()
	prefs.SyncDerived()
	if err := prefs.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid preferences", err.Error())
		return
	}

	if err := h.deps.Preferences.UpsertPreferences(ctx, prefs); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save preferences", err.Error())
		return
	}

	scheduled := true
	if _, err := h.deps.Tasks.PreferencesChanged(ctx, prefs.Token, prefs.LastUpdated); err != nil {
		h.logger.Error().Err(err).Msg("debounce task not created")
		scheduled = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":                      true,
		"has_any_notification_enabled": prefs.HasAnyNotificationEnabled,
		"last_updated":                 prefs.LastUpdated,
		"recompute_scheduled":          scheduled,
	})
}

func (h *handler) priceUpdate(w http.ResponseWriter, r *http.Request) {
	var req service.PriceUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if req.Empty() {
		writeError(w, http.StatusBadRequest, "Missing price data")
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = h.deps.Now().UTC()
	}

	// partial failures still answer 200 so the caller sees the counts achieved
	res, err := h.deps.PriceUpdates.PriceUpdated(r.Context(), req)
	if err != nil {
		res.Success = false
		if res.Error == "" {
			res.Error = err.Error()
		}
	}
	res.Timestamp = req.Timestamp
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) deliver(w http.ResponseWriter, r *http.Request) {
	var payload domain.DeliveryPayload
	if err := decodeJSON(w, r, &payload); err != nil || payload.Token == "" {
		writeError(w, http.StatusBadRequest, "Invalid delivery payload")
		return
	}
	typ, err := domain.ParseNotificationType(string(payload.Type))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid delivery payload", err.Error())
		return
	}
	payload.Type = typ
	outcome, err := h.deps.Dispatcher.Deliver(r.Context(), payload)
	if err != nil {
		writeError(w, http.StatusBadGateway, "Delivery failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome})
}

func (h *handler) recompute(w http.ResponseWriter, r *http.Request) {
	var payload tasks.DebouncePayload
	if err := decodeJSON(w, r, &payload); err != nil || payload.Token == "" {
		writeError(w, http.StatusBadRequest, "Invalid recompute payload")
		return
	}
	res, err := h.deps.Tasks.HandleDebounce(r.Context(), payload.Token, payload.ChangedAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Recompute failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// marketParam parses a market query value, defaulting to AT.
func marketParam(raw string) (domain.Market, error) {
	if strings.TrimSpace(raw) == "" {
		return domain.MarketAT, nil
	}
	return domain.ParseMarket(raw)
}
