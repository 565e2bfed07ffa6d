package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tornwatch/tornwatch/pkg/client"
	"github.com/tornwatch/tornwatch/pkg/ratelimit"
	"github.com/tornwatch/tornwatch/pkg/refresh"
	"github.com/tornwatch/tornwatch/pkg/settings"
	"github.com/tornwatch/tornwatch/pkg/target"
)

// server holds the HTTP surface over the refresh engine.
type server struct {
	orch     *refresh.Orchestrator
	client   *client.Client
	settings settings.Store
	redis    *redis.Client
	logger   zerolog.Logger
}

func newServer(orch *refresh.Orchestrator, apiClient *client.Client, settingsStore settings.Store, redisClient *redis.Client, logger zerolog.Logger) *server {
	return &server{
		orch:     orch,
		client:   apiClient,
		settings: settingsStore,
		redis:    redisClient,
		logger:   logger.With().Str("component", "http").Logger(),
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/targets", func(r chi.Router) {
		r.Get("/", s.handleListTargets)
		r.Post("/{id}", s.handleTrack)
		r.Delete("/{id}", s.handleUntrack)
		r.Put("/{id}/user", s.handleUpdateUser)
		r.Post("/{id}/refresh", s.handleRefreshOne)
	})

	r.Route("/refresh", func(r chi.Router) {
		r.Post("/", s.handleRefreshBatch)
		r.Get("/", s.handleRefreshStatus)
		r.Delete("/", s.handleCancelRefresh)
	})

	r.Get("/ratelimit", s.handleRateLimit)
	r.Get("/upstream", s.handleUpstreamHealth)

	r.Get("/settings", s.handleGetSettings)
	r.Put("/settings", s.handlePutSettings)
	r.Post("/settings/validate-key", s.handleValidateKey)

	return r
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.redis.Ping(ctx).Err(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "redis unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Registry().All())
}

func (s *server) handleTrack(w http.ResponseWriter, r *http.Request) {
	id, ok := targetID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusCreated, s.orch.Track(id))
}

func (s *server) handleUntrack(w http.ResponseWriter, r *http.Request) {
	id, ok := targetID(w, r)
	if !ok {
		return
	}
	s.orch.Untrack(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := targetID(w, r)
	if !ok {
		return
	}

	var fields target.UserFields
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if !s.orch.Registry().UpdateUser(id, func(u *target.UserFields) { *u = fields }) {
		writeError(w, http.StatusNotFound, "target not tracked")
		return
	}

	rec, _ := s.orch.Registry().Get(id)
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleRefreshOne(w http.ResponseWriter, r *http.Request) {
	id, ok := targetID(w, r)
	if !ok {
		return
	}

	rec, err := s.orch.RefreshOne(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleRefreshBatch starts a batch refresh and streams its progress as
// newline-delimited JSON until the batch drains or is cancelled.
func (s *server) handleRefreshBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs         []int `json:"ids"`
		Concurrency int   `json:"concurrency"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	ids := body.IDs
	if len(ids) == 0 {
		ids = s.orch.Registry().IDs()
	}
	if len(ids) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "no targets tracked")
		return
	}

	// The batch outlives the request: a dropped client stops the stream,
	// not the refresh. Cancellation is DELETE /refresh or process shutdown.
	ch, err := s.orch.RefreshBatch(context.WithoutCancel(r.Context()), ids, refresh.Options{Concurrency: body.Concurrency})
	if err != nil {
		var active *refresh.ActiveError
		if errors.As(err, &active) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":    "refresh already in progress",
				"progress": active.Progress,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for event := range ch {
		if err := enc.Encode(event); err != nil {
			// Client went away; the batch keeps running and the stream
			// drains so the channel is not abandoned.
			s.logger.Debug().Err(err).Msg("Progress stream closed by client")
			for range ch {
			}
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *server) handleRefreshStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active":   s.orch.Active(),
		"progress": s.orch.Progress(),
	})
}

func (s *server) handleCancelRefresh(w http.ResponseWriter, r *http.Request) {
	s.orch.Cancel()
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Status())
}

func (s *server) handleUpstreamHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.client.Health())
}

func (s *server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	current, err := s.settings.Get(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, current)
}

func (s *server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var body struct {
		APIKey      *string `json:"api_key"`
		RateLimit   *int    `json:"rate_limit"`
		Concurrency *int    `json:"concurrency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if body.RateLimit != nil && (*body.RateLimit < ratelimit.MinLimit || *body.RateLimit > ratelimit.MaxLimit) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("rate_limit must be between %d and %d", ratelimit.MinLimit, ratelimit.MaxLimit))
		return
	}
	if body.Concurrency != nil && (*body.Concurrency < refresh.MinConcurrency || *body.Concurrency > refresh.MaxConcurrency) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("concurrency must be between %d and %d", refresh.MinConcurrency, refresh.MaxConcurrency))
		return
	}

	if err := s.settings.Set(r.Context(), settings.Partial{
		APIKey:      body.APIKey,
		RateLimit:   body.RateLimit,
		Concurrency: body.Concurrency,
	}); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	// Apply live so the running engine picks up the new values without a
	// restart.
	if body.APIKey != nil {
		s.client.SetAPIKey(*body.APIKey)
	}
	if body.RateLimit != nil {
		s.orch.SetRateLimit(*body.RateLimit)
	}
	if body.Concurrency != nil {
		s.orch.SetConcurrency(*body.Concurrency)
	}

	current, err := s.settings.Get(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, current)
}

func (s *server) handleValidateKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	info, err := s.client.ValidateKey(r.Context(), body.Key)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"valid": false,
			"error": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":   true,
		"account": info,
	})
}

func targetID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "target id must be a positive integer")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
