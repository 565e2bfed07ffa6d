// Package client provides the authenticated Torn API client with rate
// limiting, retry logic and connection-health tracking.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tornwatch/tornwatch/pkg/ratelimit"
	"github.com/tornwatch/tornwatch/pkg/target"
)

// Prometheus metrics for fetch operations.
var (
	tornRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torn_requests_total",
		Help: "Total Torn API requests by status",
	}, []string{"status"})

	tornRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "torn_request_duration_seconds",
		Help:    "Torn API request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	tornErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torn_errors_total",
		Help: "Total Torn API errors by class",
	}, []string{"class"})
)

// maxBodySize bounds response reads; user payloads are a few KB.
const maxBodySize = 1 << 20

// Client is the Torn API client. One Client owns one rate limiter; all
// concurrent fetches go through the same admission control.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	health     *healthTracker
	config     Config
	logger     zerolog.Logger

	// keyMu guards apiKey: SetAPIKey is applied live from settings
	// updates while fetches are in flight.
	keyMu  sync.RWMutex
	apiKey string
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the upstream API.
	BaseURL string

	// APIKey is the bearer-style key sent with every request.
	// May be empty at construction; fetches fail with NotConfigured until set.
	APIKey string

	// Limiter gates all outbound requests (required).
	Limiter *ratelimit.Limiter

	// MaxAttempts bounds retries per fetch, including the first attempt.
	MaxAttempts int

	// RequestTimeout bounds a single HTTP call.
	RequestTimeout time.Duration

	// AcquirePoll is how often a blocked fetch re-checks the limiter.
	AcquirePoll time.Duration

	// MaxPenaltyWaits bounds consecutive penalty waits per call so an
	// upstream that throttles forever cannot livelock a fetch.
	MaxPenaltyWaits int

	// RetryPolicyFor selects the backoff policy per error class.
	// Defaults to RetryPolicyForErrorClass.
	RetryPolicyFor func(ErrorClass) RetryPolicy

	// HTTPClient overrides the default transport (tests).
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(limiter *ratelimit.Limiter, apiKey string) Config {
	return Config{
		BaseURL:         "https://api.torn.com",
		APIKey:          apiKey,
		Limiter:         limiter,
		MaxAttempts:     5,
		RequestTimeout:  30 * time.Second,
		AcquirePoll:     100 * time.Millisecond,
		MaxPenaltyWaits: 3,
	}
}

// New creates a new Torn API client.
func New(cfg Config) (*Client, error) {
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.torn.com"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.AcquirePoll <= 0 {
		cfg.AcquirePoll = 100 * time.Millisecond
	}
	if cfg.MaxPenaltyWaits <= 0 {
		cfg.MaxPenaltyWaits = 3
	}
	if cfg.RetryPolicyFor == nil {
		cfg.RetryPolicyFor = RetryPolicyForErrorClass
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	return &Client{
		httpClient: httpClient,
		limiter:    cfg.Limiter,
		health:     newHealthTracker(),
		config:     cfg,
		logger:     log.With().Str("component", "torn-client").Logger(),
		apiKey:     cfg.APIKey,
	}, nil
}

// SetAPIKey replaces the key used for subsequent requests. Safe to call
// while fetches are in flight; a running fetch keeps the key it started
// with.
func (c *Client) SetAPIKey(key string) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	c.apiKey = key
}

func (c *Client) currentAPIKey() string {
	c.keyMu.RLock()
	defer c.keyMu.RUnlock()
	return c.apiKey
}

// Limiter returns the rate limiter owned by this client.
func (c *Client) Limiter() *ratelimit.Limiter {
	return c.limiter
}

// Health returns the current connection-health snapshot.
func (c *Client) Health() Health {
	return c.health.Snapshot()
}

// SubscribeHealth registers an observer for online/offline transitions.
func (c *Client) SubscribeHealth(o HealthObserver) {
	c.health.Subscribe(o)
}

// FetchTarget performs one logical fetch for one target id. It never
// returns a Go error: the result is either a populated profile with a
// freshness timestamp or an error descriptor, so downstream merge logic
// has a single code path.
//
// Retry semantics: network and 5xx errors back off exponentially and
// consume an attempt; throttling responses enter the limiter's penalty
// window and are waited out without consuming an attempt; other 4xx and
// malformed payloads are terminal.
func (c *Client) FetchTarget(ctx context.Context, id int) target.FetchResult {
	key := c.currentAPIKey()
	if key == "" {
		tornErrorsTotal.WithLabelValues(string(ErrorClassNotConfigured)).Inc()
		return errorResult(id, &APIError{
			ErrorClass: ErrorClassNotConfigured,
			Message:    "no API key configured",
			Err:        ErrNotConfigured,
		})
	}

	var lastErr *APIError
	attempt := 0
	penaltyWaits := 0

	for attempt < c.config.MaxAttempts {
		if err := c.waitForSlot(ctx); err != nil {
			return errorResult(id, cancelError(err))
		}

		start := time.Now()
		profile, apiErr := c.doFetch(ctx, id, key)
		duration := time.Since(start)
		tornRequestDuration.Observe(duration.Seconds())

		if apiErr == nil {
			c.limiter.RecordOutcome(true, 0)
			c.health.recordSuccess(duration)
			tornRequestsTotal.WithLabelValues("ok").Inc()

			c.logger.Debug().
				Int("target_id", id).
				Dur("duration", duration).
				Int("attempt", attempt+1).
				Msg("Target fetched")

			return target.FetchResult{
				ID:        id,
				Profile:   profile,
				FetchedAt: time.Now(),
			}
		}

		tornErrorsTotal.WithLabelValues(string(apiErr.ErrorClass)).Inc()
		lastErr = apiErr

		switch apiErr.ErrorClass {
		case ErrorClassThrottled:
			// Expected backpressure: enter the penalty window and wait it
			// out without consuming an attempt slot.
			c.limiter.RecordOutcome(false, apiErr.RetryAfter)
			tornRequestsTotal.WithLabelValues("throttled").Inc()

			penaltyWaits++
			if penaltyWaits > c.config.MaxPenaltyWaits {
				c.logger.Warn().
					Int("target_id", id).
					Int("penalty_waits", penaltyWaits-1).
					Msg("Giving up after repeated throttling")
				return errorResult(id, apiErr)
			}

			if err := c.waitOutPenalty(ctx); err != nil {
				return errorResult(id, cancelError(err))
			}

		case ErrorClassCancelled:
			return errorResult(id, apiErr)

		default:
			c.limiter.RecordFailure()
			c.health.recordFailure(apiErr.ErrorClass, duration)
			tornRequestsTotal.WithLabelValues("error").Inc()

			if !shouldRetry(apiErr.ErrorClass) {
				// Terminal: other 4xx, malformed payload, bad key, unknown id.
				c.logger.Warn().
					Int("target_id", id).
					Str("error_class", string(apiErr.ErrorClass)).
					Int("code", apiErr.Code).
					Str("message", apiErr.Message).
					Msg("Terminal fetch error")

				return errorResult(id, apiErr)
			}

			attempt++
			if attempt >= c.config.MaxAttempts {
				break
			}

			policy := c.config.RetryPolicyFor(apiErr.ErrorClass)
			delay := policy.NextDelay(attempt - 1)
			tornRetriesTotal.WithLabelValues(string(apiErr.ErrorClass)).Inc()
			tornRetryBackoffSeconds.WithLabelValues(string(apiErr.ErrorClass)).Observe(delay.Seconds())

			c.logger.Debug().
				Int("target_id", id).
				Str("error_class", string(apiErr.ErrorClass)).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("Retrying fetch after backoff")

			select {
			case <-ctx.Done():
				return errorResult(id, cancelError(ctx.Err()))
			case <-time.After(delay):
			}
		}
	}

	tornRetryExhaustedTotal.WithLabelValues(string(lastErr.ErrorClass)).Inc()
	c.logger.Warn().
		Int("target_id", id).
		Int("max_attempts", c.config.MaxAttempts).
		Str("error_class", string(lastErr.ErrorClass)).
		Msg("Retry attempts exhausted")

	return errorResult(id, &APIError{
		StatusCode: lastErr.StatusCode,
		Code:       lastErr.Code,
		ErrorClass: lastErr.ErrorClass,
		Message:    fmt.Sprintf("%s (after %d attempts)", lastErr.Message, c.config.MaxAttempts),
		Err:        fmt.Errorf("%w: %v", ErrRetryExhausted, lastErr),
	})
}

// KeyInfo describes the account a validated key belongs to.
type KeyInfo struct {
	PlayerID int    `json:"player_id"`
	Name     string `json:"name"`
	Level    int    `json:"level"`
}

// ValidateKey probes the upstream with the given key. It is a single
// non-retried call used for onboarding: it fails fast and returns a
// user-facing reason instead of backing off.
func (c *Client) ValidateKey(ctx context.Context, key string) (KeyInfo, error) {
	if key == "" {
		return KeyInfo{}, fmt.Errorf("%w: key is empty", ErrNotConfigured)
	}

	u, err := c.buildURL("", "basic", key)
	if err != nil {
		return KeyInfo{}, fmt.Errorf("build probe url: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		return KeyInfo{}, fmt.Errorf("create probe request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return KeyInfo{}, fmt.Errorf("could not reach the Torn API: %w", err)
	}
	defer resp.Body.Close()

	var payload userPayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&payload); err != nil {
		return KeyInfo{}, fmt.Errorf("the Torn API returned an unreadable response (status %d)", resp.StatusCode)
	}

	if payload.Error != nil {
		switch payload.Error.Code {
		case CodeKeyEmpty, CodeIncorrectKey:
			return KeyInfo{}, fmt.Errorf("the API key is incorrect")
		case CodeTooManyRequests:
			return KeyInfo{}, fmt.Errorf("the Torn API is rate limiting this key, try again in a minute")
		default:
			return KeyInfo{}, fmt.Errorf("the Torn API rejected the key: %s", payload.Error.Message)
		}
	}

	if resp.StatusCode != http.StatusOK || payload.Name == "" {
		return KeyInfo{}, fmt.Errorf("unexpected response from the Torn API (status %d)", resp.StatusCode)
	}

	return KeyInfo{
		PlayerID: payload.PlayerID,
		Name:     payload.Name,
		Level:    payload.Level,
	}, nil
}

// waitForSlot blocks cooperatively until the limiter admits a request or
// the context is cancelled. Polling keeps admission FIFO-ish among the
// currently queued fetches without a dedicated queue.
func (c *Client) waitForSlot(ctx context.Context) error {
	if c.limiter.TryAcquire() {
		return nil
	}

	ticker := time.NewTicker(c.config.AcquirePoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if c.limiter.TryAcquire() {
				return nil
			}
		}
	}
}

// waitOutPenalty sleeps until the limiter's penalty window elapses.
func (c *Client) waitOutPenalty(ctx context.Context) error {
	for {
		remaining := c.limiter.PenaltyRemaining()
		if remaining <= 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(remaining):
		}
	}
}

// doFetch performs one HTTP attempt and classifies the outcome.
func (c *Client) doFetch(ctx context.Context, id int, key string) (*target.Profile, *APIError) {
	u, err := c.buildURL(strconv.Itoa(id), "profile,basic", key)
	if err != nil {
		return nil, &APIError{ErrorClass: ErrorClassClient, Message: "invalid base url", Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &APIError{ErrorClass: ErrorClassClient, Message: "create request", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &APIError{ErrorClass: ErrorClassCancelled, Message: "call cancelled", Err: ErrCancelled}
		}
		return nil, &APIError{ErrorClass: ErrorClassNetwork, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: classifyStatus(resp.StatusCode),
			Message:    resp.Status,
		}
		if apiErr.ErrorClass == ErrorClassThrottled {
			apiErr.RetryAfter = parseRetryAfter(resp.Header)
		}
		return nil, apiErr
	}

	var payload userPayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&payload); err != nil {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassClient,
			Message:    "malformed payload",
			Err:        err,
		}
	}

	// The upstream reports most failures as an error object inside a 200.
	if payload.Error != nil {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Code:       payload.Error.Code,
			ErrorClass: classifyCode(payload.Error.Code),
			Message:    payload.Error.Message,
		}
	}

	if payload.Name == "" {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassClient,
			Message:    "payload missing user record",
		}
	}

	return payload.toProfile(), nil
}

func (c *Client) buildURL(id, selections, key string) (string, error) {
	u, err := url.Parse(c.config.BaseURL)
	if err != nil {
		return "", err
	}
	u.Path = "/user/" + id

	q := u.Query()
	q.Set("selections", selections)
	q.Set("key", key)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// parseRetryAfter reads the Retry-After header (seconds), 0 when absent.
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	seconds, err := strconv.Atoi(v)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func errorResult(id int, apiErr *APIError) target.FetchResult {
	return target.FetchResult{
		ID: id,
		Err: &target.FetchError{
			Class:   string(apiErr.ErrorClass),
			Message: apiErr.Message,
		},
	}
}

func cancelError(err error) *APIError {
	return &APIError{
		ErrorClass: ErrorClassCancelled,
		Message:    "call cancelled",
		Err:        fmt.Errorf("%w: %v", ErrCancelled, err),
	}
}

// userPayload mirrors the upstream user record JSON.
type userPayload struct {
	Error *errorBody `json:"error,omitempty"`

	Name     string `json:"name"`
	PlayerID int    `json:"player_id"`
	Level    int    `json:"level"`
	Status   struct {
		Description string `json:"description"`
		State       string `json:"state"`
		Until       int64  `json:"until"`
	} `json:"status"`
	Faction struct {
		FactionID   int    `json:"faction_id"`
		FactionName string `json:"faction_name"`
	} `json:"faction"`
	LastAction struct {
		Timestamp int64 `json:"timestamp"`
	} `json:"last_action"`
	ProfileImage string `json:"profile_image"`
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
}

func (p *userPayload) toProfile() *target.Profile {
	profile := &target.Profile{
		Name:  p.Name,
		Level: p.Level,
		Status: target.Status{
			State:       p.Status.State,
			Description: p.Status.Description,
		},
		Faction: target.Faction{
			ID:   p.Faction.FactionID,
			Name: p.Faction.FactionName,
		},
		AvatarURL: p.ProfileImage,
	}

	// Epoch 0 means "no expiry", not 1970.
	if p.Status.Until > 0 {
		profile.Status.Until = time.Unix(p.Status.Until, 0).UTC()
	}
	if p.LastAction.Timestamp > 0 {
		profile.LastAction = time.Unix(p.LastAction.Timestamp, 0).UTC()
	}

	return profile
}
