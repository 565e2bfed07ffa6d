package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tornwatch/tornwatch/internal/testutil"
	"github.com/tornwatch/tornwatch/pkg/client"
	"github.com/tornwatch/tornwatch/pkg/ratelimit"
	"github.com/tornwatch/tornwatch/pkg/refresh"
	"github.com/tornwatch/tornwatch/pkg/settings"
	"github.com/tornwatch/tornwatch/pkg/target"
)

// memSettings is an in-memory settings.Store for handler tests.
type memSettings struct {
	current settings.Settings
}

func (m *memSettings) Get(ctx context.Context) (settings.Settings, error) {
	return m.current, nil
}

func (m *memSettings) Set(ctx context.Context, partial settings.Partial) error {
	if partial.APIKey != nil {
		m.current.APIKey = *partial.APIKey
	}
	if partial.RateLimit != nil {
		m.current.RateLimit = *partial.RateLimit
	}
	if partial.Concurrency != nil {
		m.current.Concurrency = *partial.Concurrency
	}
	return nil
}

func newTestServer(t *testing.T) (*server, *testutil.MockTorn) {
	t.Helper()

	mock := testutil.NewMockTorn()
	t.Cleanup(mock.Close)

	logger := zerolog.New(io.Discard)
	limiter := ratelimit.New(99, logger)

	cfg := client.DefaultConfig(limiter, "test-key")
	cfg.BaseURL = mock.URL()
	apiClient, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New error: %v", err)
	}

	orch, err := refresh.New(refresh.Config{
		Fetcher: apiClient,
		Limiter: limiter,
	})
	if err != nil {
		t.Fatalf("refresh.New error: %v", err)
	}

	store := &memSettings{current: settings.Defaults()}
	return newServer(orch, apiClient, store, nil, logger), mock
}

func TestHealthzEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	srv.routes().ServeHTTP(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestTrackAndListTargets(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.routes()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/targets/12345", nil))
	if w.Code != http.StatusCreated {
		t.Fatalf("track status = %d, want 201", w.Code)
	}

	var tracked target.Record
	if err := json.NewDecoder(w.Body).Decode(&tracked); err != nil {
		t.Fatalf("decode track response: %v", err)
	}
	if tracked.ID != 12345 {
		t.Errorf("tracked ID = %d, want 12345", tracked.ID)
	}
	if tracked.DisplayName() != "User 12345" {
		t.Errorf("DisplayName = %q, want placeholder", tracked.DisplayName())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/targets/", nil))
	var all []target.Record
	if err := json.NewDecoder(w.Body).Decode(&all); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(all) != 1 || all[0].ID != 12345 {
		t.Errorf("list = %+v, want single tracked target", all)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("DELETE", "/targets/12345", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("untrack status = %d, want 204", w.Code)
	}
	if srv.orch.Registry().Len() != 0 {
		t.Error("target still tracked after DELETE")
	}
}

func TestTrackRejectsBadID(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.routes()

	for _, path := range []string{"/targets/abc", "/targets/-5", "/targets/0"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("POST", path, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("POST %s status = %d, want 400", path, w.Code)
		}
	}
}

func TestUpdateUserFields(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.routes()

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/targets/7", nil))

	body := strings.NewReader(`{"custom_name":"Easy Fight","favorite":true}`)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("PUT", "/targets/7/user", body))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", w.Code, w.Body.String())
	}

	var rec target.Record
	if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if rec.User.CustomName != "Easy Fight" || !rec.User.Favorite {
		t.Errorf("user fields = %+v, want custom name and favorite applied", rec.User)
	}

	// Untracked targets are a 404.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("PUT", "/targets/99/user", strings.NewReader(`{}`)))
	if w.Code != http.StatusNotFound {
		t.Errorf("untracked status = %d, want 404", w.Code)
	}
}

func TestRefreshOneEndpoint(t *testing.T) {
	srv, mock := newTestServer(t)
	router := srv.routes()

	mock.SetUserResponse(42, testutil.NewUserResponse(42, "Duke", 30, target.StateOkay))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/targets/42", nil))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/targets/42/refresh", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", w.Code, w.Body.String())
	}

	var rec target.Record
	if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if rec.Profile == nil || rec.Profile.Name != "Duke" {
		t.Errorf("Profile = %+v, want Duke", rec.Profile)
	}
}

func TestRefreshBatchStreamsProgress(t *testing.T) {
	srv, mock := newTestServer(t)
	router := srv.routes()

	for _, id := range []int{1, 2} {
		mock.SetUserResponse(id, testutil.NewUserResponse(id, "P", 10, target.StateOkay))
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/targets/"+strconv.Itoa(id), nil))
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/refresh/", nil))

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q, want application/x-ndjson", ct)
	}

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("stream lines = %d, want 2: %q", len(lines), lines)
	}

	var last refresh.Progress
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &last); err != nil {
		t.Fatalf("decode last event: %v", err)
	}
	if last.Current != 2 || last.Total != 2 || last.Percent != 100 {
		t.Errorf("final event = %+v, want 2/2 at 100%%", last)
	}
}

func TestRefreshBatchOutlivesRequestContext(t *testing.T) {
	srv, mock := newTestServer(t)
	router := srv.routes()

	for _, id := range []int{1, 2} {
		mock.SetUserResponse(id, testutil.NewUserResponse(id, "P", 10, target.StateOkay))
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/targets/"+strconv.Itoa(id), nil))
	}

	// A dropped client cancels the request context; the batch must finish
	// anyway. Only DELETE /refresh or shutdown cancels it.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/refresh/", nil).WithContext(ctx))

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("stream lines = %d, want 2 with cancelled request context: %q", len(lines), lines)
	}

	var last refresh.Progress
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &last); err != nil {
		t.Fatalf("decode last event: %v", err)
	}
	if last.Current != 2 || last.Total != 2 {
		t.Errorf("final event = %+v, want completed 2/2 batch", last)
	}

	for _, id := range []int{1, 2} {
		rec, ok := srv.orch.Registry().Get(id)
		if !ok || rec.Profile == nil {
			t.Errorf("target %d missing fetched profile after client disconnect", id)
		}
	}
}

func TestRefreshBatchNoTargets(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.routes().ServeHTTP(w, httptest.NewRequest("POST", "/refresh/", nil))

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422 with no targets tracked", w.Code)
	}
}

func TestPutSettingsValidatesAndApplies(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.routes()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("PUT", "/settings", strings.NewReader(`{"rate_limit":50,"concurrency":2}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", w.Code, w.Body.String())
	}

	var current settings.Settings
	if err := json.NewDecoder(w.Body).Decode(&current); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if current.RateLimit != 50 || current.Concurrency != 2 {
		t.Errorf("settings = %+v, want rate_limit 50, concurrency 2", current)
	}
	if got := srv.orch.Status().MaxTokens; got != 50 {
		t.Errorf("limiter MaxTokens = %d, want 50 after live apply", got)
	}

	// Out-of-range values are rejected before anything is stored.
	for _, body := range []string{`{"rate_limit":0}`, `{"rate_limit":100}`, `{"concurrency":6}`} {
		w = httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("PUT", "/settings", strings.NewReader(body)))
		if w.Code != http.StatusBadRequest {
			t.Errorf("PUT %s status = %d, want 400", body, w.Code)
		}
	}
}

func TestValidateKeyEndpoint(t *testing.T) {
	srv, mock := newTestServer(t)
	router := srv.routes()

	mock.SetResponse("/user/", testutil.NewUserResponse(777, "KeyOwner", 40, target.StateOkay))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/settings/validate-key", strings.NewReader(`{"key":"good-key"}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", w.Code, w.Body.String())
	}

	var result struct {
		Valid   bool           `json:"valid"`
		Account client.KeyInfo `json:"account"`
	}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !result.Valid || result.Account.Name != "KeyOwner" {
		t.Errorf("result = %+v, want valid key for KeyOwner", result)
	}

	mock.SetResponse("/user/", testutil.NewErrorCodeResponse(2, "Incorrect key"))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/settings/validate-key", strings.NewReader(`{"key":"bad-key"}`)))
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad key status = %d, want 422", w.Code)
	}
}

func TestRateLimitEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.routes().ServeHTTP(w, httptest.NewRequest("GET", "/ratelimit", nil))

	var status ratelimit.Status
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if status.MaxTokens != 99 || status.AvailableTokens != 99 {
		t.Errorf("status = %+v, want untouched 99-token window", status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	promhttp.Handler().ServeHTTP(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	bodyStr := string(body)
	if !strings.Contains(bodyStr, "# HELP") || !strings.Contains(bodyStr, "# TYPE") {
		t.Error("Expected Prometheus format metrics output")
	}
	if !strings.Contains(bodyStr, "torn_rate_limit") {
		t.Error("Expected metrics output to contain torn_rate_limit gauges")
	}
}

