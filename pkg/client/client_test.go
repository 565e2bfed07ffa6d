package client

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tornwatch/tornwatch/internal/testutil"
	"github.com/tornwatch/tornwatch/pkg/ratelimit"
	"github.com/tornwatch/tornwatch/pkg/target"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

// fastPolicy removes real backoff waits from unit tests.
func fastPolicy(ErrorClass) RetryPolicy {
	return RetryPolicy{
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func newTestClient(t *testing.T, baseURL, apiKey string, maxAttempts int) (*Client, *ratelimit.Limiter) {
	t.Helper()

	limiter := ratelimit.New(99, testLogger())

	cfg := DefaultConfig(limiter, apiKey)
	cfg.BaseURL = baseURL
	cfg.MaxAttempts = maxAttempts
	cfg.RequestTimeout = 2 * time.Second
	cfg.AcquirePoll = 5 * time.Millisecond
	cfg.RetryPolicyFor = fastPolicy

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return c, limiter
}

func TestNew_RequiresLimiter(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Fatal("New() with nil limiter succeeded, want error")
	}
}

func TestFetchTarget_Success(t *testing.T) {
	mock := testutil.NewMockTorn()
	defer mock.Close()
	mock.SetUserResponse(1, testutil.NewUserResponse(1, "Duke", 35, "Okay"))

	c, limiter := newTestClient(t, mock.URL(), "testkey", 5)

	result := c.FetchTarget(context.Background(), 1)

	if result.Failed() {
		t.Fatalf("FetchTarget failed: %+v", result.Err)
	}
	if result.Profile.Name != "Duke" {
		t.Errorf("Name = %q, want %q", result.Profile.Name, "Duke")
	}
	if result.Profile.Level != 35 {
		t.Errorf("Level = %d, want 35", result.Profile.Level)
	}
	if result.Profile.Status.State != target.StateOkay {
		t.Errorf("Status.State = %q, want %q", result.Profile.Status.State, target.StateOkay)
	}
	if result.Profile.Faction.ID != 42 {
		t.Errorf("Faction.ID = %d, want 42", result.Profile.Faction.ID)
	}
	if !result.Profile.Status.Until.IsZero() {
		t.Errorf("Status.Until = %v, want zero for non-expiring state", result.Profile.Status.Until)
	}
	if result.FetchedAt.IsZero() {
		t.Error("FetchedAt is zero, want freshness timestamp")
	}

	if got := limiter.Status().Stats.SuccessfulRequests; got != 1 {
		t.Errorf("SuccessfulRequests = %d, want 1", got)
	}
	if key := mock.LastQuery["key"]; key != "testkey" {
		t.Errorf("key query param = %q, want %q", key, "testkey")
	}
}

func TestFetchTarget_NotConfigured(t *testing.T) {
	mock := testutil.NewMockTorn()
	defer mock.Close()

	c, _ := newTestClient(t, mock.URL(), "", 5)

	result := c.FetchTarget(context.Background(), 1)

	if result.Err == nil {
		t.Fatal("FetchTarget with empty key succeeded, want error result")
	}
	if result.Err.Class != string(ErrorClassNotConfigured) {
		t.Errorf("Err.Class = %q, want %q", result.Err.Class, ErrorClassNotConfigured)
	}
	if mock.GetRequestCount() != 0 {
		t.Errorf("request count = %d, want 0 (no request without a key)", mock.GetRequestCount())
	}
}

func TestFetchTarget_TerminalUpstreamCode(t *testing.T) {
	mock := testutil.NewMockTorn()
	defer mock.Close()
	mock.SetUserResponse(7, testutil.NewErrorCodeResponse(CodeIncorrectID, "Incorrect ID"))

	c, _ := newTestClient(t, mock.URL(), "testkey", 5)

	result := c.FetchTarget(context.Background(), 7)

	if result.Err == nil {
		t.Fatal("FetchTarget for unknown id succeeded, want error result")
	}
	if result.Err.Class != string(ErrorClassClient) {
		t.Errorf("Err.Class = %q, want %q", result.Err.Class, ErrorClassClient)
	}
	if mock.GetRequestCount() != 1 {
		t.Errorf("request count = %d, want 1 (terminal errors are not retried)", mock.GetRequestCount())
	}
}

func TestFetchTarget_MalformedPayloadTerminal(t *testing.T) {
	mock := testutil.NewMockTorn()
	defer mock.Close()
	mock.SetUserResponse(3, testutil.NewMalformedResponse())

	c, _ := newTestClient(t, mock.URL(), "testkey", 5)

	result := c.FetchTarget(context.Background(), 3)

	if result.Err == nil || result.Err.Class != string(ErrorClassClient) {
		t.Fatalf("result.Err = %+v, want terminal client error", result.Err)
	}
	if mock.GetRequestCount() != 1 {
		t.Errorf("request count = %d, want 1", mock.GetRequestCount())
	}
}

func TestFetchTarget_ServerErrorRetriesThenSuccess(t *testing.T) {
	mock := testutil.NewMockTorn()
	defer mock.Close()
	mock.SetUserSequence(2, []testutil.MockResponse{
		testutil.NewServerErrorResponse(),
		testutil.NewServerErrorResponse(),
		testutil.NewUserResponse(2, "Vex", 22, "Okay"),
	})

	c, limiter := newTestClient(t, mock.URL(), "testkey", 5)

	result := c.FetchTarget(context.Background(), 2)

	if result.Failed() {
		t.Fatalf("FetchTarget failed after retries: %+v", result.Err)
	}
	if mock.GetRequestCount() != 3 {
		t.Errorf("request count = %d, want 3", mock.GetRequestCount())
	}

	stats := limiter.Status().Stats
	if stats.FailedRequests != 2 {
		t.Errorf("FailedRequests = %d, want 2", stats.FailedRequests)
	}
	if stats.SuccessfulRequests != 1 {
		t.Errorf("SuccessfulRequests = %d, want 1", stats.SuccessfulRequests)
	}
}

func TestFetchTarget_RetryExhausted(t *testing.T) {
	mock := testutil.NewMockTorn()
	defer mock.Close()
	mock.SetUserResponse(4, testutil.NewServerErrorResponse())

	c, _ := newTestClient(t, mock.URL(), "testkey", 3)

	result := c.FetchTarget(context.Background(), 4)

	if result.Err == nil {
		t.Fatal("FetchTarget against persistent 500 succeeded, want error result")
	}
	if result.Err.Class != string(ErrorClassServer) {
		t.Errorf("Err.Class = %q, want %q", result.Err.Class, ErrorClassServer)
	}
	if !strings.Contains(result.Err.Message, "after 3 attempts") {
		t.Errorf("Err.Message = %q, want attempt count", result.Err.Message)
	}
	if mock.GetRequestCount() != 3 {
		t.Errorf("request count = %d, want 3", mock.GetRequestCount())
	}
}

func TestFetchTarget_ThrottleHonorsRetryAfter(t *testing.T) {
	mock := testutil.NewMockTorn()
	defer mock.Close()
	mock.SetUserSequence(5, []testutil.MockResponse{
		testutil.NewThrottleResponse(1),
		testutil.NewUserResponse(5, "Duke", 35, "Okay"),
	})

	// One attempt only: the throttle wait must not consume it.
	c, limiter := newTestClient(t, mock.URL(), "testkey", 1)

	start := time.Now()
	result := c.FetchTarget(context.Background(), 5)
	elapsed := time.Since(start)

	if result.Failed() {
		t.Fatalf("FetchTarget failed: %+v", result.Err)
	}
	if elapsed < 1*time.Second {
		t.Errorf("elapsed = %v, want >= 1s penalty wait", elapsed)
	}
	if mock.GetRequestCount() != 2 {
		t.Errorf("request count = %d, want 2", mock.GetRequestCount())
	}
	if got := limiter.Status().Stats.FailedRequests; got != 1 {
		t.Errorf("FailedRequests = %d, want 1 (throttle outcome recorded)", got)
	}
}

func TestFetchTarget_GivesUpAfterRepeatedThrottling(t *testing.T) {
	mock := testutil.NewMockTorn()
	defer mock.Close()
	mock.SetUserResponse(6, testutil.NewThrottleResponse(1))

	c, _ := newTestClient(t, mock.URL(), "testkey", 5)
	c.config.MaxPenaltyWaits = 1

	result := c.FetchTarget(context.Background(), 6)

	if result.Err == nil {
		t.Fatal("FetchTarget under permanent throttling succeeded, want error result")
	}
	if result.Err.Class != string(ErrorClassThrottled) {
		t.Errorf("Err.Class = %q, want %q", result.Err.Class, ErrorClassThrottled)
	}
	if mock.GetRequestCount() != 2 {
		t.Errorf("request count = %d, want 2 (initial + one paced retry)", mock.GetRequestCount())
	}
}

func TestFetchTarget_Cancelled(t *testing.T) {
	mock := testutil.NewMockTorn()
	defer mock.Close()

	c, _ := newTestClient(t, mock.URL(), "testkey", 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := c.FetchTarget(ctx, 1)

	if result.Err == nil {
		t.Fatal("FetchTarget with cancelled context succeeded, want error result")
	}
	if result.Err.Class != string(ErrorClassCancelled) {
		t.Errorf("Err.Class = %q, want %q", result.Err.Class, ErrorClassCancelled)
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name        string
		key         string
		response    testutil.MockResponse
		expectError string
		expectName  string
	}{
		{
			name:       "valid key",
			key:        "goodkey",
			response:   testutil.NewUserResponse(4321, "Duke", 35, "Okay"),
			expectName: "Duke",
		},
		{
			name:        "incorrect key",
			key:         "badkey",
			response:    testutil.NewErrorCodeResponse(CodeIncorrectKey, "Incorrect key"),
			expectError: "incorrect",
		},
		{
			name:        "throttled key",
			key:         "hotkey",
			response:    testutil.NewErrorCodeResponse(CodeTooManyRequests, "Too many requests"),
			expectError: "rate limiting",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockTorn()
			defer mock.Close()
			mock.SetResponse("/user/", tt.response)

			c, _ := newTestClient(t, mock.URL(), "", 5)

			info, err := c.ValidateKey(context.Background(), tt.key)

			if tt.expectError != "" {
				if err == nil {
					t.Fatal("ValidateKey succeeded, want error")
				}
				if !strings.Contains(err.Error(), tt.expectError) {
					t.Errorf("error = %q, want substring %q", err, tt.expectError)
				}
				return
			}

			if err != nil {
				t.Fatalf("ValidateKey error: %v", err)
			}
			if info.Name != tt.expectName {
				t.Errorf("Name = %q, want %q", info.Name, tt.expectName)
			}
			if mock.GetRequestCount() != 1 {
				t.Errorf("request count = %d, want 1 (probe is never retried)", mock.GetRequestCount())
			}
		})
	}
}

func TestValidateKey_EmptyKey(t *testing.T) {
	c, _ := newTestClient(t, "http://localhost:1", "", 5)

	_, err := c.ValidateKey(context.Background(), "")
	if err == nil {
		t.Fatal("ValidateKey with empty key succeeded, want error")
	}
}

func TestSetAPIKey_AppliesToSubsequentFetches(t *testing.T) {
	mock := testutil.NewMockTorn()
	defer mock.Close()
	mock.SetUserResponse(1, testutil.NewUserResponse(1, "Duke", 35, "Okay"))

	c, _ := newTestClient(t, mock.URL(), "first-key", 5)
	c.SetAPIKey("rotated-key")

	result := c.FetchTarget(context.Background(), 1)

	if result.Failed() {
		t.Fatalf("FetchTarget failed: %+v", result.Err)
	}
	if key := mock.LastQuery["key"]; key != "rotated-key" {
		t.Errorf("key query param = %q, want %q", key, "rotated-key")
	}
}

func TestSetAPIKey_ConcurrentWithFetches(t *testing.T) {
	mock := testutil.NewMockTorn()
	defer mock.Close()
	mock.SetUserResponse(1, testutil.NewUserResponse(1, "Duke", 35, "Okay"))

	c, _ := newTestClient(t, mock.URL(), "key-0", 5)

	var wg sync.WaitGroup
	failures := make(chan string, 64)

	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 16; i++ {
				if result := c.FetchTarget(context.Background(), 1); result.Failed() {
					failures <- result.Err.Message
					return
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 64; i++ {
			c.SetAPIKey(fmt.Sprintf("key-%d", i))
		}
	}()

	wg.Wait()
	close(failures)
	for msg := range failures {
		t.Errorf("fetch failed during key rotation: %s", msg)
	}
}

func TestFetchTarget_NetworkErrorsFlipHealthOffline(t *testing.T) {
	mock := testutil.NewMockTorn()
	url := mock.URL()
	mock.Close() // connection refused from here on

	c, _ := newTestClient(t, url, "testkey", 3)

	transitions := make(chan bool, 4)
	c.SubscribeHealth(HealthObserverFunc(func(online bool) {
		transitions <- online
	}))

	result := c.FetchTarget(context.Background(), 1)

	if result.Err == nil || result.Err.Class != string(ErrorClassNetwork) {
		t.Fatalf("result.Err = %+v, want network error", result.Err)
	}

	health := c.Health()
	if health.Online {
		t.Error("Online = true after 3 consecutive network failures, want false")
	}
	if health.ConsecutiveFailures != 3 {
		t.Errorf("ConsecutiveFailures = %d, want 3", health.ConsecutiveFailures)
	}

	select {
	case online := <-transitions:
		if online {
			t.Error("first transition = online, want offline")
		}
	default:
		t.Error("no connection transition observed")
	}
}
