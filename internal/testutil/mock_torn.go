// Package testutil provides testing utilities for the tornwatch engine.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock upstream endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockTorn is a configurable mock of the Torn user API for testing.
type MockTorn struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// Tracking
	RequestCount int
	LastQuery    map[string]string
}

// NewMockTorn creates a new mock upstream server.
func NewMockTorn() *MockTorn {
	mock := &MockTorn{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastQuery = map[string]string{
			"key":        r.URL.Query().Get("key"),
			"selections": r.URL.Query().Get("selections"),
		}
		mock.mu.Unlock()

		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockTorn) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockTorn) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockTorn) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.LastQuery = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockTorn) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockTorn) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		if resp.Headers["Content-Type"] == "" {
			w.Header().Set("Content-Type", "application/json")
		}

		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetUserResponse configures a response for a specific user id.
func (m *MockTorn) SetUserResponse(id int, resp MockResponse) {
	m.SetResponse(fmt.Sprintf("/user/%d", id), resp)
}

// SetUserSequence configures per-request scripted responses for a user id.
// Requests beyond the end of the sequence repeat the final response.
func (m *MockTorn) SetUserSequence(id int, responses []MockResponse) {
	var mu sync.Mutex
	call := 0

	m.SetHandler(fmt.Sprintf("/user/%d", id), func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := responses[call]
		if call < len(responses)-1 {
			call++
		}
		mu.Unlock()

		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		if resp.Headers["Content-Type"] == "" {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockTorn) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// defaultHandler serves a generic healthy user record.
func (m *MockTorn) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(UserBody(1, "Duke", 35, "Okay")))
}

// UserBody builds a minimal valid user payload.
func UserBody(id int, name string, level int, state string) string {
	return fmt.Sprintf(`{
		"name": %q,
		"player_id": %d,
		"level": %d,
		"status": {"description": %q, "state": %q, "until": 0},
		"faction": {"faction_id": 42, "faction_name": "The Syndicate"},
		"last_action": {"status": "Online", "timestamp": 1767182400, "relative": "5 minutes ago"},
		"profile_image": "https://example.com/avatar.png"
	}`, name, id, level, state, state)
}

// HospitalUserBody builds a user payload in the hospital until the given time.
func HospitalUserBody(id int, name string, level int, until time.Time) string {
	return fmt.Sprintf(`{
		"name": %q,
		"player_id": %d,
		"level": %d,
		"status": {"description": "In hospital", "state": "Hospital", "until": %d},
		"faction": {"faction_id": 0, "faction_name": ""},
		"last_action": {"status": "Offline", "timestamp": 1767182400, "relative": "1 hour ago"},
		"profile_image": ""
	}`, name, id, level, until.Unix())
}

// NewUserResponse creates a standard 200 OK user record response.
func NewUserResponse(id int, name string, level int, state string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       UserBody(id, name, level, state),
	}
}

// NewErrorCodeResponse creates a 200 response carrying an embedded upstream
// error object, the way the Torn API reports most failures.
func NewErrorCodeResponse(code int, message string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       fmt.Sprintf(`{"error":{"code":%d,"error":%q}}`, code, message),
	}
}

// NewThrottleResponse creates a 429 Too Many Requests response with a
// Retry-After header in seconds.
func NewThrottleResponse(retryAfterSeconds int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error":{"code":5,"error":"Too many requests"}}`,
		Headers: map[string]string{
			"Retry-After": fmt.Sprintf("%d", retryAfterSeconds),
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
	}
}

// NewMalformedResponse creates a 200 response with an unparseable body.
func NewMalformedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"name": "Duke", "level": `,
	}
}
