package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockServer is a path-routed test server that counts hits per path.
type MockServer struct {
	*httptest.Server
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	hits     map[string]int
}

// NewMockServer creates a server answering 404 for unregistered paths.
func NewMockServer(t *testing.T) *MockServer {
	t.Helper()
	m := &MockServer{
		handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.hits[r.URL.Path]++
		handler, ok := m.handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers h for path, replacing any previous handler.
func (m *MockServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = h
}

// Hits returns how many requests reached path.
func (m *MockServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

// TotalHits returns the number of requests served.
func (m *MockServer) TotalHits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, v := range m.hits {
		n += v
	}
	return n
}

// JSON registers a handler for path replying with v.
func (m *MockServer) JSON(path string, v interface{}) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
	})
}

// HTML registers a handler for path replying with body and status.
func (m *MockServer) HTML(path string, status int, body string) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
}

// MockTwitchServer mocks the Helix and token endpoints.
type MockTwitchServer struct {
	*MockServer
}

// NewMockTwitchServer creates a new mock Twitch API server.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	return &MockTwitchServer{MockServer: NewMockServer(t)}
}

// MockUserResponse answers /helix/users with a single user.
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.JSON("/helix/users", map[string]interface{}{
		"data": []map[string]string{
			{"id": userID, "login": login, "display_name": login, "profile_image_url": "https://img.test/" + login + ".png"},
		},
	})
}

// MockNoUser answers /helix/users with an empty list.
func (m *MockTwitchServer) MockNoUser() {
	m.JSON("/helix/users", map[string]interface{}{"data": []interface{}{}})
}

// MockStreamsResponse answers /helix/streams.
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]interface{}) {
	m.JSON("/helix/streams", map[string]interface{}{"data": streams})
}

// MockFollowersResponse answers /helix/channels/followers.
func (m *MockTwitchServer) MockFollowersResponse(total int) {
	m.JSON("/helix/channels/followers", map[string]interface{}{"total": total, "data": []interface{}{}})
}

// MockOAuthTokenResponse answers /oauth2/token.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.JSON("/oauth2/token", map[string]interface{}{
		"access_token": accessToken,
		"expires_in":   expiresIn,
		"token_type":   "bearer",
	})
}
