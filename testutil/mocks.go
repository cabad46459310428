package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockTwitchServer serves both the id.twitch.tv OAuth endpoints (under /oauth2) and
// Helix (under /helix) from one httptest server.
type MockTwitchServer struct {
	*httptest.Server

	mu       sync.Mutex
	Handlers map[string]http.HandlerFunc
	Requests []string
}

// NewMockTwitchServer creates a new mock Twitch API server. Unregistered paths 404.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.Requests = append(m.Requests, r.Method+" "+r.URL.Path)
		handler, ok := m.Handlers[r.Method+" "+r.URL.Path]
		if !ok {
			handler, ok = m.Handlers[r.URL.Path]
		}
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

// HelixURL is the Helix base URL to configure clients with.
func (m *MockTwitchServer) HelixURL() string { return m.URL + "/helix" }

// Handle registers h for key, which is either "METHOD /path" or "/path".
func (m *MockTwitchServer) Handle(key string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[key] = h
}

// Called reports whether a request matching "METHOD /path" was received.
func (m *MockTwitchServer) Called(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.Requests {
		if r == key {
			return true
		}
	}
	return false
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockUserResponse adds a handler for /helix/users.
func (m *MockTwitchServer) MockUserResponse(userID, login, displayName, email string) {
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]string{
				{"id": userID, "login": login, "display_name": displayName, "email": email},
			},
		})
	})
}

// MockOAuthTokenResponse adds a handler for the token endpoint (code exchange,
// refresh, and client credentials all share it).
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken, refreshToken string, expiresIn int, scopes []string) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"scope":         scopes,
			"token_type":    "bearer",
		})
	})
}

// MockValidateResponse adds a handler for /oauth2/validate.
func (m *MockTwitchServer) MockValidateResponse(clientID, userID, login string, scopes []string) {
	m.Handle("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "OAuth ") {
			WriteJSON(w, http.StatusUnauthorized, map[string]any{"status": 401, "message": "invalid access token"})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"client_id": clientID, "login": login, "user_id": userID, "scopes": scopes, "expires_in": 14400,
		})
	})
}

// MockHelixError makes key answer with a Helix-shaped error.
func (m *MockTwitchServer) MockHelixError(key string, status int, message string) {
	m.Handle(key, func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, status, map[string]any{"error": http.StatusText(status), "status": status, "message": message})
	})
}
