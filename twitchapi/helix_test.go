package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type rewriteTransport struct {
	Transport http.RoundTripper
	host      string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Rewrite URL to point to test server
	req.URL.Scheme = "http"
	if t.host != "" {
		host := t.host
		host = strings.TrimPrefix(host, "http://")
		host = strings.TrimPrefix(host, "https://")
		req.URL.Host = host
	}
	return t.Transport.RoundTrip(req)
}

func newTestHelix(t *testing.T, h http.HandlerFunc) *HelixClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &HelixClient{
		ClientID: "cid",
		HTTPClient: &http.Client{Transport: &rewriteTransport{
			Transport: http.DefaultTransport,
			host:      srv.URL,
		}},
	}
}

func TestHelixHeadersAndGetUser(t *testing.T) {
	hc := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/helix/users" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Client-Id"); got != "cid" {
			t.Errorf("Client-Id = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer user-tok" {
			t.Errorf("Authorization = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"id": "42", "login": "streamer", "display_name": "Streamer", "email": "s@example.com"}},
		})
	})
	u, err := hc.GetUser(context.Background(), "user-tok")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if u.ID != "42" || u.DisplayName != "Streamer" || u.Email != "s@example.com" {
		t.Errorf("user = %+v", u)
	}
}

func TestHelixGetUserEmpty(t *testing.T) {
	hc := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	})
	if _, err := hc.GetUser(context.Background(), "tok"); err == nil {
		t.Fatal("expected error for empty data")
	}
}

func TestHelixErrorDecoding(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantMsg    string
		wantClient bool
	}{
		{
			name:    "json message",
			status:  http.StatusNotFound,
			body:    `{"error":"Not Found","status":404,"message":"reward not found"}`,
			wantMsg: "reward not found",
		},
		{
			name:       "client id mismatch",
			status:     http.StatusForbidden,
			body:       `{"error":"Forbidden","status":403,"message":"The client-id in the header must match the client ID used to create the custom reward."}`,
			wantMsg:    "The client-id in the header must match the client ID used to create the custom reward.",
			wantClient: true,
		},
		{
			name:    "plain body",
			status:  http.StatusBadGateway,
			body:    "upstream down",
			wantMsg: "upstream down",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := hc.UpdateCustomReward(context.Background(), "tok", "b1", "r1", RewardSettings{Title: "x", Cost: 1})
			var he *HelixError
			if !errors.As(err, &he) {
				t.Fatalf("err = %v, want *HelixError", err)
			}
			if he.Status != tt.status || he.Message != tt.wantMsg {
				t.Errorf("HelixError = %+v", he)
			}
			if he.IsClientIDMismatch() != tt.wantClient {
				t.Errorf("IsClientIDMismatch() = %v", he.IsClientIDMismatch())
			}
			if StatusOf(err) != tt.status {
				t.Errorf("StatusOf() = %d", StatusOf(err))
			}
		})
	}
}

func TestCustomRewardRequests(t *testing.T) {
	var seen []string
	hc := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery)
		switch r.Method {
		case http.MethodGet:
			_, _ = w.Write([]byte(`{"data":[{"id":"r1","title":"TTS","cost":100}]}`))
		case http.MethodPost, http.MethodPatch:
			b, _ := io.ReadAll(r.Body)
			var m map[string]any
			if err := json.Unmarshal(b, &m); err != nil {
				t.Fatalf("body: %v", err)
			}
			for _, k := range []string{"is_max_per_stream_enabled", "max_per_stream", "is_global_cooldown_enabled", "global_cooldown_seconds"} {
				if _, ok := m[k]; !ok {
					t.Errorf("body missing %s", k)
				}
			}
			_, _ = w.Write([]byte(`{"data":[{"id":"r2","title":"TTS"}]}`))
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	ctx := context.Background()

	list, err := hc.ListCustomRewards(ctx, "tok", "b1", true)
	if err != nil || len(list) != 1 || list[0].ID != "r1" {
		t.Fatalf("ListCustomRewards() = %+v, %v", list, err)
	}
	created, err := hc.CreateCustomReward(ctx, "tok", "b1", RewardSettings{Title: "TTS", Cost: 100})
	if err != nil || created.ID != "r2" {
		t.Fatalf("CreateCustomReward() = %+v, %v", created, err)
	}
	if _, err := hc.UpdateCustomReward(ctx, "tok", "b1", "r2", RewardSettings{Title: "TTS", Cost: 100}); err != nil {
		t.Fatal(err)
	}
	if err := hc.DeleteCustomReward(ctx, "tok", "b1", "r2"); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"GET /helix/channel_points/custom_rewards?broadcaster_id=b1&only_manageable_rewards=true",
		"POST /helix/channel_points/custom_rewards?broadcaster_id=b1",
		"PATCH /helix/channel_points/custom_rewards?broadcaster_id=b1&id=r2",
		"DELETE /helix/channel_points/custom_rewards?broadcaster_id=b1&id=r2",
	}
	if len(seen) != len(want) {
		t.Fatalf("requests = %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("request %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestModerators(t *testing.T) {
	var methods []string
	hc := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/helix/moderation/moderators" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("user_id") != "bot" {
			t.Errorf("user_id = %s", r.URL.Query().Get("user_id"))
		}
		methods = append(methods, r.Method)
		w.WriteHeader(http.StatusNoContent)
	})
	ctx := context.Background()
	if err := hc.AddModerator(ctx, "tok", "b1", "bot"); err != nil {
		t.Fatal(err)
	}
	if err := hc.RemoveModerator(ctx, "tok", "b1", "bot"); err != nil {
		t.Fatal(err)
	}
	if strings.Join(methods, ",") != "POST,DELETE" {
		t.Errorf("methods = %v", methods)
	}
}

func TestGetUserByLoginUsesAppToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/token":
			_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "app-tok", "expires_in": 3600, "token_type": "bearer"})
		case "/helix/users":
			if r.Header.Get("Authorization") != "Bearer app-tok" {
				t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
			}
			if r.URL.Query().Get("login") != "somechan" {
				t.Errorf("login = %q", r.URL.Query().Get("login"))
			}
			_, _ = w.Write([]byte(`{"data":[{"id":"99","login":"somechan","display_name":"SomeChan"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	client := &http.Client{Transport: &rewriteTransport{Transport: http.DefaultTransport, host: srv.URL}}
	hc := &HelixClient{
		ClientID:       "cid",
		HTTPClient:     client,
		AppTokenSource: &TokenSource{ClientID: "cid", ClientSecret: "sec", HTTPClient: client},
	}
	id, err := hc.GetUserID(context.Background(), "somechan")
	if err != nil {
		t.Fatalf("GetUserID() error = %v", err)
	}
	if id != "99" {
		t.Errorf("id = %s", id)
	}
}
