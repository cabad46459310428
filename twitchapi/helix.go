// Package twitchapi wraps the Twitch identity service (authorization-code flow,
// refresh, validation, app tokens) and the Helix endpoints the control plane uses:
// users, channel-points custom rewards, and moderators.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/onnwee/ttsbot-control/telemetry"
)

// HelixTimeout bounds every Helix call.
const HelixTimeout = 15 * time.Second

// DefaultHelixBaseURL is the public Helix root.
const DefaultHelixBaseURL = "https://api.twitch.tv/helix"

// HelixError is a non-2xx Helix response.
type HelixError struct {
	Status  int
	Message string
}

func (e *HelixError) Error() string {
	return fmt.Sprintf("twitch helix %d: %s", e.Status, e.Message)
}

// IsClientIDMismatch reports Twitch's refusal to touch a reward created by another
// application's client id.
func (e *HelixError) IsClientIDMismatch() bool {
	m := strings.ToLower(e.Message)
	return e.Status == http.StatusForbidden && (strings.Contains(m, "client-id") || strings.Contains(m, "client id"))
}

// StatusOf returns the Helix status carried by err, or 0.
func StatusOf(err error) int {
	var he *HelixError
	if errors.As(err, &he) {
		return he.Status
	}
	return 0
}

// HelixClient calls Helix with either a user token (passed per call) or the app
// token from AppTokenSource.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	BaseURL        string
	HTTPClient     *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return DefaultHelixBaseURL
}

// do performs one request. body and out may be nil.
func (hc *HelixClient) do(ctx context.Context, method, path, token string, q url.Values, body, out any) (err error) {
	ctx, cancel := context.WithTimeout(ctx, HelixTimeout)
	defer cancel()
	ctx, span := telemetry.StartClientSpan(ctx, "twitch-helix", method+" "+path)
	defer func() { telemetry.EndSpan(span, err) }()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	u := hc.base() + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		var eb struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &eb) == nil && (eb.Message != "" || eb.Error != "") {
			msg = eb.Message
			if msg == "" {
				msg = eb.Error
			}
		}
		if msg == "" {
			msg = resp.Status
		}
		return &HelixError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// User is a Helix user object.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	Email           string `json:"email"`
	ProfileImageURL string `json:"profile_image_url"`
}

// GetUser returns the user owning token.
func (hc *HelixClient) GetUser(ctx context.Context, token string) (*User, error) {
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/users", token, nil, nil, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("user not found")
	}
	return &body.Data[0], nil
}

// GetUserByLogin resolves a login name using the app token.
func (hc *HelixClient) GetUserByLogin(ctx context.Context, login string) (*User, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	if hc.AppTokenSource == nil {
		return nil, errors.New("no app token source configured")
	}
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return nil, err
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/users", tok, url.Values{"login": {login}}, nil, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("user not found")
	}
	return &body.Data[0], nil
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	u, err := hc.GetUserByLogin(ctx, login)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

// RewardSettings is the create/update body for a custom reward. Enable flags and
// their values are never omitted because Helix validates them in pairs.
type RewardSettings struct {
	Title                             string `json:"title"`
	Cost                              int    `json:"cost"`
	Prompt                            string `json:"prompt"`
	IsEnabled                         bool   `json:"is_enabled"`
	IsUserInputRequired               bool   `json:"is_user_input_required"`
	ShouldRedemptionsSkipRequestQueue bool   `json:"should_redemptions_skip_request_queue"`
	IsMaxPerStreamEnabled             bool   `json:"is_max_per_stream_enabled"`
	MaxPerStream                      int    `json:"max_per_stream"`
	IsMaxPerUserPerStreamEnabled      bool   `json:"is_max_per_user_per_stream_enabled"`
	MaxPerUserPerStream               int    `json:"max_per_user_per_stream"`
	IsGlobalCooldownEnabled           bool   `json:"is_global_cooldown_enabled"`
	GlobalCooldownSeconds             int    `json:"global_cooldown_seconds"`
}

// CustomReward is the subset of the Helix reward object the service reads.
type CustomReward struct {
	ID                                string `json:"id"`
	Title                             string `json:"title"`
	Prompt                            string `json:"prompt"`
	Cost                              int    `json:"cost"`
	IsEnabled                         bool   `json:"is_enabled"`
	IsUserInputRequired               bool   `json:"is_user_input_required"`
	ShouldRedemptionsSkipRequestQueue bool   `json:"should_redemptions_skip_request_queue"`
}

type rewardList struct {
	Data []CustomReward `json:"data"`
}

// ListCustomRewards lists the broadcaster's rewards; onlyManageable limits the result
// to rewards this client id created.
func (hc *HelixClient) ListCustomRewards(ctx context.Context, token, broadcasterID string, onlyManageable bool) ([]CustomReward, error) {
	q := url.Values{"broadcaster_id": {broadcasterID}}
	if onlyManageable {
		q.Set("only_manageable_rewards", "true")
	}
	var body rewardList
	if err := hc.do(ctx, http.MethodGet, "/channel_points/custom_rewards", token, q, nil, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

func firstReward(body rewardList) (*CustomReward, error) {
	if len(body.Data) == 0 {
		return nil, errors.New("twitch returned no reward")
	}
	return &body.Data[0], nil
}

func (hc *HelixClient) CreateCustomReward(ctx context.Context, token, broadcasterID string, s RewardSettings) (*CustomReward, error) {
	var body rewardList
	q := url.Values{"broadcaster_id": {broadcasterID}}
	if err := hc.do(ctx, http.MethodPost, "/channel_points/custom_rewards", token, q, s, &body); err != nil {
		return nil, err
	}
	return firstReward(body)
}

func (hc *HelixClient) UpdateCustomReward(ctx context.Context, token, broadcasterID, rewardID string, s RewardSettings) (*CustomReward, error) {
	var body rewardList
	q := url.Values{"broadcaster_id": {broadcasterID}, "id": {rewardID}}
	if err := hc.do(ctx, http.MethodPatch, "/channel_points/custom_rewards", token, q, s, &body); err != nil {
		return nil, err
	}
	return firstReward(body)
}

func (hc *HelixClient) DeleteCustomReward(ctx context.Context, token, broadcasterID, rewardID string) error {
	q := url.Values{"broadcaster_id": {broadcasterID}, "id": {rewardID}}
	return hc.do(ctx, http.MethodDelete, "/channel_points/custom_rewards", token, q, nil, nil)
}

// AddModerator requires the broadcaster's token with channel:manage:moderators.
func (hc *HelixClient) AddModerator(ctx context.Context, token, broadcasterID, userID string) error {
	q := url.Values{"broadcaster_id": {broadcasterID}, "user_id": {userID}}
	return hc.do(ctx, http.MethodPost, "/moderation/moderators", token, q, nil, nil)
}

func (hc *HelixClient) RemoveModerator(ctx context.Context, token, broadcasterID, userID string) error {
	q := url.Values{"broadcaster_id": {broadcasterID}, "user_id": {userID}}
	return hc.do(ctx, http.MethodDelete, "/moderation/moderators", token, q, nil, nil)
}
