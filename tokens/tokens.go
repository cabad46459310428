// Package tokens owns each streamer's Twitch user-token lifecycle: persisting the
// pair after OAuth, handing out a valid access token on demand (refreshing when it is
// near expiry), and flagging channels that must repeat the OAuth flow.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/onnwee/ttsbot-control/secrets"
	"github.com/onnwee/ttsbot-control/store"
	"github.com/onnwee/ttsbot-control/telemetry"
	"github.com/onnwee/ttsbot-control/twitchapi"
)

// RefreshWindow is how close to expiry a token is refreshed on demand.
const RefreshWindow = 5 * time.Minute

// ReauthError means the stored grant is unusable and the streamer must repeat OAuth.
type ReauthError struct {
	Login  string
	Reason string
	Err    error
}

func (e *ReauthError) Error() string {
	return fmt.Sprintf("twitch authorization for %s is no longer valid (%s); please re-authenticate", e.Login, e.Reason)
}

func (e *ReauthError) Unwrap() error { return e.Err }

// NeedsReauth reports whether err (or anything it wraps) is a *ReauthError.
func NeedsReauth(err error) bool {
	var re *ReauthError
	return errors.As(err, &re)
}

// Refresher exchanges a refresh token; *twitchapi.OAuth implements it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*twitchapi.Token, error)
}

// Manager hands out valid user tokens.
type Manager struct {
	repo    *store.Repo
	secrets secrets.Store
	oauth   Refresher

	group singleflight.Group
	now   func() time.Time
}

func NewManager(repo *store.Repo, s secrets.Store, oauth Refresher) *Manager {
	return &Manager{repo: repo, secrets: s, oauth: oauth, now: time.Now}
}

// SaveTokens stores both tokens as new secret versions and returns the secret names.
func (m *Manager) SaveTokens(ctx context.Context, login string, tok *twitchapi.Token) (accessName, refreshName string, err error) {
	login = store.NormalizeLogin(login)
	accessName = secrets.TwitchAccessTokenID(login)
	refreshName = secrets.TwitchRefreshTokenID(login)
	if _, err := secrets.Put(ctx, m.secrets, accessName, tok.AccessToken); err != nil {
		return "", "", err
	}
	if tok.RefreshToken != "" {
		if _, err := secrets.Put(ctx, m.secrets, refreshName, tok.RefreshToken); err != nil {
			return "", "", err
		}
	}
	return accessName, refreshName, nil
}

// GetValidToken returns an access token for login that is good for at least
// RefreshWindow, refreshing it when needed. Concurrent callers for the same login
// share one refresh.
func (m *Manager) GetValidToken(ctx context.Context, login string) (string, error) {
	login = store.NormalizeLogin(login)
	ch, err := m.repo.GetChannel(ctx, login)
	if errors.Is(err, store.ErrNotFound) {
		return "", &ReauthError{Login: login, Reason: "channel not connected", Err: err}
	}
	if err != nil {
		return "", fmt.Errorf("load channel %s: %w", login, err)
	}
	if !ch.NeedsTwitchReAuth && ch.AccessTokenSecretName != "" &&
		ch.TwitchAccessTokenExpiresAt != nil && ch.TwitchAccessTokenExpiresAt.After(m.now().Add(RefreshWindow)) {
		tok, err := m.secrets.AccessLatest(ctx, ch.AccessTokenSecretName)
		if err == nil && tok != "" {
			return tok, nil
		}
		slog.Warn("stored access token unreadable, refreshing",
			slog.String("channel", login), slog.Any("err", err), slog.String("component", "tokens"))
	}
	return m.shared(ctx, login, false)
}

// Refresh forces a refresh for login.
func (m *Manager) Refresh(ctx context.Context, login string) (string, error) {
	return m.shared(ctx, store.NormalizeLogin(login), true)
}

func (m *Manager) shared(ctx context.Context, login string, force bool) (string, error) {
	// The shared refresh must not die with whichever caller started it.
	res := m.group.DoChan(login, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), login, force)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-res:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	}
}

func (m *Manager) refresh(ctx context.Context, login string, force bool) (string, error) {
	ch, err := m.repo.GetChannel(ctx, login)
	if errors.Is(err, store.ErrNotFound) {
		return "", &ReauthError{Login: login, Reason: "channel not connected", Err: err}
	}
	if err != nil {
		return "", fmt.Errorf("load channel %s: %w", login, err)
	}
	// Another caller may have refreshed between our read and this one.
	if !force && !ch.NeedsTwitchReAuth && ch.TwitchAccessTokenExpiresAt != nil &&
		ch.TwitchAccessTokenExpiresAt.After(m.now().Add(RefreshWindow)) {
		if tok, err := m.secrets.AccessLatest(ctx, ch.AccessTokenSecretName); err == nil && tok != "" {
			return tok, nil
		}
	}
	if ch.RefreshTokenSecretName == "" {
		return "", m.markReauth(ctx, login, "no refresh token stored", nil)
	}
	rt, err := m.secrets.AccessLatest(ctx, ch.RefreshTokenSecretName)
	if errors.Is(err, secrets.ErrNotFound) || (err == nil && rt == "") {
		return "", m.markReauth(ctx, login, "refresh token missing", err)
	}
	if err != nil {
		return "", fmt.Errorf("read refresh token for %s: %w", login, err)
	}

	tok, err := m.oauth.Refresh(ctx, rt)
	if err != nil {
		telemetry.TokenRefreshes.WithLabelValues("failure").Inc()
		return "", m.markReauth(ctx, login, "refresh rejected", err)
	}
	accessName, refreshName, err := m.SaveTokens(ctx, login, tok)
	if err != nil {
		telemetry.TokenRefreshes.WithLabelValues("failure").Inc()
		return "", fmt.Errorf("persist refreshed tokens for %s: %w", login, err)
	}
	now := m.now().UTC()
	noErr, reauth := "", false
	upd := store.ChannelUpdate{
		TwitchAccessTokenExpiresAt: &tok.Expiry,
		NeedsTwitchReAuth:          &reauth,
		AccessTokenSecretName:      &accessName,
		RefreshTokenSecretName:     &refreshName,
		LastTokenRefreshAt:         &now,
		LastTokenError:             &noErr,
	}
	if len(tok.Scopes) > 0 {
		upd.TwitchScopes = tok.Scopes
	}
	if err := m.repo.MergeChannel(ctx, login, upd); err != nil {
		return "", fmt.Errorf("update channel %s after refresh: %w", login, err)
	}
	telemetry.TokenRefreshes.WithLabelValues("success").Inc()
	slog.Info("twitch token refreshed", slog.String("channel", login), slog.String("component", "tokens"))
	return tok.AccessToken, nil
}

func (m *Manager) markReauth(ctx context.Context, login, reason string, cause error) error {
	msg := reason
	if cause != nil {
		msg = reason + ": " + cause.Error()
	}
	flag := true
	if err := m.repo.MergeChannel(ctx, login, store.ChannelUpdate{NeedsTwitchReAuth: &flag, LastTokenError: &msg}); err != nil {
		slog.Error("failed to flag channel for re-auth",
			slog.String("channel", login), slog.Any("err", err), slog.String("component", "tokens"))
	}
	slog.Warn("twitch token needs re-auth",
		slog.String("channel", login), slog.String("reason", msg), slog.String("component", "tokens"))
	return &ReauthError{Login: login, Reason: reason, Err: cause}
}

// Status is the twitchTokenStatus reported to the dashboard.
type Status string

const (
	StatusValid       Status = "valid"
	StatusExpired     Status = "expired"
	StatusNotFound    Status = "not_found"
	StatusNeedsReauth Status = "needs_reauth"
	StatusError       Status = "error"
)

// Inspect classifies the stored token without refreshing it. ch is nil unless the
// channel document was read.
func (m *Manager) Inspect(ctx context.Context, login string) (Status, *store.ManagedChannel) {
	ch, err := m.repo.GetChannel(ctx, login)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return StatusNotFound, nil
	case err != nil:
		slog.Error("token status lookup failed",
			slog.String("channel", login), slog.Any("err", err), slog.String("component", "tokens"))
		return StatusError, nil
	case ch.NeedsTwitchReAuth:
		return StatusNeedsReauth, ch
	case ch.TwitchAccessTokenExpiresAt == nil || !ch.TwitchAccessTokenExpiresAt.After(m.now()):
		return StatusExpired, ch
	}
	return StatusValid, ch
}
