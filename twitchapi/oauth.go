package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
)

// OAuthTimeout bounds every call to the Twitch identity service.
const OAuthTimeout = 10 * time.Second

// DefaultAuthBaseURL is Twitch's identity host.
const DefaultAuthBaseURL = "https://id.twitch.tv"

// ErrInvalidToken is returned by Validate when Twitch rejects the access token.
var ErrInvalidToken = errors.New("twitch access token is invalid")

// Token is the result of a code exchange or refresh.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       []string
}

// Validation is the body of GET /oauth2/validate.
type Validation struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// OAuth performs the authorization-code flow against Twitch.
type OAuth struct {
	conf       oauth2.Config
	baseURL    string
	HTTPClient *http.Client
}

// NewOAuth builds a client. An empty baseURL means the public Twitch endpoint.
func NewOAuth(clientID, clientSecret, redirectURI, baseURL string) *OAuth {
	endpoint := twitch.Endpoint
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = DefaultAuthBaseURL
	}
	if baseURL != DefaultAuthBaseURL {
		endpoint = oauth2.Endpoint{
			AuthURL:   baseURL + "/oauth2/authorize",
			TokenURL:  baseURL + "/oauth2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		}
	}
	return &OAuth{
		conf: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Endpoint:     endpoint,
		},
		baseURL: baseURL,
	}
}

// SplitScopes accepts space- or comma-separated scope lists.
func SplitScopes(s string) []string {
	return strings.Fields(strings.ReplaceAll(s, ",", " "))
}

// AuthCodeURL builds the authorize URL. forceVerify makes Twitch re-prompt, which is
// needed when upgrading an existing grant to more scopes.
func (o *OAuth) AuthCodeURL(state string, scopes []string, forceVerify bool) (string, error) {
	if o.conf.ClientID == "" || o.conf.RedirectURL == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	c := o.conf
	c.Scopes = scopes
	var opts []oauth2.AuthCodeOption
	if forceVerify {
		opts = append(opts, oauth2.SetAuthURLParam("force_verify", "true"))
	}
	return c.AuthCodeURL(state, opts...), nil
}

func (o *OAuth) ctx(ctx context.Context) context.Context {
	if o.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, o.HTTPClient)
	}
	return ctx
}

// Exchange trades an authorization code for tokens.
func (o *OAuth) Exchange(ctx context.Context, code string) (*Token, error) {
	if code == "" {
		return nil, errors.New("missing authorization code")
	}
	ctx, cancel := context.WithTimeout(ctx, OAuthTimeout)
	defer cancel()
	tok, err := o.conf.Exchange(o.ctx(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("twitch auth code exchange failed: %w", err)
	}
	return fromOAuth2(tok), nil
}

// Refresh exchanges a refresh token for a new token pair. Twitch rotates refresh
// tokens, so callers must persist the returned RefreshToken.
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, errors.New("missing refresh token")
	}
	ctx, cancel := context.WithTimeout(ctx, OAuthTimeout)
	defer cancel()
	// Expiry in the past forces the token source to hit the refresh endpoint.
	src := o.conf.TokenSource(o.ctx(ctx), &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("twitch refresh failed: %w", err)
	}
	out := fromOAuth2(tok)
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	return out, nil
}

func fromOAuth2(tok *oauth2.Token) *Token {
	t := &Token{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, Expiry: tok.Expiry}
	if t.Expiry.IsZero() {
		t.Expiry = ComputeExpiry(0)
	}
	switch v := tok.Extra("scope").(type) {
	case []any:
		for _, s := range v {
			if str, ok := s.(string); ok {
				t.Scopes = append(t.Scopes, str)
			}
		}
	case string:
		t.Scopes = SplitScopes(v)
	}
	return t
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

// Validate checks an access token and returns the identity it belongs to.
func (o *OAuth) Validate(ctx context.Context, accessToken string) (*Validation, error) {
	ctx, cancel := context.WithTimeout(ctx, OAuthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/oauth2/validate", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)
	hc := o.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrInvalidToken
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("twitch token validation failed: %s: %s", resp.Status, string(b))
	}
	var v Validation
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}
