// Package session issues and verifies the signed bearer tokens handed to the dashboard
// and viewer-preferences UI after Twitch OAuth completes. A viewer session differs
// from a streamer session only by its scope claim.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the session lifetime. There is no refresh; users repeat OAuth.
const DefaultTTL = 7 * 24 * time.Hour

// ScopeViewer marks a viewer-scoped session.
const ScopeViewer = "viewer"

// ErrUnauthorized wraps every verification failure.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is what a session asserts.
type Identity struct {
	UserID      string
	UserLogin   string
	DisplayName string
	Scope       string
}

// Claims is the JWT payload.
type Claims struct {
	UserID      string `json:"userId"`
	UserLogin   string `json:"userLogin"`
	DisplayName string `json:"displayName,omitempty"`
	Scope       string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// IsViewer reports a viewer-scoped session.
func (c *Claims) IsViewer() bool { return c.Scope == ScopeViewer }

// Issuer signs and verifies HS256 session tokens.
type Issuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

func NewIssuer(secret, issuer, audience string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: []byte(secret), issuer: issuer, audience: audience, ttl: ttl, now: time.Now}
}

// Issue signs a session for id.
func (i *Issuer) Issue(id Identity) (string, error) {
	if id.UserID == "" || id.UserLogin == "" {
		return "", errors.New("session identity requires user id and login")
	}
	now := i.now()
	claims := Claims{
		UserID:      id.UserID,
		UserLogin:   strings.ToLower(id.UserLogin),
		DisplayName: id.DisplayName,
		Scope:       id.Scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   id.UserID,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry, issuer and audience.
func (i *Issuer) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if claims.UserID == "" || claims.UserLogin == "" {
		return nil, fmt.Errorf("%w: incomplete claims", ErrUnauthorized)
	}
	return &claims, nil
}

// FromRequest verifies the `Authorization: Bearer <token>` header.
func (i *Issuer) FromRequest(r *http.Request) (*Claims, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return nil, fmt.Errorf("%w: missing authorization header", ErrUnauthorized)
	}
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tok) == "" {
		return nil, fmt.Errorf("%w: malformed authorization header", ErrUnauthorized)
	}
	return i.Verify(strings.TrimSpace(tok))
}

type ctxKey struct{}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// ClaimsFrom returns the verified claims attached by the auth middleware.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok && c != nil
}
