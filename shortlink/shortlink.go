// Package shortlink maps random slugs to absolute URLs and counts redirects.
package shortlink

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/onnwee/ttsbot-control/store"
	"github.com/onnwee/ttsbot-control/telemetry"
)

const (
	slugBytes   = 6
	maxAttempts = 5
	maxURLLen   = 2048
)

// ErrInvalidURL rejects anything that is not an absolute http(s) URL.
var ErrInvalidURL = errors.New("url must be an absolute http or https URL")

type Service struct {
	Repo    *store.Repo
	BaseURL string
}

func NewService(repo *store.Repo, baseURL string) *Service {
	return &Service{Repo: repo, BaseURL: strings.TrimRight(baseURL, "/")}
}

// Created is returned from Create.
type Created struct {
	Slug     string `json:"slug"`
	ShortURL string `json:"shortUrl"`
}

// ValidateURL returns the trimmed URL or ErrInvalidURL.
func ValidateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxURLLen {
		return "", ErrInvalidURL
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", ErrInvalidURL
	}
	return raw, nil
}

// NewSlug returns 12 lowercase hex characters.
func NewSlug() (string, error) {
	b := make([]byte, slugBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate slug: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Create stores target under a fresh slug. Slugs are never overwritten; a collision
// draws a new one.
func (s *Service) Create(ctx context.Context, target string) (*Created, error) {
	target, err := ValidateURL(target)
	if err != nil {
		return nil, err
	}
	for range maxAttempts {
		slug, err := NewSlug()
		if err != nil {
			return nil, err
		}
		err = s.Repo.CreateShortLink(ctx, store.ShortLink{Slug: slug, URL: target})
		if errors.Is(err, store.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create short link: %w", err)
		}
		return &Created{Slug: slug, ShortURL: s.BaseURL + "/s/" + slug}, nil
	}
	return nil, fmt.Errorf("create short link: no free slug after %d attempts", maxAttempts)
}

// Resolve returns the target for slug and counts the click. The count is best-effort:
// a failed increment is logged and the redirect still happens.
func (s *Service) Resolve(ctx context.Context, slug string) (string, error) {
	if !validSlug(slug) {
		return "", store.ErrNotFound
	}
	l, err := s.Repo.GetShortLink(ctx, slug)
	if err != nil {
		return "", err
	}
	if err := s.Repo.IncrementShortLinkClicks(ctx, slug); err != nil {
		telemetry.ShortLinkClickErrors.Inc()
		telemetry.LoggerWithCorr(ctx).Warn("short link click increment failed",
			slog.String("slug", slug), slog.Any("err", err), slog.String("component", "shortlink"))
	}
	telemetry.ShortLinkRedirects.Inc()
	return l.URL, nil
}

func validSlug(s string) bool {
	if len(s) != 2*slugBytes {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
