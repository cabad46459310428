// Package obs issues the per-channel token that authorizes the public OBS browser
// source. Tokens are stored as secret versions and only referenced (never copied)
// from the channel documents.
package obs

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/onnwee/ttsbot-control/secrets"
	"github.com/onnwee/ttsbot-control/store"
)

// TokenBytes is the amount of randomness in a generated token.
const TokenBytes = 32

// TokenProvider gates issuance on a usable Twitch token; *tokens.Manager implements it.
type TokenProvider interface {
	GetValidToken(ctx context.Context, login string) (string, error)
}

// Issued is what the dashboard shows the streamer.
type Issued struct {
	Token            string `json:"token"`
	BrowserSourceURL string `json:"browserSourceUrl"`
	Generated        bool   `json:"generated"`
}

type Service struct {
	Repo      *store.Repo
	Secrets   secrets.Store
	Tokens    TokenProvider
	PublicURL string
}

func NewService(repo *store.Repo, s secrets.Store, tp TokenProvider, publicURL string) *Service {
	return &Service{Repo: repo, Secrets: s, Tokens: tp, PublicURL: publicURL}
}

// GetOrCreate returns the channel's existing token, looking first at the TTS config
// reference and then at the legacy reference on the channel record, and generates one
// only when neither resolves.
func (s *Service) GetOrCreate(ctx context.Context, login string) (*Issued, error) {
	login = store.NormalizeLogin(login)
	if _, err := s.Tokens.GetValidToken(ctx, login); err != nil {
		return nil, err
	}

	cfg, err := s.Repo.GetTTSConfig(ctx, login)
	if err != nil {
		return nil, fmt.Errorf("load tts config: %w", err)
	}
	if tok, ok, err := s.read(ctx, cfg.OBSSocketSecretName); err != nil {
		return nil, err
	} else if ok {
		return s.issued(login, tok, false), nil
	}

	ch, err := s.Repo.GetChannel(ctx, login)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load channel: %w", err)
	}
	if ch != nil {
		if tok, ok, err := s.read(ctx, ch.OBSTokenSecretName); err != nil {
			return nil, err
		} else if ok {
			// carry the legacy reference forward so later reads skip this branch
			name := ch.OBSTokenSecretName
			if err := s.Repo.MergeTTSConfig(ctx, login, store.TTSConfigUpdate{OBSSocketSecretName: &name}); err != nil {
				slog.Warn("copying legacy obs reference failed",
					slog.String("channel", login), slog.Any("err", err), slog.String("component", "obs"))
			}
			return s.issued(login, tok, false), nil
		}
	}

	return s.generate(ctx, login)
}

// Rotate always writes a new token version; older browser-source URLs stop working.
func (s *Service) Rotate(ctx context.Context, login string) (*Issued, error) {
	login = store.NormalizeLogin(login)
	if _, err := s.Tokens.GetValidToken(ctx, login); err != nil {
		return nil, err
	}
	return s.generate(ctx, login)
}

// Verify reports whether token is the channel's current token. Channels that
// predate the TTS-config reference are checked against the legacy channel one.
func (s *Service) Verify(ctx context.Context, login, token string) (bool, error) {
	login = store.NormalizeLogin(login)
	cfg, err := s.Repo.GetTTSConfig(ctx, login)
	if err != nil {
		return false, err
	}
	cur, ok, err := s.read(ctx, cfg.OBSSocketSecretName)
	if err != nil {
		return false, err
	}
	if !ok {
		ch, err := s.Repo.GetChannel(ctx, login)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("load channel: %w", err)
		}
		if cur, ok, err = s.read(ctx, ch.OBSTokenSecretName); err != nil || !ok {
			return false, err
		}
	}
	return token != "" && subtle.ConstantTimeCompare([]byte(cur), []byte(token)) == 1, nil
}

func (s *Service) read(ctx context.Context, name string) (string, bool, error) {
	if name == "" {
		return "", false, nil
	}
	v, err := s.Secrets.AccessLatest(ctx, name)
	if errors.Is(err, secrets.ErrNotFound) || (err == nil && v == "") {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read obs token: %w", err)
	}
	return v, true, nil
}

func (s *Service) generate(ctx context.Context, login string) (*Issued, error) {
	tok, err := NewToken()
	if err != nil {
		return nil, err
	}
	name := secrets.OBSTokenID(login)
	if _, err := secrets.Put(ctx, s.Secrets, name, tok); err != nil {
		return nil, fmt.Errorf("store obs token: %w", err)
	}
	if err := s.Repo.MergeTTSConfig(ctx, login, store.TTSConfigUpdate{OBSSocketSecretName: &name}); err != nil {
		return nil, fmt.Errorf("reference obs token: %w", err)
	}
	slog.Info("obs token generated", slog.String("channel", login), slog.String("component", "obs"))
	return s.issued(login, tok, true), nil
}

func (s *Service) issued(login, tok string, generated bool) *Issued {
	return &Issued{Token: tok, BrowserSourceURL: BrowserSourceURL(s.PublicURL, login, tok), Generated: generated}
}

// NewToken returns TokenBytes of randomness, hex encoded.
func NewToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate obs token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// BrowserSourceURL is the page OBS loads as a browser source.
func BrowserSourceURL(base, login, token string) string {
	q := url.Values{}
	q.Set("channel", login)
	q.Set("token", token)
	return base + "/obs-source.html?" + q.Encode()
}
