package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrNotReady is returned by Runtime.Secrets before the startup load has finished.
var ErrNotReady = errors.New("configuration not loaded yet")

// SecretReader resolves a secret reference to its latest value.
type SecretReader interface {
	AccessLatest(ctx context.Context, name string) (string, error)
}

// Secrets holds the credential values resolved at startup.
type Secrets struct {
	TwitchClientSecret string
	JWTSecret          string
	TTSAPIKey          string
	BotOAuthToken      string
}

// Runtime is constructed once at process start and shared by every component that
// needs resolved credentials. Readers must wait on Ready (or use Secrets, which fails
// with ErrNotReady) instead of racing the initial load. A failed load is permanent:
// the service keeps answering 503 rather than running with empty credentials.
type Runtime struct {
	Config *Config

	once    sync.Once
	ready   chan struct{}
	secrets Secrets
	err     error
}

// NewRuntime returns a Runtime whose secrets are not yet loaded.
func NewRuntime(cfg *Config) *Runtime {
	return &Runtime{Config: cfg, ready: make(chan struct{})}
}

// NewStaticRuntime returns an already-resolved Runtime. Used by tests and by callers
// that pass every credential literally.
func NewStaticRuntime(cfg *Config, s Secrets) *Runtime {
	rt := NewRuntime(cfg)
	rt.finish(s, nil)
	return rt
}

// Load resolves every credential exactly once. Subsequent calls are no-ops and return
// the first result.
func (rt *Runtime) Load(ctx context.Context, reader SecretReader) error {
	rt.once.Do(func() {
		s, err := resolveSecrets(ctx, rt.Config, reader)
		if err != nil {
			slog.Error("secret load failed; service will answer 503 until restarted", slog.Any("err", err), slog.String("component", "config"))
		} else {
			slog.Info("secrets loaded", slog.String("component", "config"))
		}
		rt.secrets = s
		rt.err = err
		close(rt.ready)
	})
	<-rt.ready
	return rt.err
}

func (rt *Runtime) finish(s Secrets, err error) {
	rt.once.Do(func() {
		rt.secrets = s
		rt.err = err
		close(rt.ready)
	})
}

// Ready is closed once the load attempt completes (successfully or not).
func (rt *Runtime) Ready() <-chan struct{} { return rt.ready }

// Secrets returns the resolved credentials, ErrNotReady while loading, or the load error.
func (rt *Runtime) Secrets() (Secrets, error) {
	select {
	case <-rt.ready:
		return rt.secrets, rt.err
	default:
		return Secrets{}, ErrNotReady
	}
}

// Wait blocks until the load completes or ctx is done.
func (rt *Runtime) Wait(ctx context.Context) (Secrets, error) {
	select {
	case <-rt.ready:
		return rt.secrets, rt.err
	case <-ctx.Done():
		return Secrets{}, ctx.Err()
	}
}

func resolveSecrets(ctx context.Context, cfg *Config, reader SecretReader) (Secrets, error) {
	var s Secrets
	var err error
	if s.TwitchClientSecret, err = resolveOne(ctx, reader, "TWITCH_CLIENT_SECRET", cfg.TwitchClientSecret, cfg.TwitchClientSecretName, true); err != nil {
		return Secrets{}, err
	}
	if s.JWTSecret, err = resolveOne(ctx, reader, "JWT_SECRET", cfg.JWTSecret, cfg.JWTSecretName, true); err != nil {
		return Secrets{}, err
	}
	if len(s.JWTSecret) < 32 {
		return Secrets{}, fmt.Errorf("JWT_SECRET must be at least 32 bytes, got %d", len(s.JWTSecret))
	}
	if s.TTSAPIKey, err = resolveOne(ctx, reader, "TTS_API_KEY", cfg.TTSAPIKey, cfg.TTSAPIKeyName, false); err != nil {
		return Secrets{}, err
	}
	if s.BotOAuthToken, err = resolveOne(ctx, reader, "TWITCH_BOT_OAUTH_TOKEN", cfg.BotOAuthToken, cfg.BotOAuthTokenName, false); err != nil {
		return Secrets{}, err
	}
	return s, nil
}

// resolveOne prefers the literal value; otherwise reads the named secret.
func resolveOne(ctx context.Context, reader SecretReader, label, literal, name string, required bool) (string, error) {
	if literal != "" {
		return literal, nil
	}
	if name == "" {
		if required {
			return "", fmt.Errorf("missing %s (set %s or %s_NAME)", label, label, label)
		}
		return "", nil
	}
	if reader == nil {
		return "", fmt.Errorf("%s_NAME set but no secret store configured", label)
	}
	v, err := reader.AccessLatest(ctx, name)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", label, err)
	}
	return v, nil
}
