package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/onnwee/ttsbot-control/allowlist"
	"github.com/onnwee/ttsbot-control/botservice"
	"github.com/onnwee/ttsbot-control/chat"
	"github.com/onnwee/ttsbot-control/config"
	"github.com/onnwee/ttsbot-control/obs"
	"github.com/onnwee/ttsbot-control/rewards"
	"github.com/onnwee/ttsbot-control/secrets"
	"github.com/onnwee/ttsbot-control/session"
	"github.com/onnwee/ttsbot-control/shortlink"
	"github.com/onnwee/ttsbot-control/store"
	"github.com/onnwee/ttsbot-control/tokens"
	"github.com/onnwee/ttsbot-control/tts"
	"github.com/onnwee/ttsbot-control/twitchapi"
)

// Deps are the long-lived dependencies built in main before secrets are resolved.
type Deps struct {
	Runtime *config.Runtime
	Repo    *store.Repo
	Secrets secrets.Store
	Allow   *allowlist.List
	Bot     *botservice.Client
	// HTTPClient is used for every outbound Twitch and vendor call when set.
	HTTPClient *http.Client
}

// Services are the components that need resolved credentials.
type Services struct {
	Config     *config.Config
	Sessions   *session.Issuer
	OAuth      *twitchapi.OAuth
	Helix      *twitchapi.HelixClient
	Tokens     *tokens.Manager
	Rewards    *rewards.Service
	OBS        *obs.Service
	TTS        *tts.Client
	ShortLinks *shortlink.Service
	Announcer  *chat.Announcer
}

// NewServices wires the credential-bearing components.
func NewServices(cfg *config.Config, s config.Secrets, d Deps) *Services {
	oa := twitchapi.NewOAuth(cfg.TwitchClientID, s.TwitchClientSecret, cfg.TwitchRedirectURI, cfg.TwitchAuthBaseURL)
	oa.HTTPClient = d.HTTPClient
	helix := &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.TokenSource{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: s.TwitchClientSecret,
			AuthBaseURL:  cfg.TwitchAuthBaseURL,
			HTTPClient:   d.HTTPClient,
		},
		ClientID:   cfg.TwitchClientID,
		BaseURL:    cfg.TwitchHelixBaseURL,
		HTTPClient: d.HTTPClient,
	}
	tm := tokens.NewManager(d.Repo, d.Secrets, oa)
	ttsClient := tts.NewClient(cfg.TTSAPIBaseURL, s.TTSAPIKey, cfg.TTSModel, cfg.TTSRatePerMin)
	ttsClient.HTTPClient = d.HTTPClient

	return &Services{
		Config:     cfg,
		Sessions:   session.NewIssuer(s.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, cfg.SessionTTL),
		OAuth:      oa,
		Helix:      helix,
		Tokens:     tm,
		Rewards:    rewards.NewService(d.Repo, helix, tm),
		OBS:        obs.NewService(d.Repo, d.Secrets, tm, cfg.PublicURL),
		TTS:        ttsClient,
		ShortLinks: shortlink.NewService(d.Repo, cfg.PublicURL+cfg.BasePath),
		Announcer:  chat.NewAnnouncer(cfg.BotUsername, s.BotOAuthToken),
	}
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps

	mu  sync.Mutex
	svc *Services
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(d Deps) *Handlers {
	return &Handlers{deps: d}
}

func (h *Handlers) cfg() *config.Config { return h.deps.Runtime.Config }

// Services builds the services on first use after secrets load. ErrNotReady is
// never cached so the next request retries.
func (h *Handlers) Services() (*Services, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.svc != nil {
		return h.svc, nil
	}
	s, err := h.deps.Runtime.Secrets()
	if err != nil {
		return nil, err
	}
	if h.deps.Repo == nil || h.deps.Secrets == nil {
		return nil, fmt.Errorf("server: repo and secret store are required")
	}
	h.svc = NewServices(h.deps.Runtime.Config, s, h.deps)
	return h.svc, nil
}

type servicesKey struct{}

func withServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// servicesFrom returns the services attached by requireReady.
func servicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// claims returns the session attached by requireSession.
func claims(r *http.Request) *session.Claims {
	c, _ := session.ClaimsFrom(r.Context())
	return c
}
