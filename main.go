// Command ttsbot-control is the control-plane API for the TTS chat bot.
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens the document store (Firestore, Postgres, or memory) and the secret store.
//   - Resolves runtime secrets in the background; gated routes answer 503 until then.
//   - Starts the background Twitch token refresher once secrets are available.
//   - Serves the dashboard API, OAuth flows, short links, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/ttsbot-control/allowlist"
	"github.com/onnwee/ttsbot-control/botservice"
	"github.com/onnwee/ttsbot-control/config"
	"github.com/onnwee/ttsbot-control/crypto"
	"github.com/onnwee/ttsbot-control/oauth"
	"github.com/onnwee/ttsbot-control/secrets"
	"github.com/onnwee/ttsbot-control/server"
	"github.com/onnwee/ttsbot-control/store"
	"github.com/onnwee/ttsbot-control/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing(cfg.ServiceName, "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, database, err := store.Open(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", slog.String("backend", cfg.StoreBackend), slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			slog.Error("failed to close store", slog.Any("err", err))
		}
	}()

	secretStore, secretsDB, err := openSecrets(ctx, cfg, database)
	if err != nil {
		slog.Error("failed to open secret store", slog.String("backend", cfg.SecretsBackend), slog.Any("err", err))
		os.Exit(1)
	}
	for _, d := range []*sql.DB{database, secretsDB} {
		if d == nil {
			continue
		}
		defer func(d *sql.DB) {
			if err := d.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}(d)
	}

	bot, err := botservice.New(ctx, cfg.BotServiceURL, cfg.BotServiceAudience)
	if err != nil {
		slog.Error("bot service client init failed", slog.Any("err", err))
		os.Exit(1)
	}
	allow := allowlist.Load(ctx, cfg.AllowedChannels, cfg.AllowedChannelsName, secretStore)

	rt := config.NewRuntime(cfg)
	h := server.NewHandlers(server.Deps{
		Runtime:    rt,
		Repo:       repo,
		Secrets:    secretStore,
		Allow:      allow,
		Bot:        bot,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	})

	// Secrets resolve in the background so the port binds immediately.
	telemetry.SetConfigReady(false)
	go func() {
		if err := rt.Load(ctx, secretStore); err != nil {
			slog.Error("runtime secrets failed to load; gated routes will answer 503",
				slog.Any("err", err), slog.String("component", "config"))
			return
		}
		telemetry.SetConfigReady(true)
		svc, err := h.Services()
		if err != nil {
			slog.Error("service construction failed", slog.Any("err", err), slog.String("component", "config"))
			return
		}
		oauth.StartRefresher(ctx, repo, svc.Tokens, cfg.RefreshInterval, cfg.RefreshWindow)
		slog.Info("runtime configuration ready", slog.String("component", "config"))
	}()

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	addr := cfg.HTTPAddr
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	go func() {
		if err := server.Start(ctx, server.NewMux(ctx, h), addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}

// openSecrets builds the secret store for cfg.SecretsBackend. The postgres backend
// reuses the store's connection when both live in the same database; otherwise it
// opens its own, which is returned for the caller to close.
func openSecrets(ctx context.Context, cfg *config.Config, database *sql.DB) (secrets.Store, *sql.DB, error) {
	switch cfg.SecretsBackend {
	case "memory":
		slog.Warn("using in-memory secret store; tokens are lost on restart", slog.String("component", "secrets"))
		return secrets.NewMemory(), nil, nil
	case "postgres":
		if cfg.EncryptionKey == "" {
			return nil, nil, fmt.Errorf("ENCRYPTION_KEY is required for the postgres secrets backend")
		}
		keyring, err := crypto.NewKeyring(cfg.EncryptionKey)
		if err != nil {
			return nil, nil, err
		}
		var owned *sql.DB
		if database == nil {
			if database, err = store.OpenPostgres(ctx, cfg.DBDsn); err != nil {
				return nil, nil, err
			}
			owned = database
		}
		s, err := secrets.NewPostgres(database, keyring)
		if err != nil {
			if owned != nil {
				_ = owned.Close()
			}
			return nil, nil, err
		}
		return s, owned, nil
	default:
		s, err := secrets.NewGCP(ctx, cfg.GCPProjectID)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	}
}
