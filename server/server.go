// Package server exposes the control-plane HTTP API: Twitch OAuth for streamers and
// viewers, bot activation, Channel-Points reward sync, TTS testing and preferences,
// OBS browser-source tokens, and short links. Every request gets a correlation ID, a
// tracing span, and request metrics. Credential-bearing routes answer 503 until the
// runtime secrets have loaded.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/ttsbot-control/telemetry"
)

// NewMux returns the HTTP handler with all routes.
// The provided context is used for rate limiter cleanup goroutines lifecycle.
func NewMux(ctx context.Context, h *Handlers) http.Handler {
	cfg := h.cfg()
	limiter := newIPRateLimiter(ctx, loadRateLimiterConfig())

	ready := h.requireReady
	limited := func(hf http.HandlerFunc) http.Handler { return ready(rateLimitMiddleware(hf, limiter)) }
	streamer := func(hf http.HandlerFunc) http.Handler { return ready(requireSession(hf, false)) }
	anySession := func(hf http.HandlerFunc) http.Handler { return ready(requireSession(hf, true)) }

	mux := http.NewServeMux()

	// Health, readiness and metrics never wait on secrets
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)

	// OAuth
	mux.Handle("GET /auth/twitch/initiate", limited(h.HandleAuthInitiate))
	mux.Handle("GET /auth/twitch/viewer", limited(h.HandleViewerAuthInitiate))
	mux.Handle("GET /auth/twitch/callback", limited(h.HandleAuthCallback))
	mux.HandleFunc("GET /auth/logout", h.HandleLogout)

	// Session status and tier
	mux.Handle("GET /api/auth/status", streamer(h.HandleAuthStatus))
	mux.Handle("POST /api/auth/refresh", streamer(h.HandleAuthRefresh))
	mux.Handle("POST /api/auth/update-tier", streamer(h.HandleUpdateTier))

	// Bot activation
	mux.Handle("GET /api/bot/status", streamer(h.HandleBotStatus))
	mux.Handle("POST /api/bot/add", streamer(h.HandleBotAdd))
	mux.Handle("POST /api/bot/remove", streamer(h.HandleBotRemove))

	// Channel-Points reward
	mux.Handle("GET /api/rewards/tts", streamer(h.HandleRewardGet))
	mux.Handle("POST /api/rewards/tts", streamer(h.HandleRewardUpsert))
	mux.Handle("PUT /api/rewards/tts", streamer(h.HandleRewardUpsert))
	mux.Handle("DELETE /api/rewards/tts", streamer(h.HandleRewardDelete))
	mux.Handle("POST /api/rewards/tts/test", streamer(h.HandleRewardTest))
	mux.Handle("POST /api/rewards/tts:test", streamer(h.HandleRewardTest))

	// TTS
	mux.Handle("POST /api/tts/test", ready(rateLimitMiddleware(requireSession(http.HandlerFunc(h.HandleTTSTest), true), limiter)))
	mux.Handle("GET /api/tts/settings", streamer(h.HandleTTSSettingsGet))
	mux.Handle("PUT /api/tts/settings", streamer(h.HandleTTSSettingsPut))

	// Viewer preferences
	mux.Handle("POST /api/viewer/auth", streamer(h.HandleViewerToken))
	mux.Handle("GET /api/viewer/preferences/{channel}", anySession(h.HandlePreferencesGet))
	mux.Handle("PUT /api/viewer/preferences/{channel}", anySession(h.HandlePreferencesPut))

	// OBS browser source
	mux.Handle("GET /api/obs/getToken", streamer(h.HandleOBSGetToken))
	mux.Handle("POST /api/obs/generateToken", streamer(h.HandleOBSGenerateToken))
	mux.Handle("GET /obs/verify", ready(http.HandlerFunc(h.HandleOBSVerify)))

	// Short links
	mux.Handle("POST /api/shortlink", ready(rateLimitMiddleware(requireSession(http.HandlerFunc(h.HandleShortLinkCreate), false), limiter)))
	mux.Handle("GET /s/{slug}", ready(http.HandlerFunc(h.HandleShortLinkRedirect)))

	handler := observe(recoverMiddleware(stripBasePath(mux, cfg.BasePath)))
	return withCORSConfig(handler, loadCORSConfig(cfg))
}

// stripBasePath serves both /base/... and unprefixed paths.
func stripBasePath(next http.Handler, base string) http.Handler {
	if base == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := strings.CutPrefix(r.URL.Path, base)
		if !ok || (p != "" && p[0] != '/') {
			next.ServeHTTP(w, r)
			return
		}
		if p == "" {
			p = "/"
		}
		r2 := new(http.Request)
		*r2 = *r
		r2.URL = new(url.URL)
		*r2.URL = *r.URL
		r2.URL.Path = p
		r2.URL.RawPath = ""
		next.ServeHTTP(w, r2)
	})
}

// observe injects the correlation ID, opens a span, and records request metrics.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		telemetry.HTTPDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
		telemetry.HTTPRequests.WithLabelValues(r.Method, telemetry.StatusLabel(rec.statusCode)).Inc()
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	if !r.wroteHeader {
		r.statusCode = statusCode
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
// WriteTimeout leaves room for the 60s speech vendor call behind /api/tts/test.
func Start(ctx context.Context, handler http.Handler, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      75 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Shutdown goroutine
	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
