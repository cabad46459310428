// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ttsbot_http_requests_total", Help: "HTTP requests by method and status code",
	}, []string{"method", "code"})
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "ttsbot_http_request_duration_seconds", Help: "HTTP request duration seconds", Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	// Twitch tokens; result = success|failure
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ttsbot_token_refreshes_total", Help: "Twitch user token refresh attempts",
	}, []string{"result"})

	// Channel-points reward sync; outcome = updated|adopted|created|recreated|failed
	RewardSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ttsbot_reward_syncs_total", Help: "Channel-points reward reconciliations by outcome",
	}, []string{"outcome"})

	// Speech vendor; result = success|failure|rejected
	TTSRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ttsbot_tts_requests_total", Help: "Speech synthesis requests by result",
	}, []string{"result"})
	TTSDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "ttsbot_tts_duration_seconds", Help: "Speech vendor call duration seconds", Buckets: prometheus.DefBuckets,
	})

	ShortLinkRedirects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ttsbot_shortlink_redirects_total", Help: "Short link redirects served",
	})
	ShortLinkClickErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ttsbot_shortlink_click_errors_total", Help: "Short link click increments that failed",
	})

	// Gauges
	ActiveChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ttsbot_active_channels", Help: "Channels with the bot active, as of the last refresh sweep",
	})
	ConfigReady = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ttsbot_config_ready", Help: "1 once runtime secrets loaded, 0 while loading or failed",
	})
)

// SetConfigReady records the runtime configuration state.
func SetConfigReady(ok bool) {
	if ok {
		ConfigReady.Set(1)
		return
	}
	ConfigReady.Set(0)
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
