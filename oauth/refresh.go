// Package oauth schedules proactive Twitch token refreshes for active channels so
// request handlers rarely have to refresh inline. It performs jittered sweeps and
// refreshes every channel whose access token expires within a configured window.
package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/ttsbot-control/store"
	"github.com/onnwee/ttsbot-control/telemetry"
)

// Refresher forces a refresh for one channel; *tokens.Manager implements it.
type Refresher interface {
	Refresh(ctx context.Context, login string) (string, error)
}

// Lister returns the channels to consider; *store.Repo implements it.
type Lister interface {
	ListActiveChannels(ctx context.Context) ([]store.ManagedChannel, error)
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Checked   int
	Refreshed int
	Failed    int
	Skipped   int
}

// Sweep refreshes active channels whose token expires within window of now. Channels
// already flagged for re-authentication are skipped; only the streamer can fix them.
func Sweep(ctx context.Context, l Lister, r Refresher, now time.Time, window time.Duration) (SweepResult, error) {
	var res SweepResult
	channels, err := l.ListActiveChannels(ctx)
	if err != nil {
		return res, err
	}
	telemetry.ActiveChannels.Set(float64(len(channels)))
	for _, ch := range channels {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++
		if ch.NeedsTwitchReAuth || ch.RefreshTokenSecretName == "" {
			res.Skipped++
			continue
		}
		if ch.TwitchAccessTokenExpiresAt != nil && ch.TwitchAccessTokenExpiresAt.Sub(now) > window {
			continue
		}
		ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
		_, err := r.Refresh(ctx2, ch.Login)
		cancel()
		if err != nil {
			res.Failed++
			slog.Warn("token refresh failed", slog.String("channel", ch.Login), slog.Any("err", err), slog.String("component", "oauth_refresher"))
			continue
		}
		res.Refreshed++
		slog.Info("token refreshed", slog.String("channel", ch.Login), slog.String("component", "oauth_refresher"))
	}
	return res, nil
}

// StartRefresher launches a goroutine that sweeps every interval (with jitter) until
// ctx is done.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window.
func StartRefresher(ctx context.Context, l Lister, r Refresher, interval, window time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			res, err := Sweep(ctx, l, r, time.Now(), window)
			if err != nil && ctx.Err() == nil {
				slog.Warn("token sweep failed", slog.Any("err", err), slog.String("component", "oauth_refresher"))
			} else if res.Refreshed+res.Failed > 0 {
				slog.Info("token sweep done", slog.Int("checked", res.Checked), slog.Int("refreshed", res.Refreshed),
					slog.Int("failed", res.Failed), slog.String("component", "oauth_refresher"))
			}

			// Per-iteration jitter (±20% of interval) for scheduling diversity.
			jitterRange := int64(interval/5) + 1
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := max(interval+jitter, interval/2)
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
}
