package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/ttsbot-control/chat"
	"github.com/onnwee/ttsbot-control/store"
	"github.com/onnwee/ttsbot-control/telemetry"
)

// notAllowed is the 403 for channels outside the allow-list.
func notAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusForbidden, "This channel is not enabled for the TTS bot", map[string]any{"code": "not_allowed"})
}

// broadcasterID prefers the stored Twitch user id over the session's.
func broadcasterID(ch *store.ManagedChannel, sessionUserID string) string {
	if ch != nil && ch.TwitchUserID != "" {
		return ch.TwitchUserID
	}
	return sessionUserID
}

// botUserID resolves the bot account, preferring the configured id.
func (h *Handlers) botUserID(ctx context.Context, svc *Services) (string, error) {
	if id := h.cfg().BotUserID; id != "" {
		return id, nil
	}
	if h.cfg().BotUsername == "" {
		return "", errors.New("bot account not configured")
	}
	return svc.Helix.GetUserID(ctx, h.cfg().BotUsername)
}

// HandleBotStatus reports whether the bot is active for the session's channel.
func (h *Handlers) HandleBotStatus(w http.ResponseWriter, r *http.Request) {
	c := claims(r)
	ch, err := h.deps.Repo.GetChannel(r.Context(), c.UserLogin)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeServiceError(w, r, "bot status", err)
		return
	}
	active, tier := false, store.TierAnonymous
	if ch != nil {
		active = ch.IsActive
		if ch.OAuthTier.Valid() {
			tier = ch.OAuthTier
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true, "isActive": active, "oauthTier": tier, "channel": c.UserLogin,
	})
}

// HandleBotAdd activates the bot. Moderator promotion, subscription registration and
// the chat announcement are best-effort.
func (h *Handlers) HandleBotAdd(w http.ResponseWriter, r *http.Request) {
	c := claims(r)
	ctx := r.Context()
	svc := servicesFrom(ctx)
	log := telemetry.LoggerWithCorr(ctx)

	if !h.deps.Allow.Allowed(c.UserLogin) {
		notAllowed(w)
		return
	}
	token, err := svc.Tokens.GetValidToken(ctx, c.UserLogin)
	if err != nil {
		writeServiceError(w, r, "bot add", err)
		return
	}
	ch, err := h.deps.Repo.GetChannel(ctx, c.UserLogin)
	if err != nil {
		writeServiceError(w, r, "bot add", err)
		return
	}
	active := true
	if err := h.deps.Repo.MergeChannel(ctx, c.UserLogin, store.ChannelUpdate{IsActive: &active}); err != nil {
		writeServiceError(w, r, "bot add", err)
		return
	}
	bid := broadcasterID(ch, c.UserID)

	moderator := false
	if ch.OAuthTier == store.TierFull {
		if botID, err := h.botUserID(ctx, svc); err != nil {
			log.Warn("bot user lookup failed", slog.Any("err", err), slog.String("component", "bot"))
		} else if err := svc.Helix.AddModerator(ctx, token, bid, botID); err != nil {
			log.Warn("adding bot as moderator failed", slog.String("channel", c.UserLogin), slog.Any("err", err), slog.String("component", "bot"))
		} else {
			moderator = true
		}
	}

	h.deps.Bot.RegisterAsync(ctx, c.UserLogin, bid)
	if h.cfg().BotAnnounceOnActivate {
		name := ch.DisplayName
		if name == "" {
			name = c.UserLogin
		}
		svc.Announcer.AnnounceAsync(ctx, c.UserLogin, chat.ActivationMessage(name))
	}
	log.Info("bot activated", slog.String("channel", c.UserLogin), slog.Bool("moderator", moderator), slog.String("component", "bot"))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "isActive": true, "moderator": moderator})
}

// HandleBotRemove deactivates the bot. The channel record is kept.
func (h *Handlers) HandleBotRemove(w http.ResponseWriter, r *http.Request) {
	c := claims(r)
	ctx := r.Context()
	svc := servicesFrom(ctx)
	log := telemetry.LoggerWithCorr(ctx)

	ch, err := h.deps.Repo.GetChannel(ctx, c.UserLogin)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeServiceError(w, r, "bot remove", err)
		return
	}
	if ch == nil {
		// Nothing to deactivate; writing here would create the channel.
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "isActive": false})
		return
	}
	active := false
	if err := h.deps.Repo.MergeChannel(ctx, c.UserLogin, store.ChannelUpdate{IsActive: &active}); err != nil {
		writeServiceError(w, r, "bot remove", err)
		return
	}
	bid := broadcasterID(ch, c.UserID)

	if ch != nil && ch.OAuthTier == store.TierFull {
		token, err := svc.Tokens.GetValidToken(ctx, c.UserLogin)
		if err == nil {
			var botID string
			if botID, err = h.botUserID(ctx, svc); err == nil {
				err = svc.Helix.RemoveModerator(ctx, token, bid, botID)
			}
		}
		if err != nil {
			log.Warn("removing bot moderator failed", slog.String("channel", c.UserLogin), slog.Any("err", err), slog.String("component", "bot"))
		}
	}
	if h.deps.Bot.Enabled() {
		if err := h.deps.Bot.UnregisterSubscriptions(ctx, c.UserLogin, bid); err != nil {
			log.Warn("bot service unsubscribe failed", slog.String("channel", c.UserLogin), slog.Any("err", err), slog.String("component", "bot"))
		}
	}
	log.Info("bot deactivated", slog.String("channel", c.UserLogin), slog.String("component", "bot"))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "isActive": false})
}
