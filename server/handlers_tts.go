package server

import (
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/onnwee/ttsbot-control/store"
	"github.com/onnwee/ttsbot-control/telemetry"
	"github.com/onnwee/ttsbot-control/tts"
)

// validateOverrides checks only the fields that are present and returns a user-facing
// message for the first bad one.
func validateOverrides(o tts.Overrides) string {
	switch {
	case o.VoiceID != nil && *o.VoiceID != "" && !tts.ValidateVoiceID(*o.VoiceID):
		return "Invalid voiceId"
	case o.Emotion != nil && *o.Emotion != "" && !tts.ValidateEmotion(*o.Emotion):
		return "Invalid emotion; expected one of " + strings.Join(tts.Emotions, ", ")
	case o.Pitch != nil && !tts.ValidatePitch(float64(*o.Pitch)):
		return "Pitch must be an integer between -12 and 12"
	case o.Speed != nil && !tts.ValidateSpeed(*o.Speed):
		return "Speed must be between 0.5 and 2.0"
	case o.LanguageBoost != nil && *o.LanguageBoost != "" && !tts.ValidateLanguage(*o.LanguageBoost):
		return "Invalid languageBoost"
	}
	return ""
}

type ttsTestRequest struct {
	Text    string `json:"text"`
	Channel string `json:"channel,omitempty"`
	tts.Overrides
}

// HandleTTSTest synthesizes a sample with request > viewer preference > channel
// default > fallback parameters. Viewer sessions must name the channel.
func (h *Handlers) HandleTTSTest(w http.ResponseWriter, r *http.Request) {
	c := claims(r)
	ctx := r.Context()
	svc := servicesFrom(ctx)

	var req ttsTestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if utf8.RuneCountInString(text) > tts.MaxTextLength {
		writeError(w, http.StatusBadRequest, "text must be at most 500 characters")
		return
	}
	channel := store.NormalizeLogin(req.Channel)
	if channel == "" {
		if c.IsViewer() {
			writeError(w, http.StatusBadRequest, "channel is required")
			return
		}
		channel = c.UserLogin
	}

	chCfg, err := h.deps.Repo.GetTTSConfig(ctx, channel)
	if err != nil {
		writeServiceError(w, r, "tts test", err)
		return
	}
	pref, err := h.deps.Repo.GetUserPreference(ctx, c.UserLogin)
	if err != nil {
		writeServiceError(w, r, "tts test", err)
		return
	}
	params := tts.Resolve(req.Overrides, pref, chCfg, tts.Fallback(h.cfg().TTSDefaultVoice))
	if msg := params.Validate(); msg != "" {
		telemetry.TTSRequests.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	res, err := svc.TTS.Synthesize(ctx, text, params)
	if err != nil {
		writeServiceError(w, r, "tts test", err)
		return
	}
	telemetry.LoggerWithCorr(ctx).Debug("tts test synthesized", slog.String("channel", channel),
		slog.String("voice", params.VoiceID), slog.String("component", "tts"))
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true, "audioUrl": res.AudioURL, "requestId": res.RequestID, "params": params,
	})
}

func channelDefaults(cfg *store.TTSChannelConfig) map[string]any {
	return map[string]any{
		"voiceId":              cfg.VoiceID,
		"emotion":              cfg.Emotion,
		"pitch":                cfg.Pitch,
		"speed":                cfg.Speed,
		"languageBoost":        cfg.LanguageBoost,
		"englishNormalization": cfg.EnglishNormalization,
	}
}

// HandleTTSSettingsGet returns the channel's voice defaults and the parameters they
// resolve to.
func (h *Handlers) HandleTTSSettingsGet(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.deps.Repo.GetTTSConfig(r.Context(), claims(r).UserLogin)
	if err != nil {
		writeServiceError(w, r, "tts settings", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"settings":  channelDefaults(cfg),
		"effective": tts.Resolve(tts.Overrides{}, nil, cfg, tts.Fallback(h.cfg().TTSDefaultVoice)),
	})
}

// HandleTTSSettingsPut merges the provided voice defaults into the channel config.
func (h *Handlers) HandleTTSSettingsPut(w http.ResponseWriter, r *http.Request) {
	login := claims(r).UserLogin
	var in tts.Overrides
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg := validateOverrides(in); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if in.Emotion != nil {
		e := tts.NormalizeEmotion(*in.Emotion)
		in.Emotion = &e
	}
	upd := store.TTSConfigUpdate{
		VoiceID:              in.VoiceID,
		Emotion:              in.Emotion,
		Pitch:                in.Pitch,
		Speed:                in.Speed,
		LanguageBoost:        in.LanguageBoost,
		EnglishNormalization: in.EnglishNormalization,
	}
	if err := h.deps.Repo.MergeTTSConfig(r.Context(), login, upd); err != nil {
		writeServiceError(w, r, "tts settings", err)
		return
	}
	cfg, err := h.deps.Repo.GetTTSConfig(r.Context(), login)
	if err != nil {
		writeServiceError(w, r, "tts settings", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "settings": channelDefaults(cfg)})
}
