package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/onnwee/ttsbot-control/session"
	"github.com/onnwee/ttsbot-control/store"
	"github.com/onnwee/ttsbot-control/tts"
)

// HandleViewerToken issues a viewer-scoped session for the streamer's own account so
// the dashboard can open the preferences page.
func (h *Handlers) HandleViewerToken(w http.ResponseWriter, r *http.Request) {
	c := claims(r)
	svc := servicesFrom(r.Context())
	tok, err := svc.Sessions.Issue(session.Identity{
		UserID: c.UserID, UserLogin: c.UserLogin, DisplayName: c.DisplayName, Scope: session.ScopeViewer,
	})
	if err != nil {
		writeServiceError(w, r, "viewer token", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "token": tok})
}

// HandlePreferencesGet returns the caller's global preference next to the channel's
// defaults and the accepted value ranges.
func (h *Handlers) HandlePreferencesGet(w http.ResponseWriter, r *http.Request) {
	c := claims(r)
	ctx := r.Context()
	channel := store.NormalizeLogin(r.PathValue("channel"))

	pref, err := h.deps.Repo.GetUserPreference(ctx, c.UserLogin)
	if err != nil {
		writeServiceError(w, r, "preferences get", err)
		return
	}
	cfg, err := h.deps.Repo.GetTTSConfig(ctx, channel)
	if err != nil {
		writeServiceError(w, r, "preferences get", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"channel":         channel,
		"username":        c.UserLogin,
		"preferences":     pref,
		"channelDefaults": channelDefaults(cfg),
		"policy": map[string]any{
			"emotions":  tts.Emotions,
			"languages": tts.Languages,
			"speed":     map[string]float64{"min": tts.MinSpeed, "max": tts.MaxSpeed},
			"pitch":     map[string]int{"min": tts.MinPitch, "max": tts.MaxPitch},
		},
	})
}

// decodeNullable sets *dst to nil for JSON null and otherwise decodes into a new value.
func decodeNullable[T any](raw json.RawMessage, dst **T) error {
	if string(raw) == "null" {
		*dst = nil
		return nil
	}
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return err
	}
	*dst = v
	return nil
}

// HandlePreferencesPut merges the provided fields into the caller's preference. A
// field sent as null is removed; omitted fields are kept.
func (h *Handlers) HandlePreferencesPut(w http.ResponseWriter, r *http.Request) {
	c := claims(r)
	ctx := r.Context()

	var body map[string]json.RawMessage
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pref, err := h.deps.Repo.GetUserPreference(ctx, c.UserLogin)
	if err != nil {
		writeServiceError(w, r, "preferences put", err)
		return
	}

	var derr error
	for key, raw := range body {
		switch key {
		case "voiceId":
			derr = decodeNullable(raw, &pref.VoiceID)
		case "emotion":
			derr = decodeNullable(raw, &pref.Emotion)
		case "pitch":
			derr = decodeNullable(raw, &pref.Pitch)
		case "speed":
			derr = decodeNullable(raw, &pref.Speed)
		case "language", "languageBoost":
			derr = decodeNullable(raw, &pref.Language)
		case "englishNormalization":
			derr = decodeNullable(raw, &pref.EnglishNormalization)
		default:
			continue
		}
		if derr != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", key))
			return
		}
	}

	if msg := validateOverrides(tts.Overrides{
		VoiceID: pref.VoiceID, Emotion: pref.Emotion, Pitch: pref.Pitch,
		Speed: pref.Speed, LanguageBoost: pref.Language,
	}); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if pref.Emotion != nil {
		e := tts.NormalizeEmotion(*pref.Emotion)
		pref.Emotion = &e
	}
	if err := h.deps.Repo.PutUserPreference(ctx, *pref); err != nil {
		writeServiceError(w, r, "preferences put", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "preferences": pref})
}
