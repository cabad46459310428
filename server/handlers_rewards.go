package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/onnwee/ttsbot-control/rewards"
	"github.com/onnwee/ttsbot-control/store"
	"github.com/onnwee/ttsbot-control/tts"
)

// channelBroadcaster returns the stored channel's broadcaster id, falling back to the
// session user id when the channel record is missing.
func (h *Handlers) channelBroadcaster(r *http.Request) (string, error) {
	c := claims(r)
	ch, err := h.deps.Repo.GetChannel(r.Context(), c.UserLogin)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	return broadcasterID(ch, c.UserID), nil
}

// HandleRewardGet returns the stored reward configuration, or the defaults.
func (h *Handlers) HandleRewardGet(w http.ResponseWriter, r *http.Request) {
	svc := servicesFrom(r.Context())
	cp, err := svc.Rewards.Current(r.Context(), claims(r).UserLogin)
	if err != nil {
		writeServiceError(w, r, "reward get", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "channelPoints": cp})
}

// HandleRewardUpsert normalizes and saves the reward config, syncing Twitch when enabled.
func (h *Handlers) HandleRewardUpsert(w http.ResponseWriter, r *http.Request) {
	c := claims(r)
	svc := servicesFrom(r.Context())
	if !h.deps.Allow.Allowed(c.UserLogin) {
		notAllowed(w)
		return
	}
	var in rewards.Input
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bid, err := h.channelBroadcaster(r)
	if err != nil {
		writeServiceError(w, r, "reward upsert", err)
		return
	}
	cp, outcome, err := svc.Rewards.Upsert(r.Context(), c.UserLogin, bid, in)
	if err != nil {
		writeServiceError(w, r, "reward upsert", err)
		return
	}
	body := map[string]any{"success": true, "channelPoints": cp}
	if outcome != "" {
		body["outcome"] = outcome
	}
	writeJSON(w, http.StatusOK, body)
}

// HandleRewardDelete deletes the Twitch reward and disables the local config. A remote
// failure still disables locally and is reported alongside.
func (h *Handlers) HandleRewardDelete(w http.ResponseWriter, r *http.Request) {
	c := claims(r)
	svc := servicesFrom(r.Context())
	if !h.deps.Allow.Allowed(c.UserLogin) {
		notAllowed(w)
		return
	}
	bid, err := h.channelBroadcaster(r)
	if err != nil {
		writeServiceError(w, r, "reward delete", err)
		return
	}
	res, err := svc.Rewards.Delete(r.Context(), c.UserLogin, bid)
	if err != nil {
		writeServiceError(w, r, "reward delete", err)
		return
	}
	body := map[string]any{"success": true, "channelPoints": res.Config, "remoteDeleted": res.RemoteDeleted}
	if res.RemoteError != nil {
		body["remoteError"] = res.RemoteError.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

// HandleRewardTest checks a sample message against the stored content policy, or
// against a policy supplied in the request.
func (h *Handlers) HandleRewardTest(w http.ResponseWriter, r *http.Request) {
	svc := servicesFrom(r.Context())
	var req struct {
		Text          string                      `json:"text"`
		ContentPolicy *rewards.ContentPolicyInput `json:"contentPolicy,omitempty"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	cp, err := svc.Rewards.Current(r.Context(), claims(r).UserLogin)
	if err != nil {
		writeServiceError(w, r, "reward test", err)
		return
	}
	if req.ContentPolicy != nil {
		cp = rewards.Normalize(cp, rewards.Input{ContentPolicy: req.ContentPolicy})
	}
	allowed, reason := tts.CheckContent(req.Text, cp.ContentPolicy)
	body := map[string]any{"success": true, "allowed": allowed}
	if !allowed {
		body["reason"] = reason
	}
	writeJSON(w, http.StatusOK, body)
}
