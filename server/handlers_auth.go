package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/onnwee/ttsbot-control/session"
	"github.com/onnwee/ttsbot-control/store"
	"github.com/onnwee/ttsbot-control/telemetry"
	"github.com/onnwee/ttsbot-control/tokens"
	"github.com/onnwee/ttsbot-control/twitchapi"
)

const (
	stateCookie = "oauth_state"
	stateTTL    = 10 * time.Minute
)

// viewerState is the decoded viewer-flow OAuth state.
type viewerState struct {
	T string `json:"t"`
	R string `json:"r"`
	C string `json:"c,omitempty"`
}

func encodeViewerState(s viewerState) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// decodeViewerState reports whether state is viewer-shaped. Streamer states are plain
// hex, which never decodes to a JSON object.
func decodeViewerState(state string) (viewerState, bool) {
	var vs viewerState
	b, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return vs, false
	}
	if err := json.Unmarshal(b, &vs); err != nil {
		return vs, false
	}
	return vs, vs.T == "viewer" && vs.R != ""
}

func (h *Handlers) setStateCookie(w http.ResponseWriter, state string) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   int(stateTTL.Seconds()),
		HttpOnly: true,
		Secure:   !h.cfg().IsDevelopment(),
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handlers) clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   !h.cfg().IsDevelopment(),
		SameSite: http.SameSiteLaxMode,
	})
}

func stateMatches(r *http.Request, state string) bool {
	c, err := r.Cookie(stateCookie)
	return err == nil && c.Value != "" && c.Value == state
}

// HandleAuthInitiate starts the streamer OAuth flow. ?tier=full requests the
// moderator scopes and forces Twitch to re-prompt.
func (h *Handlers) HandleAuthInitiate(w http.ResponseWriter, r *http.Request) {
	cfg := h.cfg()
	svc := servicesFrom(r.Context())
	if err := cfg.ValidateOAuthReady(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	tier := store.TierAnonymous
	if t := r.URL.Query().Get("tier"); t != "" {
		tier = store.OAuthTier(t)
		if !tier.Valid() {
			writeError(w, http.StatusBadRequest, "tier must be anonymous or full")
			return
		}
	}
	scopes := cfg.TwitchScopesAnonymous
	if tier == store.TierFull {
		scopes = cfg.TwitchScopesFull
	}

	state, err := randomHex(16)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "state generation failed")
		return
	}
	authURL, err := svc.OAuth.AuthCodeURL(state, twitchapi.SplitScopes(scopes), tier == store.TierFull)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.setStateCookie(w, state)

	if r.URL.Query().Get("redirect") == "1" {
		http.Redirect(w, r, authURL, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "authUrl": authURL, "state": state})
}

// HandleViewerAuthInitiate starts the viewer flow, which only needs an identity.
func (h *Handlers) HandleViewerAuthInitiate(w http.ResponseWriter, r *http.Request) {
	cfg := h.cfg()
	svc := servicesFrom(r.Context())
	if err := cfg.ValidateOAuthReady(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	nonce, err := randomHex(16)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "state generation failed")
		return
	}
	state, err := encodeViewerState(viewerState{T: "viewer", R: nonce, C: store.NormalizeLogin(r.URL.Query().Get("channel"))})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "state generation failed")
		return
	}
	authURL, err := svc.OAuth.AuthCodeURL(state, twitchapi.SplitScopes(cfg.TwitchScopesViewer), false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.setStateCookie(w, state)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// redirectWithError sends the browser back to page with ?error=code.
func (h *Handlers) redirectWithError(w http.ResponseWriter, r *http.Request, page, code string) {
	u := h.cfg().FrontendURL + "/" + page + "?error=" + url.QueryEscape(code)
	http.Redirect(w, r, u, http.StatusFound)
}

// HandleAuthCallback completes either flow. Viewer-shaped state issues a viewer session
// without storing tokens; anything else is the streamer flow.
func (h *Handlers) HandleAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	vs, isViewer := decodeViewerState(state)
	page := "dashboard.html"
	if isViewer {
		page = "viewer-settings.html"
	}

	if e := q.Get("error"); e != "" {
		telemetry.LoggerWithCorr(r.Context()).Info("oauth denied", slog.String("error", e),
			slog.String("description", q.Get("error_description")), slog.String("component", "auth"))
		h.clearStateCookie(w)
		h.redirectWithError(w, r, page, e)
		return
	}
	code := q.Get("code")
	if code == "" || state == "" {
		writeError(w, http.StatusBadRequest, "missing code/state")
		return
	}
	if !stateMatches(r, state) {
		writeError(w, http.StatusBadRequest, "invalid state")
		return
	}
	h.clearStateCookie(w)

	if isViewer {
		h.viewerCallback(w, r, code, vs)
		return
	}
	h.streamerCallback(w, r, code)
}

func (h *Handlers) viewerCallback(w http.ResponseWriter, r *http.Request, code string, vs viewerState) {
	ctx := r.Context()
	svc := servicesFrom(ctx)
	log := telemetry.LoggerWithCorr(ctx)

	tok, err := svc.OAuth.Exchange(ctx, code)
	if err != nil {
		log.Warn("viewer code exchange failed", slog.Any("err", err), slog.String("component", "auth"))
		h.redirectWithError(w, r, "viewer-settings.html", "token_exchange_failed")
		return
	}
	v, err := svc.OAuth.Validate(ctx, tok.AccessToken)
	if err != nil {
		log.Warn("viewer token validation failed", slog.Any("err", err), slog.String("component", "auth"))
		h.redirectWithError(w, r, "viewer-settings.html", "token_validation_failed")
		return
	}
	display := v.Login
	if u, err := svc.Helix.GetUser(ctx, tok.AccessToken); err == nil && u.DisplayName != "" {
		display = u.DisplayName
	}
	sess, err := svc.Sessions.Issue(session.Identity{
		UserID: v.UserID, UserLogin: v.Login, DisplayName: display, Scope: session.ScopeViewer,
	})
	if err != nil {
		log.Error("viewer session issue failed", slog.Any("err", err), slog.String("component", "auth"))
		h.redirectWithError(w, r, "viewer-settings.html", "session_failed")
		return
	}
	dest := h.cfg().FrontendURL + "/viewer-settings.html"
	if vs.C != "" {
		dest += "?channel=" + url.QueryEscape(vs.C)
	}
	http.Redirect(w, r, dest+"#token="+url.QueryEscape(sess), http.StatusFound)
}

func (h *Handlers) streamerCallback(w http.ResponseWriter, r *http.Request, code string) {
	ctx := r.Context()
	svc := servicesFrom(ctx)
	log := telemetry.LoggerWithCorr(ctx)

	tok, err := svc.OAuth.Exchange(ctx, code)
	if err != nil {
		log.Warn("code exchange failed", slog.Any("err", err), slog.String("component", "auth"))
		h.redirectWithError(w, r, "dashboard.html", "token_exchange_failed")
		return
	}
	v, err := svc.OAuth.Validate(ctx, tok.AccessToken)
	if err != nil {
		log.Warn("token validation failed", slog.Any("err", err), slog.String("component", "auth"))
		h.redirectWithError(w, r, "dashboard.html", "token_validation_failed")
		return
	}
	scopes := tok.Scopes
	if len(v.Scopes) > 0 {
		scopes = v.Scopes
	}
	login := store.NormalizeLogin(v.Login)
	userID, display, email := v.UserID, v.Login, ""
	if u, err := svc.Helix.GetUser(ctx, tok.AccessToken); err != nil {
		log.Warn("profile fetch failed, using validated identity", slog.String("channel", login),
			slog.Any("err", err), slog.String("component", "auth"))
	} else {
		userID, display, email = u.ID, u.DisplayName, u.Email
	}

	sess, err := svc.Sessions.Issue(session.Identity{UserID: userID, UserLogin: login, DisplayName: display})
	if err != nil {
		log.Error("session issue failed", slog.Any("err", err), slog.String("component", "auth"))
		h.redirectWithError(w, r, "dashboard.html", "session_failed")
		return
	}
	accessName, refreshName, err := svc.Tokens.SaveTokens(ctx, login, tok)
	if err != nil {
		log.Error("storing twitch tokens failed", slog.String("channel", login), slog.Any("err", err), slog.String("component", "auth"))
		h.redirectWithError(w, r, "dashboard.html", "token_storage_failed")
		return
	}

	now := time.Now().UTC()
	tier := store.TierForScopes(scopes)
	reauth, noErr := false, ""
	upd := store.ChannelUpdate{
		TwitchUserID:               &userID,
		DisplayName:                &display,
		OAuthTier:                  &tier,
		TwitchScopes:               scopes,
		TwitchAccessTokenExpiresAt: &tok.Expiry,
		NeedsTwitchReAuth:          &reauth,
		AccessTokenSecretName:      &accessName,
		LastLoginAt:                &now,
		LastTokenError:             &noErr,
	}
	if tok.RefreshToken != "" {
		upd.RefreshTokenSecretName = &refreshName
	}
	if email != "" {
		upd.Email = &email
	}
	if _, err := h.deps.Repo.GetChannel(ctx, login); errors.Is(err, store.ErrNotFound) {
		upd.AddedAt = &now
	}
	if err := h.deps.Repo.MergeChannel(ctx, login, upd); err != nil {
		log.Error("saving channel failed", slog.String("channel", login), slog.Any("err", err), slog.String("component", "auth"))
		h.redirectWithError(w, r, "dashboard.html", "channel_save_failed")
		return
	}
	log.Info("streamer connected", slog.String("channel", login), slog.String("tier", string(tier)), slog.String("component", "auth"))

	h.deps.Bot.RegisterAsync(ctx, login, userID)
	http.Redirect(w, r, h.cfg().FrontendURL+"/dashboard.html#token="+url.QueryEscape(sess), http.StatusFound)
}

// HandleLogout clears the OAuth state cookie. Sessions are bearer tokens held by the
// browser, so there is nothing to revoke server-side.
func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	h.clearStateCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// HandleAuthStatus reports the session user and the stored Twitch grant.
func (h *Handlers) HandleAuthStatus(w http.ResponseWriter, r *http.Request) {
	c := claims(r)
	svc := servicesFrom(r.Context())
	status, ch := svc.Tokens.Inspect(r.Context(), c.UserLogin)

	body := map[string]any{
		"success": true,
		"user": map[string]any{
			"id": c.UserID, "login": c.UserLogin, "displayName": c.DisplayName,
		},
		"twitchTokenStatus": status,
		"needsTwitchReAuth": status == tokens.StatusNotFound || status == tokens.StatusNeedsReauth,
		"oauthTier":         store.TierAnonymous,
		"scopes":            []string{},
		"expiresAt":         nil,
	}
	if ch != nil {
		if ch.OAuthTier.Valid() {
			body["oauthTier"] = ch.OAuthTier
		}
		if ch.TwitchScopes != nil {
			body["scopes"] = ch.TwitchScopes
		}
		if ch.TwitchAccessTokenExpiresAt != nil {
			body["expiresAt"] = ch.TwitchAccessTokenExpiresAt.UTC().Format(time.RFC3339)
		}
		body["isActive"] = ch.IsActive
	}
	writeJSON(w, http.StatusOK, body)
}

// HandleAuthRefresh forces a token refresh.
func (h *Handlers) HandleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	c := claims(r)
	svc := servicesFrom(r.Context())
	if _, err := svc.Tokens.Refresh(r.Context(), c.UserLogin); err != nil {
		writeServiceError(w, r, "token refresh", err)
		return
	}
	_, ch := svc.Tokens.Inspect(r.Context(), c.UserLogin)
	body := map[string]any{"success": true}
	if ch != nil && ch.TwitchAccessTokenExpiresAt != nil {
		body["expiresAt"] = ch.TwitchAccessTokenExpiresAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, body)
}

// HandleUpdateTier switches the stored tier. Upgrading to full requires the moderator
// scope to have been granted already; otherwise the streamer must repeat OAuth.
func (h *Handlers) HandleUpdateTier(w http.ResponseWriter, r *http.Request) {
	c := claims(r)
	ctx := r.Context()
	var req struct {
		Tier store.OAuthTier `json:"tier"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Tier.Valid() {
		writeError(w, http.StatusBadRequest, "tier must be anonymous or full")
		return
	}
	ch, err := h.deps.Repo.GetChannel(ctx, c.UserLogin)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Channel not found", map[string]any{"needsReauth": true})
		return
	}
	if err != nil {
		writeServiceError(w, r, "update tier", err)
		return
	}
	if req.Tier == store.TierFull && !slices.Contains(ch.TwitchScopes, store.ModeratorScope) {
		writeError(w, http.StatusForbidden, "Full tier requires re-authorizing with moderator permissions",
			map[string]any{"needsReauth": true, "code": "insufficient_scope"})
		return
	}
	if err := h.deps.Repo.MergeChannel(ctx, c.UserLogin, store.ChannelUpdate{OAuthTier: &req.Tier}); err != nil {
		writeServiceError(w, r, "update tier", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "oauthTier": req.Tier})
}
