package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/ttsbot-control/allowlist"
	"github.com/onnwee/ttsbot-control/config"
	"github.com/onnwee/ttsbot-control/secrets"
	"github.com/onnwee/ttsbot-control/session"
	"github.com/onnwee/ttsbot-control/store"
	"github.com/onnwee/ttsbot-control/testutil"
)

const testJWTSecret = "test-jwt-secret-with-at-least-32-bytes"

type testEnv struct {
	t       *testing.T
	cfg     *config.Config
	repo    *store.Repo
	secrets *secrets.Memory
	twitch  *testutil.MockTwitchServer
	deps    Deps
	handler http.Handler
}

func testConfig(twitch *testutil.MockTwitchServer) *config.Config {
	return &config.Config{
		Env:                   "test",
		FrontendURL:           "https://dash.example.com",
		PublicURL:             "https://api.example.com",
		ServiceName:           "ttsbot-control",
		TwitchClientID:        "test-client-id",
		TwitchRedirectURI:     "https://api.example.com/auth/twitch/callback",
		TwitchScopesAnonymous: config.DefaultAnonymousScopes,
		TwitchScopesFull:      config.DefaultFullScopes,
		TwitchScopesViewer:    config.DefaultViewerScopes,
		TwitchAuthBaseURL:     twitch.URL,
		TwitchHelixBaseURL:    twitch.HelixURL(),
		BotUsername:           "ttsbot",
		BotUserID:             "999",
		JWTIssuer:             "ttsbot-control",
		JWTAudience:           "ttsbot-dashboard",
		SessionTTL:            time.Hour,
		TTSModel:              "minimax/speech-02-turbo",
		TTSDefaultVoice:       "Friendly_Person",
	}
}

func newTestEnv(t *testing.T, mutate ...func(*testEnv)) *testEnv {
	t.Helper()
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	t.Setenv("CORS_ALLOWED_ORIGINS", "")
	twitch := testutil.NewMockTwitchServer(t)
	cfg := testConfig(twitch)
	env := &testEnv{
		t:       t,
		cfg:     cfg,
		repo:    store.NewRepo(store.NewMemory()),
		secrets: secrets.NewMemory(),
		twitch:  twitch,
	}
	env.deps = Deps{
		Runtime: config.NewStaticRuntime(cfg, config.Secrets{
			TwitchClientSecret: "test-client-secret",
			JWTSecret:          testJWTSecret,
			TTSAPIKey:          "vendor-key",
		}),
		Repo:    env.repo,
		Secrets: env.secrets,
	}
	for _, m := range mutate {
		m(env)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	env.handler = NewMux(ctx, NewHandlers(env.deps))
	return env
}

func (e *testEnv) issuer() *session.Issuer {
	return session.NewIssuer(testJWTSecret, e.cfg.JWTIssuer, e.cfg.JWTAudience, time.Hour)
}

func (e *testEnv) token(id, login string, viewer bool) string {
	e.t.Helper()
	scope := ""
	if viewer {
		scope = session.ScopeViewer
	}
	tok, err := e.issuer().Issue(session.Identity{UserID: id, UserLogin: login, DisplayName: login, Scope: scope})
	if err != nil {
		e.t.Fatal(err)
	}
	return tok
}

// seedChannel stores a connected channel whose access token is valid for an hour.
func (e *testEnv) seedChannel(login, userID string, tier store.OAuthTier, scopes []string) {
	e.t.Helper()
	ctx := context.Background()
	accessName := secrets.TwitchAccessTokenID(login)
	if _, err := secrets.Put(ctx, e.secrets, accessName, "user-token-"+login); err != nil {
		e.t.Fatal(err)
	}
	exp := time.Now().Add(time.Hour)
	if err := e.repo.MergeChannel(ctx, login, store.ChannelUpdate{
		TwitchUserID:               &userID,
		OAuthTier:                  &tier,
		TwitchScopes:               scopes,
		TwitchAccessTokenExpiresAt: &exp,
		AccessTokenSecretName:      &accessName,
	}); err != nil {
		e.t.Fatal(err)
	}
}

func (e *testEnv) do(method, path, bearer string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			e.t.Fatal(err)
		}
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return m
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodGet, "/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["status"] != "healthy" || body["service"] != "ttsbot-control" || body["timestamp"] == "" {
		t.Errorf("body = %v", body)
	}
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("missing correlation id header")
	}
}

func TestNotReadyAnswers503(t *testing.T) {
	env := newTestEnv(t, func(e *testEnv) {
		e.deps.Runtime = config.NewRuntime(e.cfg)
	})
	tok := env.token("1", "streamer", false)
	for _, path := range []string{"/api/auth/status", "/auth/twitch/initiate", "/readyz"} {
		if rr := env.do(http.MethodGet, path, tok, nil); rr.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, rr.Code)
		}
	}
	if rr := env.do(http.MethodGet, "/health", "", nil); rr.Code != http.StatusOK {
		t.Errorf("/health status = %d, want 200", rr.Code)
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodGet, "/readyz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestBasePathPrefix(t *testing.T) {
	env := newTestEnv(t, func(e *testEnv) { e.cfg.BasePath = "/control" })
	for _, path := range []string{"/control/health", "/health"} {
		if rr := env.do(http.MethodGet, path, "", nil); rr.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rr.Code)
		}
	}
}

func TestAuthStatus(t *testing.T) {
	env := newTestEnv(t)

	if rr := env.do(http.MethodGet, "/api/auth/status", "", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", rr.Code)
	}

	rr := env.do(http.MethodGet, "/api/auth/status", env.token("1", "newbie", false), nil)
	body := decodeBody(t, rr)
	if body["twitchTokenStatus"] != "not_found" || body["needsTwitchReAuth"] != true {
		t.Errorf("unknown channel body = %v", body)
	}

	past := time.Now().Add(-time.Hour)
	tier := store.TierFull
	if err := env.repo.MergeChannel(context.Background(), "stale", store.ChannelUpdate{
		TwitchAccessTokenExpiresAt: &past, OAuthTier: &tier, TwitchScopes: []string{store.ModeratorScope},
	}); err != nil {
		t.Fatal(err)
	}
	body = decodeBody(t, env.do(http.MethodGet, "/api/auth/status", env.token("2", "stale", false), nil))
	if body["twitchTokenStatus"] != "expired" || body["needsTwitchReAuth"] != false || body["oauthTier"] != "full" {
		t.Errorf("expired channel body = %v", body)
	}

	if rr := env.do(http.MethodGet, "/api/auth/status", env.token("3", "viewer", true), nil); rr.Code != http.StatusForbidden {
		t.Errorf("viewer session status = %d, want 403", rr.Code)
	}
}

func TestAuthRefreshNeedsReauth(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodPost, "/api/auth/refresh", env.token("1", "ghost", false), nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["needsReauth"] != true || !strings.Contains(body["error"].(string), "re-authenticate") {
		t.Errorf("body = %v", body)
	}
}

func TestUpdateTier(t *testing.T) {
	env := newTestEnv(t)
	env.seedChannel("streamer", "100", store.TierAnonymous, []string{"user:read:email"})
	tok := env.token("100", "streamer", false)

	if rr := env.do(http.MethodPost, "/api/auth/update-tier", tok, map[string]string{"tier": "gold"}); rr.Code != http.StatusBadRequest {
		t.Errorf("invalid tier status = %d, want 400", rr.Code)
	}

	rr := env.do(http.MethodPost, "/api/auth/update-tier", tok, map[string]string{"tier": "full"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("full without scope status = %d, want 403", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["needsReauth"] != true || body["code"] != "insufficient_scope" {
		t.Errorf("body = %v", body)
	}

	env.seedChannel("streamer", "100", store.TierAnonymous, []string{store.ModeratorScope})
	if rr := env.do(http.MethodPost, "/api/auth/update-tier", tok, map[string]string{"tier": "full"}); rr.Code != http.StatusOK {
		t.Fatalf("full with scope status = %d body=%s", rr.Code, rr.Body.String())
	}
	ch, err := env.repo.GetChannel(context.Background(), "streamer")
	if err != nil || ch.OAuthTier != store.TierFull {
		t.Errorf("stored tier = %v, %v", ch, err)
	}
}

func TestInitiate(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(http.MethodGet, "/auth/twitch/initiate?tier=full", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	authURL, _ := body["authUrl"].(string)
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatal(err)
	}
	if u.Query().Get("force_verify") != "true" || !strings.Contains(u.Query().Get("scope"), store.ModeratorScope) {
		t.Errorf("authUrl = %s", authURL)
	}
	if u.Query().Get("state") != body["state"] {
		t.Errorf("state mismatch: %s vs %v", u.Query().Get("state"), body["state"])
	}
	var cookie *http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == stateCookie {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value != body["state"] || !cookie.HttpOnly {
		t.Errorf("state cookie = %+v", cookie)
	}

	if rr := env.do(http.MethodGet, "/auth/twitch/initiate?tier=gold", "", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("invalid tier status = %d", rr.Code)
	}
	if rr := env.do(http.MethodGet, "/auth/twitch/initiate?redirect=1", "", nil); rr.Code != http.StatusFound {
		t.Errorf("redirect=1 status = %d", rr.Code)
	}
}

func (e *testEnv) callback(query, cookieState string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/auth/twitch/callback?"+query, nil)
	if cookieState != "" {
		req.AddCookie(&http.Cookie{Name: stateCookie, Value: cookieState})
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func tokenFromLocation(t *testing.T, loc string) string {
	t.Helper()
	_, frag, ok := strings.Cut(loc, "#token=")
	if !ok {
		t.Fatalf("no token in %s", loc)
	}
	tok, err := url.QueryUnescape(frag)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestCallbackStreamerFlow(t *testing.T) {
	env := newTestEnv(t)
	scopes := []string{"user:read:email", store.ModeratorScope}
	env.twitch.MockOAuthTokenResponse("access-1", "refresh-1", 14400, scopes)
	env.twitch.MockValidateResponse("test-client-id", "4242", "coolstreamer", scopes)
	env.twitch.MockUserResponse("4242", "coolstreamer", "CoolStreamer", "cool@example.com")

	rr := env.callback("code=abc&state=s123", "s123")
	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	loc := rr.Header().Get("Location")
	if !strings.HasPrefix(loc, "https://dash.example.com/dashboard.html#token=") {
		t.Fatalf("Location = %s", loc)
	}
	claims, err := env.issuer().Verify(tokenFromLocation(t, loc))
	if err != nil || claims.UserLogin != "coolstreamer" || claims.IsViewer() {
		t.Fatalf("claims = %+v, %v", claims, err)
	}

	ch, err := env.repo.GetChannel(context.Background(), "coolstreamer")
	if err != nil {
		t.Fatal(err)
	}
	if ch.OAuthTier != store.TierFull || ch.TwitchUserID != "4242" || ch.DisplayName != "CoolStreamer" ||
		ch.AddedAt == nil || ch.NeedsTwitchReAuth || ch.RefreshTokenSecretName == "" {
		t.Errorf("channel = %+v", ch)
	}
	if got, err := env.secrets.AccessLatest(context.Background(), ch.RefreshTokenSecretName); err != nil || got != "refresh-1" {
		t.Errorf("refresh secret = %q, %v", got, err)
	}

	// A second login keeps the original AddedAt.
	added := *ch.AddedAt
	if rr := env.callback("code=def&state=s456", "s456"); rr.Code != http.StatusFound {
		t.Fatalf("second login status = %d", rr.Code)
	}
	ch, _ = env.repo.GetChannel(context.Background(), "coolstreamer")
	if !ch.AddedAt.Equal(added) {
		t.Errorf("AddedAt changed: %v -> %v", added, ch.AddedAt)
	}
}

func TestCallbackRejectsStateMismatch(t *testing.T) {
	env := newTestEnv(t)
	if rr := env.callback("code=abc&state=s123", "other"); rr.Code != http.StatusBadRequest {
		t.Errorf("mismatch status = %d, want 400", rr.Code)
	}
	if rr := env.callback("code=abc&state=s123", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("missing cookie status = %d, want 400", rr.Code)
	}
	if env.twitch.Called("POST /oauth2/token") {
		t.Error("code exchanged despite bad state")
	}
}

func TestCallbackOAuthError(t *testing.T) {
	env := newTestEnv(t)
	rr := env.callback("error=access_denied&state=s123", "s123")
	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d", rr.Code)
	}
	if loc := rr.Header().Get("Location"); loc != "https://dash.example.com/dashboard.html?error=access_denied" {
		t.Errorf("Location = %s", loc)
	}
}

func TestCallbackViewerFlow(t *testing.T) {
	env := newTestEnv(t)
	env.twitch.MockOAuthTokenResponse("viewer-access", "viewer-refresh", 14400, []string{"user:read:email"})
	env.twitch.MockValidateResponse("test-client-id", "77", "someviewer", []string{"user:read:email"})
	env.twitch.MockUserResponse("77", "someviewer", "SomeViewer", "")

	state, err := encodeViewerState(viewerState{T: "viewer", R: "nonce", C: "coolstreamer"})
	if err != nil {
		t.Fatal(err)
	}
	rr := env.callback("code=abc&state="+url.QueryEscape(state), state)
	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	loc := rr.Header().Get("Location")
	if !strings.HasPrefix(loc, "https://dash.example.com/viewer-settings.html?channel=coolstreamer#token=") {
		t.Fatalf("Location = %s", loc)
	}
	claims, err := env.issuer().Verify(tokenFromLocation(t, loc))
	if err != nil || !claims.IsViewer() || claims.UserLogin != "someviewer" {
		t.Fatalf("claims = %+v, %v", claims, err)
	}
	if _, err := env.repo.GetChannel(context.Background(), "someviewer"); err == nil {
		t.Error("viewer flow must not create a channel")
	}
	if env.secrets.Versions(secrets.TwitchAccessTokenID("someviewer")) != 0 {
		t.Error("viewer flow must not store tokens")
	}
}

func TestViewerInitiate(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodGet, "/auth/twitch/viewer?channel=CoolStreamer", "", nil)
	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d", rr.Code)
	}
	u, _ := url.Parse(rr.Header().Get("Location"))
	vs, ok := decodeViewerState(u.Query().Get("state"))
	if !ok || vs.C != "coolstreamer" || vs.R == "" {
		t.Errorf("state = %+v ok=%v", vs, ok)
	}
	if u.Query().Get("scope") != config.DefaultViewerScopes {
		t.Errorf("scope = %q", u.Query().Get("scope"))
	}
}

func TestShortLinkRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token("1", "streamer", false)

	if rr := env.do(http.MethodPost, "/api/shortlink", tok, map[string]string{"url": "ftp://example.com/x"}); rr.Code != http.StatusBadRequest {
		t.Errorf("invalid url status = %d", rr.Code)
	}

	rr := env.do(http.MethodPost, "/api/shortlink", tok, map[string]string{"url": "https://example.com/page?a=1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("create status = %d body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	slug, _ := body["slug"].(string)
	if len(slug) != 12 || body["shortUrl"] != "https://api.example.com/s/"+slug {
		t.Fatalf("body = %v", body)
	}

	rr = env.do(http.MethodGet, "/s/"+slug, "", nil)
	if rr.Code != http.StatusMovedPermanently || rr.Header().Get("Location") != "https://example.com/page?a=1" {
		t.Fatalf("redirect = %d %s", rr.Code, rr.Header().Get("Location"))
	}
	l, err := env.repo.GetShortLink(context.Background(), slug)
	if err != nil || l.Clicks != 1 {
		t.Errorf("link = %+v, %v", l, err)
	}

	if rr := env.do(http.MethodGet, "/s/abcdefabcdef", "", nil); rr.Code != http.StatusNotFound {
		t.Errorf("unknown slug status = %d", rr.Code)
	}
}

func TestRewardUpsertSendsCooldownFloor(t *testing.T) {
	env := newTestEnv(t)
	env.seedChannel("streamer", "100", store.TierAnonymous, nil)
	var created map[string]any
	env.twitch.Handle("GET /helix/channel_points/custom_rewards", func(w http.ResponseWriter, r *http.Request) {
		testutil.WriteJSON(w, http.StatusOK, map[string]any{"data": []any{}})
	})
	env.twitch.Handle("POST /helix/channel_points/custom_rewards", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("broadcaster_id") != "100" || r.Header.Get("Authorization") != "Bearer user-token-streamer" {
			t.Errorf("unexpected request %s auth=%s", r.URL, r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&created)
		testutil.WriteJSON(w, http.StatusOK, map[string]any{"data": []map[string]any{{"id": "reward-1", "title": created["title"]}}})
	})

	rr := env.do(http.MethodPut, "/api/rewards/tts", env.token("100", "streamer", false), map[string]any{
		"enabled": true, "title": "Speak!", "cost": 250, "limitsEnabled": true, "cooldownSeconds": 0,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if created["is_global_cooldown_enabled"] != true || created["global_cooldown_seconds"] != float64(1) {
		t.Errorf("payload = %v", created)
	}
	body := decodeBody(t, rr)
	if body["outcome"] != "created" {
		t.Errorf("body = %v", body)
	}

	cfg, err := env.repo.GetTTSConfig(context.Background(), "streamer")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ChannelPoints == nil || cfg.ChannelPoints.RewardID != "reward-1" || cfg.LegacyRewardID != "reward-1" {
		t.Errorf("stored = %+v", cfg)
	}

	get := decodeBody(t, env.do(http.MethodGet, "/api/rewards/tts", env.token("100", "streamer", false), nil))
	cp, _ := get["channelPoints"].(map[string]any)
	if cp["rewardId"] != "reward-1" || cp["cooldownSeconds"] != float64(1) {
		t.Errorf("get = %v", get)
	}
}

func TestRewardSyncErrorRelaysStatus(t *testing.T) {
	env := newTestEnv(t)
	env.seedChannel("streamer", "100", store.TierAnonymous, nil)
	env.twitch.MockHelixError("/helix/channel_points/custom_rewards", http.StatusBadRequest, "CREATE_CUSTOM_REWARD_DUPLICATE_REWARD")

	rr := env.do(http.MethodPost, "/api/rewards/tts", env.token("100", "streamer", false), map[string]any{"enabled": true})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if body := decodeBody(t, rr); body["error"] != "CREATE_CUSTOM_REWARD_DUPLICATE_REWARD" {
		t.Errorf("body = %v", body)
	}
}

func TestRewardWriteNotAllowed(t *testing.T) {
	env := newTestEnv(t, func(e *testEnv) { e.deps.Allow = allowlist.Parse("someoneelse") })
	rr := env.do(http.MethodPost, "/api/rewards/tts", env.token("100", "streamer", false), map[string]any{"enabled": false})
	if rr.Code != http.StatusForbidden || decodeBody(t, rr)["code"] != "not_allowed" {
		t.Errorf("status = %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestRewardContentTest(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token("100", "streamer", false)
	tests := []struct {
		path    string
		body    map[string]any
		allowed bool
	}{
		{"/api/rewards/tts/test", map[string]any{"text": "hello chat"}, true},
		{"/api/rewards/tts:test", map[string]any{"text": "go to example.com now"}, false},
		{"/api/rewards/tts:test", map[string]any{"text": "you are a Noob", "contentPolicy": map[string]any{"bannedWords": []string{"noob"}}}, false},
	}
	for _, tt := range tests {
		rr := env.do(http.MethodPost, tt.path, tok, tt.body)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status = %d body=%s", tt.path, rr.Code, rr.Body.String())
		}
		body := decodeBody(t, rr)
		if body["allowed"] != tt.allowed {
			t.Errorf("%s %v: body = %v", tt.path, tt.body, body)
		}
		if !tt.allowed && body["reason"] == "" {
			t.Errorf("missing reason: %v", body)
		}
	}
}

func TestViewerPreferences(t *testing.T) {
	env := newTestEnv(t)
	viewer := env.token("77", "someviewer", true)
	path := "/api/viewer/preferences/coolstreamer"

	rr := env.do(http.MethodPut, path, viewer, `{"speed":1.5,"emotion":"Fear","voiceId":"Wise_Woman"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("put status = %d body=%s", rr.Code, rr.Body.String())
	}
	p, err := env.repo.GetUserPreference(context.Background(), "someviewer")
	if err != nil || p.Speed == nil || *p.Speed != 1.5 || p.Emotion == nil || *p.Emotion != "fearful" {
		t.Fatalf("stored = %+v, %v", p, err)
	}

	if rr := env.do(http.MethodPut, path, viewer, `{"speed":null}`); rr.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rr.Code)
	}
	p, _ = env.repo.GetUserPreference(context.Background(), "someviewer")
	if p.Speed != nil || p.VoiceID == nil || *p.VoiceID != "Wise_Woman" {
		t.Errorf("after clear = %+v", p)
	}

	for _, bad := range []string{`{"speed":3}`, `{"pitch":20}`, `{"emotion":"bored"}`, `{"language":"english"}`, `{"pitch":"high"}`} {
		if rr := env.do(http.MethodPut, path, viewer, bad); rr.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", bad, rr.Code)
		}
	}

	body := decodeBody(t, env.do(http.MethodGet, path, viewer, nil))
	if body["channel"] != "coolstreamer" || body["preferences"] == nil || body["policy"] == nil {
		t.Errorf("get body = %v", body)
	}
}

func TestViewerTokenExchange(t *testing.T) {
	env := newTestEnv(t)
	body := decodeBody(t, env.do(http.MethodPost, "/api/viewer/auth", env.token("100", "streamer", false), nil))
	tok, _ := body["token"].(string)
	claims, err := env.issuer().Verify(tok)
	if err != nil || !claims.IsViewer() || claims.UserLogin != "streamer" {
		t.Errorf("claims = %+v, %v", claims, err)
	}
}

func TestTTSTest(t *testing.T) {
	var got map[string]any
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		testutil.WriteJSON(w, http.StatusOK, map[string]any{
			"code": 200, "data": map[string]any{"id": "req-1", "status": "completed", "outputs": []string{"https://cdn.example.com/a.mp3"}},
		})
	}))
	defer vendor.Close()

	env := newTestEnv(t, func(e *testEnv) { e.cfg.TTSAPIBaseURL = vendor.URL })
	speed := 1.25
	if err := env.repo.MergeTTSConfig(context.Background(), "coolstreamer", store.TTSConfigUpdate{Speed: &speed}); err != nil {
		t.Fatal(err)
	}
	viewer := env.token("77", "someviewer", true)

	if rr := env.do(http.MethodPost, "/api/tts/test", viewer, map[string]any{"text": "hi"}); rr.Code != http.StatusBadRequest {
		t.Errorf("viewer without channel status = %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, "/api/tts/test", viewer, map[string]any{"text": strings.Repeat("a", 501), "channel": "coolstreamer"}); rr.Code != http.StatusBadRequest {
		t.Errorf("long text status = %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, "/api/tts/test", viewer, map[string]any{"text": "hi", "channel": "coolstreamer", "speed": 5}); rr.Code != http.StatusBadRequest {
		t.Errorf("bad speed status = %d", rr.Code)
	}

	rr := env.do(http.MethodPost, "/api/tts/test", viewer, map[string]any{"text": "hello", "channel": "coolstreamer", "emotion": "surprise"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if body := decodeBody(t, rr); body["audioUrl"] != "https://cdn.example.com/a.mp3" {
		t.Errorf("body = %v", body)
	}
	if got["speed"] != 1.25 || got["emotion"] != "surprised" || got["voice_id"] != "Friendly_Person" {
		t.Errorf("vendor request = %v", got)
	}
}

func TestTTSTestVendorUnavailable(t *testing.T) {
	env := newTestEnv(t, func(e *testEnv) {
		e.deps.Runtime = config.NewStaticRuntime(e.cfg, config.Secrets{TwitchClientSecret: "s", JWTSecret: testJWTSecret})
	})
	rr := env.do(http.MethodPost, "/api/tts/test", env.token("1", "streamer", false), map[string]any{"text": "hello"})
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestTTSSettings(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token("100", "streamer", false)
	if rr := env.do(http.MethodPut, "/api/tts/settings", tok, map[string]any{"pitch": 15}); rr.Code != http.StatusBadRequest {
		t.Errorf("bad pitch status = %d", rr.Code)
	}
	rr := env.do(http.MethodPut, "/api/tts/settings", tok, map[string]any{"voiceId": "Deep_Voice_Man", "emotion": "AUTO"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	cfg, _ := env.repo.GetTTSConfig(context.Background(), "streamer")
	if cfg.VoiceID != "Deep_Voice_Man" || cfg.Emotion != "neutral" {
		t.Errorf("stored = %+v", cfg)
	}
}

func TestOBSToken(t *testing.T) {
	env := newTestEnv(t)
	env.seedChannel("streamer", "100", store.TierAnonymous, nil)
	tok := env.token("100", "streamer", false)

	first := decodeBody(t, env.do(http.MethodGet, "/api/obs/getToken", tok, nil))
	obsToken, _ := first["token"].(string)
	if len(obsToken) != 64 || first["generated"] != true {
		t.Fatalf("first = %v", first)
	}
	if u, _ := first["browserSourceUrl"].(string); !strings.Contains(u, "token="+obsToken) {
		t.Errorf("browserSourceUrl = %s", u)
	}
	second := decodeBody(t, env.do(http.MethodGet, "/api/obs/getToken", tok, nil))
	if second["token"] != obsToken || second["generated"] != false {
		t.Errorf("second = %v", second)
	}

	if rr := env.do(http.MethodGet, "/obs/verify?channel=streamer&token="+obsToken, "", nil); rr.Code != http.StatusOK {
		t.Errorf("verify status = %d", rr.Code)
	}
	rotated := decodeBody(t, env.do(http.MethodPost, "/api/obs/generateToken", tok, nil))
	if rotated["token"] == obsToken {
		t.Error("rotation returned the old token")
	}
	if rr := env.do(http.MethodGet, "/obs/verify?channel=streamer&token="+obsToken, "", nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("old token verify status = %d", rr.Code)
	}
}

func TestOBSTokenRequiresTwitchAuth(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodGet, "/api/obs/getToken", env.token("1", "ghost", false), nil)
	if rr.Code != http.StatusUnauthorized || decodeBody(t, rr)["needsReauth"] != true {
		t.Errorf("status = %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestBotAddNotAllowed(t *testing.T) {
	env := newTestEnv(t, func(e *testEnv) { e.deps.Allow = allowlist.Parse("someoneelse") })
	env.seedChannel("streamer", "100", store.TierAnonymous, nil)
	rr := env.do(http.MethodPost, "/api/bot/add", env.token("100", "streamer", false), nil)
	if rr.Code != http.StatusForbidden || decodeBody(t, rr)["code"] != "not_allowed" {
		t.Errorf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	ch, _ := env.repo.GetChannel(context.Background(), "streamer")
	if ch.IsActive {
		t.Error("channel activated despite allow-list")
	}
}

func TestBotAddAndRemove(t *testing.T) {
	env := newTestEnv(t)
	env.seedChannel("streamer", "100", store.TierFull, []string{store.ModeratorScope})
	env.twitch.Handle("/helix/moderation/moderators", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("user_id") != "999" || r.URL.Query().Get("broadcaster_id") != "100" {
			t.Errorf("moderator call %s", r.URL)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	tok := env.token("100", "streamer", false)

	rr := env.do(http.MethodPost, "/api/bot/add", tok, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("add status = %d body=%s", rr.Code, rr.Body.String())
	}
	if body := decodeBody(t, rr); body["moderator"] != true {
		t.Errorf("add body = %v", body)
	}
	status := decodeBody(t, env.do(http.MethodGet, "/api/bot/status", tok, nil))
	if status["isActive"] != true || status["oauthTier"] != "full" || status["channel"] != "streamer" {
		t.Errorf("status = %v", status)
	}

	if rr := env.do(http.MethodPost, "/api/bot/remove", tok, nil); rr.Code != http.StatusOK {
		t.Fatalf("remove status = %d", rr.Code)
	}
	if !env.twitch.Called("DELETE /helix/moderation/moderators") {
		t.Error("moderator not removed")
	}
	ch, _ := env.repo.GetChannel(context.Background(), "streamer")
	if ch.IsActive {
		t.Error("channel still active")
	}
}

func TestBotRemoveUnknownChannel(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token("1", "ghost", false)

	rr := env.do(http.MethodPost, "/api/bot/remove", tok, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("remove status = %d body=%s", rr.Code, rr.Body.String())
	}
	if body := decodeBody(t, rr); body["success"] != true || body["isActive"] != false {
		t.Errorf("remove body = %v", body)
	}
	if _, err := env.repo.GetChannel(context.Background(), "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetChannel() error = %v, want ErrNotFound", err)
	}
	body := decodeBody(t, env.do(http.MethodGet, "/api/auth/status", tok, nil))
	if body["twitchTokenStatus"] != "not_found" || body["needsTwitchReAuth"] != true {
		t.Errorf("auth status after remove = %v", body)
	}
}

func TestLogoutClearsStateCookie(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodGet, "/auth/logout", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	found := false
	for _, c := range rr.Result().Cookies() {
		if c.Name == stateCookie && c.MaxAge < 0 {
			found = true
		}
	}
	if !found {
		t.Error("state cookie not cleared")
	}
}
