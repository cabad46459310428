package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// App tokens only read public data (e.g. resolving a channel login to its profile);
// anything acting on a broadcaster's behalf needs that user's token.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	// AuthBaseURL defaults to DefaultAuthBaseURL.
	AuthBaseURL string
	HTTPClient  *http.Client

	once sync.Once
	src  oauth2.TokenSource
}

func (ts *TokenSource) init() {
	base := strings.TrimRight(ts.AuthBaseURL, "/")
	if base == "" {
		base = DefaultAuthBaseURL
	}
	cc := clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     base + "/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	ctx := context.Background()
	if ts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
	}
	// 1 min buffer before expiry.
	ts.src = oauth2.ReuseTokenSourceWithExpiry(nil, cc.TokenSource(ctx), 60*time.Second)
}

// Get returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}
	ts.once.Do(ts.init)
	type result struct {
		tok *oauth2.Token
		err error
	}
	ch := make(chan result, 1)
	go func() {
		t, err := ts.src.Token()
		ch <- result{t, err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return "", r.err
		}
		if r.tok.AccessToken == "" {
			return "", errors.New("empty access_token in twitch response")
		}
		return r.tok.AccessToken, nil
	}
}
