// Package botservice calls the external bot runtime, which owns the EventSub
// subscriptions for each channel.
package botservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/idtoken"

	"github.com/onnwee/ttsbot-control/telemetry"
)

// Timeout bounds one call to the bot service.
const Timeout = 10 * time.Second

// Client is disabled (every call a no-op) when BaseURL is empty.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New returns a client that signs requests with a Google ID token for audience when
// one is given, so the bot service can sit behind Cloud Run IAM.
func New(ctx context.Context, baseURL, audience string) (*Client, error) {
	c := &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTPClient: &http.Client{Timeout: Timeout}}
	if c.BaseURL == "" || audience == "" {
		return c, nil
	}
	hc, err := idtoken.NewClient(ctx, audience)
	if err != nil {
		return nil, fmt.Errorf("bot service id token client: %w", err)
	}
	hc.Timeout = Timeout
	c.HTTPClient = hc
	return c, nil
}

func (c *Client) Enabled() bool { return c != nil && c.BaseURL != "" }

type subscriptionRequest struct {
	Channel       string `json:"channel"`
	BroadcasterID string `json:"broadcasterId"`
}

// RegisterSubscriptions asks the bot service to (re)create the channel's event-stream
// subscriptions.
func (c *Client) RegisterSubscriptions(ctx context.Context, channel, broadcasterID string) error {
	return c.post(ctx, "/api/eventsub/subscribe", subscriptionRequest{Channel: channel, BroadcasterID: broadcasterID})
}

// UnregisterSubscriptions removes them when the bot is deactivated.
func (c *Client) UnregisterSubscriptions(ctx context.Context, channel, broadcasterID string) error {
	return c.post(ctx, "/api/eventsub/unsubscribe", subscriptionRequest{Channel: channel, BroadcasterID: broadcasterID})
}

// RegisterAsync runs RegisterSubscriptions detached from the request and only logs
// failures.
func (c *Client) RegisterAsync(ctx context.Context, channel, broadcasterID string) {
	if !c.Enabled() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := c.RegisterSubscriptions(ctx, channel, broadcasterID); err != nil {
			slog.Warn("bot service subscription registration failed",
				slog.String("channel", channel), slog.Any("err", err), slog.String("component", "botservice"))
		}
	}()
}

func (c *Client) post(ctx context.Context, path string, body any) (err error) {
	if !c.Enabled() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()
	ctx, span := telemetry.StartClientSpan(ctx, "bot-service", path)
	defer func() { telemetry.EndSpan(span, err) }()
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("bot service %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
