// Package chat posts one-off notices to a channel's Twitch chat as the bot account.
//
// It is used when a streamer activates the bot so viewers see the bot arrive. The
// announcer connects, sends a single PRIVMSG, and disconnects; it never listens.
//
// Credentials: TWITCH_BOT_USERNAME and a bot OAuth token with chat:edit. Either may
// be missing, in which case the announcer is disabled and Announce is a no-op.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// AnnounceTimeout bounds connect plus send.
const AnnounceTimeout = 15 * time.Second

// flushDelay lets the IRC writer drain the PRIVMSG before the socket closes.
const flushDelay = 750 * time.Millisecond

// ircClient is the part of *twitch.Client used here.
type ircClient interface {
	OnConnect(func())
	Join(channels ...string)
	Say(channel, text string)
	Connect() error
	Disconnect() error
}

type Announcer struct {
	username string
	token    string

	newClient func(user, token string) ircClient
}

// NewAnnouncer returns nil (a valid, disabled announcer) without credentials.
func NewAnnouncer(username, oauthToken string) *Announcer {
	if username == "" || oauthToken == "" {
		return nil
	}
	if !strings.HasPrefix(oauthToken, "oauth:") {
		oauthToken = "oauth:" + oauthToken
	}
	return &Announcer{
		username: strings.ToLower(username),
		token:    oauthToken,
		newClient: func(user, token string) ircClient {
			return twitch.NewClient(user, token)
		},
	}
}

func (a *Announcer) Enabled() bool { return a != nil }

// ActivationMessage is the notice sent when the bot joins a channel.
func ActivationMessage(displayName string) string {
	return fmt.Sprintf("TTS bot is now active for %s. Redeem the TTS reward to be heard on stream!", displayName)
}

// Announce sends text to channel and returns once the client has disconnected.
func (a *Announcer) Announce(ctx context.Context, channel, text string) error {
	if !a.Enabled() {
		return nil
	}
	channel = strings.ToLower(strings.TrimPrefix(channel, "#"))
	if channel == "" || strings.TrimSpace(text) == "" {
		return errors.New("announce: channel and text required")
	}
	ctx, cancel := context.WithTimeout(ctx, AnnounceTimeout)
	defer cancel()

	client := a.newClient(a.username, a.token)
	sent := make(chan struct{})
	client.OnConnect(func() {
		client.Say(channel, text)
		close(sent)
	})
	client.Join(channel)

	errCh := make(chan error, 1)
	go func() { errCh <- client.Connect() }()

	select {
	case <-sent:
		select {
		case <-time.After(flushDelay):
		case <-ctx.Done():
		}
		_ = client.Disconnect()
		err := <-errCh
		if err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
			return fmt.Errorf("announce to %s: %w", channel, err)
		}
		slog.Info("chat announcement sent", slog.String("channel", channel), slog.String("component", "chat"))
		return nil
	case err := <-errCh:
		if err == nil {
			err = errors.New("connection closed before send")
		}
		return fmt.Errorf("announce to %s: %w", channel, err)
	case <-ctx.Done():
		_ = client.Disconnect()
		return fmt.Errorf("announce to %s: %w", channel, ctx.Err())
	}
}

// AnnounceAsync is Announce detached from the request; failures are only logged.
func (a *Announcer) AnnounceAsync(ctx context.Context, channel, text string) {
	if !a.Enabled() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := a.Announce(ctx, channel, text); err != nil {
			slog.Warn("chat announcement failed", slog.String("channel", channel),
				slog.Any("err", err), slog.String("component", "chat"))
		}
	}()
}
