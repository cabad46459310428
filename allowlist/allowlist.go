// Package allowlist restricts which channels may enable the bot or configure rewards.
// The list is optional. When configured but unreadable, every channel is denied.
package allowlist

import (
	"context"
	"log/slog"
	"strings"

	"github.com/onnwee/ttsbot-control/store"
)

// SecretReader resolves a secret reference; secrets.Store implements it.
type SecretReader interface {
	AccessLatest(ctx context.Context, name string) (string, error)
}

// List is immutable after Load.
type List struct {
	configured bool
	failed     bool
	channels   map[string]struct{}
}

// Open allows every channel.
func Open() *List { return &List{} }

// Parse reads a comma, space, or newline separated list of logins.
func Parse(raw string) *List {
	l := &List{configured: true, channels: map[string]struct{}{}}
	for _, f := range strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r' || r == ' ' || r == '\t'
	}) {
		if login := store.NormalizeLogin(f); login != "" {
			l.channels[login] = struct{}{}
		}
	}
	return l
}

// Load prefers the literal list and falls back to the named secret. With neither set
// the list is open. A secret that cannot be read closes the list entirely.
func Load(ctx context.Context, literal, secretName string, reader SecretReader) *List {
	switch {
	case strings.TrimSpace(literal) != "":
		return Parse(literal)
	case secretName == "":
		return Open()
	case reader == nil:
		slog.Error("allow-list secret configured without a secret store; denying all channels",
			slog.String("component", "allowlist"))
		return &List{configured: true, failed: true}
	}
	raw, err := reader.AccessLatest(ctx, secretName)
	if err != nil {
		slog.Error("allow-list load failed; denying all channels",
			slog.Any("err", err), slog.String("component", "allowlist"))
		return &List{configured: true, failed: true}
	}
	l := Parse(raw)
	slog.Info("allow-list loaded", slog.Int("channels", len(l.channels)), slog.String("component", "allowlist"))
	return l
}

// Allowed reports whether login may use the bot.
func (l *List) Allowed(login string) bool {
	if l == nil || !l.configured {
		return true
	}
	if l.failed {
		return false
	}
	_, ok := l.channels[store.NormalizeLogin(login)]
	return ok
}

// Configured reports whether a list (possibly failed) is in effect.
func (l *List) Configured() bool { return l != nil && l.configured }
