// Package rewards keeps one Twitch Channel-Points custom reward per channel in sync
// with the stored TTS configuration.
package rewards

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/onnwee/ttsbot-control/store"
	"github.com/onnwee/ttsbot-control/twitchapi"
)

// Helix limits.
const (
	MinCost       = 1
	MaxCost       = 999999
	MaxTitleLen   = 45
	MaxPromptLen  = 100
	MaxLimit      = 1000
	MaxCooldown   = 3600
	MaxBannedWord = 100
)

// Input is a partial update from the dashboard; nil fields keep the stored value.
type Input struct {
	Enabled               *bool               `json:"enabled,omitempty"`
	Title                 *string             `json:"title,omitempty"`
	Cost                  *float64            `json:"cost,omitempty"`
	Prompt                *string             `json:"prompt,omitempty"`
	SkipQueue             *bool               `json:"skipQueue,omitempty"`
	LimitsEnabled         *bool               `json:"limitsEnabled,omitempty"`
	CooldownSeconds       *float64            `json:"cooldownSeconds,omitempty"`
	PerStreamLimit        *float64            `json:"perStreamLimit,omitempty"`
	PerUserPerStreamLimit *float64            `json:"perUserPerStreamLimit,omitempty"`
	ContentPolicy         *ContentPolicyInput `json:"contentPolicy,omitempty"`
}

type ContentPolicyInput struct {
	BlockLinks  *bool    `json:"blockLinks,omitempty"`
	BannedWords []string `json:"bannedWords,omitempty"`
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// clampInt rounds v and clamps it to [lo, hi]; non-finite values become def.
// Clamping happens in float space so huge inputs never overflow int.
func clampInt(v float64, lo, hi, def int) int {
	if !finite(v) {
		return def
	}
	return int(math.Max(float64(lo), math.Min(float64(hi), math.Round(v))))
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// Normalize applies in on top of cur and enforces every Helix constraint.
func Normalize(cur store.ChannelPointsConfig, in Input) store.ChannelPointsConfig {
	out := cur
	def := store.DefaultChannelPoints()

	if in.Enabled != nil {
		out.Enabled = *in.Enabled
	}
	if in.Title != nil {
		out.Title = *in.Title
	}
	if in.Prompt != nil {
		out.Prompt = *in.Prompt
	}
	if in.SkipQueue != nil {
		out.SkipQueue = *in.SkipQueue
	}

	cost := float64(out.Cost)
	if in.Cost != nil {
		cost = *in.Cost
	}
	out.Cost = clampInt(cost, MinCost, MaxCost, def.Cost)

	perStream := float64(out.PerStreamLimit)
	if in.PerStreamLimit != nil {
		perStream = *in.PerStreamLimit
	}
	out.PerStreamLimit = clampInt(perStream, 0, MaxLimit, 0)

	perUser := float64(out.PerUserPerStreamLimit)
	if in.PerUserPerStreamLimit != nil {
		perUser = *in.PerUserPerStreamLimit
	}
	out.PerUserPerStreamLimit = clampInt(perUser, 0, MaxLimit, 0)

	rawCooldown := float64(out.CooldownSeconds)
	if in.CooldownSeconds != nil {
		rawCooldown = *in.CooldownSeconds
	}

	if in.LimitsEnabled != nil {
		out.LimitsEnabled = *in.LimitsEnabled
	} else if in.CooldownSeconds != nil || in.PerStreamLimit != nil || in.PerUserPerStreamLimit != nil {
		// derived when the client sends limits without the toggle
		out.LimitsEnabled = (finite(rawCooldown) && rawCooldown > 0) || out.PerStreamLimit > 0 || out.PerUserPerStreamLimit > 0
	}

	out.CooldownSeconds = clampInt(rawCooldown, 0, MaxCooldown, 0)
	if out.LimitsEnabled && (!finite(rawCooldown) || rawCooldown == 0) {
		out.CooldownSeconds = 1
	}

	out.Title = truncate(out.Title, MaxTitleLen)
	if out.Title == "" {
		out.Title = def.Title
	}
	out.Prompt = truncate(out.Prompt, MaxPromptLen)

	if in.ContentPolicy != nil {
		if in.ContentPolicy.BlockLinks != nil {
			out.ContentPolicy.BlockLinks = *in.ContentPolicy.BlockLinks
		}
		if in.ContentPolicy.BannedWords != nil {
			out.ContentPolicy.BannedWords = cleanWords(in.ContentPolicy.BannedWords)
		}
	}
	if out.ContentPolicy.BannedWords == nil {
		out.ContentPolicy.BannedWords = []string{}
	}
	out.SchemaVersion = store.ChannelPointsSchemaVersion
	return out
}

// cleanWords trims, lowercases, and dedupes banned words.
func cleanWords(words []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" || seen[w] || utf8.RuneCountInString(w) > MaxBannedWord {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// Payload builds the Helix body. Each enable flag travels with its value; disabled
// pairs are sent as false/0.
func Payload(c store.ChannelPointsConfig) twitchapi.RewardSettings {
	s := twitchapi.RewardSettings{
		Title:                             c.Title,
		Cost:                              c.Cost,
		Prompt:                            c.Prompt,
		IsEnabled:                         c.Enabled,
		IsUserInputRequired:               true,
		ShouldRedemptionsSkipRequestQueue: c.SkipQueue,
	}
	if c.LimitsEnabled {
		s.IsMaxPerStreamEnabled = c.PerStreamLimit > 0
		s.MaxPerStream = c.PerStreamLimit
		s.IsMaxPerUserPerStreamEnabled = c.PerUserPerStreamLimit > 0
		s.MaxPerUserPerStream = c.PerUserPerStreamLimit
		s.IsGlobalCooldownEnabled = c.CooldownSeconds > 0
		s.GlobalCooldownSeconds = c.CooldownSeconds
	}
	return s
}
