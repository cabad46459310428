package store

import (
	"slices"
	"time"
)

// Collection names, shared by every backend.
const (
	CollectionChannels    = "managedChannels"
	CollectionTTSConfigs  = "ttsChannelConfigs"
	CollectionPreferences = "ttsUserPreferences"
	CollectionShortLinks  = "shortLinks"
)

// OAuthTier is the permission level a streamer granted.
type OAuthTier string

const (
	TierAnonymous OAuthTier = "anonymous"
	TierFull      OAuthTier = "full"
)

// ModeratorScope must be granted for the full tier.
const ModeratorScope = "channel:manage:moderators"

// Valid reports whether t is a known tier.
func (t OAuthTier) Valid() bool { return t == TierAnonymous || t == TierFull }

// TierForScopes derives the tier a scope set can support.
func TierForScopes(scopes []string) OAuthTier {
	if slices.Contains(scopes, ModeratorScope) {
		return TierFull
	}
	return TierAnonymous
}

// ManagedChannel is keyed by lowercase Twitch login. Token values live in the secret
// store; only their names are kept here.
type ManagedChannel struct {
	Login                      string     `json:"-"`
	TwitchUserID               string     `json:"twitchUserId,omitempty"`
	DisplayName                string     `json:"displayName,omitempty"`
	Email                      string     `json:"email,omitempty"`
	IsActive                   bool       `json:"isActive"`
	OAuthTier                  OAuthTier  `json:"oauthTier,omitempty"`
	TwitchScopes               []string   `json:"twitchScopes,omitempty"`
	TwitchAccessTokenExpiresAt *time.Time `json:"twitchAccessTokenExpiresAt,omitempty"`
	NeedsTwitchReAuth          bool       `json:"needsTwitchReAuth"`
	AccessTokenSecretName      string     `json:"twitchAccessTokenSecretName,omitempty"`
	RefreshTokenSecretName     string     `json:"twitchRefreshTokenSecretName,omitempty"`
	OBSTokenSecretName         string     `json:"obsTokenSecretName,omitempty"` // legacy location
	AddedAt                    *time.Time `json:"addedAt,omitempty"`
	LastLoginAt                *time.Time `json:"lastLoginAt,omitempty"`
	LastTokenRefreshAt         *time.Time `json:"lastTokenRefreshAt,omitempty"`
	LastTokenError             string     `json:"lastTokenError,omitempty"`
}

// ChannelUpdate is a partial ManagedChannel; nil fields are left untouched.
type ChannelUpdate struct {
	TwitchUserID               *string    `json:"twitchUserId,omitempty"`
	DisplayName                *string    `json:"displayName,omitempty"`
	Email                      *string    `json:"email,omitempty"`
	IsActive                   *bool      `json:"isActive,omitempty"`
	OAuthTier                  *OAuthTier `json:"oauthTier,omitempty"`
	TwitchScopes               []string   `json:"twitchScopes,omitempty"`
	TwitchAccessTokenExpiresAt *time.Time `json:"twitchAccessTokenExpiresAt,omitempty"`
	NeedsTwitchReAuth          *bool      `json:"needsTwitchReAuth,omitempty"`
	AccessTokenSecretName      *string    `json:"twitchAccessTokenSecretName,omitempty"`
	RefreshTokenSecretName     *string    `json:"twitchRefreshTokenSecretName,omitempty"`
	OBSTokenSecretName         *string    `json:"obsTokenSecretName,omitempty"`
	AddedAt                    *time.Time `json:"addedAt,omitempty"`
	LastLoginAt                *time.Time `json:"lastLoginAt,omitempty"`
	LastTokenRefreshAt         *time.Time `json:"lastTokenRefreshAt,omitempty"`
	LastTokenError             *string    `json:"lastTokenError,omitempty"`
}

// ContentPolicy filters Channel-Points TTS messages.
type ContentPolicy struct {
	BlockLinks  bool     `json:"blockLinks"`
	BannedWords []string `json:"bannedWords"`
}

// ChannelPointsSchemaVersion is written into every nested config. Version 1 is the
// legacy flat layout (channelPointRewardId / channelPointsEnabled on the parent).
const ChannelPointsSchemaVersion = 2

// ChannelPointsConfig is the single source of truth for the TTS reward.
type ChannelPointsConfig struct {
	SchemaVersion         int           `json:"schemaVersion"`
	Enabled               bool          `json:"enabled"`
	RewardID              string        `json:"rewardId"`
	Title                 string        `json:"title"`
	Cost                  int           `json:"cost"`
	Prompt                string        `json:"prompt"`
	SkipQueue             bool          `json:"skipQueue"`
	LimitsEnabled         bool          `json:"limitsEnabled"`
	CooldownSeconds       int           `json:"cooldownSeconds"`
	PerStreamLimit        int           `json:"perStreamLimit"`
	PerUserPerStreamLimit int           `json:"perUserPerStreamLimit"`
	ContentPolicy         ContentPolicy `json:"contentPolicy"`
	LastSyncedAt          *time.Time    `json:"lastSyncedAt,omitempty"`
}

// TTSChannelConfig is keyed by channel login.
type TTSChannelConfig struct {
	Channel              string               `json:"-"`
	VoiceID              string               `json:"voiceId,omitempty"`
	Emotion              string               `json:"emotion,omitempty"`
	Pitch                *int                 `json:"pitch,omitempty"`
	Speed                *float64             `json:"speed,omitempty"`
	LanguageBoost        string               `json:"languageBoost,omitempty"`
	EnglishNormalization *bool                `json:"englishNormalization,omitempty"`
	ChannelPoints        *ChannelPointsConfig `json:"channelPoints,omitempty"`
	OBSSocketSecretName  string               `json:"obsSocketSecretName,omitempty"`
	UpdatedAt            *time.Time           `json:"updatedAt,omitempty"`

	// Schema v1 fields, read only through EffectiveChannelPoints.
	LegacyRewardID string `json:"channelPointRewardId,omitempty"`
	LegacyEnabled  *bool  `json:"channelPointsEnabled,omitempty"`
}

// EffectiveChannelPoints returns the nested config, upgrading a v1 document in memory
// when only the legacy flat fields exist. Returns nil when nothing is configured.
func (c *TTSChannelConfig) EffectiveChannelPoints() *ChannelPointsConfig {
	if c == nil {
		return nil
	}
	if c.ChannelPoints != nil {
		return c.ChannelPoints
	}
	if c.LegacyRewardID == "" && c.LegacyEnabled == nil {
		return nil
	}
	cp := DefaultChannelPoints()
	cp.SchemaVersion = 1
	cp.RewardID = c.LegacyRewardID
	cp.Enabled = c.LegacyEnabled != nil && *c.LegacyEnabled && c.LegacyRewardID != ""
	return &cp
}

// DefaultChannelPoints is the config a channel starts with.
func DefaultChannelPoints() ChannelPointsConfig {
	return ChannelPointsConfig{
		SchemaVersion: ChannelPointsSchemaVersion,
		Title:         "Text-to-Speech Message",
		Cost:          500,
		Prompt:        "Enter a message to be read aloud by the TTS bot",
		ContentPolicy: ContentPolicy{BlockLinks: true, BannedWords: []string{}},
	}
}

// TTSConfigUpdate is a partial TTSChannelConfig; nil fields are left untouched.
// ChannelPoints replaces the nested object as a whole.
type TTSConfigUpdate struct {
	VoiceID              *string              `json:"voiceId,omitempty"`
	Emotion              *string              `json:"emotion,omitempty"`
	Pitch                *int                 `json:"pitch,omitempty"`
	Speed                *float64             `json:"speed,omitempty"`
	LanguageBoost        *string              `json:"languageBoost,omitempty"`
	EnglishNormalization *bool                `json:"englishNormalization,omitempty"`
	ChannelPoints        *ChannelPointsConfig `json:"channelPoints,omitempty"`
	OBSSocketSecretName  *string              `json:"obsSocketSecretName,omitempty"`
	UpdatedAt            *time.Time           `json:"updatedAt,omitempty"`

	LegacyRewardID *string `json:"channelPointRewardId,omitempty"`
	LegacyEnabled  *bool   `json:"channelPointsEnabled,omitempty"`
}

// SetChannelPoints writes cp and mirrors it into the v1 flat fields for old readers.
// This is the only place the legacy fields are written.
func (u *TTSConfigUpdate) SetChannelPoints(cp ChannelPointsConfig) {
	cp.SchemaVersion = ChannelPointsSchemaVersion
	if cp.ContentPolicy.BannedWords == nil {
		cp.ContentPolicy.BannedWords = []string{}
	}
	u.ChannelPoints = &cp
	id, enabled := cp.RewardID, cp.Enabled
	u.LegacyRewardID = &id
	u.LegacyEnabled = &enabled
}

// UserPreference holds a viewer's global (cross-channel) voice overrides.
type UserPreference struct {
	Username             string     `json:"-"`
	VoiceID              *string    `json:"voiceId,omitempty"`
	Pitch                *int       `json:"pitch,omitempty"`
	Speed                *float64   `json:"speed,omitempty"`
	Emotion              *string    `json:"emotion,omitempty"`
	Language             *string    `json:"language,omitempty"`
	EnglishNormalization *bool      `json:"englishNormalization,omitempty"`
	UpdatedAt            *time.Time `json:"updatedAt,omitempty"`
}

// ShortLink maps a random slug to a target URL.
type ShortLink struct {
	Slug      string    `json:"-"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
	Clicks    int64     `json:"clicks"`
}
