package tts

import "github.com/onnwee/ttsbot-control/store"

// Params is a fully resolved synthesis parameter set.
type Params struct {
	VoiceID              string  `json:"voiceId"`
	Emotion              string  `json:"emotion"`
	Pitch                int     `json:"pitch"`
	Speed                float64 `json:"speed"`
	LanguageBoost        string  `json:"languageBoost"`
	EnglishNormalization bool    `json:"englishNormalization"`
}

// Fallback is used when no layer provides a value.
func Fallback(defaultVoice string) Params {
	if defaultVoice == "" {
		defaultVoice = "Friendly_Person"
	}
	return Params{
		VoiceID:       defaultVoice,
		Emotion:       "neutral",
		Pitch:         0,
		Speed:         1.0,
		LanguageBoost: "Automatic",
	}
}

// Overrides are per-request values; nil means "not given".
type Overrides struct {
	VoiceID              *string  `json:"voiceId,omitempty"`
	Emotion              *string  `json:"emotion,omitempty"`
	Pitch                *int     `json:"pitch,omitempty"`
	Speed                *float64 `json:"speed,omitempty"`
	LanguageBoost        *string  `json:"languageBoost,omitempty"`
	EnglishNormalization *bool    `json:"englishNormalization,omitempty"`
}

// Resolve overlays request > viewer preference > channel default > fallback, field by
// field. pref and channel may be nil.
func Resolve(req Overrides, pref *store.UserPreference, channel *store.TTSChannelConfig, fallback Params) Params {
	out := fallback
	if channel != nil {
		if channel.VoiceID != "" {
			out.VoiceID = channel.VoiceID
		}
		if channel.Emotion != "" {
			out.Emotion = channel.Emotion
		}
		if channel.Pitch != nil {
			out.Pitch = *channel.Pitch
		}
		if channel.Speed != nil {
			out.Speed = *channel.Speed
		}
		if channel.LanguageBoost != "" {
			out.LanguageBoost = channel.LanguageBoost
		}
		if channel.EnglishNormalization != nil {
			out.EnglishNormalization = *channel.EnglishNormalization
		}
	}
	if pref != nil {
		overlay(&out, Overrides{
			VoiceID:              pref.VoiceID,
			Emotion:              pref.Emotion,
			Pitch:                pref.Pitch,
			Speed:                pref.Speed,
			LanguageBoost:        pref.Language,
			EnglishNormalization: pref.EnglishNormalization,
		})
	}
	overlay(&out, req)
	out.Emotion = NormalizeEmotion(out.Emotion)
	return out
}

func overlay(p *Params, o Overrides) {
	if o.VoiceID != nil && *o.VoiceID != "" {
		p.VoiceID = *o.VoiceID
	}
	if o.Emotion != nil && *o.Emotion != "" {
		p.Emotion = *o.Emotion
	}
	if o.Pitch != nil {
		p.Pitch = *o.Pitch
	}
	if o.Speed != nil {
		p.Speed = *o.Speed
	}
	if o.LanguageBoost != nil && *o.LanguageBoost != "" {
		p.LanguageBoost = *o.LanguageBoost
	}
	if o.EnglishNormalization != nil {
		p.EnglishNormalization = *o.EnglishNormalization
	}
}

// Validate returns a user-facing message for the first invalid field, or "".
func (p Params) Validate() string {
	switch {
	case !ValidateVoiceID(p.VoiceID):
		return "Invalid voiceId"
	case !ValidateEmotion(p.Emotion):
		return "Invalid emotion"
	case !ValidatePitch(float64(p.Pitch)):
		return "Pitch must be an integer between -12 and 12"
	case !ValidateSpeed(p.Speed):
		return "Speed must be between 0.5 and 2.0"
	case !ValidateLanguage(p.LanguageBoost):
		return "Invalid languageBoost"
	}
	return ""
}
