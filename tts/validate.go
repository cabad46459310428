// Package tts holds the speech-parameter rules shared by the test endpoint, viewer
// preferences, and Channel-Points content checks, plus the speech vendor client.
package tts

import (
	"math"
	"regexp"
	"slices"
	"strings"
)

// Canonical emotions accepted by the vendor.
var Emotions = []string{"neutral", "happy", "sad", "angry", "fearful", "disgusted", "surprised"}

var emotionSynonyms = map[string]string{
	"auto":     "neutral",
	"fear":     "fearful",
	"surprise": "surprised",
	"disgust":  "disgusted",
}

// NormalizeEmotion trims, lowercases, and maps synonyms to canonical names.
// Unknown values pass through lowercased so ValidateEmotion can reject them.
func NormalizeEmotion(s string) string {
	e := strings.ToLower(strings.TrimSpace(s))
	if c, ok := emotionSynonyms[e]; ok {
		return c
	}
	return e
}

// ValidateEmotion reports whether s normalizes to a canonical emotion.
func ValidateEmotion(s string) bool {
	return slices.Contains(Emotions, NormalizeEmotion(s))
}

// Languages is the language-boost allow-list. Matching is exact-case.
var Languages = []string{
	"None", "Automatic", "Chinese", "Chinese,Yue", "English", "Arabic", "Russian",
	"Spanish", "French", "Portuguese", "German", "Turkish", "Dutch", "Ukrainian",
	"Vietnamese", "Indonesian", "Japanese", "Italian", "Korean", "Thai", "Polish",
	"Romanian", "Greek", "Czech", "Finnish", "Hindi",
}

func ValidateLanguage(s string) bool { return slices.Contains(Languages, s) }

const (
	MinSpeed = 0.5
	MaxSpeed = 2.0
	MinPitch = -12
	MaxPitch = 12
)

// ValidateSpeed accepts finite values in [0.5, 2.0].
func ValidateSpeed(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= MinSpeed && v <= MaxSpeed
}

// ValidatePitch accepts whole numbers in [-12, 12].
func ValidatePitch(v float64) bool {
	return !math.IsNaN(v) && v == math.Trunc(v) && v >= MinPitch && v <= MaxPitch
}

var voiceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,128}$`)

func ValidateVoiceID(s string) bool { return voiceIDPattern.MatchString(s) }
