package tts

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/onnwee/ttsbot-control/store"
)

// ReasonLinks is returned when a message contains a link and links are blocked.
const ReasonLinks = "Links are not allowed"

var (
	urlPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)
	// bare domains such as "example.com" or "clips.twitch.tv/abc"
	domainPattern = regexp.MustCompile(`(?i)\b[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?(?:\.[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?)*\.(?:com|net|org|io|gg|tv|co|me|ly|xyz|app|dev|info|biz|us|uk|de|ru|be|to|live|link|site|online|store|fm)\b`)
)

// ContainsLink reports URL-like text or a bare domain.
func ContainsLink(text string) bool {
	return urlPattern.MatchString(text) || domainPattern.MatchString(text)
}

// bannedWordPattern matches w as a whole word, case-insensitively. Boundaries are
// letters, digits, or underscore so words with punctuation still match.
func bannedWordPattern(w string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:^|[^\pL\pN_])` + regexp.QuoteMeta(w) + `(?:$|[^\pL\pN_])`)
}

// CheckContent applies policy to text. It returns allowed=false with a reason naming
// the first rule that matched.
func CheckContent(text string, policy store.ContentPolicy) (allowed bool, reason string) {
	if policy.BlockLinks && ContainsLink(text) {
		return false, ReasonLinks
	}
	for _, w := range policy.BannedWords {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		if bannedWordPattern(w).MatchString(text) {
			return false, fmt.Sprintf("Message contains banned word: %s", w)
		}
	}
	return true, ""
}
