// Package notify handles user-visible strings derived from job and approval
// records: sanitization for chat-platform delivery and redaction of failure
// alerts. Every string that leaves the orchestrator passes through here.
package notify

import (
	"regexp"
	"strings"
)

var (
	// Mentions and broadcast patterns are masked, never delivered live.
	reEveryone    = regexp.MustCompile(`@(everyone|here)`)
	reUserMention = regexp.MustCompile(`<@!?&?\d+>`)
	reChanMention = regexp.MustCompile(`<#\d+>`)
	// Base64 blobs: runs of the allowed alphabet sized >= 40, and any
	// data-URI payload regardless of size.
	reDataURI = regexp.MustCompile(`data:[^;,\s]*;base64,[A-Za-z0-9+/=]+`)
	reBase64  = regexp.MustCompile(`[A-Za-z0-9+/]{40,}={0,2}`)
)

// Directional formatting characters (RLO and friends) that can disguise
// content in a notification.
var rtlRunes = map[rune]bool{
	'\u202a': true, '\u202b': true, '\u202c': true, '\u202d': true, '\u202e': true,
	'\u2066': true, '\u2067': true, '\u2068': true, '\u2069': true,
}

// StripControl removes null bytes and RTL override characters. Used on its
// own for text that must stay intact otherwise, such as an approved task
// being embedded into a spawn prompt.
func StripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == 0 || rtlRunes[r] {
			return -1
		}
		return r
	}, s)
}

// maskMentions neutralizes channel, user and role mentions plus broadcast
// patterns.
func maskMentions(s string) string {
	s = reEveryone.ReplaceAllString(s, "@\u200b$1")
	s = reUserMention.ReplaceAllString(s, "[mention]")
	s = reChanMention.ReplaceAllString(s, "[channel]")
	return s
}

// Truncate cuts s to at most max runes, appending an ellipsis when cut.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max == 1 {
		return "…"
	}
	return string(runes[:max-1]) + "…"
}

// SanitizeNotification prepares untrusted task text for an approval
// notification: control and RTL characters stripped, mentions masked, code
// fences escaped, then truncated to 500 chars. Truncation runs last so a cut
// cannot re-open an escaped pattern.
func SanitizeNotification(s string) string {
	s = StripControl(s)
	s = maskMentions(s)
	s = strings.ReplaceAll(s, "```", "`\u200b``")
	return Truncate(s, 500)
}

// RedactForAlert prepares failure detail for a DLQ alert: base64 blobs and
// data URIs removed, mentions masked, control characters stripped, truncated
// to 200 chars. Redaction is mandatory; alerts may reach channels the
// dispatcher never saw.
func RedactForAlert(s string) string {
	s = StripControl(s)
	s = reDataURI.ReplaceAllString(s, "[base64 redacted]")
	s = reBase64.ReplaceAllString(s, "[base64 redacted]")
	s = maskMentions(s)
	return Truncate(s, 200)
}
