package notify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "abc", Truncate("abc", 3))
	assert.Equal(t, "ab…", Truncate("abcd", 3))
	assert.Equal(t, "…", Truncate("abcd", 1))
	assert.Equal(t, "", Truncate("abcd", 0))
	// Rune-based: multi-byte characters count once.
	assert.Equal(t, "héll…", Truncate("héllo!", 5))
}

func TestSanitizeNotification_MasksMentions(t *testing.T) {
	t.Parallel()
	out := SanitizeNotification("hi @everyone and @here plus <@123> <@!456> <@&789> and <#42>")
	assert.NotContains(t, out, "@everyone")
	assert.NotContains(t, out, "@here")
	assert.Contains(t, out, "[mention]")
	assert.Contains(t, out, "[channel]")
	assert.NotContains(t, out, "<@123>")
}

func TestSanitizeNotification_StripsControlAndRTL(t *testing.T) {
	t.Parallel()
	in := "safe\x00text\u202ereversed\u202c"
	out := SanitizeNotification(in)
	assert.NotContains(t, out, "\x00")
	assert.NotContains(t, out, "\u202e")
	assert.NotContains(t, out, "\u202c")
	assert.Contains(t, out, "safetext")
}

func TestSanitizeNotification_EscapesCodeFences(t *testing.T) {
	t.Parallel()
	out := SanitizeNotification("before ```payload``` after")
	assert.NotContains(t, out, "```")
}

func TestSanitizeNotification_TruncatesAfterSanitizing(t *testing.T) {
	t.Parallel()
	in := strings.Repeat("a", 600) + "@everyone"
	out := SanitizeNotification(in)
	assert.LessOrEqual(t, len([]rune(out)), 500)
	assert.NotContains(t, out, "@everyone")
}

func TestRedactForAlert_Base64(t *testing.T) {
	t.Parallel()
	blob := strings.Repeat("QWJj", 15) // 60 chars of base64 alphabet
	out := RedactForAlert("failure payload " + blob + " end")
	assert.NotContains(t, out, blob)
	assert.Contains(t, out, "[base64 redacted]")

	// Short runs are left alone.
	out = RedactForAlert("error code QWJjZA==")
	assert.Contains(t, out, "QWJjZA==")
}

func TestRedactForAlert_DataURI(t *testing.T) {
	t.Parallel()
	out := RedactForAlert("img data:image/png;base64,QWJj failed")
	assert.NotContains(t, out, "data:image/png")
	assert.Contains(t, out, "[base64 redacted]")
}

func TestRedactForAlert_TruncatesTo200(t *testing.T) {
	t.Parallel()
	// Spaces keep the filler below the base64 run threshold so only the
	// length cap applies.
	out := RedactForAlert(strings.Repeat("x ", 250))
	assert.Len(t, []rune(out), 200)
	assert.True(t, strings.HasSuffix(out, "…"))
}

func TestRedactForAlert_UnbrokenAlphanumericRunIsRedacted(t *testing.T) {
	t.Parallel()
	// A long unbroken run of the base64 alphabet is indistinguishable from
	// an encoded blob and is collapsed, not truncated.
	out := RedactForAlert(strings.Repeat("x", 500))
	assert.Equal(t, "[base64 redacted]", out)
}
