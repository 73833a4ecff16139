// Package policy scrubs personal data from transcripts before they leave
// the session (persistence, export).
package policy

import (
	"regexp"

	"github.com/voxlab/voxcoach/internal/protocol"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactText masks common high-risk PII patterns in one utterance.
func RedactText(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Run card redaction before phone to avoid card numbers being classified as phone.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactTranscript returns a copy of the transcript with every turn
// scrubbed, plus the number of turns that were modified. The live session
// transcript is never mutated; redaction applies only to what leaves the
// process.
func RedactTranscript(turns []protocol.Turn) ([]protocol.Turn, int) {
	out := make([]protocol.Turn, len(turns))
	modified := 0
	for i, turn := range turns {
		text, changed := RedactText(turn.Text)
		out[i] = turn
		out[i].Text = text
		if changed {
			modified++
		}
	}
	return out, modified
}
