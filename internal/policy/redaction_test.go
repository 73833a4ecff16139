package policy

import (
	"strings"
	"testing"

	"github.com/voxlab/voxcoach/internal/protocol"
)

func TestRedactText(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactText(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactTranscriptLeavesOriginalIntact(t *testing.T) {
	turns := []protocol.Turn{
		{Role: protocol.RoleCandidate, Text: "My email is sam@example.com", Sequence: 0},
		{Role: protocol.RoleCoach, Text: "Noted, let's continue.", Sequence: 1},
	}

	redacted, modified := RedactTranscript(turns)
	if modified != 1 {
		t.Fatalf("modified = %d, want 1", modified)
	}
	if !strings.Contains(redacted[0].Text, "[REDACTED_EMAIL]") {
		t.Fatalf("candidate turn not redacted: %q", redacted[0].Text)
	}
	if redacted[1].Text != turns[1].Text {
		t.Fatalf("clean turn changed: %q", redacted[1].Text)
	}
	if turns[0].Text != "My email is sam@example.com" {
		t.Fatalf("source transcript mutated: %q", turns[0].Text)
	}
	if redacted[0].Sequence != 0 || redacted[0].Role != protocol.RoleCandidate {
		t.Fatalf("turn metadata lost in redaction")
	}
}
