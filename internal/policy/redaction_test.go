package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestFindPIIPrefersCardOverPhone(t *testing.T) {
	spans := FindPII("card 4242 4242 4242 4242 mail sam@example.com")
	kinds := map[PIIKind]int{}
	for _, s := range spans {
		kinds[s.Kind]++
	}
	if kinds[PIICard] != 1 || kinds[PIIEmail] != 1 || kinds[PIIPhone] != 0 {
		t.Fatalf("unexpected spans: %+v", spans)
	}
}

func TestForLogTruncates(t *testing.T) {
	got := ForLog("write to sam@example.com please", 12)
	if strings.Contains(got, "sam@") {
		t.Fatalf("ForLog() leaked email: %q", got)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("ForLog() = %q, want truncated", got)
	}
}
