package policy

import (
	"regexp"
	"unicode/utf8"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// PIIKind names a class of sensitive span.
type PIIKind string

const (
	PIIEmail PIIKind = "email"
	PIIPhone PIIKind = "phone"
	PIICard  PIIKind = "card"
)

// Span is one PII match inside a text.
type Span struct {
	Kind  PIIKind
	Value string
	Start int
	End   int
}

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
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

// FindPII returns the PII spans in input, cards taking precedence over
// overlapping phone matches.
func FindPII(input string) []Span {
	var spans []Span
	for _, loc := range emailPattern.FindAllStringIndex(input, -1) {
		spans = append(spans, Span{Kind: PIIEmail, Value: input[loc[0]:loc[1]], Start: loc[0], End: loc[1]})
	}
	cards := cardPattern.FindAllStringIndex(input, -1)
	for _, loc := range cards {
		spans = append(spans, Span{Kind: PIICard, Value: input[loc[0]:loc[1]], Start: loc[0], End: loc[1]})
	}
	for _, loc := range phonePattern.FindAllStringIndex(input, -1) {
		if overlaps(loc, cards) {
			continue
		}
		spans = append(spans, Span{Kind: PIIPhone, Value: input[loc[0]:loc[1]], Start: loc[0], End: loc[1]})
	}
	return spans
}

func overlaps(loc []int, others [][]int) bool {
	for _, o := range others {
		if loc[0] < o[1] && o[0] < loc[1] {
			return true
		}
	}
	return false
}

// ForLog redacts input and truncates it to at most limit runes.
func ForLog(input string, limit int) string {
	out, _ := RedactPII(input)
	if limit <= 0 || utf8.RuneCountInString(out) <= limit {
		return out
	}
	runes := []rune(out)
	return string(runes[:limit]) + "..."
}
