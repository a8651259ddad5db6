package voice

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ent0n29/voxnote/internal/policy"
	"github.com/ent0n29/voxnote/internal/storage"
)

const extractionPrompt = `Extract named entities from the transcript below.
Respond with JSON only, shaped as {"entities":[{"type":"...","value":"...","confidence":0.0,"context":"..."}]}.
Allowed types: person, organization, location, event, product, financial, contact, date, time.
confidence is a number between 0 and 1. context is a short snippet of the surrounding words.
If nothing qualifies, respond with {"entities":[]}.`

const transcriptionPrompt = "Transcribe this audio verbatim. Respond with the transcript text only. If there is no speech, respond with an empty string."

type entityEnvelope struct {
	Entities []rawEntity `json:"entities"`
}

type rawEntity struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Context    string  `json:"context"`
}

var fencePattern = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")

// parseEntityJSON decodes model output into entities. Unknown types and
// blank values are dropped; confidence is clamped into [0,1].
func parseEntityJSON(raw string) ([]storage.Entity, error) {
	body := strings.TrimSpace(raw)
	if m := fencePattern.FindStringSubmatch(body); m != nil {
		body = m[1]
	}
	if body == "" {
		return nil, nil
	}

	var env entityEnvelope
	if strings.HasPrefix(body, "[") {
		if err := json.Unmarshal([]byte(body), &env.Entities); err != nil {
			return nil, fmt.Errorf("decode entity list: %w", err)
		}
	} else if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("decode entity envelope: %w", err)
	}

	out := make([]storage.Entity, 0, len(env.Entities))
	for _, re := range env.Entities {
		typ, ok := storage.ParseEntityType(re.Type)
		if !ok {
			continue
		}
		e := storage.Entity{
			Type:       typ,
			Value:      strings.TrimSpace(re.Value),
			Confidence: clampUnit(re.Confidence),
			Context:    strings.TrimSpace(re.Context),
		}
		if e.Validate() != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var (
	moneyPattern = regexp.MustCompile(`(?i)(?:[$€£]\s?\d[\d,]*(?:\.\d{1,2})?|\b\d[\d,]*(?:\.\d{1,2})?\s?(?:dollars|euros|pounds|usd|eur|gbp)\b)`)
	datePattern  = regexp.MustCompile(`(?i)\b(?:(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{1,2}(?:st|nd|rd|th)?(?:,?\s+\d{4})?|\d{4}-\d{2}-\d{2}|(?:next\s+)?(?:monday|tuesday|wednesday|thursday|friday|saturday|sunday)|today|tomorrow|yesterday)\b`)
	timePattern  = regexp.MustCompile(`(?i)\b(?:\d{1,2}:\d{2}\s?(?:am|pm)?|\d{1,2}\s?(?:am|pm)|noon|midnight)\b`)
	orgPattern   = regexp.MustCompile(`\b(?:[A-Z][A-Za-z&]+\s){0,3}[A-Z][A-Za-z&]+\s(?:Inc|Corp|Corporation|LLC|Ltd|GmbH|Company|Co)\b\.?`)
)

// heuristicExtractor finds pattern-shaped entities without a model.
type heuristicExtractor struct {
	contextRadius int
}

func (h heuristicExtractor) extract(text string) []storage.Entity {
	type hit struct {
		typ        storage.EntityType
		start, end int
		confidence float64
	}
	var hits []hit

	for _, span := range policy.FindPII(text) {
		switch span.Kind {
		case policy.PIIEmail:
			hits = append(hits, hit{storage.EntityContact, span.Start, span.End, 0.95})
		case policy.PIIPhone:
			hits = append(hits, hit{storage.EntityContact, span.Start, span.End, 0.8})
		case policy.PIICard:
			hits = append(hits, hit{storage.EntityFinancial, span.Start, span.End, 0.7})
		}
	}
	add := func(p *regexp.Regexp, typ storage.EntityType, confidence float64) {
		for _, loc := range p.FindAllStringIndex(text, -1) {
			hits = append(hits, hit{typ, loc[0], loc[1], confidence})
		}
	}
	add(moneyPattern, storage.EntityFinancial, 0.85)
	add(datePattern, storage.EntityDate, 0.75)
	add(timePattern, storage.EntityTime, 0.75)
	add(orgPattern, storage.EntityOrganization, 0.6)

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].start < hits[j].start })

	out := make([]storage.Entity, 0, len(hits))
	lastEnd := -1
	for _, h2 := range hits {
		// First match wins on overlap.
		if h2.start < lastEnd {
			continue
		}
		lastEnd = h2.end
		out = append(out, storage.Entity{
			Type:       h2.typ,
			Value:      strings.TrimSpace(text[h2.start:h2.end]),
			Confidence: h2.confidence,
			Context:    h.snippet(text, h2.start, h2.end),
		})
	}
	return out
}

func (h heuristicExtractor) snippet(text string, start, end int) string {
	r := h.contextRadius
	if r <= 0 {
		r = 40
	}
	from := start - r
	if from < 0 {
		from = 0
	}
	to := end + r
	if to > len(text) {
		to = len(text)
	}
	// Avoid splitting a multi-byte rune at either edge.
	for from > 0 && !isRuneStart(text[from]) {
		from--
	}
	for to < len(text) && !isRuneStart(text[to]) {
		to++
	}
	return strings.TrimSpace(text[from:to])
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
