// Package redact detects and masks sensitive substrings (emails, phone
// numbers, card numbers, national ids, bank numbers, IP addresses, URLs that
// carry credentials, and dates) before text is stored, broadcast, or logged.
//
// A Redactor is a long-lived object constructed once at startup and shared
// by reference. Its only mutable state is the allowlist of exempt literal
// values; all methods are safe for concurrent use.
//
// Guarantees for every call to Redact:
//   - each detected span is replaced by its entity placeholder, never by any
//     part of the original value
//   - no detected original value appears anywhere in the redacted text
//   - Redact(Redact(x).RedactedText).RedactedText == Redact(x).RedactedText
package redact

import (
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/cases"
)

// Span locates one detected value in the original text. Start and End are
// byte offsets (End exclusive).
type Span struct {
	Start      int        `json:"start"`
	End        int        `json:"end"`
	EntityType EntityType `json:"entity_type"`
}

// Result is the outcome of one Redact call. Spans are ordered by Start.
type Result struct {
	OriginalText        string `json:"-"`
	RedactedText        string `json:"redacted_text"`
	Spans               []Span `json:"spans"`
	HasSensitiveContent bool   `json:"has_sensitive_content"`
}

// Redactor masks sensitive values. The zero value is not usable; call New.
type Redactor struct {
	mu    sync.RWMutex
	allow map[string]string // folded -> as added
}

// New returns a Redactor whose allowlist starts with allow.
func New(allow ...string) *Redactor {
	r := &Redactor{allow: make(map[string]string)}
	r.Allow(allow...)
	return r
}

func foldKey(s string) string { return cases.Fold().String(strings.TrimSpace(s)) }

// Allow adds exempt values. Matching is exact and case-insensitive; blank
// values are ignored.
func (r *Redactor) Allow(values ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		r.allow[foldKey(v)] = v
	}
}

// IsAllowed reports whether value is on the allowlist.
func (r *Redactor) IsAllowed(value string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.allow[foldKey(value)]
	return ok
}

// Allowlist returns the exempt values, sorted.
func (r *Redactor) Allowlist() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.allow))
	for _, v := range r.allow {
		out = append(out, v)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

type candidate struct {
	Span
	prio int
}

// maxPasses bounds how often Redact re-scans its own output. Masking a
// value can expose a neighbour that lost an overlap to it.
const maxPasses = 8

// Redact scans text and returns the sanitized version with its spans. Spans
// locate the values found in text itself; values that only surface once
// their neighbours are masked are masked too but carry no span.
func (r *Redactor) Redact(text string) Result {
	res := Result{OriginalText: text, RedactedText: text, Spans: []Span{}}
	if text == "" {
		return res
	}

	spans := r.detect(text)
	if len(spans) == 0 {
		return res
	}
	recordSpans(spans)

	out := mask(text, spans)
	for i := 1; i < maxPasses; i++ {
		more := r.detect(out)
		if len(more) == 0 {
			break
		}
		recordSpans(more)
		out = mask(out, more)
	}

	res.RedactedText = out
	res.Spans = spans
	res.HasSensitiveContent = true
	return res
}

// mask replaces every span of text with its placeholder.
func mask(text string, spans []Span) string {
	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, s := range spans {
		b.WriteString(text[prev:s.Start])
		b.WriteString(s.EntityType.Placeholder())
		prev = s.End
	}
	b.WriteString(text[prev:])
	out := b.String()

	// A detected value can also occur where the pattern did not fire, e.g.
	// glued to surrounding word characters. Mask those occurrences too.
	for _, s := range spans {
		orig := text[s.Start:s.End]
		for i := 0; i < 8 && strings.Contains(out, orig); i++ {
			out = strings.ReplaceAll(out, orig, s.EntityType.Placeholder())
		}
	}
	return out
}

// String returns only the redacted text.
func (r *Redactor) String(text string) string { return r.Redact(text).RedactedText }

// detect runs every detector, drops allowlisted and invalid candidates, and
// resolves overlaps by priority then length.
func (r *Redactor) detect(text string) []Span {
	var cands []candidate
	for prio, d := range detectors {
		for _, loc := range d.re.FindAllStringIndex(text, -1) {
			for _, m := range d.accept(text, loc[0], loc[1]) {
				if r.IsAllowed(text[m[0]:m[1]]) {
					continue
				}
				cands = append(cands, candidate{Span: Span{Start: m[0], End: m[1], EntityType: d.entity}, prio: prio})
			}
		}
	}
	if len(cands) == 0 {
		return nil
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.prio != b.prio {
			return a.prio < b.prio
		}
		if la, lb := a.End-a.Start, b.End-b.Start; la != lb {
			return la > lb
		}
		return a.Start < b.Start
	})

	kept := make([]Span, 0, len(cands))
	for _, c := range cands {
		overlaps := false
		for _, k := range kept {
			if c.Start < k.End && k.Start < c.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, c.Span)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}
