package search

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// wordRE matches letter runs with optional trailing digits, and bare numbers.
// Redaction placeholders such as <EMAIL_ADDRESS> tokenize as ordinary words.
var wordRE = regexp.MustCompile(`\p{L}+\p{N}*|\p{N}+`)

// Preprocess prepares post content for indexing:
//   - NFKC normalization so compatibility forms compare equal
//   - control characters dropped
//   - runs of whitespace (including newlines) collapsed to one space
func Preprocess(s string) string {
	s = norm.NFKC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	prevSpace := true // suppresses leading space
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsControl(r):
		default:
			b.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// Snippet shortens s to at most n runes, cutting at a word boundary when one
// is available and marking the cut with an ellipsis.
func Snippet(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	cut := 0
	for i := range s {
		if n == 0 {
			cut = i
			break
		}
		n--
	}
	head := s[:cut]
	if sp := strings.LastIndexByte(head, ' '); sp > len(head)/2 {
		head = head[:sp]
	}
	return strings.TrimRight(head, " ") + "…"
}

// foldToken lower-cases with full Unicode case folding. A Caser is not safe
// for concurrent use, so one is created per call.
func foldToken(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}
