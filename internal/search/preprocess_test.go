package search

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestPreprocess(t *testing.T) {
	cases := map[string]string{
		"":                         "",
		"  hello \t\n world  ":     "hello world",
		"line1\r\n\r\nline2":       "line1 line2",
		"bell\x07char":             "bellchar",
		"ｆｕｌｌｗｉｄｔｈ":                "fullwidth",
		"<EMAIL_ADDRESS> reported": "<EMAIL_ADDRESS> reported",
	}
	for in, want := range cases {
		if got := Preprocess(in); got != want {
			t.Errorf("Preprocess(%q) = %q; want %q", in, got, want)
		}
	}
}

func TestSnippet(t *testing.T) {
	if got := Snippet("short", 10); got != "short" {
		t.Fatalf("short text changed: %q", got)
	}
	if got := Snippet("anything", 0); got != "anything" {
		t.Fatalf("n<=0 should not cut: %q", got)
	}

	long := "the quick brown fox jumps over the lazy dog"
	got := Snippet(long, 20)
	if !strings.HasSuffix(got, "…") || utf8.RuneCountInString(got) > 21 {
		t.Fatalf("snippet = %q", got)
	}
	if got != "the quick brown fox…" {
		t.Fatalf("word-boundary cut = %q", got)
	}

	// multi-byte input is cut on rune boundaries
	got = Snippet(strings.Repeat("é", 30), 10)
	if !utf8.ValidString(got) || utf8.RuneCountInString(got) != 11 {
		t.Fatalf("rune cut = %q", got)
	}
}

func TestTokenize_Placeholders(t *testing.T) {
	toks := tokenize("Mail <EMAIL_ADDRESS> now", nil)
	for _, w := range []string{"mail", "email", "address", "now"} {
		if _, ok := toks[w]; !ok {
			t.Fatalf("missing token %q in %v", w, toks)
		}
	}
}
