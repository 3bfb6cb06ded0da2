package redact

import (
	"net/netip"
	"regexp"
)

// EntityType names a class of sensitive value. It also forms the
// placeholder that replaces a detected value, e.g. <EMAIL_ADDRESS>.
type EntityType string

const (
	URLWithToken EntityType = "URL"
	Email        EntityType = "EMAIL_ADDRESS"
	CreditCard   EntityType = "CREDIT_CARD"
	SSN          EntityType = "US_SSN"
	IPAddress    EntityType = "IP_ADDRESS"
	Phone        EntityType = "PHONE_NUMBER"
	BankNumber   EntityType = "US_BANK_NUMBER"
	DateTime     EntityType = "DATE_TIME"
)

// Placeholder returns the token substituted for values of this type.
func (e EntityType) Placeholder() string { return "<" + string(e) + ">" }

// detector finds candidate spans of one entity type. When valid is set, a
// regex match is only kept if valid accepts it; with shrink also set, a
// rejected match is searched for shorter valid runs of its digit groups.
type detector struct {
	entity EntityType
	re     *regexp.Regexp
	valid  func(string) bool
	shrink bool
}

// accept returns the spans of text[start:end] this detector keeps.
func (d detector) accept(text string, start, end int) [][2]int {
	if d.valid == nil || d.valid(text[start:end]) {
		return [][2]int{{start, end}}
	}
	if !d.shrink {
		return nil
	}
	return shrinkDigits(text, start, end, d.valid)
}

// shrinkDigits finds the longest (then leftmost) run inside text[start:end]
// that begins and ends on a digit-group boundary and passes valid, then
// searches what is left on either side of it.
func shrinkDigits(text string, start, end int, valid func(string) bool) [][2]int {
	var starts, ends []int
	for i := start; i < end; i++ {
		if !isDigit(text[i]) {
			continue
		}
		if i == start || isGroupSep(text[i-1]) {
			starts = append(starts, i)
		}
		if i+1 == end || isGroupSep(text[i+1]) {
			ends = append(ends, i+1)
		}
	}

	best := [2]int{-1, -1}
	for _, s := range starts {
		for _, e := range ends {
			if e <= s || (best[0] >= 0 && e-s <= best[1]-best[0]) {
				continue
			}
			if valid(text[s:e]) {
				best = [2]int{s, e}
			}
		}
	}
	if best[0] < 0 {
		return nil
	}
	out := shrinkDigits(text, start, best[0], valid)
	out = append(out, best)
	return append(out, shrinkDigits(text, best[1], end, valid)...)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isGroupSep(c byte) bool { return c == ' ' || c == '-' }

// detectors are listed in priority order: when two candidates overlap, the
// one from the earlier detector wins, then the longer one.
var detectors = []detector{
	{
		entity: URLWithToken,
		re:     regexp.MustCompile(`(?i)\bhttps?://[^\s<>"']*[?&#;](?:access_token|id_token|token|api_key|apikey|key|secret|sig|signature|auth|password|passwd|session|sessionid|code)=[^\s<>"']+`),
	},
	{
		entity: Email,
		re:     regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`),
	},
	{
		entity: CreditCard,
		re:     regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`),
		valid:  luhn,
		shrink: true,
	},
	{
		entity: SSN,
		re:     regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	},
	{
		entity: IPAddress,
		re:     regexp.MustCompile(`(?i)\b(?:\d{1,3}(?:\.\d{1,3}){3}|(?:[0-9a-f]{0,4}:){2,7}[0-9a-f]{0,4})\b`),
		valid:  validIP,
	},
	{
		entity: Phone,
		re:     regexp.MustCompile(`(?:\+\d{1,3}[ .-]?)?(?:\(\d{3}\)|\b\d{3})[ .-]?\d{3}[ .-]?\d{4}\b`),
	},
	{
		entity: BankNumber,
		re:     regexp.MustCompile(`\b\d{8,17}\b`),
	},
	{
		entity: DateTime,
		re: regexp.MustCompile(`(?i)` +
			`\b\d{4}-\d{2}-\d{2}(?:[T ]\d{2}:\d{2}(?::\d{2}(?:\.\d+)?)?(?:Z|[+-]\d{2}:?\d{2})?)?\b` +
			`|\b\d{1,2}/\d{1,2}/\d{2,4}\b` +
			`|\b(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.? \d{1,2}(?:st|nd|rd|th)?,? \d{4}\b` +
			`|\b\d{1,2} (?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]* \d{4}\b`),
	},
}

// luhn reports whether the digits in s pass the Luhn checksum.
func luhn(s string) bool {
	sum, n, double := 0, 0, false
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
		n++
	}
	return n >= 13 && n <= 19 && sum%10 == 0
}

func validIP(s string) bool {
	_, err := netip.ParseAddr(s)
	return err == nil
}
