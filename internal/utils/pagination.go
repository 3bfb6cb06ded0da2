// Package utils provides small query-string helpers shared by handlers.
package utils

import (
	"strconv"
	"strings"
)

// AtoiDefault converts s with strconv.Atoi, returning def when s is empty or
// not an integer.
//
//	utils.AtoiDefault("42", 0) // 42
//	utils.AtoiDefault("x", 5)  // 5
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// PageParams reads page and page_size. Page is at least 1; a missing or
// non-positive size is returned as 0 so the service default applies.
func PageParams(page, pageSize string) (int, int) {
	p := AtoiDefault(page, 1)
	if p < 1 {
		p = 1
	}
	ps := AtoiDefault(pageSize, 0)
	if ps < 0 {
		ps = 0
	}
	return p, ps
}

// OptionalBool parses a tri-state flag: empty means unset (nil).
func OptionalBool(s string) (*bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
