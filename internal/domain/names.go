package domain

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// ChannelNameKey returns the equivalence key for a channel name: NFKC
// normalized, case folded, with surrounding and repeated whitespace collapsed.
// Two names with the same key refer to the same channel.
func ChannelNameKey(name string) string {
	s := norm.NFKC.String(name)
	s = strings.Join(strings.Fields(s), " ")
	return cases.Fold().String(s)
}
