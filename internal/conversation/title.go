package conversation

import (
	"strings"
	"unicode"
)

// TitleMaxRunes is the longest title derived from a first message.
const TitleMaxRunes = 60

const ellipsis = "..."

// Truncate shortens s to at most max runes. Whitespace runs collapse to one
// space. When s is cut, the cut falls on a word boundary if one exists in
// the back half of the kept text, and the result ends with "...". A max too
// small to hold any text next to the marker yields only the marker, itself
// cut to max; a max of zero or less yields "".
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= len(ellipsis) {
		return ellipsis[:max]
	}

	budget := max - len(ellipsis)
	kept := runes[:budget]
	if runes[budget] != ' ' {
		for i := len(kept) - 1; i >= budget/2; i-- {
			if kept[i] == ' ' {
				kept = kept[:i]
				break
			}
		}
	}
	out := strings.TrimRightFunc(string(kept), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	if out == "" {
		out = string(runes[:budget])
	}
	return out + ellipsis
}

// Title derives a conversation title from the first user message.
func Title(firstMessage string) string {
	t := Truncate(firstMessage, TitleMaxRunes)
	if t == "" {
		return "New conversation"
	}
	return t
}
