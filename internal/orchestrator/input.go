package orchestrator

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxSubStatusRunes bounds the free-text detail attached to a check-in.
const MaxSubStatusRunes = 200

// NormalizeSubStatus puts free text into NFC, collapses whitespace and
// truncates it to MaxSubStatusRunes.
func NormalizeSubStatus(s string) string {
	s = strings.Join(strings.Fields(norm.NFC.String(s)), " ")
	if utf8.RuneCountInString(s) <= MaxSubStatusRunes {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:MaxSubStatusRunes]))
}
