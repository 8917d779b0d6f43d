package prov

import (
	"strings"
	"unicode/utf8"
)

// MessageLimit is the maximum number of characters Telegram accepts for one message.
const MessageLimit = 4096

// SplitMessage breaks text into parts within the Telegram message limit. The limit
// counts characters, not bytes, so multibyte text never gets cut mid-rune.
// Each overlong chunk is cut at the last newline before the limit, falling back
// to the last space, and only then to a hard cut. The consumed separator is
// dropped, so rejoining the parts with it reproduces the input.
func SplitMessage(msg string) []string {
	var parts []string

	for msg != "" {
		if utf8.RuneCountInString(msg) <= MessageLimit {
			parts = append(parts, msg)
			break
		}

		part := msg[:runeOffset(msg, MessageLimit)]

		if i := strings.LastIndexByte(part, '\n'); i >= 0 {
			parts = append(parts, part[:i])
			msg = msg[i+1:]

			continue
		}

		if i := strings.LastIndexByte(part, ' '); i >= 0 {
			parts = append(parts, part[:i])
			msg = msg[i+1:]

			continue
		}

		parts = append(parts, part)
		msg = msg[len(part):]
	}

	return parts
}

// runeOffset returns the byte offset just past the first n runes of s.
func runeOffset(s string, n int) int {
	seen := 0

	for i := range s {
		if seen == n {
			return i
		}

		seen++
	}

	return len(s)
}
