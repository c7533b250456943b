package channels

import "strings"

// Chunk splits content into pieces no longer than maxLen, cutting at the
// last newline before the limit when that newline lies in the back half of
// the window (so messages don't break mid-sentence) and falling back to a
// hard cut otherwise. Cuts are always
// made on a rune boundary so a multi-byte UTF-8 scalar is never split
// (spec.md §6.1: "never splitting UTF-8 scalars").
//
// Grounded on the teacher's internal/channels/discord/discord.go
// sendChunked/lastIndexByte pair, generalised into one platform-agnostic
// helper parameterised by maxLen instead of being hardcoded to Discord's
// 2000-char limit.
func Chunk(content string, maxLen int) []string {
	if maxLen <= 0 || len(content) <= maxLen {
		if content == "" {
			return nil
		}
		return []string{content}
	}

	var out []string
	remaining := content
	for len(remaining) > maxLen {
		cut := runeSafeCut(remaining, maxLen)
		if idx := strings.LastIndexByte(remaining[:cut], '\n'); idx > cut/2 {
			cut = idx
		}
		piece := strings.TrimRight(remaining[:cut], "\n")
		if piece != "" {
			out = append(out, piece)
		}
		remaining = strings.TrimLeft(remaining[cut:], "\n")
	}
	if remaining != "" {
		out = append(out, remaining)
	}
	return out
}

// runeSafeCut returns the largest index <= maxLen that doesn't split a
// UTF-8 scalar.
func runeSafeCut(s string, maxLen int) int {
	if maxLen >= len(s) {
		return len(s)
	}
	cut := maxLen
	for cut > 0 && isUTF8Continuation(s[cut]) {
		cut--
	}
	return cut
}

func isUTF8Continuation(b byte) bool {
	return b&0xC0 == 0x80
}

// Platform max message lengths (spec.md §6.1).
const (
	MaxLenTelegram = 4096
	MaxLenDiscord  = 2000
	MaxLenSlack    = 4000
)
