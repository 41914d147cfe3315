package telegram

import (
	"strings"
	"unicode/utf8"
)

// maxMessageLen is Telegram's limit on a single text message, in bytes.
const maxMessageLen = 4096

// chunkMessage splits a relayed reply into pieces no longer than maxLen.
// It prefers a newline in the second half of the window, then a space,
// and never cuts a UTF-8 sequence in two.
func chunkMessage(text string, maxLen int) []string {
	var chunks []string
	for len(text) > maxLen {
		cut := splitPoint(text, maxLen)
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return append(chunks, text)
}

func splitPoint(text string, maxLen int) int {
	window := text[:maxLen]
	if i := strings.LastIndexByte(window, '\n'); i > maxLen/2 {
		return i + 1
	}
	if i := strings.LastIndexByte(window, ' '); i > maxLen/2 {
		return i + 1
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if cut == 0 {
		return maxLen
	}
	return cut
}
