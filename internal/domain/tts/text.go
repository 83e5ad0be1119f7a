package tts

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	angleBracketRe = regexp.MustCompile(`<[^>]*>`)
	markdownRe     = regexp.MustCompile("[*_`#>~]+")
)

// CleanText strips what should not be read aloud: markup in angle brackets,
// markdown symbols, emoji and control characters. Whitespace runs collapse to
// one space.
func CleanText(text string) string {
	text = angleBracketRe.ReplaceAllString(text, "")
	text = markdownRe.ReplaceAllString(text, "")
	text = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t' || r == '\r':
			return ' '
		case r < 32:
			return -1
		case isEmoji(r):
			return -1
		}
		return r
	}, text)
	return strings.Join(strings.Fields(text), " ")
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	case r == 0xFE0F || r == 0x200D:
		return true
	}
	return unicode.Is(unicode.So, r) && r > 0xFFFF
}
