package candidate

import (
	"strings"
	"unicode"
)

// StripCodeFences removes markdown fence markers (``` with an optional
// language tag) wherever they appear and trims the remainder.
func StripCodeFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.Contains(trimmed, "```") {
		return trimmed
	}
	lines := strings.Split(trimmed, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.TrimRightFunc(line, unicode.IsSpace)
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			line = strings.TrimLeftFunc(strings.TrimSpace(line)[3:], unicode.IsLetter)
		}
		line = strings.TrimSuffix(line, "```")
		if strings.TrimSpace(line) == "" {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
