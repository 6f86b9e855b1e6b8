package strings

import (
	"strings"
)

// DefaultStatusMessageMaxLen caps the status messages persisted on parents
// and processes. Container runtimes can produce very long failure strings;
// anything past this length adds no diagnostic value in a status column.
const DefaultStatusMessageMaxLen = 1024

// MinTruncateLen is the smallest usable maxLen for Truncate. Anything
// shorter leaves no room for content plus the ellipsis.
const MinTruncateLen = 4

// Truncate collapses the string to a single line and cuts it to maxLen
// characters, appending "..." when content was dropped. Slicing is
// rune-based so multi-byte characters are never split.
func Truncate(s string, maxLen int) string {
	if maxLen < MinTruncateLen {
		maxLen = MinTruncateLen
	}

	s = strings.Join(strings.Fields(s), " ")

	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen-3]) + "..."
	}
	return s
}
