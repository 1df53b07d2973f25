package developer

import (
	"strings"
	"unicode"
)

const invalidNameChars = `\/:*?"<>|.`

// StripInvalidChars removes characters the service rejects in device and
// app names: anything outside ASCII, control characters, and \/:*?"<>|.
func StripInvalidChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r > unicode.MaxASCII || unicode.IsControl(r) || strings.ContainsRune(invalidNameChars, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
