package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// SanitizeStorageName converts an arbitrary client filename into a name safe
// to use as an object-store key component. Unicode dashes collapse to ASCII
// hyphens, whitespace runs become underscores, and anything outside
// [A-Za-z0-9._-] is dropped. Very short results get a "file_" prefix so keys
// stay recognizable.
func SanitizeStorageName(name string) string {
	name = norm.NFKC.String(strings.TrimSpace(name))

	var b strings.Builder
	b.Grow(len(name))
	pendingSpace := false
	for _, r := range name {
		switch {
		case unicode.IsSpace(r):
			pendingSpace = true
		case unicode.Is(unicode.Pd, r):
			b.WriteByte('-')
			pendingSpace = false
		case r == '.' || r == '_' || r == '-',
			r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9':
			if pendingSpace {
				b.WriteByte('_')
				pendingSpace = false
			}
			b.WriteRune(r)
		}
	}

	out := strings.Trim(b.String(), ".-_")
	if len(out) < 3 {
		out = "file_" + out
	}
	return out
}
