package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

var foldCaser = cases.Fold()

// Canonicalize reduces free-text input to the form used as a lookup key:
// Unicode case-folded with everything outside letters and digits stripped.
//
//	"JD X9-1100"  -> "jdx91100"
//	"John Deere"  -> "johndeere"
func Canonicalize(input string) string {
	folded := foldCaser.String(input)

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
