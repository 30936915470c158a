package taxonomy

import (
	"strings"
	"unicode"

	"github.com/xrash/smetrics"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// vendorTokens are dropped when comparing names so "Amazon X" and "X" line up.
var vendorTokens = map[string]bool{
	"amazon":    true,
	"aws":       true,
	"google":    true,
	"gcp":       true,
	"microsoft": true,
	"azure":     true,
	"service":   true,
}

var folder = cases.Fold()

// normalize folds case, strips diacritics and punctuation, and collapses whitespace.
func normalize(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	s, _, err := transform.String(t, name)
	if err != nil {
		s = name
	}
	s = folder.String(s)

	var b strings.Builder
	space := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space && b.Len() > 0 {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// stripVendor removes vendor tokens from an already normalized name.
func stripVendor(normalized string) string {
	fields := strings.Fields(normalized)
	kept := fields[:0:0]
	for _, f := range fields {
		if !vendorTokens[f] {
			kept = append(kept, f)
		}
	}
	return strings.Join(kept, " ")
}

// similarity scores two normalized names in [0,1] with Jaro-Winkler,
// taking the better of the raw and vendor-stripped comparison.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	best := smetrics.JaroWinkler(a, b, 0.7, 4)
	sa, sb := stripVendor(a), stripVendor(b)
	if sa != "" && sb != "" && (sa != a || sb != b) {
		if s := smetrics.JaroWinkler(sa, sb, 0.7, 4); s > best {
			best = s
		}
	}
	if best > 1 {
		best = 1
	}
	return best
}
