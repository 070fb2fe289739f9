package mapping

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var headerControl = strings.NewReplacer("\n", "", "\r", "", "\t", "")

// CleanHeader canonicalizes a spreadsheet header for matching.
//
// NFKC folds compatibility characters (NBSP becomes a plain space, full-width
// letters become ASCII), embedded line breaks and tabs from wrapped header
// cells are removed, and the result is trimmed.
func CleanHeader(h string) string {
	h = strings.TrimPrefix(h, "\uFEFF")
	h = norm.NFKC.String(h)
	h = headerControl.Replace(h)
	return strings.TrimSpace(h)
}

func foldCase(s string) string {
	// Casers carry state; one per call keeps this safe for concurrent sheets.
	return cases.Fold().String(s)
}
