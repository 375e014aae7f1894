package util

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeEmail folds an address to the form used as an account key:
// NFKC-normalized, trimmed and lower-cased.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(s)))
}
