// Package strings parses list-valued settings.
package strings

import "strings"

// SplitList splits a comma-separated value into trimmed items, dropping
// blanks and repeats. An empty value yields nil.
func SplitList(raw string) []string {
	return SplitListFunc(raw, nil)
}

// SplitListFunc is SplitList with each item passed through norm before the
// duplicate check, so "https://a/" and "https://a" collapse to one entry.
func SplitListFunc(raw string, norm func(string) string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return Dedupe(strings.Split(raw, ","), norm)
}

// Dedupe trims each value, applies norm when set, and keeps the first
// occurrence of every non-empty result in input order.
func Dedupe(values []string, norm func(string) string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if norm != nil {
			v = norm(v)
		}
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// TrimSlash drops trailing slashes from a URL-like value.
func TrimSlash(s string) string { return strings.TrimRight(s, "/") }
