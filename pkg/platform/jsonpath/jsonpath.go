// Package jsonpath builds gjson/sjson paths from untrusted keys.
package jsonpath

import "strings"

// Escape makes key safe as a single gjson/sjson path segment.
func Escape(key string) string {
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		c := key[i]
		isWord := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-' || c >= 0x80
		if !isWord {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Join escapes each segment and joins them with dots.
func Join(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = Escape(s)
	}
	return strings.Join(escaped, ".")
}
