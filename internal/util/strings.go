package util

// Truncate shortens s to at most n runes, appending "..." when cut.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// Prefix returns prefix+s. Empty s stays empty.
func Prefix(prefix, s string) string {
	if s == "" {
		return ""
	}
	return prefix + s
}
