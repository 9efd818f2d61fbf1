package project

import "strings"

// sanitizeText strips NUL and other control characters from text before it
// is persisted. PostgreSQL rejects NUL bytes in text columns, and stray
// control characters corrupt JSONB round-trips. Newlines and tabs are kept.
func sanitizeText(s string) string {
	if !strings.ContainsFunc(s, isDisallowed) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isDisallowed(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isDisallowed(r rune) bool {
	if r == '\n' || r == '\t' || r == '\r' {
		return false
	}
	return r < 0x20 || r == 0x7f
}

// sanitizeFiles sanitizes both paths and contents of a file map.
func sanitizeFiles(files FileMap) FileMap {
	cleaned := make(FileMap, len(files))
	for path, content := range files {
		cleaned[sanitizeText(path)] = sanitizeText(content)
	}
	return cleaned
}
