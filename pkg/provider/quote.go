package provider

import "strings"

// Quote makes s safe to embed in a POSIX shell command.
func Quote(s string) string {
	if s == "" {
		return "''"
	}

	if strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}

	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}

	return !strings.ContainsRune("-_./=:,+@%", r)
}
