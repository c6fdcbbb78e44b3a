package util

import (
	"bufio"
	"os"
	"strings"
)

// StripNUL removes NUL characters, which Postgres text columns reject.
func StripNUL(s string) string {
	if !strings.ContainsRune(s, '\x00') {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// StripNULPtr strips a present value and keeps an absent one absent.
func StripNULPtr(s *string) any {
	if s == nil {
		return nil
	}
	return StripNUL(*s)
}

// ReadLines returns the trimmed, non-empty lines of a file.
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}
