package query

import (
	"fmt"
	"strings"
)

// MaxQueryLen bounds a single search query.
const MaxQueryLen = 1024

const orSep = " OR "

// BatchFragments joins fragments with " OR " into as few queries as fit within
// limit characters each, preserving order. It never emits an empty query.
func BatchFragments(frags []string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = MaxQueryLen
	}
	var (
		out []string
		cur []string
		n   int // joined length of cur
	)
	for _, f := range frags {
		if len(f) > limit {
			return nil, fmt.Errorf("%w: %d > %d: %.64s", ErrFragmentTooLong, len(f), limit, f)
		}
		next := len(f)
		if len(cur) > 0 {
			next = n + len(orSep) + len(f)
		}
		if next > limit {
			out = append(out, strings.Join(cur, orSep))
			cur, next = nil, len(f)
		}
		cur = append(cur, f)
		n = next
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, orSep))
	}
	return out, nil
}
