// Package strings provides string helpers for config lists.
package strings

import (
	"strings"
)

// SplitList splits a comma separated value into trimmed, non-empty parts.
// Repeats are dropped keeping first occurrence, so a broker listed twice
// never opens a second connection.
func SplitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
