package utils

import (
	"sort"
	"strings"
)

// ParseFeatures splits a comma or whitespace separated feature string
func ParseFeatures(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})

	return NormalizeFeatures(fields)
}

// NormalizeFeatures trims, dedupes and sorts a feature set
func NormalizeFeatures(features []string) []string {
	seen := make(map[string]struct{}, len(features))
	out := make([]string, 0, len(features))

	for _, f := range features {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}

		if _, ok := seen[f]; ok {
			continue
		}

		seen[f] = struct{}{}
		out = append(out, f)
	}

	sort.Strings(out)

	return out
}
