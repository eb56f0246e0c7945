package utils

import (
	"path/filepath"
	"strings"
)

// RelWithin returns p relative to dir. ok is false when p lies outside dir.
func RelWithin(dir, p string) (rel string, ok bool) {
	rel, err := filepath.Rel(filepath.Clean(dir), p)
	if err != nil || filepath.IsAbs(rel) {
		return "", false
	}

	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}

	return rel, true
}

// IsWithin reports whether p is dir or below it
func IsWithin(p, dir string) bool {
	_, ok := RelWithin(dir, p)
	return ok
}

// IsStrictlyWithin reports whether p is below dir and not dir itself
func IsStrictlyWithin(p, dir string) bool {
	rel, ok := RelWithin(dir, p)
	return ok && rel != "."
}
