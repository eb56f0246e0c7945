package devserver

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultLookupCacheSize = 1024

type lookup struct {
	path  string
	found bool
}

// UnionFS resolves request paths against an ordered list of roots. The first
// root holding a regular file at the path wins.
type UnionFS struct {
	roots []string
	cache *lru.Cache[string, lookup]
}

// NewUnionFS creates a union over roots, earliest first
func NewUnionFS(roots []string, cacheSize int) (*UnionFS, error) {
	if cacheSize <= 0 {
		cacheSize = defaultLookupCacheSize
	}

	cache, err := lru.New[string, lookup](cacheSize)
	if err != nil {
		return nil, err
	}

	clean := make([]string, 0, len(roots))
	for _, r := range roots {
		if r == "" {
			continue
		}
		clean = append(clean, filepath.Clean(r))
	}

	return &UnionFS{roots: clean, cache: cache}, nil
}

// Roots returns the roots in lookup order
func (u *UnionFS) Roots() []string {
	return append([]string(nil), u.roots...)
}

// Resolve maps a URL path to a file on disk. Directory requests resolve to
// their index.html.
func (u *UnionFS) Resolve(urlPath string) (string, bool) {
	rel, ok := cleanRequestPath(urlPath)
	if !ok {
		return "", false
	}

	if l, ok := u.cache.Get(rel); ok {
		return l.path, l.found
	}

	l := u.lookup(rel)
	u.cache.Add(rel, l)

	return l.path, l.found
}

func (u *UnionFS) lookup(rel string) lookup {
	for _, root := range u.roots {
		full := filepath.Join(root, filepath.FromSlash(rel))

		info, err := os.Stat(full)
		if err != nil {
			continue
		}

		if info.IsDir() {
			index := filepath.Join(full, "index.html")
			if fi, err := os.Stat(index); err == nil && fi.Mode().IsRegular() {
				return lookup{path: index, found: true}
			}
			continue
		}

		if info.Mode().IsRegular() {
			return lookup{path: full, found: true}
		}
	}

	return lookup{}
}

// Purge drops every cached lookup
func (u *UnionFS) Purge() {
	u.cache.Purge()
}

// cleanRequestPath turns a URL path into a slash-separated relative path. It
// rejects traversal and absolute-path tricks so lookups cannot escape a root.
// The root itself maps to ".".
func cleanRequestPath(urlPath string) (string, bool) {
	rel := strings.TrimPrefix(urlPath, "/")
	if rel == "" {
		return ".", true
	}

	// Reject NUL early (can appear via %00)
	if strings.IndexByte(rel, 0) != -1 {
		return "", false
	}

	if strings.Contains(rel, "\\") || strings.HasPrefix(rel, "/") {
		return "", false
	}

	for _, seg := range strings.Split(rel, "/") {
		if seg == "." || seg == ".." {
			return "", false
		}
	}

	clean := path.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, "../") || strings.HasPrefix(clean, "/") {
		return "", false
	}

	osPath := filepath.FromSlash(clean)
	if filepath.IsAbs(osPath) || filepath.VolumeName(osPath) != "" {
		return "", false
	}

	return clean, true
}
