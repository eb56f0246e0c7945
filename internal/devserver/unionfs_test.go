package devserver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestUnionFS_FirstRootWins(t *testing.T) {
	out := t.TempDir()
	pkg := t.TempDir()

	writeFile(t, filepath.Join(out, "index.js"), "bundle")
	writeFile(t, filepath.Join(pkg, "index.js"), "shadowed")
	writeFile(t, filepath.Join(pkg, "app_bg.wasm"), "wasm")
	writeFile(t, filepath.Join(out, "docs", "index.html"), "docs")

	u, err := NewUnionFS([]string{out, pkg}, 0)
	require.NoError(t, err)

	tests := []struct {
		url   string
		want  string
		found bool
	}{
		{"/index.js", filepath.Join(out, "index.js"), true},
		{"/app_bg.wasm", filepath.Join(pkg, "app_bg.wasm"), true},
		{"/docs/", filepath.Join(out, "docs", "index.html"), true},
		{"/docs", filepath.Join(out, "docs", "index.html"), true},
		{"/missing.js", "", false},
		{"/", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, ok := u.Resolve(tt.url)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnionFS_PurgeSeesNewFiles(t *testing.T) {
	root := t.TempDir()

	u, err := NewUnionFS([]string{root}, 8)
	require.NoError(t, err)

	_, ok := u.Resolve("/late.js")
	assert.False(t, ok)

	writeFile(t, filepath.Join(root, "late.js"), "x")

	_, ok = u.Resolve("/late.js")
	assert.False(t, ok, "negative lookups are cached until purge")

	u.Purge()

	_, ok = u.Resolve("/late.js")
	assert.True(t, ok)
}

func TestCleanRequestPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"/index.js", "index.js", true},
		{"/a/b/c.png", "a/b/c.png", true},
		{"/", ".", true},
		{"/a//b", "a/b", true},
		{"/../etc/passwd", "", false},
		{"/a/../../b", "", false},
		{"/./a", "", false},
		{"//etc/passwd", "", false},
		{`/a\b`, "", false},
		{"/a\x00b", "", false},
	}

	for _, tt := range tests {
		got, ok := cleanRequestPath(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
