package assets

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Norgate-AV/wasmbundle/internal/builderr"
)

func writeFile(t *testing.T, path, content string, perm os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
}

func TestCopy_MirrorsTree(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")

	writeFile(t, filepath.Join(src, "index.html"), "<html></html>", 0o644)
	writeFile(t, filepath.Join(src, "img", "logo.png"), "png", 0o644)
	writeFile(t, filepath.Join(src, "js", "vendor", "lib.js"), "lib", 0o644)

	written, err := NewCopier().Copy(context.Background(), src, dst)
	require.NoError(t, err)

	assert.Equal(t, []string{"img/logo.png", "index.html", "js/vendor/lib.js"}, written)

	content, err := os.ReadFile(filepath.Join(dst, "js", "vendor", "lib.js"))
	require.NoError(t, err)
	assert.Equal(t, "lib", string(content))
}

func TestCopy_OverwritesAndKeepsUnrelated(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	writeFile(t, filepath.Join(src, "a.txt"), "new", 0o644)
	writeFile(t, filepath.Join(dst, "a.txt"), "old content that is longer", 0o644)
	writeFile(t, filepath.Join(dst, "keep.txt"), "keep", 0o644)

	_, err := NewCopier().Copy(context.Background(), src, dst)
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(content))
	assert.FileExists(t, filepath.Join(dst, "keep.txt"))
}

func TestCopy_PreservesPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not meaningful on windows")
	}

	src := t.TempDir()
	dst := t.TempDir()

	writeFile(t, filepath.Join(src, "run.sh"), "#!/bin/sh", 0o755)
	writeFile(t, filepath.Join(src, "secret.txt"), "x", 0o600)

	_, err := NewCopier().Copy(context.Background(), src, dst)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dst, "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	info, err = os.Stat(filepath.Join(dst, "secret.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestCopy_Symlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require privileges on windows")
	}

	src := t.TempDir()
	dst := t.TempDir()
	outside := t.TempDir()

	writeFile(t, filepath.Join(outside, "shared.css"), "body{}", 0o644)
	writeFile(t, filepath.Join(outside, "dir", "x.txt"), "x", 0o644)

	require.NoError(t, os.Symlink(filepath.Join(outside, "shared.css"), filepath.Join(src, "style.css")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "dir"), filepath.Join(src, "linked")))
	require.NoError(t, os.Symlink(filepath.Join(src, "missing"), filepath.Join(src, "broken")))

	_, err := NewCopier().Copy(context.Background(), src, dst)
	var ioe *builderr.IOError
	require.ErrorAs(t, err, &ioe, "dangling symlinks are an error")
	assert.Equal(t, filepath.Join(src, "broken"), ioe.Path)

	require.NoError(t, os.Remove(filepath.Join(src, "broken")))

	written, err := NewCopier().Copy(context.Background(), src, dst)
	require.NoError(t, err)
	assert.Equal(t, []string{"style.css"}, written, "directory links are skipped")

	info, err := os.Lstat(filepath.Join(dst, "style.css"))
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular(), "file links are dereferenced")
	assert.NoDirExists(t, filepath.Join(dst, "linked"))
}

func TestCopy_MissingSource(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope")

	_, err := NewCopier().Copy(context.Background(), missing, t.TempDir())

	var ioe *builderr.IOError
	require.ErrorAs(t, err, &ioe)
	assert.Equal(t, missing, ioe.Path)
}

func TestCopy_Cancelled(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "a", 0o644)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewCopier().Copy(ctx, src, t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCopy_Exclude(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	writeFile(t, filepath.Join(src, "index.js"), "entry", 0o644)
	writeFile(t, filepath.Join(src, "index.html"), "html", 0o644)

	written, err := NewCopier(filepath.Join(src, "index.js")).Copy(context.Background(), src, dst)
	require.NoError(t, err)

	assert.Equal(t, []string{"index.html"}, written)
	assert.NoFileExists(t, filepath.Join(dst, "index.js"))
}
