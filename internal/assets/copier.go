// Package assets mirrors static source roots into the output tree.
//
// Copy policy:
//   - regular files are copied byte for byte with their permission bits
//   - symlinks to files are dereferenced and the target content is copied
//   - symlinks to directories are skipped, so link loops cannot occur
//   - sockets, devices and pipes are skipped
//
// Existing destination files are overwritten; nothing else at the
// destination is touched. Excluded files (entry point sources, which reach
// the output through the bundler) are never copied.
package assets

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/Norgate-AV/wasmbundle/internal/builderr"
	"github.com/Norgate-AV/wasmbundle/internal/logfields"
)

// Copier mirrors a source root into a destination root
type Copier struct {
	exclude map[string]struct{}
}

// NewCopier creates a Copier that skips the given source files
func NewCopier(exclude ...string) *Copier {
	c := &Copier{exclude: make(map[string]struct{}, len(exclude))}
	for _, p := range exclude {
		c.exclude[filepath.Clean(p)] = struct{}{}
	}

	return c
}

// Copy mirrors sourceRoot into destRoot and returns the written files as
// sorted, slash-separated paths relative to destRoot. A missing sourceRoot
// is an IOError.
func (c *Copier) Copy(ctx context.Context, sourceRoot, destRoot string) ([]string, error) {
	info, err := os.Stat(sourceRoot)
	if err != nil {
		return nil, builderr.IO("stat", sourceRoot, err)
	}

	if !info.IsDir() {
		return nil, builderr.IO("copy", sourceRoot, fmt.Errorf("not a directory"))
	}

	var written []string

	err = filepath.WalkDir(sourceRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return builderr.IO("walk", path, walkErr)
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(sourceRoot, path)
		if err != nil {
			return builderr.IO("copy", path, err)
		}

		if d.IsDir() {
			return nil
		}

		if _, ok := c.exclude[path]; ok {
			slog.Debug("Skipping excluded file", logfields.Path(path))
			return nil
		}

		mode := d.Type()
		switch {
		case mode.IsRegular():
		case mode&fs.ModeSymlink != 0:
			target, err := os.Stat(path)
			if err != nil {
				return builderr.IO("stat", path, err)
			}

			if !target.Mode().IsRegular() {
				slog.Debug("Skipping symlink to non-regular file", logfields.Path(path))
				return nil
			}
		default:
			slog.Debug("Skipping special file", logfields.Path(path))
			return nil
		}

		dst := filepath.Join(destRoot, rel)
		if err := copyFile(path, dst); err != nil {
			return builderr.IO("copy", path, err)
		}

		written = append(written, filepath.ToSlash(rel))

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(written)

	return written, nil
}

// copyFile copies src (following links) to dst, replacing dst
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	dstFile, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, srcInfo.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		dstFile.Close()
		return err
	}

	if err := dstFile.Close(); err != nil {
		return err
	}

	// OpenFile's mode is filtered by umask and ignored for existing files
	return os.Chmod(dst, srcInfo.Mode().Perm())
}
