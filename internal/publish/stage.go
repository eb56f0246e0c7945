// Package publish moves a finished build into place and ships it elsewhere.
package publish

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Norgate-AV/wasmbundle/internal/builderr"
	"github.com/Norgate-AV/wasmbundle/internal/logfields"
	"github.com/Norgate-AV/wasmbundle/internal/manifest"
)

// SourceExistingOutput names unmanaged files found in the output directory
const SourceExistingOutput = "existing-output"

const (
	stagingInfix = ".staging-"
	prevSuffix   = ".prev"
)

// Stage is an isolated sibling of the output directory that a build writes
// into. Nothing under the real output directory changes until Publish.
type Stage struct {
	outDir string
	dir    string
}

// NewStage creates <outDir>.staging-<buildID>
func NewStage(outDir, buildID string) (*Stage, error) {
	dir := outDir + stagingInfix + buildID

	if err := os.RemoveAll(dir); err != nil {
		return nil, builderr.IO("remove", dir, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, builderr.IO("mkdir", dir, err)
	}

	slog.Debug("Initialized staging directory", "staging", dir, "final", outDir)

	return &Stage{outDir: outDir, dir: dir}, nil
}

// Dir is the staging directory
func (s *Stage) Dir() string { return s.dir }

// OutputDir is the directory Publish replaces
func (s *Stage) OutputDir() string { return s.outDir }

// Abort removes the staging directory. It is safe to call more than once and
// after Publish.
func (s *Stage) Abort() {
	if s.dir == "" {
		return
	}

	dir := s.dir
	s.dir = ""

	if err := os.RemoveAll(dir); err != nil {
		slog.Warn("Failed to remove staging directory after abort", "staging", dir, logfields.Error(err))
	} else {
		slog.Debug("Removed staging directory", "staging", dir)
	}
}

// Publish writes m into the stage and swaps the stage in as the output
// directory.
//
// Only paths recorded in the previous manifest are replaced. Any other file
// already in the output directory is carried over; if m also claims that
// path the publish fails with a CollisionError and the output directory is
// left as it was.
//
// The swap is two renames: the current output moves aside to a .prev
// sibling, then the stage takes its place. Each rename is atomic but the
// pair is not, so the output path is briefly absent in between. Readers of
// the output, such as the dev server, must tolerate missing files for that
// window and re-resolve after the publish. If the second rename fails the
// previous output is moved back.
func (s *Stage) Publish(m *manifest.Manifest) error {
	if s.dir == "" {
		return fmt.Errorf("no staging directory initialized")
	}

	if err := s.carryUnmanaged(m); err != nil {
		return err
	}

	if err := m.Write(s.dir); err != nil {
		return err
	}

	prev := s.outDir + prevSuffix
	if err := os.RemoveAll(prev); err != nil {
		return builderr.IO("remove", prev, err)
	}

	hadOutput := false
	if _, err := os.Stat(s.outDir); err == nil {
		if err := os.Rename(s.outDir, prev); err != nil {
			return builderr.IO("backup", s.outDir, err)
		}
		hadOutput = true
	}

	if err := os.MkdirAll(filepath.Dir(s.outDir), 0o755); err != nil {
		return builderr.IO("mkdir", filepath.Dir(s.outDir), err)
	}

	if err := os.Rename(s.dir, s.outDir); err != nil {
		if hadOutput {
			if rbErr := os.Rename(prev, s.outDir); rbErr != nil {
				slog.Error("Failed to restore previous output", logfields.Path(s.outDir), logfields.Error(rbErr))
			}
		}
		return builderr.IO("promote", s.dir, err)
	}

	s.dir = ""

	if err := os.RemoveAll(prev); err != nil {
		slog.Warn("Failed to remove previous output", logfields.Path(prev), logfields.Error(err))
	}

	slog.Info("Published output", logfields.Path(s.outDir), "files", len(m.Entries))

	return nil
}

// carryUnmanaged copies files the previous build did not produce into the
// stage.
func (s *Stage) carryUnmanaged(next *manifest.Manifest) error {
	info, err := os.Stat(s.outDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return builderr.IO("stat", s.outDir, err)
	}
	if !info.IsDir() {
		return builderr.IO("publish", s.outDir, fmt.Errorf("not a directory"))
	}

	prev, err := manifest.Load(s.outDir)
	if err != nil {
		return err
	}

	return filepath.WalkDir(s.outDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return builderr.IO("walk", path, walkErr)
		}

		rel, err := filepath.Rel(s.outDir, path)
		if err != nil {
			return builderr.IO("publish", path, err)
		}
		if rel == "." {
			return nil
		}

		rel = filepath.ToSlash(rel)
		dst := filepath.Join(s.dir, filepath.FromSlash(rel))

		if d.IsDir() {
			return builderr.IO("mkdir", dst, os.MkdirAll(dst, 0o755))
		}

		if prev.Contains(rel) {
			return nil
		}

		if e, ok := next.Lookup(rel); ok {
			return &builderr.CollisionError{Path: rel, Sources: [2]string{SourceExistingOutput, e.Source}}
		}

		slog.Debug("Keeping unmanaged file", logfields.Path(rel))

		return builderr.IO("carry", path, carry(path, dst, d))
	})
}

// carry reproduces one unmanaged entry in the stage: links stay links,
// regular files are hard linked or copied
func carry(src, dst string, d fs.DirEntry) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	if d.Type()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)
	}

	if !d.Type().IsRegular() {
		return nil
	}

	if err := os.Link(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}

// CleanStale removes staging and backup directories left behind by
// interrupted builds of outDir.
func CleanStale(outDir string) {
	matches, _ := filepath.Glob(outDir + stagingInfix + "*")
	matches = append(matches, outDir+prevSuffix)

	for _, m := range matches {
		if !strings.HasPrefix(m, outDir) {
			continue
		}
		if _, err := os.Lstat(m); err != nil {
			continue
		}
		if err := os.RemoveAll(m); err != nil {
			slog.Warn("Failed to remove stale directory", logfields.Path(m), logfields.Error(err))
			continue
		}
		slog.Debug("Removed stale directory", logfields.Path(m))
	}
}
