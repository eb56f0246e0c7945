// Package builderr defines the failure taxonomy of a build.
//
// Every stage failure surfaces as a *BuildError tagged with the stage name.
// The wrapped cause is one of CompileError, IOError, ResolutionError or
// CollisionError; callers classify with errors.As.
package builderr

import (
	"errors"
	"fmt"
	"strings"
)

// Stage names used in BuildError.
const (
	StageConfig  = "config"
	StageCompile = "compile"
	StageCopy    = "copy"
	StageBundle  = "bundle"
	StageMerge   = "merge"
	StagePublish = "publish"
)

// BuildError reports the stage that aborted a build.
type BuildError struct {
	Stage string
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build failed in stage %q: %v", e.Stage, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// Stage wraps err in a BuildError unless it already carries one.
func Stage(stage string, err error) error {
	if err == nil {
		return nil
	}

	var be *BuildError
	if errors.As(err, &be) {
		return err
	}

	return &BuildError{Stage: stage, Err: err}
}

// StageOf returns the failing stage recorded in err, or "".
func StageOf(err error) string {
	var be *BuildError
	if errors.As(err, &be) {
		return be.Stage
	}

	return ""
}

// CompileError carries the foreign toolchain's diagnostics verbatim.
type CompileError struct {
	Diagnostics string
	ExitCode    int
	Err         error
}

func (e *CompileError) Error() string {
	var b strings.Builder
	b.WriteString("compile error")

	if e.ExitCode != 0 {
		fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
	}

	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}

	if e.Diagnostics != "" {
		b.WriteString("\n")
		b.WriteString(e.Diagnostics)
	}

	return b.String()
}

func (e *CompileError) Unwrap() error { return e.Err }

// IOError is a filesystem failure on a specific path.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Path, e.Err)
	}

	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IO builds an IOError, returning nil for a nil err.
func IO(op, path string, err error) error {
	if err == nil {
		return nil
	}

	var ioe *IOError
	if errors.As(err, &ioe) {
		return err
	}

	return &IOError{Op: op, Path: path, Err: err}
}

// ResolutionError reports a missing module or a dependency cycle.
type ResolutionError struct {
	Path        string
	Cycle       []string
	Diagnostics string
}

func (e *ResolutionError) Error() string {
	switch {
	case len(e.Cycle) > 0:
		return "module graph cycle: " + strings.Join(e.Cycle, " -> ")
	case e.Diagnostics != "":
		if e.Path != "" {
			return fmt.Sprintf("cannot resolve %s: %s", e.Path, e.Diagnostics)
		}

		return "module resolution failed: " + e.Diagnostics
	default:
		return fmt.Sprintf("cannot resolve %s", e.Path)
	}
}

// CollisionError names an output path claimed by two contributors.
type CollisionError struct {
	Path    string
	Sources [2]string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("output collision on %s: produced by both %s and %s", e.Path, e.Sources[0], e.Sources[1])
}
