package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/Norgate-AV/wasmbundle/internal/builderr"
	"github.com/Norgate-AV/wasmbundle/internal/cache"
	"github.com/Norgate-AV/wasmbundle/internal/logfields"
	"github.com/Norgate-AV/wasmbundle/internal/utils"
)

// Files and directories that determine the compiled output of a crate
var sourceEntries = []string{"Cargo.toml", "Cargo.lock", "build.rs", "src"}

// Commander interface for testing
type Commander interface {
	Run() error
}

// CommandFactory creates the process for a compiler invocation. Both output
// streams must go to out.
type CommandFactory func(ctx context.Context, sc *ShellCommand, out io.Writer) Commander

func execCommand(ctx context.Context, sc *ShellCommand, out io.Writer) Commander {
	c := exec.CommandContext(ctx, sc.Path, sc.Args...)
	c.Dir = sc.Dir
	c.Stdout = out
	c.Stderr = out
	c.WaitDelay = 5 * time.Second

	return c
}

// Options configures a Builder
type Options struct {
	// Path to wasm-pack
	CompilerPath string

	// Absolute --out-dir
	PackageDir string

	// Release selects --release over --dev
	Release bool

	// Cache enables incremental builds; nil disables caching
	Cache *cache.Cache

	// Stream receives compiler output as it is produced
	Stream io.Writer
}

// Builder compiles the crate into a WebAssembly package
type Builder struct {
	opts        Options
	execCommand CommandFactory
	inspect     func(ctx context.Context, path string) ([]string, error)
}

// NewBuilder creates a new compiled-unit builder
func NewBuilder(opts Options) *Builder {
	return &Builder{
		opts:        opts,
		execCommand: execCommand,
		inspect:     inspectBinary,
	}
}

// WithCommandFactory replaces the process factory (tests, alternative toolchains)
func (b *Builder) WithCommandFactory(f CommandFactory) *Builder {
	b.execCommand = f
	return b
}

func (b *Builder) profile() string {
	if b.opts.Release {
		return "release"
	}

	return "dev"
}

// Compile builds sourceDir with the given features. Compiler output is
// returned verbatim in a *builderr.CompileError on failure.
func (b *Builder) Compile(ctx context.Context, sourceDir string, features []string) (*Artifact, error) {
	features = utils.NormalizeFeatures(features)
	featureHash := cache.FeatureHash(features)

	crate, err := ReadCrate(sourceDir)
	if err != nil {
		return nil, &builderr.CompileError{Err: err}
	}

	sourceHash, err := cache.HashTree(sourceDir, sourceEntries)
	if err != nil {
		return nil, builderr.IO("hash", sourceDir, err)
	}

	artifact := &Artifact{
		BinaryPath:   filepath.Join(b.opts.PackageDir, crate.Stem+"_bg.wasm"),
		BindingsPath: filepath.Join(b.opts.PackageDir, crate.Stem+".js"),
		PackageDir:   b.opts.PackageDir,
		FeatureHash:  featureHash,
		SourceHash:   sourceHash,
	}

	key := cache.Key(sourceHash, featureHash, b.profile())

	if restored, err := b.restore(ctx, key, featureHash, artifact); err != nil {
		slog.Warn("Cache restore failed, recompiling", logfields.Error(err))
	} else if restored {
		return artifact, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sc := GetBuildCommand(b.opts, sourceDir, crate.Stem, features)
	slog.Debug("Running compiler", "command", sc.String(), logfields.Path(sourceDir))

	var out bytes.Buffer
	var w io.Writer = &out
	if b.opts.Stream != nil {
		w = io.MultiWriter(&out, b.opts.Stream)
	}

	if err := b.execCommand(ctx, sc, w).Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}

		ce := &builderr.CompileError{Diagnostics: out.String(), Err: err}

		var exitErr interface{ ExitCode() int }
		if errors.As(err, &exitErr) {
			ce.ExitCode = exitErr.ExitCode()
		}

		return nil, ce
	}

	for _, p := range []string{artifact.BinaryPath, artifact.BindingsPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, &builderr.CompileError{
				Diagnostics: out.String(),
				Err:         fmt.Errorf("compiler did not produce %s", p),
			}
		}
	}

	exports, err := b.inspect(ctx, artifact.BinaryPath)
	if err != nil {
		return nil, &builderr.CompileError{Diagnostics: out.String(), Err: err}
	}
	artifact.Exports = exports

	b.store(key, crate, features, artifact)

	return artifact, nil
}

// restore reports whether a cached package matching key was put in place
func (b *Builder) restore(ctx context.Context, key, featureHash string, artifact *Artifact) (bool, error) {
	if b.opts.Cache == nil {
		return false, nil
	}

	entry, err := b.opts.Cache.Get(key)
	if err != nil || entry == nil {
		return false, err
	}

	if !entry.Success || entry.FeatureHash != featureHash {
		return false, nil
	}

	if err := os.RemoveAll(b.opts.PackageDir); err != nil {
		return false, err
	}

	if err := b.opts.Cache.Restore(entry, b.opts.PackageDir); err != nil {
		return false, err
	}

	exports, err := b.inspect(ctx, artifact.BinaryPath)
	if err != nil {
		return false, err
	}

	artifact.Exports = exports
	artifact.Cached = true

	slog.Info("Compiled unit restored from cache", logfields.Path(b.opts.PackageDir))

	return true, nil
}

func (b *Builder) store(key string, crate *Crate, features []string, artifact *Artifact) {
	if b.opts.Cache == nil {
		return
	}

	outputs, err := cache.CollectOutputs(b.opts.PackageDir)
	if err != nil {
		slog.Warn("Failed to collect compiler outputs", logfields.Error(err))
		return
	}

	entry := cache.Entry{
		Key:         key,
		Crate:       crate.Name,
		FeatureHash: artifact.FeatureHash,
		SourceHash:  artifact.SourceHash,
		Features:    features,
		Outputs:     outputs,
		Success:     true,
	}

	// Don't fail the build if caching fails
	if err := b.opts.Cache.Store(entry, b.opts.PackageDir); err != nil {
		slog.Warn("Failed to cache compiled unit", logfields.Error(err))
	}
}
