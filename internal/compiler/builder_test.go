package compiler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Norgate-AV/wasmbundle/internal/builderr"
	"github.com/Norgate-AV/wasmbundle/internal/cache"
)

// Minimal module exporting a no-op function "run"
var validWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic + version
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00, // type section: () -> ()
	0x03, 0x02, 0x01, 0x00, // function section
	0x07, 0x07, 0x01, 0x03, 'r', 'u', 'n', 0x00, 0x00, // export "run"
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b, // code section
}

// mockCommander implements Commander interface for testing
type mockCommander struct {
	runFunc func() error
}

func (m *mockCommander) Run() error {
	return m.runFunc()
}

type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }
func (e *exitError) ExitCode() int { return e.code }

type recorder struct {
	calls    int
	commands []*ShellCommand
}

// fakeWasmPack mimics a successful wasm-pack run
func (r *recorder) fakeWasmPack(binary []byte) CommandFactory {
	return func(ctx context.Context, sc *ShellCommand, out io.Writer) Commander {
		r.calls++
		r.commands = append(r.commands, sc)

		return &mockCommander{runFunc: func() error {
			pkg := argAfter(sc.Args, "--out-dir")
			stem := argAfter(sc.Args, "--out-name")

			fmt.Fprintln(out, "[INFO]: Compiling to Wasm...")
			if err := os.MkdirAll(pkg, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(pkg, stem+"_bg.wasm"), binary, 0o644); err != nil {
				return err
			}
			return os.WriteFile(filepath.Join(pkg, stem+".js"), []byte("export * from './"+stem+"_bg.js';"), 0o644)
		}}
	}
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func newCrate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte("[package]\nname = \"my-app\"\nversion = \"0.1.0\"\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "lib.rs"), []byte("pub fn run() {}"), 0o644))
	return dir
}

func TestGetBuildCommand(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		features []string
		wantArgs []string
	}{
		{
			name:     "release with features sorted",
			opts:     Options{CompilerPath: "wasm-pack", PackageDir: "/p/pkg", Release: true},
			features: []string{"web", "simd"},
			wantArgs: []string{"build", "/p", "--target", "bundler", "--out-dir", "/p/pkg", "--out-name", "app", "--release", "--", "--features=simd,web"},
		},
		{
			name:     "dev without features",
			opts:     Options{CompilerPath: "wasm-pack", PackageDir: "/p/pkg"},
			features: nil,
			wantArgs: []string{"build", "/p", "--target", "bundler", "--out-dir", "/p/pkg", "--out-name", "app", "--dev"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := GetBuildCommand(tt.opts, "/p", "app", tt.features)
			assert.Equal(t, tt.wantArgs, sc.Args)
			assert.Equal(t, "wasm-pack", sc.Path)
			assert.Equal(t, "/p", sc.Dir)
		})
	}
}

func TestReadCrate(t *testing.T) {
	tests := []struct {
		name        string
		manifest    string
		want        *Crate
		errContains string
	}{
		{
			name:     "package name with dashes",
			manifest: "[package]\nname = \"my-app\"\nversion = \"1.2.3\"\n",
			want:     &Crate{Name: "my-app", Version: "1.2.3", Stem: "my_app"},
		},
		{
			name:     "lib name overrides stem",
			manifest: "[package]\nname = \"my-app\"\n\n[lib]\nname = \"core-lib\"\ncrate-type = [\"cdylib\"]\n",
			want:     &Crate{Name: "my-app", Stem: "core_lib"},
		},
		{
			name:        "missing package name",
			manifest:    "[workspace]\nmembers = []\n",
			errContains: "no [package] name",
		},
		{
			name:        "invalid toml",
			manifest:    "[package\nname=",
			errContains: "failed to parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte(tt.manifest), 0o644))

			crate, err := ReadCrate(dir)
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, crate)
		})
	}
}

func TestCompile_Success(t *testing.T) {
	src := newCrate(t)
	pkg := filepath.Join(src, "pkg")

	rec := &recorder{}
	b := NewBuilder(Options{CompilerPath: "wasm-pack", PackageDir: pkg, Release: true}).
		WithCommandFactory(rec.fakeWasmPack(validWasm))

	artifact, err := b.Compile(context.Background(), src, []string{"web"})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(pkg, "my_app_bg.wasm"), artifact.BinaryPath)
	assert.Equal(t, filepath.Join(pkg, "my_app.js"), artifact.BindingsPath)
	assert.Equal(t, pkg, artifact.PackageDir)
	assert.Equal(t, cache.FeatureHash([]string{"web"}), artifact.FeatureHash)
	assert.Equal(t, []string{"run"}, artifact.Exports)
	assert.False(t, artifact.Cached)
	assert.Equal(t, 1, rec.calls)
	assert.Contains(t, rec.commands[0].Args, "--features=web")
}

func TestCompile_FeatureOrderIndependent(t *testing.T) {
	src := newCrate(t)

	b := NewBuilder(Options{PackageDir: filepath.Join(src, "pkg")}).
		WithCommandFactory((&recorder{}).fakeWasmPack(validWasm))

	ab, err := b.Compile(context.Background(), src, []string{"a", "b"})
	require.NoError(t, err)

	ba, err := b.Compile(context.Background(), src, []string{"b", "a"})
	require.NoError(t, err)

	assert.Equal(t, ab.FeatureHash, ba.FeatureHash)
}

func TestCompile_DiagnosticsVerbatim(t *testing.T) {
	src := newCrate(t)
	diag := "error: expected one of `!` or `::`, found `fn`\n --> src/lib.rs:1:5\n  |\n1 | pub fnn run() {}\n  |     ^^^ expected one of `!` or `::`\n"

	b := NewBuilder(Options{PackageDir: filepath.Join(src, "pkg")}).
		WithCommandFactory(func(ctx context.Context, sc *ShellCommand, out io.Writer) Commander {
			return &mockCommander{runFunc: func() error {
				_, _ = io.WriteString(out, diag)
				return &exitError{code: 1}
			}}
		})

	_, err := b.Compile(context.Background(), src, []string{"web"})
	require.Error(t, err)

	var ce *builderr.CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, diag, ce.Diagnostics)
	assert.Equal(t, 1, ce.ExitCode)
}

func TestCompile_MissingOutput(t *testing.T) {
	src := newCrate(t)

	b := NewBuilder(Options{PackageDir: filepath.Join(src, "pkg")}).
		WithCommandFactory(func(ctx context.Context, sc *ShellCommand, out io.Writer) Commander {
			return &mockCommander{runFunc: func() error { return nil }}
		})

	_, err := b.Compile(context.Background(), src, nil)

	var ce *builderr.CompileError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Error(), "did not produce")
}

func TestCompile_InvalidBinary(t *testing.T) {
	src := newCrate(t)

	b := NewBuilder(Options{PackageDir: filepath.Join(src, "pkg")}).
		WithCommandFactory((&recorder{}).fakeWasmPack([]byte("not wasm at all")))

	_, err := b.Compile(context.Background(), src, nil)

	var ce *builderr.CompileError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Error(), "invalid WebAssembly module")
}

func TestCompile_MissingCargoToml(t *testing.T) {
	b := NewBuilder(Options{PackageDir: t.TempDir()})

	_, err := b.Compile(context.Background(), t.TempDir(), nil)

	var ce *builderr.CompileError
	require.ErrorAs(t, err, &ce)
}

func TestCompile_Cancelled(t *testing.T) {
	src := newCrate(t)
	rec := &recorder{}

	b := NewBuilder(Options{PackageDir: filepath.Join(src, "pkg")}).
		WithCommandFactory(rec.fakeWasmPack(validWasm))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Compile(ctx, src, nil)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, rec.calls)
}

func TestCompile_CacheHit(t *testing.T) {
	src := newCrate(t)
	pkg := filepath.Join(src, "pkg")

	c, err := cache.New(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	rec := &recorder{}
	b := NewBuilder(Options{PackageDir: pkg, Release: true, Cache: c}).
		WithCommandFactory(rec.fakeWasmPack(validWasm))

	first, err := b.Compile(context.Background(), src, []string{"a", "b"})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	// Wipe the package dir; the cache must put it back
	require.NoError(t, os.RemoveAll(pkg))

	second, err := b.Compile(context.Background(), src, []string{"b", "a"})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, rec.calls, "compiler should not run on a cache hit")
	assert.FileExists(t, second.BinaryPath)
	assert.Equal(t, first.FeatureHash, second.FeatureHash)
	assert.Equal(t, []string{"run"}, second.Exports)

	// Different features: miss
	_, err = b.Compile(context.Background(), src, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.calls)

	// Source change: miss
	require.NoError(t, os.WriteFile(filepath.Join(src, "src", "lib.rs"), []byte("pub fn run() { }"), 0o644))
	_, err = b.Compile(context.Background(), src, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, 3, rec.calls)
}
