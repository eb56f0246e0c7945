package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Norgate-AV/wasmbundle/internal/builderr"
	"github.com/Norgate-AV/wasmbundle/internal/cache"
	"github.com/Norgate-AV/wasmbundle/internal/codes"
	"github.com/Norgate-AV/wasmbundle/internal/compiler"
	"github.com/Norgate-AV/wasmbundle/internal/config"
	"github.com/Norgate-AV/wasmbundle/internal/manifest"
	"github.com/Norgate-AV/wasmbundle/internal/pipeline"
	"github.com/Norgate-AV/wasmbundle/internal/testutil"
)

type mockCompiler struct {
	err error
}

func (m *mockCompiler) Compile(ctx context.Context, sourceDir string, features []string) (*compiler.Artifact, error) {
	if m.err != nil {
		return nil, m.err
	}

	pkg := filepath.Join(sourceDir, "pkg")
	bindings, err := testutil.WritePackage(pkg, "app")
	if err != nil {
		return nil, err
	}

	return &compiler.Artifact{
		BinaryPath:   filepath.Join(pkg, "app_bg.wasm"),
		BindingsPath: bindings,
		PackageDir:   pkg,
	}, nil
}

func useCompiler(t *testing.T, c pipeline.Compiler) {
	t.Helper()
	original := newCompiler
	t.Cleanup(func() { newCompiler = original })

	newCompiler = func(cfg *config.Config, _ *cache.Cache) pipeline.Compiler {
		return c
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newProject(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "Cargo.toml"), "[package]\nname = \"app\"\n")
	writeFile(t, filepath.Join(dir, "static", "index.js"), "import { answer } from \"wasm-bindings\";\nanswer();\n")
	writeFile(t, filepath.Join(dir, "static", "index.html"), "<script type=\"module\" src=\"index.js\"></script>")

	cfg, err := config.Load(viper.New(), dir)
	require.NoError(t, err)

	return cfg
}

func TestBuildFlags_BindToConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	dir := t.TempDir()
	configPath := filepath.Join(dir, ".wasmbundle.yml")
	writeFile(t, configPath, "mode: production\noutput_directory: public\ncompiler_features: [web]\n")

	var got *config.Config
	cmd := &cobra.Command{
		Use: "test",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewLoaderAt(t.TempDir()).LoadForBuild(cmd)
			got = cfg
			return err
		},
	}
	addBuildFlags(cmd)

	cmd.SetArgs([]string{"--config", configPath, "--mode", "development", "--features", "b,a", "--out", "site"})
	require.NoError(t, cmd.Execute())
	require.NotNil(t, got)

	assert.Equal(t, config.ModeDevelopment, got.Mode)
	assert.Equal(t, filepath.Join(dir, "site"), got.OutputDirectory)
	assert.Equal(t, []string{"a", "b"}, got.CompilerFeatures)
	assert.Equal(t, configPath, got.ConfigFile)
}

func TestBuildFlags_ConfigFileWithoutFlags(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	dir := t.TempDir()
	configPath := filepath.Join(dir, ".wasmbundle.yml")
	writeFile(t, configPath, "mode: development\noutput_directory: public\n")

	var got *config.Config
	cmd := &cobra.Command{
		Use: "test",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewLoaderAt(dir).LoadForBuild(cmd)
			got = cfg
			return err
		},
	}
	addBuildFlags(cmd)

	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())
	require.NotNil(t, got)

	assert.Equal(t, config.ModeDevelopment, got.Mode)
	assert.Equal(t, filepath.Join(dir, "public"), got.OutputDirectory)
}

func TestBuildProject(t *testing.T) {
	useCompiler(t, &mockCompiler{})
	cfg := newProject(t)

	var out bytes.Buffer
	res, err := buildProject(context.Background(), cfg, &out)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "Built ")
	assert.Contains(t, out.String(), cfg.OutputDirectory)

	m, err := manifest.Load(cfg.OutputDirectory)
	require.NoError(t, err)
	assert.Equal(t, res.Manifest.Paths(), m.Paths())
	assert.True(t, m.Contains("index.js"))
	assert.True(t, m.Contains("index.html"))
}

func TestBuildProject_RemovesStaleStaging(t *testing.T) {
	useCompiler(t, &mockCompiler{})
	cfg := newProject(t)

	stale := cfg.OutputDirectory + ".staging-old"
	writeFile(t, filepath.Join(stale, "index.js"), "stale")

	_, err := buildProject(context.Background(), cfg, &bytes.Buffer{})
	require.NoError(t, err)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestBuildProject_CompileError(t *testing.T) {
	useCompiler(t, &mockCompiler{err: &builderr.CompileError{
		Diagnostics: "error[E0425]: cannot find value `x`",
		ExitCode:    1,
		Err:         errors.New("exit status 1"),
	}})
	cfg := newProject(t)

	var out bytes.Buffer
	_, err := buildProject(context.Background(), cfg, &out)
	require.Error(t, err)

	assert.Equal(t, builderr.StageCompile, builderr.StageOf(err))
	assert.Equal(t, codes.Compile, codes.ForError(err))
	assert.Contains(t, err.Error(), "cannot find value")
	assert.Empty(t, out.String())

	_, statErr := os.Stat(cfg.OutputDirectory)
	assert.True(t, os.IsNotExist(statErr), "failed first build must not create the output directory")
}

func TestBuildProject_NoCache(t *testing.T) {
	useCompiler(t, &mockCompiler{})
	cfg := newProject(t)
	cfg.NoCache = true

	_, err := buildProject(context.Background(), cfg, &bytes.Buffer{})
	require.NoError(t, err)

	_, err = os.Stat(cfg.CacheDir)
	assert.True(t, os.IsNotExist(err))
}

func TestReport(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"generic", errors.New("boom"), codes.Failure},
		{"compile", builderr.Stage(builderr.StageCompile, &builderr.CompileError{Err: errors.New("x")}), codes.Compile},
		{"collision", builderr.Stage(builderr.StageMerge, &builderr.CollisionError{Path: "index.js", Sources: [2]string{"bundle", "static"}}), codes.Collision},
		{"cancelled", builderr.Stage(builderr.StageBundle, context.Canceled), codes.Cancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, report(tt.err))
		})
	}
}

func TestRootCommands(t *testing.T) {
	names := make([]string, 0)
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}

	assert.Subset(t, names, []string{"build", "serve", "cache", "deploy"})
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, serveCmd.Flags().Lookup("port"))
}
