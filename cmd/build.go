package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Norgate-AV/wasmbundle/internal/builderr"
	"github.com/Norgate-AV/wasmbundle/internal/cache"
	"github.com/Norgate-AV/wasmbundle/internal/compiler"
	"github.com/Norgate-AV/wasmbundle/internal/config"
	"github.com/Norgate-AV/wasmbundle/internal/logfields"
	"github.com/Norgate-AV/wasmbundle/internal/metrics"
	"github.com/Norgate-AV/wasmbundle/internal/pipeline"
	"github.com/Norgate-AV/wasmbundle/internal/publish"
)

var buildCmd = &cobra.Command{
	Use:          "build",
	Short:        "Build the project",
	Long:         `Compile the crate, bundle the entry points, copy static assets and publish them to the output directory.`,
	RunE:         runBuild,
	SilenceUsage: true,
	Args:         cobra.NoArgs,
}

// newCompiler creates the compiled-unit builder for cfg. c may be nil.
var newCompiler = func(cfg *config.Config, c *cache.Cache) pipeline.Compiler {
	opts := compiler.Options{
		CompilerPath: cfg.CompilerPath,
		PackageDir:   cfg.PackageDirectory,
		Release:      cfg.Mode == config.ModeProduction,
		Cache:        c,
	}

	if cfg.Verbose {
		opts.Stream = os.Stderr
	}

	return compiler.NewBuilder(opts)
}

// buildEnv holds the long-lived pieces a build or dev session needs
type buildEnv struct {
	cache        *cache.Cache
	recorder     *metrics.PrometheusRecorder
	orchestrator *pipeline.Orchestrator
}

func newBuildEnv(cfg *config.Config) (*buildEnv, error) {
	env := &buildEnv{recorder: metrics.NewPrometheusRecorder(nil)}

	if !cfg.NoCache {
		c, err := cache.New(cfg.CacheDir)
		if err != nil {
			return nil, builderr.Stage(builderr.StageConfig, err)
		}
		env.cache = c
	}

	env.orchestrator = pipeline.New(newCompiler(cfg, env.cache), pipeline.WithRecorder(env.recorder))

	return env, nil
}

func (e *buildEnv) Close() {
	if e.cache != nil {
		_ = e.cache.Close()
	}
}

// loadConfig loads the project configuration and installs the logger
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.NewLoader().LoadForBuild(cmd)
	if err != nil {
		return nil, builderr.Stage(builderr.StageConfig, err)
	}

	logfields.Setup(os.Stderr, cfg.Verbose)

	return cfg, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}

	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	_, err = buildProject(ctx, cfg, cmd.OutOrStdout())
	return err
}

// buildProject runs one build of cfg and prints a summary to out
func buildProject(ctx context.Context, cfg *config.Config, out io.Writer) (*pipeline.Result, error) {
	env, err := newBuildEnv(cfg)
	if err != nil {
		return nil, err
	}
	defer env.Close()

	publish.CleanStale(cfg.OutputDirectory)

	res, err := env.orchestrator.Run(ctx, cfg)
	if err != nil {
		return nil, err
	}

	cached := ""
	if res.Artifact != nil && res.Artifact.Cached {
		cached = " (compiled unit from cache)"
	}

	fmt.Fprintf(out, "Built %d files into %s in %s%s\n",
		len(res.Manifest.Entries), cfg.OutputDirectory, res.Duration.Round(time.Millisecond), cached)

	return res, nil
}
