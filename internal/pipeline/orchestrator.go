// Package pipeline runs a build: it compiles the crate, copies the static
// roots and bundles the entry points, then merges everything into one
// manifest and publishes it atomically.
package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Norgate-AV/wasmbundle/internal/assets"
	"github.com/Norgate-AV/wasmbundle/internal/builderr"
	"github.com/Norgate-AV/wasmbundle/internal/bundle"
	"github.com/Norgate-AV/wasmbundle/internal/compiler"
	"github.com/Norgate-AV/wasmbundle/internal/config"
	"github.com/Norgate-AV/wasmbundle/internal/loader"
	"github.com/Norgate-AV/wasmbundle/internal/logfields"
	"github.com/Norgate-AV/wasmbundle/internal/manifest"
	"github.com/Norgate-AV/wasmbundle/internal/metrics"
	"github.com/Norgate-AV/wasmbundle/internal/publish"
	"github.com/Norgate-AV/wasmbundle/internal/utils"
)

// SourceBundle names the bundler as a manifest contributor
const SourceBundle = "bundle"

// Compiler builds the compiled unit
type Compiler interface {
	Compile(ctx context.Context, sourceDir string, features []string) (*compiler.Artifact, error)
}

// Result describes a published build
type Result struct {
	BuildID  string
	Manifest *manifest.Manifest
	Artifact *compiler.Artifact
	Graphs   map[string]*bundle.Graph
	Duration time.Duration
}

// Orchestrator runs builds. Builds through the same Orchestrator are
// serialized.
type Orchestrator struct {
	compiler Compiler
	recorder metrics.Recorder
	newID    func() string

	// Classifier override; nil uses the configured extensions
	classifier loader.Classifier

	mu sync.Mutex
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithRecorder sets the metrics recorder
func WithRecorder(r metrics.Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithClassifier replaces the extension-based async binary classifier
func WithClassifier(c loader.Classifier) Option {
	return func(o *Orchestrator) { o.classifier = c }
}

// WithBuildIDs sets the build ID generator
func WithBuildIDs(f func() string) Option {
	return func(o *Orchestrator) { o.newID = f }
}

// New creates an Orchestrator around c
func New(c Compiler, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		compiler: c,
		recorder: metrics.NoopRecorder{},
		newID:    uuid.NewString,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Run builds cfg into its output directory. On any failure the output
// directory is left exactly as it was and the error is a
// *builderr.BuildError naming the failed stage.
func (o *Orchestrator) Run(ctx context.Context, cfg *config.Config) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	buildID := o.newID()
	log := slog.With(logfields.BuildID(buildID), logfields.Mode(string(cfg.Mode)))

	res, err := o.run(ctx, cfg, buildID, log)

	elapsed := time.Since(start)
	o.recorder.ObserveBuildDuration(elapsed)

	if err != nil {
		outcome := metrics.ResultFailed
		if ctx.Err() != nil {
			outcome = metrics.ResultCanceled
		}
		o.recorder.IncBuildOutcome(outcome)

		log.Error("Build failed", logfields.Stage(builderr.StageOf(err)), logfields.Error(err))

		return nil, err
	}

	res.Duration = elapsed
	o.recorder.IncBuildOutcome(metrics.ResultSuccess)
	o.recorder.SetOutputFiles(len(res.Manifest.Entries))

	log.Info("Build complete",
		"files", len(res.Manifest.Entries),
		"cached", res.Artifact.Cached,
		logfields.DurationMS(float64(elapsed.Milliseconds())))

	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, cfg *config.Config, buildID string, log *slog.Logger) (*Result, error) {
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, builderr.Stage(builderr.StageConfig, err)
	}

	stage, err := publish.NewStage(cfg.OutputDirectory, buildID)
	if err != nil {
		return nil, builderr.Stage(builderr.StagePublish, err)
	}
	defer stage.Abort()

	// Entry sources are bundler inputs, never mirrored
	entrySources := make([]string, 0, len(cfg.EntryPoints))
	for _, p := range cfg.EntryPoints {
		entrySources = append(entrySources, p)
	}
	copier := assets.NewCopier(entrySources...)

	var (
		artifact *compiler.Artifact
		bundled  *bundle.Result
		copied   = make([][]string, len(cfg.SourceRoots))
	)

	bundler := bundle.New(bundle.Options{
		EntryPoints:      cfg.EntryPoints,
		WorkDir:          workDir(cfg),
		OutDir:           cfg.OutputDirectory,
		BindingsModule:   cfg.BindingsModule,
		BinaryExtensions: cfg.BinaryExtensions,
		Policy:           o.policy(cfg),
		Minify:           cfg.Mode == config.ModeProduction,
		SourceMaps:       cfg.Mode == config.ModeDevelopment,
	})

	plan, err := NewPlan(
		Stage{
			Name: builderr.StageCompile,
			Run: func(ctx context.Context) error {
				a, err := o.compiler.Compile(ctx, cfg.CompiledUnitSource, cfg.CompilerFeatures)
				if err != nil {
					return err
				}
				o.recorder.IncCacheLookup(a.Cached)
				artifact = a
				return nil
			},
		},
		Stage{
			Name: builderr.StageCopy,
			Run: func(ctx context.Context) error {
				for i, root := range cfg.SourceRoots {
					written, err := copier.Copy(ctx, root, stage.Dir())
					if err != nil {
						return err
					}
					copied[i] = written
				}
				return nil
			},
		},
		Stage{
			Name:  builderr.StageBundle,
			After: []string{builderr.StageCompile},
			Run: func(ctx context.Context) error {
				r, err := bundler.Bundle(ctx, artifact.BindingsPath)
				if err != nil {
					return err
				}
				bundled = r
				return nil
			},
		},
	)
	if err != nil {
		return nil, err
	}

	plan.Observe(func(name string, d time.Duration, err error) {
		o.recorder.ObserveStageDuration(name, d)

		result := metrics.ResultSuccess
		switch {
		case err != nil && ctx.Err() != nil:
			result = metrics.ResultCanceled
		case err != nil:
			result = metrics.ResultFailed
		}
		o.recorder.IncStageResult(name, result)

		log.Debug("Stage finished", logfields.Stage(name), logfields.DurationMS(float64(d.Milliseconds())), "result", string(result))
	})

	if err := plan.Execute(ctx); err != nil {
		return nil, err
	}

	m, err := o.merge(cfg, stage.Dir(), bundled, copied)
	if err != nil {
		return nil, builderr.Stage(builderr.StageMerge, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, builderr.Stage(builderr.StagePublish, err)
	}

	if err := stage.Publish(m); err != nil {
		return nil, builderr.Stage(builderr.StagePublish, err)
	}

	return &Result{
		BuildID:  buildID,
		Manifest: m,
		Artifact: artifact,
		Graphs:   bundled.Graphs,
	}, nil
}

// merge checks every contribution for collisions, then writes the bundle
// output next to the copied assets and digests the result
func (o *Orchestrator) merge(cfg *config.Config, dir string, bundled *bundle.Result, copied [][]string) (*manifest.Manifest, error) {
	contributions := make([]manifest.Contribution, 0, len(copied)+1)

	bundlePaths := make([]string, len(bundled.Outputs))
	for i, out := range bundled.Outputs {
		bundlePaths[i] = out.Path
	}
	contributions = append(contributions, manifest.Contribution{Source: SourceBundle, Paths: bundlePaths})

	for i, root := range cfg.SourceRoots {
		contributions = append(contributions, manifest.Contribution{Source: rootLabel(cfg, root), Paths: copied[i]})
	}

	m, err := manifest.Merge(contributions...)
	if err != nil {
		return nil, err
	}

	for _, out := range bundled.Outputs {
		p := filepath.Join(dir, filepath.FromSlash(out.Path))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, builderr.IO("mkdir", filepath.Dir(p), err)
		}
		if err := os.WriteFile(p, out.Contents, 0o644); err != nil {
			return nil, builderr.IO("write", p, err)
		}
	}

	if err := m.Digest(dir); err != nil {
		return nil, err
	}

	return m, nil
}

func (o *Orchestrator) policy(cfg *config.Config) *loader.Policy {
	if o.classifier != nil {
		return loader.NewPolicy(o.classifier)
	}

	return loader.NewPolicy(loader.ExtensionClassifier(cfg.BinaryExtensions...))
}

// rootLabel names a source root the way the user configured it
func rootLabel(cfg *config.Config, root string) string {
	if cfg.BaseDir != "" {
		if rel, ok := utils.RelWithin(cfg.BaseDir, root); ok {
			return filepath.ToSlash(rel)
		}
	}

	return filepath.ToSlash(root)
}

func workDir(cfg *config.Config) string {
	if cfg.BaseDir != "" {
		return cfg.BaseDir
	}

	return cfg.CompiledUnitSource
}
