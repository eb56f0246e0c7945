package devserver

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/Norgate-AV/wasmbundle/internal/config"
	"github.com/Norgate-AV/wasmbundle/internal/logfields"
)

// BuildFunc runs one build and returns its ID
type BuildFunc func(ctx context.Context) (buildID string, err error)

// WatchSetFor lists what a development session watches for cfg
func WatchSetFor(cfg *config.Config) WatchSet {
	crate := cfg.CompiledUnitSource

	return WatchSet{
		Dirs: append(append([]string(nil), cfg.SourceRoots...), filepath.Join(crate, "src")),
		Files: []string{
			filepath.Join(crate, "Cargo.toml"),
			filepath.Join(crate, "Cargo.lock"),
			filepath.Join(crate, "build.rs"),
		},
		Ignore: []string{cfg.OutputDirectory, cfg.PackageDirectory, cfg.CacheDir, filepath.Join(crate, "target")},
	}
}

// Run builds once, serves cfg's roots and rebuilds on change until ctx
// ends. A failed initial build does not stop the server; the status
// endpoint and connected browsers report it.
func Run(ctx context.Context, cfg *config.Config, build BuildFunc, opts ...Option) error {
	srv, err := Serve(ctx, cfg.ServeRoots(), cfg.Dev.Port, opts...)
	if err != nil {
		return err
	}

	return runSession(ctx, cfg, srv, build)
}

func runSession(ctx context.Context, cfg *config.Config, srv *Server, build BuildFunc) error {
	rebuild := func(ctx context.Context) {
		srv.BuildStarted()
		id, err := build(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("Rebuild failed", logfields.Error(err))
		}
		srv.BuildFinished(id, err)
	}

	rebuild(ctx)

	if !cfg.Dev.Watch {
		<-ctx.Done()
		return nil
	}

	w, err := NewWatcher(WatchSetFor(cfg), cfg.Dev.Debounce)
	if err != nil {
		return err
	}
	defer w.Close()

	r := NewRebuilder(func(ctx context.Context) {
		slog.Info("Change detected; rebuilding")
		rebuild(ctx)
	})
	go r.Run(ctx)

	return w.Run(ctx, r.Request)
}
