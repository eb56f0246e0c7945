// Package bundle resolves the JS module graph of each entry point and emits
// the bundled output in memory.
//
// Imports classified as async binaries by the loader policy never reach the
// bundle as inlined data. They resolve to an async stub module that
// instantiates the binary with the modules it imports and re-exports the
// instance exports; the binary itself is emitted as a hashed asset next to
// the bundle.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/Norgate-AV/wasmbundle/internal/builderr"
	"github.com/Norgate-AV/wasmbundle/internal/loader"
	"github.com/Norgate-AV/wasmbundle/internal/logfields"
)

const (
	pluginName     = "wasmbundle"
	asyncNamespace = "async-binary"

	// PluginData marker for resolves issued by the plugin itself
	selfResolve = "wasmbundle:self"

	importIsUndefined = "import-is-undefined"
)

// Options configures a Bundler
type Options struct {
	// Logical name -> absolute entry source
	EntryPoints map[string]string

	// Directory metafile paths are relative to
	WorkDir string

	// Directory output paths are relative to. Nothing is written there.
	OutDir string

	// Bare specifier that resolves to the bindings module
	BindingsModule string

	// Extensions given esbuild's file loader
	BinaryExtensions []string

	Policy *loader.Policy
	Minify bool

	// SourceMaps emits linked .map files
	SourceMaps bool
}

// Output is one emitted file
type Output struct {
	// Slash-separated, relative to OutDir
	Path     string
	Contents []byte
}

// Result of one bundling pass
type Result struct {
	Outputs []Output

	// Module graph per entry name
	Graphs map[string]*Graph
}

// Bundler resolves and bundles entry points with esbuild
type Bundler struct {
	opts Options
}

// New creates a Bundler
func New(opts Options) *Bundler {
	if opts.Policy == nil {
		opts.Policy = loader.NewPolicy(loader.ExtensionClassifier(opts.BinaryExtensions...))
	}

	return &Bundler{opts: opts}
}

// Bundle resolves every entry point with the bindings module mapped to
// bindingsPath. Resolution failures and import cycles are returned as
// *builderr.ResolutionError.
func (b *Bundler) Bundle(ctx context.Context, bindingsPath string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buildCtx, ctxErr := api.Context(b.buildOptions(bindingsPath))
	if ctxErr != nil {
		return nil, resolutionError(ctxErr.Errors)
	}
	defer buildCtx.Dispose()

	done := make(chan api.BuildResult, 1)
	go func() {
		done <- buildCtx.Rebuild()
	}()

	var res api.BuildResult
	select {
	case <-ctx.Done():
		buildCtx.Cancel()
		<-done
		return nil, ctx.Err()
	case res = <-done:
	}

	if len(res.Errors) > 0 {
		return nil, resolutionError(res.Errors)
	}

	// A binary that lacks a member its bindings use would fail at runtime
	var undefined []api.Message
	for _, w := range res.Warnings {
		if w.ID == importIsUndefined {
			undefined = append(undefined, w)
			continue
		}
		slog.Debug("Bundler warning", "text", w.Text, logfields.Path(location(w)))
	}
	if len(undefined) > 0 {
		return nil, resolutionError(undefined)
	}

	return b.collect(res)
}

func (b *Bundler) buildOptions(bindingsPath string) api.BuildOptions {
	names := make([]string, 0, len(b.opts.EntryPoints))
	for name := range b.opts.EntryPoints {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]api.EntryPoint, 0, len(names))
	for _, name := range names {
		entries = append(entries, api.EntryPoint{InputPath: b.opts.EntryPoints[name], OutputPath: name})
	}

	loaders := make(map[string]api.Loader, len(b.opts.BinaryExtensions))
	for _, ext := range b.opts.BinaryExtensions {
		loaders[ext] = api.LoaderFile
	}

	nodeEnv := `"development"`
	if b.opts.Minify {
		nodeEnv = `"production"`
	}

	opts := api.BuildOptions{
		EntryPointsAdvanced: entries,
		AbsWorkingDir:       b.opts.WorkDir,
		Outdir:              b.opts.OutDir,
		Bundle:              true,
		Write:               false,
		Metafile:            true,
		Format:              api.FormatESModule,
		Platform:            api.PlatformBrowser,
		Target:              api.ES2022,
		Loader:              loaders,
		AssetNames:          "[name]-[hash]",
		Define:              map[string]string{"process.env.NODE_ENV": nodeEnv},
		LogLevel:            api.LogLevelSilent,
		Plugins:             []api.Plugin{b.plugin(bindingsPath)},
	}

	if b.opts.Minify {
		opts.MinifyWhitespace = true
		opts.MinifyIdentifiers = true
		opts.MinifySyntax = true
	}

	if b.opts.SourceMaps {
		opts.Sourcemap = api.SourceMapLinked
	}

	return opts
}

// plugin maps the bindings specifier and routes async binaries through stubs
func (b *Bundler) plugin(bindingsPath string) api.Plugin {
	policy := b.opts.Policy
	bindingsFilter := "^" + regexp.QuoteMeta(b.opts.BindingsModule) + "$"

	return api.Plugin{
		Name: pluginName,
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: bindingsFilter},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					return api.OnResolveResult{Path: bindingsPath}, nil
				})

			build.OnResolve(api.OnResolveOptions{Filter: ".*"},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					if args.PluginData == selfResolve || !policy.IsAsync(args.Path) {
						return api.OnResolveResult{}, nil
					}

					abs, err := resolveBinary(build, args)
					if err != nil {
						return api.OnResolveResult{}, err
					}

					// The stub's own import hands the binary to the file loader
					if args.Namespace == asyncNamespace {
						return api.OnResolveResult{Path: abs, Namespace: "file"}, nil
					}

					return api.OnResolveResult{Path: abs, Namespace: asyncNamespace}, nil
				})

			build.OnLoad(api.OnLoadOptions{Filter: ".*", Namespace: asyncNamespace},
				func(args api.OnLoadArgs) (api.OnLoadResult, error) {
					data, err := os.ReadFile(args.Path)
					if err != nil {
						return api.OnLoadResult{}, err
					}

					iface, err := loader.ReadInterface(data)
					if err != nil {
						return api.OnLoadResult{}, fmt.Errorf("%s: %w", args.Path, err)
					}

					stub := policy.Stub(args.Path, iface)
					return api.OnLoadResult{
						Contents:   &stub,
						Loader:     api.LoaderJS,
						ResolveDir: filepath.Dir(args.Path),
					}, nil
				})
		},
	}
}

// resolveBinary turns an import of a binary into an absolute path
func resolveBinary(build api.PluginBuild, args api.OnResolveArgs) (string, error) {
	if filepath.IsAbs(args.Path) {
		return filepath.Clean(args.Path), nil
	}

	if strings.HasPrefix(args.Path, "./") || strings.HasPrefix(args.Path, "../") {
		return filepath.Join(args.ResolveDir, filepath.FromSlash(args.Path)), nil
	}

	res := build.Resolve(args.Path, api.ResolveOptions{
		Importer:   args.Importer,
		ResolveDir: args.ResolveDir,
		Kind:       args.Kind,
		PluginData: selfResolve,
	})
	if len(res.Errors) > 0 {
		return "", errors.New(res.Errors[0].Text)
	}

	return res.Path, nil
}

func (b *Bundler) collect(res api.BuildResult) (*Result, error) {
	m, err := parseMetafile(res.Metafile)
	if err != nil {
		return nil, err
	}

	out := &Result{Graphs: make(map[string]*Graph, len(b.opts.EntryPoints))}

	for _, f := range res.OutputFiles {
		rel, err := filepath.Rel(b.opts.OutDir, f.Path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return nil, fmt.Errorf("bundler emitted %s outside %s", f.Path, b.opts.OutDir)
		}

		out.Outputs = append(out.Outputs, Output{Path: filepath.ToSlash(rel), Contents: f.Contents})
	}

	sort.Slice(out.Outputs, func(i, j int) bool { return out.Outputs[i].Path < out.Outputs[j].Path })

	// Map "<name>.js" outputs back to their metafile entry input
	entryInputs := make(map[string]string, len(m.Outputs))
	for p, o := range m.Outputs {
		if o.EntryPoint == "" {
			continue
		}

		abs := p
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(b.opts.WorkDir, filepath.FromSlash(p))
		}

		if rel, err := filepath.Rel(b.opts.OutDir, abs); err == nil {
			entryInputs[filepath.ToSlash(rel)] = o.EntryPoint
		}
	}

	nodes := buildNodes(m, b.opts.Policy)

	for name := range b.opts.EntryPoints {
		entry, ok := entryInputs[name+".js"]
		if !ok {
			return nil, &builderr.ResolutionError{Path: b.opts.EntryPoints[name], Diagnostics: "entry point produced no output"}
		}

		g := reachable(nodes, entry)
		if err := checkAcyclic(g); err != nil {
			return nil, err
		}

		out.Graphs[name] = g
	}

	return out, nil
}

func location(m api.Message) string {
	if m.Location == nil {
		return ""
	}

	return m.Location.File
}

func resolutionError(msgs []api.Message) error {
	formatted := api.FormatMessages(msgs, api.FormatMessagesOptions{Kind: api.ErrorMessage})

	re := &builderr.ResolutionError{Diagnostics: strings.TrimSpace(strings.Join(formatted, ""))}
	if len(msgs) > 0 {
		re.Path = location(msgs[0])
	}

	return re
}
