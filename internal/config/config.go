package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Norgate-AV/wasmbundle/internal/utils"
)

// Mode selects optimisation downstream; opaque to the orchestration core.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
)

// Default configuration values
const (
	DefaultMode               = ModeProduction
	DefaultEntryName          = "index"
	DefaultEntryPath          = "static/index.js"
	DefaultOutputDirectory    = "dist"
	DefaultSourceRoot         = "static"
	DefaultCompiledUnitSource = "."
	DefaultFeature            = "web"
	DefaultCompilerPath       = "wasm-pack"
	DefaultPackageDirectory   = "pkg"
	DefaultBindingsModule     = "wasm-bindings"
	DefaultBinaryExtension    = ".wasm"
	DefaultCacheDir           = ".wasmbundle-cache"
	DefaultDevPort            = 8080
	DefaultDevDebounce        = 300 * time.Millisecond
)

// Holds the dev server options
type DevConfig struct {
	Port     int
	Debounce time.Duration
	Watch    bool
}

// Holds the S3-compatible deployment target
type DeployConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Config is the build configuration. It is created once per invocation and
// must not be mutated while a build is running; use WithMode to derive a copy.
type Config struct {
	Mode Mode

	// Logical bundle name -> entry source file (absolute)
	EntryPoints map[string]string

	// Absolute output directory
	OutputDirectory string

	// Static asset roots, in order
	SourceRoots []string

	// Crate directory compiled by wasm-pack
	CompiledUnitSource string

	// Normalized compiler feature flags
	CompilerFeatures []string

	// Path to the wasm-pack executable
	CompilerPath string

	// Absolute wasm-pack --out-dir
	PackageDirectory string

	// Bare import specifier resolved to the generated bindings
	BindingsModule string

	// Extensions treated as async binary modules
	BinaryExtensions []string

	CacheDir string
	NoCache  bool
	Verbose  bool

	Dev    DevConfig
	Deploy DeployConfig

	// Local configuration file the values were read from, if any
	ConfigFile string

	// Directory relative paths were resolved against
	BaseDir string
}

// Load builds a Config from v, resolving relative paths against baseDir
func Load(v *viper.Viper, baseDir string) (*Config, error) {
	cfg := &Config{
		Mode:               Mode(strings.ToLower(strings.TrimSpace(v.GetString("mode")))),
		EntryPoints:        v.GetStringMapString("entry_points"),
		OutputDirectory:    v.GetString("output_directory"),
		SourceRoots:        v.GetStringSlice("source_roots"),
		CompiledUnitSource: v.GetString("compiled_unit_source"),
		CompilerFeatures:   v.GetStringSlice("compiler_features"),
		CompilerPath:       v.GetString("compiler_path"),
		PackageDirectory:   v.GetString("package_directory"),
		BindingsModule:     v.GetString("bindings_module"),
		BinaryExtensions:   v.GetStringSlice("binary_extensions"),
		CacheDir:           v.GetString("cache_dir"),
		NoCache:            v.GetBool("no_cache"),
		Verbose:            v.GetBool("verbose"),
		Dev: DevConfig{
			Port:     v.GetInt("dev.port"),
			Debounce: v.GetDuration("dev.debounce"),
			Watch:    v.GetBool("dev.watch"),
		},
		Deploy: DeployConfig{
			Endpoint:  v.GetString("deploy.endpoint"),
			Region:    v.GetString("deploy.region"),
			Bucket:    v.GetString("deploy.bucket"),
			Prefix:    v.GetString("deploy.prefix"),
			AccessKey: v.GetString("deploy.access_key"),
			SecretKey: v.GetString("deploy.secret_key"),
			UseSSL:    v.GetBool("deploy.use_ssl"),
		},
		ConfigFile: v.ConfigFileUsed(),
	}

	// Apply defaults if not set
	if cfg.Mode == "" {
		cfg.Mode = DefaultMode
	}

	if len(cfg.EntryPoints) == 0 {
		cfg.EntryPoints = map[string]string{DefaultEntryName: DefaultEntryPath}
	}

	if cfg.OutputDirectory == "" {
		cfg.OutputDirectory = DefaultOutputDirectory
	}

	if !v.IsSet("source_roots") && len(cfg.SourceRoots) == 0 {
		cfg.SourceRoots = []string{DefaultSourceRoot}
	}

	if cfg.CompiledUnitSource == "" {
		cfg.CompiledUnitSource = DefaultCompiledUnitSource
	}

	if !v.IsSet("compiler_features") && len(cfg.CompilerFeatures) == 0 {
		cfg.CompilerFeatures = []string{DefaultFeature}
	}

	if cfg.CompilerPath == "" {
		cfg.CompilerPath = DefaultCompilerPath
	}

	if cfg.PackageDirectory == "" {
		cfg.PackageDirectory = DefaultPackageDirectory
	}

	if cfg.BindingsModule == "" {
		cfg.BindingsModule = DefaultBindingsModule
	}

	if len(cfg.BinaryExtensions) == 0 {
		cfg.BinaryExtensions = []string{DefaultBinaryExtension}
	}

	if cfg.CacheDir == "" {
		cfg.CacheDir = DefaultCacheDir
	}

	if cfg.Dev.Port == 0 {
		cfg.Dev.Port = DefaultDevPort
	}

	if cfg.Dev.Debounce <= 0 {
		cfg.Dev.Debounce = DefaultDevDebounce
	}

	if err := cfg.resolvePaths(baseDir); err != nil {
		return nil, err
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) resolvePaths(baseDir string) error {
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("invalid base directory: %w", err)
	}
	c.BaseDir = base

	abs := func(p string) string {
		if filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		return filepath.Join(base, p)
	}

	c.OutputDirectory = abs(c.OutputDirectory)
	c.CompiledUnitSource = abs(c.CompiledUnitSource)
	c.CacheDir = abs(c.CacheDir)

	// The package directory lives inside the crate unless given absolutely
	if !filepath.IsAbs(c.PackageDirectory) {
		c.PackageDirectory = filepath.Join(c.CompiledUnitSource, c.PackageDirectory)
	}

	roots := make([]string, 0, len(c.SourceRoots))
	for _, r := range c.SourceRoots {
		if strings.TrimSpace(r) == "" {
			continue
		}
		roots = append(roots, abs(r))
	}
	c.SourceRoots = roots

	entries := make(map[string]string, len(c.EntryPoints))
	for name, p := range c.EntryPoints {
		entries[name] = abs(p)
	}
	c.EntryPoints = entries

	if c.CompilerPath != DefaultCompilerPath && strings.ContainsRune(c.CompilerPath, filepath.Separator) {
		c.CompilerPath = abs(c.CompilerPath)
	}

	return nil
}

// Validate checks the configuration invariants
func (c *Config) Validate() error {
	if c.Mode != ModeDevelopment && c.Mode != ModeProduction {
		return fmt.Errorf("invalid mode %q: must be %q or %q", c.Mode, ModeDevelopment, ModeProduction)
	}

	if len(c.EntryPoints) == 0 {
		return fmt.Errorf("at least one entry point is required")
	}

	for name, p := range c.EntryPoints {
		if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
			return fmt.Errorf("invalid entry point name %q", name)
		}

		if p == "" {
			return fmt.Errorf("entry point %q has no source file", name)
		}
	}

	c.CompilerFeatures = utils.NormalizeFeatures(c.CompilerFeatures)

	for i, ext := range c.BinaryExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			return fmt.Errorf("empty binary extension")
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.BinaryExtensions[i] = ext
	}

	if isRoot(c.OutputDirectory) {
		return fmt.Errorf("output directory must not be a filesystem root: %s", c.OutputDirectory)
	}

	// Output nested in the crate is fine; equal to it or above it is not
	if c.OutputDirectory == c.CompiledUnitSource || utils.IsStrictlyWithin(c.CompiledUnitSource, c.OutputDirectory) {
		return fmt.Errorf("output directory %s aliases compiled unit source %s", c.OutputDirectory, c.CompiledUnitSource)
	}

	for _, root := range c.SourceRoots {
		if overlaps(c.OutputDirectory, root) {
			return fmt.Errorf("output directory %s aliases source root %s", c.OutputDirectory, root)
		}
	}

	if overlaps(c.OutputDirectory, c.PackageDirectory) {
		return fmt.Errorf("output directory %s aliases package directory %s", c.OutputDirectory, c.PackageDirectory)
	}

	if c.Dev.Port < 0 || c.Dev.Port > 65535 {
		return fmt.Errorf("invalid dev port %d", c.Dev.Port)
	}

	return nil
}

// WithMode returns a copy of c using mode m
func (c *Config) WithMode(m Mode) *Config {
	cp := c.Clone()
	cp.Mode = m

	return cp
}

// Clone returns a deep copy of c
func (c *Config) Clone() *Config {
	cp := *c

	cp.EntryPoints = make(map[string]string, len(c.EntryPoints))
	for k, v := range c.EntryPoints {
		cp.EntryPoints[k] = v
	}

	cp.SourceRoots = append([]string(nil), c.SourceRoots...)
	cp.CompilerFeatures = append([]string(nil), c.CompilerFeatures...)
	cp.BinaryExtensions = append([]string(nil), c.BinaryExtensions...)

	return &cp
}

// EntryNames returns entry point names in sorted order
func (c *Config) EntryNames() []string {
	names := make([]string, 0, len(c.EntryPoints))
	for name := range c.EntryPoints {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// ServeRoots returns the directories the dev server exposes, output first
func (c *Config) ServeRoots() []string {
	return []string{c.OutputDirectory, c.PackageDirectory}
}

func overlaps(a, b string) bool {
	return a == b || utils.IsStrictlyWithin(a, b) || utils.IsStrictlyWithin(b, a)
}

func isRoot(p string) bool {
	return filepath.Dir(p) == p
}
