package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. WASMBUNDLE_MODE
const EnvPrefix = "WASMBUNDLE"

// Loader handles configuration loading from various sources. Each Loader owns
// its own viper instance so several configurations can coexist in-process.
type Loader struct {
	v       *viper.Viper
	workDir string
}

// NewLoader creates a new configuration loader rooted at the working directory
func NewLoader() *Loader {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}

	return NewLoaderAt(wd)
}

// NewLoaderAt creates a loader that searches for local config from dir
func NewLoaderAt(dir string) *Loader {
	return &Loader{
		v:       viper.New(),
		workDir: dir,
	}
}

// Viper exposes the underlying instance (tests, diagnostics)
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// LoadForBuild loads configuration for a build, serve or deploy command
func (l *Loader) LoadForBuild(cmd *cobra.Command) (*Config, error) {
	l.setupViperDefaults()

	if err := l.loadGlobalConfig(); err != nil {
		return nil, err
	}

	explicit := ""
	if cmd != nil {
		if f := cmd.Flags().Lookup("config"); f != nil {
			explicit = f.Value.String()
		}
	}

	baseDir, err := l.loadLocalConfig(explicit)
	if err != nil {
		return nil, err
	}

	l.loadDotEnv(baseDir)
	l.bindEnv()

	if cmd != nil {
		l.bindCommandFlags(cmd)
	}

	return Load(l.v, baseDir)
}

// setupViperDefaults sets up default values for viper
func (l *Loader) setupViperDefaults() {
	l.v.SetDefault("mode", string(DefaultMode))
	l.v.SetDefault("output_directory", DefaultOutputDirectory)
	l.v.SetDefault("compiled_unit_source", DefaultCompiledUnitSource)
	l.v.SetDefault("compiler_path", DefaultCompilerPath)
	l.v.SetDefault("package_directory", DefaultPackageDirectory)
	l.v.SetDefault("bindings_module", DefaultBindingsModule)
	l.v.SetDefault("binary_extensions", []string{DefaultBinaryExtension})
	l.v.SetDefault("cache_dir", DefaultCacheDir)
	l.v.SetDefault("no_cache", false)
	l.v.SetDefault("verbose", false)
	l.v.SetDefault("dev.port", DefaultDevPort)
	l.v.SetDefault("dev.debounce", DefaultDevDebounce)
	l.v.SetDefault("dev.watch", true)
	l.v.SetDefault("deploy.region", "us-east-1")
	l.v.SetDefault("deploy.use_ssl", true)
}

// loadGlobalConfig loads global configuration from the user config directory
func (l *Loader) loadGlobalConfig() error {
	globalPath := FindGlobalConfig()
	if globalPath == "" {
		return nil
	}

	l.v.SetConfigFile(globalPath)
	if err := l.v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read global config %s: %w", globalPath, err)
	}

	return nil
}

// loadLocalConfig merges the project configuration and returns the directory
// relative paths are resolved against
func (l *Loader) loadLocalConfig(explicit string) (string, error) {
	localPath := explicit
	if localPath == "" {
		localPath = FindLocalConfig(l.workDir)
	}

	if localPath == "" {
		return l.workDir, nil
	}

	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", fmt.Errorf("invalid config path: %w", err)
	}

	l.v.SetConfigFile(abs)
	if err := l.v.MergeInConfig(); err != nil {
		return "", fmt.Errorf("failed to read config %s: %w", abs, err)
	}

	return filepath.Dir(abs), nil
}

// loadDotEnv loads a .env next to the project config. Existing env wins.
func (l *Loader) loadDotEnv(dir string) {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); err != nil {
		return
	}

	_ = godotenv.Load(path)
}

func (l *Loader) bindEnv() {
	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()
}

// bindCommandFlags binds command flags to viper
func (l *Loader) bindCommandFlags(cmd *cobra.Command) {
	bind := func(key, flag string) {
		if f := cmd.Flags().Lookup(flag); f != nil {
			_ = l.v.BindPFlag(key, f)
		}
	}

	bind("mode", "mode")
	bind("verbose", "verbose")
	bind("no_cache", "no-cache")
	bind("output_directory", "out")
	bind("compiler_features", "features")
	bind("compiler_path", "compiler")
	bind("dev.port", "port")
}
