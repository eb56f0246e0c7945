package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Norgate-AV/wasmbundle/internal/builderr"
	"github.com/Norgate-AV/wasmbundle/internal/codes"
	"github.com/Norgate-AV/wasmbundle/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "wasmbundle",
	Short: "WebAssembly + JavaScript bundler",
	Long: `Compile a Rust crate with wasm-pack, bundle the JavaScript entry points
that load it and publish the result together with static assets.`,
	RunE:          runBuild,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(report(err))
	}
}

// report prints err and returns the process exit code for it
func report(err error) int {
	code := codes.ForError(err)

	var be *builderr.BuildError
	if errors.As(err, &be) {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}

	if code != codes.Failure {
		fmt.Fprintf(os.Stderr, "(%s)\n", codes.GetErrorMessage(code))
	}

	return code
}

// addBuildFlags registers the flags shared by every command that loads a
// project configuration
func addBuildFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP("config", "c", "", "Project config file (default: nearest .wasmbundle.{yml,yaml,json,toml})")
	cmd.PersistentFlags().StringP("mode", "m", "", "Build mode: development or production")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose output")
	cmd.PersistentFlags().Bool("no-cache", false, "Disable the compiled unit cache")
	cmd.PersistentFlags().StringP("out", "o", "", "Output directory")
	cmd.PersistentFlags().StringSliceP("features", "f", nil, "Compiler feature flags")
	cmd.PersistentFlags().String("compiler", "", "Path to wasm-pack")
}

func init() {
	rootCmd.Version = fmt.Sprintf("%s (%s) %s", version.Version, version.Commit, version.BuildTime)
	addBuildFlags(rootCmd)

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(deployCmd)
}
