package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Norgate-AV/wasmbundle/internal/config"
	"github.com/Norgate-AV/wasmbundle/internal/devserver"
	"github.com/Norgate-AV/wasmbundle/internal/publish"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the project and rebuild on change",
	Long: `Build in development mode, serve the output directory and the wasm-pack
package directory, and rebuild whenever sources change. Browsers that load
/_wasmbundle/client.js reload after every successful build.`,
	RunE:         runServe,
	SilenceUsage: true,
	Args:         cobra.NoArgs,
}

func init() {
	serveCmd.Flags().IntP("port", "p", config.DefaultDevPort, "Port to listen on")
	serveCmd.Flags().Bool("no-watch", false, "Build once and serve without watching")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if !cmd.Flags().Changed("mode") {
		cfg = cfg.WithMode(config.ModeDevelopment)
	}

	if noWatch, _ := cmd.Flags().GetBool("no-watch"); noWatch {
		cfg.Dev.Watch = false
	}

	env, err := newBuildEnv(cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	publish.CleanStale(cfg.OutputDirectory)

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	build := func(ctx context.Context) (string, error) {
		res, err := env.orchestrator.Run(ctx, cfg)
		if err != nil {
			return "", err
		}
		return res.BuildID, nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on http://127.0.0.1:%d (Ctrl+C to stop)\n", cfg.OutputDirectory, cfg.Dev.Port)

	return devserver.Run(ctx, cfg, build, devserver.WithMetrics(env.recorder.Handler()))
}
