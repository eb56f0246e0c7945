package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Norgate-AV/wasmbundle/internal/publish"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Upload the published output to S3-compatible storage",
	Long: `Upload every file recorded in the output manifest to the bucket configured
under deploy, then the manifest itself. With --build a fresh build is
published first.`,
	RunE:         runDeploy,
	SilenceUsage: true,
	Args:         cobra.NoArgs,
}

func init() {
	deployCmd.Flags().Bool("build", false, "Build before deploying")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	if rebuild, _ := cmd.Flags().GetBool("build"); rebuild {
		if _, err := buildProject(ctx, cfg, cmd.OutOrStdout()); err != nil {
			return err
		}
	}

	d, err := publish.NewS3Deployer(cfg.Deploy)
	if err != nil {
		return err
	}

	n, err := d.Deploy(ctx, cfg.OutputDirectory)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %d objects to %s\n", n, cfg.Deploy.Bucket)

	return nil
}
