package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/griddy/build-tools/pkg/buildsys"
	"github.com/griddy/build-tools/pkg/deploy"
	"github.com/griddy/build-tools/pkg/pipeline"
)

// newPassthroughCmd runs one of the built-in tasks. Its exit status becomes gtask's exit status.
func newPassthroughCmd(a *app, task, short string) *cobra.Command {
	return &cobra.Command{
		Use:   task,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTasks(cmd.Context(), a.pipeline.Tasks(a.stdout), task)
		},
	}
}

func newDeployCmd(a *app) *cobra.Command {
	deployCmd := &cobra.Command{
		Use:   "deploy",
		Short: "Build and copy the binary to the deployment host",
		Long: `Builds the release binary and copies it to the configured destination.
With --revision the short id of the current commit is appended to the destination path.
The default is taken from deploy.mode.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := deploy.ParseMode(a.cfg.Deploy.Mode)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("revision") {
				withRevision, err := cmd.Flags().GetBool("revision")
				if err != nil {
					return err
				}

				mode = deploy.ModePlain
				if withRevision {
					mode = deploy.ModeRevision
				}
			}

			return a.runTasks(cmd.Context(), a.pipeline.Tasks(a.stdout), pipeline.DeployTask(mode))
		},
	}

	deployCmd.Flags().BoolP("revision", "r", false, "append the current revision to the destination path")
	return deployCmd
}

func newRevisionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "revision",
		Short: "Print the short id of the current commit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := buildsys.WithLogger(cmd.Context(), &a.logger)
			rev, err := a.pipeline.Revision(ctx)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(a.stdout, rev)
			return err
		},
	}
}
