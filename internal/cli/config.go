package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/cheese/internal/config"
)

func newConfigCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with job files",
	}
	cmd.AddCommand(newConfigLintCmd(ctx))
	return cmd
}

func newConfigLintCmd(ctx *context) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Validate a job file",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := config.Load(file)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return err
			}
			ctx.logger().WithField("file", file).Debug("job file is valid")
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d jobs)\n", file, len(doc.Jobs))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "jobs.yaml", "path to the job file")
	return cmd
}
