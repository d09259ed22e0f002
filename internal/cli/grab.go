package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/cheese/internal/cliutil"
	"github.com/Paintersrp/cheese/internal/process"
)

func newGrabCmd(ctx *context) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "grab [flags] -- <command> [args...]",
		Short: "Run a command under the watchdog and print its output once it exits",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "text" && output != "json" {
				return fmt.Errorf("unknown output format %q (want text or json)", output)
			}
			if err := ctx.bindFlags(cmd, map[string]string{
				keyIdleTimeout: "idle-timeout",
				keyMaxRun:      "max-run",
			}); err != nil {
				return err
			}

			spec := process.Spec{Name: args[0], Command: args}
			text, res, err := process.RunGrab(cmd.Context(), spec,
				ctx.v.GetDuration(keyIdleTimeout), ctx.v.GetDuration(keyMaxRun),
				process.WithLogger(ctx.logger()), process.WithName(args[0]))
			if err != nil && res.Duration == 0 {
				return err
			}

			if output == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(cliutil.NewGrabRecord(text, res)); encErr != nil {
					return fmt.Errorf("encode result: %w", encErr)
				}
			} else {
				fmt.Fprint(cmd.OutOrStdout(), text)
			}

			if res.Killed() {
				ctx.logger().WithField("cause", res.Cause.String()).
					Errorf("Kill signal has been issued at %s.", res.KilledAt.Format("2006-01-02 15:04:05.000"))
			}
			return exitErrorFor(res.ExitCode, err)
		},
	}

	flags := cmd.Flags()
	flags.Duration("idle-timeout", 0, "kill the command after this long without output (0 disables)")
	flags.Duration("max-run", 0, "kill the command after this total run time (0 disables)")
	flags.StringVarP(&output, "output", "o", "text", "output format: text or json")

	return cmd
}
