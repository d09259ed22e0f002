package cli

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/cheese/internal/engine"
	"github.com/Paintersrp/cheese/internal/process"
)

func newRunCmd(ctx *context) *cobra.Command {
	var (
		maxRetry   int
		retryDelay time.Duration
		logName    string
		quiet      bool
	)

	cmd := &cobra.Command{
		Use:   "run [flags] -- <command> [args...]",
		Short: "Run a command under the watchdog, logging and echoing its output",
		Example: `  cheese run --idle-timeout 2m --max-run 6h --log-dir /var/log/backup -- rsync -av /home/ /backup/home/
  CHEESE_MAX_RUN=1h cheese run --max-retry 3 -- svn update /srv/repo`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.bindFlags(cmd, map[string]string{
				keyIdleTimeout:  "idle-timeout",
				keyMaxRun:       "max-run",
				keyLogDir:       "log-dir",
				keySessionLimit: "session-limit",
				keyHistoryDB:    "history-db",
			}); err != nil {
				return err
			}
			if maxRetry < -1 {
				return fmt.Errorf("--max-retry must be -1 (unlimited) or greater")
			}

			name := logName
			if name == "" {
				name = filepath.Base(args[0])
			}
			job := engine.Job{
				Name:        name,
				Spec:        process.Spec{Name: name, Command: args},
				IdleTimeout: ctx.v.GetDuration(keyIdleTimeout),
				MaxRun:      ctx.v.GetDuration(keyMaxRun),
				Policy:      engine.RetryPolicy{MaxRetries: maxRetry, Min: retryDelay, Max: retryDelay, Factor: 1},
				LogDir:      ctx.v.GetString(keyLogDir),
			}

			opts := []engine.Option{
				engine.WithLogger(ctx.logger()),
				engine.WithSessionLimit(ctx.v.GetDuration(keySessionLimit)),
			}
			if !quiet {
				opts = append(opts, engine.WithConsole(cmd.OutOrStdout()))
			}

			sink, err := ctx.openHistory()
			if err != nil {
				return err
			}
			defer sink.Close()

			var wg sync.WaitGroup
			var events chan engine.Event
			if sink != nil {
				events = make(chan engine.Event, 16)
				opts = append(opts, engine.WithEvents(events))
				wg.Add(1)
				go func() {
					defer wg.Done()
					for ev := range events {
						sink.apply(ev)
					}
				}()
			}

			out := engine.NewRunner(opts...).Run(cmd.Context(), job)
			if events != nil {
				close(events)
				wg.Wait()
			}
			if out.SessionLog != "" {
				ctx.logger().WithField("session_log", out.SessionLog).Info("console output logged")
			}
			return exitErrorFor(out.Result.ExitCode, out.Err)
		},
	}

	flags := cmd.Flags()
	flags.Duration("idle-timeout", 0, "kill the command after this long without output (0 disables)")
	flags.Duration("max-run", 0, "kill the command after this total run time (0 disables)")
	flags.Duration("session-limit", 0, "total time budget for all attempts (0 disables)")
	flags.String("log-dir", "", "directory receiving sequence-numbered console logs")
	flags.String("history-db", "", "record every attempt in this SQLite file or postgres:// URL")
	flags.StringVar(&logName, "log-name", "", "name used for the log files (default is the command's base name)")
	flags.IntVar(&maxRetry, "max-retry", 0, "retry a failed or killed command up to this many times (-1 retries forever)")
	flags.DurationVar(&retryDelay, "retry-delay", time.Second, "delay between attempts")
	flags.BoolVarP(&quiet, "quiet", "q", false, "do not echo the command's output")

	return cmd
}
