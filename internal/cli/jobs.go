package cli

import (
	stdcontext "context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Paintersrp/cheese/internal/api"
	httpapi "github.com/Paintersrp/cheese/internal/api/http"
	"github.com/Paintersrp/cheese/internal/cliutil"
	"github.com/Paintersrp/cheese/internal/config"
	"github.com/Paintersrp/cheese/internal/engine"
	"github.com/Paintersrp/cheese/internal/metrics"
)

func newJobsCmd(ctx *context) *cobra.Command {
	var (
		file        string
		output      string
		metricsAddr string
		echo        bool
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Run every job of a job file in order and summarise the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "table" && output != "json" {
				return fmt.Errorf("unknown output format %q (want table or json)", output)
			}
			if err := ctx.bindFlags(cmd, map[string]string{
				keyLogDir:       "log-dir",
				keySessionLimit: "session-limit",
				keyHistoryDB:    "history-db",
			}); err != nil {
				return err
			}

			doc, err := config.Load(file)
			if err != nil {
				return err
			}
			if doc.LogDirectory() == "" {
				if dir := ctx.v.GetString(keyLogDir); dir != "" {
					doc.Logging = &config.LoggingSpec{Directory: dir}
				}
			}
			sessionLimit := doc.SessionLimit.Duration
			if ctx.v.IsSet(keySessionLimit) {
				sessionLimit = ctx.v.GetDuration(keySessionLimit)
			}

			log := ctx.logger()
			tracker := api.NewTracker()
			if metricsAddr != "" {
				_, shutdown, err := serveStatus(metricsAddr, tracker, log)
				if err != nil {
					return err
				}
				defer shutdown()
			}

			sink, err := ctx.openHistory()
			if err != nil {
				return err
			}
			defer sink.Close()

			events := make(chan engine.Event, 64)
			opts := []engine.Option{
				engine.WithLogger(log),
				engine.WithEvents(events),
				engine.WithSessionLimit(sessionLimit),
			}
			if !cmd.Flags().Changed("echo") {
				echo = isTerminal(cmd.OutOrStdout())
			}
			if echo && output != "json" {
				opts = append(opts, engine.WithConsole(cmd.OutOrStdout()))
			}

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				var enc *json.Encoder
				if output == "json" {
					enc = json.NewEncoder(cmd.OutOrStdout())
				}
				for ev := range events {
					tracker.Apply(ev)
					sink.apply(ev)
					if enc != nil {
						cliutil.EncodeEvent(enc, cmd.ErrOrStderr(), ev)
						continue
					}
					log.WithFields(logrus.Fields{
						"job":     ev.Job,
						"event":   ev.Type,
						"attempt": ev.Attempt,
					}).Debug(ev.Message)
				}
			}()

			outcomes, runErr := engine.NewRunner(opts...).RunAll(cmd.Context(), engine.JobsFromFile(doc))
			close(events)
			wg.Wait()

			if output == "table" {
				if err := cliutil.RenderSummary(cmd.OutOrStdout(), outcomes); err != nil {
					return err
				}
			}
			if runErr != nil {
				return &ExitError{Code: 1, Err: runErr}
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&file, "file", "f", "jobs.yaml", "path to the job file")
	flags.StringVarP(&output, "output", "o", "table", "output format: table or json")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "serve job status and Prometheus metrics on this address while jobs run")
	flags.BoolVar(&echo, "echo", false, "echo job output to stdout (default is on when stdout is a terminal)")
	flags.String("log-dir", "", "log directory used when the job file does not set one")
	flags.Duration("session-limit", 0, "total time budget for all jobs, overriding the job file")
	flags.String("history-db", "", "record every attempt in this SQLite file or postgres:// URL")

	return cmd
}

// serveStatus runs the status server on addr until the returned function is
// called. It returns the address actually listened on.
func serveStatus(addr string, provider api.Provider, log logrus.FieldLogger) (string, func(), error) {
	srv, err := httpapi.NewServer(httpapi.Config{
		Addr:     addr,
		Provider: provider,
		Gatherer: metrics.Registry(),
	})
	if err != nil {
		return "", nil, err
	}
	if err := srv.Listen(); err != nil {
		return "", nil, err
	}

	ctx, cancel := stdcontext.WithCancel(stdcontext.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Run(ctx); err != nil {
			log.WithError(err).Error("status server stopped")
		}
	}()
	log.WithField("addr", srv.Addr()).Info("serving job status and metrics")

	return srv.Addr(), func() {
		cancel()
		<-done
	}, nil
}
