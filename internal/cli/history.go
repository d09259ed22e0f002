package cli

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Paintersrp/cheese/internal/cliutil"
	"github.com/Paintersrp/cheese/internal/engine"
	"github.com/Paintersrp/cheese/internal/history"
)

func newHistoryCmd(ctx *context) *cobra.Command {
	var (
		job    string
		limit  int
		output string
		prune  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded attempts and when each job last succeeded",
		Example: `  cheese history --history-db ~/.cheese/history.db --job home
  CHEESE_HISTORY_DB=postgres://cheese@db/cheese cheese history -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "table" && output != "json" {
				return fmt.Errorf("unknown output format %q (want table or json)", output)
			}
			if err := ctx.bindFlags(cmd, map[string]string{keyHistoryDB: "history-db"}); err != nil {
				return err
			}
			dsn := ctx.v.GetString(keyHistoryDB)
			if dsn == "" {
				return errors.New("no history database configured (use --history-db or CHEESE_HISTORY_DB)")
			}

			store, err := history.Open(dsn)
			if err != nil {
				return err
			}
			defer store.Close()

			if prune > 0 {
				n, err := store.Prune(cmd.Context(), time.Now().Add(-prune))
				if err != nil {
					return err
				}
				ctx.logger().WithField("removed", n).Info("pruned attempt history")
			}

			attempts, err := store.Recent(cmd.Context(), job, limit)
			if err != nil {
				return err
			}

			if output == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if attempts == nil {
					attempts = []history.Attempt{}
				}
				return enc.Encode(attempts)
			}

			if err := cliutil.RenderHistory(cmd.OutOrStdout(), attempts); err != nil {
				return err
			}
			if job != "" {
				at, err := store.LastSuccess(cmd.Context(), job)
				switch {
				case errors.Is(err, history.ErrNoRuns):
					fmt.Fprintf(cmd.OutOrStdout(), "%s has never succeeded\n", job)
				case err != nil:
					return err
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "%s last succeeded at %s\n", job, at.Local().Format("2006-01-02 15:04:05"))
				}
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("history-db", "", "SQLite file or postgres:// URL holding the attempt history")
	flags.StringVar(&job, "job", "", "only show attempts of this job")
	flags.IntVarP(&limit, "limit", "n", 20, "maximum number of attempts to show")
	flags.StringVarP(&output, "output", "o", "table", "output format: table or json")
	flags.DurationVar(&prune, "prune", 0, "delete attempts older than this before listing")

	return cmd
}

// historySink records attempt-ending events. Recording failures are logged
// and never fail the job.
type historySink struct {
	store *history.Store
	log   logrus.FieldLogger
}

// openHistory opens the configured history database. It returns nil when no
// database is configured.
func (c *context) openHistory() (*historySink, error) {
	dsn := c.v.GetString(keyHistoryDB)
	if dsn == "" {
		return nil, nil
	}
	store, err := history.Open(dsn)
	if err != nil {
		return nil, err
	}
	return &historySink{store: store, log: c.logger()}, nil
}

func (h *historySink) apply(ev engine.Event) {
	if h == nil {
		return
	}
	// Attempts finishing during shutdown are still recorded.
	if err := h.store.RecordEvent(stdcontext.Background(), ev); err != nil {
		h.log.WithError(err).WithField("job", ev.Job).Warn("could not record attempt history")
	}
}

func (h *historySink) Close() {
	if h == nil {
		return
	}
	if err := h.store.Close(); err != nil {
		h.log.WithError(err).Warn("close history database")
	}
}
