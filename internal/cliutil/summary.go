package cliutil

import (
	"fmt"
	"io"
	"strconv"
	"time"

	units "github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"

	"github.com/Paintersrp/cheese/internal/engine"
	"github.com/Paintersrp/cheese/internal/history"
	"github.com/Paintersrp/cheese/internal/process"
)

// Status renders the final state of a job for humans.
func Status(o engine.Outcome) string {
	switch {
	case o.Succeeded():
		return "ok"
	case o.Result.Killed():
		return fmt.Sprintf("killed (%s)", o.Result.Cause)
	default:
		return "failed"
	}
}

// RenderSummary writes one table row per job outcome.
func RenderSummary(w io.Writer, outcomes []engine.Outcome) error {
	table := tablewriter.NewWriter(w)
	table.Header("Job", "Status", "Attempts", "Exit", "Elapsed", "Session Log")
	for _, o := range outcomes {
		logPath := o.SessionLog
		if logPath == "" {
			logPath = "-"
		}
		if err := table.Append(o.Job, Status(o), strconv.Itoa(o.Attempts), strconv.Itoa(o.Result.ExitCode), HumanDuration(o.Elapsed), logPath); err != nil {
			return fmt.Errorf("render summary: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("render summary: %w", err)
	}
	return nil
}

// HumanDuration formats d for tables and log lines.
func HumanDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return units.HumanDuration(d)
}

// GrabRecord is the JSON form of a grabbed run.
type GrabRecord struct {
	ExitCode int        `json:"exit_code"`
	KilledAt *time.Time `json:"killed_at"`
	Cause    string     `json:"cause"`
	Duration string     `json:"duration"`
	Output   string     `json:"output"`
}

// NewGrabRecord converts a grabbed run into its JSON form.
func NewGrabRecord(output string, res process.Result) GrabRecord {
	record := GrabRecord{
		ExitCode: res.ExitCode,
		Cause:    res.Cause.String(),
		Duration: res.Duration.String(),
		Output:   output,
	}
	if res.Killed() {
		at := res.KilledAt
		record.KilledAt = &at
	}
	return record
}

// RenderHistory writes one table row per recorded attempt.
func RenderHistory(w io.Writer, attempts []history.Attempt) error {
	table := tablewriter.NewWriter(w)
	table.Header("Finished", "Job", "Run", "Try", "Outcome", "Exit", "Duration", "Killed At")
	for _, a := range attempts {
		outcome := a.Outcome
		if a.Cause != "" && a.Cause != "none" {
			outcome = fmt.Sprintf("%s (%s)", a.Outcome, a.Cause)
		}
		killedAt := "-"
		if a.KilledAt != nil {
			killedAt = a.KilledAt.Local().Format("2006-01-02 15:04:05")
		}
		if err := table.Append(
			a.FinishedAt.Local().Format("2006-01-02 15:04:05"),
			a.Job,
			shortID(a.RunID),
			strconv.Itoa(a.Attempt),
			outcome,
			strconv.Itoa(a.ExitCode),
			HumanDuration(a.Duration),
			killedAt,
		); err != nil {
			return fmt.Errorf("render history: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("render history: %w", err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
