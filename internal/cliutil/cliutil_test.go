package cliutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Paintersrp/cheese/internal/engine"
	"github.com/Paintersrp/cheese/internal/history"
	"github.com/Paintersrp/cheese/internal/process"
	"github.com/Paintersrp/cheese/internal/watchdog"
)

func TestEncodeEventInfersLevel(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		expected string
	}{
		{name: "errorToken", message: "[ERROR] rsync failed", expected: "error"},
		{name: "warnToken", message: "WARN retrying soon", expected: "warn"},
		{name: "infoToken", message: "info: job started", expected: "info"},
		{name: "noTokenDefaults", message: "job started", expected: "info"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var out, errBuf bytes.Buffer
			EncodeEvent(json.NewEncoder(&out), &errBuf, engine.Event{Timestamp: time.Unix(0, 0), Message: tc.message})

			if errBuf.Len() != 0 {
				t.Fatalf("unexpected stderr output: %s", errBuf.String())
			}
			var record EventRecord
			if err := json.Unmarshal(out.Bytes(), &record); err != nil {
				t.Fatalf("failed to unmarshal event record: %v", err)
			}
			if record.Level != tc.expected {
				t.Fatalf("expected level %q, got %q", tc.expected, record.Level)
			}
		})
	}
}

func TestEncodeEventCarriesKillDetails(t *testing.T) {
	killedAt := time.Date(2024, 7, 14, 3, 0, 0, 0, time.UTC)
	var out, errBuf bytes.Buffer
	EncodeEvent(json.NewEncoder(&out), &errBuf, engine.Event{
		Timestamp: killedAt,
		Job:       "home",
		Type:      engine.EventTypeKilled,
		Level:     "warn",
		Attempt:   2,
		ExitCode:  137,
		KilledAt:  killedAt,
		Cause:     "idle_timeout",
		Err:       errors.New("read failed"),
	})

	var raw map[string]any
	if err := json.Unmarshal(out.Bytes(), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if raw["job"] != "home" || raw["type"] != "killed" || raw["cause"] != "idle_timeout" || raw["error"] != "read failed" {
		t.Fatalf("unexpected record %v", raw)
	}
	if raw["exit_code"] != float64(137) || raw["attempt"] != float64(2) {
		t.Fatalf("unexpected numbers %v", raw)
	}
	if raw["killed_at"] != "2024-07-14T03:00:00Z" {
		t.Fatalf("unexpected killed_at %v", raw["killed_at"])
	}
}

func TestEncodeEventOmitsUnsetKill(t *testing.T) {
	var out bytes.Buffer
	EncodeEvent(json.NewEncoder(&out), &bytes.Buffer{}, engine.Event{Job: "home", Type: engine.EventTypeCompleted})
	if strings.Contains(out.String(), "killed_at") {
		t.Fatalf("killed_at should be omitted: %s", out.String())
	}
	if !strings.Contains(out.String(), `"ts":`) {
		t.Fatalf("timestamp should be filled in: %s", out.String())
	}
}

func TestRenderSummary(t *testing.T) {
	outcomes := []engine.Outcome{
		{Job: "home", Attempts: 1, Elapsed: 90 * time.Second, SessionLog: "/logs/home/home.20240714.run0.log"},
		{
			Job:      "media",
			Attempts: 3,
			Result:   process.Result{ExitCode: 137, KilledAt: time.Now(), Cause: watchdog.CauseDeadline},
			Err:      engine.ErrRetriesExhausted,
		},
		{Job: "svn", Attempts: 1, Result: process.Result{ExitCode: 2}, Err: engine.ErrJobFailed},
	}

	var buf bytes.Buffer
	if err := RenderSummary(&buf, outcomes); err != nil {
		t.Fatalf("render: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"home", "ok", "killed (max_run_exceeded)", "137", "failed", "home.20240714.run0.log"} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestNewGrabRecord(t *testing.T) {
	rec := NewGrabRecord("hello\n", process.Result{ExitCode: 0})
	if rec.KilledAt != nil || rec.Cause != "none" || rec.Output != "hello\n" {
		t.Fatalf("unexpected record %+v", rec)
	}

	at := time.Now()
	rec = NewGrabRecord("", process.Result{ExitCode: 137, KilledAt: at, Cause: watchdog.CauseIdle})
	if rec.KilledAt == nil || !rec.KilledAt.Equal(at) || rec.Cause != "idle_timeout" {
		t.Fatalf("unexpected killed record %+v", rec)
	}
}

func TestHumanDuration(t *testing.T) {
	if got := HumanDuration(0); got != "-" {
		t.Fatalf("zero duration = %q", got)
	}
	if got := HumanDuration(250 * time.Millisecond); got != "250ms" {
		t.Fatalf("sub-second duration = %q", got)
	}
	if got := HumanDuration(90 * time.Second); got != "About a minute" {
		t.Fatalf("minute duration = %q", got)
	}
}

func TestRenderHistory(t *testing.T) {
	killedAt := time.Date(2024, 7, 14, 3, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	err := RenderHistory(&buf, []history.Attempt{
		{RunID: "0f8e2d7c-1111-4222-8333-444455556666", Job: "home", Attempt: 1, Outcome: "killed", ExitCode: 137, Cause: "idle_timeout", KilledAt: &killedAt, FinishedAt: killedAt, Duration: 2 * time.Minute},
		{RunID: "0f8e2d7c-1111-4222-8333-444455556666", Job: "home", Attempt: 2, Outcome: "success", FinishedAt: killedAt.Add(time.Hour), Duration: 40 * time.Minute},
	})
	if err != nil {
		t.Fatalf("render history: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"0f8e2d7c", "killed (idle_timeout)", "137", "success"} {
		if !strings.Contains(out, want) {
			t.Fatalf("history table missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "1111-4222") {
		t.Fatalf("run id should be shortened:\n%s", out)
	}
}
