package engine

import (
	"time"
)

// EventType captures the lifecycle notifications emitted while a job runs.
type EventType string

const (
	EventTypeStarting  EventType = "starting"
	EventTypeCompleted EventType = "completed"
	EventTypeKilled    EventType = "killed"
	EventTypeCrashed   EventType = "crashed"
	EventTypeRetrying  EventType = "retrying"
	EventTypeFailed    EventType = "failed"
)

// Event represents a single lifecycle notification for a job attempt.
type Event struct {
	Timestamp time.Time
	Job       string
	RunID     string
	Type      EventType
	Message   string
	Level     string
	Attempt   int
	Reason    string
	ExitCode  int
	KilledAt  time.Time
	Cause     string
	// Duration is set on events that end an attempt.
	Duration time.Duration
	Err      error
}

const (
	ReasonInitialStart   = "initial_start"
	ReasonRetry          = "retry"
	ReasonStartFailure   = "start_failure"
	ReasonNonZeroExit    = "non_zero_exit"
	ReasonIdleTimeout    = "idle_timeout"
	ReasonMaxRun         = "max_run_exceeded"
	ReasonRetriesExhaust = "retries_exhausted"
	ReasonSessionExpired = "session_expired"
	ReasonLogFailure     = "log_failure"
	ReasonCanceled       = "canceled"
	ReasonSuccess        = "success"
)

func levelFor(t EventType) string {
	switch t {
	case EventTypeKilled, EventTypeRetrying, EventTypeCrashed:
		return "warn"
	case EventTypeFailed:
		return "error"
	default:
		return "info"
	}
}

func sendEvent(events chan<- Event, ev Event) {
	if events == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Level == "" {
		ev.Level = levelFor(ev.Type)
	}
	events <- ev
}
