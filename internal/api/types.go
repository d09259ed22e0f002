// Package api describes the read-only job status exposed while cheese runs
// a job file.
package api

import (
	stdcontext "context"
	"errors"
	"time"

	"github.com/Paintersrp/cheese/internal/engine"
)

// ErrUnknownJob is returned when a report is requested for a job that has
// not produced any event yet.
var ErrUnknownJob = errors.New("unknown job")

// JobTransition records one lifecycle event of a job.
type JobTransition struct {
	Timestamp time.Time        `json:"timestamp"`
	Type      engine.EventType `json:"type"`
	Attempt   int              `json:"attempt"`
	Reason    string           `json:"reason"`
	Message   string           `json:"message"`
}

// JobReport describes the observed state of a single job.
type JobReport struct {
	Name         string           `json:"name"`
	State        engine.EventType `json:"state"`
	Attempts     int              `json:"attempts"`
	Kills        int              `json:"kills"`
	LastExitCode int              `json:"last_exit_code"`
	LastCause    string           `json:"last_cause,omitempty"`
	LastKilledAt *time.Time       `json:"last_killed_at,omitempty"`
	Message      string           `json:"message"`
	LastReason   string           `json:"last_reason"`
	FirstSeen    time.Time        `json:"first_seen"`
	LastEvent    time.Time        `json:"last_event"`
	History      []JobTransition  `json:"history"`
}

// Running reports whether the job has started an attempt that has not
// finished yet.
func (r JobReport) Running() bool {
	return r.State == engine.EventTypeStarting
}

// StatusReport aggregates the state of every job seen so far.
type StatusReport struct {
	GeneratedAt time.Time            `json:"generated_at"`
	Jobs        map[string]JobReport `json:"jobs"`
}

// Provider exposes job status to control servers.
type Provider interface {
	Status(stdcontext.Context) (*StatusReport, error)
	Job(stdcontext.Context, string) (*JobReport, error)
}
