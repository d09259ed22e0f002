package api

import (
	stdcontext "context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Paintersrp/cheese/internal/engine"
	"github.com/Paintersrp/cheese/internal/logsink"
)

const defaultHistorySize = 20

// TrackerOption customises a Tracker.
type TrackerOption func(*Tracker)

// WithHistorySize bounds the number of transitions kept per job.
func WithHistorySize(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.historySize = n
		}
	}
}

// Tracker maintains in-memory job status based on engine events. It
// implements Provider.
type Tracker struct {
	mu          sync.RWMutex
	jobs        map[string]*JobReport
	historySize int
	now         func() time.Time
}

// NewTracker constructs an empty tracker.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		jobs:        make(map[string]*JobReport),
		historySize: defaultHistorySize,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Apply updates the tracker based on the supplied event.
func (t *Tracker) Apply(evt engine.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	job := t.jobs[evt.Job]
	if job == nil {
		job = &JobReport{Name: evt.Job, FirstSeen: evt.Timestamp}
		t.jobs[evt.Job] = job
	}
	if evt.Timestamp.After(job.LastEvent) {
		job.LastEvent = evt.Timestamp
	}

	job.State = evt.Type
	job.LastReason = evt.Reason
	if evt.Attempt > job.Attempts {
		job.Attempts = evt.Attempt
	}

	message := evt.Message
	if message == "" && evt.Err != nil {
		message = evt.Err.Error()
	}
	if evt.Err != nil && evt.Message != "" {
		message = fmt.Sprintf("%s: %v", evt.Message, evt.Err)
	}
	job.Message = logsink.RedactSecrets(message)

	switch evt.Type {
	case engine.EventTypeKilled:
		job.Kills++
		job.LastCause = evt.Cause
		if !evt.KilledAt.IsZero() {
			at := evt.KilledAt
			job.LastKilledAt = &at
		}
		job.LastExitCode = evt.ExitCode
	case engine.EventTypeCompleted, engine.EventTypeCrashed:
		job.LastExitCode = evt.ExitCode
	}

	job.History = append(job.History, JobTransition{
		Timestamp: evt.Timestamp,
		Type:      evt.Type,
		Attempt:   evt.Attempt,
		Reason:    evt.Reason,
		Message:   job.Message,
	})
	if len(job.History) > t.historySize {
		job.History = job.History[len(job.History)-t.historySize:]
	}
}

// Status returns a snapshot of every tracked job.
func (t *Tracker) Status(stdcontext.Context) (*StatusReport, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	report := &StatusReport{
		GeneratedAt: t.now().UTC(),
		Jobs:        make(map[string]JobReport, len(t.jobs)),
	}
	for name, job := range t.jobs {
		report.Jobs[name] = job.clone()
	}
	return report, nil
}

// Job returns a snapshot of a single job.
func (t *Tracker) Job(_ stdcontext.Context, name string) (*JobReport, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	job, ok := t.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	cp := job.clone()
	return &cp, nil
}

// Names returns the known job names sorted alphabetically.
func (t *Tracker) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.jobs))
	for name := range t.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *JobReport) clone() JobReport {
	cp := *r
	if r.LastKilledAt != nil {
		at := *r.LastKilledAt
		cp.LastKilledAt = &at
	}
	cp.History = append([]JobTransition(nil), r.History...)
	return cp
}
