// Package engine runs jobs under watchdog supervision, retrying failed
// attempts with backoff and recording each attempt in its own console log.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	units "github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Paintersrp/cheese/internal/config"
	"github.com/Paintersrp/cheese/internal/logging"
	"github.com/Paintersrp/cheese/internal/logsink"
	"github.com/Paintersrp/cheese/internal/metrics"
	"github.com/Paintersrp/cheese/internal/process"
	"github.com/Paintersrp/cheese/internal/watchdog"
)

var (
	// ErrJobFailed is returned when the only permitted attempt failed.
	ErrJobFailed = errors.New("job failed")
	// ErrRetriesExhausted is returned when every permitted retry failed.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrSessionExpired is returned when the session budget ran out before
	// an attempt could start.
	ErrSessionExpired = errors.New("session time limit exhausted")
	// ErrAttemptLog is returned when the console log of an attempt cannot be
	// created; the command is not started.
	ErrAttemptLog = errors.New("cannot open attempt log")
)

// Job is a single supervised command together with its policies.
type Job struct {
	Name        string
	Spec        process.Spec
	IdleTimeout time.Duration
	MaxRun      time.Duration
	Policy      RetryPolicy
	// LogDir receives the session and attempt logs. Empty disables log files.
	LogDir string
}

// JobFromConfig builds a Job from a loaded job file entry.
func JobFromConfig(name string, spec *config.JobSpec, logDir string) Job {
	job := Job{
		Name:   name,
		LogDir: logDir,
		Policy: DefaultRetryPolicy(),
	}
	if spec == nil {
		return job
	}
	job.Spec = process.Spec{
		Name:    name,
		Command: append([]string(nil), spec.Command...),
		Dir:     spec.ResolvedWorkdir,
	}
	if len(spec.Env) > 0 {
		env := make(map[string]string, len(spec.Env))
		for k, v := range spec.Env {
			env[k] = v
		}
		job.Spec.Env = env
	}
	job.IdleTimeout = spec.IdleTimeout.Duration
	job.MaxRun = spec.MaxRun.Duration
	job.Policy = DerivePolicy(spec.Retry)
	return job
}

// JobsFromFile converts every job of a loaded file, in run order.
func JobsFromFile(doc *config.File) []Job {
	names := doc.JobsSorted()
	jobs := make([]Job, 0, len(names))
	for _, name := range names {
		jobs = append(jobs, JobFromConfig(name, doc.Jobs[name], doc.LogDirectory()))
	}
	return jobs
}

// Outcome summarises every attempt of a job.
type Outcome struct {
	Job string
	// RunID identifies this run of the job in events, logs and history.
	RunID    string
	Attempts int
	// Result is the result of the last attempt.
	Result     process.Result
	SessionLog string
	LogFiles   []string
	Elapsed    time.Duration
	Err        error
}

// Succeeded reports whether the last attempt exited cleanly.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// LaunchFunc starts the process described by spec.
type LaunchFunc func(ctx context.Context, spec process.Spec) (process.Handle, error)

func startProcess(ctx context.Context, spec process.Spec) (process.Handle, error) {
	p, err := process.Start(ctx, spec)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Option customises a Runner.
type Option func(*Runner)

// WithLauncher replaces the function used to start processes.
func WithLauncher(launch LaunchFunc) Option {
	return func(r *Runner) {
		if launch != nil {
			r.launch = launch
		}
	}
}

// WithLogger sets the logger receiving runner diagnostics.
func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

// WithConsole echoes child output to w.
func WithConsole(w io.Writer) Option {
	return func(r *Runner) {
		r.console = w
	}
}

// WithEvents publishes lifecycle events on ch. The runner blocks on sends, so
// the caller must keep draining ch while jobs run.
func WithEvents(ch chan<- Event) Option {
	return func(r *Runner) {
		r.events = ch
	}
}

// WithSessionLimit bounds the total time all attempts of all jobs run by the
// runner may take, measured from NewRunner.
func WithSessionLimit(d time.Duration) Option {
	return func(r *Runner) {
		r.sessionLimit = d
	}
}

// Runner executes jobs one at a time.
type Runner struct {
	launch  LaunchFunc
	log     logrus.FieldLogger
	console io.Writer
	events  chan<- Event

	sessionLimit    time.Duration
	sessionDeadline time.Time

	now    func() time.Time
	newID  func() string
	jitter func(time.Duration) time.Duration
	sleep  func(context.Context, time.Duration) error
}

// NewRunner constructs a runner. The session clock starts here.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		launch: startProcess,
		log:    logging.Discard(),
		now:    time.Now,
		newID:  uuid.NewString,
		jitter: defaultJitter,
		sleep:  sleepWithContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sessionLimit > 0 {
		r.sessionDeadline = r.now().Add(r.sessionLimit)
	}
	return r
}

// RunAll runs jobs sequentially in the given order. It stops early only when
// ctx is cancelled; the returned error joins the failures of all jobs.
func (r *Runner) RunAll(ctx context.Context, jobs []Job) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(jobs))
	var errs []error
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		out := r.Run(ctx, job)
		outcomes = append(outcomes, out)
		if out.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", job.Name, out.Err))
		}
	}
	return outcomes, errors.Join(errs...)
}

// Run executes job until an attempt succeeds, the retry policy gives up, the
// session budget is spent or ctx is cancelled.
func (r *Runner) Run(ctx context.Context, job Job) (out Outcome) {
	started := r.now()
	runID := r.newID()
	out = Outcome{Job: job.Name, RunID: runID}
	defer func() { out.Elapsed = r.now().Sub(started) }()

	policy := job.Policy.normalized()
	sess, err := r.openSession(job, runID, started)
	if err != nil {
		out.Err = err
		r.emit(runID, Event{Job: job.Name, Type: EventTypeFailed, Message: "cannot open session log", Reason: ReasonLogFailure, Err: err})
		return out
	}
	defer sess.Close()
	out.SessionLog = sess.path

	sess.log.WithFields(logrus.Fields{
		"command":      logsink.CommandLine(job.Spec.Command),
		"idle_timeout": durationField(job.IdleTimeout),
		"max_run":      durationField(job.MaxRun),
		"max_retry":    policy.MaxRetries,
		"run_id":       runID,
	}).Info("job session started")

	backoff := policy.Min
	for attempt := 1; ; attempt++ {
		out.Attempts = attempt
		if err := ctx.Err(); err != nil {
			out.Err = err
			sess.log.WithError(err).Warn("job cancelled")
			r.emit(runID, Event{Job: job.Name, Type: EventTypeFailed, Attempt: attempt, Message: "job cancelled", Reason: ReasonCanceled, Err: err})
			return out
		}

		maxRun, err := r.attemptBudget(job.MaxRun)
		if err != nil {
			out.Err = err
			sess.log.WithError(err).Error("refusing to start a new attempt")
			r.emit(runID, Event{Job: job.Name, Type: EventTypeFailed, Attempt: attempt, Message: "session budget spent", Reason: ReasonSessionExpired, Err: err})
			return out
		}

		reason := ReasonInitialStart
		if attempt > 1 {
			reason = ReasonRetry
		}
		r.emit(runID, Event{Job: job.Name, Type: EventTypeStarting, Attempt: attempt, Message: "starting job", Reason: reason})

		res, logPath, runErr := r.attempt(ctx, job, maxRun, sess)
		if logPath != "" {
			out.LogFiles = append(out.LogFiles, logPath)
		}
		out.Result = res

		failure := r.record(job, attempt, res, runErr, logPath, sess)
		if failure == nil {
			out.Err = nil
			return out
		}

		retries := attempt - 1
		if !policy.allowRetry(retries) || ctx.Err() != nil {
			if policy.MaxRetries > 0 {
				sess.log.Errorf("The %s retrying count %d all exhausted.", job.Name, policy.MaxRetries)
				out.Err = fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempt, failure)
				r.emit(runID, Event{Job: job.Name, Type: EventTypeFailed, Attempt: attempt, Message: "retries exhausted", Reason: ReasonRetriesExhaust, ExitCode: res.ExitCode, Err: failure})
			} else {
				out.Err = fmt.Errorf("%w: %v", ErrJobFailed, failure)
				r.emit(runID, Event{Job: job.Name, Type: EventTypeFailed, Attempt: attempt, Message: "job failed", Reason: reasonFor(res, runErr), ExitCode: res.ExitCode, Err: failure})
			}
			return out
		}

		delay, next := policy.nextBackoff(backoff)
		backoff = next
		delay = r.jitter(delay)
		if delay > policy.Max {
			delay = policy.Max
		}
		if delay < 0 {
			delay = 0
		}

		limit := strconv.Itoa(policy.MaxRetries)
		if policy.MaxRetries < 0 {
			limit = "unlimited"
		}
		msg := fmt.Sprintf("Retrying %s %d/%s ...", job.Name, attempt, limit)
		sess.log.WithField("delay", durationField(delay)).Warn(msg)
		metrics.IncrementRetry(job.Name)
		r.emit(runID, Event{Job: job.Name, Type: EventTypeRetrying, Attempt: attempt, Message: msg, Reason: reasonFor(res, runErr), ExitCode: res.ExitCode})

		if err := r.sleep(ctx, delay); err != nil {
			out.Err = err
			r.emit(runID, Event{Job: job.Name, Type: EventTypeFailed, Attempt: attempt, Message: "job cancelled", Reason: ReasonCanceled, Err: err})
			return out
		}
	}
}

// attemptBudget clips maxRun to what is left of the session.
func (r *Runner) attemptBudget(maxRun time.Duration) (time.Duration, error) {
	if r.sessionDeadline.IsZero() {
		return maxRun, nil
	}
	remaining := r.sessionDeadline.Sub(r.now())
	if remaining <= 0 {
		return 0, fmt.Errorf("%w (limit %s)", ErrSessionExpired, durationField(r.sessionLimit))
	}
	if maxRun <= 0 || remaining < maxRun {
		return remaining, nil
	}
	return maxRun, nil
}

func (r *Runner) attempt(ctx context.Context, job Job, maxRun time.Duration, sess *session) (process.Result, string, error) {
	logw, logPath, closeLog, err := sess.openAttempt(job.Spec.Command, r.now())
	if err != nil {
		return process.Result{ExitCode: -1}, "", fmt.Errorf("%w: %w", ErrAttemptLog, err)
	}
	defer closeLog()

	h, err := r.launch(ctx, job.Spec)
	if err != nil {
		if logw != nil {
			fmt.Fprintf(logw, "start failed: %v\n", err)
		}
		return process.Result{ExitCode: -1}, logPath, err
	}

	res, err := process.LogAndPrint(h, job.IdleTimeout, maxRun, logw, r.console,
		process.WithLogger(r.log.WithField("job", job.Name)),
		process.WithName(job.Name),
	)
	if logw != nil && res.Killed() {
		fmt.Fprintf(logw, "\n%s\n", killMessage(res))
	}
	return res, logPath, err
}

// record logs, counts and publishes the result of one attempt. It returns
// nil when the attempt succeeded.
func (r *Runner) record(job Job, attempt int, res process.Result, runErr error, logPath string, sess *session) error {
	entry := sess.log.WithFields(logrus.Fields{
		"attempt":   attempt,
		"exit_code": res.ExitCode,
		"duration":  durationField(res.Duration),
	})

	switch {
	case errors.Is(runErr, ErrAttemptLog):
		metrics.RecordRun(job.Name, metrics.OutcomeFailed, 0)
		entry.WithError(runErr).Error("could not open attempt log")
		r.emit(sess.runID, Event{Job: job.Name, Type: EventTypeCrashed, Attempt: attempt, Message: "attempt log failed", Reason: ReasonLogFailure, ExitCode: res.ExitCode, Err: runErr})
		return runErr
	case runErr != nil && res.Duration == 0:
		metrics.RecordRun(job.Name, metrics.OutcomeFailed, 0)
		entry.WithError(runErr).Error("could not start job")
		r.emit(sess.runID, Event{Job: job.Name, Type: EventTypeCrashed, Attempt: attempt, Message: "start failed", Reason: ReasonStartFailure, ExitCode: res.ExitCode, Err: runErr})
		return runErr
	case res.Killed():
		metrics.RecordRun(job.Name, metrics.OutcomeKilled, res.Duration)
		metrics.RecordKill(job.Name, res.Cause.String())
		entry.Error(killMessage(res))
		r.emit(sess.runID, Event{
			Job:      job.Name,
			Type:     EventTypeKilled,
			Attempt:  attempt,
			Message:  killMessage(res),
			Reason:   reasonFor(res, runErr),
			ExitCode: res.ExitCode,
			KilledAt: res.KilledAt,
			Cause:    res.Cause.String(),
			Duration: res.Duration,
			Err:      runErr,
		})
		return fmt.Errorf("killed on %s, exit code %d", res.Cause, res.ExitCode)
	case runErr != nil || res.ExitCode != 0:
		metrics.RecordRun(job.Name, metrics.OutcomeFailed, res.Duration)
		msg := fmt.Sprintf("%s run fail, exitcode=%d", job.Name, res.ExitCode)
		if logPath != "" {
			entry = entry.WithField("console_log", logPath)
		}
		if runErr != nil {
			entry = entry.WithError(runErr)
		}
		entry.Error(msg)
		r.emit(sess.runID, Event{Job: job.Name, Type: EventTypeCrashed, Attempt: attempt, Message: msg, Reason: ReasonNonZeroExit, ExitCode: res.ExitCode, Duration: res.Duration, Err: runErr})
		if runErr != nil {
			return runErr
		}
		return fmt.Errorf("exit code %d", res.ExitCode)
	default:
		metrics.RecordRun(job.Name, metrics.OutcomeSuccess, res.Duration)
		entry.Infof("%s run success.", job.Name)
		r.emit(sess.runID, Event{Job: job.Name, Type: EventTypeCompleted, Attempt: attempt, Message: "job completed", Reason: ReasonSuccess, Duration: res.Duration})
		return nil
	}
}

func (r *Runner) emit(runID string, ev Event) {
	ev.RunID = runID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now()
	}
	sendEvent(r.events, ev)
}

func reasonFor(res process.Result, runErr error) string {
	switch {
	case res.Cause == watchdog.CauseIdle:
		return ReasonIdleTimeout
	case res.Cause == watchdog.CauseDeadline:
		return ReasonMaxRun
	case errors.Is(runErr, ErrAttemptLog):
		return ReasonLogFailure
	case runErr != nil && res.Duration == 0:
		return ReasonStartFailure
	default:
		return ReasonNonZeroExit
	}
}

func killMessage(res process.Result) string {
	return fmt.Sprintf("Kill signal has been issued at %s (%s).", res.KilledAt.Format("2006-01-02 15:04:05.000"), res.Cause)
}

func durationField(d time.Duration) string {
	if d <= 0 {
		return "none"
	}
	return units.HumanDuration(d)
}

// session holds the per-run log of a job and the logger writing to it. When
// the job has no log directory the logger only reaches the runner's logger.
type session struct {
	runID string
	path  string
	file  *os.File
	log   logrus.FieldLogger
}

func (r *Runner) openSession(job Job, runID string, now time.Time) (*session, error) {
	base := r.log.WithField("job", job.Name)
	if job.LogDir == "" {
		return &session{runID: runID, log: base}, nil
	}

	f, err := logsink.CreateWithSeq(logsink.SessionPattern(job.LogDir, job.Name, now))
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}

	fileLog := logrus.New()
	fileLog.SetOutput(f)
	fileLog.SetLevel(logrus.DebugLevel)
	fileLog.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	fileLog.AddHook(&forwardHook{to: base})

	return &session{runID: runID, path: f.Name(), file: f, log: fileLog.WithField("job", job.Name)}, nil
}

// openAttempt creates the console log for one attempt and writes its banner.
func (s *session) openAttempt(argv []string, now time.Time) (io.Writer, string, func(), error) {
	if s.file == nil {
		return nil, "", func() {}, nil
	}
	f, err := logsink.CreateWithSeq(logsink.AttemptPattern(s.path))
	if err != nil {
		return nil, "", nil, err
	}
	if err := logsink.WriteBanner(f, now, argv); err != nil {
		f.Close()
		return nil, "", nil, fmt.Errorf("write log banner: %w", err)
	}
	return f, f.Name(), func() { _ = f.Close() }, nil
}

func (s *session) Close() {
	if s.file != nil {
		_ = s.file.Close()
	}
}

// forwardHook copies session log entries to the runner's logger so that the
// terminal shows the same lifecycle lines as the session file.
type forwardHook struct {
	to logrus.FieldLogger
}

func (h *forwardHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *forwardHook) Fire(e *logrus.Entry) error {
	fields := make(logrus.Fields, len(e.Data))
	for k, v := range e.Data {
		if k == "job" {
			continue
		}
		fields[k] = v
	}
	h.to.WithFields(fields).Log(e.Level, e.Message)
	return nil
}
