package watchdog

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Paintersrp/cheese/internal/logging"
)

// Cause identifies which policy made the watchdog fire.
type Cause int

const (
	// CauseNone means the termination action was never invoked.
	CauseNone Cause = iota
	// CauseIdle means no Feed arrived within the idle timeout.
	CauseIdle
	// CauseDeadline means the absolute run-time budget was spent.
	CauseDeadline
)

func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseIdle:
		return "idle_timeout"
	case CauseDeadline:
		return "max_run_exceeded"
	default:
		return fmt.Sprintf("cause(%d)", int(c))
	}
}

// Option customises a Watchdog.
type Option func(*Watchdog)

// WithName labels the watchdog in log output.
func WithName(name string) Option {
	return func(w *Watchdog) {
		w.name = name
	}
}

// WithLogger routes the watchdog's diagnostic output to the provided logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(w *Watchdog) {
		if log != nil {
			w.log = log
		}
	}
}

// WithRecover makes the monitor goroutine log and swallow a panic raised by
// the termination action instead of crashing the program.
func WithRecover() Option {
	return func(w *Watchdog) {
		w.recover = true
	}
}

// Watchdog monitors forward progress reported through Feed and calls its
// termination action once the idle timeout or the absolute deadline elapses.
// A Watchdog is single use: it is started once and stops for good after
// WorkDone or after firing.
type Watchdog struct {
	name    string
	log     logrus.FieldLogger
	recover bool
	action  func()

	mu           sync.Mutex
	idle         time.Duration
	idleDeadline time.Time
	deadline     time.Time
	started      bool
	firedAt      time.Time
	cause        Cause

	startOnce sync.Once
	doneOnce  sync.Once
	done      chan struct{}
	rearm     chan struct{}
	exited    chan struct{}
}

// New constructs a watchdog. A non-positive idle disables the idle policy and
// a non-positive maxRun disables the absolute deadline. The absolute deadline
// is anchored at the time New is called. onTimeout must be safe to call from
// a goroutine other than the one doing the work.
func New(idle, maxRun time.Duration, onTimeout func(), opts ...Option) *Watchdog {
	if onTimeout == nil {
		onTimeout = func() {}
	}
	w := &Watchdog{
		log:    logging.Discard(),
		action: onTimeout,
		done:   make(chan struct{}),
		rearm:  make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.WithField("watchdog", w.name)
	w.SetNewTimeout(idle, maxRun)
	return w
}

// SetNewTimeout replaces both policies. The absolute deadline is recomputed
// relative to the moment of this call, not to the original arm time, so
// re-arming a watchdog extends the total budget.
func (w *Watchdog) SetNewTimeout(idle, maxRun time.Duration) {
	now := time.Now()

	w.mu.Lock()
	if idle > 0 {
		w.idle = idle
		w.idleDeadline = now.Add(idle)
	} else {
		w.idle = 0
		w.idleDeadline = time.Time{}
	}
	if maxRun > 0 {
		w.deadline = now.Add(maxRun)
	} else {
		w.deadline = time.Time{}
	}
	w.mu.Unlock()

	select {
	case w.rearm <- struct{}{}:
	default:
	}
}

// Start launches the monitor goroutine. Only the first call has an effect.
// The idle clock starts counting from here even if Feed is never called.
func (w *Watchdog) Start() {
	w.startOnce.Do(func() {
		w.mu.Lock()
		w.started = true
		if w.idle > 0 {
			w.idleDeadline = time.Now().Add(w.idle)
		}
		fields := logrus.Fields{
			"idle":     w.idle.String(),
			"deadline": w.deadlineStringLocked(),
		}
		w.mu.Unlock()

		w.log.WithFields(fields).Debug("watchdog armed")
		go w.run()
	})
}

// Feed records forward progress and pushes the idle deadline out by the idle
// timeout. It does nothing when the idle policy is disabled.
func (w *Watchdog) Feed() {
	w.mu.Lock()
	if w.idle > 0 {
		w.idleDeadline = time.Now().Add(w.idle)
	}
	w.mu.Unlock()
}

// WorkDone tells the monitor that the guarded work has finished. It is safe
// to call any number of times, before Start, and after the watchdog fired.
func (w *Watchdog) WorkDone() {
	w.doneOnce.Do(func() {
		w.log.Debug("watchdog work done")
		close(w.done)
	})
}

// Wait blocks until the monitor goroutine has exited. It returns immediately
// when Start was never called. Callers normally call WorkDone first.
func (w *Watchdog) Wait() {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return
	}
	<-w.exited
}

// Fired reports when the termination action was invoked and which policy
// triggered it. The zero time and CauseNone mean it never fired.
func (w *Watchdog) Fired() (time.Time, Cause) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.firedAt, w.cause
}

func (w *Watchdog) run() {
	defer close(w.exited)

	for {
		select {
		case <-w.done:
			return
		default:
		}

		w.mu.Lock()
		now := time.Now()
		wait, cause, bounded := w.nextWaitLocked(now)
		if bounded && wait <= 0 {
			w.firedAt = now
			w.cause = cause
			w.mu.Unlock()
			w.fire(cause)
			return
		}
		w.mu.Unlock()

		if !bounded {
			select {
			case <-w.done:
				return
			case <-w.rearm:
				continue
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-w.done:
			timer.Stop()
			return
		case <-w.rearm:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// nextWaitLocked returns how long the monitor may sleep before the nearest
// enabled deadline, the policy owning that deadline, and whether any policy
// is enabled at all. w.mu must be held.
func (w *Watchdog) nextWaitLocked(now time.Time) (time.Duration, Cause, bool) {
	idleOn := w.idle > 0
	deadlineOn := !w.deadline.IsZero()

	switch {
	case idleOn && deadlineOn:
		if w.deadline.After(w.idleDeadline) {
			return w.idleDeadline.Sub(now), CauseIdle, true
		}
		return w.deadline.Sub(now), CauseDeadline, true
	case idleOn:
		return w.idleDeadline.Sub(now), CauseIdle, true
	case deadlineOn:
		return w.deadline.Sub(now), CauseDeadline, true
	default:
		return 0, CauseNone, false
	}
}

func (w *Watchdog) fire(cause Cause) {
	if w.recover {
		defer func() {
			if r := recover(); r != nil {
				w.log.WithField("panic", r).Error("watchdog termination action panicked")
			}
		}()
	}
	w.log.WithField("cause", cause.String()).Warn("watchdog timeout, invoking termination action")
	w.action()
}

func (w *Watchdog) deadlineStringLocked() string {
	if w.deadline.IsZero() {
		return "none"
	}
	return w.deadline.Format(time.RFC3339)
}
