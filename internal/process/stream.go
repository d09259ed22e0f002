package process

import (
	"bufio"
	"errors"
	"io"
	"iter"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Paintersrp/cheese/internal/logging"
	"github.com/Paintersrp/cheese/internal/procgroup"
	"github.com/Paintersrp/cheese/internal/watchdog"
)

// maxChunk is the largest chunk delivered at once. Longer lines arrive split
// across several chunks.
const maxChunk = 1 << 20

// Result is the outcome of a supervised run.
type Result struct {
	// ExitCode is the child's exit code; 128+N when it died from signal N.
	ExitCode int
	// KilledAt is when the watchdog issued the kill. The zero value means the
	// child was never killed.
	KilledAt time.Time
	// Cause says which limit triggered the kill.
	Cause watchdog.Cause
	// Duration is the wall time from arming the watchdog to reaping the child.
	Duration time.Duration
}

// Killed reports whether the watchdog killed the child.
func (r Result) Killed() bool {
	return !r.KilledAt.IsZero()
}

// Option customises Supervise.
type Option func(*options)

type options struct {
	log  logrus.FieldLogger
	name string
}

// WithLogger sets the logger used for kill diagnostics.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithName labels the run in log output.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// Stream iterates over a supervised child's output. Use it like
// bufio.Scanner and always Close it:
//
//	s := process.Supervise(p, idle, maxRun)
//	defer s.Close()
//	for s.Next() {
//		handle(s.Bytes())
//	}
//	res, err := s.Close()
type Stream struct {
	h       Handle
	dog     *watchdog.Watchdog
	log     logrus.FieldLogger
	reader  *bufio.Reader
	started time.Time

	chunk []byte
	eof   bool
	err   error

	closeOnce sync.Once
	result    Result
	closeErr  error
}

// Supervise arms a watchdog bound to h.Kill and returns a stream over h's
// output. The idle and maxRun limits are disabled when non-positive; with
// both disabled the stream behaves like a plain blocking read loop.
func Supervise(h Handle, idle, maxRun time.Duration, opts ...Option) *Stream {
	o := options{log: logging.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log.WithField("pid", h.Pid())
	if o.name != "" {
		log = log.WithField("job", o.name)
	}

	s := &Stream{
		h:       h,
		log:     log,
		reader:  bufio.NewReaderSize(h.Output(), maxChunk),
		started: time.Now(),
	}
	s.dog = watchdog.New(idle, maxRun, s.terminate,
		watchdog.WithName(o.name),
		watchdog.WithLogger(log),
		watchdog.WithRecover(),
	)
	s.dog.Start()
	return s
}

func (s *Stream) terminate() {
	if info, err := procgroup.Describe(s.h.Pid()); err == nil {
		s.log.WithField("process", info.String()).Warn("killing stalled process group")
	}
	if err := s.h.Kill(); err != nil {
		s.log.WithError(err).Error("kill failed")
	}
}

// Next advances to the next chunk of output, feeding the watchdog for every
// chunk read. It returns false at end of output or on a read error.
func (s *Stream) Next() bool {
	if s.eof {
		s.chunk = nil
		return false
	}
	chunk, err := s.reader.ReadSlice('\n')
	switch {
	case err == nil, errors.Is(err, bufio.ErrBufferFull):
	case isEndOfOutput(err):
		s.eof = true
	default:
		s.eof = true
		s.err = err
	}
	if len(chunk) == 0 {
		s.chunk = nil
		return false
	}
	s.dog.Feed()
	s.chunk = chunk
	return true
}

// Bytes returns the current chunk including its line terminator, if any. The
// slice is only valid until the next call to Next.
func (s *Stream) Bytes() []byte {
	return s.chunk
}

// Text returns the current chunk as a string without its line terminator.
func (s *Stream) Text() string {
	return strings.TrimRight(string(s.chunk), "\r\n")
}

// Err returns the first read error other than end of output.
func (s *Stream) Err() error {
	return s.err
}

// Lines adapts the stream to a range-over-func sequence of lines without
// terminators. Breaking out of the loop early is fine; Close still has to be
// called afterwards and then stops the child.
func (s *Stream) Lines() iter.Seq[string] {
	return func(yield func(string) bool) {
		for s.Next() {
			if !yield(s.Text()) {
				return
			}
		}
	}
}

// Close finishes the run. When the output was read to the end, the watchdog
// is stopped and joined and the child is reaped. When the consumer stopped
// early, the watchdog is stopped at once and the child, which nobody reads
// any more, is killed before it is reaped; the result then carries the
// child's killed status without a watchdog kill instant. Close is safe to
// call more than once and always returns the same result.
func (s *Stream) Close() (Result, error) {
	s.closeOnce.Do(func() {
		abandoned := !s.eof
		s.dog.WorkDone()
		s.dog.Wait()

		if abandoned {
			s.log.Debug("output abandoned before end, stopping process group")
			if err := s.h.Kill(); err != nil {
				s.log.WithError(err).Warn("stop abandoned process")
			}
		}

		code, err := s.h.Wait()
		killedAt, cause := s.dog.Fired()
		s.result = Result{
			ExitCode: code,
			KilledAt: killedAt,
			Cause:    cause,
			Duration: time.Since(s.started),
		}
		s.closeErr = errors.Join(s.err, err)
	})
	return s.result, s.closeErr
}

func isEndOfOutput(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
