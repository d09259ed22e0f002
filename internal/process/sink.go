package process

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"
)

// LogAndPrint writes every chunk of h's output to logw and echoes it to
// console. Either writer may be nil. Write failures on the sinks are reported
// after the child has been reaped; they never stop supervision.
func LogAndPrint(h Handle, idle, maxRun time.Duration, logw, console io.Writer, opts ...Option) (Result, error) {
	s := Supervise(h, idle, maxRun, opts...)

	var writeErr error
	for s.Next() {
		chunk := s.Bytes()
		if logw != nil {
			if _, err := logw.Write(chunk); err != nil && writeErr == nil {
				writeErr = fmt.Errorf("write log: %w", err)
			}
		}
		if console != nil {
			if _, err := console.Write(chunk); err != nil && writeErr == nil {
				writeErr = fmt.Errorf("write console: %w", err)
			}
		}
	}

	res, err := s.Close()
	if err != nil {
		return res, err
	}
	return res, writeErr
}

// Grab collects all of h's output into a single string.
func Grab(h Handle, idle, maxRun time.Duration, opts ...Option) (string, Result, error) {
	s := Supervise(h, idle, maxRun, opts...)

	var buf bytes.Buffer
	for s.Next() {
		buf.Write(s.Bytes())
	}

	res, err := s.Close()
	return buf.String(), res, err
}

// RunLogged starts spec and runs it through LogAndPrint.
func RunLogged(ctx context.Context, spec Spec, idle, maxRun time.Duration, logw, console io.Writer, opts ...Option) (Result, error) {
	p, err := Start(ctx, spec)
	if err != nil {
		return Result{}, err
	}
	return LogAndPrint(p, idle, maxRun, logw, console, opts...)
}

// RunGrab starts spec and runs it through Grab.
func RunGrab(ctx context.Context, spec Spec, idle, maxRun time.Duration, opts ...Option) (string, Result, error) {
	p, err := Start(ctx, spec)
	if err != nil {
		return "", Result{}, err
	}
	return Grab(p, idle, maxRun, opts...)
}
