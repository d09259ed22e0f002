package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var jobNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Validate checks the document for semantic errors.
func (f *File) Validate() error {
	if f.Version != "" && f.Version != "1" {
		return fmt.Errorf("version: unsupported version %q", f.Version)
	}
	if f.SessionLimit.Duration < 0 {
		return errors.New("sessionLimit: must not be negative")
	}
	if err := validateTimeouts("defaults", f.Defaults.IdleTimeout, f.Defaults.MaxRun); err != nil {
		return err
	}
	if err := validateRetry("defaults.retry", f.Defaults.Retry); err != nil {
		return err
	}
	if len(f.Jobs) == 0 {
		return errors.New("jobs: at least one job is required")
	}

	for _, name := range f.JobsSorted() {
		job := f.Jobs[name]
		if !jobNamePattern.MatchString(name) {
			return fmt.Errorf("jobs.%s: invalid job name (letters, digits, '.', '_' and '-' only)", name)
		}
		if job == nil {
			return fmt.Errorf("%s: job definition is empty", jobField(name))
		}
		if len(job.Command) == 0 || strings.TrimSpace(job.Command[0]) == "" {
			return fmt.Errorf("%s: must not be empty", jobField(name, "command"))
		}
		if err := validateTimeouts(jobField(name), job.IdleTimeout, job.MaxRun); err != nil {
			return err
		}
		if err := validateRetry(jobField(name, "retry"), job.Retry); err != nil {
			return err
		}
	}
	return nil
}

func validateTimeouts(prefix string, idle, maxRun Duration) error {
	if idle.Duration < 0 {
		return fmt.Errorf("%s: must not be negative", fieldPath(prefix, "idleTimeout"))
	}
	if maxRun.Duration < 0 {
		return fmt.Errorf("%s: must not be negative", fieldPath(prefix, "maxRun"))
	}
	return nil
}

func validateRetry(prefix string, r *RetryPolicy) error {
	if r == nil {
		return nil
	}
	if r.MaxRetries < -1 {
		return fmt.Errorf("%s: must be -1 (unlimited) or greater", fieldPath(prefix, "maxRetries"))
	}
	if r.Backoff == nil {
		return nil
	}
	b := r.Backoff
	if b.Min.Duration < 0 {
		return fmt.Errorf("%s: must not be negative", fieldPath(prefix, "backoff", "min"))
	}
	if b.Max.Duration < 0 {
		return fmt.Errorf("%s: must not be negative", fieldPath(prefix, "backoff", "max"))
	}
	if b.Min.Duration > 0 && b.Max.Duration > 0 && b.Max.Duration < b.Min.Duration {
		return fmt.Errorf("%s: must be greater than or equal to min", fieldPath(prefix, "backoff", "max"))
	}
	if b.Factor < 0 {
		return fmt.Errorf("%s: must not be negative", fieldPath(prefix, "backoff", "factor"))
	}
	return nil
}

func fieldPath(parts ...string) string {
	return strings.Join(parts, ".")
}

func jobField(job string, parts ...string) string {
	return fieldPath(append([]string{"jobs", job}, parts...)...)
}
