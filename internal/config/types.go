package config

import (
	"fmt"
	"sort"
	"time"
)

// Duration wraps time.Duration for YAML unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// File mirrors the jobs.yaml document structure.
type File struct {
	Version      string              `yaml:"version"`
	Defaults     Defaults            `yaml:"defaults"`
	Logging      *LoggingSpec        `yaml:"logging"`
	SessionLimit Duration            `yaml:"sessionLimit"`
	Jobs         map[string]*JobSpec `yaml:"jobs"`
}

// Defaults captures policies applied to every job that does not override them.
type Defaults struct {
	IdleTimeout Duration     `yaml:"idleTimeout"`
	MaxRun      Duration     `yaml:"maxRun"`
	Retry       *RetryPolicy `yaml:"retry"`
}

// LoggingSpec configures where child console logs are written.
type LoggingSpec struct {
	Directory string `yaml:"directory"`
}

// JobSpec describes a single supervised command.
type JobSpec struct {
	Command     []string          `yaml:"command"`
	Workdir     string            `yaml:"workdir"`
	Env         map[string]string `yaml:"env"`
	EnvFromFile string            `yaml:"envFromFile"`
	IdleTimeout Duration          `yaml:"idleTimeout"`
	MaxRun      Duration          `yaml:"maxRun"`
	Retry       *RetryPolicy      `yaml:"retry"`

	ResolvedWorkdir string `yaml:"-"`
}

// RetryPolicy controls how often a failed or killed job is run again.
// MaxRetries of -1 retries forever.
type RetryPolicy struct {
	MaxRetries int      `yaml:"maxRetries"`
	Backoff    *Backoff `yaml:"backoff"`
}

// Backoff configures the delay between attempts.
type Backoff struct {
	Min    Duration `yaml:"min"`
	Max    Duration `yaml:"max"`
	Factor float64  `yaml:"factor"`
}

// Clone creates a deep copy of the retry policy.
func (r *RetryPolicy) Clone() *RetryPolicy {
	if r == nil {
		return nil
	}
	cp := &RetryPolicy{MaxRetries: r.MaxRetries}
	if r.Backoff != nil {
		b := *r.Backoff
		cp.Backoff = &b
	}
	return cp
}

// Clone creates a deep copy of the job.
func (j *JobSpec) Clone() *JobSpec {
	if j == nil {
		return nil
	}
	cp := *j
	if len(j.Command) > 0 {
		cp.Command = append([]string(nil), j.Command...)
	}
	if len(j.Env) > 0 {
		cp.Env = make(map[string]string, len(j.Env))
		for k, v := range j.Env {
			cp.Env[k] = v
		}
	}
	cp.Retry = j.Retry.Clone()
	return &cp
}

// ApplyDefaults fills job level settings that were left unset.
func (f *File) ApplyDefaults() error {
	for _, job := range f.Jobs {
		if job == nil {
			continue
		}
		if !job.IdleTimeout.IsSet() {
			job.IdleTimeout = f.Defaults.IdleTimeout
		}
		if !job.MaxRun.IsSet() {
			job.MaxRun = f.Defaults.MaxRun
		}
		if job.Retry == nil {
			job.Retry = f.Defaults.Retry.Clone()
		} else if job.Retry.Backoff == nil && f.Defaults.Retry != nil && f.Defaults.Retry.Backoff != nil {
			b := *f.Defaults.Retry.Backoff
			job.Retry.Backoff = &b
		}
	}
	return nil
}

// JobsSorted returns job names in lexical order, which is also run order.
func (f *File) JobsSorted() []string {
	names := make([]string, 0, len(f.Jobs))
	for name := range f.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LogDirectory returns the configured log directory or an empty string.
func (f *File) LogDirectory() string {
	if f.Logging == nil {
		return ""
	}
	return f.Logging.Directory
}
