// Package metrics exposes Prometheus collectors describing supervised runs.
package metrics

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for RecordRun.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeKilled  = "killed"
)

var (
	registry = prometheus.NewRegistry()

	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cheese",
		Name:      "runs_total",
		Help:      "Total number of supervised attempts by job and outcome.",
	}, []string{"job", "outcome"})

	killsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cheese",
		Name:      "kills_total",
		Help:      "Total number of watchdog kills by job and cause.",
	}, []string{"job", "cause"})

	runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cheese",
		Name:      "run_duration_seconds",
		Help:      "Wall clock duration of supervised attempts in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 4, 10),
	}, []string{"job"})

	retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cheese",
		Name:      "retries_total",
		Help:      "Total number of retries scheduled for each job.",
	}, []string{"job"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cheese",
		Name:      "build_info",
		Help:      "Build metadata for the running cheese binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(runsTotal, killsTotal, runDuration, retriesTotal, buildInfo)
}

// Registry returns the Prometheus registry containing all cheese metrics.
func Registry() *prometheus.Registry {
	return registry
}

func label(job string) string {
	if job == "" {
		return "unknown"
	}
	return job
}

// RecordRun counts a finished attempt and observes its duration.
func RecordRun(job, outcome string, d time.Duration) {
	job = label(job)
	runsTotal.WithLabelValues(job, outcome).Inc()
	if d > 0 {
		runDuration.WithLabelValues(job).Observe(d.Seconds())
	}
}

// RecordKill counts a watchdog kill for the job.
func RecordKill(job, cause string) {
	killsTotal.WithLabelValues(label(job), cause).Inc()
}

// IncrementRetry counts a scheduled retry for the job.
func IncrementRetry(job string) {
	retriesTotal.WithLabelValues(label(job)).Inc()
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}

// ResetJob drops every series recorded for a job.
func ResetJob(job string) {
	if job == "" {
		return
	}
	match := prometheus.Labels{"job": job}
	runsTotal.DeletePartialMatch(match)
	killsTotal.DeletePartialMatch(match)
	runDuration.DeleteLabelValues(job)
	retriesTotal.DeleteLabelValues(job)
}
