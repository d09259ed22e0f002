package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeJobs(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "jobs.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write jobs file: %v", err)
	}
	return path
}

func TestLoadValidJobs(t *testing.T) {
	dir := t.TempDir()
	workdir := filepath.Join(dir, "nightly")
	if err := os.Mkdir(workdir, 0o755); err != nil {
		t.Fatalf("mkdir workdir: %v", err)
	}
	envFile := filepath.Join(workdir, "sync.env")
	if err := os.WriteFile(envFile, []byte("# rsync settings\nexport RSYNC_PASSWORD=${FILE_SECRET}\nMODE='mirror'\nTARGET=from-file\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("FILE_SECRET", "alpha")
	t.Setenv("NIGHTLY_DIR", "./nightly")
	t.Setenv("SYNC_TARGET", "backup-host")

	path := writeJobs(t, dir, `version: "1"
defaults:
  idleTimeout: 30s
  maxRun: 2h
  retry:
    maxRetries: 2
    backoff:
      min: 1s
      max: 10s
      factor: 2
logging:
  directory: logs
sessionLimit: 6h
jobs:
  mirror:
    command: ["rsync", "-a", "src/", "${SYNC_TARGET}:/srv"]
    workdir: ${NIGHTLY_DIR}
    envFromFile: ./sync.env
    env:
      TARGET: ${SYNC_TARGET}
    idleTimeout: 5m
  report:
    command: ["./report.sh"]
    maxRun: 0s
    retry:
      maxRetries: 0
`)

	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if got, want := doc.LogDirectory(), filepath.Join(dir, "logs"); got != want {
		t.Fatalf("log directory mismatch: got %q want %q", got, want)
	}
	if got, want := doc.SessionLimit.Duration, 6*time.Hour; got != want {
		t.Fatalf("session limit mismatch: got %s want %s", got, want)
	}

	mirror := doc.Jobs["mirror"]
	if mirror == nil {
		t.Fatal("job mirror missing")
	}
	if got, want := mirror.ResolvedWorkdir, workdir; got != want {
		t.Fatalf("resolved workdir mismatch: got %q want %q", got, want)
	}
	if got, want := mirror.Command[3], "backup-host:/srv"; got != want {
		t.Fatalf("command expansion mismatch: got %q want %q", got, want)
	}
	if got, want := mirror.Env["RSYNC_PASSWORD"], "alpha"; got != want {
		t.Fatalf("env file value mismatch: got %q want %q", got, want)
	}
	if got, want := mirror.Env["MODE"], "mirror"; got != want {
		t.Fatalf("single quoted value mismatch: got %q want %q", got, want)
	}
	if got, want := mirror.Env["TARGET"], "backup-host"; got != want {
		t.Fatalf("inline env should win over env file: got %q want %q", got, want)
	}
	if got, want := mirror.EnvFromFile, envFile; got != want {
		t.Fatalf("envFromFile not resolved: got %q want %q", got, want)
	}
	if got, want := mirror.IdleTimeout.Duration, 5*time.Minute; got != want {
		t.Fatalf("idle override mismatch: got %s want %s", got, want)
	}
	if got, want := mirror.MaxRun.Duration, 2*time.Hour; got != want {
		t.Fatalf("maxRun default mismatch: got %s want %s", got, want)
	}
	if mirror.Retry == nil || mirror.Retry.MaxRetries != 2 || mirror.Retry.Backoff == nil {
		t.Fatalf("retry default not applied: %+v", mirror.Retry)
	}

	report := doc.Jobs["report"]
	if got, want := report.ResolvedWorkdir, dir; got != want {
		t.Fatalf("default workdir mismatch: got %q want %q", got, want)
	}
	if report.MaxRun.Duration != 0 || !report.MaxRun.IsSet() {
		t.Fatalf("explicit zero maxRun should disable the deadline, got %+v", report.MaxRun)
	}
	if report.Retry.MaxRetries != 0 {
		t.Fatalf("retry override mismatch: %+v", report.Retry)
	}
	if report.Retry.Backoff == nil || report.Retry.Backoff.Max.Duration != 10*time.Second {
		t.Fatalf("backoff should be inherited from defaults: %+v", report.Retry.Backoff)
	}

	if got := strings.Join(doc.JobsSorted(), ","); got != "mirror,report" {
		t.Fatalf("unexpected job order %q", got)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeJobs(t, t.TempDir(), `jobs:
  home:
    command: ["true"]
    idle: 5s
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
	if !strings.Contains(err.Error(), "idle") {
		t.Fatalf("error should name the field: %v", err)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeJobs(t, t.TempDir(), `jobs:
  home:
    command: ["true"]
    maxRun: forever
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Fatalf("expected duration error, got %v", err)
	}
}

func TestLoadMissingEnvFile(t *testing.T) {
	path := writeJobs(t, t.TempDir(), `jobs:
  home:
    command: ["true"]
    envFromFile: missing.env
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected missing env file error")
	}
	if !strings.Contains(err.Error(), "jobs.home.envFromFile") {
		t.Fatalf("error should point at the job field: %v", err)
	}
}

func TestLoadEnvFileRejectsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.env"), []byte("JUSTAKEY\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	path := writeJobs(t, dir, `jobs:
  home:
    command: ["true"]
    envFromFile: bad.env
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected malformed env file error")
	}
	if !strings.Contains(err.Error(), "jobs.home.envFromFile") || !strings.Contains(err.Error(), "load env file") {
		t.Fatalf("error should name the env file field: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadEnvFileExpandsEarlierKeys(t *testing.T) {
	dir := t.TempDir()
	env := "BASE=/srv/backup\nTARGET=${BASE}/home\nGREETING=\"hello world\"\n"
	if err := os.WriteFile(filepath.Join(dir, "paths.env"), []byte(env), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	path := writeJobs(t, dir, `jobs:
  home:
    command: ["true"]
    envFromFile: paths.env
    env:
      GREETING: inline
`)
	doc, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := doc.Jobs["home"].Env
	if got["TARGET"] != "/srv/backup/home" {
		t.Fatalf("earlier key not expanded: %q", got["TARGET"])
	}
	if got["GREETING"] != "inline" {
		t.Fatalf("inline env should win over env file: %q", got["GREETING"])
	}
}
