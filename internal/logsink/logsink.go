// Package logsink creates the per-run log files that receive a child's
// console output.
package logsink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// maxSequence bounds the search for a free sequence number.
const maxSequence = 10000

// ErrNoPlaceholder is returned when a pattern lacks the '*' placeholder.
var ErrNoPlaceholder = errors.New("logsink: pattern must contain exactly one '*'")

// SessionPattern returns the pattern used for a job's log files, for example
// logs/home/home.20240714.run*.log.
func SessionPattern(dir, job string, now time.Time) string {
	return filepath.Join(dir, job, fmt.Sprintf("%s.%s.run*.log", job, now.Format("20060102")))
}

// AttemptPattern derives the pattern for the console log of one attempt
// within the session logged at sessionPath, so that home.20240714.run0.log
// groups home.20240714.run0.try0.log, home.20240714.run0.try1.log and so on.
func AttemptPattern(sessionPath string) string {
	ext := filepath.Ext(sessionPath)
	return strings.TrimSuffix(sessionPath, ext) + ".try*" + ext
}

// CreateWithSeq replaces the '*' in pattern with 0, 1, 2, ... and creates the
// first file that does not exist yet. Creation uses O_EXCL so two concurrent
// runs never share a file. Missing parent directories are created.
func CreateWithSeq(pattern string) (*os.File, error) {
	if strings.Count(pattern, "*") != 1 {
		return nil, fmt.Errorf("%w: %q", ErrNoPlaceholder, pattern)
	}
	if err := os.MkdirAll(filepath.Dir(pattern), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	for seq := 0; seq < maxSequence; seq++ {
		path := strings.Replace(pattern, "*", strconv.Itoa(seq), 1)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return f, nil
		}
		if errors.Is(err, os.ErrExist) {
			continue
		}
		return nil, fmt.Errorf("create log file %s: %w", path, err)
	}
	return nil, fmt.Errorf("create log file: no free sequence number for %q", pattern)
}

const separator = "=============================================================================="

// WriteBanner writes the header that opens every child log: the time and
// the command line a user can paste into a shell to reproduce the run.
func WriteBanner(w io.Writer, when time.Time, argv []string) error {
	_, err := fmt.Fprintf(w, "[%s] This is the console output log of shell command:\n    %s\n%s\n",
		when.Format("2006-01-02 15:04:05"), CommandLine(argv), separator)
	return err
}

// ShellQuote renders argv as a POSIX shell command line.
func ShellQuote(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = quoteArg(arg)
	}
	return strings.Join(quoted, " ")
}

func quoteArg(arg string) string {
	if arg == "" {
		return "''"
	}
	safe := true
	for _, r := range arg {
		if !isSafeRune(r) {
			safe = false
			break
		}
	}
	if safe {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'"'"'`) + "'"
}

func isSafeRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("@%+=:,./-_", r)
}
