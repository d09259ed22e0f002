// Package cliutil holds the presentation helpers shared by the cheese
// commands: JSON records and summary tables.
package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/Paintersrp/cheese/internal/engine"
)

// EventRecord represents an engine event ready for JSON encoding.
type EventRecord struct {
	Timestamp time.Time  `json:"ts"`
	Job       string     `json:"job"`
	RunID     string     `json:"run_id,omitempty"`
	Type      string     `json:"type"`
	Level     string     `json:"level"`
	Message   string     `json:"msg"`
	Attempt   int        `json:"attempt,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	ExitCode  int        `json:"exit_code"`
	KilledAt  *time.Time `json:"killed_at,omitempty"`
	Cause     string     `json:"cause,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// NewEventRecord converts an engine event into a structured record.
func NewEventRecord(event engine.Event) EventRecord {
	level := event.Level
	if level == "" {
		if inferred := inferLogLevel(event.Message); inferred != "" {
			level = inferred
		} else {
			level = "info"
		}
	}
	record := EventRecord{
		Timestamp: event.Timestamp,
		Job:       event.Job,
		RunID:     event.RunID,
		Type:      string(event.Type),
		Level:     level,
		Message:   event.Message,
		Attempt:   event.Attempt,
		Reason:    event.Reason,
		ExitCode:  event.ExitCode,
		Cause:     event.Cause,
	}
	if !event.KilledAt.IsZero() {
		at := event.KilledAt
		record.KilledAt = &at
	}
	if event.Err != nil {
		record.Error = event.Err.Error()
	}
	return record
}

var levelTokenPattern = regexp.MustCompile(`(?i)\b(error|warn|info)\b`)

func inferLogLevel(message string) string {
	matches := levelTokenPattern.FindStringSubmatch(message)
	if len(matches) < 2 {
		return ""
	}
	return strings.ToLower(matches[1])
}

// EncodeEvent encodes an event as one JSON line, reporting failures to stderr.
func EncodeEvent(enc *json.Encoder, stderr io.Writer, event engine.Event) {
	if enc == nil {
		return
	}
	record := NewEventRecord(event)
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if err := enc.Encode(&record); err != nil {
		fmt.Fprintf(stderr, "error: encode event: %v\n", err)
	}
}
