// Package execlog implements the Execution Log Writer (spec §4.5): one
// file per firing attempt at <log_root>/<job_id>/<execution_id>.log,
// buffered in memory and flushed in a single write — the same
// buffer-then-flush-on-completion idiom the teacher uses for context-file
// truncation (internal/bootstrap/truncate.go) and for the cron JSON store
// (internal/cron/service.go saveUnsafe).
package execlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chronoflow/chronoflow/internal/executor"
)

// Record is one immutable, written Execution Record (spec §3).
type Record struct {
	ExecutionID string
	JobID       string
	Attempt     int
	Command     string
	StartTime   time.Time
	EndTime     time.Time
	Status      executor.Status
	ExitCode    int
	Stdout      string
	Stderr      string
}

// Duration is the wall-clock runtime of the attempt.
func (r Record) Duration() time.Duration { return r.EndTime.Sub(r.StartTime) }

// NewExecutionID mints an opaque unique token for one firing attempt.
func NewExecutionID() string {
	return uuid.New().String()
}

// FromResult builds a Record from one executor.Result.
func FromResult(jobID string, attempt int, res executor.Result) Record {
	return Record{
		ExecutionID: NewExecutionID(),
		JobID:       jobID,
		Attempt:     attempt,
		Command:     res.Command,
		StartTime:   res.StartTime,
		EndTime:     res.EndTime,
		Status:      res.Status,
		ExitCode:    res.ExitCode,
		Stdout:      res.Stdout,
		Stderr:      res.Stderr,
	}
}

// Writer persists Execution Records under a log root directory.
type Writer struct {
	root string
}

// NewWriter creates a Writer rooted at root (spec's <log_root>).
func NewWriter(root string) *Writer {
	return &Writer{root: root}
}

// Path returns the file path a Record would be (or was) written to.
func (w *Writer) Path(rec Record) string {
	return filepath.Join(w.root, rec.JobID, rec.ExecutionID+".log")
}

const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Write renders rec and flushes it in a single write. The per-job directory
// is created lazily with mode 0755 (spec §4.5).
func (w *Writer) Write(rec Record) (string, error) {
	dir := filepath.Join(w.root, rec.JobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("execlog: mkdir %s: %w", dir, err)
	}

	path := w.Path(rec)
	body := render(rec)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return "", fmt.Errorf("execlog: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("execlog: rename %s to %s: %w", tmp, path, err)
	}
	return path, nil
}

func render(rec Record) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "execution_id: %s\n", rec.ExecutionID)
	fmt.Fprintf(&b, "job_id: %s\n", rec.JobID)
	fmt.Fprintf(&b, "attempt: %d\n", rec.Attempt)
	fmt.Fprintf(&b, "command: %s\n", rec.Command)
	fmt.Fprintf(&b, "start_time: %s\n", rec.StartTime.UTC().Format(timeLayout))
	fmt.Fprintf(&b, "end_time:   %s\n", rec.EndTime.UTC().Format(timeLayout))
	fmt.Fprintf(&b, "duration_seconds: %.6f\n", rec.Duration().Seconds())
	fmt.Fprintf(&b, "status: %s\n", rec.Status)
	fmt.Fprintf(&b, "exit_code: %d\n", rec.ExitCode)
	b.WriteString("stdout:\n")
	b.WriteString(rec.Stdout)
	if !strings.HasSuffix(rec.Stdout, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("stderr:\n")
	b.WriteString(rec.Stderr)
	if !strings.HasSuffix(rec.Stderr, "\n") {
		b.WriteString("\n")
	}
	return []byte(b.String())
}
