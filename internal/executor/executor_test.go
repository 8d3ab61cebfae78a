package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/chronoflow/chronoflow/internal/job"
)

func TestRun_Success(t *testing.T) {
	res := Run(context.Background(), job.Task{Type: job.TaskExecuteCommand, Command: "echo hello"})
	if res.Status != StatusSuccess {
		t.Fatalf("got status %q, want %q", res.Status, StatusSuccess)
	}
	if res.ExitCode != 0 {
		t.Errorf("got exit code %d, want 0", res.ExitCode)
	}
	if !strings.Contains(res.Stdout, "hello") {
		t.Errorf("got stdout %q, want it to contain %q", res.Stdout, "hello")
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	res := Run(context.Background(), job.Task{Type: job.TaskExecuteCommand, Command: "exit 7"})
	if res.Status != StatusFailure {
		t.Fatalf("got status %q, want %q", res.Status, StatusFailure)
	}
	if res.ExitCode != 7 {
		t.Errorf("got exit code %d, want 7", res.ExitCode)
	}
}

func TestRun_UnrecognizedTaskType(t *testing.T) {
	res := Run(context.Background(), job.Task{Type: "send_webhook"})
	if res.Status != StatusFailure {
		t.Fatalf("got status %q, want %q", res.Status, StatusFailure)
	}
	if res.ExitCode != ExitSpawnFailure {
		t.Errorf("got exit code %d, want %d", res.ExitCode, ExitSpawnFailure)
	}
}

func TestRun_TimeoutKillsProcess(t *testing.T) {
	orig := GraceWindow
	GraceWindow = 50 * time.Millisecond
	defer func() { GraceWindow = orig }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := Run(ctx, job.Task{Type: job.TaskExecuteCommand, Command: "sleep 5"})
	elapsed := time.Since(start)

	if res.Status != StatusFailure {
		t.Fatalf("got status %q, want %q", res.Status, StatusFailure)
	}
	if res.ExitCode != ExitTimeout {
		t.Errorf("got exit code %d, want %d", res.ExitCode, ExitTimeout)
	}
	if elapsed > 3*time.Second {
		t.Errorf("expected the child to be killed well before its 5s sleep completed, took %s", elapsed)
	}
}

func TestRun_StdoutTruncatedBeyondCap(t *testing.T) {
	res := Run(context.Background(), job.Task{Type: job.TaskExecuteCommand, Command: "yes | head -c 2000000"})
	if !strings.Contains(res.Stdout, "truncated") {
		t.Errorf("expected truncation marker in stdout for output over the 1MiB cap")
	}
}

func TestResult_Duration(t *testing.T) {
	start := time.Now()
	r := Result{StartTime: start, EndTime: start.Add(3 * time.Second)}
	if r.Duration() != 3*time.Second {
		t.Errorf("got duration %s, want 3s", r.Duration())
	}
}
