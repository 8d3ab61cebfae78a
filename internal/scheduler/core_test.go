package scheduler

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chronoflow/chronoflow/internal/eventlog"
	"github.com/chronoflow/chronoflow/internal/execlog"
	"github.com/chronoflow/chronoflow/internal/job"
	"github.com/chronoflow/chronoflow/internal/observer"
	"github.com/chronoflow/chronoflow/internal/retry"
)

// capturingHooks records every call so tests can assert on event ordering
// and execution counts without standing up a real sink.
type capturingHooks struct {
	mu       sync.Mutex
	events   []eventlog.Event
	started  []string
	finished []execlog.Record
}

func (h *capturingHooks) OnEvent(e eventlog.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
}

func (h *capturingHooks) OnExecutionStarted(executionID, jobID string, start time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, jobID)
}

func (h *capturingHooks) OnExecutionFinished(rec execlog.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = append(h.finished, rec)
}

func (h *capturingHooks) names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.events))
	for i, e := range h.events {
		out[i] = e.Name
	}
	return out
}

func newTestCore(t *testing.T, cfg Config) (*Core, *capturingHooks) {
	t.Helper()
	cfg.LogRoot = t.TempDir()
	hooks := &capturingHooks{}
	logger := eventlog.NewWithWriter(&bytes.Buffer{})
	c := New(cfg, logger, hooks, nil)
	return c, hooks
}

// TestAdd_Idempotent exercises the spec §8 "idempotent add" property:
// re-adding an unchanged definition emits UNCHANGED, not a second ADD.
func TestAdd_Idempotent(t *testing.T) {
	c, hooks := newTestCore(t, DefaultConfig())
	def := job.Definition{ID: "job-a", Schedule: "2999-01-01T00:00:00Z", Task: job.Task{Type: job.TaskExecuteCommand, Command: "true"}}

	if err := c.Add(def); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := c.Add(def); err != nil {
		t.Fatalf("Add (second): %v", err)
	}

	names := hooks.names()
	if len(names) != 2 || names[0] != eventlog.Add || names[1] != eventlog.Unchanged {
		t.Errorf("events = %v, want [ADD UNCHANGED]", names)
	}
}

// TestAdd_ScheduleChange asserts that changing only the schedule string
// emits SCHEDULE_CHANGE rather than the generic UPDATE.
func TestAdd_ScheduleChange(t *testing.T) {
	c, hooks := newTestCore(t, DefaultConfig())
	def := job.Definition{ID: "job-a", Schedule: "2999-01-01T00:00:00Z", Task: job.Task{Type: job.TaskExecuteCommand, Command: "true"}}
	if err := c.Add(def); err != nil {
		t.Fatalf("Add: %v", err)
	}

	def.Schedule = "2999-06-01T00:00:00Z"
	if err := c.Add(def); err != nil {
		t.Fatalf("Add (changed): %v", err)
	}

	names := hooks.names()
	if len(names) != 2 || names[1] != eventlog.ScheduleChange {
		t.Errorf("events = %v, want [ADD SCHEDULE_CHANGE]", names)
	}
}

// TestAdd_UpdateTaskOnly changes only the command, which must surface as
// UPDATE (not SCHEDULE_CHANGE, since the schedule string is unchanged).
func TestAdd_UpdateTaskOnly(t *testing.T) {
	c, hooks := newTestCore(t, DefaultConfig())
	def := job.Definition{ID: "job-a", Schedule: "2999-01-01T00:00:00Z", Task: job.Task{Type: job.TaskExecuteCommand, Command: "true"}}
	if err := c.Add(def); err != nil {
		t.Fatalf("Add: %v", err)
	}

	def.Task.Command = "false"
	if err := c.Add(def); err != nil {
		t.Fatalf("Add (changed): %v", err)
	}

	names := hooks.names()
	if len(names) != 2 || names[1] != eventlog.Update {
		t.Errorf("events = %v, want [ADD UPDATE]", names)
	}
}

// TestAdd_InvalidSchedulePreservesExisting checks that an invalid schedule
// on re-add leaves the previously scheduled entry live, per spec §4.6/§7.
func TestAdd_InvalidSchedulePreservesExisting(t *testing.T) {
	c, hooks := newTestCore(t, DefaultConfig())
	def := job.Definition{ID: "job-a", Schedule: "2999-01-01T00:00:00Z", Task: job.Task{Type: job.TaskExecuteCommand, Command: "true"}}
	if err := c.Add(def); err != nil {
		t.Fatalf("Add: %v", err)
	}

	bad := def
	bad.Schedule = "not a schedule"
	if err := c.Add(bad); err != nil {
		t.Fatalf("Add (invalid): %v", err)
	}

	if ids := c.JobIDs(); len(ids) != 1 || ids[0] != "job-a" {
		t.Errorf("JobIDs = %v, want [job-a] to survive the invalid update", ids)
	}
	names := hooks.names()
	if len(names) != 2 || names[1] != eventlog.InvalidSchedule {
		t.Errorf("events = %v, want [ADD INVALID_SCHEDULE]", names)
	}
}

// TestAdd_PastDueOneTimeIsSkipped exercises the one-time-in-the-past path:
// the entry is added then immediately removed with SKIPPED_PAST_DUE.
func TestAdd_PastDueOneTimeIsSkipped(t *testing.T) {
	c, hooks := newTestCore(t, DefaultConfig())
	def := job.Definition{ID: "job-a", Schedule: "2000-01-01T00:00:00Z", Task: job.Task{Type: job.TaskExecuteCommand, Command: "true"}}
	if err := c.Add(def); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if ids := c.JobIDs(); len(ids) != 0 {
		t.Errorf("JobIDs = %v, want empty after a past-due one-time add", ids)
	}
	names := hooks.names()
	if len(names) != 2 || names[0] != eventlog.Add || names[1] != eventlog.SkippedPastDue {
		t.Errorf("events = %v, want [ADD SKIPPED_PAST_DUE]", names)
	}
}

// TestRemove_UnknownJob asserts ErrNotFound for a job id the core never saw.
func TestRemove_UnknownJob(t *testing.T) {
	c, _ := newTestCore(t, DefaultConfig())
	if err := c.Remove("nope"); err != ErrNotFound {
		t.Errorf("Remove: err = %v, want ErrNotFound", err)
	}
}

// TestAddRemove_AfterStopReturnsErrClosed covers spec §4.6's closed-state
// rejection once Stop() has completed.
func TestAddRemove_AfterStopReturnsErrClosed(t *testing.T) {
	c, _ := newTestCore(t, DefaultConfig())
	c.Start()
	c.Stop()

	def := job.Definition{ID: "job-a", Schedule: "2999-01-01T00:00:00Z", Task: job.Task{Type: job.TaskExecuteCommand, Command: "true"}}
	if err := c.Add(def); err != ErrClosed {
		t.Errorf("Add after Stop: err = %v, want ErrClosed", err)
	}
	if err := c.Remove("job-a"); err != ErrClosed {
		t.Errorf("Remove after Stop: err = %v, want ErrClosed", err)
	}
}

// TestGate_CapsConcurrency is the spec §8 "gate cap" property: with
// max_concurrent_jobs=1, a second concurrent acquire attempt is shed while
// the first slot is still held.
func TestGate_CapsConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentJobs = 1
	c, _ := newTestCore(t, cfg)

	release := make(chan struct{})
	started := make(chan struct{}, 1)

	if !c.gate.TryAcquire() {
		t.Fatal("expected first TryAcquire to succeed")
	}
	go func() {
		started <- struct{}{}
		<-release
		c.gate.Release()
	}()
	<-started

	if c.gate.TryAcquire() {
		t.Error("second TryAcquire should have been shed by the concurrency cap")
	}
	close(release)
}

// TestRunJob_ForceRunsOffSchedule exercises the SPEC_FULL.md §12 manual-run
// supplement: RunJob(force=true) executes a job whose next fire time is far
// in the future, writes an Execution Record, and reports it via hooks.
func TestRunJob_ForceRunsOffSchedule(t *testing.T) {
	c, hooks := newTestCore(t, DefaultConfig())
	def := job.Definition{ID: "job-a", Schedule: "2999-01-01T00:00:00Z", Task: job.Task{Type: job.TaskExecuteCommand, Command: "true"}}
	if err := c.Add(def); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := c.RunJob("job-a", true); err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(hooks.finished) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	recs := c.RecentExecutions("job-a")
	if len(recs) != 1 {
		t.Fatalf("RecentExecutions = %d records, want 1", len(recs))
	}
	if recs[0].JobID != "job-a" {
		t.Errorf("record JobID = %q, want job-a", recs[0].JobID)
	}
}

// TestRunJob_NotDueWithoutForce checks the non-forced branch refuses to run
// a job that isn't yet due.
func TestRunJob_NotDueWithoutForce(t *testing.T) {
	c, _ := newTestCore(t, DefaultConfig())
	def := job.Definition{ID: "job-a", Schedule: "2999-01-01T00:00:00Z", Task: job.Task{Type: job.TaskExecuteCommand, Command: "true"}}
	if err := c.Add(def); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := c.RunJob("job-a", false); err == nil {
		t.Error("RunJob(force=false) on a not-yet-due job should fail")
	} else if !strings.Contains(err.Error(), "not due") {
		t.Errorf("err = %v, want a not-due message", err)
	}
}

// TestStartStop_EmitsLifecycleEvents checks START/STOP bracket a run,
// matching spec §4.8.
func TestStartStop_EmitsLifecycleEvents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tick = 10 * time.Millisecond
	c, hooks := newTestCore(t, cfg)

	c.Start()
	c.Stop()

	names := hooks.names()
	if len(names) != 2 || names[0] != eventlog.Start || names[1] != eventlog.Stop {
		t.Errorf("events = %v, want [START STOP]", names)
	}
}

// TestStatus_ReportsConcurrency sanity-checks the Core's diagnostic
// Status() snapshot.
func TestStatus_ReportsConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentJobs = 4
	c, _ := newTestCore(t, cfg)

	st := c.Status()
	if st["concurrency"].(int) != 4 {
		t.Errorf("concurrency = %v, want 4", st["concurrency"])
	}
	if st["jobs"].(int) != 0 {
		t.Errorf("jobs = %v, want 0", st["jobs"])
	}
}

// TestDispatchLoop_EndToEndOneTimeJob drives a real one-time job a few
// milliseconds in the future through the dispatch loop and checks it fires
// exactly once and leaves the table afterward (spec §8 "one-time
// terminality" and the uniqueness/monotonicity properties together).
func TestDispatchLoop_EndToEndOneTimeJob(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tick = 20 * time.Millisecond
	c, hooks := newTestCore(t, cfg)

	fireAt := time.Now().UTC().Add(50 * time.Millisecond)
	def := job.Definition{
		ID:       "job-once",
		Schedule: fireAt.Format(time.RFC3339Nano),
		Task:     job.Task{Type: job.TaskExecuteCommand, Command: "true"},
	}
	if err := c.Add(def); err != nil {
		t.Fatalf("Add: %v", err)
	}

	c.Start()
	defer c.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		hooks.mu.Lock()
		n := len(hooks.finished)
		hooks.mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	hooks.mu.Lock()
	finished := len(hooks.finished)
	hooks.mu.Unlock()
	if finished != 1 {
		t.Fatalf("finished executions = %d, want exactly 1", finished)
	}

	if ids := c.JobIDs(); len(ids) != 0 {
		t.Errorf("JobIDs after firing = %v, want empty (one-time terminality)", ids)
	}
}

// TestExecute_NewFiringCancelsPriorOutstandingRetry exercises spec §4.4: "a
// retry that is still outstanding when the next scheduled firing of the
// same job arrives is cancelled and the next firing proceeds." It calls
// execute() directly twice for the same entry, the second while the first
// is still mid-backoff, and checks the first returns promptly instead of
// running its full retry schedule to completion.
func TestExecute_NewFiringCancelsPriorOutstandingRetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry = retry.Config{MaxRetries: 1, BaseDelay: 150 * time.Millisecond, MaxDelay: 150 * time.Millisecond}
	c, hooks := newTestCore(t, cfg)

	def := job.Definition{ID: "job-a", Schedule: "2999-01-01T00:00:00Z", Task: job.Task{Type: job.TaskExecuteCommand, Command: "false"}}
	if err := c.Add(def); err != nil {
		t.Fatalf("Add: %v", err)
	}

	c.mu.Lock()
	e := c.entries["job-a"]
	c.mu.Unlock()

	done1 := make(chan struct{})
	go func() {
		c.execute(e, def)
		close(done1)
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		hooks.mu.Lock()
		started := len(hooks.started)
		hooks.mu.Unlock()
		if started >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A second firing for the same entry must supersede the first's
	// outstanding backoff wait rather than let both run independently.
	c.execute(e, def)

	select {
	case <-done1:
	case <-time.After(time.Second):
		t.Fatal("first execute() did not return after being superseded by a second firing")
	}

	e.mu.Lock()
	active := e.cancelActive
	e.mu.Unlock()
	if active != nil {
		t.Error("expected cancelActive to be cleared once the second (newest) execute() has returned")
	}
}

// TestExecute_ConcurrentCancelDoesNotOrphanNewerHandle guards against the
// two-concurrent-execute race: the first execute()'s cleanup defer must not
// clear a cancelActive handle installed by a second, still-running execute()
// for the same entry.
func TestExecute_ConcurrentCancelDoesNotOrphanNewerHandle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry = retry.Config{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	c, _ := newTestCore(t, cfg)

	def := job.Definition{ID: "job-a", Schedule: "2999-01-01T00:00:00Z", Task: job.Task{Type: job.TaskExecuteCommand, Command: "true"}}
	if err := c.Add(def); err != nil {
		t.Fatalf("Add: %v", err)
	}

	c.mu.Lock()
	e := c.entries["job-a"]
	c.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.execute(e, def)
		}()
	}
	wg.Wait()

	e.mu.Lock()
	active := e.cancelActive
	gen := e.execGen
	e.mu.Unlock()
	if gen != 2 {
		t.Errorf("execGen = %d, want 2 after two execute() calls", gen)
	}
	if active != nil {
		t.Error("expected cancelActive to be cleared once the last execute() to finish has returned")
	}
}
