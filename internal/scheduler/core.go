// Package scheduler is the Scheduler Core (spec §4.6): it owns the entry
// map and the concurrency gate, runs the dispatch loop, and hands due
// entries to the Task Executor through the Retry Controller and Execution
// Log Writer. It is adapted from the teacher's internal/cron/service.go
// run loop (tick, snapshot-due, execute-outside-lock, recompute
// next_fire_time) generalized from that package's three ad-hoc schedule
// kinds to the schedule.Strategy abstraction, and from a flat JSON-file
// persisted job list to a pure in-memory table whose source of truth is
// the jobs directory (owned by package reconciler).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chronoflow/chronoflow/internal/eventlog"
	"github.com/chronoflow/chronoflow/internal/execlog"
	"github.com/chronoflow/chronoflow/internal/executor"
	"github.com/chronoflow/chronoflow/internal/job"
	"github.com/chronoflow/chronoflow/internal/observer"
	"github.com/chronoflow/chronoflow/internal/retry"
	"github.com/chronoflow/chronoflow/internal/schedule"
)

// Config controls dispatch cadence, concurrency, timeouts, and retry
// policy. These map directly to spec §6's environment-variable surface
// (MAX_CONCURRENT_JOBS, JOB_TIMEOUT, MAX_RETRIES, RETRY_DELAY,
// SCHEDULER_CHECK_INTERVAL) even though the Core itself only accepts the
// already-parsed struct.
type Config struct {
	Tick               time.Duration // dispatch loop wake interval, default 1s
	MaxConcurrentJobs  int
	BurstPerSecond     int // 0 disables the extra rate smoothing
	JobTimeout         time.Duration
	Retry              retry.Config
	LogRoot            string // <log_root> for the Execution Log Writer
	StopGrace          time.Duration // bounded deadline for in-flight executions on Stop()
	RecentPerJob       int           // LRU capacity per job id for recent Execution Records
	MaxErrorsPerMinute int           // loop-crash escalation threshold (spec §7.7)
}

// DefaultConfig matches the defaults named across spec §4.6, §5, §6.
func DefaultConfig() Config {
	return Config{
		Tick:               time.Second,
		MaxConcurrentJobs:  10,
		BurstPerSecond:     0,
		JobTimeout:         5 * time.Minute,
		Retry:              retry.DefaultConfig(),
		StopGrace:          30 * time.Second,
		RecentPerJob:       20,
		MaxErrorsPerMinute: 5,
	}
}

// entry is the in-memory Scheduled Entry (spec §3).
type entry struct {
	mu sync.Mutex

	def        job.Definition
	strategy   *schedule.Strategy
	nextFire   time.Time
	lastStart  time.Time
	generation int
	removed    bool

	cancelActive context.CancelFunc // outstanding execution/retry backoff, if any
	execGen      int                // bumped each time execute() claims cancelActive; guards a stale defer from clearing a newer handle
}

func (e *entry) cancelOutstanding() {
	e.mu.Lock()
	cancel := e.cancelActive
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Core is the Scheduler Core. All exported methods are safe to call from
// any goroutine.
type Core struct {
	cfg    Config
	events *eventlog.Logger
	hooks  observer.Hooks
	writer *execlog.Writer
	archiver Archiver

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
	running bool

	gate *Gate

	recentMu sync.Mutex
	recent   map[string]*lru.Cache[string, execlog.Record]

	stopCh chan struct{}
	wg     sync.WaitGroup

	errWindowMu sync.Mutex
	errTimes    []time.Time
}

// Archiver optionally durably archives a flushed log file (spec's
// "internal/archive" S3 wiring described in SPEC_FULL.md §11). Nil is
// fine — archival is entirely optional.
type Archiver interface {
	Archive(ctx context.Context, localPath string, rec execlog.Record) error
}

// New builds a Core. events must not be nil; hooks may be observer.NopHooks{}.
func New(cfg Config, events *eventlog.Logger, hooks observer.Hooks, archiver Archiver) *Core {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 10
	}
	if cfg.RecentPerJob <= 0 {
		cfg.RecentPerJob = 20
	}
	return &Core{
		cfg:     cfg,
		events:  events,
		hooks:   hooks,
		writer:  execlog.NewWriter(cfg.LogRoot),
		archiver: archiver,
		entries: make(map[string]*entry),
		gate:    NewGate(cfg.MaxConcurrentJobs, cfg.BurstPerSecond),
		recent:  make(map[string]*lru.Cache[string, execlog.Record]),
	}
}

func (c *Core) emit(name, jobID string, attrs map[string]string) {
	c.events.Emit(eventlog.Event{Name: name, JobID: jobID, Attrs: attrs})
	if c.hooks != nil {
		c.hooks.OnEvent(eventlog.Event{Time: time.Now(), Name: name, JobID: jobID, Attrs: attrs})
	}
}

// Add inserts or replaces the entry for def.ID (spec §4.6).
func (c *Core) Add(def job.Definition) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	existing := c.entries[def.ID]
	c.mu.Unlock()

	if existing != nil {
		existing.mu.Lock()
		sameDef := existing.def.Equal(&def)
		scheduleChanged := existing.def.Schedule != def.Schedule
		oldSchedule := existing.def.Schedule
		existing.mu.Unlock()

		if sameDef {
			c.emit(eventlog.Unchanged, def.ID, nil)
			return nil
		}

		strat, err := schedule.Classify(def.Schedule)
		if err != nil {
			c.emit(eventlog.InvalidSchedule, def.ID, eventlog.Attrs("reason", err.Error()))
			return nil
		}

		next, pastDue, err := strat.FirstFireAfter(time.Now().UTC())
		if err != nil {
			c.emit(eventlog.InvalidSchedule, def.ID, eventlog.Attrs("reason", err.Error()))
			return nil
		}

		existing.mu.Lock()
		existing.def = def
		existing.strategy = strat
		existing.nextFire = next
		existing.generation++
		existing.mu.Unlock()

		if scheduleChanged {
			c.emit(eventlog.ScheduleChange, def.ID, eventlog.Attrs("old_schedule", oldSchedule, "new_schedule", def.Schedule))
		} else {
			c.emit(eventlog.Update, def.ID, nil)
		}

		if pastDue {
			c.forceRemove(def.ID)
			c.emit(eventlog.SkippedPastDue, def.ID, nil)
		}
		return nil
	}

	strat, err := schedule.Classify(def.Schedule)
	if err != nil {
		c.emit(eventlog.InvalidSchedule, def.ID, eventlog.Attrs("reason", err.Error()))
		return nil
	}

	next, pastDue, err := strat.FirstFireAfter(time.Now().UTC())
	if err != nil {
		c.emit(eventlog.InvalidSchedule, def.ID, eventlog.Attrs("reason", err.Error()))
		return nil
	}

	e := &entry{def: def, strategy: strat, nextFire: next}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.entries[def.ID] = e
	c.mu.Unlock()

	c.emit(eventlog.Add, def.ID, nil)

	if pastDue {
		c.forceRemove(def.ID)
		c.emit(eventlog.SkippedPastDue, def.ID, nil)
	}
	return nil
}

// Remove deletes the entry for jobID, if present (spec §4.6). In-flight
// executions continue to completion; pending retries for jobID are
// cancelled.
func (c *Core) Remove(jobID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	_, ok := c.entries[jobID]
	c.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	c.forceRemove(jobID)
	c.emit(eventlog.Delete, jobID, nil)
	return nil
}

func (c *Core) forceRemove(jobID string) {
	c.mu.Lock()
	e := c.entries[jobID]
	delete(c.entries, jobID)
	c.mu.Unlock()
	if e != nil {
		e.mu.Lock()
		e.removed = true
		e.mu.Unlock()
		e.cancelOutstanding()
	}
}

// Start spawns the dispatch loop. Idempotent.
func (c *Core) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.dispatchLoop()
	c.emit(eventlog.Start, "", nil)
}

// Stop signals the dispatch loop to drain and waits up to cfg.StopGrace for
// in-flight executions to complete (spec §4.6, §5). After Stop returns,
// Add/Remove fail with ErrClosed.
func (c *Core) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	close(c.stopCh)
	c.running = false
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	grace := c.cfg.StopGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		// Executions still running when the grace period expires are not
		// cancelled here: each subprocess keeps running until it exits or
		// its JobTimeout expires, and pending retries are not cancelled.
		// STOP is still emitted so the operator sees a shutdown record.
	}

	c.emit(eventlog.Stop, "", nil)
}

func (c *Core) dispatchLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.safeTick(c.tick)
		}
	}
}

// safeTick wraps one dispatch-loop iteration so that an unexpected panic or
// error never stops the loop (spec §7.7): it is crash-proof at the
// iteration level, and repeated failures inside one minute escalate to a
// FATAL event + stop request.
func (c *Core) safeTick(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.recordLoopError(fmt.Errorf("dispatch loop panic: %v", r))
		}
	}()
	fn()
}

func (c *Core) recordLoopError(err error) {
	c.emit(eventlog.ErrorEvent, "", eventlog.Attrs("where", "dispatch_loop", "reason", err.Error()))

	c.errWindowMu.Lock()
	now := time.Now()
	cutoff := now.Add(-time.Minute)
	kept := c.errTimes[:0]
	for _, t := range c.errTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	c.errTimes = kept
	count := len(c.errTimes)
	c.errWindowMu.Unlock()

	if count > c.cfg.MaxErrorsPerMinute {
		c.emit(eventlog.Fatal, "", eventlog.Attrs("reason", "dispatch loop error rate exceeded threshold"))
		go c.Stop()
	}
}

func (c *Core) tick() {
	now := time.Now().UTC()

	c.mu.Lock()
	var due []*entry
	for id, e := range c.entries {
		e.mu.Lock()
		isDue := !e.removed && !e.nextFire.After(now)
		e.mu.Unlock()
		if isDue {
			due = append(due, e)
			_ = id
		}
	}
	dispatchable := due[:0:0]
	for _, e := range due {
		e.mu.Lock()
		jobID := e.def.ID
		oneTime := e.strategy.IsOneTime()
		if oneTime {
			e.removed = true
			e.mu.Unlock()
			dispatchable = append(dispatchable, e)
			continue
		}
		next, catchUp, err := e.strategy.Advance(e.nextFire, now)
		if err != nil {
			e.mu.Unlock()
			c.emit(eventlog.ErrorEvent, jobID, eventlog.Attrs("where", "schedule_advance", "reason", err.Error()))
			// Leave nextFire un-advanced and skip dispatch this tick; the
			// entry stays due and is retried next tick once the schedule
			// error clears, instead of firing on every tick in the meantime.
			continue
		}
		e.nextFire = next
		e.mu.Unlock()
		if catchUp {
			c.emit(eventlog.ScheduleCatchup, jobID, nil)
		}
		dispatchable = append(dispatchable, e)
	}
	c.mu.Unlock()

	for _, e := range dispatchable {
		e.mu.Lock()
		removed := e.removed && e.strategy.IsOneTime()
		jobID := e.def.ID
		e.mu.Unlock()
		if removed {
			// One-time entries leave the table as soon as they are dispatched
			// (spec §4.6 state machine: SCHEDULED → FIRING, one-time entries
			// do not return to SCHEDULED).
			c.mu.Lock()
			delete(c.entries, jobID)
			c.mu.Unlock()
		}
		c.dispatch(e)
	}
}

// dispatch offers one due entry to the Concurrency Gate and, on admission,
// runs it in a detached goroutine (spec §4.6: "the executor runs in a
// detached unit of concurrency").
func (c *Core) dispatch(e *entry) {
	e.mu.Lock()
	def := e.def
	e.lastStart = time.Now().UTC()
	e.mu.Unlock()

	if !c.gate.TryAcquire() {
		c.emit(eventlog.ConcurrencyShed, def.ID, nil)
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.gate.Release()
		c.execute(e, def)
	}()
}

func (c *Core) execute(e *entry, def job.Definition) {
	ctx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	prevCancel := e.cancelActive
	e.execGen++
	gen := e.execGen
	e.cancelActive = cancel
	e.mu.Unlock()

	// A new firing of this entry supersedes any retry still outstanding
	// from a prior one (spec §4.4: the outstanding retry is cancelled and
	// the next firing proceeds).
	if prevCancel != nil {
		prevCancel()
	}

	defer func() {
		e.mu.Lock()
		if e.execGen == gen {
			e.cancelActive = nil
		}
		e.mu.Unlock()
		cancel()
	}()

	retry.Run(ctx, c.cfg.Retry, func(ctx context.Context, attempt int) bool {
		attemptCtx := ctx
		var attemptCancel context.CancelFunc
		if c.cfg.JobTimeout > 0 {
			attemptCtx, attemptCancel = context.WithTimeout(ctx, c.cfg.JobTimeout)
			defer attemptCancel()
		}

		execID := execlog.NewExecutionID()
		start := time.Now().UTC()
		if c.hooks != nil {
			c.hooks.OnExecutionStarted(execID, def.ID, start)
		}

		res := executor.Run(attemptCtx, def.Task)
		rec := execlog.FromResult(def.ID, attempt, res)
		rec.ExecutionID = execID

		path, err := c.writer.Write(rec)
		if err != nil {
			c.emit(eventlog.ErrorEvent, def.ID, eventlog.Attrs("where", "execlog_write", "reason", err.Error()))
		} else if c.archiver != nil {
			observer.WithTimeout(10*time.Second, func(actx context.Context) {
				if aerr := c.archiver.Archive(actx, path, rec); aerr != nil {
					c.emit(eventlog.ErrorEvent, def.ID, eventlog.Attrs("where", "archive", "reason", aerr.Error()))
				}
			})
		}

		c.recordRecent(def.ID, rec)

		if c.hooks != nil {
			c.hooks.OnExecutionFinished(rec)
		}

		return res.Status == executor.StatusSuccess
	})
}

func (c *Core) recordRecent(jobID string, rec execlog.Record) {
	c.recentMu.Lock()
	defer c.recentMu.Unlock()
	cache, ok := c.recent[jobID]
	if !ok {
		cache, _ = lru.New[string, execlog.Record](c.cfg.RecentPerJob)
		c.recent[jobID] = cache
	}
	cache.Add(rec.ExecutionID, rec)
}

// RecentExecutions returns the most recently cached Execution Records for
// jobID (SPEC_FULL.md §12 run-history supplement), newest last.
func (c *Core) RecentExecutions(jobID string) []execlog.Record {
	c.recentMu.Lock()
	cache, ok := c.recent[jobID]
	c.recentMu.Unlock()
	if !ok {
		return nil
	}
	keys := cache.Keys()
	out := make([]execlog.Record, 0, len(keys))
	for _, k := range keys {
		if rec, ok := cache.Get(k); ok {
			out = append(out, rec)
		}
	}
	return out
}

// RunJob manually triggers jobID's task, bypassing the schedule unless
// force is false and it is not yet due (SPEC_FULL.md §12).
func (c *Core) RunJob(jobID string, force bool) error {
	c.mu.Lock()
	e, ok := c.entries[jobID]
	c.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	if !force {
		e.mu.Lock()
		due := !e.nextFire.After(time.Now().UTC())
		e.mu.Unlock()
		if !due {
			return fmt.Errorf("scheduler: job %s is not due", jobID)
		}
	}

	if !c.gate.TryAcquire() {
		c.emit(eventlog.ConcurrencyShed, jobID, nil)
		return fmt.Errorf("scheduler: concurrency gate full")
	}
	defer c.gate.Release()

	e.mu.Lock()
	def := e.def
	e.mu.Unlock()
	c.execute(e, def)
	return nil
}

// Status summarizes the core for diagnostics (the Status() idiom of the
// teacher's cron.Service). The CLI subcommands do not call it.
func (c *Core) Status() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{
		"running":     c.running,
		"jobs":        len(c.entries),
		"in_flight":   c.gate.InFlight(),
		"concurrency": c.gate.Limit(),
	}
}

// JobIDs returns the currently scheduled job ids, in no particular order.
func (c *Core) JobIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	return ids
}
