// Package reconciler implements the Directory Reconciler (spec §4.7): it
// polls the jobs directory at a fixed interval and turns file mutations
// into add/remove calls against the Scheduler Core. It is grounded on the
// teacher's internal/config/hotreload.go Watcher — a dedicated loop that
// wakes on a timer (there, an fsnotify event; here, a ticker), reloads
// what changed, and hands the result to a callback — but polling replaces
// fsnotify here because spec §4.7 explicitly prefers polling over kernel
// notifications for the jobs directory, for portability and because the
// scheduling cadence already lives at second granularity.
package reconciler

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chronoflow/chronoflow/internal/eventlog"
	"github.com/chronoflow/chronoflow/internal/job"
)

// Scheduler is the subset of *scheduler.Core the reconciler drives. Defined
// here (rather than imported directly) so this package has no dependency on
// package scheduler's concrete type, matching the teacher's habit of
// depending on small local interfaces instead of concrete cross-package
// structs.
type Scheduler interface {
	Add(def job.Definition) error
	Remove(jobID string) error
}

// fileState is what the reconciler remembers about one previously-seen path.
type fileState struct {
	modTime time.Time
	jobID   string
}

// Reconciler owns the private file-state map (spec §5: "requires no
// locking" because only the reconciler loop ever touches it) and drives one
// poll loop.
type Reconciler struct {
	dir      string
	interval time.Duration
	sched    Scheduler
	events   *eventlog.Logger

	state map[string]fileState

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Reconciler watching dir at the given poll interval (spec
// default: 2s). events must not be nil.
func New(dir string, interval time.Duration, sched Scheduler, events *eventlog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Reconciler{
		dir:      dir,
		interval: interval,
		sched:    sched,
		events:   events,
		state:    make(map[string]fileState),
		stopCh:   make(chan struct{}),
	}
}

// Start spawns the poll loop.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.loop()
}

// Stop signals the poll loop to exit and waits for it.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Reconciler) loop() {
	defer r.wg.Done()

	// Run one pass immediately so freshly added jobs don't wait a full
	// interval before the first scheduler sees them.
	r.safeTick()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.safeTick()
		}
	}
}

// safeTick wraps Tick so a single iteration's panic is crash-proof at the
// loop-iteration level (spec §7.7), matching the same pattern used in the
// Scheduler Core's dispatch loop.
func (r *Reconciler) safeTick() {
	defer func() {
		if p := recover(); p != nil {
			r.events.Emit(eventlog.Event{
				Name: eventlog.ErrorEvent,
				Attrs: eventlog.Attrs("where", "reconciler_loop", "reason", fmt.Sprintf("panic: %v", p)),
			})
		}
	}()
	r.Tick()
}

// Tick runs one reconciliation pass (spec §4.7, steps 1-4). It is exported
// so callers such as tests can drive it synchronously without waiting for
// the ticker.
func (r *Reconciler) Tick() {
	seen := make(map[string]struct{}, len(r.state))

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		r.events.Emit(eventlog.Event{
			Name:  eventlog.ErrorEvent,
			Attrs: eventlog.Attrs("where", "reconciler_scan", "reason", err.Error()),
		})
		return
	}

	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".json" {
			continue
		}
		path := filepath.Join(r.dir, de.Name())
		seen[path] = struct{}{}

		info, err := de.Info()
		if err != nil {
			r.emitFileError(path, err)
			continue
		}

		prior, known := r.state[path]
		if known && !info.ModTime().After(prior.modTime) {
			continue // unchanged since last tick
		}

		def, err := job.Load(path)
		if err != nil {
			r.emitFileError(path, err)
			continue
		}

		if known && prior.jobID != def.ID {
			// job_id changed inside the same file: remove the old id
			// first so it doesn't linger as an orphaned entry (spec
			// §4.7 step 3).
			if err := r.sched.Remove(prior.jobID); err != nil {
				r.emitFileError(path, fmt.Errorf("removing stale job_id %s: %w", prior.jobID, err))
			}
		}

		if err := r.sched.Add(*def); err != nil {
			r.emitFileError(path, err)
			continue
		}
		r.state[path] = fileState{modTime: info.ModTime(), jobID: def.ID}
	}

	for path, prior := range r.state {
		if _, ok := seen[path]; ok {
			continue
		}
		if err := r.sched.Remove(prior.jobID); err != nil {
			r.emitFileError(path, err)
		}
		delete(r.state, path)
	}
}

func (r *Reconciler) emitFileError(path string, err error) {
	r.events.Emit(eventlog.Event{
		Name:  eventlog.ErrorEvent,
		Attrs: eventlog.Attrs("where", "reconciler_file", "path", path, "reason", err.Error()),
	})
}
