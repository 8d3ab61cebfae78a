// Package observer defines the external hook contract (spec §6) and a
// buffered, asynchronous fan-out dispatcher so that a slow sink (a Postgres
// insert, a Redis publish, an OTLP export) never stalls the dispatch loop
// or the Event Logger. The dispatcher is grounded on the teacher's
// internal/tracing/collector.go Collector: a bounded channel drained by one
// background goroutine, with graceful Stop() draining remaining work.
package observer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chronoflow/chronoflow/internal/eventlog"
	"github.com/chronoflow/chronoflow/internal/execlog"
)

// Hooks is the contract the Scheduler Core calls into (spec §6). Default
// implementations are no-ops; scheduler.New also accepts nil Hooks. Do not
// Register nil with a Dispatcher: it calls every registered sink.
type Hooks interface {
	OnEvent(e eventlog.Event)
	OnExecutionStarted(executionID, jobID string, start time.Time)
	OnExecutionFinished(rec execlog.Record)
}

// NopHooks implements Hooks with no-ops.
type NopHooks struct{}

func (NopHooks) OnEvent(eventlog.Event)                                {}
func (NopHooks) OnExecutionStarted(string, string, time.Time)          {}
func (NopHooks) OnExecutionFinished(execlog.Record)                    {}

const defaultBufferSize = 1000

type job func()

// Dispatcher buffers hook invocations and fans them out to zero or more
// registered Hooks, asynchronously, so a slow or unavailable external sink
// degrades the observer, never the scheduler.
type Dispatcher struct {
	hooks []Hooks

	ch   chan job
	stop chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	dropped int
}

// NewDispatcher creates a Dispatcher with the given buffer size (0 uses
// the default of 1000, matching the teacher's span buffer).
func NewDispatcher(bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Dispatcher{
		ch:   make(chan job, bufferSize),
		stop: make(chan struct{}),
	}
}

// Register adds a Hooks sink. Must be called before Start.
func (d *Dispatcher) Register(h Hooks) {
	d.hooks = append(d.hooks, h)
}

// Start begins the background drain loop.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case j := <-d.ch:
			j()
		case <-d.stop:
			// Drain whatever is already buffered before exiting.
			for {
				select {
				case j := <-d.ch:
					j()
				default:
					return
				}
			}
		}
	}
}

// Stop drains buffered work and waits for the loop to exit. Calling it
// again after it has returned is a no-op.
func (d *Dispatcher) Stop() {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
	d.wg.Wait()
}

func (d *Dispatcher) enqueue(j job) {
	select {
	case d.ch <- j:
	default:
		d.mu.Lock()
		d.dropped++
		n := d.dropped
		d.mu.Unlock()
		slog.Warn("observer: dispatcher buffer full, dropping hook invocation", "dropped_total", n)
	}
}

// OnEvent fans e out to every registered sink.
func (d *Dispatcher) OnEvent(e eventlog.Event) {
	d.enqueue(func() {
		for _, h := range d.hooks {
			h.OnEvent(e)
		}
	})
}

// OnExecutionStarted fans the start notification out to every registered sink.
func (d *Dispatcher) OnExecutionStarted(executionID, jobID string, start time.Time) {
	d.enqueue(func() {
		for _, h := range d.hooks {
			h.OnExecutionStarted(executionID, jobID, start)
		}
	})
}

// OnExecutionFinished fans the finished record out to every registered sink.
func (d *Dispatcher) OnExecutionFinished(rec execlog.Record) {
	d.enqueue(func() {
		for _, h := range d.hooks {
			h.OnExecutionFinished(rec)
		}
	})
}

// WithTimeout runs fn with a context bounded by d, for calls that need a
// per-call deadline (e.g. a network upload); the Scheduler Core uses it to
// bound each archive upload so a stuck call cannot hold an execution open.
func WithTimeout(d time.Duration, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	fn(ctx)
}
