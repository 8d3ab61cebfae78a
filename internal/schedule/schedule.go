// Package schedule classifies a job's schedule string and computes fire
// times for it (spec §4.2). Three kinds are supported: OneTime (an ISO 8601
// instant), Recurring (a five-field cron expression, via gronx), and Every
// (a fixed millisecond interval) — the last one is a supplement beyond
// spec.md's two wire kinds, written either as an explicit schedule object
// (see SPEC_FULL.md §12) or as an "every:<duration>" string. Neither form
// is a valid cron expression or ISO-8601 instant, so it never interferes
// with spec.md's classification rule.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// everyPrefix marks the canonical string encoding of a KindEvery schedule
// (e.g. "every:5s"), used both as Definition.Marshal's round-trip
// representation and, transparently, as an alternate direct-string form of
// the supplement described in SPEC_FULL.md §12.
const everyPrefix = "every:"

// Kind names a classified schedule strategy.
type Kind string

const (
	KindOneTime   Kind = "one_time"
	KindRecurring Kind = "recurring"
	KindEvery     Kind = "every"
)

// catchUpWindow bounds how far in the past a recomputed recurring
// next_fire_time may fall before the entry "catches up" to now instead of
// firing a backlog of missed ticks (spec §4.2).
const catchUpWindow = time.Minute

// Strategy is the classified, stateful schedule for one entry.
type Strategy struct {
	Kind Kind
	Expr string // original schedule string, for diagnostics and SCHEDULE_CHANGE events

	once      time.Time     // KindOneTime
	everyStep time.Duration // KindEvery
}

// Classify parses a schedule string per spec §4.2: try ISO 8601 first
// (One-Time), then five-field cron (Recurring). Ambiguity does not arise
// because cron expressions contain whitespace, which ISO 8601 parsing
// rejects.
func Classify(raw string) (*Strategy, error) {
	if step, ok := strings.CutPrefix(raw, everyPrefix); ok {
		d, err := time.ParseDuration(step)
		if err != nil {
			return nil, fmt.Errorf("schedule: invalid every interval %q: %w", step, err)
		}
		return Every(d)
	}

	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return &Strategy{Kind: KindOneTime, Expr: raw, once: t.UTC()}, nil
	}

	gx := gronx.New()
	if gx.IsValid(raw) {
		return &Strategy{Kind: KindRecurring, Expr: raw}, nil
	}

	return nil, fmt.Errorf("schedule: %q is neither a valid ISO 8601 instant nor a valid five-field cron expression", raw)
}

// Every builds the supplemented fixed-interval strategy.
func Every(d time.Duration) (*Strategy, error) {
	if d <= 0 {
		return nil, fmt.Errorf("schedule: every interval must be positive, got %s", d)
	}
	return &Strategy{Kind: KindEvery, Expr: everyPrefix + d.String(), everyStep: d}, nil
}

// FirstFireAfter returns the first fire time strictly after now, and for
// One-Time schedules whether that instant is already in the past
// (SKIPPED_PAST_DUE, spec §4.2).
func (s *Strategy) FirstFireAfter(now time.Time) (next time.Time, pastDue bool, err error) {
	switch s.Kind {
	case KindOneTime:
		return s.once, !s.once.After(now), nil
	case KindRecurring:
		next, err = gronx.NextTickAfter(s.Expr, now, false)
		return next, false, err
	case KindEvery:
		return now.Add(s.everyStep), false, nil
	default:
		return time.Time{}, false, fmt.Errorf("schedule: unknown kind %q", s.Kind)
	}
}

// Advance computes the next fire time after a prior firing. Per spec §4.2,
// recurring schedules advance from the prior next_fire_time (not from
// "now") so a delayed tick doesn't lose ground — unless that would put the
// next fire time more than catchUpWindow behind now, in which case the
// entry catches up to the earliest tick after now and catchUp reports true
// (SCHEDULE_CATCHUP).
func (s *Strategy) Advance(prior, now time.Time) (next time.Time, catchUp bool, err error) {
	switch s.Kind {
	case KindOneTime:
		// One-time entries are removed by the scheduler after firing; callers
		// should not call Advance for them, but return the same instant so a
		// stray call is harmless rather than a panic.
		return s.once, false, nil
	case KindRecurring:
		next, err = gronx.NextTickAfter(s.Expr, prior, false)
		if err != nil {
			return time.Time{}, false, err
		}
		if next.Before(now.Add(-catchUpWindow)) {
			next, err = gronx.NextTickAfter(s.Expr, now, false)
			return next, true, err
		}
		return next, false, nil
	case KindEvery:
		next = prior.Add(s.everyStep)
		if next.Before(now.Add(-catchUpWindow)) {
			// Keep stepping forward rather than firing a long backlog.
			missed := now.Sub(next)
			steps := missed/s.everyStep + 1
			return next.Add(steps * s.everyStep), true, nil
		}
		return next, false, nil
	default:
		return time.Time{}, false, fmt.Errorf("schedule: unknown kind %q", s.Kind)
	}
}

// IsOneTime reports whether the entry should be removed after a single
// firing (spec §3 "Scheduled Entry" lifecycle, §4.6 state machine).
func (s *Strategy) IsOneTime() bool {
	return s.Kind == KindOneTime
}
