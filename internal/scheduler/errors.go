package scheduler

import "errors"

var (
	// ErrClosed is returned by Add/Remove once Stop() has completed (spec §4.6:
	// "the core rejects further add/remove with a closed-state error").
	ErrClosed = errors.New("scheduler: closed")

	// ErrNotFound is returned when a job id has no live entry.
	ErrNotFound = errors.New("scheduler: job not found")
)
