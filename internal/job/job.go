// Package job validates and loads job definitions from the jobs directory.
//
// A job file is a single UTF-8 JSON object naming a schedule and a task.
// Today only one task variant exists (execute_command); the Task type is a
// tagged variant so a new kind only needs a new parser branch here and a new
// executor in package executor — the scheduler never has to change.
package job

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// TaskExecuteCommand is the only task kind implemented today.
const TaskExecuteCommand = "execute_command"

// Task is the tagged-variant task descriptor.
type Task struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
}

// Definition is one validated job file.
type Definition struct {
	ID          string `json:"job_id"`
	Description string `json:"description,omitempty"`
	Schedule    string `json:"schedule"`
	Task        Task   `json:"task"`

	// SourcePath is the absolute file path this definition was loaded from.
	// Not part of the JSON wire format; set by Load.
	SourcePath string `json:"-"`
}

// ValidationError names the offending field so callers can log a precise
// INVALID_SCHEDULE / ERROR event (spec §4.1, §4.8).
type ValidationError struct {
	Path  string
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Path, e.Field, e.Msg)
}

// rawDefinition mirrors the wire format loosely enough to detect missing
// fields before committing to the strongly typed Definition. Schedule is
// kept as raw JSON because spec.md's wire format is a plain string
// (cron-5 or ISO-8601), while the supplemented "every" schedule kind
// (SPEC_FULL.md §12) can also be written as an explicit schedule object —
// both shapes decode through parseSchedule. A plain string is passed
// through unchanged, so "every:<duration>" is accepted as a string too.
type rawDefinition struct {
	ID          string          `json:"job_id"`
	Description string          `json:"description"`
	Schedule    json.RawMessage `json:"schedule"`
	Task        json.RawMessage `json:"task"`
}

// rawEverySchedule is the supplemented object form of the schedule field:
// {"kind": "every", "every_ms": 30000}.
type rawEverySchedule struct {
	Kind    string `json:"kind"`
	EveryMS int64  `json:"every_ms"`
}

// parseSchedule normalizes either wire shape into the canonical schedule
// string package schedule.Classify accepts: the cron/ISO-8601 string
// unchanged, or "every:<duration>" for the object form.
func parseSchedule(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var every rawEverySchedule
	if err := json.Unmarshal(raw, &every); err != nil {
		return "", &ValidationError{Field: "schedule", Msg: "must be a cron/ISO-8601 string or an {\"kind\":\"every\",...} object"}
	}
	if every.Kind != "every" {
		return "", &ValidationError{Field: "schedule.kind", Msg: fmt.Sprintf("unrecognized schedule kind %q", every.Kind)}
	}
	if every.EveryMS <= 0 {
		return "", &ValidationError{Field: "schedule.every_ms", Msg: "must be a positive number of milliseconds"}
	}
	return "every:" + (time.Duration(every.EveryMS) * time.Millisecond).String(), nil
}

type rawTask struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// Load reads path, decodes it as JSON, and validates it into a Definition.
// Unknown top-level fields are permitted and ignored (json.Unmarshal already
// does this by default). On any validation failure it returns a
// *ValidationError and the caller must leave the job's prior entry, if any,
// in force (spec §3, §7).
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("job: read %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, err
	}
	def.SourcePath = path
	return def, nil
}

// Parse validates raw JSON bytes into a Definition without touching disk.
func Parse(data []byte) (*Definition, error) {
	var raw rawDefinition
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ValidationError{Field: "job", Msg: fmt.Sprintf("invalid JSON: %s", err)}
	}

	if strings.TrimSpace(raw.ID) == "" {
		return nil, &ValidationError{Field: "job_id", Msg: "must be a non-empty string"}
	}
	if len(raw.Schedule) == 0 {
		return nil, &ValidationError{Field: "schedule", Msg: "is required"}
	}
	if len(raw.Task) == 0 {
		return nil, &ValidationError{Field: "task", Msg: "is required"}
	}

	schedule, err := parseSchedule(raw.Schedule)
	if err != nil {
		return nil, err
	}

	var rt rawTask
	if err := json.Unmarshal(raw.Task, &rt); err != nil {
		return nil, &ValidationError{Field: "task", Msg: fmt.Sprintf("invalid object: %s", err)}
	}

	task, err := validateTask(rt)
	if err != nil {
		return nil, err
	}

	return &Definition{
		ID:          raw.ID,
		Description: raw.Description,
		Schedule:    schedule,
		Task:        *task,
	}, nil
}

func validateTask(rt rawTask) (*Task, error) {
	switch rt.Type {
	case TaskExecuteCommand:
		if strings.TrimSpace(rt.Command) == "" {
			return nil, &ValidationError{Field: "task.command", Msg: "must be a non-empty string"}
		}
		// Validate the command tokenizes as a shell word list at load time
		// rather than failing at spawn time (spec §4.3 still runs it through
		// a real shell; this only rejects unbalanced quotes early).
		if _, err := shellwords.Parse(rt.Command); err != nil {
			return nil, &ValidationError{Field: "task.command", Msg: fmt.Sprintf("not a valid shell command: %s", err)}
		}
		return &Task{Type: rt.Type, Command: rt.Command}, nil
	case "":
		return nil, &ValidationError{Field: "task.type", Msg: "is required"}
	default:
		return nil, &ValidationError{Field: "task.type", Msg: fmt.Sprintf("unrecognized task type %q", rt.Type)}
	}
}

// Equal reports whether two definitions are equivalent for the purposes of
// Scheduler Core's add() no-op / UPDATE / SCHEDULE_CHANGE classification
// (spec §4.6): same schedule string and same task.
func (d *Definition) Equal(other *Definition) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.Schedule == other.Schedule && d.Task == other.Task
}

// Marshal renders a Definition back to indented JSON, used by the
// round-trip property in spec §8 and by any tooling that rewrites a job
// file programmatically.
func (d *Definition) Marshal() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}
