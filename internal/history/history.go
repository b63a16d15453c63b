package history

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"
)

// EventType defines the kind of supervision event.
type EventType string

const (
	EventStart     EventType = "start"
	EventStop      EventType = "stop"
	EventRestart   EventType = "restart"
	EventPollError EventType = "poll_error"
)

// Record describes the workload instance an event is about.
type Record struct {
	Name      string         `json:"name"`
	PID       int            `json:"pid"`
	StartedAt time.Time      `json:"started_at"`
	StoppedAt sql.NullTime   `json:"stopped_at"`
	ExitCode  int            `json:"exit_code"`
	ExitErr   sql.NullString `json:"exit_err"`
	// Commits lists the upstream commits behind a restart, newest first.
	Commits []string `json:"commits,omitempty"`
}

// Key identifies a workload instance across events (pid reuse safe).
func (r Record) Key() string { return UniqueKey(r.PID, r.StartedAt) }

// CommitList joins Commits for text columns.
func (r Record) CommitList() string { return strings.Join(r.Commits, ",") }

// UniqueKey builds the instance key from pid and start time.
func UniqueKey(pid int, startedAt time.Time) string {
	return strconv.Itoa(pid) + "@" + strconv.FormatInt(startedAt.UnixNano(), 36)
}

// Event represents a supervision event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	// Session identifies one run of the supervisor.
	Session string `json:"session"`
	Record  Record `json:"record"`
	// Message carries the error text of poll_error events.
	Message string `json:"message,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
