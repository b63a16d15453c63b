package process

import (
	"strconv"
	"time"
)

// ExitResult describes how a workload ended.
type ExitResult struct {
	Code   int    `json:"code"`             // -1 when killed by a signal
	Signal string `json:"signal,omitempty"` // signal name when killed by one
	Err    error  `json:"-"`                // wait failure other than a non-zero exit
}

// Success reports a clean zero exit.
func (e ExitResult) Success() bool { return e.Code == 0 && e.Signal == "" && e.Err == nil }

func (e ExitResult) String() string {
	switch {
	case e.Signal != "":
		return "signal: " + e.Signal
	case e.Err != nil:
		return "error: " + e.Err.Error()
	default:
		return "exit status " + strconv.Itoa(e.Code)
	}
}

// Status is a point-in-time view of a Process.
type Status struct {
	Name      string      `json:"name"`
	PID       int         `json:"pid"`
	Running   bool        `json:"running"`
	StartedAt time.Time   `json:"started_at"`
	StoppedAt time.Time   `json:"stopped_at,omitempty"`
	Exit      *ExitResult `json:"exit,omitempty"`
}
