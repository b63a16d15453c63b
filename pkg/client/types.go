package client

import "time"

// Status mirrors the body of GET {base}/status.
type Status struct {
	Session         string     `json:"session"`
	State           string     `json:"state"`
	Detector        string     `json:"detector"`
	PID             int        `json:"pid,omitempty"`
	StartedAt       time.Time  `json:"started_at,omitempty"`
	Restarts        int        `json:"restarts"`
	DroppedRestarts int        `json:"dropped_restarts"`
	LastPoll        time.Time  `json:"last_poll,omitempty"`
	LastPollChanged bool       `json:"last_poll_changed"`
	LastCommits     []string   `json:"last_commits,omitempty"`
	LastPollError   string     `json:"last_poll_error,omitempty"`
	LastExit        *ExitInfo  `json:"last_exit,omitempty"`
	Resources       *Resources `json:"resources,omitempty"`
}

// ExitInfo describes how the previous workload ended.
type ExitInfo struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// Resources is the latest workload resource sample.
type Resources struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds"`
	Timestamp  time.Time `json:"timestamp"`
}

// RestartResult is the body of POST {base}/restart.
type RestartResult struct {
	Accepted bool   `json:"accepted"`
	State    string `json:"state"`
	Error    string `json:"error,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
