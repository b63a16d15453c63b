package detector

import (
	"context"
	"errors"
	"time"
)

// Poll failures. ErrRepositoryNotFound is fatal and only returned by Check;
// the other two are per-cycle and never stop supervision.
var (
	ErrRepositoryNotFound = errors.New("repository not found")
	ErrRemoteUnreachable  = errors.New("remote unreachable")
	ErrRepositoryState    = errors.New("repository in unexpected state")
)

// PollResult is the outcome of one poll.
type PollResult struct {
	Changed bool
	// Ahead is the number of commits the remote branch moved forward.
	Ahead int
	// Commits holds the new commit ids, newest first.
	Commits []string
	// Before and After are the remote-tracking tips around the fetch.
	// Before is empty when the branch was not tracked yet.
	Before string
	After  string

	ObservedAt time.Time
}

// Detector is a strategy that determines whether the upstream branch
// advanced since the previous poll. It must be safe for concurrent use.
type Detector interface {
	// Poll fetches the remote and reports new commits. A failed poll returns
	// a zero PollResult (Changed false) together with the error.
	Poll(ctx context.Context) (PollResult, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// PendingChecker is implemented by detectors that can tell, without fetching,
// whether the work tree lags behind what earlier polls already fetched.
type PendingChecker interface {
	Pending(ctx context.Context) (PollResult, error)
}
