package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loykin/cdathome/internal/git"
)

const defaultPollTimeout = 30 * time.Second

// networkSignatures are stderr fragments git prints when the remote cannot be
// reached. git runs with LC_ALL=C so these are stable.
var networkSignatures = []string{
	"could not resolve host",
	"unable to access",
	"connection timed out",
	"connection refused",
	"could not read from remote repository",
	"network is unreachable",
	"operation timed out",
	"failed to connect",
	"no route to host",
	"ssh: connect to host",
	"early eof",
	"the remote end hung up",
}

// GitDetector compares the remote-tracking ref of Branch before and after a
// `git fetch`. It never touches the work tree, so a change is reported once
// per remote movement however many times it polls.
type GitDetector struct {
	RepoDir string
	Branch  string
	Remote  string
	// Timeout bounds a single poll; 30s when zero.
	Timeout time.Duration
	Logger  *slog.Logger

	mu   sync.Mutex
	repo *git.Repo
}

// NewGitDetector returns a detector for branch of the checkout in repoDir.
func NewGitDetector(repoDir, remote, branch string) *GitDetector {
	return &GitDetector{RepoDir: repoDir, Remote: remote, Branch: branch}
}

func (d *GitDetector) git() *git.Repo {
	if d.repo == nil {
		d.repo = git.Open(d.RepoDir)
	}
	return d.repo
}

func (d *GitDetector) remote() string {
	if d.Remote == "" {
		return "origin"
	}
	return d.Remote
}

func (d *GitDetector) trackingRef() string {
	return "refs/remotes/" + d.remote() + "/" + d.Branch
}

func (d *GitDetector) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Describe implements Detector.
func (d *GitDetector) Describe() string {
	return "git:" + d.RepoDir + "@" + d.remote() + "/" + d.Branch
}

// Check verifies RepoDir is a git work tree. It wraps ErrRepositoryNotFound,
// or returns the git error itself when git could not be run at all.
func (d *GitDetector) Check(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ok, err := d.git().IsRepository(ctx)
	if err != nil {
		return fmt.Errorf("check %s: %w", d.RepoDir, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrRepositoryNotFound, d.RepoDir)
	}
	return nil
}

// Poll implements Detector. Concurrent polls are serialized.
func (d *GitDetector) Poll(ctx context.Context) (PollResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	repo := d.git()
	ref := d.trackingRef()

	before, known, err := repo.RevParse(ctx, ref)
	if err != nil {
		return PollResult{}, classify(err)
	}
	if err := repo.Fetch(ctx, d.remote(), d.Branch); err != nil {
		return PollResult{}, classify(err)
	}
	after, ok, err := repo.RevParse(ctx, ref)
	if err != nil {
		return PollResult{}, classify(err)
	}
	if !ok {
		return PollResult{}, fmt.Errorf("%w: %s missing after fetch", ErrRepositoryState, ref)
	}

	res := PollResult{Before: before, After: after, ObservedAt: time.Now()}
	if known && before == after {
		return res, nil
	}
	from := before
	if !known {
		// first sighting of the branch: count what HEAD does not have yet
		from = "HEAD"
	}
	commits, err := repo.RevList(ctx, from, after)
	if err != nil {
		return PollResult{}, classify(err)
	}
	res.Commits = commits
	res.Ahead = len(commits)
	res.Changed = res.Ahead > 0
	d.logger().Debug("poll finished", "branch", d.Branch, "before", short(before), "after", short(after), "ahead", res.Ahead)
	return res, nil
}

// Pending reports the commits of the remote-tracking branch that HEAD does
// not contain, without fetching. Poll moves the tracking ref as soon as it
// sees new commits, so commits fetched while a restart was pulling are only
// visible this way.
func (d *GitDetector) Pending(ctx context.Context) (PollResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	repo := d.git()
	tip, ok, err := repo.RevParse(ctx, d.trackingRef())
	if err != nil {
		return PollResult{}, classify(err)
	}
	if !ok {
		return PollResult{}, nil
	}
	head, _, err := repo.RevParse(ctx, "HEAD")
	if err != nil {
		return PollResult{}, classify(err)
	}
	res := PollResult{Before: head, After: tip, ObservedAt: time.Now()}
	if head == tip {
		return res, nil
	}
	commits, err := repo.RevList(ctx, "HEAD", tip)
	if err != nil {
		return PollResult{}, classify(err)
	}
	res.Commits = commits
	res.Ahead = len(commits)
	res.Changed = res.Ahead > 0
	return res, nil
}

// classify maps a git failure onto ErrRemoteUnreachable or ErrRepositoryState.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrRemoteUnreachable, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var gerr *git.Error
	if errors.As(err, &gerr) {
		stderr := strings.ToLower(gerr.Stderr)
		for _, sig := range networkSignatures {
			if strings.Contains(stderr, sig) {
				return fmt.Errorf("%w: %v", ErrRemoteUnreachable, err)
			}
		}
	}
	return fmt.Errorf("%w: %v", ErrRepositoryState, err)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
