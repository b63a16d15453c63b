// Package git is a thin wrapper around the git command line used by the
// change detector and the pull/setup commands.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrNotInstalled is returned when no git executable is on PATH.
var ErrNotInstalled = errors.New("git executable not found")

// Error is a failed git invocation.
type Error struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Repo runs git commands inside Dir.
type Repo struct {
	Dir string
	// Bin overrides the git executable; "git" when empty.
	Bin string
}

// Open returns a Repo rooted at dir.
func Open(dir string) *Repo { return &Repo{Dir: dir} }

func (r *Repo) bin() string {
	if r.Bin != "" {
		return r.Bin
	}
	return "git"
}

// Run executes git with args and returns trimmed stdout. git never prompts
// and always speaks the C locale so stderr can be classified.
func (r *Repo) Run(ctx context.Context, args ...string) (string, error) {
	bin, err := exec.LookPath(r.bin())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotInstalled, err)
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), "LC_ALL=C", "GIT_TERMINAL_PROMPT=0")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return "", &Error{Args: args, Stderr: stderr.String(), Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// IsRepository reports whether Dir is inside a git work tree. The error is
// non-nil only when git itself could not answer: it is not installed or ctx
// ended.
func (r *Repo) IsRepository(ctx context.Context) (bool, error) {
	if st, err := os.Stat(r.Dir); err != nil || !st.IsDir() {
		return false, nil
	}
	out, err := r.Run(ctx, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		if errors.Is(err, ErrNotInstalled) || ctx.Err() != nil {
			return false, err
		}
		return false, nil
	}
	return out == "true", nil
}

// Fetch updates the remote-tracking ref of branch. The work tree is untouched.
func (r *Repo) Fetch(ctx context.Context, remote, branch string) error {
	_, err := r.Run(ctx, "fetch", "--quiet", "--no-tags", remote, branch)
	return err
}

// RevParse resolves ref to a commit id. ok is false when ref does not exist.
func (r *Repo) RevParse(ctx context.Context, ref string) (id string, ok bool, err error) {
	out, err := r.Run(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		var gerr *Error
		if errors.As(err, &gerr) && ctx.Err() == nil && isExit(gerr.Err, 1) {
			return "", false, nil
		}
		return "", false, err
	}
	return out, true, nil
}

// RevList returns the commits reachable from to but not from from, newest first.
func (r *Repo) RevList(ctx context.Context, from, to string) ([]string, error) {
	out, err := r.Run(ctx, "rev-list", from+".."+to)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Fields(out), nil
}

// Pull merges the remote branch into the checked out branch.
// With ffOnly a diverged history is an error instead of a merge.
func (r *Repo) Pull(ctx context.Context, remote, branch string, ffOnly bool) error {
	args := []string{"pull", "--quiet"}
	if ffOnly {
		args = append(args, "--ff-only")
	}
	_, err := r.Run(ctx, append(args, remote, branch)...)
	return err
}

// Clone clones url at branch into dir and returns the new Repo.
func Clone(ctx context.Context, url, branch, dir string) (*Repo, error) {
	parentDir := filepath.Dir(dir)
	if err := os.MkdirAll(parentDir, 0o755); err != nil {
		return nil, err
	}
	parent := &Repo{Dir: parentDir}
	args := []string{"clone", "--quiet"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	if _, err := parent.Run(ctx, append(args, url, filepath.Base(dir))...); err != nil {
		return nil, err
	}
	return Open(dir), nil
}

// RepoName derives the checkout directory name from a clone URL.
func RepoName(url string) string {
	u := strings.TrimRight(strings.TrimSpace(url), "/")
	if i := strings.LastIndexAny(u, "/:"); i >= 0 {
		u = u[i+1:]
	}
	return strings.TrimSuffix(u, ".git")
}

func isExit(err error, code int) bool {
	var ee *exec.ExitError
	return errors.As(err, &ee) && ee.ExitCode() == code
}
