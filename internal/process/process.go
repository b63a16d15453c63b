package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Launch and stop failures. Both are wrapped with context and matched with errors.Is.
var (
	// ErrLaunch reports that the interpreter or working directory could not be used.
	ErrLaunch = errors.New("workload launch failed")
	// ErrTerminateTimeout reports that the grace period elapsed and the
	// process group was killed. The process has been reaped when it is returned.
	ErrTerminateTimeout = errors.New("grace period elapsed, process killed")
)

// waitDelay bounds how long Wait keeps copying output after the leader exits,
// in case a detached grandchild still holds the pipe.
const waitDelay = 2 * time.Second

// Process is the handle of one launched workload. It is created by Start and
// never reused: a restart produces a new Process. A single reaper goroutine
// owns cmd.Wait and closes Done once the OS has reported the exit.
type Process struct {
	spec    Spec
	cmd     *exec.Cmd
	pid     int
	started time.Time
	osStart int64
	closers []io.Closer
	done    chan struct{}

	mu        sync.Mutex
	exit      ExitResult
	stoppedAt time.Time
}

// Start launches spec.Command through the platform interpreter in its own
// process group. Output goes to spec.Stdout/spec.Stderr (the supervisor's
// stdio by default) and is additionally copied to rotated files when
// spec.Log is configured.
func Start(spec Spec) (*Process, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd)

	var stdout, stderr io.Writer = os.Stdout, os.Stderr
	if spec.Stdout != nil {
		stdout = spec.Stdout
	}
	if spec.Stderr != nil {
		stderr = spec.Stderr
	}
	var closers []io.Closer
	if spec.Log.Enabled() {
		outW, errW, err := spec.Log.Writers(logName(spec))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
		}
		if outW != nil {
			stdout = io.MultiWriter(stdout, outW)
			closers = append(closers, outW)
		}
		if errW != nil {
			stderr = io.MultiWriter(stderr, errW)
			closers = append(closers, errW)
		}
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		closeAll(closers)
		return nil, fmt.Errorf("%w: %q: %v", ErrLaunch, spec.Command, err)
	}

	p := &Process{
		spec:    spec,
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		started: time.Now(),
		closers: closers,
		done:    make(chan struct{}),
	}
	p.osStart = getProcStartUnix(p.pid)
	go p.reap()
	return p, nil
}

func logName(spec Spec) string {
	if spec.Name != "" {
		return spec.Name
	}
	return "workload"
}

func (p *Process) reap() {
	err := p.cmd.Wait()
	res := exitResultFrom(p.cmd.ProcessState, err)
	p.mu.Lock()
	p.exit = res
	p.stoppedAt = time.Now()
	p.mu.Unlock()
	closeAll(p.closers)
	close(p.done)
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}

// Terminate asks the process group to stop and waits up to grace for every
// member to exit, then kills the group. It returns only after the process is
// reaped and no member of its group was left running. Calling it on an
// exited process is a no-op. A non-nil error wraps ErrTerminateTimeout and is
// informational.
func (p *Process) Terminate(grace time.Duration) error {
	if p.Exited() {
		return nil
	}
	deadline := time.Now().Add(grace)
	if err := signalTerm(p.pid); err == nil && grace > 0 {
		t := time.NewTimer(grace)
		select {
		case <-p.done:
			t.Stop()
			// the leader is gone; members that ignore SIGTERM may not be
			if waitGroupGone(p.pid, deadline) {
				return nil
			}
		case <-t.C:
		}
	} else if p.Exited() {
		killGroup(p.pid)
		return nil
	}

	if p.Exited() {
		killGroup(p.pid)
	} else {
		_ = signalKill(p.pid)
		// the leader may have moved to another group
		_ = p.cmd.Process.Kill()
	}
	<-p.done
	killGroup(p.pid)
	return fmt.Errorf("%w: pid %d after %s", ErrTerminateTimeout, p.pid, grace)
}

const groupPollInterval = 20 * time.Millisecond

// waitGroupGone polls until the group led by pid is empty or deadline passes.
func waitGroupGone(pid int, deadline time.Time) bool {
	for groupAlive(pid) {
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(groupPollInterval)
	}
	return true
}

// Wait blocks until the process exits on its own. If ctx is cancelled first,
// the process is terminated (graceful, then forced after grace) before Wait
// returns ctx.Err().
func (p *Process) Wait(ctx context.Context, grace time.Duration) (ExitResult, error) {
	select {
	case <-p.done:
		return p.Exit(), nil
	case <-ctx.Done():
		_ = p.Terminate(grace)
		return p.Exit(), ctx.Err()
	}
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Exit returns the exit result; it is the zero value while running.
func (p *Process) Exit() ExitResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *Process) PID() int             { return p.pid }
func (p *Process) StartedAt() time.Time { return p.started }
func (p *Process) Command() string      { return p.spec.Command }

// OSStartTime is the start time reported by the OS in Unix seconds, 0 if unknown.
func (p *Process) OSStartTime() int64 { return p.osStart }

// ID identifies this handle. Two handles never share an ID even if the OS
// recycles the pid.
func (p *Process) ID() string {
	return strconv.Itoa(p.pid) + "@" + strconv.FormatInt(p.started.UnixNano(), 36)
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		Name:      p.spec.Name,
		PID:       p.pid,
		Running:   !p.Exited(),
		StartedAt: p.started,
		StoppedAt: p.stoppedAt,
	}
	if !st.Running {
		ex := p.exit
		st.Exit = &ex
	}
	return st
}

func exitResultFrom(ps *os.ProcessState, err error) ExitResult {
	res := ExitResult{Code: -1, Err: err}
	if ps == nil {
		return res
	}
	res.Code = ps.ExitCode()
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		res.Signal = ws.Signal().String()
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		// the code/signal above already carry it
		res.Err = nil
	}
	return res
}
