// Package supervisor keeps a workload running from a git checkout and
// restarts it whenever the upstream branch advances.
package supervisor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/cdathome/internal/detector"
	"github.com/loykin/cdathome/internal/git"
	"github.com/loykin/cdathome/internal/history"
	"github.com/loykin/cdathome/internal/metrics"
	"github.com/loykin/cdathome/internal/process"
)

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("supervisor already running")

// Handle is a launched workload. *process.Process implements it.
type Handle interface {
	Done() <-chan struct{}
	Terminate(grace time.Duration) error
	Exit() process.ExitResult
	PID() int
	StartedAt() time.Time
	Snapshot() process.Status
}

// Launcher starts a workload from spec.
type Launcher func(spec process.Spec) (Handle, error)

// HookRunner runs one lifecycle hook to completion.
type HookRunner func(ctx context.Context, h process.Hook, workDir string, env []string, out io.Writer) error

func startProcess(spec process.Spec) (Handle, error) {
	p, err := process.Start(spec)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// checker is implemented by detectors that can verify their repository up front.
type checker interface {
	Check(ctx context.Context) error
}

type restartRequest struct {
	trigger string // "update" or "manual"
	result  detector.PollResult
	// pending marks a request raised for commits fetched during a restart.
	pending bool
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	Session         string              `json:"session"`
	State           State               `json:"state"`
	Detector        string              `json:"detector"`
	PID             int                 `json:"pid,omitempty"`
	StartedAt       time.Time           `json:"started_at,omitempty"`
	Restarts        int                 `json:"restarts"`
	DroppedRestarts int                 `json:"dropped_restarts"`
	LastPoll        time.Time           `json:"last_poll,omitempty"`
	LastPollChanged bool                `json:"last_poll_changed"`
	LastCommits     []string            `json:"last_commits,omitempty"`
	LastPollError   string              `json:"last_poll_error,omitempty"`
	LastExit        *process.ExitResult `json:"last_exit,omitempty"`
	Workload        *process.Status     `json:"workload,omitempty"`
}

// Supervisor owns one workload at a time. The handle is written only by the
// goroutine executing Run; the poll goroutine talks to it through restartCh.
type Supervisor struct {
	cfg      Config
	session  string
	logger   *slog.Logger
	detector detector.Detector
	launch   Launcher
	pull     func(ctx context.Context) error
	runHook  HookRunner
	hookOut  io.Writer
	recorder *history.Recorder

	restartCh chan restartRequest
	inFlight  atomic.Bool
	started   atomic.Bool
	quit      chan struct{}

	// pulled is set by restart when the pre-restart pull succeeded. Run
	// goroutine only.
	pulled bool

	mu     sync.Mutex
	state  State
	cur    Handle
	status Status
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger; slog.Default() otherwise.
func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.logger = l } }

// WithDetector replaces the git detector built from Config.
func WithDetector(d detector.Detector) Option { return func(s *Supervisor) { s.detector = d } }

// WithLauncher replaces process.Start.
func WithLauncher(l Launcher) Option { return func(s *Supervisor) { s.launch = l } }

// WithPuller replaces `git pull --ff-only` used when PullBeforeRestart is set.
func WithPuller(f func(ctx context.Context) error) Option { return func(s *Supervisor) { s.pull = f } }

// WithHookRunner replaces process.RunHook.
func WithHookRunner(r HookRunner) Option { return func(s *Supervisor) { s.runHook = r } }

// WithHookOutput sets where hook output goes; os.Stdout otherwise.
func WithHookOutput(w io.Writer) Option { return func(s *Supervisor) { s.hookOut = w } }

// WithRecorder sends lifecycle events to history sinks.
func WithRecorder(r *history.Recorder) Option { return func(s *Supervisor) { s.recorder = r } }

// New validates cfg and builds a supervisor. It starts nothing.
func New(cfg Config, opts ...Option) (*Supervisor, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid supervisor config: %w", err)
	}
	s := &Supervisor{
		cfg:       cfg,
		session:   uuid.NewString(),
		launch:    startProcess,
		runHook:   process.RunHook,
		restartCh: make(chan restartRequest),
		quit:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("session", s.session[:8])
	if s.detector == nil {
		d := detector.NewGitDetector(cfg.RepoDir, cfg.Remote, cfg.Branch)
		d.Timeout = cfg.PollTimeout
		d.Logger = s.logger
		s.detector = d
	}
	if s.pull == nil {
		repo := git.Open(cfg.RepoDir)
		s.pull = func(ctx context.Context) error {
			return repo.Pull(ctx, cfg.Remote, cfg.Branch, true)
		}
	}
	s.status = Status{Session: s.session, State: StateStarting, Detector: s.detector.Describe()}
	return s, nil
}

// Session returns the id attached to this supervisor's logs and history events.
func (s *Supervisor) Session() string { return s.session }

// Config returns the effective configuration.
func (s *Supervisor) Config() Config { return s.cfg }

// Run supervises until ctx is cancelled or the workload exits on its own.
// Both end with a nil error and no child left running. A failed repository
// check, a failed launch or a failing hook with failure_mode "fail" end
// supervision with an error.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.quit)
	defer s.setState(StateStopped)

	if c, ok := s.detector.(checker); ok {
		if err := c.Check(ctx); err != nil {
			return err
		}
	}
	cur, err := s.start()
	if err != nil {
		return err
	}
	s.setState(StateRunning)

	pollCtx, cancelPoll := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pollLoop(pollCtx)
	}()
	defer func() {
		cancelPoll()
		wg.Wait()
	}()

	var pending *restartRequest
	for {
		var req restartRequest
		if pending != nil && ctx.Err() == nil && !exitedNow(cur) && s.inFlight.CompareAndSwap(false, true) {
			req = *pending
			pending = nil
		} else {
			pending = nil
			select {
			case <-ctx.Done():
				s.logger.Info("shutting down")
				s.stop(cur)
				return nil
			case <-cur.Done():
				s.exited(cur)
				return nil
			case req = <-s.restartCh:
				if exitedNow(cur) {
					// the workload ended on its own while the request was in transit
					s.inFlight.Store(false)
					s.exited(cur)
					return nil
				}
			}
		}

		next, err := s.restart(ctx, cur, req)
		s.inFlight.Store(false)
		if err != nil {
			return err
		}
		if next == nil {
			// cancelled mid-restart; the old workload is already gone
			return nil
		}
		cur = next
		if s.pulled {
			pending = s.pendingUpdate(ctx, req)
		}
	}
}

func exitedNow(h Handle) bool {
	select {
	case <-h.Done():
		return true
	default:
		return false
	}
}

// pendingUpdate reports commits that were fetched after the restart pulled.
// Polls that fetched them were dropped while the restart was in flight and
// the tracking ref has moved since, so no later poll reports them again.
func (s *Supervisor) pendingUpdate(ctx context.Context, prev restartRequest) *restartRequest {
	pc, ok := s.detector.(detector.PendingChecker)
	if !ok {
		return nil
	}
	res, err := pc.Pending(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("could not compare checkout with upstream", "error", err)
		}
		return nil
	}
	if !res.Changed || (prev.pending && res.After == prev.result.After) {
		return nil
	}
	s.logger.Info("checkout behind fetched upstream, restarting again",
		"branch", s.cfg.Branch, "ahead", res.Ahead, "head", shortID(res.After))
	return &restartRequest{trigger: "update", result: res, pending: true}
}

// Trigger asks for a restart now. It reports false when supervision is not
// running or a restart is already in flight.
func (s *Supervisor) Trigger() bool {
	if st := s.State(); st != StateRunning && st != StateRestarting {
		return false
	}
	return s.requestRestart(s.quit, restartRequest{trigger: "manual"})
}

func (s *Supervisor) requestRestart(cancel <-chan struct{}, req restartRequest) bool {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.logger.Debug("restart already in flight, dropping request", "trigger", req.trigger)
		metrics.IncDroppedRestart()
		s.mu.Lock()
		s.status.DroppedRestarts++
		s.mu.Unlock()
		return false
	}
	select {
	case s.restartCh <- req:
		return true
	case <-cancel:
		s.inFlight.Store(false)
		return false
	}
}

func (s *Supervisor) pollLoop(ctx context.Context) {
	for {
		s.poll(ctx)
		t := time.NewTimer(s.cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (s *Supervisor) poll(ctx context.Context) {
	began := time.Now()
	res, err := s.detector.Poll(ctx)
	if ctx.Err() != nil {
		return
	}
	took := time.Since(began).Seconds()

	s.mu.Lock()
	s.status.LastPoll = time.Now()
	s.status.LastPollChanged = err == nil && res.Changed
	if err != nil {
		s.status.LastPollError = err.Error()
	} else {
		s.status.LastPollError = ""
		if res.Changed {
			s.status.LastCommits = res.Commits
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("poll failed, will retry", "branch", s.cfg.Branch, "error", err)
		metrics.ObservePoll("error", took, 0)
		s.record(history.EventPollError, history.Record{Name: s.cfg.Name}, err.Error())
		return
	}
	if !res.Changed {
		s.logger.Debug("no changes", "branch", s.cfg.Branch)
		metrics.ObservePoll("unchanged", took, 0)
		return
	}
	metrics.ObservePoll("changed", took, res.Ahead)
	s.requestRestart(ctx.Done(), restartRequest{trigger: "update", result: res})
}

// restart replaces cur. It returns a nil handle and nil error when ctx is
// cancelled after cur was stopped.
func (s *Supervisor) restart(ctx context.Context, cur Handle, req restartRequest) (Handle, error) {
	s.setState(StateRestarting)
	if req.trigger == "update" {
		s.logger.Info("changes detected, restarting",
			"branch", s.cfg.Branch, "ahead", req.result.Ahead, "head", shortID(req.result.After))
	} else {
		s.logger.Info("restart requested")
	}
	metrics.IncRestart(req.trigger)
	s.stop(cur)
	s.pulled = false

	if s.cfg.Cooldown > 0 {
		t := time.NewTimer(s.cfg.Cooldown)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, nil
		case <-t.C:
		}
	}
	if s.cfg.PullBeforeRestart {
		if err := s.pull(ctx); err != nil {
			s.logger.Warn("pull failed, starting current checkout", "error", err)
		} else {
			s.pulled = true
		}
	}
	if err := s.hooks(ctx, process.PhasePreRestart); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, nil
	}

	next, err := s.start()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.status.Restarts++
	s.mu.Unlock()
	s.record(history.EventRestart, recordOf(next, req.result.Commits), "")
	s.setState(StateRunning)

	if err := s.hooks(ctx, process.PhasePostRestart); err != nil {
		s.stop(next)
		return nil, err
	}
	return next, nil
}

func (s *Supervisor) hooks(ctx context.Context, phase process.LifecyclePhase) error {
	for _, h := range s.cfg.Hooks.ForPhase(phase) {
		s.logger.Info("running hook", "phase", phase, "hook", h.Name)
		err := s.runHook(ctx, h, s.cfg.WorkDir, s.cfg.Env, s.hookOut)
		if err == nil {
			continue
		}
		if h.FailureMode == process.FailureModeFail {
			return fmt.Errorf("%w: %s %s: %v", process.ErrHookFailed, phase, h.Name, err)
		}
		s.logger.Warn("hook failed, continuing", "phase", phase, "hook", h.Name, "error", err)
	}
	return nil
}

func (s *Supervisor) start() (Handle, error) {
	h, err := s.launch(s.cfg.ProcessSpec())
	if err != nil {
		s.logger.Error("failed to start workload", "command", s.cfg.Command, "error", err)
		return nil, err
	}
	s.mu.Lock()
	s.cur = h
	s.status.PID = h.PID()
	s.status.StartedAt = h.StartedAt()
	s.mu.Unlock()
	metrics.IncStart(s.cfg.Name)
	s.logger.Info("workload started", "pid", h.PID(), "command", s.cfg.Command)
	s.record(history.EventStart, recordOf(h, nil), "")
	return h, nil
}

// stop terminates h within the grace period and returns once it is reaped.
func (s *Supervisor) stop(h Handle) {
	began := time.Now()
	err := h.Terminate(s.cfg.GracePeriod)
	how := "terminated"
	if errors.Is(err, process.ErrTerminateTimeout) {
		how = "killed"
		s.logger.Warn("workload ignored terminate, killed", "pid", h.PID(), "grace", s.cfg.GracePeriod)
	} else if err != nil {
		s.logger.Warn("terminate failed", "pid", h.PID(), "error", err)
	}
	metrics.ObserveStopDuration(s.cfg.Name, time.Since(began).Seconds())
	s.finished(h, how)
}

func (s *Supervisor) exited(h Handle) {
	res := h.Exit()
	if res.Success() {
		s.logger.Info("workload exited, supervision ends", "pid", h.PID(), "result", res.String())
	} else {
		s.logger.Warn("workload exited, supervision ends", "pid", h.PID(), "result", res.String())
	}
	s.finished(h, "exited")
}

func (s *Supervisor) finished(h Handle, how string) {
	res := h.Exit()
	metrics.IncStop(s.cfg.Name, how)
	s.mu.Lock()
	s.status.LastExit = &res
	if s.cur == h {
		s.cur = nil
		s.status.PID = 0
	}
	s.mu.Unlock()
	s.record(history.EventStop, recordOf(h, nil), "")
}

func (s *Supervisor) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.status.State = to
	s.mu.Unlock()
	if from != to {
		metrics.RecordStateTransition(from.String(), to.String())
	}
	metrics.SetCurrentState(to.String(), stateNames)
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot safe to use from any goroutine.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.LastCommits = append([]string(nil), s.status.LastCommits...)
	if s.status.LastExit != nil {
		ex := *s.status.LastExit
		st.LastExit = &ex
	}
	if s.cur != nil {
		w := s.cur.Snapshot()
		st.Workload = &w
	}
	return st
}

// CurrentPID returns the pid of the running workload, 0 when none.
func (s *Supervisor) CurrentPID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.PID
}

func (s *Supervisor) record(t history.EventType, rec history.Record, msg string) {
	s.recorder.Record(history.Event{
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Session:    s.session,
		Record:     rec,
		Message:    msg,
	})
}

func recordOf(h Handle, commits []string) history.Record {
	st := h.Snapshot()
	rec := history.Record{
		Name:      st.Name,
		PID:       st.PID,
		StartedAt: st.StartedAt,
		Commits:   commits,
	}
	if st.Exit != nil {
		rec.StoppedAt = sql.NullTime{Time: st.StoppedAt, Valid: !st.StoppedAt.IsZero()}
		rec.ExitCode = st.Exit.Code
		if !st.Exit.Success() {
			rec.ExitErr = sql.NullString{String: st.Exit.String(), Valid: true}
		}
	}
	return rec
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
