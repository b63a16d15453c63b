package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/cdathome/internal/detector"
	"github.com/loykin/cdathome/internal/history"
	"github.com/loykin/cdathome/internal/process"
)

func TestRun_NaturalExitStopsWithoutRestart(t *testing.T) {
	d := &fakeDetector{}
	l := &fakeLauncher{}
	r := startSupervisor(t, testConfig(), d, l)

	require.Eventually(t, func() bool { return l.started() == 1 }, 2*time.Second, 5*time.Millisecond)
	h := l.handle(0)
	h.finish(process.ExitResult{Code: 3})

	require.NoError(t, r.wait(t))
	assert.Equal(t, StateStopped, r.sup.State())
	assert.Equal(t, 1, l.started())
	assert.Zero(t, h.terminations())

	st := r.sup.Status()
	require.NotNil(t, st.LastExit)
	assert.Equal(t, 3, st.LastExit.Code)
	assert.Zero(t, st.PID)
	assert.Nil(t, st.Workload)
}

// A restart request that arrives together with the workload's own exit must
// not bring the workload back.
func TestRun_ExitRacingRestartRequestStops(t *testing.T) {
	for i := 0; i < 25; i++ {
		d := &fakeDetector{script: func(n int) (detector.PollResult, error) {
			return changed(n), nil
		}}
		l := &fakeLauncher{exited: func(int) bool { return true }}
		r := startSupervisor(t, testConfig(), d, l)
		r.sup.Trigger()

		require.NoError(t, r.wait(t))
		assert.Equal(t, 1, l.started(), "iteration %d", i)
		st := r.sup.Status()
		assert.Zero(t, st.Restarts, "iteration %d", i)
		assert.Equal(t, StateStopped, st.State)
		require.NotNil(t, st.LastExit)
		assert.Equal(t, 0, st.LastExit.Code)
		r.cancel()
	}
}

func TestRun_ChangeReplacesHandleOnce(t *testing.T) {
	d := &fakeDetector{script: func(n int) (detector.PollResult, error) {
		if n == 2 {
			return changed(n), nil
		}
		return detector.PollResult{}, nil
	}}
	l := &fakeLauncher{}
	r := startSupervisor(t, testConfig(), d, l)

	require.Eventually(t, func() bool { return r.sup.Status().Restarts == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return d.polls() >= 5 }, 2*time.Second, 5*time.Millisecond)

	first, second := l.handle(0), l.handle(1)
	assert.Equal(t, 2, l.started())
	assert.Equal(t, 1, first.terminations())
	assert.Zero(t, second.terminations())
	assert.NotEqual(t, first.PID(), second.PID())

	st := r.sup.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, second.PID(), st.PID)
	assert.Equal(t, second.PID(), r.sup.CurrentPID())
	assert.Equal(t, changed(2).Commits, st.LastCommits)
	require.NotNil(t, st.Workload)
	assert.True(t, st.Workload.Running)

	r.cancel()
	require.NoError(t, r.wait(t))
	assert.Equal(t, 1, second.terminations())
	assert.Equal(t, 2, l.started())
}

func TestRun_PollSpacing(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 30 * time.Millisecond
	d := &fakeDetector{script: func(int) (detector.PollResult, error) {
		time.Sleep(5 * time.Millisecond)
		return detector.PollResult{}, nil
	}}
	l := &fakeLauncher{}
	r := startSupervisor(t, cfg, d, l)

	require.Eventually(t, func() bool { return d.polls() >= 5 }, 3*time.Second, 5*time.Millisecond)
	r.cancel()
	require.NoError(t, r.wait(t))

	starts, ends := d.timings()
	for i := 0; i+1 < len(starts) && i < len(ends); i++ {
		gap := starts[i+1].Sub(ends[i])
		assert.GreaterOrEqual(t, gap, cfg.PollInterval, "poll %d started %s after the previous ended", i+2, gap)
	}
}

func TestRun_FirstPollIsImmediate(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = time.Hour
	d := &fakeDetector{}
	l := &fakeLauncher{}
	startSupervisor(t, cfg, d, l)
	require.Eventually(t, func() bool { return d.polls() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestRun_NetworkErrorDoesNotRestart(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 20 * time.Millisecond
	d := &fakeDetector{script: func(int) (detector.PollResult, error) {
		return detector.PollResult{}, fmt.Errorf("%w: could not resolve host", detector.ErrRemoteUnreachable)
	}}
	l := &fakeLauncher{}
	r := startSupervisor(t, cfg, d, l)

	require.Eventually(t, func() bool { return d.polls() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, l.started())
	assert.Zero(t, l.handle(0).terminations())
	st := r.sup.Status()
	assert.Contains(t, st.LastPollError, "remote unreachable")
	assert.False(t, st.LastPollChanged)
	assert.Equal(t, StateRunning, st.State)

	starts, ends := d.timings()
	assert.GreaterOrEqual(t, starts[1].Sub(ends[0]), cfg.PollInterval)
}

func TestRun_DropsResultsWhileRestartInFlight(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 5 * time.Millisecond
	release := make(chan struct{})
	d := &fakeDetector{script: func(n int) (detector.PollResult, error) {
		if n >= 2 && n <= 6 {
			return changed(n), nil
		}
		return detector.PollResult{}, nil
	}}
	l := &fakeLauncher{gate: func(n int) {
		if n == 2 {
			<-release
		}
	}}
	r := startSupervisor(t, cfg, d, l)

	require.Eventually(t, func() bool { return r.sup.Status().DroppedRestarts >= 4 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRestarting, r.sup.State())
	assert.False(t, r.sup.Trigger(), "manual trigger is dropped while in flight")
	close(release)

	require.Eventually(t, func() bool { return l.started() == 2 && r.sup.State() == StateRunning }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return d.polls() >= 10 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, l.started(), "dropped results must not queue further restarts")
	assert.Equal(t, 1, r.sup.Status().Restarts)
	assert.Equal(t, 1, l.handle(0).terminations())
}

func TestRun_ExternalStop(t *testing.T) {
	d := &fakeDetector{}
	l := &fakeLauncher{}
	r := startSupervisor(t, testConfig(), d, l)

	require.Eventually(t, func() bool { return d.polls() >= 2 }, 2*time.Second, 5*time.Millisecond)
	r.cancel()
	require.NoError(t, r.wait(t))

	assert.Equal(t, 1, l.handle(0).terminations())
	assert.Equal(t, StateStopped, r.sup.State())

	polls := d.polls()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, polls, d.polls(), "poll goroutine must be gone after Run returns")
	assert.False(t, r.sup.Trigger())
}

func TestRun_CancelDuringCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.Cooldown = 10 * time.Second
	d := &fakeDetector{script: func(n int) (detector.PollResult, error) {
		if n == 1 {
			return changed(n), nil
		}
		return detector.PollResult{}, nil
	}}
	l := &fakeLauncher{}
	r := startSupervisor(t, cfg, d, l)

	require.Eventually(t, func() bool { return l.started() == 1 && l.handle(0).terminations() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRestarting, r.sup.State())
	began := time.Now()
	r.cancel()
	require.NoError(t, r.wait(t))
	assert.Less(t, time.Since(began), 2*time.Second)
	assert.Equal(t, 1, l.started())
}

func TestRun_RepositoryCheckFails(t *testing.T) {
	d := &fakeDetector{checkErr: fmt.Errorf("%w: /srv/app", detector.ErrRepositoryNotFound)}
	l := &fakeLauncher{}
	r := startSupervisor(t, testConfig(), d, l)

	err := r.wait(t)
	assert.ErrorIs(t, err, detector.ErrRepositoryNotFound)
	assert.Zero(t, l.started())
	assert.Equal(t, StateStopped, r.sup.State())
}

func TestRun_LaunchFailure(t *testing.T) {
	d := &fakeDetector{}
	l := &fakeLauncher{fail: func(int) error { return fmt.Errorf("%w: boom", process.ErrLaunch) }}
	r := startSupervisor(t, testConfig(), d, l)
	assert.ErrorIs(t, r.wait(t), process.ErrLaunch)
	assert.Zero(t, d.polls())
}

func TestRun_LaunchFailureOnRestartIsFatal(t *testing.T) {
	d := &fakeDetector{script: func(n int) (detector.PollResult, error) { return changed(n), nil }}
	l := &fakeLauncher{fail: func(n int) error {
		if n == 2 {
			return fmt.Errorf("%w: bad command", process.ErrLaunch)
		}
		return nil
	}}
	r := startSupervisor(t, testConfig(), d, l)

	assert.ErrorIs(t, r.wait(t), process.ErrLaunch)
	assert.Equal(t, 1, l.handle(0).terminations())
	assert.Equal(t, StateStopped, r.sup.State())
}

func TestTrigger(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = time.Hour
	d := &fakeDetector{}
	l := &fakeLauncher{}

	sup, err := New(cfg, WithDetector(d), WithLauncher(l.launch))
	require.NoError(t, err)
	assert.False(t, sup.Trigger(), "not running yet")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return sup.State() == StateRunning }, 2*time.Second, 5*time.Millisecond)
	require.True(t, sup.Trigger())
	require.Eventually(t, func() bool { return sup.Status().Restarts == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, l.started())

	cancel()
	require.NoError(t, <-errCh)
	assert.ErrorIs(t, sup.Run(context.Background()), ErrAlreadyRunning)
}

func TestRun_HooksAndPull(t *testing.T) {
	cfg := testConfig()
	cfg.PullBeforeRestart = true
	cfg.Hooks = process.LifecycleHooks{
		PreRestart: []process.Hook{
			{Name: "build", Command: "make"},
			{Name: "lint", Command: "lint", FailureMode: process.FailureModeIgnore},
		},
		PostRestart: []process.Hook{{Name: "notify", Command: "notify"}},
	}
	log := &eventLog{}
	d := &fakeDetector{script: func(n int) (detector.PollResult, error) {
		if n == 1 {
			return changed(n), nil
		}
		return detector.PollResult{}, nil
	}}
	l := &fakeLauncher{log: log}
	var pulls atomic.Int32
	r := startSupervisor(t, cfg, d, l,
		WithPuller(func(context.Context) error {
			pulls.Add(1)
			log.add("pull")
			return errors.New("diverged")
		}),
		WithHookRunner(func(_ context.Context, h process.Hook, workDir string, _ []string, _ io.Writer) error {
			log.add("hook:" + h.Name)
			assert.Equal(t, "/srv/app", workDir)
			if h.Name == "lint" {
				return errors.New("lint failed")
			}
			return nil
		}),
	)

	require.Eventually(t, func() bool { return len(log.list()) >= 6 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"start:1001", "pull", "hook:build", "hook:lint", "start:1002", "hook:notify"}, log.list())
	assert.EqualValues(t, 1, pulls.Load())
	r.cancel()
	require.NoError(t, r.wait(t))
}

func TestRun_FailingHookEndsSupervision(t *testing.T) {
	cfg := testConfig()
	cfg.Hooks = process.LifecycleHooks{
		PreRestart: []process.Hook{{Name: "migrate", Command: "migrate", FailureMode: process.FailureModeFail}},
	}
	d := &fakeDetector{script: func(n int) (detector.PollResult, error) { return changed(n), nil }}
	l := &fakeLauncher{}
	r := startSupervisor(t, cfg, d, l, WithHookRunner(func(context.Context, process.Hook, string, []string, io.Writer) error {
		return errors.New("exit status 1")
	}))

	err := r.wait(t)
	assert.ErrorIs(t, err, process.ErrHookFailed)
	assert.Contains(t, err.Error(), "migrate")
	assert.Equal(t, 1, l.started())
	assert.Equal(t, 1, l.handle(0).terminations())
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func TestRun_RecordsHistory(t *testing.T) {
	d := &fakeDetector{script: func(n int) (detector.PollResult, error) {
		switch n {
		case 1:
			return detector.PollResult{}, fmt.Errorf("%w: timeout", detector.ErrRemoteUnreachable)
		case 2:
			return changed(n), nil
		}
		return detector.PollResult{}, nil
	}}
	l := &fakeLauncher{}
	sink := &memSink{}
	rec := history.NewRecorder(nil, sink)
	r := startSupervisor(t, testConfig(), d, l, WithRecorder(rec))

	require.Eventually(t, func() bool { return r.sup.Status().Restarts == 1 }, 2*time.Second, 5*time.Millisecond)
	r.cancel()
	require.NoError(t, r.wait(t))
	require.NoError(t, rec.Close(context.Background()))

	var types []history.EventType
	for _, e := range sink.events {
		types = append(types, e.Type)
		assert.Equal(t, r.sup.Session(), e.Session)
	}
	assert.Equal(t, []history.EventType{
		history.EventStart, history.EventPollError, history.EventStop,
		history.EventStart, history.EventRestart, history.EventStop,
	}, types)
	assert.Equal(t, changed(2).Commits, sink.events[4].Record.Commits)
	assert.True(t, sink.events[2].Record.StoppedAt.Valid)
	assert.Equal(t, "signal: terminated", sink.events[2].Record.ExitErr.String)
}

func TestConfig_ValidateAndDefaults(t *testing.T) {
	err := Config{}.Validate()
	require.Error(t, err)
	for _, want := range []string{"repo dir", "branch", "command", "poll interval"} {
		assert.Contains(t, err.Error(), want)
	}

	cfg := testConfig().WithDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultName, cfg.Name)
	assert.Equal(t, DefaultRemote, cfg.Remote)
	assert.Equal(t, DefaultPollTimeout, cfg.PollTimeout)
	assert.Equal(t, cfg.RepoDir, cfg.WorkDir)

	bad := testConfig()
	bad.Hooks.PreRestart = []process.Hook{{Name: "x"}}
	_, err = New(bad)
	assert.ErrorContains(t, err, "requires command")
}

func TestState_Text(t *testing.T) {
	for _, s := range []State{StateStarting, StateRunning, StateRestarting, StateStopped} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var back State
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, s, back)
	}
	assert.Equal(t, "state(9)", State(9).String())
	var s State
	assert.Error(t, s.UnmarshalText([]byte("paused")))
}
