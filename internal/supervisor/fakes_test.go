package supervisor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/cdathome/internal/detector"
	"github.com/loykin/cdathome/internal/process"
)

type fakeHandle struct {
	pid     int
	started time.Time
	done    chan struct{}
	once    sync.Once

	mu        sync.Mutex
	calls     int // Terminate calls on a live handle
	exit      process.ExitResult
	stoppedAt time.Time
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{pid: pid, started: time.Now(), done: make(chan struct{})}
}

func (h *fakeHandle) finish(res process.ExitResult) {
	h.once.Do(func() {
		h.mu.Lock()
		h.exit = res
		h.stoppedAt = time.Now()
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Terminate(time.Duration) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	h.finish(process.ExitResult{Code: -1, Signal: "terminated"})
	return nil
}

func (h *fakeHandle) terminations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *fakeHandle) Exit() process.ExitResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit
}

func (h *fakeHandle) PID() int             { return h.pid }
func (h *fakeHandle) StartedAt() time.Time { return h.started }

func (h *fakeHandle) Snapshot() process.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := process.Status{Name: "fake", PID: h.pid, StartedAt: h.started, StoppedAt: h.stoppedAt}
	select {
	case <-h.done:
		ex := h.exit
		st.Exit = &ex
	default:
		st.Running = true
	}
	return st
}

type fakeLauncher struct {
	mu      sync.Mutex
	specs   []process.Spec
	handles []*fakeHandle
	// gate runs before the n-th launch returns (1-based)
	gate func(n int)
	fail func(n int) error
	// exited reports whether the n-th workload ends as soon as it starts
	exited func(n int) bool
	log    *eventLog
}

func (l *fakeLauncher) launch(spec process.Spec) (Handle, error) {
	l.mu.Lock()
	l.specs = append(l.specs, spec)
	n := len(l.specs)
	l.mu.Unlock()
	if l.gate != nil {
		l.gate(n)
	}
	if l.fail != nil {
		if err := l.fail(n); err != nil {
			return nil, err
		}
	}
	h := newFakeHandle(1000 + n)
	if l.exited != nil && l.exited(n) {
		h.finish(process.ExitResult{Code: 0})
	}
	l.mu.Lock()
	l.handles = append(l.handles, h)
	l.mu.Unlock()
	l.log.add(fmt.Sprintf("start:%d", h.pid))
	return h, nil
}

func (l *fakeLauncher) started() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

func (l *fakeLauncher) handle(i int) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[i]
}

type fakeDetector struct {
	mu       sync.Mutex
	script   func(n int) (detector.PollResult, error)
	starts   []time.Time
	ends     []time.Time
	checkErr error
}

func (d *fakeDetector) Poll(ctx context.Context) (detector.PollResult, error) {
	d.mu.Lock()
	d.starts = append(d.starts, time.Now())
	n := len(d.starts)
	d.mu.Unlock()
	var (
		res detector.PollResult
		err error
	)
	if d.script != nil {
		res, err = d.script(n)
	}
	d.mu.Lock()
	d.ends = append(d.ends, time.Now())
	d.mu.Unlock()
	return res, err
}

func (d *fakeDetector) Describe() string { return "fake" }

func (d *fakeDetector) Check(context.Context) error { return d.checkErr }

func (d *fakeDetector) polls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ends)
}

func (d *fakeDetector) timings() (starts, ends []time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.starts...), append([]time.Time(nil), d.ends...)
}

func changed(n int) detector.PollResult {
	id := fmt.Sprintf("%040d", n)
	return detector.PollResult{Changed: true, Ahead: 1, Commits: []string{id}, After: id, ObservedAt: time.Now()}
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) add(s string) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.events = append(e.events, s)
	e.mu.Unlock()
}

func (e *eventLog) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

func testConfig() Config {
	return Config{
		RepoDir:      "/srv/app",
		Branch:       "main",
		Command:      "serve",
		PollInterval: 10 * time.Millisecond,
		GracePeriod:  time.Second,
	}
}

type running struct {
	sup    *Supervisor
	cancel context.CancelFunc
	errCh  chan error
}

func startSupervisor(t *testing.T, cfg Config, d *fakeDetector, l *fakeLauncher, opts ...Option) *running {
	t.Helper()
	opts = append([]Option{WithDetector(d), WithLauncher(l.launch)}, opts...)
	sup, err := New(cfg, opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{sup: sup, cancel: cancel, errCh: make(chan error, 1)}
	go func() { r.errCh <- sup.Run(ctx) }()
	t.Cleanup(cancel)
	return r
}

func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
