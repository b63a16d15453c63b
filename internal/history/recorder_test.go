package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func TestRecorder_DeliversInOrderToAllSinks(t *testing.T) {
	a, b := &memSink{}, &memSink{err: errors.New("down")}
	r := NewRecorder(nil, a, b)

	rec := Record{Name: "app", PID: 42, StartedAt: time.Unix(100, 0)}
	r.Record(Event{Type: EventStart, Session: "s1", Record: rec})
	r.Record(Event{Type: EventRestart, Session: "s1", Record: Record{Name: "app", Commits: []string{"c2", "c1"}}})
	r.Record(Event{Type: EventStop, Session: "s1", Record: rec})

	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	for _, s := range []*memSink{a, b} {
		if len(s.events) != 3 {
			t.Fatalf("expected 3 events, got %d", len(s.events))
		}
		if s.events[0].Type != EventStart || s.events[1].Type != EventRestart || s.events[2].Type != EventStop {
			t.Fatalf("unexpected order: %+v", s.events)
		}
		if s.events[0].OccurredAt.IsZero() {
			t.Fatal("OccurredAt should be filled in")
		}
		if !s.closed {
			t.Fatal("sink should be closed")
		}
	}
	if got := a.events[1].Record.CommitList(); got != "c2,c1" {
		t.Fatalf("commit list: %q", got)
	}
}

func TestRecorder_NilAndEmpty(t *testing.T) {
	var r *Recorder
	r.Record(Event{Type: EventStart})
	if err := r.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	empty := NewRecorder(nil)
	empty.Record(Event{Type: EventStart})
	if err := empty.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	// second close is a no-op
	if err := empty.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
}

type blockingSink struct{ release chan struct{} }

func (b blockingSink) Send(ctx context.Context, _ Event) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func TestRecorder_DoesNotBlockWhenQueueFull(t *testing.T) {
	sink := blockingSink{release: make(chan struct{})}
	r := NewRecorder(nil, sink)

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultQueueSize*2; i++ {
			r.Record(Event{Type: EventPollError})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a stalled sink")
	}
	close(sink.release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

// stuckSink holds Send until its context ends and notes whether Close ran
// while a Send was still inside the sink.
type stuckSink struct {
	entered chan struct{}
	closed  chan struct{}

	mu          sync.Mutex
	sending     bool
	closedDirty bool
}

func (s *stuckSink) Send(ctx context.Context, _ Event) error {
	s.mu.Lock()
	first := !s.sending
	s.sending = true
	s.mu.Unlock()
	if first {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)
	s.mu.Lock()
	s.sending = false
	s.mu.Unlock()
	return ctx.Err()
}

func (s *stuckSink) Close() error {
	s.mu.Lock()
	s.closedDirty = s.sending
	s.mu.Unlock()
	close(s.closed)
	return nil
}

func TestRecorder_CloseTimeoutLeavesSinkUntilSendReturns(t *testing.T) {
	sink := &stuckSink{entered: make(chan struct{}, 1), closed: make(chan struct{})}
	r := NewRecorder(nil, sink)
	r.Record(Event{Type: EventStart})
	r.Record(Event{Type: EventStop})
	<-sink.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("close: got %v, want deadline exceeded", err)
	}

	select {
	case <-sink.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never closed after the delivery goroutine finished")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.closedDirty {
		t.Fatal("sink closed while Send was still running")
	}
}

func TestUniqueKey(t *testing.T) {
	ts := time.Unix(0, 1234567)
	rec := Record{PID: 7, StartedAt: ts}
	if rec.Key() != UniqueKey(7, ts) {
		t.Fatal("key mismatch")
	}
	if UniqueKey(7, ts) == UniqueKey(7, ts.Add(time.Nanosecond)) {
		t.Fatal("keys must differ by start time")
	}
}
