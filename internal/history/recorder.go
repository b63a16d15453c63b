package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultQueueSize = 256
	sendTimeout      = 5 * time.Second
)

// Recorder delivers events to its sinks from a background goroutine so a slow
// or failing sink never blocks supervision. When the queue is full the event
// is dropped and logged. A nil *Recorder discards everything.
type Recorder struct {
	sinks  []Sink
	logger *slog.Logger
	queue  chan Event

	// abort cancels in-flight sends once Close gives up waiting
	ctx   context.Context
	abort context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
}

// NewRecorder starts a recorder for sinks.
func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, abort := context.WithCancel(context.Background())
	r := &Recorder{
		sinks:  append([]Sink(nil), sinks...),
		logger: logger,
		queue:  make(chan Event, defaultQueueSize),
		ctx:    ctx,
		abort:  abort,
		done:   make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record enqueues e without blocking.
func (r *Recorder) Record(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	select {
	case r.queue <- e:
	default:
		r.logger.Warn("history queue full, dropping event", "type", e.Type)
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for e := range r.queue {
		if r.ctx.Err() != nil {
			continue
		}
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(r.ctx, sendTimeout)
			if err := s.Send(ctx, e); err != nil {
				r.logger.Warn("history sink failed", "type", e.Type, "error", err)
			}
			cancel()
		}
	}
}

// Close flushes queued events, waiting at most until ctx is done, then closes
// sinks that implement io.Closer. When ctx ends first the remaining events
// are abandoned and the sinks are closed in the background once the
// delivery goroutine has left them. Record must not be called after Close.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var err error
	r.closeOnce.Do(func() {
		close(r.queue)
		select {
		case <-r.done:
			r.abort()
			r.closeSinks()
		case <-ctx.Done():
			err = ctx.Err()
			r.abort()
			go func() {
				<-r.done
				r.closeSinks()
			}()
		}
	})
	return err
}

func (r *Recorder) closeSinks() {
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				r.logger.Warn("history sink close failed", "error", err)
			}
		}
	}
}
