// Package notify delivers best-effort user notifications off the request
// path. A full queue drops messages rather than blocking lease operations.
package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"pkt.systems/pslog"

	"pkt.systems/gpulockd/internal/clock"
	"pkt.systems/gpulockd/internal/leasestore"
)

// DefaultBuffer is the queue depth used when none is configured.
const DefaultBuffer = 256

// Sink delivers one message.
type Sink interface {
	Deliver(ctx context.Context, username, message string) error
}

type item struct {
	username string
	message  string
}

// Queue fans messages to a Sink from a single worker goroutine.
type Queue struct {
	sink    Sink
	logger  pslog.Logger
	ch      chan item
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewQueue starts a Queue delivering to sink.
func NewQueue(sink Sink, size int, logger pslog.Logger) *Queue {
	if size <= 0 {
		size = DefaultBuffer
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		sink:   sink,
		logger: logger,
		ch:     make(chan item, size),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go q.loop()
	return q
}

// Notify enqueues a message and never blocks.
func (q *Queue) Notify(username, message string) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.ch <- item{username: username, message: message}:
	default:
		q.dropped.Add(1)
		q.logger.Warn("notify.queue.full", "username", username)
	}
}

// Dropped returns how many messages were discarded because the queue was
// full.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

func (q *Queue) loop() {
	defer close(q.done)
	for it := range q.ch {
		if err := q.sink.Deliver(q.ctx, it.username, it.message); err != nil {
			q.logger.Warn("notify.deliver.error", "username", it.username, "error", err)
		}
	}
}

// Close stops accepting messages and waits for queued ones until ctx ends.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return nil
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()
	select {
	case <-q.done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-q.done
		return ctx.Err()
	}
}

// LogSink writes notifications to the log.
type LogSink struct {
	Logger pslog.Logger
}

func (s LogSink) Deliver(_ context.Context, username, message string) error {
	if s.Logger != nil {
		s.Logger.Info("notify.message", "username", username, "message", message)
	}
	return nil
}

// InboxSink stores notifications in the lease store for later retrieval.
type InboxSink struct {
	Store leasestore.Store
	Clock clock.Clock
}

func (s InboxSink) Deliver(ctx context.Context, username, message string) error {
	return s.Store.AddNotification(ctx, &leasestore.Notification{
		Username:  username,
		Message:   message,
		CreatedAt: clock.Or(s.Clock).Now(),
	})
}

// MultiSink delivers to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Deliver(ctx context.Context, username, message string) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Deliver(ctx, username, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, username, message string) error

func (f SinkFunc) Deliver(ctx context.Context, username, message string) error {
	return f(ctx, username, message)
}
