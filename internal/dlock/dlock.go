// Package dlock implements the cross-process mutual exclusion used around
// every pool mutation. A lock is a KV key holding a unique token with a TTL,
// so a crashed holder releases implicitly when the TTL lapses.
package dlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/gpulockd/internal/clock"
	"pkt.systems/gpulockd/internal/fault"
	"pkt.systems/gpulockd/internal/kv"
)

// ErrNotHeld is returned when a lock key no longer holds our token, either
// because the TTL lapsed or another holder took over.
var ErrNotHeld = errors.New("dlock: lock not held")

const (
	DefaultTTL     = 60 * time.Second
	DefaultTimeout = 10 * time.Second
)

// Options bound a single acquisition.
type Options struct {
	// TTL is how long the key survives without Release or Refresh.
	TTL time.Duration
	// Timeout is the maximum time spent waiting for the key.
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// WaitObserver receives the outcome of every blocking acquisition.
type WaitObserver func(key string, waited time.Duration, acquired bool)

// Locker hands out locks over a kv.Store.
type Locker struct {
	store    kv.Store
	clock    clock.Clock
	logger   pslog.Logger
	observer WaitObserver
}

// Option configures a Locker.
type Option func(*Locker)

// WithClock overrides the clock used for waiting.
func WithClock(c clock.Clock) Option {
	return func(l *Locker) { l.clock = clock.Or(c) }
}

// WithLogger sets the logger.
func WithLogger(logger pslog.Logger) Option {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithWaitObserver registers a callback for acquisition latency.
func WithWaitObserver(fn WaitObserver) Option {
	return func(l *Locker) { l.observer = fn }
}

// New returns a Locker over store.
func New(store kv.Store, opts ...Option) *Locker {
	l := &Locker{store: store, clock: clock.Real{}, logger: pslog.NoopLogger()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock is a held lock.
type Lock struct {
	locker *Locker
	key    string
	token  []byte
	ttl    time.Duration
}

// Key returns the lock key.
func (l *Lock) Key() string { return l.key }

// Token returns the holder token written to the key.
func (l *Lock) Token() string { return string(l.token) }

// Release deletes the key if it still holds our token.
func (l *Lock) Release(ctx context.Context) error {
	ok, err := l.locker.store.CompareAndDelete(ctx, l.key, l.token)
	if err != nil {
		return fmt.Errorf("dlock: release %s: %w", l.key, err)
	}
	if !ok {
		return ErrNotHeld
	}
	return nil
}

// Refresh extends the key TTL if it still holds our token.
func (l *Lock) Refresh(ctx context.Context) error {
	ok, err := l.locker.store.CompareAndExpire(ctx, l.key, l.token, l.ttl)
	if err != nil {
		return fmt.Errorf("dlock: refresh %s: %w", l.key, err)
	}
	if !ok {
		return ErrNotHeld
	}
	return nil
}

// TryAcquire makes a single non-blocking attempt.
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token := []byte(xid.New().String())
	ok, err := l.store.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, false, fmt.Errorf("dlock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{locker: l, key: key, token: token, ttl: ttl}, true, nil
}

// Acquire waits up to opts.Timeout for key. On timeout it returns a
// lock_timeout Failure, which callers may retry.
func (l *Locker) Acquire(ctx context.Context, key string, opts Options) (*Lock, error) {
	opts = opts.withDefaults()
	start := l.clock.Now()
	deadline := start.Add(opts.Timeout)
	backoff := newAcquireBackoff()
	for {
		lock, ok, err := l.TryAcquire(ctx, key, opts.TTL)
		if err != nil {
			return nil, err
		}
		now := l.clock.Now()
		if ok {
			l.observe(key, now.Sub(start), true)
			return lock, nil
		}
		remaining := deadline.Sub(now)
		if remaining <= 0 {
			l.observe(key, now.Sub(start), false)
			l.logger.Warn("dlock.acquire.timeout", "key", key, "timeout", opts.Timeout)
			return nil, &fault.Failure{
				Code:       fault.CodeLockTimeout,
				Detail:     fmt.Sprintf("could not acquire %s within %s", key, opts.Timeout),
				RetryAfter: backoff.next,
			}
		}
		select {
		case <-ctx.Done():
			l.observe(key, l.clock.Now().Sub(start), false)
			return nil, ctx.Err()
		case <-l.clock.After(backoff.Next(remaining)):
		}
	}
}

// Do runs fn while holding key and always releases afterwards, including
// when fn fails or panics. The key is refreshed while fn runs; fn's context
// is cancelled if the key is lost.
func (l *Locker) Do(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error {
	lock, err := l.Acquire(ctx, key, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			l.logger.Warn("dlock.release.error", "key", key, "error", err)
		}
	}()
	held, stop := lock.KeepAlive(ctx)
	defer stop()
	return fn(held)
}

// KeepAlive refreshes the lock every third of its TTL until stop is called.
// The returned context is cancelled with ErrNotHeld once a refresh finds the
// key gone or owned by someone else.
func (l *Lock) KeepAlive(ctx context.Context) (context.Context, func()) {
	return l.locker.KeepAlive(ctx, l.key, l.ttl/3, l.Refresh)
}

// KeepAlive calls refresh every interval until stop is called. refresh
// reports a lost key with ErrNotHeld, which cancels the returned context
// with that cause; other errors are logged and retried on the next tick.
func (l *Locker) KeepAlive(ctx context.Context, key string, interval time.Duration, refresh func(context.Context) error) (context.Context, func()) {
	if interval <= 0 {
		interval = DefaultTTL / 3
	}
	held, cancel := context.WithCancelCause(ctx)
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-quit:
				return
			case <-held.Done():
				return
			case <-l.clock.After(interval):
			}
			err := refresh(context.WithoutCancel(held))
			switch {
			case err == nil:
				l.logger.Trace("dlock.keepalive.refreshed", "key", key)
			case errors.Is(err, ErrNotHeld):
				l.logger.Warn("dlock.keepalive.lost", "key", key)
				cancel(ErrNotHeld)
				return
			default:
				l.logger.Warn("dlock.keepalive.error", "key", key, "error", err)
			}
		}
	}()
	var once sync.Once
	return held, func() {
		once.Do(func() {
			close(quit)
			<-done
			cancel(nil)
		})
	}
}

func (l *Locker) observe(key string, waited time.Duration, acquired bool) {
	if l.observer != nil {
		l.observer(key, waited, acquired)
	}
}

const (
	acquireBackoffStart      = 50 * time.Millisecond
	acquireBackoffMax        = time.Second
	acquireBackoffMin        = 25 * time.Millisecond
	acquireBackoffMultiplier = 1.3
	acquireBackoffJitter     = 10 * time.Millisecond
)

type acquireBackoff struct {
	next time.Duration
}

func newAcquireBackoff() *acquireBackoff {
	return &acquireBackoff{next: acquireBackoffStart}
}

func (b *acquireBackoff) Next(limit time.Duration) time.Duration {
	sleep := b.next
	if limit > 0 && sleep > limit {
		sleep = limit
	}
	b.next = time.Duration(float64(b.next)*acquireBackoffMultiplier + float64(acquireBackoffJitter))
	if b.next > acquireBackoffMax {
		b.next = acquireBackoffMax
	}
	if b.next < acquireBackoffMin {
		b.next = acquireBackoffMin
	}
	return sleep
}
