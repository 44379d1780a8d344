// Package lease owns the lease lifecycle: every pool mutation, the matching
// access grant or revoke and the lease record that ties them together. All
// mutations run inside the cross-process pool lock.
package lease

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/gpulockd/internal/clock"
	"pkt.systems/gpulockd/internal/dlock"
	"pkt.systems/gpulockd/internal/fault"
	"pkt.systems/gpulockd/internal/kv"
	"pkt.systems/gpulockd/internal/leasestore"
	"pkt.systems/gpulockd/internal/metrics"
	"pkt.systems/gpulockd/internal/pool"
	"pkt.systems/gpulockd/internal/svcfields"
)

const tracerName = "pkt.systems/gpulockd/lease"

// disabledValue is stored at the app_disable key while the service refuses
// new allocations.
const disabledValue = "disable"

// Manager coordinates the pool, the lease store and device permissions.
type Manager struct {
	kv          kv.Store
	keys        kv.Keys
	pool        *pool.Store
	leases      leasestore.Store
	perms       Permissions
	locker      *dlock.Locker
	inventory   pool.Inventory
	privileged  []string
	minDuration time.Duration
	maxDuration time.Duration
	lockOpts    dlock.Options
	monitor     Monitor
	notifier    Notifier
	metrics     *metrics.Arbiter
	logger      pslog.Logger
	clock       clock.Clock
	tracer      trace.Tracer
}

// New validates cfg and returns a Manager.
func New(cfg Config) (*Manager, error) {
	switch {
	case cfg.KV == nil:
		return nil, errors.New("lease: kv store required")
	case cfg.Leases == nil:
		return nil, errors.New("lease: lease store required")
	case cfg.Permissions == nil:
		return nil, errors.New("lease: permissions required")
	}
	if err := cfg.Inventory.Validate(); err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}
	if cfg.Keys.Prefix == "" {
		cfg.Keys.Prefix = kv.DefaultPrefix
	}
	if cfg.MinDuration <= 0 {
		cfg.MinDuration = DefaultMinDuration
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	if cfg.MinDuration > cfg.MaxDuration {
		return nil, fmt.Errorf("lease: min duration %s exceeds max duration %s", cfg.MinDuration, cfg.MaxDuration)
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "lease.manager")
	clk := clock.Or(cfg.Clock)
	locker := cfg.Locker
	if locker == nil {
		locker = dlock.New(cfg.KV,
			dlock.WithClock(clk),
			dlock.WithLogger(cfg.Logger),
			dlock.WithWaitObserver(cfg.Metrics.RecordLockWait),
		)
	}
	m := &Manager{
		kv:          cfg.KV,
		keys:        cfg.Keys,
		pool:        pool.NewStore(cfg.KV, cfg.Keys),
		leases:      cfg.Leases,
		perms:       cfg.Permissions,
		locker:      locker,
		inventory:   cfg.Inventory,
		privileged:  slices.Clone(cfg.Privileged),
		minDuration: cfg.MinDuration,
		maxDuration: cfg.MaxDuration,
		lockOpts:    dlock.Options{TTL: cfg.LockTTL, Timeout: cfg.LockTimeout},
		monitor:     cfg.Monitor,
		notifier:    cfg.Notifier,
		metrics:     cfg.Metrics,
		logger:      logger,
		clock:       clk,
		tracer:      otel.Tracer(tracerName),
	}
	if m.monitor == nil {
		m.monitor = noopMonitor{}
	}
	if m.notifier == nil {
		m.notifier = noopNotifier{}
	}
	return m, nil
}

// Inventory returns the static device configuration.
func (m *Manager) Inventory() pool.Inventory {
	return m.inventory
}

// IsPrivileged reports whether username is a privileged user.
func (m *Manager) IsPrivileged(username string) bool {
	return username != "" && slices.Contains(m.privileged, username)
}

// Get returns one lease record.
func (m *Manager) Get(ctx context.Context, id string) (leasestore.Lease, error) {
	l, err := m.leases.Get(ctx, id)
	if errors.Is(err, leasestore.ErrNotFound) {
		return leasestore.Lease{}, fault.New(fault.CodeInvalidRequest, "unknown lease %q", id)
	}
	if err != nil {
		return leasestore.Lease{}, persistence(err, "load lease %s", id)
	}
	return l, nil
}

// SetMonitor replaces the per-lease monitor. It must be called before the
// manager is shared.
func (m *Manager) SetMonitor(mon Monitor) {
	if mon == nil {
		mon = noopMonitor{}
	}
	m.monitor = mon
}

func (m *Manager) withPoolLock(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.locker.Do(ctx, m.keys.GPULock(), m.lockOpts, fn)
}

func (m *Manager) loadPool(ctx context.Context) (pool.State, error) {
	state, err := m.pool.Load(ctx)
	if err != nil {
		return nil, persistence(err, "load pool")
	}
	return state, nil
}

func (m *Manager) savePool(ctx context.Context, state pool.State) error {
	if err := m.pool.Save(ctx, state); err != nil {
		return persistence(err, "save pool")
	}
	m.observePool(ctx, state)
	return nil
}

func (m *Manager) observePool(ctx context.Context, state pool.State) {
	if m.metrics == nil {
		return
	}
	stuck, err := m.pool.Stuck(ctx)
	if err != nil {
		m.logger.Debug("lease.pool.stuck.error", "error", err)
	}
	m.metrics.ObservePool(state.Counts(), len(stuck))
}

// markStuck withholds d from the pool after a failed revoke. The device
// stays out until a bulk reset.
func (m *Manager) markStuck(ctx context.Context, state pool.State, d pool.Device, cause error) {
	logger := svcfields.WithDevice(m.logger, d.Type, d.ID)
	logger.Error("lease.device.stuck", "error", cause)
	if state.Remove(d.Type, d.ID) {
		if err := m.pool.Save(ctx, state); err != nil {
			logger.Error("lease.device.stuck.save_pool", "error", err)
		}
	}
	if err := m.pool.MarkStuck(ctx, d); err != nil {
		logger.Error("lease.device.stuck.record", "error", err)
	}
}

func (m *Manager) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func persistence(err error, format string, args ...any) error {
	if fault.CodeOf(err) != "" {
		return err
	}
	return fault.Wrap(fault.CodePersistenceFailure, err, format, args...)
}
