package gpulockd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/gpulockd/internal/clock"
	"pkt.systems/gpulockd/internal/dlock"
	"pkt.systems/gpulockd/internal/expiry"
	"pkt.systems/gpulockd/internal/kv"
	"pkt.systems/gpulockd/internal/lease"
	"pkt.systems/gpulockd/internal/leasestore"
	"pkt.systems/gpulockd/internal/metrics"
	"pkt.systems/gpulockd/internal/notify"
	"pkt.systems/gpulockd/internal/permission"
	"pkt.systems/gpulockd/internal/probe"
	"pkt.systems/gpulockd/internal/scheduler"
	"pkt.systems/gpulockd/internal/svcfields"
	"pkt.systems/gpulockd/internal/syscmd"
	"pkt.systems/gpulockd/internal/uuidv7"
)

// Server owns the stores and every arbiter component of one process. Any
// number of processes may share the same stores; one of them at a time is
// the leader that bootstraps the pool and runs the scheduler.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	keys      kv.Keys
	kv        kv.Store
	leases    leasestore.Store
	ownKV     bool
	ownLeases bool
	nodeID    string

	locker     *dlock.Locker
	reconciler *permission.Reconciler
	manager    *lease.Manager
	checker    *expiry.Checker
	monitor    *expiry.Monitor
	mailbox    *scheduler.Mailbox
	registry   *scheduler.Registry
	sched      *scheduler.Scheduler
	queue      *notify.Queue
	metrics    *metrics.Arbiter
	telemetry  *telemetry

	leader atomic.Bool

	mu        sync.Mutex
	started   bool
	shutdown  bool
	cancel    context.CancelFunc
	done      chan struct{}
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger   pslog.Logger
	Clock    clock.Clock
	KV       kv.Store
	Leases   leasestore.Store
	Enforcer permission.Enforcer
	Prober   probe.Prober
	Runner   syscmd.Runner
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithKV supplies a KV store instead of opening cfg.KVStore. The caller
// keeps ownership and closes it.
func WithKV(store kv.Store) Option {
	return func(o *options) {
		o.KV = store
	}
}

// WithLeaseStore supplies a lease store instead of opening cfg.LeaseStore.
// The caller keeps ownership and closes it.
func WithLeaseStore(store leasestore.Store) Option {
	return func(o *options) {
		o.Leases = store
	}
}

// WithEnforcer overrides the enforcer selected by cfg.ACLMode.
func WithEnforcer(e permission.Enforcer) Option {
	return func(o *options) {
		o.Enforcer = e
	}
}

// WithProber overrides the probe selected by cfg.Probe.
func WithProber(p probe.Prober) Option {
	return func(o *options) {
		o.Prober = p
	}
}

// WithRunner overrides the command runner used by setfacl and nvidia-smi.
func WithRunner(r syscmd.Runner) Option {
	return func(o *options) {
		o.Runner = r
	}
}

// NewServer opens the stores named by cfg and wires every component. It
// does not start the background loop; call Start for that.
//
// Example:
//
//	cfg := gpulockd.DefaultConfig()
//	cfg.Devices, _ = gpulockd.ParseDevices("A100=0,1;V100=2")
//	srv, err := gpulockd.NewServer(cfg, gpulockd.WithLogger(logger))
//	if err != nil { ... }
//	if err := srv.Start(); err != nil { ... }
//	defer srv.Shutdown(context.Background())
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := clock.Or(o.Clock)
	s := &Server{
		cfg:     cfg,
		logger:  svcfields.WithSubsystem(logger, "server.lifecycle"),
		clock:   clk,
		keys:    cfg.Keys(),
		nodeID:  uuidv7.NewString(),
		readyCh: make(chan struct{}),
	}
	ctx := context.Background()

	s.kv = o.KV
	if s.kv == nil {
		store, err := OpenKV(ctx, cfg.KVStore, clk)
		if err != nil {
			return nil, err
		}
		s.kv, s.ownKV = store, true
	}
	s.leases = o.Leases
	if s.leases == nil {
		store, err := OpenLeaseStore(ctx, cfg.LeaseStore)
		if err != nil {
			s.closeStores()
			return nil, err
		}
		s.leases, s.ownLeases = store, true
	}

	runner := o.Runner
	if runner == nil {
		runner = syscmd.Exec{Logger: svcfields.WithSubsystem(logger, "syscmd")}
	}
	enforcer := o.Enforcer
	if enforcer == nil {
		switch cfg.ACLMode {
		case ACLModeMemory:
			enforcer = permission.NewMemory()
		default:
			enforcer = permission.ACL{Runner: runner, DevicePath: cfg.DevicePath, Sudo: cfg.Sudo}
		}
	}
	prober := o.Prober
	if prober == nil {
		switch cfg.Probe {
		case ProbeNone:
			prober = probe.None{}
		default:
			prober = probe.NvidiaSMI{Runner: runner, Binary: cfg.NvidiaSMI, Sudo: cfg.Sudo}
		}
	}

	s.metrics = metrics.New(logger)
	s.locker = dlock.New(s.kv,
		dlock.WithClock(clk),
		dlock.WithLogger(svcfields.WithSubsystem(logger, "dlock")),
		dlock.WithWaitObserver(s.metrics.RecordLockWait),
	)
	s.reconciler = permission.NewReconciler(enforcer, logger, permission.WithProber(prober))
	s.queue = notify.NewQueue(notify.MultiSink{
		notify.LogSink{Logger: svcfields.WithSubsystem(logger, "notify.sink")},
		notify.InboxSink{Store: s.leases, Clock: clk},
	}, cfg.NotifyBuffer, logger)
	s.mailbox = scheduler.NewMailbox(s.kv, s.keys)
	s.monitor = expiry.NewMonitor(s.mailbox, cfg.MonitorInterval)

	manager, err := lease.New(lease.Config{
		KV:          s.kv,
		Keys:        s.keys,
		Leases:      s.leases,
		Permissions: s.reconciler,
		Inventory:   cfg.Devices,
		Privileged:  cfg.PrivilegedUsers,
		MinDuration: cfg.MinDuration,
		MaxDuration: cfg.MaxDuration,
		LockTTL:     cfg.LockTTL,
		LockTimeout: cfg.LockTimeout,
		Monitor:     s.monitor,
		Notifier:    s.queue,
		Metrics:     s.metrics,
		Logger:      logger,
		Clock:       clk,
		Locker:      s.locker,
	})
	if err != nil {
		_ = s.queue.Close(ctx)
		s.closeStores()
		return nil, err
	}
	s.manager = manager
	s.checker = expiry.New(expiry.Config{
		Leases:   manager,
		Prober:   prober,
		Monitor:  s.monitor,
		Notifier: s.queue,
		Metrics:  s.metrics,
		Grace:    cfg.GracePeriod,
		Clock:    clk,
		Logger:   logger,
	})
	s.registry = scheduler.NewRegistry()
	if err := s.checker.Register(s.registry); err != nil {
		_ = s.queue.Close(ctx)
		s.closeStores()
		return nil, fmt.Errorf("register jobs: %w", err)
	}
	s.sched = scheduler.New(s.registry, s.mailbox,
		scheduler.WithClock(clk),
		scheduler.WithLogger(logger),
	)
	return s, nil
}

// Manager exposes the lease manager for in-process callers.
func (s *Server) Manager() *lease.Manager { return s.manager }

// Checker exposes the idle reclamation checker.
func (s *Server) Checker() *expiry.Checker { return s.checker }

// Mailbox exposes the scheduler mailbox shared through the KV store.
func (s *Server) Mailbox() *scheduler.Mailbox { return s.mailbox }

// Scheduler exposes the local scheduler. Only the leader runs it.
func (s *Server) Scheduler() *scheduler.Scheduler { return s.sched }

// IsLeader reports whether this process currently runs the scheduler.
func (s *Server) IsLeader() bool { return s.leader.Load() }

// Start starts telemetry and the leadership loop. It returns immediately;
// use WaitUntilReady to wait for the first leadership attempt.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return errors.New("gpulockd: server already shut down")
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("gpulockd: server already started")
	}
	s.started = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	tel, err := setupTelemetry(ctx, s.cfg, svcfields.WithSubsystem(s.logger, "telemetry"))
	if err != nil {
		cancel()
		close(s.done)
		return err
	}
	s.telemetry = tel
	s.logger.Info("server.start",
		"node", s.nodeID,
		"devices", s.cfg.Devices.String(),
		"poll_interval", s.cfg.PollInterval,
		"idle_check_interval", s.cfg.IdleCheckInterval,
	)
	go s.loop(ctx)
	return nil
}

func (s *Server) loop(ctx context.Context) {
	defer close(s.done)
	for {
		if s.leader.Load() {
			s.heartbeat(ctx)
		} else {
			s.tryLead(ctx)
		}
		s.signalReady()
		if s.leader.Load() {
			tickCtx, stop := s.locker.KeepAlive(ctx, s.keys.SystemInitialized(), s.cfg.InitLockTTL/3, s.refreshLeader)
			s.sched.Tick(tickCtx)
			stop()
			if errors.Is(context.Cause(tickCtx), dlock.ErrNotHeld) {
				s.stepDown()
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.cfg.PollInterval):
		}
	}
}

// tryLead takes the init lock without blocking. The holder becomes leader
// only when no live leader heartbeat exists.
func (s *Server) tryLead(ctx context.Context) {
	lock, ok, err := s.locker.TryAcquire(ctx, s.keys.InitLock(), s.cfg.InitLockTTL)
	if err != nil {
		s.logger.Warn("server.leadership.lock_error", "error", err)
		return
	}
	if !ok {
		s.logger.Trace("server.leadership.follower", "reason", "init lock held")
		return
	}
	release := func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, dlock.ErrNotHeld) {
			s.logger.Warn("server.leadership.unlock_error", "error", err)
		}
	}
	if _, err := s.kv.Get(ctx, s.keys.SystemInitialized()); err == nil {
		release()
		s.logger.Trace("server.leadership.follower", "reason", "leader alive")
		return
	} else if !errors.Is(err, kv.ErrNotFound) {
		release()
		s.logger.Warn("server.leadership.heartbeat_error", "error", err)
		return
	}
	bootCtx, stop := lock.KeepAlive(ctx)
	err = s.bootstrap(bootCtx)
	stop()
	if cause := context.Cause(bootCtx); err == nil && errors.Is(cause, dlock.ErrNotHeld) {
		err = fmt.Errorf("init lock lost during bootstrap: %w", cause)
	}
	if err != nil {
		s.sched.Clear()
		release()
		s.logger.Error("server.bootstrap.failed", "error", err)
		return
	}
	if err := s.kv.Set(ctx, s.keys.SystemInitialized(), []byte(s.nodeID), s.cfg.InitLockTTL); err != nil {
		s.sched.Clear()
		release()
		s.logger.Error("server.bootstrap.mark_initialized", "error", err)
		return
	}
	s.leader.Store(true)
	release()
	s.logger.Info("server.leadership.acquired", "node", s.nodeID)
	if n, err := s.checker.NotifyUnallocated(ctx); err != nil {
		s.logger.Warn("server.bootstrap.notify_error", "error", err)
	} else if n > 0 {
		s.logger.Info("server.bootstrap.notified", "count", n)
	}
}

// bootstrap rebuilds the shared state a leader is responsible for.
func (s *Server) bootstrap(ctx context.Context) error {
	state, err := s.manager.RestorePool(ctx)
	if err != nil {
		return fmt.Errorf("restore pool: %w", err)
	}
	s.logger.Info("server.bootstrap.pool", "available", state.Counts())
	devices := s.cfg.Devices.Devices()
	if err := s.reconciler.ResetBaseline(ctx, devices); err != nil {
		s.logger.Warn("server.bootstrap.baseline_error", "error", err)
	}
	if report, err := s.manager.Reconcile(ctx); err != nil {
		s.logger.Warn("server.bootstrap.reconcile_error", "error", err, "failed_devices", len(report.Failed))
	}
	if _, err := s.checker.RestoreMonitors(ctx); err != nil {
		s.logger.Warn("server.bootstrap.monitors_error", "error", err)
	}
	fn, ok := s.registry.Lookup(expiry.JobCheckExpired)
	if !ok {
		return fmt.Errorf("job %s not registered", expiry.JobCheckExpired)
	}
	s.sched.Clear()
	s.sched.Every(s.cfg.IdleCheckInterval, expiry.JobCheckExpired, fn)
	if report, err := s.checker.Run(ctx); err != nil {
		s.logger.Warn("server.bootstrap.expiry_error", "error", err)
	} else {
		s.logger.Info("server.bootstrap.expiry", "checked", report.Checked, "released", report.Released)
	}
	return nil
}

// refreshLeader extends the leader key while it still names this node.
func (s *Server) refreshLeader(ctx context.Context) error {
	ok, err := s.kv.CompareAndExpire(ctx, s.keys.SystemInitialized(), []byte(s.nodeID), s.cfg.InitLockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return dlock.ErrNotHeld
	}
	return nil
}

// heartbeat extends the leader key. Losing it (another process took over
// after a stall) demotes this process to follower.
func (s *Server) heartbeat(ctx context.Context) {
	err := s.refreshLeader(ctx)
	switch {
	case errors.Is(err, dlock.ErrNotHeld):
		s.stepDown()
	case err != nil:
		s.logger.Warn("server.leadership.heartbeat_error", "error", err)
	}
}

func (s *Server) stepDown() {
	if s.leader.Swap(false) {
		s.sched.Clear()
		s.logger.Warn("server.leadership.lost", "node", s.nodeID)
	}
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the first leadership attempt finished or ctx
// ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the loop, steps down as leader, drains notifications and
// closes owned stores. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait for loop: %w", ctx.Err()))
		}
	}
	if s.leader.Swap(false) {
		s.sched.Clear()
		stepCtx := context.WithoutCancel(ctx)
		if _, err := s.kv.CompareAndDelete(stepCtx, s.keys.SystemInitialized(), []byte(s.nodeID)); err != nil {
			errs = append(errs, fmt.Errorf("step down: %w", err))
		}
		s.logger.Info("server.leadership.released", "node", s.nodeID)
	}
	if err := s.queue.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain notifications: %w", err))
	}
	if dropped := s.queue.Dropped(); dropped > 0 {
		s.logger.Warn("server.notify.dropped", "count", dropped)
	}
	if err := s.closeStores(); err != nil {
		errs = append(errs, err)
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	err := errors.Join(errs...)
	if err != nil {
		s.logger.Warn("server.shutdown.error", "error", err)
	} else {
		s.logger.Info("server.shutdown.complete")
	}
	return err
}

// Close is shorthand for Shutdown(context.Background()).
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) closeStores() error {
	var errs []error
	if s.ownLeases && s.leases != nil {
		if err := s.leases.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close lease store: %w", err))
		}
	}
	if s.ownKV && s.kv != nil {
		if err := s.kv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kv store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// StartServer starts a server, waits until it is ready, and returns a stop
// function.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := srv.Start(); err != nil {
		_ = srv.Shutdown(context.Background())
		return nil, nil, err
	}
	if err := srv.WaitUntilReady(ctx); err != nil {
		_ = srv.Shutdown(context.Background())
		return nil, nil, err
	}
	return srv, srv.Shutdown, nil
}
