// Package expiry reclaims devices whose leases ran out. A lease is only
// reclaimed once it is past its expiration plus a grace period and its
// holder no longer runs anything on the device.
package expiry

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/gpulockd/internal/clock"
	"pkt.systems/gpulockd/internal/fault"
	"pkt.systems/gpulockd/internal/lease"
	"pkt.systems/gpulockd/internal/leasestore"
	"pkt.systems/gpulockd/internal/metrics"
	"pkt.systems/gpulockd/internal/probe"
	"pkt.systems/gpulockd/internal/scheduler"
	"pkt.systems/gpulockd/internal/svcfields"
)

// Job function names accepted by the scheduler.
const (
	JobCheckExpired    = "check_expired_reservations"
	JobCheckAllocation = "check_allocation_utilization"
)

// DefaultGracePeriod is how long an expired lease is tolerated.
const DefaultGracePeriod = 24 * time.Hour

// IdleComment is stored on leases reclaimed by the checker.
const IdleComment = "released: idle after expiration"

// Leases is the part of the lease manager the checker needs.
type Leases interface {
	Get(ctx context.Context, id string) (leasestore.Lease, error)
	Schedule(ctx context.Context) ([]leasestore.Lease, error)
	Release(ctx context.Context, id string, opts lease.ReleaseOptions) (lease.ReleaseResult, error)
}

// Outcome is the decision taken for one lease.
type Outcome string

const (
	OutcomeNotDue      Outcome = "not_due"
	OutcomeInUse       Outcome = "in_use"
	OutcomeProbeFailed Outcome = "probe_failed"
	OutcomeReleased    Outcome = "released"
	OutcomeGone        Outcome = "gone"
	OutcomeFailed      Outcome = "failed"
)

// Report counts the outcomes of one pass.
type Report struct {
	Checked     int
	Released    int
	InUse       int
	ProbeFailed int
	Failed      int
}

// Config wires a Checker.
type Config struct {
	Leases   Leases
	Prober   probe.Prober
	Monitor  *Monitor
	Notifier lease.Notifier
	Metrics  *metrics.Arbiter
	Grace    time.Duration
	Clock    clock.Clock
	Logger   pslog.Logger
}

// Checker decides and performs idle reclamation.
type Checker struct {
	leases   Leases
	prober   probe.Prober
	monitor  *Monitor
	notifier lease.Notifier
	metrics  *metrics.Arbiter
	grace    time.Duration
	clock    clock.Clock
	logger   pslog.Logger
}

// New returns a Checker. A nil Prober treats every device as idle.
func New(cfg Config) *Checker {
	c := &Checker{
		leases:   cfg.Leases,
		prober:   cfg.Prober,
		monitor:  cfg.Monitor,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		grace:    cfg.Grace,
		clock:    clock.Or(cfg.Clock),
		logger:   svcfields.WithSubsystem(cfg.Logger, "expiry.checker"),
	}
	if c.prober == nil {
		c.prober = probe.None{}
	}
	if c.grace < 0 {
		c.grace = 0
	}
	return c
}

// Expired reports whether l is past its expiration plus grace at now.
func Expired(l leasestore.Lease, now time.Time, grace time.Duration) bool {
	return now.After(l.ExpiresAt.Add(grace))
}

// Run makes one pass over every active lease. Failures on individual
// leases are counted and logged; only a failure to list leases is returned.
func (c *Checker) Run(ctx context.Context) (Report, error) {
	var report Report
	active, err := c.leases.Schedule(ctx)
	if err != nil {
		return report, fmt.Errorf("expiry: list leases: %w", err)
	}
	now := c.clock.Now()
	for _, l := range active {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if !Expired(l, now, c.grace) {
			continue
		}
		report.Checked++
		switch outcome, _ := c.check(ctx, l); outcome {
		case OutcomeReleased:
			report.Released++
		case OutcomeInUse:
			report.InUse++
		case OutcomeProbeFailed:
			report.ProbeFailed++
		case OutcomeFailed:
			report.Failed++
		}
	}
	c.metrics.RecordExpiryReleased(ctx, report.Released)
	c.logger.Info("expiry.pass.done",
		"active", len(active),
		"checked", report.Checked,
		"released", report.Released,
		"in_use", report.InUse,
		"probe_failed", report.ProbeFailed,
		"failed", report.Failed,
	)
	return report, nil
}

// CheckLease applies the same decision to a single lease. A lease that is
// unknown or already released cancels its own monitor.
func (c *Checker) CheckLease(ctx context.Context, id string) (Outcome, error) {
	l, err := c.leases.Get(ctx, id)
	if fault.Is(err, fault.CodeInvalidRequest) || (err == nil && !l.Active()) {
		if c.monitor != nil {
			if uerr := c.monitor.Unwatch(ctx, id); uerr != nil {
				c.logger.Warn("expiry.monitor.unwatch.error", "lease_id", id, "error", uerr)
			}
		}
		return OutcomeGone, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}
	if !Expired(l, c.clock.Now(), c.grace) {
		return OutcomeNotDue, nil
	}
	outcome, err := c.check(ctx, l)
	if outcome == OutcomeReleased {
		c.metrics.RecordExpiryReleased(ctx, 1)
	}
	return outcome, err
}

// check probes an expired lease and releases it when idle.
func (c *Checker) check(ctx context.Context, l leasestore.Lease) (Outcome, error) {
	logger := svcfields.WithDevice(c.logger, l.DeviceType, l.DeviceID).With("lease_id", l.ID, "username", l.Username)
	inUse, err := probe.InUse(ctx, c.prober, l.DeviceID, l.Username)
	if err != nil {
		logger.Warn("expiry.probe.error", "error", err)
		return OutcomeProbeFailed, err
	}
	if inUse {
		logger.Debug("expiry.in_use", "expired_at", l.ExpiresAt)
		return OutcomeInUse, nil
	}
	res, err := c.leases.Release(ctx, l.ID, lease.ReleaseOptions{Comment: IdleComment, Reason: lease.ReasonExpiry})
	if err != nil {
		logger.Warn("expiry.release.error", "error", err)
		return OutcomeFailed, err
	}
	if res.AlreadyReleased {
		return OutcomeGone, nil
	}
	logger.Info("expiry.released", "expired_at", l.ExpiresAt)
	return OutcomeReleased, nil
}

// Register adds the checker's job functions to reg.
func (c *Checker) Register(reg *scheduler.Registry) error {
	if err := reg.Register(JobCheckExpired, func(ctx context.Context, _ scheduler.Input) error {
		_, err := c.Run(ctx)
		return err
	}); err != nil {
		return err
	}
	return reg.Register(JobCheckAllocation, func(ctx context.Context, in scheduler.Input) error {
		id, ok := in.ID()
		if !ok {
			return fault.New(fault.CodeInvalidRequest, "%s requires _id", JobCheckAllocation)
		}
		_, err := c.CheckLease(ctx, id)
		return err
	})
}

// RestoreMonitors submits a monitor for every active lease. Scheduled jobs
// live only in the leader's memory, so a new leader rebuilds them from the
// lease store.
func (c *Checker) RestoreMonitors(ctx context.Context) (int, error) {
	if c.monitor == nil {
		return 0, nil
	}
	active, err := c.leases.Schedule(ctx)
	if err != nil {
		return 0, fmt.Errorf("expiry: list leases: %w", err)
	}
	n := 0
	for _, l := range active {
		if err := c.monitor.Watch(ctx, l); err != nil {
			c.logger.Warn("expiry.monitor.watch.error", "lease_id", l.ID, "error", err)
			continue
		}
		n++
	}
	c.logger.Info("expiry.monitors.restored", "count", n)
	return n, nil
}

// NotifyUnallocated tells the holder of every expired lease that the device
// will be reclaimed once idle.
func (c *Checker) NotifyUnallocated(ctx context.Context) (int, error) {
	if c.notifier == nil {
		return 0, nil
	}
	active, err := c.leases.Schedule(ctx)
	if err != nil {
		return 0, fmt.Errorf("expiry: list leases: %w", err)
	}
	now := c.clock.Now()
	n := 0
	for _, l := range active {
		if !Expired(l, now, 0) {
			continue
		}
		c.notifier.Notify(l.Username, fmt.Sprintf(
			"%s %d (lease %s) expired at %s and will be released once idle after %s",
			l.DeviceType, l.DeviceID, l.ID, l.ExpiresAt.UTC().Format(time.RFC3339),
			l.ExpiresAt.Add(c.grace).UTC().Format(time.RFC3339),
		))
		n++
	}
	return n, nil
}
