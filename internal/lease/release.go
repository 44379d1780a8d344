package lease

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"pkt.systems/gpulockd/internal/fault"
	"pkt.systems/gpulockd/internal/leasestore"
	"pkt.systems/gpulockd/internal/pool"
	"pkt.systems/gpulockd/internal/svcfields"
)

// Release reasons reported to metrics.
const (
	ReasonUser   = "user"
	ReasonAdmin  = "admin"
	ReasonExpiry = "expiry"
	ReasonReset  = "reset"
)

// ReleaseOptions qualify a release.
type ReleaseOptions struct {
	// Actor is the user asking for the release. Empty means the system
	// itself (expiry loop), which may release any lease.
	Actor string
	// Comment replaces the stored comment when non-empty.
	Comment string
	// Reason overrides the metrics label derived from Actor.
	Reason string
}

// ReleaseResult describes what Release did.
type ReleaseResult struct {
	Lease leasestore.Lease
	// AlreadyReleased is set when the lease had been released before; the
	// call changed nothing.
	AlreadyReleased bool
	// Killed lists the pids evicted from the device.
	Killed []int
}

// Release ends a lease and returns its device to the pool. Releasing an
// already released lease is a successful no-op. If the grant cannot be
// revoked the device is withheld from the pool and a
// permission_revoke_failed error is returned; the lease stays released.
func (m *Manager) Release(ctx context.Context, id string, opts ReleaseOptions) (ReleaseResult, error) {
	ctx, span := m.startSpan(ctx, "lease.Release", attribute.String("gpulockd.lease.id", id))
	res, err := m.release(ctx, id, &opts)
	endSpan(span, err)
	if res.AlreadyReleased && err == nil {
		m.logger.Debug("lease.release.noop", "lease_id", id)
		return res, nil
	}
	m.metrics.RecordRelease(ctx, opts.Reason, err)
	l := res.Lease
	if l.ReleasedAt == nil {
		m.logger.Warn("lease.release.failed", "lease_id", id, "error", err)
		return res, err
	}
	logger := svcfields.WithDevice(m.logger, l.DeviceType, l.DeviceID).With("lease_id", l.ID, "username", l.Username)
	// The record is released from here on, even when a later step failed.
	if uerr := m.monitor.Unwatch(ctx, l.ID); uerr != nil {
		logger.Warn("lease.monitor.unwatch.error", "error", uerr)
	}
	if err != nil {
		logger.Error("lease.release.incomplete", "error", err)
		return res, err
	}
	logger.Info("lease.release.done", "reason", opts.Reason, "killed", len(res.Killed))
	m.notifier.Notify(l.Username, fmt.Sprintf("%s %d released (lease %s)", l.DeviceType, l.DeviceID, l.ID))
	return res, nil
}

func (m *Manager) release(ctx context.Context, id string, opts *ReleaseOptions) (ReleaseResult, error) {
	if id == "" {
		return ReleaseResult{}, fault.New(fault.CodeInvalidRequest, "lease id required")
	}
	l, err := m.Get(ctx, id)
	if err != nil {
		return ReleaseResult{}, err
	}
	if opts.Actor != "" && opts.Actor != l.Username && !m.IsPrivileged(opts.Actor) {
		return ReleaseResult{}, fault.New(fault.CodeInvalidRequest, "%s may not release lease %s", opts.Actor, id)
	}
	if opts.Reason == "" {
		switch {
		case opts.Actor == "":
			opts.Reason = ReasonExpiry
		case opts.Actor == l.Username:
			opts.Reason = ReasonUser
		default:
			opts.Reason = ReasonAdmin
		}
	}
	if !l.Active() {
		return ReleaseResult{Lease: l, AlreadyReleased: true}, nil
	}

	var res ReleaseResult
	err = m.withPoolLock(ctx, func(ctx context.Context) error {
		var err error
		res, err = m.releaseLocked(ctx, l, opts.Comment)
		return err
	})
	return res, err
}

// releaseLocked runs the release protocol for l while the pool lock is held:
// evict, mark released, revoke, return the device to the pool.
func (m *Manager) releaseLocked(ctx context.Context, l leasestore.Lease, comment string) (ReleaseResult, error) {
	d := pool.Device{Type: l.DeviceType, ID: l.DeviceID}
	logger := svcfields.WithDevice(m.logger, d.Type, d.ID).With("lease_id", l.ID)
	res := ReleaseResult{Lease: l}

	killed, err := m.perms.Evict(ctx, d, l.Username)
	if err != nil {
		logger.Warn("lease.release.evict.error", "username", l.Username, "error", err)
	}
	res.Killed = killed

	now := m.clock.Now()
	ok, err := m.leases.MarkReleased(ctx, l.ID, now, comment)
	if err != nil {
		return res, persistence(err, "mark lease %s released", l.ID)
	}
	if !ok {
		// Someone else released it between our read and the lock.
		res.AlreadyReleased = true
		return res, nil
	}
	res.Lease.ReleasedAt = &now
	if comment != "" {
		res.Lease.Comment = comment
	}

	if err := m.perms.Revoke(ctx, d, l.Username); err != nil {
		// A leased device is not in the stored pool, so there is nothing to
		// remove; only record it as stuck.
		m.markStuck(ctx, nil, d, err)
		return res, err
	}
	if !m.inventory.Has(d.Type, d.ID) {
		logger.Warn("lease.release.unconfigured_device")
		return res, nil
	}
	state, err := m.loadPool(ctx)
	if err != nil {
		return res, err
	}
	state.Add(d.Type, d.ID)
	return res, m.savePool(ctx, state)
}
