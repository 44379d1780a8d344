package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"pkt.systems/gpulockd/internal/fault"
	"pkt.systems/gpulockd/internal/leasestore"
	"pkt.systems/gpulockd/internal/pool"
	"pkt.systems/gpulockd/internal/svcfields"
)

// rolledBackComment marks a lease whose pool update failed after the record
// had been written.
const rolledBackComment = "rolled back: pool update failed"

// Request asks for one specific device.
type Request struct {
	Username   string
	DeviceType string
	DeviceID   int
	Duration   time.Duration
}

// BatchItem asks for Count devices of one type.
type BatchItem struct {
	DeviceType string
	Count      int
	Duration   time.Duration
}

// BatchRequest asks for several devices at once; it succeeds or fails as a
// whole.
type BatchRequest struct {
	Username string
	Items    []BatchItem
}

// Allocate grants the requested device to the user and records the lease.
// Every failure after the grant is compensated so the device never ends up
// both in the pool and accessible to the user.
func (m *Manager) Allocate(ctx context.Context, req Request) (leasestore.Lease, error) {
	ctx, span := m.startSpan(ctx, "lease.Allocate",
		attribute.String("gpulockd.username", req.Username),
		attribute.String("gpulockd.device.type", req.DeviceType),
		attribute.Int("gpulockd.device.id", req.DeviceID),
	)
	start := m.clock.Now()
	var out leasestore.Lease
	err := m.allocate(ctx, req, &out)
	m.metrics.RecordAllocate(ctx, req.DeviceType, m.clock.Now().Sub(start), err)
	endSpan(span, err)
	if err != nil {
		m.logger.Warn("lease.allocate.failed",
			append(svcfields.Device(req.DeviceType, req.DeviceID), "username", req.Username, "error", err)...)
		return leasestore.Lease{}, err
	}
	m.afterAllocate(ctx, out)
	return out, nil
}

func (m *Manager) allocate(ctx context.Context, req Request, out *leasestore.Lease) error {
	if err := m.validate(ctx, req.Username, req.DeviceType, req.Duration); err != nil {
		return err
	}
	d := pool.Device{Type: req.DeviceType, ID: req.DeviceID}
	if !m.inventory.Has(d.Type, d.ID) {
		return fault.New(fault.CodeInvalidRequest, "device %s is not configured", d)
	}
	return m.withPoolLock(ctx, func(ctx context.Context) error {
		state, err := m.loadPool(ctx)
		if err != nil {
			return err
		}
		if !state.Contains(d.Type, d.ID) {
			return fault.New(fault.CodeInsufficientCapacity, "device %s is not available", d)
		}
		l, err := m.allocateLocked(ctx, state, req.Username, d, req.Duration)
		if err != nil {
			return err
		}
		if err := m.savePool(ctx, state); err != nil {
			m.undoAfterPoolFailure(ctx, state, l)
			return err
		}
		*out = l
		return nil
	})
}

// allocateLocked grants d, writes the lease and removes d from state. state
// is not saved. On failure the grant is revoked; a failed revoke withholds the
// device as stuck.
func (m *Manager) allocateLocked(ctx context.Context, state pool.State, username string, d pool.Device, duration time.Duration) (leasestore.Lease, error) {
	if err := m.perms.Grant(ctx, d, username); err != nil {
		return leasestore.Lease{}, err
	}
	now := m.clock.Now()
	l := leasestore.Lease{
		Username:    username,
		DeviceType:  d.Type,
		DeviceID:    d.ID,
		AllocatedAt: now,
		ExpiresAt:   now.Add(duration),
	}
	if err := m.leases.Create(ctx, &l); err != nil {
		perr := persistence(err, "record lease for %s", d)
		if rerr := m.perms.Revoke(ctx, d, username); rerr != nil {
			m.markStuck(ctx, state, d, rerr)
			return leasestore.Lease{}, errors.Join(perr, rerr)
		}
		return leasestore.Lease{}, perr
	}
	state.Remove(d.Type, d.ID)
	return l, nil
}

// undoAfterPoolFailure compensates a lease whose pool save failed. The
// stored pool never lost the device, so only the in-memory state is restored.
func (m *Manager) undoAfterPoolFailure(ctx context.Context, state pool.State, l leasestore.Lease) {
	d := pool.Device{Type: l.DeviceType, ID: l.DeviceID}
	logger := svcfields.WithDevice(m.logger, d.Type, d.ID).With("lease_id", l.ID)
	if _, err := m.leases.MarkReleased(ctx, l.ID, m.clock.Now(), rolledBackComment); err != nil {
		logger.Error("lease.rollback.mark_released", "error", err)
	}
	if err := m.perms.Revoke(ctx, d, l.Username); err != nil {
		m.markStuck(ctx, state, d, err)
		return
	}
	state.Add(d.Type, d.ID)
}

// AllocateBatch allocates every item or nothing. Devices are picked in pool
// order.
func (m *Manager) AllocateBatch(ctx context.Context, req BatchRequest) ([]leasestore.Lease, error) {
	ctx, span := m.startSpan(ctx, "lease.AllocateBatch",
		attribute.String("gpulockd.username", req.Username),
		attribute.Int("gpulockd.batch.items", len(req.Items)),
	)
	start := m.clock.Now()
	out, err := m.allocateBatch(ctx, req)
	for _, item := range req.Items {
		m.metrics.RecordAllocate(ctx, item.DeviceType, m.clock.Now().Sub(start), err)
	}
	endSpan(span, err)
	if err != nil {
		m.logger.Warn("lease.allocate_batch.failed", "username", req.Username, "error", err)
		return nil, err
	}
	for _, l := range out {
		m.afterAllocate(ctx, l)
	}
	return out, nil
}

func (m *Manager) allocateBatch(ctx context.Context, req BatchRequest) ([]leasestore.Lease, error) {
	if len(req.Items) == 0 {
		return nil, fault.New(fault.CodeInvalidRequest, "no devices requested")
	}
	want := make(map[string]int, len(req.Items))
	for _, item := range req.Items {
		if err := m.validate(ctx, req.Username, item.DeviceType, item.Duration); err != nil {
			return nil, err
		}
		if item.Count <= 0 {
			return nil, fault.New(fault.CodeInvalidRequest, "count for %s must be positive", item.DeviceType)
		}
		want[item.DeviceType] += item.Count
	}
	var made []leasestore.Lease
	err := m.withPoolLock(ctx, func(ctx context.Context) error {
		state, err := m.loadPool(ctx)
		if err != nil {
			return err
		}
		for typ, n := range want {
			if have := state.Available(typ); have < n {
				return fault.New(fault.CodeInsufficientCapacity, "%d %s requested, %d available", n, typ, have)
			}
		}
		for _, item := range req.Items {
			// allocateLocked removes each id once it is leased, so pick from a
			// copy and leave the rest in state for a rollback.
			ids, _ := state.Clone().Take(item.DeviceType, item.Count)
			for _, id := range ids {
				l, err := m.allocateLocked(ctx, state, req.Username, pool.Device{Type: item.DeviceType, ID: id}, item.Duration)
				if err != nil {
					m.rollbackBatch(ctx, state, made)
					made = nil
					return m.saveAfterRollback(ctx, state, err)
				}
				made = append(made, l)
			}
		}
		if err := m.savePool(ctx, state); err != nil {
			m.rollbackBatch(ctx, state, made)
			made = nil
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return made, nil
}

// rollbackBatch undoes leases made earlier in a failed batch: revoke, remove
// the record and return the device to state.
func (m *Manager) rollbackBatch(ctx context.Context, state pool.State, made []leasestore.Lease) {
	for i := len(made) - 1; i >= 0; i-- {
		l := made[i]
		d := pool.Device{Type: l.DeviceType, ID: l.DeviceID}
		logger := svcfields.WithDevice(m.logger, d.Type, d.ID).With("lease_id", l.ID)
		if err := m.perms.Revoke(ctx, d, l.Username); err != nil {
			if _, merr := m.leases.MarkReleased(ctx, l.ID, m.clock.Now(), rolledBackComment); merr != nil {
				logger.Error("lease.rollback.mark_released", "error", merr)
			}
			m.markStuck(ctx, state, d, err)
			continue
		}
		if err := m.leases.Delete(ctx, l.ID); err != nil {
			logger.Error("lease.rollback.delete", "error", err)
		}
		state.Add(d.Type, d.ID)
		logger.Debug("lease.rollback.done")
	}
}

func (m *Manager) saveAfterRollback(ctx context.Context, state pool.State, cause error) error {
	if err := m.pool.Save(ctx, state); err != nil {
		return errors.Join(cause, persistence(err, "save pool after rollback"))
	}
	m.observePool(ctx, state)
	return cause
}

func (m *Manager) validate(ctx context.Context, username, deviceType string, duration time.Duration) error {
	if username == "" {
		return fault.New(fault.CodeInvalidRequest, "username required")
	}
	if _, ok := m.inventory[deviceType]; !ok {
		return fault.New(fault.CodeInvalidRequest, "unknown device type %q", deviceType)
	}
	if duration < m.minDuration || duration > m.maxDuration {
		return fault.New(fault.CodeInvalidRequest, "duration %s outside [%s, %s]", duration, m.minDuration, m.maxDuration)
	}
	if m.IsPrivileged(username) {
		return nil
	}
	enabled, err := m.Enabled(ctx)
	if err != nil {
		return err
	}
	if !enabled {
		return fault.New(fault.CodeInvalidRequest, "allocation is disabled")
	}
	return nil
}

func (m *Manager) afterAllocate(ctx context.Context, l leasestore.Lease) {
	logger := svcfields.WithDevice(m.logger, l.DeviceType, l.DeviceID).With("lease_id", l.ID, "username", l.Username)
	logger.Info("lease.allocate.granted", "expires_at", l.ExpiresAt)
	if err := m.monitor.Watch(ctx, l); err != nil {
		logger.Warn("lease.monitor.watch.error", "error", err)
	}
	m.notifier.Notify(l.Username, fmt.Sprintf("%s %d allocated until %s (lease %s)",
		l.DeviceType, l.DeviceID, l.ExpiresAt.UTC().Format(time.RFC3339), l.ID))
}
