package lease

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"pkt.systems/gpulockd/internal/fault"
	"pkt.systems/gpulockd/internal/kv"
	"pkt.systems/gpulockd/internal/leasestore"
	"pkt.systems/gpulockd/internal/permission"
	"pkt.systems/gpulockd/internal/pool"
	"pkt.systems/gpulockd/internal/svcfields"
)

// ResetReport summarises a bulk reset.
type ResetReport struct {
	Released []leasestore.Lease
	// RevokeFailed holds leases whose grant could not be revoked directly;
	// the reconciliation pass that follows retries them.
	RevokeFailed map[string]error
	// MarkFailed holds leases that could not be marked released. They stay
	// active and their devices stay out of the pool.
	MarkFailed map[string]error
	Reconcile  permission.Report
	// Stuck lists devices left out of the pool because a former holder may
	// still have access.
	Stuck []pool.Device
}

// Reset releases every active lease, reconciles grants and then rebuilds
// the pool from the inventory. Devices whose access could not be converged
// are left out of the pool and recorded as stuck. Only privileged actors
// may reset.
func (m *Manager) Reset(ctx context.Context, actor string) (ResetReport, error) {
	ctx, span := m.startSpan(ctx, "lease.Reset", attribute.String("gpulockd.actor", actor))
	var report ResetReport
	if !m.IsPrivileged(actor) {
		err := fault.New(fault.CodeInvalidRequest, "%q may not reset the pool", actor)
		endSpan(span, err)
		return report, err
	}
	comment := fmt.Sprintf("Released during system reset by admin %s", actor)
	err := m.withPoolLock(ctx, func(ctx context.Context) error {
		active, err := m.leases.ListActive(ctx)
		if err != nil {
			return persistence(err, "list active leases")
		}
		var held []leasestore.Lease
		var markErrs []error
		revokeErr := make(map[int]bool)
		for _, l := range active {
			d := pool.Device{Type: l.DeviceType, ID: l.DeviceID}
			logger := svcfields.WithDevice(m.logger, d.Type, d.ID).With("lease_id", l.ID, "username", l.Username)
			if err := m.monitor.Unwatch(ctx, l.ID); err != nil {
				logger.Warn("lease.monitor.unwatch.error", "error", err)
			}
			if err := m.perms.Revoke(ctx, d, l.Username); err != nil {
				logger.Warn("lease.reset.revoke.error", "error", err)
				if report.RevokeFailed == nil {
					report.RevokeFailed = make(map[string]error)
				}
				report.RevokeFailed[l.ID] = err
				revokeErr[d.ID] = true
			}
			now := m.clock.Now()
			if _, err := m.leases.MarkReleased(ctx, l.ID, now, comment); err != nil {
				logger.Error("lease.reset.mark_released.error", "error", err)
				if report.MarkFailed == nil {
					report.MarkFailed = make(map[string]error)
				}
				report.MarkFailed[l.ID] = err
				markErrs = append(markErrs, fmt.Errorf("lease %s: %w", l.ID, err))
				held = append(held, l)
				continue
			}
			l.ReleasedAt = &now
			l.Comment = comment
			report.Released = append(report.Released, l)
			m.metrics.RecordRelease(ctx, ReasonReset, nil)
		}

		rec, recErr := m.perms.Reconcile(ctx, m.inventory.Devices(), held, m.privileged)
		report.Reconcile = rec
		m.metrics.RecordReconcileFailures(ctx, len(rec.Failed))

		stuck := make(map[int]bool, len(rec.Failed))
		for id := range rec.Failed {
			stuck[id] = true
		}
		if ctx.Err() != nil {
			// The pass stopped early, so direct revoke failures were not retried.
			for id := range revokeErr {
				stuck[id] = true
			}
		}
		state := m.inventory.State()
		for _, l := range held {
			state.Remove(l.DeviceType, l.DeviceID)
		}
		for _, d := range m.inventory.Devices() {
			if stuck[d.ID] {
				state.Remove(d.Type, d.ID)
				report.Stuck = append(report.Stuck, d)
			}
		}
		if err := m.pool.ClearStuck(ctx); err != nil {
			return persistence(err, "clear stuck devices")
		}
		for _, d := range report.Stuck {
			svcfields.WithDevice(m.logger, d.Type, d.ID).Warn("lease.reset.device_stuck")
			if err := m.pool.MarkStuck(ctx, d); err != nil {
				return persistence(err, "mark %s stuck", d)
			}
		}
		if err := m.savePool(ctx, state); err != nil {
			return err
		}
		if len(markErrs) > 0 {
			recErr = errors.Join(persistence(errors.Join(markErrs...), "mark leases released"), recErr)
		}
		return recErr
	})
	endSpan(span, err)
	for _, l := range report.Released {
		m.notifier.Notify(l.Username, fmt.Sprintf("%s %d released: %s", l.DeviceType, l.DeviceID, comment))
	}
	if err != nil {
		m.logger.Error("lease.reset.failed", "actor", actor, "stuck", len(report.Stuck), "error", err)
		return report, err
	}
	m.logger.Info("lease.reset.done", "actor", actor, "released", len(report.Released), "revoke_failed", len(report.RevokeFailed))
	return report, nil
}

// Reconcile runs a full permission pass against the active leases.
func (m *Manager) Reconcile(ctx context.Context) (permission.Report, error) {
	ctx, span := m.startSpan(ctx, "lease.Reconcile")
	var report permission.Report
	err := m.withPoolLock(ctx, func(ctx context.Context) error {
		active, err := m.leases.ListActive(ctx)
		if err != nil {
			return persistence(err, "list active leases")
		}
		report, err = m.perms.Reconcile(ctx, m.inventory.Devices(), active, m.privileged)
		return err
	})
	m.metrics.RecordReconcileFailures(ctx, len(report.Failed))
	endSpan(span, err)
	return report, err
}

// RestorePool rebuilds the pool at bootstrap: every configured device not
// held by an active lease and not stuck. It also publishes the inventory.
func (m *Manager) RestorePool(ctx context.Context) (pool.State, error) {
	var state pool.State
	err := m.withPoolLock(ctx, func(ctx context.Context) error {
		if err := m.pool.PublishInventory(ctx, m.inventory); err != nil {
			return persistence(err, "publish inventory")
		}
		active, err := m.leases.ListActive(ctx)
		if err != nil {
			return persistence(err, "list active leases")
		}
		stuck, err := m.pool.Stuck(ctx)
		if err != nil {
			return persistence(err, "load stuck devices")
		}
		state = m.inventory.State()
		for _, l := range active {
			state.Remove(l.DeviceType, l.DeviceID)
		}
		for _, d := range stuck {
			state.Remove(d.Type, d.ID)
		}
		return m.savePool(ctx, state)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("lease.pool.restored", "available", state.Counts())
	return state, nil
}

// Device states reported by Status.
const (
	StateFree    = "free"
	StateLeased  = "leased"
	StateStuck   = "stuck"
	StateUnknown = "unknown"
)

// DeviceStatus is one row of Status.
type DeviceStatus struct {
	Device pool.Device
	State  string
	// Lease is the active lease when State is leased.
	Lease *leasestore.Lease
}

// Status reports every configured device. It reads without the pool lock,
// so the view may be momentarily stale.
func (m *Manager) Status(ctx context.Context) ([]DeviceStatus, error) {
	state, err := m.loadPool(ctx)
	if err != nil {
		return nil, err
	}
	stuck, err := m.pool.Stuck(ctx)
	if err != nil {
		return nil, persistence(err, "load stuck devices")
	}
	active, err := m.leases.ListActive(ctx)
	if err != nil {
		return nil, persistence(err, "list active leases")
	}
	held := make(map[pool.Device]leasestore.Lease, len(active))
	for _, l := range active {
		held[pool.Device{Type: l.DeviceType, ID: l.DeviceID}] = l
	}
	devices := m.inventory.Devices()
	out := make([]DeviceStatus, 0, len(devices))
	for _, d := range devices {
		row := DeviceStatus{Device: d, State: StateUnknown}
		if l, ok := held[d]; ok {
			row.State = StateLeased
			row.Lease = &l
		} else if slices.Contains(stuck, d) {
			row.State = StateStuck
		} else if state.Contains(d.Type, d.ID) {
			row.State = StateFree
		}
		out = append(out, row)
	}
	return out, nil
}

// Schedule returns the active leases ordered by expiration.
func (m *Manager) Schedule(ctx context.Context) ([]leasestore.Lease, error) {
	leases, err := m.leases.ListActive(ctx)
	if err != nil {
		return nil, persistence(err, "list active leases")
	}
	return leases, nil
}

// Leases lists a user's leases newest first; an empty username lists all.
func (m *Manager) Leases(ctx context.Context, username string, activeOnly bool) ([]leasestore.Lease, error) {
	leases, err := m.leases.ListByUser(ctx, username, activeOnly)
	if err != nil {
		return nil, persistence(err, "list leases")
	}
	return leases, nil
}

// Inbox returns a user's notifications and, when markRead is set, flags the
// unread ones as read.
func (m *Manager) Inbox(ctx context.Context, username string, markRead bool) ([]leasestore.Notification, error) {
	if username == "" {
		return nil, fault.New(fault.CodeInvalidRequest, "username required")
	}
	list, err := m.leases.ListNotifications(ctx, username, false)
	if err != nil {
		return nil, persistence(err, "list notifications")
	}
	if markRead {
		if _, err := m.leases.MarkNotificationsRead(ctx, username); err != nil {
			return list, persistence(err, "mark notifications read")
		}
	}
	return list, nil
}

// SetEnabled toggles whether non-privileged users may allocate.
func (m *Manager) SetEnabled(ctx context.Context, actor string, enabled bool) error {
	if !m.IsPrivileged(actor) {
		return fault.New(fault.CodeInvalidRequest, "%q may not change the service state", actor)
	}
	var err error
	if enabled {
		err = m.kv.Delete(ctx, m.keys.AppDisable())
	} else {
		err = m.kv.Set(ctx, m.keys.AppDisable(), []byte(disabledValue), 0)
	}
	if err != nil {
		return persistence(err, "update service state")
	}
	m.logger.Info("lease.service.state", "actor", actor, "enabled", enabled)
	return nil
}

// Enabled reports whether allocation is open to non-privileged users.
func (m *Manager) Enabled(ctx context.Context) (bool, error) {
	raw, err := m.kv.Get(ctx, m.keys.AppDisable())
	if errors.Is(err, kv.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, persistence(err, "read service state")
	}
	return string(raw) != disabledValue, nil
}
