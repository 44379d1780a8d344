package permission

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"pkt.systems/pslog"

	"pkt.systems/gpulockd/internal/fault"
	"pkt.systems/gpulockd/internal/leasestore"
	"pkt.systems/gpulockd/internal/pool"
	"pkt.systems/gpulockd/internal/probe"
	"pkt.systems/gpulockd/internal/svcfields"
)

// Entry is one (device, user) access pair.
type Entry struct {
	DeviceType string `json:"gpu_type"`
	DeviceID   int    `json:"gpu_id"`
	Username   string `json:"username"`
}

// Report summarises a reconciliation pass.
type Report struct {
	Granted []Entry
	Revoked []Entry
	// Failed holds the first error seen per device id.
	Failed map[int]error
}

// Err joins the per-device failures in device order, or returns nil.
func (r Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	ids := make([]int, 0, len(r.Failed))
	for id := range r.Failed {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	errs := make([]error, 0, len(ids))
	for _, id := range ids {
		errs = append(errs, fmt.Errorf("device %d: %w", id, r.Failed[id]))
	}
	return errors.Join(errs...)
}

func (r *Report) fail(deviceID int, err error) {
	if r.Failed == nil {
		r.Failed = make(map[int]error)
	}
	if _, ok := r.Failed[deviceID]; !ok {
		r.Failed[deviceID] = err
	}
}

// Reconciler wraps an Enforcer with error classification and the full
// desired-versus-actual pass.
type Reconciler struct {
	enforcer Enforcer
	prober   probe.Prober
	logger   pslog.Logger
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithProber sets the prober used by Evict.
func WithProber(p probe.Prober) ReconcilerOption {
	return func(r *Reconciler) {
		if p != nil {
			r.prober = p
		}
	}
}

// NewReconciler returns a Reconciler over enforcer.
func NewReconciler(enforcer Enforcer, logger pslog.Logger, opts ...ReconcilerOption) *Reconciler {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	r := &Reconciler{enforcer: enforcer, prober: probe.None{}, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Evict kills username's processes on d so no process keeps using the
// device after its grant is revoked. Callers treat the error as a warning.
func (r *Reconciler) Evict(ctx context.Context, d pool.Device, username string) ([]int, error) {
	return probe.KillUser(ctx, r.prober, d.ID, username, svcfields.WithDevice(r.logger, d.Type, d.ID))
}

// Grant gives username access to d.
func (r *Reconciler) Grant(ctx context.Context, d pool.Device, username string) error {
	if err := r.enforcer.Grant(ctx, d.ID, username); err != nil {
		return fault.Wrap(fault.CodePermissionGrantFailed, err, "grant %s on %s", username, d)
	}
	r.logger.Debug("permission.grant", append(svcfields.Device(d.Type, d.ID), "username", username)...)
	return nil
}

// Revoke removes username's access to d.
func (r *Reconciler) Revoke(ctx context.Context, d pool.Device, username string) error {
	if err := r.enforcer.Revoke(ctx, d.ID, username); err != nil {
		return fault.Wrap(fault.CodePermissionRevokeFailed, err, "revoke %s on %s", username, d)
	}
	r.logger.Debug("permission.revoke", append(svcfields.Device(d.Type, d.ID), "username", username)...)
	return nil
}

// Reconcile makes actual grants match the desired set: the holder of each
// active lease on its device, plus every privileged user on every device.
// Devices that fail are recorded in the report and the pass continues.
func (r *Reconciler) Reconcile(ctx context.Context, devices []pool.Device, leases []leasestore.Lease, privileged []string) (Report, error) {
	desired := make(map[int]map[string]bool, len(devices))
	for _, d := range devices {
		want := make(map[string]bool, len(privileged)+1)
		for _, u := range privileged {
			want[u] = true
		}
		desired[d.ID] = want
	}
	for _, l := range leases {
		if !l.Active() {
			continue
		}
		if want, ok := desired[l.DeviceID]; ok {
			want[l.Username] = true
		}
	}

	var report Report
	for _, d := range devices {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		logger := svcfields.WithDevice(r.logger, d.Type, d.ID)
		actual, err := r.enforcer.Grantees(ctx, d.ID)
		if err != nil {
			logger.Warn("permission.reconcile.list.error", "error", err)
			report.fail(d.ID, fmt.Errorf("list grantees: %w", err))
			continue
		}
		have := make(map[string]bool, len(actual))
		for _, u := range actual {
			have[u] = true
			if desired[d.ID][u] {
				continue
			}
			if err := r.Revoke(ctx, d, u); err != nil {
				logger.Warn("permission.reconcile.revoke.error", "username", u, "error", err)
				report.fail(d.ID, err)
				continue
			}
			report.Revoked = append(report.Revoked, Entry{DeviceType: d.Type, DeviceID: d.ID, Username: u})
		}
		for _, u := range sortedKeys(desired[d.ID]) {
			if have[u] {
				continue
			}
			if err := r.Grant(ctx, d, u); err != nil {
				logger.Warn("permission.reconcile.grant.error", "username", u, "error", err)
				report.fail(d.ID, err)
				continue
			}
			report.Granted = append(report.Granted, Entry{DeviceType: d.Type, DeviceID: d.ID, Username: u})
		}
	}
	r.logger.Info("permission.reconcile.done",
		"granted", len(report.Granted),
		"revoked", len(report.Revoked),
		"failed_devices", len(report.Failed),
	)
	return report, report.Err()
}

// ResetBaseline restores group-only mode on every device, continuing past
// failures.
func (r *Reconciler) ResetBaseline(ctx context.Context, devices []pool.Device) error {
	var errs []error
	for _, d := range devices {
		if err := r.enforcer.Baseline(ctx, d.ID); err != nil {
			svcfields.WithDevice(r.logger, d.Type, d.ID).Warn("permission.baseline.error", "error", err)
			errs = append(errs, fmt.Errorf("baseline %s: %w", d, err))
		}
	}
	return errors.Join(errs...)
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
