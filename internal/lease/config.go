package lease

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/gpulockd/internal/clock"
	"pkt.systems/gpulockd/internal/dlock"
	"pkt.systems/gpulockd/internal/kv"
	"pkt.systems/gpulockd/internal/leasestore"
	"pkt.systems/gpulockd/internal/metrics"
	"pkt.systems/gpulockd/internal/permission"
	"pkt.systems/gpulockd/internal/pool"
)

const (
	DefaultMinDuration = 24 * time.Hour
	DefaultMaxDuration = 7 * 24 * time.Hour
)

// Permissions is the access control surface the manager drives. It is
// satisfied by *permission.Reconciler.
type Permissions interface {
	Grant(ctx context.Context, d pool.Device, username string) error
	Revoke(ctx context.Context, d pool.Device, username string) error
	Evict(ctx context.Context, d pool.Device, username string) ([]int, error)
	Reconcile(ctx context.Context, devices []pool.Device, leases []leasestore.Lease, privileged []string) (permission.Report, error)
}

// Monitor tracks the per-lease utilization job.
type Monitor interface {
	Watch(ctx context.Context, l leasestore.Lease) error
	Unwatch(ctx context.Context, leaseID string) error
}

// Notifier delivers a message to a user without blocking.
type Notifier interface {
	Notify(username, message string)
}

// Config captures the dependencies and limits of a Manager.
type Config struct {
	KV          kv.Store
	Keys        kv.Keys
	Leases      leasestore.Store
	Permissions Permissions
	Inventory   pool.Inventory
	// Privileged users always hold access to every device and may act on
	// other users' leases.
	Privileged []string

	MinDuration time.Duration
	MaxDuration time.Duration
	LockTTL     time.Duration
	LockTimeout time.Duration

	// Monitor and Notifier are optional.
	Monitor  Monitor
	Notifier Notifier
	Metrics  *metrics.Arbiter
	Logger   pslog.Logger
	Clock    clock.Clock
	// Locker defaults to a dlock.Locker over KV.
	Locker *dlock.Locker
}

type noopMonitor struct{}

func (noopMonitor) Watch(context.Context, leasestore.Lease) error { return nil }
func (noopMonitor) Unwatch(context.Context, string) error         { return nil }

type noopNotifier struct{}

func (noopNotifier) Notify(string, string) {}
