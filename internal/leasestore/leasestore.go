// Package leasestore persists lease records and per-user notifications.
// Records are never removed on release; they are stamped with ReleasedAt and
// remain as history.
package leasestore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("leasestore: not found")

// Lease is one time-bounded exclusive grant of a device to a user.
type Lease struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	DeviceType  string     `json:"gpu_type"`
	DeviceID    int        `json:"gpu_id"`
	AllocatedAt time.Time  `json:"allocated_at"`
	ExpiresAt   time.Time  `json:"expiration_time"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
	Comment     string     `json:"comment,omitempty"`
}

// Active reports whether the lease has not been released.
func (l Lease) Active() bool {
	return l.ReleasedAt == nil
}

// Notification is a message queued for a user.
type Notification struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	Read      bool      `json:"read"`
}

// Store is implemented by the memory, mongo and sql backends.
type Store interface {
	// Create inserts l, assigning l.ID when empty.
	Create(ctx context.Context, l *Lease) error
	Get(ctx context.Context, id string) (Lease, error)
	// Delete removes a record outright; only used to undo a failed allocation.
	Delete(ctx context.Context, id string) error
	// MarkReleased stamps ReleasedAt on an active lease and reports whether it
	// did. A non-empty comment replaces the stored one.
	MarkReleased(ctx context.Context, id string, at time.Time, comment string) (bool, error)
	// ListActive returns unreleased leases ordered by expiry.
	ListActive(ctx context.Context) ([]Lease, error)
	// ActiveForDevice returns the unreleased lease on a device or ErrNotFound.
	ActiveForDevice(ctx context.Context, deviceType string, deviceID int) (Lease, error)
	// ListByUser returns a user's leases, newest first. An empty username
	// lists every user.
	ListByUser(ctx context.Context, username string, activeOnly bool) ([]Lease, error)

	AddNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, username string, unreadOnly bool) ([]Notification, error)
	// MarkNotificationsRead flags every unread notification of username.
	MarkNotificationsRead(ctx context.Context, username string) (int, error)

	Close() error
}

// Normalize returns t in UTC at millisecond precision, the resolution every
// backend can round-trip.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
