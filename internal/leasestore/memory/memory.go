// Package memory is the in-process lease store used by tests and by
// single-host deployments that accept losing history on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"pkt.systems/gpulockd/internal/leasestore"
	"pkt.systems/gpulockd/internal/uuidv7"
)

// Store implements leasestore.Store.
type Store struct {
	mu            sync.RWMutex
	leases        map[string]leasestore.Lease
	notifications []leasestore.Notification
}

// New returns an empty store.
func New() *Store {
	return &Store{leases: make(map[string]leasestore.Lease)}
}

func (s *Store) Create(_ context.Context, l *leasestore.Lease) error {
	if l.ID == "" {
		l.ID = uuidv7.NewString()
	}
	l.AllocatedAt = leasestore.Normalize(l.AllocatedAt)
	l.ExpiresAt = leasestore.Normalize(l.ExpiresAt)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[l.ID] = copyLease(*l)
	return nil
}

func (s *Store) Get(_ context.Context, id string) (leasestore.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.leases[id]
	if !ok {
		return leasestore.Lease{}, leasestore.ErrNotFound
	}
	return copyLease(l), nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, id)
	return nil
}

func (s *Store) MarkReleased(_ context.Context, id string, at time.Time, comment string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok {
		return false, leasestore.ErrNotFound
	}
	if !l.Active() {
		return false, nil
	}
	released := leasestore.Normalize(at)
	l.ReleasedAt = &released
	if comment != "" {
		l.Comment = comment
	}
	s.leases[id] = l
	return true, nil
}

func (s *Store) ListActive(_ context.Context) ([]leasestore.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []leasestore.Lease
	for _, l := range s.leases {
		if l.Active() {
			out = append(out, copyLease(l))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ActiveForDevice(_ context.Context, deviceType string, deviceID int) (leasestore.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.leases {
		if l.Active() && l.DeviceType == deviceType && l.DeviceID == deviceID {
			return copyLease(l), nil
		}
	}
	return leasestore.Lease{}, leasestore.ErrNotFound
}

func (s *Store) ListByUser(_ context.Context, username string, activeOnly bool) ([]leasestore.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []leasestore.Lease
	for _, l := range s.leases {
		if username != "" && l.Username != username {
			continue
		}
		if activeOnly && !l.Active() {
			continue
		}
		out = append(out, copyLease(l))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AllocatedAt.Equal(out[j].AllocatedAt) {
			return out[i].AllocatedAt.After(out[j].AllocatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *Store) AddNotification(_ context.Context, n *leasestore.Notification) error {
	if n.ID == "" {
		n.ID = uuidv7.NewString()
	}
	n.CreatedAt = leasestore.Normalize(n.CreatedAt)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, *n)
	return nil
}

func (s *Store) ListNotifications(_ context.Context, username string, unreadOnly bool) ([]leasestore.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []leasestore.Notification
	for _, n := range s.notifications {
		if n.Username != username || (unreadOnly && n.Read) {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *Store) MarkNotificationsRead(_ context.Context, username string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for i := range s.notifications {
		if s.notifications[i].Username == username && !s.notifications[i].Read {
			s.notifications[i].Read = true
			count++
		}
	}
	return count, nil
}

func (s *Store) Close() error { return nil }

func copyLease(l leasestore.Lease) leasestore.Lease {
	if l.ReleasedAt != nil {
		released := *l.ReleasedAt
		l.ReleasedAt = &released
	}
	return l
}

var _ leasestore.Store = (*Store)(nil)
