// Package storetest holds the behavioural contract shared by every
// leasestore backend.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pkt.systems/gpulockd/internal/leasestore"
)

// Run exercises newStore against the leasestore contract. Each subtest gets
// a fresh, empty store.
func Run(t *testing.T, newStore func(t *testing.T) leasestore.Store) {
	t.Helper()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	lease := func(user, typ string, id int, allocated time.Time, days int) *leasestore.Lease {
		return &leasestore.Lease{
			Username:    user,
			DeviceType:  typ,
			DeviceID:    id,
			AllocatedAt: allocated,
			ExpiresAt:   allocated.Add(time.Duration(days) * 24 * time.Hour),
		}
	}

	t.Run("CreateAssignsIDAndGetRoundTrips", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		l := lease("alice", "A100", 0, base.Add(123456789*time.Nanosecond), 2)
		require.NoError(t, store.Create(ctx, l))
		require.NotEmpty(t, l.ID)

		got, err := store.Get(ctx, l.ID)
		require.NoError(t, err)
		require.Equal(t, "alice", got.Username)
		require.Equal(t, "A100", got.DeviceType)
		require.Equal(t, 0, got.DeviceID)
		require.True(t, got.AllocatedAt.Equal(leasestore.Normalize(l.AllocatedAt)), "allocated_at %v", got.AllocatedAt)
		require.True(t, got.ExpiresAt.Equal(leasestore.Normalize(l.ExpiresAt)), "expiration_time %v", got.ExpiresAt)
		require.True(t, got.Active())
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := newStore(t).Get(context.Background(), "missing")
		require.ErrorIs(t, err, leasestore.ErrNotFound)
	})

	t.Run("MarkReleasedOnce", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		l := lease("alice", "A100", 1, base, 1)
		l.Comment = "training"
		require.NoError(t, store.Create(ctx, l))

		ok, err := store.MarkReleased(ctx, l.ID, base.Add(time.Hour), "")
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = store.MarkReleased(ctx, l.ID, base.Add(2*time.Hour), "again")
		require.NoError(t, err)
		require.False(t, ok, "second release must be a no-op")

		got, err := store.Get(ctx, l.ID)
		require.NoError(t, err)
		require.NotNil(t, got.ReleasedAt)
		require.True(t, got.ReleasedAt.Equal(base.Add(time.Hour)))
		require.Equal(t, "training", got.Comment)

		_, err = store.MarkReleased(ctx, "missing", base, "")
		require.ErrorIs(t, err, leasestore.ErrNotFound)
	})

	t.Run("MarkReleasedReplacesComment", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		l := lease("bob", "V100", 3, base, 1)
		require.NoError(t, store.Create(ctx, l))
		ok, err := store.MarkReleased(ctx, l.ID, base, "reset by admin")
		require.NoError(t, err)
		require.True(t, ok)
		got, err := store.Get(ctx, l.ID)
		require.NoError(t, err)
		require.Equal(t, "reset by admin", got.Comment)
	})

	t.Run("ListActiveOrderedByExpiry", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		late := lease("alice", "A100", 0, base, 5)
		early := lease("bob", "A100", 1, base, 1)
		gone := lease("carol", "V100", 2, base, 2)
		for _, l := range []*leasestore.Lease{late, early, gone} {
			require.NoError(t, store.Create(ctx, l))
		}
		_, err := store.MarkReleased(ctx, gone.ID, base, "")
		require.NoError(t, err)

		active, err := store.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 2)
		require.Equal(t, early.ID, active[0].ID)
		require.Equal(t, late.ID, active[1].ID)
	})

	t.Run("ActiveForDevice", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		old := lease("alice", "A100", 0, base, 1)
		require.NoError(t, store.Create(ctx, old))
		_, err := store.MarkReleased(ctx, old.ID, base, "")
		require.NoError(t, err)

		_, err = store.ActiveForDevice(ctx, "A100", 0)
		require.ErrorIs(t, err, leasestore.ErrNotFound)

		current := lease("bob", "A100", 0, base.Add(time.Hour), 1)
		require.NoError(t, store.Create(ctx, current))
		got, err := store.ActiveForDevice(ctx, "A100", 0)
		require.NoError(t, err)
		require.Equal(t, current.ID, got.ID)
	})

	t.Run("ListByUser", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		first := lease("alice", "A100", 0, base, 1)
		second := lease("alice", "A100", 1, base.Add(time.Hour), 1)
		other := lease("bob", "V100", 2, base, 1)
		for _, l := range []*leasestore.Lease{first, second, other} {
			require.NoError(t, store.Create(ctx, l))
		}
		_, err := store.MarkReleased(ctx, first.ID, base, "")
		require.NoError(t, err)

		all, err := store.ListByUser(ctx, "alice", false)
		require.NoError(t, err)
		require.Len(t, all, 2)
		require.Equal(t, second.ID, all[0].ID, "newest first")

		active, err := store.ListByUser(ctx, "alice", true)
		require.NoError(t, err)
		require.Len(t, active, 1)
		require.Equal(t, second.ID, active[0].ID)

		everyone, err := store.ListByUser(ctx, "", false)
		require.NoError(t, err)
		require.Len(t, everyone, 3)
	})

	t.Run("DeleteRemovesRecord", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		l := lease("alice", "A100", 0, base, 1)
		require.NoError(t, store.Create(ctx, l))
		require.NoError(t, store.Delete(ctx, l.ID))
		_, err := store.Get(ctx, l.ID)
		require.ErrorIs(t, err, leasestore.ErrNotFound)
		require.NoError(t, store.Delete(ctx, l.ID), "deleting twice is not an error")
	})

	t.Run("Notifications", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		for i, msg := range []string{"first", "second"} {
			n := &leasestore.Notification{Username: "alice", Message: msg, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
			require.NoError(t, store.AddNotification(ctx, n))
			require.NotEmpty(t, n.ID)
		}
		require.NoError(t, store.AddNotification(ctx, &leasestore.Notification{Username: "bob", Message: "other", CreatedAt: base}))

		unread, err := store.ListNotifications(ctx, "alice", true)
		require.NoError(t, err)
		require.Len(t, unread, 2)
		require.Equal(t, "first", unread[0].Message)

		count, err := store.MarkNotificationsRead(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, 2, count)

		unread, err = store.ListNotifications(ctx, "alice", true)
		require.NoError(t, err)
		require.Empty(t, unread)
		all, err := store.ListNotifications(ctx, "alice", false)
		require.NoError(t, err)
		require.Len(t, all, 2)
		require.True(t, all[0].Read)

		bob, err := store.ListNotifications(ctx, "bob", true)
		require.NoError(t, err)
		require.Len(t, bob, 1)
	})
}
