package mongo

import (
	"context"
	"os"
	"testing"
	"time"

	"pkt.systems/gpulockd/internal/leasestore"
	"pkt.systems/gpulockd/internal/leasestore/storetest"
	"pkt.systems/gpulockd/internal/uuidv7"
)

func TestMongoContract(t *testing.T) {
	url := os.Getenv("GPULOCKD_TEST_MONGO_URL")
	if url == "" {
		t.Skip("GPULOCKD_TEST_MONGO_URL not set")
	}
	storetest.Run(t, func(t *testing.T) leasestore.Store {
		database := "gpulockd_test_" + uuidv7.New().String()[:8]
		store, err := Open(context.Background(), Config{URL: url, Database: database, DialTimeout: 5 * time.Second})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() {
			session := store.session.Copy()
			_ = session.DB(database).DropDatabase()
			session.Close()
			_ = store.Close()
		})
		return store
	})
}

func TestOpenRequiresURL(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatal("expected error without url")
	}
}

func TestDocConversionKeepsReleaseStamp(t *testing.T) {
	released := time.Date(2025, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	l := leasestore.Lease{
		ID:          "id",
		Username:    "alice",
		DeviceType:  "A100",
		DeviceID:    3,
		AllocatedAt: released.Add(-time.Hour),
		ExpiresAt:   released.Add(time.Hour),
		ReleasedAt:  &released,
	}
	got := fromDoc(toDoc(l))
	if got.ReleasedAt == nil || !got.ReleasedAt.Equal(released) || got.ReleasedAt.Location() != time.UTC {
		t.Fatalf("unexpected release stamp %v", got.ReleasedAt)
	}
	if got.DeviceID != 3 || got.Username != "alice" {
		t.Fatalf("unexpected lease %+v", got)
	}
}
