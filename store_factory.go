package gpulockd

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"pkt.systems/gpulockd/internal/clock"
	"pkt.systems/gpulockd/internal/kv"
	kvmemory "pkt.systems/gpulockd/internal/kv/memory"
	kvredis "pkt.systems/gpulockd/internal/kv/redis"
	"pkt.systems/gpulockd/internal/leasestore"
	leasememory "pkt.systems/gpulockd/internal/leasestore/memory"
	"pkt.systems/gpulockd/internal/leasestore/mongo"
	"pkt.systems/gpulockd/internal/leasestore/sqlstore"
	"pkt.systems/gpulockd/internal/pathutil"
)

// OpenKV opens the shared key-value store named by raw. mem:// is only
// shared within one process.
func OpenKV(ctx context.Context, raw string, clk clock.Clock) (kv.Store, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse kv-store URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "mem", "memory", "":
		return kvmemory.NewWithClock(clock.Or(clk)), nil
	case "redis", "rediss":
		return kvredis.New(ctx, kvredis.Config{URL: raw})
	}
	return nil, fmt.Errorf("kv-store: unsupported scheme %q (want mem or redis)", u.Scheme)
}

// OpenLeaseStore opens the lease store named by raw.
func OpenLeaseStore(ctx context.Context, raw string) (leasestore.Store, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse lease-store URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "mem", "memory", "":
		return leasememory.New(), nil
	case "mongodb", "mongodb+srv":
		return mongo.Open(ctx, mongo.Config{URL: raw})
	case "postgres", "postgresql":
		return sqlstore.Open(ctx, sqlstore.Config{Driver: sqlstore.DriverPostgres, DSN: raw})
	case "sqlite", "sqlite3":
		path, err := sqlitePath(u)
		if err != nil {
			return nil, err
		}
		return sqlstore.Open(ctx, sqlstore.Config{Driver: sqlstore.DriverSQLite, DSN: path})
	}
	return nil, fmt.Errorf("lease-store: unsupported scheme %q (want mem, mongodb, postgres or sqlite)", u.Scheme)
}

// sqlitePath accepts sqlite:///abs/path.db, sqlite://relative.db and
// sqlite://~/path.db.
func sqlitePath(u *url.URL) (string, error) {
	path := u.Host + u.Path
	if path == "" {
		path = u.Opaque
	}
	if path == "" {
		return "", fmt.Errorf("lease-store: sqlite URL needs a file path")
	}
	return pathutil.Expand(path)
}
