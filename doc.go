// Package gpulockd exposes the Go APIs behind the GPU lease arbiter: a
// service that hands out exclusive, time-bounded leases on the GPUs of a
// shared host, enforces them through device ACLs and reclaims devices whose
// lease ran out and whose holder went idle.
//
// # Running a server
//
// Several processes may run against the same stores. Each one tries to take
// the init lock on every poll tick; the first to find no live leader
// heartbeat bootstraps the pool and becomes leader, the others stay
// followers that can still allocate and release.
//
//	cfg := gpulockd.DefaultConfig()
//	cfg.KVStore = "redis://localhost:6379/0"
//	cfg.LeaseStore = "mongodb://localhost:27017/gpulocker"
//	cfg.Devices, _ = gpulockd.ParseDevices("A100=0,1,2,3;V100=4,5")
//	cfg.PrivilegedUsers = []string{"root"}
//	srv, err := gpulockd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	if err := srv.Start(); err != nil { log.Fatal(err) }
//	defer srv.Shutdown(context.Background())
//
// # Stores
//
// The KV store (memory or Redis) holds the pool document, the distributed
// lock keys, the scheduler mailboxes and the service flag. The lease store
// (memory, MongoDB, PostgreSQL or SQLite) holds lease records and user
// notifications. mem:// stores only coordinate goroutines of one process.
//
// # Leases
//
// Server.Manager returns the lease manager:
//
//	l, err := srv.Manager().Allocate(ctx, lease.Request{
//	    Username:   "alice",
//	    DeviceType: "A100",
//	    DeviceID:   2,
//	    Duration:   48 * time.Hour,
//	})
//	...
//	_, err = srv.Manager().Release(ctx, l.ID, lease.ReleaseOptions{Actor: "alice"})
//
// Failures carry a stable code (see internal/fault) such as
// insufficient_capacity, lock_timeout or permission_revoke_failed.
//
// # Telemetry
//
// Set Config.MetricsListen to expose Prometheus metrics, Config.OTLPEndpoint
// to export traces and Config.PprofListen for net/http/pprof.
package gpulockd
