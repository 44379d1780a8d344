package gpulockd

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/gpulockd/internal/expiry"
	"pkt.systems/gpulockd/internal/fault"
	kvmemory "pkt.systems/gpulockd/internal/kv/memory"
	"pkt.systems/gpulockd/internal/lease"
	"pkt.systems/gpulockd/internal/leasestore"
	leasememory "pkt.systems/gpulockd/internal/leasestore/memory"
	"pkt.systems/gpulockd/internal/permission"
	"pkt.systems/gpulockd/internal/probe"
	"pkt.systems/gpulockd/internal/scheduler"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Devices = testDevices()
	cfg.PrivilegedUsers = []string{"root"}
	cfg.ACLMode = ACLModeMemory
	cfg.Probe = ProbeNone
	cfg.PollInterval = 20 * time.Millisecond
	cfg.InitLockTTL = time.Second
	cfg.GracePeriod = time.Minute
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !fn() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func startTestServer(t *testing.T, cfg Config, opts ...Option) *Server {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv, stop, err := StartServer(ctx, cfg, opts...)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		if err := stop(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return srv
}

func TestServerBootstrapsAsLeader(t *testing.T) {
	acl := permission.NewMemory()
	srv := startTestServer(t, testConfig(), WithEnforcer(acl))
	if !srv.IsLeader() {
		t.Fatal("the only process must lead")
	}
	ctx := context.Background()
	status, err := srv.Manager().Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(status) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(status))
	}
	for _, st := range status {
		if st.State != lease.StateFree {
			t.Fatalf("device %s should be free after bootstrap, got %s", st.Device, st.State)
		}
		if !acl.Has(st.Device.ID, "root") {
			t.Fatalf("privileged user must hold %s after bootstrap", st.Device)
		}
	}
	jobs := srv.Scheduler().Jobs()
	if len(jobs) != 1 || jobs[0].Function != expiry.JobCheckExpired {
		t.Fatalf("expected the expiry job, got %+v", jobs)
	}

	l, err := srv.Manager().Allocate(ctx, lease.Request{Username: "alice", DeviceType: "A100", DeviceID: 1, Duration: 48 * time.Hour})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if !acl.Has(1, "alice") {
		t.Fatal("allocation must grant access")
	}
	waitFor(t, 2*time.Second, func() bool {
		for _, j := range srv.Scheduler().Jobs() {
			if j.Tag == scheduler.Tag(l.ID, expiry.JobCheckAllocation) {
				return true
			}
		}
		return false
	})
	if _, err := srv.Manager().Allocate(ctx, lease.Request{Username: "bob", DeviceType: "A100", DeviceID: 1, Duration: 48 * time.Hour}); !fault.Is(err, fault.CodeInsufficientCapacity) {
		t.Fatalf("expected insufficient_capacity, got %v", err)
	}
}

func TestServerBootstrapReclaimsExpiredIdleLease(t *testing.T) {
	ctx := context.Background()
	leases := leasememory.New()
	old := time.Now().Add(-72 * time.Hour)
	stale := &leasestore.Lease{Username: "carol", DeviceType: "V100", DeviceID: 2, AllocatedAt: old, ExpiresAt: old.Add(24 * time.Hour)}
	fresh := &leasestore.Lease{Username: "dave", DeviceType: "A100", DeviceID: 0, AllocatedAt: time.Now(), ExpiresAt: time.Now().Add(24 * time.Hour)}
	for _, l := range []*leasestore.Lease{stale, fresh} {
		if err := leases.Create(ctx, l); err != nil {
			t.Fatalf("seed lease: %v", err)
		}
	}
	acl := permission.NewMemory()
	srv := startTestServer(t, testConfig(), WithLeaseStore(leases), WithEnforcer(acl), WithProber(probe.NewStatic()))

	got, err := srv.Manager().Get(ctx, stale.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Active() || got.Comment != expiry.IdleComment {
		t.Fatalf("expired idle lease must be reclaimed at bootstrap, got %+v", got)
	}
	if still, _ := srv.Manager().Get(ctx, fresh.ID); !still.Active() {
		t.Fatal("unexpired lease must survive bootstrap")
	}
	if !acl.Has(0, "dave") || acl.Has(2, "carol") {
		t.Fatal("reconciliation must match grants to active leases")
	}
	status, _ := srv.Manager().Status(ctx)
	for _, st := range status {
		if st.Device.ID == 2 && st.State != lease.StateFree {
			t.Fatalf("reclaimed device must return to the pool, got %s", st.State)
		}
		if st.Device.ID == 0 && st.State != lease.StateLeased {
			t.Fatalf("leased device must stay out of the pool, got %s", st.State)
		}
	}
}

func TestSecondServerFollowsUntilLeaderStops(t *testing.T) {
	store := kvmemory.New()
	leases := leasememory.New()
	cfg := testConfig()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, stopFirst, err := StartServer(ctx, cfg, WithKV(store), WithLeaseStore(leases))
	if err != nil {
		t.Fatalf("start first: %v", err)
	}
	second := startTestServer(t, cfg, WithKV(store), WithLeaseStore(leases))
	if !first.IsLeader() || second.IsLeader() {
		t.Fatalf("expected first to lead, got first=%v second=%v", first.IsLeader(), second.IsLeader())
	}
	// Followers still serve allocations through the shared stores.
	if _, err := second.Manager().Allocate(ctx, lease.Request{Username: "erin", DeviceType: "A100", DeviceID: 0, Duration: 24 * time.Hour}); err != nil {
		t.Fatalf("follower allocate: %v", err)
	}
	if err := stopFirst(ctx); err != nil {
		t.Fatalf("stop first: %v", err)
	}
	waitFor(t, 3*time.Second, second.IsLeader)
	status, err := second.Manager().Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, st := range status {
		if st.Device.ID == 0 && st.State != lease.StateLeased {
			t.Fatalf("new leader must keep existing leases, got %s", st.State)
		}
	}
}

func TestServerShutdownIsIdempotent(t *testing.T) {
	srv, err := NewServer(testConfig())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := srv.Start(); err == nil {
		t.Fatal("second start must fail")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.WaitUntilReady(ctx); err != nil {
		t.Fatalf("ready: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if srv.IsLeader() {
		t.Fatal("a stopped server must not lead")
	}
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Fatal("expected error without devices")
	}
	cfg := testConfig()
	cfg.LeaseStore = "cassandra://db"
	if _, err := NewServer(cfg); err == nil {
		t.Fatal("expected error for unsupported lease store")
	}
}

func TestLeaderKeepsHeartbeatThroughLongJob(t *testing.T) {
	store := kvmemory.New()
	srv := startTestServer(t, testConfig(), WithKV(store))
	if !srv.IsLeader() {
		t.Fatal("the only process must lead")
	}
	var started atomic.Bool
	type outcome struct {
		value  string
		err    error
		ctxErr error
	}
	done := make(chan outcome, 1)
	// Longer than InitLockTTL: the leader key must outlive the job.
	srv.Scheduler().Every(time.Second, "slow_job", func(ctx context.Context, _ scheduler.Input) error {
		if !started.CompareAndSwap(false, true) {
			return nil
		}
		time.Sleep(2500 * time.Millisecond)
		raw, err := store.Get(ctx, srv.keys.SystemInitialized())
		done <- outcome{value: string(raw), err: err, ctxErr: ctx.Err()}
		return nil
	})
	select {
	case got := <-done:
		if got.err != nil || got.value != srv.nodeID {
			t.Fatalf("leader key must be refreshed during the job, got %q %v", got.value, got.err)
		}
		if got.ctxErr != nil {
			t.Fatalf("job context cancelled: %v", got.ctxErr)
		}
	case <-time.After(8 * time.Second):
		t.Fatal("slow job never ran")
	}
	if !srv.IsLeader() {
		t.Fatal("leader must not step down during a long job")
	}
}
