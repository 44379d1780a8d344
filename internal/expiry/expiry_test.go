package expiry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/gpulockd/internal/clock"
	"pkt.systems/gpulockd/internal/kv"
	kvmemory "pkt.systems/gpulockd/internal/kv/memory"
	"pkt.systems/gpulockd/internal/lease"
	"pkt.systems/gpulockd/internal/leasestore"
	leasememory "pkt.systems/gpulockd/internal/leasestore/memory"
	"pkt.systems/gpulockd/internal/permission"
	"pkt.systems/gpulockd/internal/pool"
	"pkt.systems/gpulockd/internal/probe"
	"pkt.systems/gpulockd/internal/scheduler"
)

const day = 24 * time.Hour

type harness struct {
	kv       kv.Store
	keys     kv.Keys
	mgr      *lease.Manager
	acl      *permission.Memory
	probe    *probe.Static
	clock    *clock.Manual
	mailbox  *scheduler.Mailbox
	monitor  *Monitor
	checker  *Checker
	notifier *notes
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	h := &harness{
		kv:       kvmemory.NewWithClock(clk),
		keys:     kv.Keys{Prefix: "t"},
		acl:      permission.NewMemory(),
		probe:    probe.NewStatic(),
		clock:    clk,
		notifier: &notes{},
	}
	h.mailbox = scheduler.NewMailbox(h.kv, h.keys)
	h.monitor = NewMonitor(h.mailbox, time.Hour)
	mgr, err := lease.New(lease.Config{
		KV:          h.kv,
		Keys:        h.keys,
		Leases:      leasememory.New(),
		Permissions: permission.NewReconciler(h.acl, nil, permission.WithProber(h.probe)),
		Inventory:   pool.Inventory{"A100": {0, 1}},
		Monitor:     h.monitor,
		Clock:       clk,
	})
	if err != nil {
		t.Fatalf("lease manager: %v", err)
	}
	if _, err := mgr.RestorePool(context.Background()); err != nil {
		t.Fatalf("restore pool: %v", err)
	}
	h.mgr = mgr
	h.checker = New(Config{
		Leases:   mgr,
		Prober:   h.probe,
		Monitor:  h.monitor,
		Notifier: h.notifier,
		Grace:    day,
		Clock:    clk,
	})
	return h
}

func (h *harness) allocate(t *testing.T, user string, id int) leasestore.Lease {
	t.Helper()
	l, err := h.mgr.Allocate(context.Background(), lease.Request{Username: user, DeviceType: "A100", DeviceID: id, Duration: day})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	return l
}

func TestExpiredBoundary(t *testing.T) {
	expires := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := leasestore.Lease{ExpiresAt: expires}
	if Expired(l, expires.Add(day), day) {
		t.Fatal("exactly expiration+grace is not yet expired")
	}
	if !Expired(l, expires.Add(day+time.Millisecond), day) {
		t.Fatal("past expiration+grace must be expired")
	}
}

func TestRunReleasesOnlyIdleExpiredLeases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	idle := h.allocate(t, "alice", 0)
	busy := h.allocate(t, "bob", 1)
	h.probe.Start(1, 900, "bob")

	// Within grace nothing is touched.
	h.clock.Advance(day + time.Hour)
	report, err := h.checker.Run(ctx)
	if err != nil || report.Checked != 0 {
		t.Fatalf("nothing is due yet: %+v (%v)", report, err)
	}

	h.clock.Advance(day)
	report, err = h.checker.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Checked != 2 || report.Released != 1 || report.InUse != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	got, _ := h.mgr.Get(ctx, idle.ID)
	if got.Active() || got.Comment != IdleComment {
		t.Fatalf("idle lease must be released with comment, got %+v", got)
	}
	if still, _ := h.mgr.Get(ctx, busy.ID); !still.Active() {
		t.Fatal("a lease whose holder is still running must be kept")
	}
	if h.acl.Has(0, "alice") {
		t.Fatal("access must be revoked on reclaim")
	}
}

func TestProbeFailureNeverReleases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	l := h.allocate(t, "alice", 0)
	h.probe.Fail(0, errors.New("nvidia-smi: driver not loaded"))
	h.clock.Advance(3 * day)

	report, err := h.checker.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.ProbeFailed != 1 || report.Released != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if got, _ := h.mgr.Get(ctx, l.ID); !got.Active() {
		t.Fatal("probe failure must count as in use")
	}
}

func TestRunContinuesPastReleaseFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.allocate(t, "alice", 0)
	second := h.allocate(t, "bob", 1)
	h.acl.FailRevoke(0, errors.New("EPERM"))
	h.clock.Advance(3 * day)

	report, err := h.checker.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Failed != 1 || report.Released != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if got, _ := h.mgr.Get(ctx, second.ID); got.Active() {
		t.Fatal("the second lease must still be processed")
	}
	_ = first
}

func TestCheckLeaseCancelsOwnMonitorWhenGone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	l := h.allocate(t, "alice", 0)
	if _, err := h.mgr.Release(ctx, l.ID, lease.ReleaseOptions{Actor: "alice"}); err != nil {
		t.Fatalf("release: %v", err)
	}
	// Drop the cancel the release already posted.
	if _, err := h.mailbox.DrainCancels(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	outcome, err := h.checker.CheckLease(ctx, l.ID)
	if err != nil || outcome != OutcomeGone {
		t.Fatalf("outcome %s (%v)", outcome, err)
	}
	cancels, _ := h.mailbox.DrainCancels(ctx)
	if len(cancels) != 1 || !strings.Contains(string(cancels[0]), l.ID) {
		t.Fatalf("expected self cancel, got %q", cancels)
	}
	if outcome, _ := h.checker.CheckLease(ctx, "missing"); outcome != OutcomeGone {
		t.Fatalf("unknown lease outcome %s", outcome)
	}
}

func TestMonitorMessages(t *testing.T) {
	mailbox := scheduler.NewMailbox(kvmemory.New(), kv.Keys{})
	m := NewMonitor(mailbox, 90*time.Minute)
	msg := m.Message(leasestore.Lease{ID: "lease7", Username: "alice", DeviceType: "A100", DeviceID: 3})
	if msg.JobUnit != scheduler.UnitMinutes || msg.JobInterval != 90 {
		t.Fatalf("unexpected interval %s %d", msg.JobUnit, msg.JobInterval)
	}
	if msg.Tag() != "lease7:"+JobCheckAllocation {
		t.Fatalf("unexpected tag %s", msg.Tag())
	}
	if err := msg.Validate(nil); err != nil {
		t.Fatalf("monitor message must validate: %v", err)
	}
	if got := NewMonitor(mailbox, 6*time.Hour).Message(leasestore.Lease{ID: "x"}); got.JobUnit != scheduler.UnitHours || got.JobInterval != 6 {
		t.Fatalf("unexpected hours message %+v", got)
	}
}

func TestScheduledMonitorReclaimsLease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reg := scheduler.NewRegistry()
	if err := h.checker.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	sched := scheduler.New(reg, h.mailbox, scheduler.WithClock(h.clock))
	l := h.allocate(t, "alice", 0)

	sched.Tick(ctx)
	jobs := sched.Jobs()
	if len(jobs) != 1 || jobs[0].Tag != l.ID+":"+JobCheckAllocation {
		t.Fatalf("expected the lease monitor, got %+v", jobs)
	}

	h.clock.Advance(2*day + time.Hour)
	sched.Tick(ctx)
	got, _ := h.mgr.Get(ctx, l.ID)
	if got.Active() {
		t.Fatal("monitor must reclaim the idle expired lease")
	}
	// The release posted a cancel; the next poll removes the job.
	sched.Tick(ctx)
	if jobs := sched.Jobs(); len(jobs) != 0 {
		t.Fatalf("monitor must be cancelled, got %+v", jobs)
	}
}

func TestSubmitThenCancelBeforeTickNeverRuns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var mu sync.Mutex
	runs := 0
	reg := scheduler.NewRegistry()
	_ = reg.Register(JobCheckExpired, func(context.Context, scheduler.Input) error {
		mu.Lock()
		defer mu.Unlock()
		runs++
		return nil
	})
	sched := scheduler.New(reg, h.mailbox, scheduler.WithClock(h.clock))

	submit := scheduler.SubmitMessage{
		JobUnit:     scheduler.UnitSeconds,
		JobInterval: 1,
		JobFunction: JobCheckExpired,
		JobInput:    scheduler.Input{"_id": "lease42"},
	}
	if err := h.mailbox.Submit(ctx, submit); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.mailbox.Cancel(ctx, scheduler.CancelMessage{JobFunction: JobCheckExpired, ID: "lease42"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	for i := 0; i < 3; i++ {
		sched.Tick(ctx)
		h.clock.Advance(2 * time.Second)
	}
	mu.Lock()
	defer mu.Unlock()
	if runs != 0 || len(sched.Jobs()) != 0 {
		t.Fatalf("cancelled job ran %d times, jobs %+v", runs, sched.Jobs())
	}
}

func TestRestoreMonitorsAndNotify(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.allocate(t, "alice", 0)
	h.allocate(t, "bob", 1)
	if _, err := h.mailbox.DrainSubmits(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	n, err := h.checker.RestoreMonitors(ctx)
	if err != nil || n != 2 {
		t.Fatalf("restore monitors = %d (%v)", n, err)
	}
	if submits, _ := h.mailbox.DrainSubmits(ctx); len(submits) != 2 {
		t.Fatalf("expected 2 monitor submits, got %d", len(submits))
	}

	if n, _ := h.checker.NotifyUnallocated(ctx); n != 0 {
		t.Fatalf("nothing expired yet, notified %d", n)
	}
	h.clock.Advance(day + time.Minute)
	if n, _ := h.checker.NotifyUnallocated(ctx); n != 2 {
		t.Fatalf("expected 2 notices, got %d", n)
	}
	if got := h.notifier.count("alice"); got != 1 {
		t.Fatalf("alice notices = %d", got)
	}
}

type notes struct {
	mu   sync.Mutex
	sent map[string]int
}

func (n *notes) Notify(username, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = make(map[string]int)
	}
	n.sent[username]++
}

func (n *notes) count(username string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[username]
}
