package scheduler

import (
	"bytes"
	"context"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/gpulockd/internal/clock"
	"pkt.systems/gpulockd/internal/fault"
	"pkt.systems/gpulockd/internal/kv"
	"pkt.systems/gpulockd/internal/kv/memory"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	clock    *clock.Manual
	registry *Registry
	mailbox  *Mailbox
	sched    *Scheduler
	logs     *syncBuffer
	calls    map[string]*atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewManual(epoch)
	reg := NewRegistry()
	h := &harness{
		clock:    clk,
		registry: reg,
		mailbox:  NewMailbox(memory.NewWithClock(clk), kv.Keys{}),
		logs:     &syncBuffer{},
		calls:    map[string]*atomic.Int32{},
	}
	for _, name := range []string{"check_allocation_utilization", "other"} {
		counter := &atomic.Int32{}
		h.calls[name] = counter
		if err := reg.Register(name, func(context.Context, Input) error {
			counter.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	logger := pslog.NewStructured(context.Background(), h.logs)
	h.sched = New(reg, h.mailbox, WithClock(clk), WithLogger(logger))
	return h
}

func submit(id string) SubmitMessage {
	return SubmitMessage{
		JobUnit:     UnitHours,
		JobInterval: 6,
		JobFunction: "check_allocation_utilization",
		JobInput:    Input{"_id": id, "username": "alice"},
	}
}

func TestValidate(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register("check_allocation_utilization", func(context.Context, Input) error { return nil })
	cases := map[string]SubmitMessage{
		"bad unit":          {JobUnit: "days", JobInterval: 1, JobFunction: "check_allocation_utilization", JobInput: Input{"_id": "x"}},
		"zero interval":     {JobUnit: UnitHours, JobInterval: 0, JobFunction: "check_allocation_utilization", JobInput: Input{"_id": "x"}},
		"unknown function":  {JobUnit: UnitHours, JobInterval: 1, JobFunction: "rm_rf", JobInput: Input{"_id": "x"}},
		"missing id":        {JobUnit: UnitHours, JobInterval: 1, JobFunction: "check_allocation_utilization", JobInput: Input{"username": "x"}},
		"empty id":          {JobUnit: UnitHours, JobInterval: 1, JobFunction: "check_allocation_utilization", JobInput: Input{"_id": " "}},
		"interval overflow": {JobUnit: UnitHours, JobInterval: 3000000, JobFunction: "check_allocation_utilization", JobInput: Input{"_id": "x"}},
	}
	for name, msg := range cases {
		if err := msg.Validate(reg); !fault.Is(err, fault.CodeInvalidRequest) {
			t.Fatalf("%s: expected invalid_request, got %v", name, err)
		}
	}
	if err := submit("x").Validate(reg); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}
	largest := SubmitMessage{JobUnit: UnitHours, JobInterval: int(math.MaxInt64 / int64(time.Hour)), JobFunction: "check_allocation_utilization", JobInput: Input{"_id": "x"}}
	if err := largest.Validate(reg); err != nil || largest.Interval() <= 0 {
		t.Fatalf("largest representable interval must be accepted, got %v (%v)", err, largest.Interval())
	}
	if got := submit("abc").Interval(); got != 6*time.Hour {
		t.Fatalf("unexpected interval %v", got)
	}
	if got := submit("abc").Tag(); got != "abc:check_allocation_utilization" {
		t.Fatalf("unexpected tag %q", got)
	}
}

func TestInputIDAcceptsNumbers(t *testing.T) {
	if id, ok := (Input{"_id": float64(42)}).ID(); !ok || id != "42" {
		t.Fatalf("unexpected id %q %v", id, ok)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	fn := func(context.Context, Input) error { return nil }
	if err := reg.Register("a", fn); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("a", fn); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if names := reg.Names(); len(names) != 1 || names[0] != "a" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestEveryRunsWhenDue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var runs atomic.Int32
	h.sched.Every(time.Hour, "check_expired_reservations", func(context.Context, Input) error {
		runs.Add(1)
		return nil
	})
	if n := h.sched.RunPending(ctx); n != 0 {
		t.Fatalf("job must not run before its interval, ran %d", n)
	}
	h.clock.Advance(time.Hour)
	if n := h.sched.RunPending(ctx); n != 1 || runs.Load() != 1 {
		t.Fatalf("expected one run, got %d (%d)", n, runs.Load())
	}
	if n := h.sched.RunPending(ctx); n != 0 {
		t.Fatalf("job must be rescheduled after running, ran %d", n)
	}
	jobs := h.sched.Jobs()
	if len(jobs) != 1 || !jobs[0].Next.Equal(epoch.Add(2*time.Hour)) || jobs[0].Tag != "" {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
}

func TestPollAddsAndCancels(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.mailbox.Submit(ctx, submit("lease-1")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.mailbox.Submit(ctx, submit("lease-2")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.sched.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if jobs := h.sched.Jobs(); len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %+v", jobs)
	}

	if err := h.mailbox.Cancel(ctx, CancelMessage{JobFunction: "check_allocation_utilization", ID: "lease-1"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := h.sched.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	jobs := h.sched.Jobs()
	if len(jobs) != 1 || jobs[0].Tag != "lease-2:check_allocation_utilization" {
		t.Fatalf("unexpected jobs after cancel %+v", jobs)
	}

	h.clock.Advance(6 * time.Hour)
	h.sched.Tick(ctx)
	if got := h.calls["check_allocation_utilization"].Load(); got != 1 {
		t.Fatalf("expected one utilization check, got %d", got)
	}
}

func TestPollRejectsMissingIDAndUnknownFunction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	noID := submit("")
	noID.JobInput = Input{"username": "alice"}
	unknown := submit("lease-1")
	unknown.JobFunction = "os.system"
	for _, msg := range []SubmitMessage{noID, unknown} {
		if err := h.mailbox.Submit(ctx, msg); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if err := h.sched.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if jobs := h.sched.Jobs(); len(jobs) != 0 {
		t.Fatalf("invalid submissions must be dropped, got %+v", jobs)
	}
	logs := h.logs.String()
	if !strings.Contains(logs, "scheduler.submit.missing_id") || !strings.Contains(logs, "scheduler.submit.invalid") {
		t.Fatalf("expected rejection logs, got %s", logs)
	}
}

func TestCancelUnknownJobWarns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.mailbox.Cancel(ctx, CancelMessage{JobFunction: "check_allocation_utilization", ID: "ghost"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := h.sched.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !strings.Contains(h.logs.String(), "scheduler.cancel.missing") {
		t.Fatalf("expected warning for missing job, got %s", h.logs.String())
	}
}

func TestAddReplacesSameTag(t *testing.T) {
	h := newHarness(t)
	if err := h.sched.Add(submit("lease-1")); err != nil {
		t.Fatalf("add: %v", err)
	}
	again := submit("lease-1")
	again.JobInterval = 1
	if err := h.sched.Add(again); err != nil {
		t.Fatalf("add: %v", err)
	}
	jobs := h.sched.Jobs()
	if len(jobs) != 1 || jobs[0].Interval != time.Hour {
		t.Fatalf("expected a single replaced job, got %+v", jobs)
	}
}

func TestCancelDuringRunLetsRunFinish(t *testing.T) {
	clk := clock.NewManual(epoch)
	reg := NewRegistry()
	var sched *Scheduler
	var finished atomic.Bool
	_ = reg.Register("self_cancel", func(ctx context.Context, in Input) error {
		id, _ := in.ID()
		sched.Remove(Tag(id, "self_cancel"))
		finished.Store(true)
		return nil
	})
	sched = New(reg, nil, WithClock(clk))
	msg := SubmitMessage{JobUnit: UnitSeconds, JobInterval: 30, JobFunction: "self_cancel", JobInput: Input{"_id": "x"}}
	if err := sched.Add(msg); err != nil {
		t.Fatalf("add: %v", err)
	}
	clk.Advance(30 * time.Second)
	if n := sched.RunPending(context.Background()); n != 1 || !finished.Load() {
		t.Fatalf("in-flight run must complete, ran %d", n)
	}
	if jobs := sched.Jobs(); len(jobs) != 0 {
		t.Fatalf("job must be gone after cancel, got %+v", jobs)
	}
	clk.Advance(30 * time.Second)
	if n := sched.RunPending(context.Background()); n != 0 {
		t.Fatalf("cancelled job ran again")
	}
}

func TestRunPendingRecoversPanics(t *testing.T) {
	h := newHarness(t)
	var after atomic.Int32
	h.sched.Every(time.Second, "boom", func(context.Context, Input) error { panic("boom") })
	h.sched.Every(time.Second, "after", func(context.Context, Input) error {
		after.Add(1)
		return nil
	})
	h.clock.Advance(time.Second)
	if n := h.sched.RunPending(context.Background()); n != 2 || after.Load() != 1 {
		t.Fatalf("panic must not stop other jobs: ran %d after=%d", n, after.Load())
	}
	if !strings.Contains(h.logs.String(), "scheduler.job.panic") {
		t.Fatalf("expected panic log")
	}
}

func TestRunLoopPollsOnInterval(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.sched.Run(ctx, 30*time.Second)
	}()
	if !h.clock.BlockUntil(1, 5*time.Second) {
		t.Fatal("run loop did not wait on the poll interval")
	}
	if err := h.mailbox.Submit(context.Background(), submit("lease-9")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.clock.Advance(30 * time.Second)
	deadline := time.Now().Add(5 * time.Second)
	for len(h.sched.Jobs()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("submitted job never picked up")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	h.clock.Advance(30 * time.Second)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not stop")
	}
}
