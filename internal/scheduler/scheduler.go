// Package scheduler runs recurring jobs on the leader process. Jobs arrive
// through a KV mailbox so any process can submit or cancel them; the leader
// polls the mailbox and runs due jobs on a fixed cadence.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"pkt.systems/pslog"

	"pkt.systems/gpulockd/internal/clock"
)

// DefaultPollInterval is the mailbox and run cadence.
const DefaultPollInterval = 30 * time.Second

// JobInfo describes a scheduled job.
type JobInfo struct {
	Tag      string        `json:"tag,omitempty"`
	Function string        `json:"function"`
	Interval time.Duration `json:"interval"`
	Input    Input         `json:"input,omitempty"`
	Next     time.Time     `json:"next_run"`
	Last     time.Time     `json:"last_run,omitzero"`
}

type job struct {
	seq      uint64
	tag      string
	function string
	interval time.Duration
	schedule cron.Schedule
	input    Input
	fn       JobFunc
	next     time.Time
	last     time.Time
	removed  bool
}

// Scheduler holds the job table. It is safe for concurrent use, but jobs
// themselves run sequentially on the goroutine calling RunPending.
type Scheduler struct {
	mu       sync.Mutex
	clock    clock.Clock
	logger   pslog.Logger
	registry *Registry
	mailbox  *Mailbox
	jobs     []*job
	seq      uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the clock.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = clock.Or(c) }
}

// WithLogger sets the logger.
func WithLogger(logger pslog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New returns a Scheduler resolving functions in registry and polling
// mailbox (which may be nil for a local-only scheduler).
func New(registry *Registry, mailbox *Mailbox, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:    clock.Real{},
		logger:   pslog.NoopLogger(),
		registry: registry,
		mailbox:  mailbox,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Every schedules an untagged job, which no cancel message can remove.
func (s *Scheduler) Every(interval time.Duration, name string, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(&job{function: name, interval: interval, fn: fn})
}

// Add schedules msg under its tag, replacing any job with the same tag.
func (s *Scheduler) Add(msg SubmitMessage) error {
	if s.registry == nil {
		return errors.New("scheduler: no job registry configured")
	}
	if err := msg.Validate(s.registry); err != nil {
		return err
	}
	fn, _ := s.registry.Lookup(msg.JobFunction)
	tag := msg.Tag()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(tag)
	s.addLocked(&job{
		tag:      tag,
		function: msg.JobFunction,
		interval: msg.Interval(),
		input:    msg.JobInput,
		fn:       fn,
	})
	return nil
}

func (s *Scheduler) addLocked(j *job) {
	s.seq++
	j.seq = s.seq
	j.schedule = cron.Every(j.interval)
	j.next = j.schedule.Next(s.clock.Now())
	s.jobs = append(s.jobs, j)
}

// Remove drops every job carrying tag and returns how many it dropped. A
// job already running completes.
func (s *Scheduler) Remove(tag string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(tag)
}

func (s *Scheduler) removeLocked(tag string) int {
	if tag == "" {
		return 0
	}
	kept := s.jobs[:0]
	removed := 0
	for _, j := range s.jobs {
		if j.tag == tag {
			j.removed = true
			removed++
			continue
		}
		kept = append(kept, j)
	}
	s.jobs = kept
	return removed
}

// Clear drops every job.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		j.removed = true
	}
	s.jobs = nil
}

// Jobs returns a snapshot ordered by next run.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobInfo{
			Tag:      j.tag,
			Function: j.function,
			Interval: j.interval,
			Input:    j.input,
			Next:     j.next,
			Last:     j.last,
		})
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].Next.Before(out[k].Next) })
	return out
}

// RunPending runs every job whose next run is due, one after the other,
// and returns how many ran.
func (s *Scheduler) RunPending(ctx context.Context) int {
	now := s.clock.Now()
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !now.Before(j.next) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()
	sort.Slice(due, func(i, k int) bool {
		if !due[i].next.Equal(due[k].next) {
			return due[i].next.Before(due[k].next)
		}
		return due[i].seq < due[k].seq
	})

	ran := 0
	for _, j := range due {
		if ctx.Err() != nil {
			break
		}
		s.mu.Lock()
		skip := j.removed
		s.mu.Unlock()
		if skip {
			continue
		}
		s.run(ctx, j)
		ran++
		finished := s.clock.Now()
		s.mu.Lock()
		j.last = finished
		j.next = j.schedule.Next(finished)
		s.mu.Unlock()
	}
	return ran
}

func (s *Scheduler) run(ctx context.Context, j *job) {
	logger := s.logger.With("function", j.function, "tag", j.tag)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("scheduler.job.panic", "panic", fmt.Sprint(r))
		}
	}()
	start := s.clock.Now()
	if err := j.fn(ctx, j.input); err != nil {
		logger.Warn("scheduler.job.error", "error", err)
		return
	}
	logger.Debug("scheduler.job.done", "elapsed", s.clock.Now().Sub(start))
}

// Poll drains the mailbox: submits first, then cancels. Malformed or
// invalid messages are logged and discarded.
func (s *Scheduler) Poll(ctx context.Context) error {
	if s.mailbox == nil {
		return nil
	}
	var errs []error
	submits, err := s.mailbox.DrainSubmits(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("scheduler: drain submits: %w", err))
	}
	for _, raw := range submits {
		s.applySubmit(raw)
	}
	cancels, err := s.mailbox.DrainCancels(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("scheduler: drain cancels: %w", err))
	}
	for _, raw := range cancels {
		s.applyCancel(raw)
	}
	return errors.Join(errs...)
}

func (s *Scheduler) applySubmit(raw []byte) {
	var msg SubmitMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Error("scheduler.submit.decode", "error", err, "payload", string(raw))
		return
	}
	if _, ok := msg.JobInput.ID(); !ok {
		s.logger.Error("scheduler.submit.missing_id", "function", msg.JobFunction, "input", msg.JobInput)
		return
	}
	if err := s.Add(msg); err != nil {
		s.logger.Error("scheduler.submit.invalid", "function", msg.JobFunction, "error", err)
		return
	}
	s.logger.Info("scheduler.submit.added",
		"function", msg.JobFunction,
		"interval", msg.JobInterval,
		"unit", msg.JobUnit,
		"tag", msg.Tag(),
	)
}

func (s *Scheduler) applyCancel(raw []byte) {
	var msg CancelMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Error("scheduler.cancel.decode", "error", err, "payload", string(raw))
		return
	}
	if s.Remove(msg.Tag()) == 0 {
		s.logger.Warn("scheduler.cancel.missing", "function", msg.JobFunction, "id", msg.ID)
		return
	}
	s.logger.Info("scheduler.cancel.removed", "function", msg.JobFunction, "id", msg.ID)
}

// Tick performs one poll cycle: drain the mailbox, then run due jobs.
func (s *Scheduler) Tick(ctx context.Context) {
	if err := s.Poll(ctx); err != nil {
		s.logger.Warn("scheduler.poll.error", "error", err)
	}
	s.RunPending(ctx)
}

// Run ticks every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(interval):
		}
	}
}
