package expiry

import (
	"context"
	"time"

	"pkt.systems/gpulockd/internal/leasestore"
	"pkt.systems/gpulockd/internal/scheduler"
)

// DefaultMonitorInterval is how often a single lease is re-checked.
const DefaultMonitorInterval = 6 * time.Hour

// Monitor schedules the per-lease utilization job through the scheduler
// mailbox, so it works from any process and not only the leader.
type Monitor struct {
	mailbox  *scheduler.Mailbox
	unit     scheduler.Unit
	interval int
}

// NewMonitor returns a Monitor that re-checks each lease every period,
// expressed in the coarsest whole unit that fits.
func NewMonitor(mailbox *scheduler.Mailbox, every time.Duration) *Monitor {
	if every <= 0 {
		every = DefaultMonitorInterval
	}
	m := &Monitor{mailbox: mailbox}
	switch {
	case every%time.Hour == 0:
		m.unit, m.interval = scheduler.UnitHours, int(every/time.Hour)
	case every%time.Minute == 0:
		m.unit, m.interval = scheduler.UnitMinutes, int(every/time.Minute)
	default:
		m.unit, m.interval = scheduler.UnitSeconds, max(1, int(every/time.Second))
	}
	return m
}

// Message returns the submit message that watches l.
func (m *Monitor) Message(l leasestore.Lease) scheduler.SubmitMessage {
	return scheduler.SubmitMessage{
		JobUnit:     m.unit,
		JobInterval: m.interval,
		JobFunction: JobCheckAllocation,
		JobInput: scheduler.Input{
			"_id":      l.ID,
			"username": l.Username,
			"gpu_type": l.DeviceType,
			"gpu_id":   l.DeviceID,
		},
	}
}

// Watch starts monitoring l.
func (m *Monitor) Watch(ctx context.Context, l leasestore.Lease) error {
	return m.mailbox.Submit(ctx, m.Message(l))
}

// Unwatch stops monitoring the lease.
func (m *Monitor) Unwatch(ctx context.Context, leaseID string) error {
	return m.mailbox.Cancel(ctx, scheduler.CancelMessage{JobFunction: JobCheckAllocation, ID: leaseID})
}
