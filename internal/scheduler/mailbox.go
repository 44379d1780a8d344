package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"pkt.systems/gpulockd/internal/kv"
)

// Mailbox carries submit and cancel messages from any process to the
// leader through two KV lists.
type Mailbox struct {
	store kv.Store
	keys  kv.Keys
}

// NewMailbox returns a Mailbox over store.
func NewMailbox(store kv.Store, keys kv.Keys) *Mailbox {
	return &Mailbox{store: store, keys: keys}
}

// Submit enqueues msg. Validation happens on the leader.
func (m *Mailbox) Submit(ctx context.Context, msg SubmitMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("scheduler: encode submit: %w", err)
	}
	return m.store.Push(ctx, m.keys.SchedulerJobQueue(), raw)
}

// Cancel enqueues a cancellation.
func (m *Mailbox) Cancel(ctx context.Context, msg CancelMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("scheduler: encode cancel: %w", err)
	}
	return m.store.Push(ctx, m.keys.SchedulerCancelJobQueue(), raw)
}

// DrainSubmits atomically takes every pending submit message.
func (m *Mailbox) DrainSubmits(ctx context.Context) ([][]byte, error) {
	return m.store.Drain(ctx, m.keys.SchedulerJobQueue())
}

// DrainCancels atomically takes every pending cancel message.
func (m *Mailbox) DrainCancels(ctx context.Context) ([][]byte, error) {
	return m.store.Drain(ctx, m.keys.SchedulerCancelJobQueue())
}
