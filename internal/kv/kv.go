// Package kv is the shared key-value contract that every arbiter process
// coordinates through: the pool document, lock keys, scheduler mailboxes and
// service flags all live here.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kv: not found")

// Store is implemented by the memory and redis backends.
type Store interface {
	// Get returns the value stored at key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value at key. A zero ttl keeps the key until deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key (value or list). Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only while it still holds value.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)
	// CompareAndExpire resets the ttl of key only while it still holds value.
	CompareAndExpire(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Push appends values to the list at key.
	Push(ctx context.Context, key string, values ...[]byte) error
	// Drain returns every item of the list at key and clears it in one atomic
	// step: concurrent Push calls land either in the result or in the list.
	Drain(ctx context.Context, key string) ([][]byte, error)
	Close() error
}

// DefaultPrefix namespaces all keys.
const DefaultPrefix = "gpulocker"

// Keys derives the key names used by the arbiter under a common prefix.
type Keys struct {
	Prefix string
}

func (k Keys) name(suffix string) string {
	prefix := k.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + ":" + suffix
}

// AvailableGPUs holds the pool document.
func (k Keys) AvailableGPUs() string { return k.name("available_gpus") }

// GPUConfig holds the published device inventory.
func (k Keys) GPUConfig() string { return k.name("gpu_config") }

// StuckGPUs holds devices withheld from the pool after a failed revoke.
func (k Keys) StuckGPUs() string { return k.name("stuck_gpus") }

// GPULock guards every pool-mutating critical section.
func (k Keys) GPULock() string { return k.name("gpu_lock") }

// InitLock guards bootstrap.
func (k Keys) InitLock() string { return k.name("init_lock") }

// SystemInitialized is the leader heartbeat.
func (k Keys) SystemInitialized() string { return k.name("system_initialized") }

// SchedulerJobQueue is the submit mailbox.
func (k Keys) SchedulerJobQueue() string { return k.name("scheduler_job_queue") }

// SchedulerCancelJobQueue is the cancel mailbox.
func (k Keys) SchedulerCancelJobQueue() string { return k.name("scheduler_cancel_job_queue") }

// AppDisable holds the service disable flag.
func (k Keys) AppDisable() string { return k.name("app_disable") }
