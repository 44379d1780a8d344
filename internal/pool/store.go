package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"pkt.systems/gpulockd/internal/kv"
)

// Store reads and writes the pool document in the shared KV. Callers mutate
// it only while holding the pool lock; there is no process-local cache.
type Store struct {
	kv   kv.Store
	keys kv.Keys
}

// NewStore returns a Store over kvs.
func NewStore(kvs kv.Store, keys kv.Keys) *Store {
	return &Store{kv: kvs, keys: keys}
}

// Load returns the current pool state. A missing document is an empty pool.
func (s *Store) Load(ctx context.Context) (State, error) {
	raw, err := s.kv.Get(ctx, s.keys.AvailableGPUs())
	if errors.Is(err, kv.ErrNotFound) {
		return State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pool: load: %w", err)
	}
	state := State{}
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("pool: decode: %w", err)
	}
	return state, nil
}

// Save replaces the pool document with state.
func (s *Store) Save(ctx context.Context, state State) error {
	if state == nil {
		state = State{}
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("pool: encode: %w", err)
	}
	if err := s.kv.Set(ctx, s.keys.AvailableGPUs(), raw, 0); err != nil {
		return fmt.Errorf("pool: save: %w", err)
	}
	return nil
}

// PublishInventory records the static configuration for other processes.
func (s *Store) PublishInventory(ctx context.Context, inv Inventory) error {
	raw, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("pool: encode inventory: %w", err)
	}
	if err := s.kv.Set(ctx, s.keys.GPUConfig(), raw, 0); err != nil {
		return fmt.Errorf("pool: publish inventory: %w", err)
	}
	return nil
}

// Stuck returns devices withheld from the pool pending an administrative
// reset.
func (s *Store) Stuck(ctx context.Context) ([]Device, error) {
	raw, err := s.kv.Get(ctx, s.keys.StuckGPUs())
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pool: load stuck devices: %w", err)
	}
	var devices []Device
	if err := json.Unmarshal(raw, &devices); err != nil {
		return nil, fmt.Errorf("pool: decode stuck devices: %w", err)
	}
	return devices, nil
}

// MarkStuck adds d to the stuck set.
func (s *Store) MarkStuck(ctx context.Context, d Device) error {
	devices, err := s.Stuck(ctx)
	if err != nil {
		return err
	}
	if slices.Contains(devices, d) {
		return nil
	}
	raw, err := json.Marshal(append(devices, d))
	if err != nil {
		return fmt.Errorf("pool: encode stuck devices: %w", err)
	}
	if err := s.kv.Set(ctx, s.keys.StuckGPUs(), raw, 0); err != nil {
		return fmt.Errorf("pool: save stuck devices: %w", err)
	}
	return nil
}

// ClearStuck empties the stuck set.
func (s *Store) ClearStuck(ctx context.Context) error {
	if err := s.kv.Delete(ctx, s.keys.StuckGPUs()); err != nil {
		return fmt.Errorf("pool: clear stuck devices: %w", err)
	}
	return nil
}
