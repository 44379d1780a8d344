package permission

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Enforcer. It backs the "memory" acl mode and lets
// tests inject per-device failures.
type Memory struct {
	mu          sync.Mutex
	grants      map[int]map[string]bool
	grantErr    map[int]error
	revokeErr   map[int]error
	listErr     map[int]error
	baselineErr map[int]error
}

// NewMemory returns an Enforcer with no grants.
func NewMemory() *Memory {
	return &Memory{
		grants:      make(map[int]map[string]bool),
		grantErr:    make(map[int]error),
		revokeErr:   make(map[int]error),
		listErr:     make(map[int]error),
		baselineErr: make(map[int]error),
	}
}

// FailGrant makes Grant on deviceID fail with err; nil clears it.
func (m *Memory) FailGrant(deviceID int, err error) { m.set(m.grantErr, deviceID, err) }

// FailRevoke makes Revoke on deviceID fail with err; nil clears it.
func (m *Memory) FailRevoke(deviceID int, err error) { m.set(m.revokeErr, deviceID, err) }

// FailList makes Grantees on deviceID fail with err; nil clears it.
func (m *Memory) FailList(deviceID int, err error) { m.set(m.listErr, deviceID, err) }

// FailBaseline makes Baseline on deviceID fail with err; nil clears it.
func (m *Memory) FailBaseline(deviceID int, err error) { m.set(m.baselineErr, deviceID, err) }

func (m *Memory) set(table map[int]error, deviceID int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(table, deviceID)
		return
	}
	table[deviceID] = err
}

// Has reports whether username currently holds a grant on deviceID.
func (m *Memory) Has(deviceID int, username string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grants[deviceID][username]
}

func (m *Memory) Grant(_ context.Context, deviceID int, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.grantErr[deviceID]; err != nil {
		return err
	}
	if m.grants[deviceID] == nil {
		m.grants[deviceID] = make(map[string]bool)
	}
	m.grants[deviceID][username] = true
	return nil
}

func (m *Memory) Revoke(_ context.Context, deviceID int, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.revokeErr[deviceID]; err != nil {
		return err
	}
	delete(m.grants[deviceID], username)
	return nil
}

func (m *Memory) Grantees(_ context.Context, deviceID int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.listErr[deviceID]; err != nil {
		return nil, err
	}
	users := make([]string, 0, len(m.grants[deviceID]))
	for u := range m.grants[deviceID] {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

func (m *Memory) Baseline(_ context.Context, deviceID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baselineErr[deviceID]
}
