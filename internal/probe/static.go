package probe

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Static is an in-memory Prober for tests and dry runs. Processes are
// registered per device with their owner.
type Static struct {
	mu      sync.Mutex
	devices map[int][]int
	owners  map[int]string
	failing map[int]error
	killErr error
	killed  []int
}

// NewStatic returns an empty Static prober.
func NewStatic() *Static {
	return &Static{devices: make(map[int][]int), owners: make(map[int]string), failing: make(map[int]error)}
}

// Start registers pid owned by owner on deviceID.
func (s *Static) Start(deviceID, pid int, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[deviceID] = append(s.devices[deviceID], pid)
	s.owners[pid] = owner
}

// Fail makes RunningPIDs fail for deviceID; nil clears it.
func (s *Static) Fail(deviceID int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failing, deviceID)
		return
	}
	s.failing[deviceID] = err
}

// FailKills makes every Kill fail with err.
func (s *Static) FailKills(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killErr = err
}

// Killed returns the pids killed so far.
func (s *Static) Killed() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.killed)
}

func (s *Static) RunningPIDs(_ context.Context, deviceID int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failing[deviceID]; err != nil {
		return nil, err
	}
	return slices.Clone(s.devices[deviceID]), nil
}

func (s *Static) Owner(_ context.Context, pid int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.owners[pid]
	if !ok {
		return "", fmt.Errorf("pid %d not found", pid)
	}
	return owner, nil
}

func (s *Static) Kill(_ context.Context, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killErr != nil {
		return s.killErr
	}
	for dev, pids := range s.devices {
		s.devices[dev] = slices.DeleteFunc(pids, func(p int) bool { return p == pid })
	}
	delete(s.owners, pid)
	s.killed = append(s.killed, pid)
	return nil
}
