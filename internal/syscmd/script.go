package syscmd

import (
	"context"
	"sync"
)

// Response is a scripted command result.
type Response struct {
	Output []byte
	Err    error
}

// Script is a Runner that answers from a table keyed by the joined command
// line and records every call. Unknown commands succeed with no output.
type Script struct {
	mu        sync.Mutex
	responses map[string]Response
	calls     []string
}

// NewScript returns an empty Script.
func NewScript() *Script {
	return &Script{responses: make(map[string]Response)}
}

// On registers the result for an exact command line.
func (s *Script) On(cmdline string, out string, err error) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[cmdline] = Response{Output: []byte(out), Err: err}
	return s
}

func (s *Script) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	line := Join(name, args...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, line)
	resp := s.responses[line]
	return resp.Output, resp.Err
}

// Calls returns the recorded command lines in order.
func (s *Script) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}
