package pool

import "slices"

// State maps a device type to the ordered ids currently unallocated. It is
// serialized wholesale as a flat JSON object, e.g. {"A100":[1,2]}.
type State map[string][]int

// Clone returns a deep copy.
func (s State) Clone() State {
	out := make(State, len(s))
	for typ, ids := range s {
		out[typ] = slices.Clone(ids)
	}
	return out
}

// Contains reports whether id is available for typ.
func (s State) Contains(typ string, id int) bool {
	return slices.Contains(s[typ], id)
}

// Remove drops id from typ and reports whether it was present.
func (s State) Remove(typ string, id int) bool {
	ids := s[typ]
	idx := slices.Index(ids, id)
	if idx < 0 {
		return false
	}
	s[typ] = slices.Delete(slices.Clone(ids), idx, idx+1)
	return true
}

// Add appends id to typ unless it is already present, so a device can never
// be returned to the pool twice.
func (s State) Add(typ string, id int) bool {
	if s.Contains(typ, id) {
		return false
	}
	s[typ] = append(s[typ], id)
	return true
}

// Available returns the number of free devices of typ.
func (s State) Available(typ string) int {
	return len(s[typ])
}

// Take removes and returns the first n ids of typ (first-available
// selection). It returns false and leaves s untouched when fewer than n are
// free.
func (s State) Take(typ string, n int) ([]int, bool) {
	if n < 0 || len(s[typ]) < n {
		return nil, false
	}
	taken := slices.Clone(s[typ][:n])
	s[typ] = slices.Clone(s[typ][n:])
	return taken, true
}

// Counts returns the number of free devices per type.
func (s State) Counts() map[string]int {
	out := make(map[string]int, len(s))
	for typ, ids := range s {
		out[typ] = len(ids)
	}
	return out
}
