package scheduler

import (
	"fmt"
	"math"
	"strings"
	"time"

	"pkt.systems/gpulockd/internal/fault"
)

// Unit is the interval unit of a submitted job.
type Unit string

const (
	UnitHours   Unit = "hours"
	UnitMinutes Unit = "minutes"
	UnitSeconds Unit = "seconds"
)

// Duration returns the length of one unit.
func (u Unit) Duration() (time.Duration, bool) {
	switch u {
	case UnitHours:
		return time.Hour, true
	case UnitMinutes:
		return time.Minute, true
	case UnitSeconds:
		return time.Second, true
	}
	return 0, false
}

// Input is the opaque argument handed to a job function. "_id" is the only
// field the scheduler itself reads.
type Input map[string]any

// ID returns the "_id" field as a string.
func (in Input) ID() (string, bool) {
	raw, ok := in["_id"]
	if !ok || raw == nil {
		return "", false
	}
	var id string
	switch v := raw.(type) {
	case string:
		id = v
	case float64:
		id = fmt.Sprintf("%.0f", v)
	default:
		id = fmt.Sprint(v)
	}
	id = strings.TrimSpace(id)
	return id, id != ""
}

// SubmitMessage asks the leader to schedule a recurring job.
type SubmitMessage struct {
	JobUnit     Unit   `json:"job_unit"`
	JobInterval int    `json:"job_interval"`
	JobFunction string `json:"job_function"`
	JobInput    Input  `json:"job_input"`
}

// Interval returns the run period.
func (m SubmitMessage) Interval() time.Duration {
	unit, _ := m.JobUnit.Duration()
	return time.Duration(m.JobInterval) * unit
}

// Tag returns the cancellation key of the job.
func (m SubmitMessage) Tag() string {
	id, _ := m.JobInput.ID()
	return Tag(id, m.JobFunction)
}

// Validate checks the message; reg may be nil to skip the function lookup.
func (m SubmitMessage) Validate(reg *Registry) error {
	unit, ok := m.JobUnit.Duration()
	if !ok {
		return fault.New(fault.CodeInvalidRequest, "job_unit %q must be hours, minutes or seconds", m.JobUnit)
	}
	if m.JobInterval <= 0 {
		return fault.New(fault.CodeInvalidRequest, "job_interval must be positive, got %d", m.JobInterval)
	}
	if int64(m.JobInterval) > math.MaxInt64/int64(unit) {
		return fault.New(fault.CodeInvalidRequest, "job_interval %d %s is out of range", m.JobInterval, m.JobUnit)
	}
	if m.JobFunction == "" {
		return fault.New(fault.CodeInvalidRequest, "job_function required")
	}
	if reg != nil {
		if _, ok := reg.Lookup(m.JobFunction); !ok {
			return fault.New(fault.CodeInvalidRequest, "unknown job_function %q", m.JobFunction)
		}
	}
	if _, ok := m.JobInput.ID(); !ok {
		return fault.New(fault.CodeInvalidRequest, "job_input missing _id")
	}
	return nil
}

// CancelMessage asks the leader to drop every job carrying Tag(ID, JobFunction).
type CancelMessage struct {
	JobFunction string `json:"job_function"`
	ID          string `json:"id"`
}

// Tag returns the key of the jobs to cancel.
func (m CancelMessage) Tag() string {
	return Tag(m.ID, m.JobFunction)
}

// Tag builds the "{id}:{function}" job key.
func Tag(id, function string) string {
	return id + ":" + function
}
