package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// Subsystem builds a dot-delimited subsystem path from the supplied parts while
// skipping empty fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// Device returns the key/value pairs identifying a device.
func Device(deviceType string, deviceID int) []any {
	return []any{"device_type", deviceType, "device_id", deviceID}
}

// WithDevice scopes logger to a single device.
func WithDevice(logger pslog.Logger, deviceType string, deviceID int) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With(Device(deviceType, deviceID)...)
}
