package svcfields

import "testing"

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	cases := []struct {
		parts []string
		want  string
	}{
		{parts: nil, want: ""},
		{parts: []string{"lease", "", "manager"}, want: "lease.manager"},
		{parts: []string{".scheduler.", " poller "}, want: "scheduler.poller"},
	}
	for _, tc := range cases {
		if got := Subsystem(tc.parts...); got != tc.want {
			t.Fatalf("Subsystem(%q)=%q want %q", tc.parts, got, tc.want)
		}
	}
}

func TestWithSubsystemHandlesNilLogger(t *testing.T) {
	if WithSubsystem(nil, "lease") == nil {
		t.Fatal("expected a logger for nil input")
	}
	if WithDevice(nil, "A100", 0) == nil {
		t.Fatal("expected a logger for nil input")
	}
}

func TestDeviceFields(t *testing.T) {
	fields := Device("A100", 3)
	if len(fields) != 4 || fields[0] != "device_type" || fields[1] != "A100" || fields[2] != "device_id" || fields[3] != 3 {
		t.Fatalf("unexpected device fields %v", fields)
	}
}
