package gpulockd

import (
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"pkt.systems/gpulockd/internal/pool"
)

func testDevices() pool.Inventory {
	return pool.Inventory{"A100": {0, 1}, "V100": {2}}
}

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{Devices: testDevices()}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.KVStore != DefaultKVStore || cfg.LeaseStore != DefaultLeaseStore {
		t.Fatalf("expected store defaults, got %q %q", cfg.KVStore, cfg.LeaseStore)
	}
	if cfg.KeyPrefix != DefaultKeyPrefix {
		t.Fatalf("expected key prefix %q, got %q", DefaultKeyPrefix, cfg.KeyPrefix)
	}
	if cfg.PollInterval != DefaultPollInterval || cfg.IdleCheckInterval != DefaultIdleCheckInterval {
		t.Fatal("expected interval defaults")
	}
	if cfg.MinDuration != DefaultMinDuration || cfg.MaxDuration != DefaultMaxDuration {
		t.Fatal("expected duration bounds defaults")
	}
	if cfg.ACLMode != ACLModeSetfacl || cfg.Probe != ProbeNvidiaSMI {
		t.Fatalf("expected setfacl/nvidia-smi, got %q/%q", cfg.ACLMode, cfg.Probe)
	}
	if cfg.DevicePath != DefaultDevicePath || cfg.NvidiaSMI != DefaultNvidiaSMI {
		t.Fatal("expected device path and nvidia-smi defaults")
	}
	if cfg.NotifyBuffer != DefaultNotifyBuffer {
		t.Fatalf("expected notify buffer default, got %d", cfg.NotifyBuffer)
	}
	if got := cfg.Keys().AvailableGPUs(); got != DefaultKeyPrefix+":available_gpus" {
		t.Fatalf("unexpected pool key %q", got)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no devices", func(c *Config) { c.Devices = nil }, "devices are required"},
		{"shared id", func(c *Config) { c.Devices = pool.Inventory{"A100": {0}, "V100": {0}} }, ""},
		{"negative poll", func(c *Config) { c.PollInterval = -time.Second }, "poll-interval"},
		{"negative grace", func(c *Config) { c.GracePeriod = -time.Second }, "grace-period"},
		{"bounds", func(c *Config) { c.MinDuration = 48 * time.Hour; c.MaxDuration = 24 * time.Hour }, "min-duration"},
		{"init ttl", func(c *Config) { c.PollInterval = time.Minute; c.InitLockTTL = 30 * time.Second }, "init-lock-ttl"},
		{"acl mode", func(c *Config) { c.ACLMode = "chmod" }, "acl-mode"},
		{"probe", func(c *Config) { c.Probe = "rocm-smi" }, "probe"},
		{"device path", func(c *Config) { c.DevicePath = "/dev/nvidia" }, "device-path"},
		{"profiling", func(c *Config) { c.EnableProfilingMetrics = true }, "metrics-listen"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Devices = testDevices()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if tc.want != "" && !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in %v", tc.want, err)
			}
		})
	}
}

func TestConfigNormalizesPrivilegedUsers(t *testing.T) {
	cfg := Config{Devices: testDevices(), PrivilegedUsers: []string{"root, admin", "root", " ", "ops"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if want := []string{"admin", "ops", "root"}; !reflect.DeepEqual(cfg.PrivilegedUsers, want) {
		t.Fatalf("expected %v, got %v", want, cfg.PrivilegedUsers)
	}
}

func TestParseDevices(t *testing.T) {
	want := pool.Inventory{"A100": {0, 1}, "V100": {2}}
	inputs := []any{
		"A100=0,1;V100=2",
		map[string]any{"A100": []any{0, 1}, "V100": 2},
		map[string]any{"A100": "0, 1", "V100": []any{float64(2)}},
		map[string][]int{"A100": {0, 1}, "V100": {2}},
	}
	for _, in := range inputs {
		got, err := ParseDevices(in)
		if err != nil {
			t.Fatalf("parse %#v: %v", in, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("parse %#v: expected %v, got %v", in, want, got)
		}
	}
	if inv, err := ParseDevices(""); err != nil || inv != nil {
		t.Fatalf("empty string should yield no devices, got %v %v", inv, err)
	}
	for _, bad := range []any{map[string]any{"A100": []any{1.5}}, map[string]any{"A100": "x"}, 42} {
		if _, err := ParseDevices(bad); err == nil {
			t.Fatalf("expected error for %#v", bad)
		}
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GPULOCKD_CONFIG_DIR", dir)
	got, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if want := filepath.Join(dir, DefaultConfigFileName); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
