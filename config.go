package gpulockd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"pkt.systems/gpulockd/internal/dlock"
	"pkt.systems/gpulockd/internal/expiry"
	"pkt.systems/gpulockd/internal/kv"
	"pkt.systems/gpulockd/internal/lease"
	"pkt.systems/gpulockd/internal/notify"
	"pkt.systems/gpulockd/internal/permission"
	"pkt.systems/gpulockd/internal/pool"
	"pkt.systems/gpulockd/internal/scheduler"
)

const (
	// ACLModeSetfacl drives device access through setfacl/getfacl.
	ACLModeSetfacl = "setfacl"
	// ACLModeMemory keeps grants in process memory (dry runs and tests).
	ACLModeMemory = "memory"
	// ProbeNvidiaSMI asks nvidia-smi which processes run on a device.
	ProbeNvidiaSMI = "nvidia-smi"
	// ProbeNone reports every device as idle.
	ProbeNone = "none"
)

const (
	// DefaultKVStore keeps the shared state in process memory.
	DefaultKVStore = "mem://"
	// DefaultLeaseStore keeps lease records in process memory.
	DefaultLeaseStore = "mem://"
	// DefaultKeyPrefix namespaces every shared key.
	DefaultKeyPrefix = kv.DefaultPrefix
	// DefaultGracePeriod is how long an expired lease is tolerated before
	// idle reclamation.
	DefaultGracePeriod = expiry.DefaultGracePeriod
	// DefaultIdleCheckInterval is the period of the expiry pass.
	DefaultIdleCheckInterval = 6 * time.Hour
	// DefaultMonitorInterval is the period of the per-lease utilization job.
	DefaultMonitorInterval = expiry.DefaultMonitorInterval
	// DefaultPollInterval is the scheduler mailbox and run cadence.
	DefaultPollInterval = scheduler.DefaultPollInterval
	// DefaultLockTimeout bounds waiting for the pool lock.
	DefaultLockTimeout = dlock.DefaultTimeout
	// DefaultLockTTL is how long an abandoned pool lock survives.
	DefaultLockTTL = dlock.DefaultTTL
	// DefaultInitLockTTL is how long an abandoned bootstrap lock survives.
	DefaultInitLockTTL = 60 * time.Second
	// DefaultMinDuration is the shortest lease a user may request.
	DefaultMinDuration = lease.DefaultMinDuration
	// DefaultMaxDuration is the longest lease a user may request.
	DefaultMaxDuration = lease.DefaultMaxDuration
	// DefaultDevicePath maps a device id to its node.
	DefaultDevicePath = permission.DefaultDevicePath
	// DefaultNvidiaSMI is the nvidia-smi binary.
	DefaultNvidiaSMI = "nvidia-smi"
	// DefaultNotifyBuffer is the depth of the notification queue.
	DefaultNotifyBuffer = notify.DefaultBuffer
	// DefaultConfigFileName is searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the settings of a gpulockd process.
type Config struct {
	// KVStore is the shared key-value URL (mem://, redis://, rediss://).
	KVStore string
	// LeaseStore is the lease record URL (mem://, mongodb://, postgres://,
	// sqlite://).
	LeaseStore string
	// KeyPrefix namespaces every shared key.
	KeyPrefix string
	// Devices is the static inventory.
	Devices pool.Inventory
	// PrivilegedUsers always hold access to every device and may act on
	// other users' leases.
	PrivilegedUsers []string

	GracePeriod       time.Duration
	IdleCheckInterval time.Duration
	MonitorInterval   time.Duration
	PollInterval      time.Duration
	LockTimeout       time.Duration
	LockTTL           time.Duration
	InitLockTTL       time.Duration
	MinDuration       time.Duration
	MaxDuration       time.Duration

	// ACLMode selects the permission enforcer.
	ACLMode string
	// DevicePath is a printf pattern producing the device node of an id.
	DevicePath string
	// Sudo prefixes privileged commands with sudo.
	Sudo bool
	// Probe selects the utilization probe.
	Probe string
	// NvidiaSMI is the nvidia-smi binary path.
	NvidiaSMI string
	// NotifyBuffer is the depth of the async notification queue.
	NotifyBuffer int

	MetricsListen          string
	PprofListen            string
	OTLPEndpoint           string
	EnableProfilingMetrics bool
}

// DefaultConfig returns a Config with every default applied and no devices.
func DefaultConfig() Config {
	return Config{
		KVStore:           DefaultKVStore,
		LeaseStore:        DefaultLeaseStore,
		KeyPrefix:         DefaultKeyPrefix,
		GracePeriod:       DefaultGracePeriod,
		IdleCheckInterval: DefaultIdleCheckInterval,
		MonitorInterval:   DefaultMonitorInterval,
		PollInterval:      DefaultPollInterval,
		LockTimeout:       DefaultLockTimeout,
		LockTTL:           DefaultLockTTL,
		InitLockTTL:       DefaultInitLockTTL,
		MinDuration:       DefaultMinDuration,
		MaxDuration:       DefaultMaxDuration,
		ACLMode:           ACLModeSetfacl,
		DevicePath:        DefaultDevicePath,
		Sudo:              true,
		Probe:             ProbeNvidiaSMI,
		NvidiaSMI:         DefaultNvidiaSMI,
		NotifyBuffer:      DefaultNotifyBuffer,
	}
}

// Validate fills unset fields with defaults and rejects inconsistent
// settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.KVStore) == "" {
		c.KVStore = DefaultKVStore
	}
	if strings.TrimSpace(c.LeaseStore) == "" {
		c.LeaseStore = DefaultLeaseStore
	}
	if strings.TrimSpace(c.KeyPrefix) == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	if len(c.Devices) == 0 {
		return fmt.Errorf("config: devices are required")
	}
	if err := c.Devices.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.PrivilegedUsers = normalizeUsers(c.PrivilegedUsers)

	durations := []struct {
		name  string
		value *time.Duration
		def   time.Duration
	}{
		{"idle-check-interval", &c.IdleCheckInterval, DefaultIdleCheckInterval},
		{"monitor-interval", &c.MonitorInterval, DefaultMonitorInterval},
		{"poll-interval", &c.PollInterval, DefaultPollInterval},
		{"lock-timeout", &c.LockTimeout, DefaultLockTimeout},
		{"lock-ttl", &c.LockTTL, DefaultLockTTL},
		{"init-lock-ttl", &c.InitLockTTL, DefaultInitLockTTL},
		{"min-duration", &c.MinDuration, DefaultMinDuration},
		{"max-duration", &c.MaxDuration, DefaultMaxDuration},
	}
	for _, d := range durations {
		switch {
		case *d.value == 0:
			*d.value = d.def
		case *d.value < 0:
			return fmt.Errorf("config: %s must be positive", d.name)
		}
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("config: grace-period must be >= 0")
	}
	if c.MinDuration > c.MaxDuration {
		return fmt.Errorf("config: min-duration %s exceeds max-duration %s", c.MinDuration, c.MaxDuration)
	}
	if c.InitLockTTL <= c.PollInterval {
		return fmt.Errorf("config: init-lock-ttl %s must exceed poll-interval %s", c.InitLockTTL, c.PollInterval)
	}

	c.ACLMode = strings.ToLower(strings.TrimSpace(c.ACLMode))
	if c.ACLMode == "" {
		c.ACLMode = ACLModeSetfacl
	}
	switch c.ACLMode {
	case ACLModeSetfacl, ACLModeMemory:
	default:
		return fmt.Errorf("config: acl-mode must be %q or %q", ACLModeSetfacl, ACLModeMemory)
	}
	if c.DevicePath == "" {
		c.DevicePath = DefaultDevicePath
	}
	if !strings.Contains(c.DevicePath, "%d") {
		return fmt.Errorf("config: device-path %q must contain %%d", c.DevicePath)
	}
	c.Probe = strings.ToLower(strings.TrimSpace(c.Probe))
	if c.Probe == "" {
		c.Probe = ProbeNvidiaSMI
	}
	switch c.Probe {
	case ProbeNvidiaSMI, ProbeNone:
	default:
		return fmt.Errorf("config: probe must be %q or %q", ProbeNvidiaSMI, ProbeNone)
	}
	if c.NvidiaSMI == "" {
		c.NvidiaSMI = DefaultNvidiaSMI
	}
	if c.NotifyBuffer <= 0 {
		c.NotifyBuffer = DefaultNotifyBuffer
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// Keys returns the shared key names under the configured prefix.
func (c Config) Keys() kv.Keys {
	return kv.Keys{Prefix: c.KeyPrefix}
}

// ParseDevices accepts the inventory either as a "TYPE=ID,ID;TYPE=ID" string
// or as a decoded YAML/JSON map of type to id list.
func ParseDevices(raw any) (pool.Inventory, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case pool.Inventory:
		return v, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		return pool.ParseInventory(v)
	case map[string][]int:
		return pool.Inventory(v), nil
	case map[string]any:
		inv := make(pool.Inventory, len(v))
		types := make([]string, 0, len(v))
		for typ := range v {
			types = append(types, typ)
		}
		sort.Strings(types)
		for _, typ := range types {
			ids, err := toIDs(v[typ])
			if err != nil {
				return nil, fmt.Errorf("devices: %s: %w", typ, err)
			}
			inv[typ] = ids
		}
		return inv, nil
	}
	return nil, fmt.Errorf("devices: unsupported value %T", raw)
}

func toIDs(raw any) ([]int, error) {
	switch v := raw.(type) {
	case []int:
		return v, nil
	case []any:
		ids := make([]int, 0, len(v))
		for _, item := range v {
			id, err := toID(item)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, nil
	case string:
		var ids []int
		for _, part := range strings.Split(v, ",") {
			id, err := toID(strings.TrimSpace(part))
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, nil
	}
	id, err := toID(raw)
	if err != nil {
		return nil, err
	}
	return []int{id}, nil
}

func toID(raw any) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("device id %v is not an integer", v)
		}
		return int(v), nil
	case string:
		id, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("device id %q: %w", v, err)
		}
		return id, nil
	}
	return 0, fmt.Errorf("device id of type %T", raw)
}

func normalizeUsers(users []string) []string {
	seen := make(map[string]bool, len(users))
	out := make([]string, 0, len(users))
	for _, u := range users {
		for _, part := range strings.Split(u, ",") {
			part = strings.TrimSpace(part)
			if part == "" || seen[part] {
				continue
			}
			seen[part] = true
			out = append(out, part)
		}
	}
	sort.Strings(out)
	return out
}

// DefaultConfigDir returns the configuration directory ($HOME/.gpulockd),
// overridable with GPULOCKD_CONFIG_DIR.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("GPULOCKD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".gpulockd"), nil
}

// DefaultConfigPath returns the config file read when --config is omitted.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
