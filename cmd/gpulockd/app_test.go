package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/gpulockd"
	"pkt.systems/gpulockd/internal/version"
	"pkt.systems/pslog"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	viper.Reset()
	t.Setenv("GPULOCKD_CONFIG_DIR", t.TempDir())
	cmd := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestInvocationTargetsRootCommand(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--kv-store", "mem://"}, want: true},
		{name: "root shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "bool flag", args: []string{"--sudo", "--devices", "A100=0"}, want: true},
		{name: "subcommand", args: []string{"status"}, want: false},
		{name: "nested subcommand", args: []string{"job", "submit"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "leases"}, want: false},
		{name: "unknown shorthand no subcommand", args: []string{"-z"}, want: true},
		{name: "unknown long before subcommand", args: []string{"--bogus", "status"}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := invocationTargetsRootCommand(root, tc.args); got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	if want := version.Module() + " " + version.Current() + "\n"; stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestConfigGenStdoutIsLoadable(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var decoded map[string]any
	if err := yaml.Unmarshal([]byte(stdout), &decoded); err != nil {
		t.Fatalf("generated config is not YAML: %v", err)
	}
	for _, key := range []string{"kv-store", "lease-store", "devices", "grace-period", "acl-mode"} {
		if _, ok := decoded[key]; !ok {
			t.Fatalf("generated config lacks %q:\n%s", key, stdout)
		}
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(stdout), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	viper.Reset()
	newRootCommand(pslog.NoopLogger())
	viper.Set("config", path)
	if _, err := loadConfigFile(); err != nil {
		t.Fatalf("load config: %v", err)
	}
	var cfg gpulockd.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bind config: %v", err)
	}
	if got := cfg.Devices["A100"]; len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("unexpected devices %v", cfg.Devices)
	}
	if cfg.GracePeriod != gpulockd.DefaultGracePeriod || len(cfg.PrivilegedUsers) != 1 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestConfigGenRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gpulockd.yaml")
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", path); err != nil {
		t.Fatalf("first gen: %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", path); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected refusal, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", path, "--force"); err != nil {
		t.Fatalf("forced gen: %v", err)
	}
}

func TestBindConfigFromEnv(t *testing.T) {
	viper.Reset()
	t.Setenv("GPULOCKD_DEVICES", "V100=4,5")
	t.Setenv("GPULOCKD_ACL_MODE", "memory")
	t.Setenv("GPULOCKD_PRIVILEGED_USERS", "root")
	newRootCommand(pslog.NoopLogger())
	var cfg gpulockd.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bind config: %v", err)
	}
	if got := cfg.Devices["V100"]; len(got) != 2 {
		t.Fatalf("unexpected devices %v", cfg.Devices)
	}
	if cfg.ACLMode != gpulockd.ACLModeMemory {
		t.Fatalf("expected memory acl mode, got %q", cfg.ACLMode)
	}
}
