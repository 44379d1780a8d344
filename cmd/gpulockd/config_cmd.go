package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/gpulockd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage gpulockd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.gpulockd/" + gpulockd.DefaultConfigFileName
	if path, err := gpulockd.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default gpulockd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				path, err := gpulockd.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	KVStore           string           `yaml:"kv-store"`
	LeaseStore        string           `yaml:"lease-store"`
	KeyPrefix         string           `yaml:"key-prefix"`
	Devices           map[string][]int `yaml:"devices"`
	PrivilegedUsers   []string         `yaml:"privileged-users"`
	GracePeriod       string           `yaml:"grace-period"`
	IdleCheckInterval string           `yaml:"idle-check-interval"`
	MonitorInterval   string           `yaml:"monitor-interval"`
	PollInterval      string           `yaml:"poll-interval"`
	LockTimeout       string           `yaml:"lock-timeout"`
	LockTTL           string           `yaml:"lock-ttl"`
	InitLockTTL       string           `yaml:"init-lock-ttl"`
	MinDuration       string           `yaml:"min-duration"`
	MaxDuration       string           `yaml:"max-duration"`
	ACLMode           string           `yaml:"acl-mode"`
	DevicePath        string           `yaml:"device-path"`
	Sudo              bool             `yaml:"sudo"`
	Probe             string           `yaml:"probe"`
	NvidiaSMI         string           `yaml:"nvidia-smi"`
	NotifyBuffer      int              `yaml:"notify-buffer"`
	MetricsListen     string           `yaml:"metrics-listen"`
	PprofListen       string           `yaml:"pprof-listen"`
	OTLPEndpoint      string           `yaml:"otlp-endpoint"`
	LogLevel          string           `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	cfg := gpulockd.DefaultConfig()
	defaults := configDefaults{
		KVStore:           cfg.KVStore,
		LeaseStore:        cfg.LeaseStore,
		KeyPrefix:         cfg.KeyPrefix,
		Devices:           map[string][]int{"A100": {0, 1}},
		PrivilegedUsers:   []string{"root"},
		GracePeriod:       cfg.GracePeriod.String(),
		IdleCheckInterval: cfg.IdleCheckInterval.String(),
		MonitorInterval:   cfg.MonitorInterval.String(),
		PollInterval:      cfg.PollInterval.String(),
		LockTimeout:       cfg.LockTimeout.String(),
		LockTTL:           cfg.LockTTL.String(),
		InitLockTTL:       cfg.InitLockTTL.String(),
		MinDuration:       cfg.MinDuration.String(),
		MaxDuration:       cfg.MaxDuration.String(),
		ACLMode:           gpulockd.ACLModeSetfacl,
		DevicePath:        cfg.DevicePath,
		Sudo:              cfg.Sudo,
		Probe:             gpulockd.ProbeNvidiaSMI,
		NvidiaSMI:         cfg.NvidiaSMI,
		NotifyBuffer:      cfg.NotifyBuffer,
		LogLevel:          "info",
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return data, nil
}
