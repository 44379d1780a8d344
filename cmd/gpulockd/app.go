package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/gpulockd"
	"pkt.systems/gpulockd/internal/pathutil"
	"pkt.systems/gpulockd/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("GPULOCKD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "gpulockd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the daemon rather
// than a subcommand, so failures are logged instead of printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") {
			if strings.IndexByte(arg, '=') >= 0 {
				i++
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(sh)-1 {
						consumeNext = true
					}
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if candidate, err := gpulockd.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := pathutil.Expand(cfgPath)
	if err == nil {
		expanded, err = filepath.Abs(expanded)
	}
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gpulockd",
		Short:         "gpulockd arbitrates exclusive, time-bounded GPU leases on a shared host",
		SilenceErrors: true,
		Example: `
  # Redis for shared state, MongoDB for lease records
  gpulockd --kv-store redis://localhost:6379/0 --lease-store mongodb://localhost:27017/gpulocker \
    --devices "A100=0,1,2,3;V100=4,5" --privileged-users root

  # Single host, SQLite history, no sudo
  GPULOCKD_LEASE_STORE=sqlite:///var/lib/gpulockd/leases.db gpulockd --devices "A100=0,1"

  # Dry run: in-memory stores and grants, no nvidia-smi
  gpulockd --devices "A100=0,1" --acl-mode memory --probe none
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to gpulockd",
				"app", "gpulockd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			var cfg gpulockd.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			logger = applyLogLevel(logger)
			cliLogger = svcfields.WithSubsystem(logger, "cli.root")

			server, err := gpulockd.NewServer(cfg, gpulockd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			if err := server.Start(); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.gpulockd/"+gpulockd.DefaultConfigFileName+")")
	persistentFlags.String("kv-store", gpulockd.DefaultKVStore, "shared key-value store URL (mem://, redis://, rediss://)")
	persistentFlags.String("lease-store", gpulockd.DefaultLeaseStore, "lease record store URL (mem://, mongodb://, postgres://, sqlite://)")
	persistentFlags.String("key-prefix", gpulockd.DefaultKeyPrefix, "namespace prefix for shared keys")
	persistentFlags.String("devices", "", `device inventory, e.g. "A100=0,1;V100=2"`)
	persistentFlags.StringSlice("privileged-users", nil, "users that always hold access to every device")
	persistentFlags.Duration("grace-period", gpulockd.DefaultGracePeriod, "time an expired lease is tolerated before idle reclamation")
	persistentFlags.Duration("idle-check-interval", gpulockd.DefaultIdleCheckInterval, "period of the expiry pass")
	persistentFlags.Duration("monitor-interval", gpulockd.DefaultMonitorInterval, "period of the per-lease utilization check")
	persistentFlags.Duration("poll-interval", gpulockd.DefaultPollInterval, "scheduler mailbox poll and leadership retry interval")
	persistentFlags.Duration("lock-timeout", gpulockd.DefaultLockTimeout, "maximum wait for the pool lock")
	persistentFlags.Duration("lock-ttl", gpulockd.DefaultLockTTL, "lifetime of an abandoned pool lock")
	persistentFlags.Duration("init-lock-ttl", gpulockd.DefaultInitLockTTL, "lifetime of the bootstrap lock and leader heartbeat")
	persistentFlags.Duration("min-duration", gpulockd.DefaultMinDuration, "shortest lease a user may request")
	persistentFlags.Duration("max-duration", gpulockd.DefaultMaxDuration, "longest lease a user may request")
	persistentFlags.String("acl-mode", gpulockd.ACLModeSetfacl, "permission enforcer (setfacl or memory)")
	persistentFlags.String("device-path", gpulockd.DefaultDevicePath, "printf pattern for the device node of an id")
	persistentFlags.Bool("sudo", false, "run setfacl, getfacl, chmod, nvidia-smi and kill through sudo")
	persistentFlags.String("probe", gpulockd.ProbeNvidiaSMI, "utilization probe (nvidia-smi or none)")
	persistentFlags.String("nvidia-smi", gpulockd.DefaultNvidiaSMI, "nvidia-smi binary")
	persistentFlags.Int("notify-buffer", gpulockd.DefaultNotifyBuffer, "depth of the notification queue")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("metrics-listen", "", "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("GPULOCKD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"kv-store", "lease-store", "key-prefix", "devices", "privileged-users",
		"grace-period", "idle-check-interval", "monitor-interval", "poll-interval",
		"lock-timeout", "lock-ttl", "init-lock-ttl", "min-duration", "max-duration",
		"acl-mode", "device-path", "sudo", "probe", "nvidia-smi", "notify-buffer",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
		"log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	admin := svcfields.WithSubsystem(baseLogger, "cli.admin")
	cmd.AddCommand(newAllocateCommand(admin))
	cmd.AddCommand(newReleaseCommand(admin))
	cmd.AddCommand(newLeasesCommand(admin))
	cmd.AddCommand(newStatusCommand(admin))
	cmd.AddCommand(newResetCommand(admin))
	cmd.AddCommand(newReconcileCommand(admin))
	cmd.AddCommand(newServiceStateCommand(admin, false))
	cmd.AddCommand(newServiceStateCommand(admin, true))
	cmd.AddCommand(newInboxCommand(admin))
	cmd.AddCommand(newJobCommand(admin))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func applyLogLevel(logger pslog.Logger) pslog.Logger {
	logLevel := strings.TrimSpace(viper.GetString("log-level"))
	if logLevel == "" {
		logLevel = "info"
	}
	if level, ok := pslog.ParseLevel(logLevel); ok {
		return logger.LogLevel(level)
	}
	return logger
}

func bindConfig(cfg *gpulockd.Config) error {
	*cfg = gpulockd.DefaultConfig()
	cfg.KVStore = viper.GetString("kv-store")
	cfg.LeaseStore = viper.GetString("lease-store")
	cfg.KeyPrefix = viper.GetString("key-prefix")
	devices, err := gpulockd.ParseDevices(viper.Get("devices"))
	if err != nil {
		return err
	}
	cfg.Devices = devices
	cfg.PrivilegedUsers = viper.GetStringSlice("privileged-users")
	cfg.GracePeriod = viper.GetDuration("grace-period")
	cfg.IdleCheckInterval = viper.GetDuration("idle-check-interval")
	cfg.MonitorInterval = viper.GetDuration("monitor-interval")
	cfg.PollInterval = viper.GetDuration("poll-interval")
	cfg.LockTimeout = viper.GetDuration("lock-timeout")
	cfg.LockTTL = viper.GetDuration("lock-ttl")
	cfg.InitLockTTL = viper.GetDuration("init-lock-ttl")
	cfg.MinDuration = viper.GetDuration("min-duration")
	cfg.MaxDuration = viper.GetDuration("max-duration")
	cfg.ACLMode = viper.GetString("acl-mode")
	cfg.DevicePath = viper.GetString("device-path")
	cfg.Sudo = viper.GetBool("sudo")
	cfg.Probe = viper.GetString("probe")
	cfg.NvidiaSMI = viper.GetString("nvidia-smi")
	cfg.NotifyBuffer = viper.GetInt("notify-buffer")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	return cfg.Validate()
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
