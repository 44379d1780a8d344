package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/gpulockd"
	"pkt.systems/gpulockd/internal/lease"
	"pkt.systems/gpulockd/internal/leasestore"
	"pkt.systems/pslog"
)

// openArbiter builds the in-process components a subcommand acts through.
// Tests swap it to share stores with a running server.
var openArbiter = func(cfg gpulockd.Config, logger pslog.Logger) (*gpulockd.Server, error) {
	return gpulockd.NewServer(cfg, gpulockd.WithLogger(logger))
}

// withArbiter loads configuration, opens the shared stores and runs fn
// against them. The background loop is not started: subcommands act as one
// more process next to the daemon.
func withArbiter(cmd *cobra.Command, logger pslog.Logger, fn func(ctx context.Context, srv *gpulockd.Server) error) error {
	cmd.SilenceUsage = true
	if _, err := loadConfigFile(); err != nil {
		return err
	}
	var cfg gpulockd.Config
	if err := bindConfig(&cfg); err != nil {
		return err
	}
	srv, err := openArbiter(cfg, applyLogLevel(logger))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("cli.shutdown.error", "error", err)
		}
	}()
	return fn(cmd.Context(), srv)
}

func currentUsername() string {
	if name := strings.TrimSpace(os.Getenv("USER")); name != "" {
		return name
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

func newAllocateCommand(logger pslog.Logger) *cobra.Command {
	var (
		username   string
		deviceType string
		deviceID   int
		count      int
		days       int
		duration   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Lease a device, or --count devices of one type",
		Example: `
  gpulockd allocate --type A100 --id 2 --days 3
  gpulockd allocate --user alice --type A100 --count 2 --duration 36h
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if deviceType == "" {
				return errors.New("--type is required")
			}
			length := duration
			if length == 0 {
				length = time.Duration(days) * 24 * time.Hour
			}
			single := cmd.Flags().Changed("id")
			if single == (count > 0) {
				return errors.New("exactly one of --id or --count is required")
			}
			return withArbiter(cmd, logger, func(ctx context.Context, srv *gpulockd.Server) error {
				var leases []leasestore.Lease
				if single {
					l, err := srv.Manager().Allocate(ctx, lease.Request{
						Username:   username,
						DeviceType: deviceType,
						DeviceID:   deviceID,
						Duration:   length,
					})
					if err != nil {
						return err
					}
					leases = append(leases, l)
				} else {
					made, err := srv.Manager().AllocateBatch(ctx, lease.BatchRequest{
						Username: username,
						Items:    []lease.BatchItem{{DeviceType: deviceType, Count: count, Duration: length}},
					})
					if err != nil {
						return err
					}
					leases = made
				}
				return printLeases(cmd.OutOrStdout(), leases)
			})
		},
	}
	cmd.Flags().StringVarP(&username, "user", "u", currentUsername(), "user to lease for")
	cmd.Flags().StringVarP(&deviceType, "type", "t", "", "device type")
	cmd.Flags().IntVar(&deviceID, "id", 0, "device id")
	cmd.Flags().IntVar(&count, "count", 0, "number of devices of --type to lease at once")
	cmd.Flags().IntVar(&days, "days", 1, "lease length in days")
	cmd.Flags().DurationVar(&duration, "duration", 0, "lease length (overrides --days)")
	return cmd
}

func newReleaseCommand(logger pslog.Logger) *cobra.Command {
	var actor, comment string
	cmd := &cobra.Command{
		Use:   "release <lease-id>",
		Short: "Release a lease and return its device to the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// An empty actor is the expiry loop; the CLI always names one.
			if strings.TrimSpace(actor) == "" {
				return errors.New("--actor is required")
			}
			return withArbiter(cmd, logger, func(ctx context.Context, srv *gpulockd.Server) error {
				res, err := srv.Manager().Release(ctx, args[0], lease.ReleaseOptions{Actor: actor, Comment: comment})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if res.AlreadyReleased {
					_, err = fmt.Fprintf(out, "lease %s was already released\n", res.Lease.ID)
					return err
				}
				_, err = fmt.Fprintf(out, "released %s %d (lease %s)\n", res.Lease.DeviceType, res.Lease.DeviceID, res.Lease.ID)
				if err == nil && len(res.Killed) > 0 {
					_, err = fmt.Fprintf(out, "terminated %d process(es): %v\n", len(res.Killed), res.Killed)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", currentUsername(), "user performing the release")
	cmd.Flags().StringVar(&comment, "comment", "", "comment stored on the lease")
	return cmd
}

func newLeasesCommand(logger pslog.Logger) *cobra.Command {
	var username string
	var all bool
	cmd := &cobra.Command{
		Use:   "leases",
		Short: "List leases, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArbiter(cmd, logger, func(ctx context.Context, srv *gpulockd.Server) error {
				leases, err := srv.Manager().Leases(ctx, username, !all)
				if err != nil {
					return err
				}
				return printLeases(cmd.OutOrStdout(), leases)
			})
		},
	}
	cmd.Flags().StringVarP(&username, "user", "u", "", "only leases of this user")
	cmd.Flags().BoolVar(&all, "all", false, "include released leases")
	return cmd
}

func newStatusCommand(logger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of every device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArbiter(cmd, logger, func(ctx context.Context, srv *gpulockd.Server) error {
				status, err := srv.Manager().Status(ctx)
				if err != nil {
					return err
				}
				enabled, err := srv.Manager().Enabled(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !enabled {
					fmt.Fprintln(out, "allocation is disabled for non-privileged users")
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TYPE\tID\tSTATE\tUSER\tEXPIRES")
				for _, st := range status {
					userName, expires := "-", "-"
					if st.Lease != nil {
						userName = st.Lease.Username
						expires = formatWhen(st.Lease.ExpiresAt)
					}
					fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", st.Device.Type, st.Device.ID, st.State, userName, expires)
				}
				return tw.Flush()
			})
		},
	}
}

func newResetCommand(logger pslog.Logger) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Release every lease and rebuild the pool (privileged)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArbiter(cmd, logger, func(ctx context.Context, srv *gpulockd.Server) error {
				report, err := srv.Manager().Reset(ctx, actor)
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "released %d lease(s)\n", len(report.Released))
				for id, cause := range report.RevokeFailed {
					fmt.Fprintf(out, "revoke failed for lease %s: %v\n", id, cause)
				}
				for _, d := range report.Stuck {
					fmt.Fprintf(out, "%s %d left out of the pool (stuck)\n", d.Type, d.ID)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", currentUsername(), "privileged user performing the reset")
	return cmd
}

func newReconcileCommand(logger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Converge device ACLs to the active leases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArbiter(cmd, logger, func(ctx context.Context, srv *gpulockd.Server) error {
				report, err := srv.Manager().Reconcile(ctx)
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "granted %d, revoked %d, failed devices %d\n", len(report.Granted), len(report.Revoked), len(report.Failed))
				return err
			})
		},
	}
}

func newServiceStateCommand(logger pslog.Logger, enable bool) *cobra.Command {
	var actor string
	use, short := "disable", "Stop non-privileged users from allocating"
	if enable {
		use, short = "enable", "Allow non-privileged users to allocate again"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArbiter(cmd, logger, func(ctx context.Context, srv *gpulockd.Server) error {
				if err := srv.Manager().SetEnabled(ctx, actor, enable); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "allocation %sd\n", use)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", currentUsername(), "privileged user changing the service state")
	return cmd
}

func newInboxCommand(logger pslog.Logger) *cobra.Command {
	var username string
	var markRead bool
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Show notifications queued for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArbiter(cmd, logger, func(ctx context.Context, srv *gpulockd.Server) error {
				list, err := srv.Manager().Inbox(ctx, username, markRead)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, n := range list {
					flag := "*"
					if n.Read {
						flag = " "
					}
					fmt.Fprintf(out, "%s %s  %s\n", flag, formatWhen(n.CreatedAt), n.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&username, "user", "u", currentUsername(), "user whose inbox to show")
	cmd.Flags().BoolVar(&markRead, "mark-read", false, "mark the shown notifications as read")
	return cmd
}

func printLeases(out io.Writer, leases []leasestore.Lease) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSER\tTYPE\tDEVICE\tEXPIRES\tRELEASED")
	for _, l := range leases {
		released := "-"
		if l.ReleasedAt != nil {
			released = formatWhen(*l.ReleasedAt)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", l.ID, l.Username, l.DeviceType, l.DeviceID, formatWhen(l.ExpiresAt), released)
	}
	return tw.Flush()
}

func formatWhen(t time.Time) string {
	return fmt.Sprintf("%s (%s)", t.UTC().Format(time.RFC3339), humanize.Time(t))
}
