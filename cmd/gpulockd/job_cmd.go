package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/gpulockd"
	"pkt.systems/gpulockd/internal/scheduler"
	"pkt.systems/pslog"
)

func newJobCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Post scheduler messages for the leader",
	}
	cmd.AddCommand(newJobSubmitCommand(logger))
	cmd.AddCommand(newJobCancelCommand(logger))
	return cmd
}

func newJobSubmitCommand(logger pslog.Logger) *cobra.Command {
	var (
		unit     string
		interval int
		function string
		id       string
		input    map[string]string
	)
	cmd := &cobra.Command{
		Use:     "submit",
		Short:   "Ask the leader to run a job function on an interval",
		Example: "  gpulockd job submit --unit hours --interval 6 --function check_allocation_utilization --id <lease-id>",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := scheduler.SubmitMessage{
				JobUnit:     scheduler.Unit(unit),
				JobInterval: interval,
				JobFunction: function,
				JobInput:    scheduler.Input{"_id": id},
			}
			for k, v := range input {
				if k == "_id" {
					return errors.New("use --id for _id")
				}
				msg.JobInput[k] = v
			}
			if err := msg.Validate(nil); err != nil {
				return err
			}
			return withArbiter(cmd, logger, func(ctx context.Context, srv *gpulockd.Server) error {
				if err := srv.Mailbox().Submit(ctx, msg); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "submitted %s every %s\n", msg.Tag(), msg.Interval())
				return err
			})
		},
	}
	cmd.Flags().StringVar(&unit, "unit", string(scheduler.UnitHours), "interval unit (hours, minutes, seconds)")
	cmd.Flags().IntVar(&interval, "interval", 1, "interval in units")
	cmd.Flags().StringVar(&function, "function", "", "registered job function")
	cmd.Flags().StringVar(&id, "id", "", "job input _id (the cancellation key)")
	cmd.Flags().StringToStringVar(&input, "input", nil, "extra job input fields (key=value)")
	return cmd
}

func newJobCancelCommand(logger pslog.Logger) *cobra.Command {
	var function, id string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Ask the leader to stop a scheduled job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if function == "" || id == "" {
				return errors.New("--function and --id are required")
			}
			return withArbiter(cmd, logger, func(ctx context.Context, srv *gpulockd.Server) error {
				msg := scheduler.CancelMessage{JobFunction: function, ID: id}
				if err := srv.Mailbox().Cancel(ctx, msg); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "cancel requested for %s\n", msg.Tag())
				return err
			})
		},
	}
	cmd.Flags().StringVar(&function, "function", "", "job function")
	cmd.Flags().StringVar(&id, "id", "", "job input _id")
	return cmd
}
