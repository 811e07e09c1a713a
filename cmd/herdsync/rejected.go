package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/herdsync/herdsync/internal/config"
	"github.com/herdsync/herdsync/internal/outbox"
	"github.com/herdsync/herdsync/internal/remote"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newRejectedCmd())
}

func newRejectedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rejected",
		Short: "Inspect actions the server refused",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, func(ctx context.Context, cfg *config.Config, q *outbox.Queue) error {
				actions, err := q.ListRejected(ctx)
				if err != nil {
					return err
				}
				if wantJSON(cmd) {
					return printJSON(cmd.OutOrStdout(), actions)
				}
				renderRejected(cmd.OutOrStdout(), actions, time.Now())
				return nil
			})
		},
	}
	addJSONFlag(cmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "discard <id>...",
		Short: "Forget rejected actions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withQueue(cmd, func(ctx context.Context, cfg *config.Config, q *outbox.Queue) error {
				for _, id := range ids {
					if err := q.DiscardRejected(ctx, id); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s rejected #%d\n", red.Render("DISCARDED"), id)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "retry <id>...",
		Short: "Move rejected actions back to the end of the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withQueue(cmd, func(ctx context.Context, cfg *config.Config, q *outbox.Queue) error {
				for _, id := range ids {
					action, err := q.Requeue(ctx, id)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s rejected #%d as %s\n", green.Render("REQUEUED"), id, action.String())
				}
				return nil
			})
		},
	})

	return cmd
}

func renderRejected(w io.Writer, actions []*outbox.RejectedAction, now time.Time) {
	if len(actions) == 0 {
		fmt.Fprintln(w, green.Render("no rejected actions"))
		return
	}

	for _, a := range actions {
		status := "-"
		if a.StatusCode > 0 {
			status = remote.DescribeStatus(a.StatusCode)
		}
		fmt.Fprintf(w, "%s %s %s %s %s\n",
			cyan.Render(fmt.Sprintf("#%d", a.ID)),
			a.ActionType,
			a.HTTPMethod,
			a.TargetEndpoint,
			gray.Render("rejected "+humanize.RelTime(a.RejectedAt, now, "ago", "from now")),
		)
		fmt.Fprintf(w, "    %s %s\n", red.Render(status), a.Reason)
	}
}
