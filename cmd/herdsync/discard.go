package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/herdsync/herdsync/internal/config"
	"github.com/herdsync/herdsync/internal/outbox"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newDiscardCmd())
	rootCmd.AddCommand(newClearCmd())
}

func newDiscardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discard <id>...",
		Short: "Drop pending actions without sending them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withQueue(cmd, func(ctx context.Context, cfg *config.Config, q *outbox.Queue) error {
				for _, id := range ids {
					if err := q.Remove(ctx, id); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s #%d\n", red.Render("DISCARDED"), id)
				}
				return nil
			})
		},
	}
}

func newClearCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every pending action, for example after signing out",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to drop unsynced changes without --yes")
			}
			return withQueue(cmd, func(ctx context.Context, cfg *config.Config, q *outbox.Queue) error {
				n, err := q.Count(ctx)
				if err != nil {
					return err
				}
				if err := q.Clear(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d pending actions\n", red.Render("CLEARED"), n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm dropping all pending actions")
	return cmd
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
