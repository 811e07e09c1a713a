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
	rootCmd.AddCommand(newPendingCmd())
}

func newPendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "pending",
		Aliases: []string{"ls"},
		Short:   "List actions waiting to reach the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, func(ctx context.Context, cfg *config.Config, q *outbox.Queue) error {
				actions, err := q.ListPending(ctx)
				if err != nil {
					return err
				}
				if wantJSON(cmd) {
					return printJSON(cmd.OutOrStdout(), actions)
				}
				renderPending(cmd.OutOrStdout(), actions, time.Now())
				return nil
			})
		},
	}
	addJSONFlag(cmd)
	return cmd
}

// pendingSummary is the one-line banner the UI shows, e.g.
// "3 changes pending since 2 hours ago".
func pendingSummary(actions []*outbox.PendingAction, now time.Time) string {
	if len(actions) == 0 {
		return "all changes synced"
	}
	noun := "changes"
	if len(actions) == 1 {
		noun = "change"
	}
	since := humanize.RelTime(actions[0].EnqueuedAt, now, "ago", "from now")
	return fmt.Sprintf("%s %s pending since %s", humanize.Comma(int64(len(actions))), noun, since)
}

func renderPending(w io.Writer, actions []*outbox.PendingAction, now time.Time) {
	if len(actions) == 0 {
		fmt.Fprintln(w, green.Render(pendingSummary(actions, now)))
		return
	}

	fmt.Fprintln(w, bold.Render(pendingSummary(actions, now)))
	for _, a := range actions {
		fmt.Fprintf(w, "  %s %s %s %s %s\n",
			cyan.Render(fmt.Sprintf("#%d", a.ID)),
			a.ActionType,
			a.HTTPMethod,
			a.TargetEndpoint,
			gray.Render(humanize.RelTime(a.EnqueuedAt, now, "ago", "from now")),
		)
		if a.RetryCount > 0 {
			fmt.Fprintf(w, "      %s %s\n", lightGray.Render(fmt.Sprintf("retries %d:", a.RetryCount)), red.Render(a.LastError))
		}
		if exp, ok := remote.TokenExpiry(a.AuthToken); ok && now.After(exp) {
			fmt.Fprintf(w, "      %s\n", red.Render("token expired "+humanize.RelTime(exp, now, "ago", "from now")+", replay will likely be refused"))
		}
	}
}
