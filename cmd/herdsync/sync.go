package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/herdsync/herdsync/internal/app"
	"github.com/herdsync/herdsync/internal/dispatch"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newSyncCmd())
}

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay pending actions once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			a, err := app.New(cfg, &app.Options{WithoutControlPlane: true})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := a.Open(ctx); err != nil {
				if errors.Is(err, app.ErrDataDirLocked) {
					return fmt.Errorf("%w: the daemon is running, use POST /v1/sync on its control plane", err)
				}
				return err
			}
			defer a.Close()

			result, err := a.SyncOnce(ctx)
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), result)
			}
			renderPass(cmd.OutOrStdout(), result)
			return nil
		},
	}
	addJSONFlag(cmd)
	return cmd
}

func renderPass(w io.Writer, r *dispatch.PassResult) {
	status := green.Render("DONE")
	if r.Stopped() {
		status = red.Render("STOPPED")
	}
	fmt.Fprintf(w, "%s pass %d: %d of %d sent, %d rejected, %d still pending\n",
		status, r.ID, r.Succeeded, r.Snapshot, r.Rejected, r.Remaining)
	if r.Error != "" {
		fmt.Fprintf(w, "  %s\n", red.Render(r.Error))
	}
	for _, id := range r.RejectedIDs {
		fmt.Fprintf(w, "  %s\n", gray.Render(fmt.Sprintf("#%d moved to rejected, see `herdsync rejected`", id)))
	}
}
