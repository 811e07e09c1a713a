package main

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/goccy/go-json"
	"github.com/herdsync/herdsync/internal/config"
	"github.com/herdsync/herdsync/internal/outbox"
	"github.com/herdsync/herdsync/internal/version"
	"github.com/spf13/cobra"
)

var (
	// https://github.com/muesli/termenv/blob/master/ansicolors.go
	red       = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	green     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	cyan      = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	gray      = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	lightGray = lipgloss.NewStyle().Foreground(lipgloss.Color("248"))
	bold      = lipgloss.NewStyle().Bold(true)
)

func showHeader(w io.Writer) {
	fmt.Fprintln(w, cyan.Bold(true).Render(version.AppName+" "+version.Short()))
}

// withQueue opens the outbox for the duration of fn. sqlite WAL lets this run
// next to a daemon that holds the same file.
func withQueue(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, q *outbox.Queue) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	q := outbox.NewQueue(cfg.OutboxPath())
	if err := q.Open(ctx); err != nil {
		return err
	}
	defer q.Close()

	return fn(ctx, cfg, q)
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func addJSONFlag(cmd *cobra.Command) {
	cmd.Flags().Bool("json", false, "Print JSON instead of text")
}

func wantJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}
