package main

import (
	"fmt"

	"github.com/herdsync/herdsync/internal/config"
	"github.com/herdsync/herdsync/internal/version"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newVersionCmd(), newConfigPathCmd())
}

func newVersionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the herdsync build",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := version.Detailed()
			if short {
				v = version.Short()
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.AppName, v)
			return err
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "Only version and revision")
	return cmd
}

// config-path marks a path that does not exist yet, since defaults apply then.
func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config-path",
		Short: "Print which config file herdsync reads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(cmd)
			if config.FileExists(path) {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), path)
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), path, gray.Render("(not found, using defaults)"))
			return err
		},
	}
}
