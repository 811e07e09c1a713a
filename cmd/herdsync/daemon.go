package main

import (
	"log/slog"
	"os"

	"github.com/herdsync/herdsync/internal/app"
	"github.com/herdsync/herdsync/internal/config"
	"github.com/herdsync/herdsync/internal/logging"
	"github.com/herdsync/herdsync/internal/version"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newDaemonCmd())
}

func newDaemonCmd() *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the sync daemon and the local control plane",
		RunE:  runDaemon,
	}
	addDaemonFlags(daemonCmd)
	return daemonCmd
}

func addDaemonFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("http-addr", "a", config.DefaultHTTPAddr, "Address to bind the local control plane")
	cmd.Flags().StringP("http-token", "t", "", "Access token for the local control plane")
	cmd.Flags().String("log-file", config.DefaultLogFile, "Daemon log file")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	level := slog.LevelInfo
	if os.Getenv(envPrefix+"_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logFile, _ := cmd.Flags().GetString("log-file")
	closer, err := logging.Setup(logging.Options{LogFile: logFile, Level: level})
	if err != nil {
		return err
	}
	defer closer.Close()

	showHeader(cmd.ErrOrStderr())
	slog.Info("herdsync", "version", version.Version, "revision", version.Revision, "build", version.BuildDate)
	slog.Info("daemon using config", "path", cfg.Path)

	a, err := app.New(cfg, nil)
	if err != nil {
		return err
	}

	defer slog.Info("Bye!")
	return a.Run(cmd.Context())
}
