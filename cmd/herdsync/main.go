package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/herdsync/herdsync/internal/config"
	"github.com/herdsync/herdsync/internal/logging"
	"github.com/herdsync/herdsync/internal/version"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "HERDSYNC"

var rootCmd = &cobra.Command{
	Use:     "herdsync",
	Short:   "herdsync offline action sync",
	Version: version.Detailed(),
	RunE:    runDaemon,
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "herdsync config file")
	rootCmd.PersistentFlags().StringP("datadir", "d", config.DefaultDataDir, "herdsync data directory")
	rootCmd.PersistentFlags().StringP("server", "s", config.DefaultServerURL, "remote API base url")
	addDaemonFlags(rootCmd)
}

func main() {
	loadDotEnv()

	level := slog.LevelInfo
	if os.Getenv(envPrefix+"_DEBUG") != "" {
		level = slog.LevelDebug
	}
	// command output goes to stdout, logs stay on stderr
	if _, err := logging.Setup(logging.Options{Level: level, Console: os.Stderr}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadDotEnv reads .env from the working directory and the config dir.
// Variables already set in the environment win.
func loadDotEnv() {
	for _, path := range []string{".env", filepath.Join(config.DefaultConfigDir, ".env")} {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "Ignoring %s: %v\n", path, err)
		}
	}
}

// loadConfig merges, lowest first: defaults, config file, flags, HERDSYNC_* env.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()

	configPath := resolveConfigPath(cmd)
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return nil, fmt.Errorf("config read '%s': %w", configPath, err)
		}
	}

	defaults := config.Default()
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("server_url", defaults.ServerURL)
	v.SetDefault("http_addr", defaults.HTTPAddr)
	v.SetDefault("probe_interval", defaults.ProbeInterval)
	v.SetDefault("settle_window", defaults.SettleWindow)
	v.SetDefault("replay_timeout", defaults.ReplayTimeout)
	v.SetDefault("max_retries", defaults.MaxRetries)
	v.SetDefault("base_backoff", defaults.BaseBackoff)
	v.SetDefault("max_backoff", defaults.MaxBackoff)

	bindFlag(v, "data_dir", cmd.Flag("datadir"))
	bindFlag(v, "server_url", cmd.Flag("server"))
	bindFlag(v, "http_addr", cmd.Flag("http-addr"))
	bindFlag(v, "http_token", cmd.Flag("http-token"))

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	cfg := &config.Config{
		Path:          configPath,
		DataDir:       v.GetString("data_dir"),
		ServerURL:     v.GetString("server_url"),
		AuthToken:     v.GetString("auth_token"),
		HTTPAddr:      v.GetString("http_addr"),
		HTTPToken:     v.GetString("http_token"),
		ProbeInterval: v.GetDuration("probe_interval"),
		SettleWindow:  v.GetDuration("settle_window"),
		ReplayTimeout: v.GetDuration("replay_timeout"),
		MaxRetries:    v.GetInt("max_retries"),
		BaseBackoff:   v.GetDuration("base_backoff"),
		MaxBackoff:    v.GetDuration("max_backoff"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindFlag binds only flags the command actually has.
func bindFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if flag == nil {
		return
	}
	if err := v.BindPFlag(key, flag); err != nil {
		slog.Debug("config bind flag", "key", key, "error", err)
	}
}
