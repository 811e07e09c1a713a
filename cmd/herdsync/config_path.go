package main

import (
	"os"
	"path/filepath"

	"github.com/herdsync/herdsync/internal/config"
	"github.com/spf13/cobra"
)

// resolveConfigPath determines which config file path to use, honoring (in order):
// 1) An explicitly set --config flag
// 2) HERDSYNC_CONFIG_PATH environment variable
// 3) Existing config files in common locations
// 4) The default path
func resolveConfigPath(cmd *cobra.Command) string {
	if cfgFlag := cmd.Flag("config"); cfgFlag != nil && cfgFlag.Changed {
		return cfgFlag.Value.String()
	}

	if envPath := os.Getenv(envPrefix + "_CONFIG_PATH"); envPath != "" {
		return envPath
	}

	home, _ := os.UserHomeDir()
	candidates := []string{
		config.DefaultConfigPath,
		filepath.Join(home, ".config", "herdsync", "config.json"),
	}

	for _, candidate := range candidates {
		if config.FileExists(candidate) {
			return candidate
		}
	}

	return config.DefaultConfigPath
}
