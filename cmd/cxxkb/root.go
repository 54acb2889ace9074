package main

import (
	"os"

	"github.com/spf13/cobra"

	"cxxkb/internal/config"
	"cxxkb/internal/logging"
	"cxxkb/internal/version"
)

// dataRoot is the directory holding .cxxkb/ (config + store). Defaults
// to the current directory.
var dataRoot string

var rootCmd = &cobra.Command{
	Use:   "cxxkb",
	Short: "cxxkb - workspace-scoped C++ semantic index",
	Long: `cxxkb maintains a semantic index (symbols, references, call edges,
include dependencies) over multi-repo C++ workspaces and answers symbol
queries with explicit freshness and confidence reporting.`,
	Version: version.Version,
}

func init() {
	rootCmd.SetVersionTemplate(version.Full() + "\n")
	rootCmd.PersistentFlags().StringVar(&dataRoot, "data-root", "",
		"Directory holding .cxxkb/ (default: current directory)")
}

// resolveDataRoot applies the --data-root flag with a cwd fallback.
func resolveDataRoot() (string, error) {
	if dataRoot != "" {
		return dataRoot, nil
	}
	return os.Getwd()
}

// loadConfig reads the layered config for the resolved data root.
func loadConfig() (*config.Config, string, error) {
	root, err := resolveDataRoot()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.LoadConfig(root)
	if err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, root, nil
}

// newLogger builds the process logger from config, overridable per
// command (doctor wants human output regardless).
func newLogger(cfg *config.Config) *logging.Logger {
	return logging.NewLogger(logging.Config{
		Format: cfg.Logging.Format,
		Level:  cfg.Logging.Level,
	})
}
