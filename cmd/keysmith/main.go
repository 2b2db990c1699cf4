// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/keysmith/internal/config"
)

var Version = "dev"

func main() {
	// Initialize logger
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := NewRootCommand(Version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func NewRootCommand(version string) *cobra.Command {
	opts := &rootOptions{}

	var rootCmd = &cobra.Command{
		Use:   "keysmith",
		Short: "License key generator and usage analyzer",
		Long: `keysmith - issue license keys for your products and find keys that are
shared between sites, over-used or never activated.

Running keysmith without a command starts the interactive menu.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive(cmd, opts)
		},
	}

	rootCmd.Version = version

	rootCmd.PersistentFlags().StringVar(&opts.configDir, "config-dir", "",
		"config directory path (default is OS-specific: ~/.config/keysmith/ or %APPDATA%\\keysmith\\). Can also be a direct path to a .toml file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"override the configured log level (TRACE, DEBUG, INFO, WARN, ERROR)")

	rootCmd.AddCommand(RunInteractiveCommand(opts))
	rootCmd.AddCommand(RunVersionCommand(version))
	rootCmd.AddCommand(RunGenerateConfigCommand(opts))
	rootCmd.AddCommand(RunGenerateCommand(opts))
	rootCmd.AddCommand(RunWarningsCommand(opts))
	rootCmd.AddCommand(RunOverusedCommand(opts))
	rootCmd.AddCommand(RunUnusedCommand(opts))
	rootCmd.AddCommand(RunDeleteCommand(opts))
	rootCmd.AddCommand(RunRevokeCommand(opts))
	rootCmd.AddCommand(RunProductsCommand(opts))
	rootCmd.AddCommand(RunSetProductCommand(opts))
	rootCmd.AddCommand(RunExportCommand(opts))
	rootCmd.AddCommand(RunClearLogsCommand(opts))
	rootCmd.AddCommand(RunInfoCommand(opts))
	rootCmd.AddCommand(RunMetricsCommand(opts))

	return rootCmd
}

func RunInteractiveCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the interactive menu",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive(cmd, opts)
		},
	}
}

func runInteractive(cmd *cobra.Command, opts *rootOptions) error {
	return withApp(opts, func(ctx context.Context, app *Application) error {
		log.Info().Str("version", Version).Str("config", app.cfg.ConfigPath()).Msg("Starting keysmith")

		return app.session(cmd.InOrStdin(), cmd.OutOrStdout()).Run(ctx)
	})
}

func RunVersionCommand(version string) *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of keysmith",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}

	return command
}

func RunGenerateConfigCommand(opts *rootOptions) *cobra.Command {
	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without connecting to the database.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/keysmith/config.toml
- Windows: %APPDATA%\keysmith\config.toml

You can specify either a directory path or a direct file path:
- Directory: keysmith generate-config --config-dir /path/to/config/
- File: keysmith generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configDir := opts.configDir

			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				configPath = filepath.Join(config.GetDefaultConfigDir(), "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	return command
}
