// Copyright 2024-2026 Aiku AI

// Command watg-bridge relays WhatsApp conversations into the forum topics of
// a Telegram supergroup and sends replies written in those topics back to
// WhatsApp.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/watg-bridge/pkg/config"
	"github.com/aiku/watg-bridge/pkg/connector"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const closeTimeout = 15 * time.Second

type options struct {
	configPath string
	debug      bool
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "watg-bridge",
		Short:         "A WhatsApp-Telegram forum topics bridge",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBridge(cmd.Context(), opts)
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "Path to the config file")
	cmd.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	cmd.AddCommand(
		newLogoutCommand(opts),
		newVersionCommand(),
		newGenerateConfigCommand(),
	)
	return cmd
}

func newLogoutCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Log out of WhatsApp and delete the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(opts, false)
			if err != nil {
				return err
			}
			return connector.Logout(cmd.Context(), cfg, *log)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "watg-bridge %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		},
	}
}

func newGenerateConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-config",
		Short: "Print the example config with all defaults",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprint(cmd.OutOrStdout(), config.ExampleConfig)
		},
	}
}

func loadConfig(opts *options, validate bool) (*config.Config, *zerolog.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, nil, fmt.Errorf("invalid config: %w", err)
		}
	}
	log, err := cfg.NewLogger(opts.debug)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func runBridge(ctx context.Context, opts *options) error {
	cfg, log, err := loadConfig(opts, true)
	if err != nil {
		return err
	}
	log.Info().Str("version", Tag).Str("commit", Commit).Str("built", BuildTime).Msg("Starting watg-bridge")

	c, err := connector.Open(ctx, cfg, *log)
	if err != nil {
		return err
	}
	defer closeConnector(c, log)

	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("Bridge stopped")
	return nil
}

func closeConnector(c *connector.Connector, log *zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to close bridge cleanly")
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
