// Package main implements wgkeeper, the agent that keeps an edge device's
// WireGuard tunnel to its relay registered, configured and alive.
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

	"wgkeeper/internal/agent"
	"wgkeeper/internal/config"
	"wgkeeper/internal/tunnel"
)

// Exit codes for fatal conditions an operator has to fix.
const (
	exitFailure      = 1
	exitRegistration = 2
	exitPrivateKey   = 3
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "wgkeeper: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return exitFailure
	case errors.Is(err, agent.ErrRegistrationFailed):
		return exitRegistration
	case errors.Is(err, tunnel.ErrPrivateKey):
		return exitPrivateKey
	default:
		return exitFailure
	}
}

// app carries state shared by every subcommand once PersistentPreRunE has run.
type app struct {
	configPath string
	debug      bool

	cfg      config.Config
	logger   zerolog.Logger
	closeLog func() error
}

func rootCmd() *cobra.Command {
	a := &app{closeLog: func() error { return nil }}

	cmd := &cobra.Command{
		Use:           "wgkeeper",
		Short:         "Keep this device's WireGuard tunnel registered and healthy",
		Long:          "Without a subcommand, wgkeeper performs a single reconciliation pass (same as \"wgkeeper run\").",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.closeLog()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runOnce(cmd.Context())
		},
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultPath, "Path to the YAML configuration file")
	cmd.PersistentFlags().BoolVar(&a.debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(
		runCmd(a),
		watchCmd(a),
		statusCmd(a),
		peerCmd(a),
		installCmd(a),
		uninstallCmd(a),
	)
	return cmd
}

func (a *app) setup(cmd *cobra.Command) error {
	if cmd.Flags().Changed("config") {
		if _, err := os.Stat(a.configPath); err != nil {
			return fmt.Errorf("config file: %w", err)
		}
	}
	cfg, err := config.Load(a.configPath, nil)
	if err != nil {
		return err
	}
	if a.debug {
		cfg.Log.Debug = true
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	a.cfg, a.logger, a.closeLog = cfg, logger, closeLog
	return nil
}

func (a *app) runOnce(ctx context.Context) error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := newAgent(a.cfg, a.logger).RunOnce(ctx)
	if err != nil && ctx.Err() != nil {
		a.logger.Info().Err(err).Msg("stopped before the pass finished")
		return nil
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("reconciliation pass failed")
		return err
	}
	if report.Skipped {
		fmt.Println("another wgkeeper pass is running, skipped")
	}
	return nil
}

func runCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Perform one reconciliation pass and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runOnce(cmd.Context())
		},
	}
}

func watchCmd(a *app) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Reconcile repeatedly until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("interval") {
				a.cfg.WatchInterval = interval
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return newAgent(a.cfg, a.logger).Watch(ctx, a.cfg.WatchInterval)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 5*time.Minute, "Time between passes (overrides watch_interval)")
	return cmd
}
