/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/suparena/membership/logger"
	"github.com/suparena/membership/sweeper"
)

// SweepCmd removes expired memberships once
var SweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired memberships",
	Long: `Remove every membership whose expiry has passed, publishing an expired
event for each. Exits 0 when something was removed and 1 when nothing had
expired.`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

// RunCmd sweeps on an interval until interrupted
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Sweep expired memberships periodically",
	Long: `Sweep expired memberships immediately and then on every interval until
interrupted.

Examples:
  membership run
  membership run --every 15m`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

// MigrateCmd prepares the backend schema
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the backend schema",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

var everyFlag time.Duration

func init() {
	RunCmd.Flags().DurationVar(&everyFlag, "every", 0, "Sweep interval (default from configuration)")
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	removed, err := a.sweeper.Run(ctx)
	if err != nil {
		return err
	}
	if !removed {
		fmt.Fprintln(cmd.ErrOrStderr(), "No expired memberships found")
		return ErrNothingRemoved
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Expired memberships removed")
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	interval := everyFlag
	if interval <= 0 {
		interval = cfg.Sweep.Interval
	}
	ticker := sweeper.NewTicker(ctx, a.sweeper, interval)
	ticker.Start()

	<-ctx.Done()
	ticker.Stop()
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	_, closeDS, err := openDataStore(ctx, logger.Named("membership"))
	if err != nil {
		return err
	}
	if closeDS != nil {
		defer closeDS(context.Background())
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", cfg.Backend)
	return nil
}
