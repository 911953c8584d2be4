package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"dynamon/internal/logging"
	"dynamon/internal/monitor"

	"github.com/spf13/cobra"
)

var follow bool

// monitorCmd prints the live API monitor trace
var monitorCmd = &cobra.Command{
	Use:   "monitor [hash]",
	Short: "Print the API calls captured so far",
	Long: `Reads the API monitor trace of the app and prints it as JSON.

With --follow the trace is printed again whenever it changes, until
interrupted. Every print is the full trace, not the new records only.`,
	Args: cobra.ExactArgs(1),
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing as the trace grows")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	mon := monitor.New(cfg, logging.For(logger, cfg.Logging, logging.CategoryMonitor))
	out := cmd.OutOrStdout()

	if !follow {
		snap := mon.Poll(args[0])
		if err := printJSON(out, snap); err != nil {
			return err
		}
		if snap.Status != monitor.StatusOK {
			return errRequestFailed
		}
		return nil
	}

	if err := validHash(args[0]); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var printErr error
	err := mon.Follow(ctx, args[0], func(s monitor.Snapshot) {
		if printErr == nil {
			printErr = printJSON(out, s)
		}
	})
	if printErr != nil {
		return printErr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
