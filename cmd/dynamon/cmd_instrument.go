package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dynamon/internal/session"
	"dynamon/internal/target"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// shutdownGrace bounds how long detached sessions get to stop on exit.
const shutdownGrace = 5 * time.Second

var (
	instrumentReq      session.Request
	instrumentCodeFile string
	noWait             bool
)

// instrumentCmd runs one session action
var instrumentCmd = &cobra.Command{
	Use:   "instrument",
	Short: "Spawn, attach, list processes or render the injected script",
	Long: `Runs one session action against the app with the given hash.

Actions:
  spawn    start the app under frida and attach (default)
  session  attach to the running app, or to --pid / --new-package
  ps       list applications on the device
  get      print the script that would be injected

spawn and session keep running until the instrumented app exits or the
command is interrupted, unless --no-wait is given.`,
	Example: `  dynamon instrument --hash 0123456789abcdef0123456789abcdef \
    --default-hooks api_monitor,ssl_pinning_bypass --auxiliary-hooks get_dependencies`,
	RunE: runInstrument,
}

// depsCmd collects runtime dependencies
var depsCmd = &cobra.Command{
	Use:   "deps [hash]",
	Short: "Spawn the app with the dependency collection hooks",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeps,
}

func init() {
	f := instrumentCmd.Flags()
	f.StringVar(&instrumentReq.Action, "action", "spawn", "Action: spawn, session, ps or get")
	f.StringVar(&instrumentReq.Hash, "hash", "", "MD5 of the app (required)")
	f.StringVar(&instrumentReq.PID, "pid", "", "Attach to this process instead of the app")
	f.StringVar(&instrumentReq.NewPackage, "new-package", "", "Package name of the process given by --pid")
	f.StringVar(&instrumentReq.DefaultHooks, "default-hooks", "", "Comma separated default hooks")
	f.StringVar(&instrumentReq.AuxiliaryHooks, "auxiliary-hooks", "", "Comma separated auxiliary hooks")
	f.StringVar(&instrumentReq.Code, "code", "", "Custom frida code appended to the hooks")
	f.StringVar(&instrumentCodeFile, "code-file", "", "Read custom frida code from a file")
	f.StringVar(&instrumentReq.Extras.ClassName, "class-name", "", "Class for the enum_methods hook")
	f.StringVar(&instrumentReq.Extras.ClassSearch, "class-search", "", "Search term for the search_class hook")
	f.StringVar(&instrumentReq.Extras.ClassTrace, "class-trace", "", "Class for the trace_class hook")
	f.BoolVar(&noWait, "no-wait", false, "Return as soon as the session is started")
	instrumentCmd.MarkFlagRequired("hash")

	depsCmd.Flags().BoolVar(&noWait, "no-wait", false, "Return as soon as the session is started")
}

func runInstrument(cmd *cobra.Command, args []string) error {
	req := instrumentReq
	if instrumentCodeFile != "" {
		code, err := os.ReadFile(instrumentCodeFile)
		if err != nil {
			return fmt.Errorf("failed to read code file: %w", err)
		}
		req.Code = string(code)
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctrl := newController(st)
	res := ctrl.Instrument(cmd.Context(), req)
	return finish(cmd, ctrl, res)
}

func runDeps(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctrl := newController(st)
	res := ctrl.CollectDependencies(cmd.Context(), args[0])
	return finish(cmd, ctrl, res)
}

// finish prints the result and, for a started session, stays in the
// foreground until it ends or the user interrupts.
func finish(cmd *cobra.Command, ctrl *session.Controller, res session.Result) error {
	if err := printJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if !res.OK() {
		return errRequestFailed
	}
	if res.Session == "" || noWait {
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("session running, interrupt to stop", zap.String("session", res.Session))
	if err := ctrl.Wait(ctx); err == nil {
		return reportSession(ctrl, res.Session)
	}

	logger.Info("received shutdown signal")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("sessions did not stop: %w", err)
	}
	return nil
}

func reportSession(ctrl *session.Controller, id string) error {
	h, ok := ctrl.Session(id)
	if !ok {
		return nil
	}
	if err := h.Err(); err != nil {
		return fmt.Errorf("session %s on %s: %w", id, h.Target, err)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// validHash rejects anything but an MD5 before a command touches storage.
func validHash(hash string) error {
	if !target.IsMD5(hash) {
		return fmt.Errorf("%w: %q", target.ErrInvalidHash, hash)
	}
	return nil
}
