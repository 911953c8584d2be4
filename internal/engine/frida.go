package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"dynamon/internal/config"
	"dynamon/internal/target"
	"dynamon/internal/tracelog"

	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

// Message prefixes the hook scripts print with console.log.
const (
	APIMonitorPrefix  = "[API Monitor] "
	RuntimeDepsPrefix = "[RuntimeDeps] "
)

// maxMessageSize bounds one line of engine output.
const maxMessageSize = 4 * 1024 * 1024

var (
	execCommandContext = exec.CommandContext
	lookPath           = exec.LookPath
)

// Frida drives the frida command line tools for one target.
type Frida struct {
	binary       string
	psBinary     string
	deviceID     string
	queryTimeout time.Duration

	target  target.Target
	hooks   target.HookSelection
	scripts *ScriptBuilder
	appDir  string
	trace   *tracelog.Writer
	deps    *tracelog.Writer
	log     *zap.Logger

	mu      sync.Mutex
	spawned bool
}

// NewFridaFactory returns a Factory producing frida CLI engines whose
// capture files live in the app directory of each target.
func NewFridaFactory(cfg *config.Config, log *zap.Logger) Factory {
	if log == nil {
		log = zap.NewNop()
	}
	scripts := NewScriptBuilder(cfg.Engine.ScriptDir, log)
	return FactoryFunc(func(t target.Target, sel target.HookSelection) Engine {
		appDir := cfg.Storage.AppDir(t.Hash)
		return &Frida{
			binary:       cfg.Engine.Binary,
			psBinary:     cfg.Engine.PSBinary,
			deviceID:     cfg.Engine.DeviceID,
			queryTimeout: cfg.GetCommandTimeout(),
			target:       t,
			hooks:        sel,
			scripts:      scripts,
			appDir:       appDir,
			trace:        tracelog.NewTraceWriter(filepath.Join(appDir, tracelog.APIMonitorFile)),
			deps:         tracelog.NewDependencyWriter(filepath.Join(appDir, tracelog.DependencyFile)),
			log:          log.With(zap.String("target", t.String())),
		}
	})
}

// Spawn prepares a spawn of the target package. The frida CLI spawns and
// attaches in a single invocation, so the process itself starts in the next
// Attach call.
func (f *Frida) Spawn(ctx context.Context) error {
	if !target.IsPackageName(f.target.Package) {
		return fmt.Errorf("cannot spawn: %w: %q", target.ErrInvalidPackage, f.target.Package)
	}
	if _, err := lookPath(f.binary); err != nil {
		return fmt.Errorf("frida not available: %w", err)
	}
	if err := os.MkdirAll(f.appDir, 0755); err != nil {
		return fmt.Errorf("failed to create capture directory: %w", err)
	}

	f.mu.Lock()
	f.spawned = true
	f.mu.Unlock()

	f.log.Info("spawn prepared", zap.String("package", f.target.Package))
	return nil
}

// Attach writes the injected script, runs frida against the selected
// process and routes hook output into the capture files until the session
// ends.
func (f *Frida) Attach(ctx context.Context, req AttachRequest) error {
	script, err := f.InjectedScript(ctx)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(f.appDir, 0755); err != nil {
		return fmt.Errorf("failed to create capture directory: %w", err)
	}
	scriptPath := filepath.Join(f.appDir, tracelog.ScriptFile)
	if err := os.WriteFile(scriptPath, []byte(script), 0644); err != nil {
		return fmt.Errorf("failed to write injected script: %w", err)
	}

	f.mu.Lock()
	spawned := f.spawned
	f.spawned = false
	f.mu.Unlock()

	args := f.deviceArgs()
	switch {
	case req.PID > 0:
		args = append(args, "-p", strconv.Itoa(req.PID))
	case spawned:
		args = append(args, "-f", f.target.Package)
	case f.target.Package != "":
		args = append(args, "-N", f.target.Package)
	default:
		return fmt.Errorf("no process to attach to")
	}
	args = append(args, "-l", scriptPath, "-q", "-t", "inf")

	cmd := execCommandContext(ctx, f.binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open engine output: %w", err)
	}
	stderr := &zapio.Writer{Log: f.log, Level: zap.WarnLevel}
	defer stderr.Close()
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start frida: %w", err)
	}
	f.log.Info("attached",
		zap.Int("pid", req.PID),
		zap.String("package", req.Package),
		zap.Bool("spawned", spawned))
	if req.OnAttached != nil {
		req.OnAttached()
	}

	routeErr := f.route(stdout)
	waitErr := cmd.Wait()
	if waitErr != nil {
		return fmt.Errorf("frida session ended: %w", waitErr)
	}
	if routeErr != nil {
		return fmt.Errorf("reading frida output: %w", routeErr)
	}
	f.log.Info("session ended")
	return nil
}

// route copies hook messages into the capture files.
func (f *Frida) route(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxMessageSize)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case strings.HasPrefix(line, APIMonitorPrefix):
			if err := f.trace.Append([]byte(line[len(APIMonitorPrefix):])); err != nil {
				f.log.Warn("dropping API monitor message", zap.Error(err))
			}
		case strings.HasPrefix(line, RuntimeDepsPrefix):
			if err := f.deps.Append([]byte(strings.TrimSpace(line[len(RuntimeDepsPrefix):]))); err != nil {
				f.log.Warn("dropping dependency message", zap.Error(err))
			}
		case line != "":
			f.log.Debug("engine output", zap.String("line", line))
		}
	}
	if err := scanner.Err(); err != nil {
		// Keep draining so frida never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}

// EnumerateProcesses lists the applications on the device.
func (f *Frida) EnumerateProcesses(ctx context.Context) ([]Process, error) {
	ctx, cancel := context.WithTimeout(ctx, f.queryTimeout)
	defer cancel()

	args := append(f.deviceArgs(), "-a", "-j")
	cmd := execCommandContext(ctx, f.psBinary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("process listing timed out after %s", f.queryTimeout)
		}
		return nil, fmt.Errorf("process listing failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var procs []Process
	if err := json.Unmarshal(out, &procs); err != nil {
		return nil, fmt.Errorf("failed to parse process listing: %w", err)
	}
	return procs, nil
}

// InjectedScript renders the hook selection without injecting it.
func (f *Frida) InjectedScript(ctx context.Context) (string, error) {
	return f.scripts.Build(f.hooks)
}

func (f *Frida) deviceArgs() []string {
	if f.deviceID != "" {
		return []string{"-D", f.deviceID}
	}
	return []string{"-U"}
}
