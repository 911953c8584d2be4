// Package session drives the instrumentation engine for analysis requests.
//
// Synchronous actions (process listing, script inspection, the spawn itself)
// report their outcome in the returned Result. The attach that follows a
// spawn or session action runs on a detached goroutine that outlives the
// request; its failures are logged and recorded on its Handle only.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"dynamon/internal/config"
	"dynamon/internal/engine"
	"dynamon/internal/store"
	"dynamon/internal/target"
	"dynamon/internal/tracelog"

	"go.uber.org/zap"
)

// ErrNotFound is reported when a hash resolves to no known application.
var ErrNotFound = errors.New("no application registered for hash")

// InvalidParameters is the message of invalid-parameter and not-found
// results.
const InvalidParameters = "Invalid Parameters"

// Status is the outcome of a request.
type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// Kind classifies failed results.
type Kind string

const (
	KindNone          Kind = ""
	KindInvalidParams Kind = "invalid-parameters"
	KindNotFound      Kind = "not-found"
	KindEngineFailure Kind = "engine-failure"
	KindLookupFailure Kind = "lookup-failure"
)

// Result is returned for every request.
type Result struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	// Session is the ID of the detached attach started by the request.
	Session string `json:"session,omitempty"`
	Kind    Kind   `json:"kind,omitempty"`
}

// OK reports whether the request succeeded.
func (r Result) OK() bool {
	return r.Status == StatusOK
}

func invalid(kind Kind) Result {
	return Result{Status: StatusFailed, Message: InvalidParameters, Kind: kind}
}

func failed(kind Kind, err error) Result {
	return Result{Status: StatusFailed, Message: err.Error(), Kind: kind}
}

// Request carries the raw, caller-supplied fields of an instrument call.
type Request struct {
	Action string `json:"frida_action"`
	Hash   string `json:"hash"`
	// PID retargets the attach when it is all digits; anything else is
	// ignored.
	PID        string `json:"pid,omitempty"`
	NewPackage string `json:"new_package,omitempty"`
	// DefaultHooks and AuxiliaryHooks are comma separated hook names.
	DefaultHooks   string        `json:"default_hooks"`
	AuxiliaryHooks string        `json:"auxiliary_hooks"`
	Code           string        `json:"frida_code,omitempty"`
	Extras         target.Extras `json:"extras,omitempty"`
}

// PackageResolver maps an app hash to its package name.
type PackageResolver interface {
	PackageName(ctx context.Context, hash string) (string, error)
}

// Controller validates requests and drives engines built by its factory.
type Controller struct {
	engines engine.Factory
	apps    PackageResolver
	cfg     *config.Config
	log     *zap.Logger

	// Detached attaches run under ctx, never under a request context.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Handle
}

// NewController creates a controller.
func NewController(engines engine.Factory, apps PackageResolver, cfg *config.Config, log *zap.Logger) *Controller {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		engines:  engines,
		apps:     apps,
		cfg:      cfg,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Handle),
	}
}

// Instrument runs one action.
func (c *Controller) Instrument(ctx context.Context, req Request) Result {
	action, err := ParseAction(req.Action)
	if err != nil {
		c.log.Warn("rejected request", zap.Error(err))
		return invalid(KindInvalidParams)
	}

	if target.IsAttackPattern(req.DefaultHooks) ||
		target.IsAttackPattern(req.AuxiliaryHooks) ||
		!target.IsMD5(req.Hash) ||
		(req.NewPackage != "" && !target.IsPackageName(req.NewPackage)) {
		c.log.Warn("rejected request", zap.String("action", action.String()), zap.String("hash", req.Hash))
		return invalid(KindInvalidParams)
	}

	sel := target.HookSelection{
		Default:   target.SplitHooks(req.DefaultHooks),
		Auxiliary: target.SplitHooks(req.AuxiliaryHooks),
		Code:      req.Code,
		Extras:    trimExtras(req.Extras),
	}
	if err := sel.Validate(); err != nil {
		c.log.Warn("rejected hook selection", zap.Error(err))
		return invalid(KindInvalidParams)
	}

	attach := engine.AttachRequest{}
	if isDigits(req.PID) {
		pid, err := strconv.Atoi(req.PID)
		if err != nil {
			return invalid(KindInvalidParams)
		}
		attach = engine.AttachRequest{PID: pid, Package: req.NewPackage}
	}

	pkg, err := c.resolve(ctx, req.Hash)
	if err != nil && !errors.Is(err, ErrNotFound) {
		c.log.Error("package lookup failed", zap.String("hash", req.Hash), zap.Error(err))
		return failed(KindLookupFailure, err)
	}
	if pkg == "" {
		if req.NewPackage == "" {
			c.log.Warn("unknown application", zap.String("hash", req.Hash))
			return invalid(KindNotFound)
		}
		pkg = req.NewPackage
	}

	tgt := target.Target{Hash: req.Hash, Package: pkg}
	eng := c.engines.New(tgt, sel)
	res := Result{Status: StatusOK}

	switch action {
	case ActionSpawn:
		c.log.Info("starting instrumentation", zap.String("target", tgt.String()))
		if err := guard(func() error { return eng.Spawn(ctx) }); err != nil {
			c.log.Error("instrumentation failed", zap.String("target", tgt.String()), zap.Error(err))
			return failed(KindEngineFailure, err)
		}
	case ActionEnumerate:
		c.log.Info("enumerating running applications")
		var procs []engine.Process
		err := guard(func() (err error) {
			procs, err = eng.EnumerateProcesses(ctx)
			return err
		})
		if err != nil {
			c.log.Error("instrumentation failed", zap.String("action", action.String()), zap.Error(err))
			return failed(KindEngineFailure, err)
		}
		if procs == nil {
			procs = []engine.Process{}
		}
		res.Data = procs
	case ActionGetScript:
		var script string
		err := guard(func() (err error) {
			script, err = eng.InjectedScript(ctx)
			return err
		})
		if err != nil {
			c.log.Error("instrumentation failed", zap.String("action", action.String()), zap.Error(err))
			return failed(KindEngineFailure, err)
		}
		res.Message = script
	case ActionSession:
	}

	if action.attaches() {
		if attach.PID > 0 {
			c.log.Info("attaching to process", zap.String("package", attach.Package), zap.Int("pid", attach.PID))
		} else if action == ActionSession {
			c.log.Info("injecting into existing session", zap.String("target", tgt.String()))
		}
		h := c.detach(tgt, eng, attach)
		res.Session = h.ID
	}
	return res
}

// CollectDependencies spawns the app with the dependency collection hooks
// and records loaded classes into the app's dependency dump, starting from
// an empty dump.
func (c *Controller) CollectDependencies(ctx context.Context, hash string) Result {
	if !target.IsMD5(hash) {
		return invalid(KindInvalidParams)
	}
	pkg, err := c.resolve(ctx, hash)
	if err != nil && !errors.Is(err, ErrNotFound) {
		c.log.Error("package lookup failed", zap.String("hash", hash), zap.Error(err))
		return failed(KindLookupFailure, err)
	}
	if pkg == "" {
		return invalid(KindNotFound)
	}

	if err := c.resetDependencyDump(hash); err != nil {
		c.log.Error("failed to get runtime dependencies", zap.String("hash", hash), zap.Error(err))
		return failed(KindEngineFailure, fmt.Errorf("failed to get runtime dependencies: %w", err))
	}

	tgt := target.Target{Hash: hash, Package: pkg}
	sel := target.HookSelection{
		Default:   c.cfg.Dependencies.DefaultHooks,
		Auxiliary: c.cfg.Dependencies.AuxiliaryHooks,
	}
	eng := c.engines.New(tgt, sel)

	c.log.Info("collecting runtime dependencies", zap.String("target", tgt.String()))
	if err := guard(func() error { return eng.Spawn(ctx) }); err != nil {
		c.log.Error("failed to get runtime dependencies", zap.String("target", tgt.String()), zap.Error(err))
		return failed(KindEngineFailure, fmt.Errorf("failed to get runtime dependencies: %w", err))
	}
	h := c.detach(tgt, eng, engine.AttachRequest{})
	return Result{Status: StatusOK, Session: h.ID}
}

// Sessions returns the tracked detached sessions, oldest first. Sessions
// that have ended are reported once and then forgotten.
func (c *Controller) Sessions() []*Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Handle, 0, len(c.sessions))
	for id, h := range c.sessions {
		out = append(out, h)
		if h.ended() {
			delete(c.sessions, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Session returns the detached session with the given ID.
func (c *Controller) Session(id string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.sessions[id]
	return h, ok
}

// Wait blocks until every detached session has ended or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every detached session and waits for them to end.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.cancel()
	return c.Wait(ctx)
}

// detach starts the long-running attach on its own goroutine.
func (c *Controller) detach(tgt target.Target, eng engine.Engine, req engine.AttachRequest) *Handle {
	h := newHandle(target.Target{Hash: tgt.Hash, Package: tgt.Package, PID: req.PID})
	req.OnAttached = h.attached

	c.mu.Lock()
	c.sessions[h.ID] = h
	c.mu.Unlock()

	log := c.log.With(zap.String("session", h.ID), zap.String("target", h.Target.String()))
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error("detached session panicked", zap.Any("panic", r))
				h.finish(fmt.Errorf("session panicked: %v", r))
			}
		}()

		err := eng.Attach(c.ctx, req)
		h.finish(err)
		if err != nil {
			log.Error("detached session failed", zap.Error(err))
			return
		}
		log.Info("detached session ended")
	}()
	return h
}

func (c *Controller) resolve(ctx context.Context, hash string) (string, error) {
	if c.apps == nil {
		return "", ErrNotFound
	}
	pkg, err := c.apps.PackageName(ctx, hash)
	if errors.Is(err, store.ErrNotFound) || (err == nil && pkg == "") {
		return "", ErrNotFound
	}
	return pkg, err
}

func (c *Controller) resetDependencyDump(hash string) error {
	dump := filepath.Join(c.cfg.Storage.AppDir(hash), tracelog.DependencyFile)
	return tracelog.NewDependencyWriter(dump).Truncate()
}

// guard turns an engine panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panicked: %v", r)
		}
	}()
	return fn()
}

func trimExtras(e target.Extras) target.Extras {
	return target.Extras{
		ClassName:   strings.TrimSpace(e.ClassName),
		ClassSearch: strings.TrimSpace(e.ClassSearch),
		ClassTrace:  strings.TrimSpace(e.ClassTrace),
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
