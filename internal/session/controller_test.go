package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dynamon/internal/config"
	"dynamon/internal/engine"
	"dynamon/internal/store"
	"dynamon/internal/target"
	"dynamon/internal/tracelog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const (
	testHash = "0123456789abcdef0123456789abcdef"
	testPkg  = "com.example.app"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeEngine struct {
	spawnErr    error
	spawnPanic  bool
	procs       []engine.Process
	psErr       error
	script      string
	attachErr   error
	attachPanic bool
	// release, when set, blocks Attach until closed or ctx is done.
	release chan struct{}

	mu       sync.Mutex
	spawns   int
	attaches []engine.AttachRequest
	attached chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{attached: make(chan struct{}, 16)}
}

func (f *fakeEngine) Spawn(ctx context.Context) error {
	if f.spawnPanic {
		panic("device went away")
	}
	f.mu.Lock()
	f.spawns++
	f.mu.Unlock()
	return f.spawnErr
}

func (f *fakeEngine) Attach(ctx context.Context, req engine.AttachRequest) error {
	f.mu.Lock()
	f.attaches = append(f.attaches, engine.AttachRequest{PID: req.PID, Package: req.Package})
	f.mu.Unlock()

	if req.OnAttached != nil {
		req.OnAttached()
	}
	f.attached <- struct{}{}

	if f.attachPanic {
		panic("script crashed")
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.attachErr
}

func (f *fakeEngine) EnumerateProcesses(ctx context.Context) ([]engine.Process, error) {
	return f.procs, f.psErr
}

func (f *fakeEngine) InjectedScript(ctx context.Context) (string, error) {
	return f.script, nil
}

func (f *fakeEngine) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawns
}

func (f *fakeEngine) attachRequests() []engine.AttachRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.AttachRequest(nil), f.attaches...)
}

type fakeFactory struct {
	eng *fakeEngine

	mu      sync.Mutex
	targets []target.Target
	sels    []target.HookSelection
}

func (f *fakeFactory) New(t target.Target, sel target.HookSelection) engine.Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, t)
	f.sels = append(f.sels, sel)
	return f.eng
}

func (f *fakeFactory) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.targets)
}

type fakeApps map[string]string

func (a fakeApps) PackageName(ctx context.Context, hash string) (string, error) {
	if pkg, ok := a[hash]; ok {
		return pkg, nil
	}
	return "", store.ErrNotFound
}

type brokenApps struct{}

func (brokenApps) PackageName(context.Context, string) (string, error) {
	return "", errors.New("database is locked")
}

func newTestController(t *testing.T, eng *fakeEngine) (*Controller, *fakeFactory) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.UploadDir = t.TempDir()
	factory := &fakeFactory{eng: eng}
	c := NewController(factory, fakeApps{testHash: testPkg}, cfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, c.Shutdown(ctx))
	})
	return c, factory
}

func waitAttached(t *testing.T, eng *fakeEngine) {
	t.Helper()
	select {
	case <-eng.attached:
	case <-time.After(5 * time.Second):
		t.Fatal("attach never started")
	}
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session never ended")
	}
}

func spawnRequest() Request {
	return Request{
		Action:         "spawn",
		Hash:           testHash,
		DefaultHooks:   "ssl_pinning_bypass",
		AuxiliaryHooks: "get_dependencies",
	}
}

// =============================================================================
// ACTIONS
// =============================================================================

func TestParseAction(t *testing.T) {
	tests := []struct {
		in   string
		want Action
	}{
		{"", ActionSpawn},
		{"spawn", ActionSpawn},
		{"ps", ActionEnumerate},
		{"get", ActionGetScript},
		{"session", ActionSession},
	}
	for _, tt := range tests {
		got, err := ParseAction(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
		if tt.in != "" {
			assert.Equal(t, tt.in, got.String())
		}
	}

	_, err := ParseAction("kill")
	assert.Error(t, err)
	assert.Equal(t, "Action(42)", Action(42).String())
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestInstrument_InvalidParameters(t *testing.T) {
	tests := []struct {
		name string
		mod  func(r *Request)
	}{
		{"bad hash", func(r *Request) { r.Hash = "0123" }},
		{"upper case hash", func(r *Request) { r.Hash = "0123456789ABCDEF0123456789ABCDEF" }},
		{"default hook injection", func(r *Request) { r.DefaultHooks = "ssl_pinning_bypass;reboot" }},
		{"auxiliary hook injection", func(r *Request) { r.AuxiliaryHooks = "$(id)" }},
		{"hook path", func(r *Request) { r.DefaultHooks = "../../etc/passwd" }},
		{"bad new package", func(r *Request) { r.NewPackage = "com.example.app; rm -rf /" }},
		{"new package with slash", func(r *Request) { r.NewPackage = "com/example" }},
		{"extra injection", func(r *Request) { r.Extras.ClassTrace = "a&&b" }},
		{"unknown action", func(r *Request) { r.Action = "reboot" }},
		{"pid overflow", func(r *Request) { r.PID = "99999999999999999999999" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newFakeEngine()
			c, factory := newTestController(t, eng)

			req := spawnRequest()
			tt.mod(&req)
			res := c.Instrument(context.Background(), req)

			assert.Equal(t, StatusFailed, res.Status)
			assert.Equal(t, InvalidParameters, res.Message)
			assert.Equal(t, KindInvalidParams, res.Kind)
			assert.Zero(t, factory.calls(), "no engine may be built for invalid input")
			assert.Empty(t, c.Sessions())
		})
	}
}

func TestInstrument_NotFound(t *testing.T) {
	eng := newFakeEngine()
	c, factory := newTestController(t, eng)

	req := spawnRequest()
	req.Hash = "ffffffffffffffffffffffffffffffff"
	res := c.Instrument(context.Background(), req)

	assert.False(t, res.OK())
	assert.Equal(t, InvalidParameters, res.Message)
	assert.Equal(t, KindNotFound, res.Kind)
	assert.Zero(t, factory.calls())
}

func TestInstrument_UnknownHashWithNewPackage(t *testing.T) {
	eng := newFakeEngine()
	c, factory := newTestController(t, eng)

	res := c.Instrument(context.Background(), Request{
		Action:     "session",
		Hash:       "ffffffffffffffffffffffffffffffff",
		PID:        "4242",
		NewPackage: "org.other.app",
	})
	require.True(t, res.OK(), res.Message)
	waitAttached(t, eng)

	assert.Equal(t, "org.other.app", factory.targets[0].Package)
	assert.Equal(t, []engine.AttachRequest{{PID: 4242, Package: "org.other.app"}}, eng.attachRequests())
}

func TestInstrument_LookupFailure(t *testing.T) {
	eng := newFakeEngine()
	cfg := config.DefaultConfig()
	factory := &fakeFactory{eng: eng}
	c := NewController(factory, brokenApps{}, cfg, nil)
	defer c.Shutdown(context.Background())

	res := c.Instrument(context.Background(), spawnRequest())
	assert.False(t, res.OK())
	assert.Equal(t, KindLookupFailure, res.Kind)
	assert.Contains(t, res.Message, "database is locked")
	assert.Zero(t, factory.calls())
}

// =============================================================================
// SYNCHRONOUS ACTIONS
// =============================================================================

func TestInstrument_Enumerate(t *testing.T) {
	eng := newFakeEngine()
	eng.procs = []engine.Process{{PID: 1, Name: "init"}}
	c, _ := newTestController(t, eng)

	req := spawnRequest()
	req.Action = "ps"
	res := c.Instrument(context.Background(), req)

	require.True(t, res.OK())
	assert.Equal(t, []engine.Process{{PID: 1, Name: "init"}}, res.Data)
	assert.Empty(t, res.Session)
	assert.Empty(t, c.Sessions())
	assert.Zero(t, eng.spawnCount())
}

func TestInstrument_EnumerateEmpty(t *testing.T) {
	c, _ := newTestController(t, newFakeEngine())

	res := c.Instrument(context.Background(), Request{Action: "ps", Hash: testHash})
	require.True(t, res.OK())
	assert.Equal(t, []engine.Process{}, res.Data)
}

func TestInstrument_EnumerateFailure(t *testing.T) {
	eng := newFakeEngine()
	eng.psErr = errors.New("unable to connect to remote frida-server")
	core, logs := observer.New(zap.ErrorLevel)
	cfg := config.DefaultConfig()
	c := NewController(&fakeFactory{eng: eng}, fakeApps{testHash: testPkg}, cfg, zap.New(core))
	defer c.Shutdown(context.Background())

	res := c.Instrument(context.Background(), Request{Action: "ps", Hash: testHash})
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, KindEngineFailure, res.Kind)
	assert.Equal(t, "unable to connect to remote frida-server", res.Message)
	assert.Equal(t, 1, logs.FilterMessage("instrumentation failed").Len())
}

func TestInstrument_GetScript(t *testing.T) {
	eng := newFakeEngine()
	eng.script = "// default: ssl_pinning_bypass\nsend(1);"
	c, factory := newTestController(t, eng)

	req := spawnRequest()
	req.Action = "get"
	req.DefaultHooks = "ssl_pinning_bypass, api_monitor,"
	req.Code = "send(2);"
	req.Extras = target.Extras{ClassName: "  com.example.Crypto  "}
	res := c.Instrument(context.Background(), req)

	require.True(t, res.OK())
	assert.Equal(t, eng.script, res.Message)
	assert.Empty(t, c.Sessions())

	sel := factory.sels[0]
	assert.Equal(t, []string{"ssl_pinning_bypass", "api_monitor"}, sel.Default)
	assert.Equal(t, []string{"get_dependencies"}, sel.Auxiliary)
	assert.Equal(t, "send(2);", sel.Code)
	assert.Equal(t, "com.example.Crypto", sel.Extras.ClassName)
}

func TestInstrument_SpawnFailure(t *testing.T) {
	eng := newFakeEngine()
	eng.spawnErr = errors.New("frida not available")
	c, _ := newTestController(t, eng)

	res := c.Instrument(context.Background(), spawnRequest())
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, KindEngineFailure, res.Kind)
	assert.Equal(t, "frida not available", res.Message)
	assert.Empty(t, c.Sessions(), "a failed spawn must not attach")
}

func TestInstrument_SpawnPanic(t *testing.T) {
	eng := newFakeEngine()
	eng.spawnPanic = true
	c, _ := newTestController(t, eng)

	res := c.Instrument(context.Background(), spawnRequest())
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Message, "device went away")
}

// =============================================================================
// DETACHED ATTACH
// =============================================================================

func TestInstrument_SpawnDoesNotBlock(t *testing.T) {
	eng := newFakeEngine()
	eng.release = make(chan struct{})
	eng.procs = []engine.Process{{PID: 7, Name: "Example", Identifier: testPkg}}
	c, factory := newTestController(t, eng)

	res := c.Instrument(context.Background(), spawnRequest())
	require.True(t, res.OK(), res.Message)
	require.NotEmpty(t, res.Session)
	assert.Equal(t, 1, eng.spawnCount())
	assert.Equal(t, target.Target{Hash: testHash, Package: testPkg}, factory.targets[0])

	waitAttached(t, eng)
	h, ok := c.Session(res.Session)
	require.True(t, ok)
	assert.Equal(t, StateAttached, h.State())

	// The attach is still running; a process listing must answer anyway.
	done := make(chan Result, 1)
	go func() {
		done <- c.Instrument(context.Background(), Request{Action: "ps", Hash: testHash})
	}()
	select {
	case ps := <-done:
		require.True(t, ps.OK())
		assert.Equal(t, eng.procs, ps.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("enumerate blocked on the detached attach")
	}

	close(eng.release)
	waitDone(t, h)
	assert.Equal(t, StateEnded, h.State())
	assert.NoError(t, h.Err())
	require.NoError(t, c.Wait(context.Background()))
}

func TestController_SessionsForgetsEndedHandles(t *testing.T) {
	eng := newFakeEngine()
	eng.release = make(chan struct{})
	c, _ := newTestController(t, eng)

	res := c.Instrument(context.Background(), spawnRequest())
	require.True(t, res.OK())
	waitAttached(t, eng)

	require.Len(t, c.Sessions(), 1)
	require.Len(t, c.Sessions(), 1, "running sessions stay tracked")

	close(eng.release)
	require.NoError(t, c.Wait(context.Background()))

	ended := c.Sessions()
	require.Len(t, ended, 1)
	assert.Equal(t, res.Session, ended[0].ID)
	assert.Equal(t, StateEnded, ended[0].State())

	assert.Empty(t, c.Sessions())
	_, ok := c.Session(res.Session)
	assert.False(t, ok)
}

func TestInstrument_RequestContextDoesNotCancelSession(t *testing.T) {
	eng := newFakeEngine()
	eng.release = make(chan struct{})
	c, _ := newTestController(t, eng)

	ctx, cancel := context.WithCancel(context.Background())
	res := c.Instrument(ctx, spawnRequest())
	require.True(t, res.OK())
	waitAttached(t, eng)
	cancel()

	h, _ := c.Session(res.Session)
	select {
	case <-h.Done():
		t.Fatal("session ended with its request")
	case <-time.After(50 * time.Millisecond):
	}
	close(eng.release)
	waitDone(t, h)
}

func TestInstrument_SessionWithPID(t *testing.T) {
	eng := newFakeEngine()
	c, _ := newTestController(t, eng)

	res := c.Instrument(context.Background(), Request{
		Action:     "session",
		Hash:       testHash,
		PID:        "1234",
		NewPackage: "org.other.app",
	})
	require.True(t, res.OK())
	waitAttached(t, eng)
	require.NoError(t, c.Wait(context.Background()))

	assert.Zero(t, eng.spawnCount(), "session never spawns")
	assert.Equal(t, []engine.AttachRequest{{PID: 1234, Package: "org.other.app"}}, eng.attachRequests())

	h, _ := c.Session(res.Session)
	assert.Equal(t, 1234, h.Target.PID)
}

func TestInstrument_NonNumericPIDIgnored(t *testing.T) {
	eng := newFakeEngine()
	c, _ := newTestController(t, eng)

	req := spawnRequest()
	req.PID = "12a"
	req.NewPackage = "org.other.app"
	res := c.Instrument(context.Background(), req)
	require.True(t, res.OK())
	waitAttached(t, eng)
	require.NoError(t, c.Wait(context.Background()))

	assert.Equal(t, []engine.AttachRequest{{}}, eng.attachRequests())
}

func TestInstrument_DetachedFailureIsLoggedOnly(t *testing.T) {
	eng := newFakeEngine()
	eng.attachErr = errors.New("process terminated")
	core, logs := observer.New(zap.InfoLevel)
	cfg := config.DefaultConfig()
	cfg.Storage.UploadDir = t.TempDir()
	c := NewController(&fakeFactory{eng: eng}, fakeApps{testHash: testPkg}, cfg, zap.New(core))

	res := c.Instrument(context.Background(), spawnRequest())
	require.True(t, res.OK(), "detached failures never reach the caller")

	h, _ := c.Session(res.Session)
	waitDone(t, h)
	assert.Equal(t, StateFailed, h.State())
	assert.EqualError(t, h.Err(), "process terminated")
	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, 1, logs.FilterMessage("detached session failed").Len())
}

func TestInstrument_DetachedPanicIsContained(t *testing.T) {
	eng := newFakeEngine()
	eng.attachPanic = true
	c, _ := newTestController(t, eng)

	res := c.Instrument(context.Background(), Request{Action: "session", Hash: testHash})
	require.True(t, res.OK())

	h, _ := c.Session(res.Session)
	waitDone(t, h)
	assert.Equal(t, StateFailed, h.State())
	assert.Contains(t, h.Err().Error(), "script crashed")
}

func TestController_Shutdown(t *testing.T) {
	eng := newFakeEngine()
	eng.release = make(chan struct{})
	c, _ := newTestController(t, eng)

	first := c.Instrument(context.Background(), spawnRequest())
	second := c.Instrument(context.Background(), Request{Action: "session", Hash: testHash})
	require.True(t, first.OK())
	require.True(t, second.OK())
	waitAttached(t, eng)
	waitAttached(t, eng)

	sessions := c.Sessions()
	require.Len(t, sessions, 2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)

	require.NoError(t, c.Shutdown(context.Background()))
	for _, h := range sessions {
		assert.Equal(t, StateFailed, h.State())
		assert.ErrorIs(t, h.Err(), context.Canceled)
	}
}

// =============================================================================
// RUNTIME DEPENDENCIES
// =============================================================================

func TestCollectDependencies(t *testing.T) {
	eng := newFakeEngine()
	c, factory := newTestController(t, eng)

	dump := filepath.Join(c.cfg.Storage.AppDir(testHash), tracelog.DependencyFile)
	require.NoError(t, os.MkdirAll(filepath.Dir(dump), 0755))
	require.NoError(t, os.WriteFile(dump, []byte("okhttp3.OkHttpClient.newCall\n"), 0644))

	res := c.CollectDependencies(context.Background(), testHash)
	require.True(t, res.OK(), res.Message)
	require.NotEmpty(t, res.Session)
	waitAttached(t, eng)
	require.NoError(t, c.Wait(context.Background()))

	data, err := os.ReadFile(dump)
	require.NoError(t, err)
	assert.Empty(t, data, "the previous dump is cleared")

	assert.Equal(t, 1, eng.spawnCount())
	assert.Equal(t, target.Target{Hash: testHash, Package: testPkg}, factory.targets[0])
	assert.Equal(t, []string{"ssl_pinning_bypass", "debugger_check_bypass", "root_bypass"}, factory.sels[0].Default)
	assert.Equal(t, []string{"get_dependencies"}, factory.sels[0].Auxiliary)
	assert.Equal(t, []engine.AttachRequest{{}}, eng.attachRequests())
}

func TestCollectDependencies_Rejected(t *testing.T) {
	eng := newFakeEngine()
	c, factory := newTestController(t, eng)

	res := c.CollectDependencies(context.Background(), "nothex")
	assert.Equal(t, KindInvalidParams, res.Kind)

	res = c.CollectDependencies(context.Background(), "ffffffffffffffffffffffffffffffff")
	assert.Equal(t, KindNotFound, res.Kind)
	assert.Equal(t, InvalidParameters, res.Message)

	assert.Zero(t, factory.calls())
}

func TestCollectDependencies_SpawnFailure(t *testing.T) {
	eng := newFakeEngine()
	eng.spawnErr = errors.New("no device")
	c, _ := newTestController(t, eng)

	res := c.CollectDependencies(context.Background(), testHash)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, KindEngineFailure, res.Kind)
	assert.Contains(t, res.Message, "failed to get runtime dependencies")
	assert.Empty(t, c.Sessions())
}
