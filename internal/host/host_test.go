package host

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/exthost/internal/extindex"
	"github.com/GriffinCanCode/exthost/internal/ipc"
	"github.com/GriffinCanCode/exthost/internal/shared/errs"
	"github.com/GriffinCanCode/exthost/internal/shared/types"
	"github.com/GriffinCanCode/exthost/internal/supervisor"
)

const helperArg = "host-helper-session"

func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == helperArg {
		_, _ = io.Copy(io.Discard, os.Stdin)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// mockRuntime records requests and notifications the host sends down.
type mockRuntime struct {
	mock.Mock

	mu       sync.Mutex
	handler  ipc.Handler
	onEvent  supervisor.EventFunc
	onStatus []supervisor.StatusFunc
	status   supervisor.Status
}

func (m *mockRuntime) Start(ctx context.Context) error {
	m.mu.Lock()
	m.status = supervisor.StatusHealthy
	m.mu.Unlock()
	return nil
}

func (m *mockRuntime) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.status = supervisor.StatusStopped
	m.mu.Unlock()
	return nil
}

func (m *mockRuntime) Restart(ctx context.Context) error {
	return m.Start(ctx)
}

func (m *mockRuntime) Request(ctx context.Context, method string, params, out interface{}) error {
	args := m.Called(method, params, out)
	return args.Error(0)
}

func (m *mockRuntime) Notify(method string, params interface{}) error {
	args := m.Called(method, params)
	return args.Error(0)
}

func (m *mockRuntime) SetHandler(h ipc.Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

func (m *mockRuntime) OnEvent(fn supervisor.EventFunc) {
	m.mu.Lock()
	m.onEvent = fn
	m.mu.Unlock()
}

func (m *mockRuntime) OnStatus(fn supervisor.StatusFunc) {
	m.mu.Lock()
	m.onStatus = append(m.onStatus, fn)
	m.mu.Unlock()
}

func (m *mockRuntime) Status() supervisor.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *mockRuntime) setStatus(status supervisor.Status, err error) {
	m.mu.Lock()
	m.status = status
	observers := append([]supervisor.StatusFunc(nil), m.onStatus...)
	m.mu.Unlock()
	for _, fn := range observers {
		fn(status, err)
	}
}

// call sends a runtime-originated request through the installed handler.
func (m *mockRuntime) call(t *testing.T, method string, params interface{}) (interface{}, error) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	return h.ServeRPC(context.Background(), method, raw)
}

func (m *mockRuntime) emit(t *testing.T, method string, params interface{}) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	m.onEvent(&ipc.Message{Type: ipc.KindEvent, Method: method, Params: raw})
}

type fixture struct {
	host    *Host
	rt      *mockRuntime
	index   *extindex.Index
	project string
	exe     string
	exeDir  string
	extDir  string
}

const testManifest = `{
  "name": "demo",
  "publisher": "acme",
  "version": "1.0.0",
  "main": "./extension.js",
  "activationEvents": ["onCommand:demo.hello", "onLanguage:json"]
}`

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	base := t.TempDir()

	extDir := filepath.Join(base, "extensions", "demo")
	require.NoError(t, os.MkdirAll(extDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(extDir, extindex.ManifestFile), []byte(testManifest), 0o644))

	project := filepath.Join(base, "project")
	require.NoError(t, os.MkdirAll(project, 0o755))

	index := extindex.New(filepath.Join(base, "extensions.json"), nil)
	require.NoError(t, index.Load())
	_, err := index.Install(extDir)
	require.NoError(t, err)

	exe, err := os.Executable()
	require.NoError(t, err)
	exe, err = filepath.EvalSymlinks(exe)
	require.NoError(t, err)

	rt := &mockRuntime{status: supervisor.StatusHealthy}
	opts.Runtime = rt
	opts.Index = index
	h := New(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.sessions.Close(ctx)
	})

	return &fixture{host: h, rt: rt, index: index, project: project, exe: exe, exeDir: filepath.Dir(exe), extDir: extDir}
}

func (f *fixture) attach(t *testing.T, windowID string) {
	t.Helper()
	f.rt.On("Request", types.MethodWindowAttach, mock.Anything, mock.Anything).Return(nil).Maybe()
	_, err := f.host.AttachWindow(context.Background(), windowID, []string{f.project, f.exeDir})
	require.NoError(t, err)
}

func caller(windowID string) types.Caller {
	return types.Caller{WindowID: windowID, ExtensionID: "acme.demo"}
}

func TestAttachPushesCanonicalRoots(t *testing.T) {
	f := newFixture(t, Options{})
	f.rt.On("Request", types.MethodWindowAttach, mock.MatchedBy(func(p types.WindowParams) bool {
		return p.WindowID == "win_1" && len(p.Roots) == 2
	}), mock.Anything).Return(nil).Once()

	info, err := f.host.AttachWindow(context.Background(), "win_1", []string{f.project, f.exeDir})
	require.NoError(t, err)
	assert.Equal(t, "win_1", info.WindowID)
	assert.Len(t, f.host.Windows(), 1)
	f.rt.AssertExpectations(t)
}

func TestAttachRollsBackWhenRuntimeRefuses(t *testing.T) {
	f := newFixture(t, Options{})
	f.rt.On("Request", types.MethodWindowAttach, mock.Anything, mock.Anything).
		Return(errs.New(errs.CodeProcessExited, "runtime exited")).Once()

	_, err := f.host.AttachWindow(context.Background(), "win_1", []string{f.project})
	require.Error(t, err)
	assert.Empty(t, f.host.Windows())
	assert.Empty(t, f.host.workspace.Roots("win_1"))
}

func TestUnattachedCallerIsRejected(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.rt.call(t, types.MethodCommandsRegister, types.CommandParams{Caller: caller("win_9"), Command: "demo.x"})
	assert.ErrorIs(t, err, errs.ErrNotFound)

	f.attach(t, "win_1")
	_, err = f.rt.call(t, types.MethodCommandsRegister, types.CommandParams{
		Caller:  types.Caller{WindowID: "win_1", ExtensionID: "acme.ghost"},
		Command: "demo.x",
	})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDetachPurgesEveryWindowResource(t *testing.T) {
	f := newFixture(t, Options{})
	f.attach(t, "win_1")
	f.attach(t, "win_2")
	f.rt.On("Request", types.MethodWindowDetach, mock.Anything, mock.Anything).Return(nil)
	f.rt.On("Notify", mock.Anything, mock.Anything).Return(nil).Maybe()

	for _, win := range []string{"win_1", "win_2"} {
		_, err := f.rt.call(t, types.MethodCommandsRegister, types.CommandParams{Caller: caller(win), Command: "demo.hello"})
		require.NoError(t, err)
		_, err = f.rt.call(t, types.MethodWebviewCreate, types.WebviewCreateParams{Caller: caller(win), ViewType: "demo", Title: "Demo"})
		require.NoError(t, err)
		_, err = f.rt.call(t, types.MethodWorkspaceWatch, types.WatchParams{Caller: caller(win), Pattern: "**/*.json"})
		require.NoError(t, err)
		_, err = f.rt.call(t, types.MethodSessionSpawn, types.SessionSpawnParams{
			Caller:   caller(win),
			Protocol: types.ProtocolLSP,
			Command:  f.exe,
			Args:     []string{helperArg},
		})
		require.NoError(t, err)
	}
	require.Len(t, f.host.Sessions("win_1"), 1)

	require.NoError(t, f.host.DetachWindow(context.Background(), "win_1"))

	for _, c := range f.host.Commands("win_1") {
		assert.True(t, c.BuiltIn(), "extension command %s survived detach", c.ID)
	}
	assert.Empty(t, f.host.Panels("win_1"))
	assert.Empty(t, f.host.Sessions("win_1"))
	assert.Empty(t, f.host.workspace.Watchers().List("win_1"))
	assert.Empty(t, f.host.workspace.Roots("win_1"))

	assert.Len(t, f.host.Panels("win_2"), 1)
	assert.Len(t, f.host.Sessions("win_2"), 1)

	// Re-attaching starts from nothing and detaching twice is harmless.
	f.attach(t, "win_1")
	assert.Empty(t, f.host.Panels("win_1"))
	assert.Empty(t, f.host.Sessions("win_1"))
	require.NoError(t, f.host.DetachWindow(context.Background(), "win_1"))
	require.NoError(t, f.host.DetachWindow(context.Background(), "win_1"))
}

func TestExecuteCommandActivatesOnCommand(t *testing.T) {
	f := newFixture(t, Options{})
	f.attach(t, "win_1")

	f.rt.On("Request", types.MethodExtensionActivate, types.ActivateParams{
		WindowID: "win_1", ExtensionID: "acme.demo", Event: "onCommand:demo.hello",
	}, mock.Anything).Run(func(args mock.Arguments) {
		_, err := f.rt.call(t, types.MethodCommandsRegister, types.CommandParams{Caller: caller("win_1"), Command: "demo.hello"})
		require.NoError(t, err)
		*args.Get(2).(*types.Activation) = types.Activation{WindowID: "win_1", ExtensionID: "acme.demo", State: types.StateActivated}
	}).Return(nil).Once()

	f.rt.On("Request", types.MethodCommandsInvoke, mock.MatchedBy(func(p types.InvokeParams) bool {
		return p.Command == "demo.hello" && p.ExtensionID == "acme.demo"
	}), mock.Anything).Run(func(args mock.Arguments) {
		*args.Get(2).(*json.RawMessage) = json.RawMessage(`"hi"`)
	}).Return(nil).Twice()

	result, err := f.host.ExecuteCommand(context.Background(), "win_1", "demo.hello", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"hi"`, string(result))

	// Second execution finds the registration and does not activate again.
	_, err = f.host.ExecuteCommand(context.Background(), "win_1", "demo.hello", nil)
	require.NoError(t, err)
	f.rt.AssertExpectations(t)
}

func TestExecuteCommandReportsFailedActivation(t *testing.T) {
	f := newFixture(t, Options{})
	f.attach(t, "win_1")
	f.rt.On("Request", types.MethodExtensionActivate, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		*args.Get(2).(*types.Activation) = types.Activation{State: types.StateFailed, LastError: "boom"}
	}).Return(nil).Once()

	_, err := f.host.ExecuteCommand(context.Background(), "win_1", "demo.hello", nil)
	assert.ErrorIs(t, err, errs.ErrActivationFailed)

	_, err = f.host.ExecuteCommand(context.Background(), "win_1", "nobody.declares", nil)
	assert.ErrorIs(t, err, errs.ErrCommandNotFound)
}

func TestBuiltInCommand(t *testing.T) {
	f := newFixture(t, Options{})
	f.attach(t, "win_1")

	result, err := f.host.ExecuteCommand(context.Background(), "win_1", CommandRuntimeStatus, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"healthy"}`, string(result))
}

func TestShowMessageIsThrottledPerExtension(t *testing.T) {
	f := newFixture(t, Options{MessageRate: 0.001, MessageBurst: 2})
	f.attach(t, "win_1")
	events, cancel := f.host.Hub().Subscribe(8)
	defer cancel()

	params := types.MessageParams{Caller: caller("win_1"), Severity: SeverityInfo, Message: "hello"}
	for i := 0; i < 2; i++ {
		_, err := f.rt.call(t, types.MethodWindowShowMessage, params)
		require.NoError(t, err)
	}
	_, err := f.rt.call(t, types.MethodWindowShowMessage, params)
	assert.ErrorIs(t, err, errs.ErrLimitExceeded)

	ev := <-events
	assert.Equal(t, EventMessage, ev.Type)
	assert.Equal(t, "win_1", ev.WindowID)

	params.Severity = "shout"
	_, err = f.rt.call(t, types.MethodWindowShowMessage, params)
	assert.ErrorIs(t, err, errs.ErrInvalidParams)
}

func TestStorageAndSecretsRoundTrip(t *testing.T) {
	f := newFixture(t, Options{})
	f.attach(t, "win_1")

	_, err := f.rt.call(t, types.MethodStorageSet, types.StorageParams{
		Caller: caller("win_1"), Scope: types.ScopeGlobal, Key: "count", Value: json.RawMessage(`3`),
	})
	require.NoError(t, err)
	got, err := f.rt.call(t, types.MethodStorageGet, types.StorageParams{Caller: caller("win_1"), Scope: types.ScopeGlobal, Key: "count"})
	require.NoError(t, err)
	assert.Equal(t, types.StorageValueResult{Value: json.RawMessage(`3`), Found: true}, got)

	_, err = f.rt.call(t, types.MethodSecretsStore, types.SecretParams{Caller: caller("win_1"), Key: "token", Value: "s3cret"})
	require.NoError(t, err)
	secret, err := f.rt.call(t, types.MethodSecretsGet, types.SecretParams{Caller: caller("win_1"), Key: "token"})
	require.NoError(t, err)
	assert.Equal(t, types.SecretResult{Value: "s3cret", Found: true}, secret)

	// Without explicit stores both default to the data directory.
	assert.FileExists(t, filepath.Join(filepath.Dir(f.project), "storage", ".secret.key"))
}

func TestUIEventsAreRelayed(t *testing.T) {
	f := newFixture(t, Options{})
	f.attach(t, "win_1")

	_, err := f.rt.call(t, types.MethodWorkspaceWatch, types.WatchParams{Caller: caller("win_1"), Pattern: "**/*.json"})
	require.NoError(t, err)

	path := filepath.Join(f.project, "data.json")
	f.rt.On("Notify", types.NotifyFileOpened, types.FileEvent{WindowID: "win_1", Path: path, LanguageID: "json"}).Return(nil).Once()
	f.rt.On("Notify", types.NotifyFileSaved, mock.Anything).Return(nil).Once()
	f.rt.On("Notify", types.NotifyWatcherEvent, mock.MatchedBy(func(p types.WatcherEventParams) bool {
		return p.ExtensionID == "acme.demo" && p.Path == path && p.Kind == "changed"
	})).Return(nil).Once()
	f.rt.On("Notify", types.NotifyStartupFinished, types.WindowParams{WindowID: "win_1"}).Return(nil).Once()

	require.NoError(t, f.host.HandleUIEvent("win_1", UIEvent{Type: UIFileOpened, Path: path}))
	require.NoError(t, f.host.HandleUIEvent("win_1", UIEvent{Type: UIFileSaved, Path: path}))
	require.NoError(t, f.host.HandleUIEvent("win_1", UIEvent{Type: UIStartupFinished}))

	info, err := f.host.Window("win_1")
	require.NoError(t, err)
	assert.Equal(t, path, info.ActiveEditor)

	assert.ErrorIs(t, f.host.HandleUIEvent("win_1", UIEvent{Type: UIFileOpened, Path: "relative.json"}), errs.ErrInvalidParams)
	assert.ErrorIs(t, f.host.HandleUIEvent("win_1", UIEvent{Type: "bogus", Path: path}), errs.ErrInvalidParams)
	assert.ErrorIs(t, f.host.HandleUIEvent("win_9", UIEvent{Type: UIStartupFinished}), errs.ErrNotFound)
	f.rt.AssertExpectations(t)
}

func TestDisableReleasesExtensionResources(t *testing.T) {
	f := newFixture(t, Options{})
	f.attach(t, "win_1")
	f.rt.On("Request", types.MethodExtensionsSync, mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, f.host.SyncExtensions(context.Background()))

	_, err := f.rt.call(t, types.MethodCommandsRegister, types.CommandParams{Caller: caller("win_1"), Command: "demo.hello"})
	require.NoError(t, err)
	_, ok := f.host.commands.Lookup("win_1", "demo.hello")
	require.True(t, ok)

	ext, err := f.host.SetExtensionEnabled(context.Background(), "acme.demo", false)
	require.NoError(t, err)
	assert.False(t, ext.Enabled)

	_, ok = f.host.commands.Lookup("win_1", "demo.hello")
	assert.False(t, ok)
	f.rt.AssertCalled(t, "Request", types.MethodExtensionsSync, types.SyncParams{Extensions: []types.Extension{}}, nil)
}

func TestRuntimeEventsReachTheHub(t *testing.T) {
	f := newFixture(t, Options{})
	events, cancel := f.host.Hub().Subscribe(8)
	defer cancel()

	f.rt.emit(t, types.EventActivation, types.Activation{WindowID: "win_1", ExtensionID: "acme.demo", State: types.StateFailed, LastError: "boom"})
	f.rt.emit(t, types.EventExtensionError, types.ExtensionErrorEvent{ExtensionID: "acme.demo", Message: "oops"})

	ev := <-events
	assert.Equal(t, EventActivation, ev.Type)
	act, ok := ev.Data.(types.Activation)
	require.True(t, ok)
	assert.Equal(t, types.StateFailed, act.State)

	ev = <-events
	assert.Equal(t, EventExtensionError, ev.Type)
}

func TestRuntimeExitReleasesWindowResources(t *testing.T) {
	f := newFixture(t, Options{})
	f.attach(t, "win_1")
	_, err := f.rt.call(t, types.MethodWebviewCreate, types.WebviewCreateParams{Caller: caller("win_1"), ViewType: "demo", Title: "Demo"})
	require.NoError(t, err)

	f.rt.setStatus(supervisor.StatusExited, errs.New(errs.CodeProcessExited, "runtime exited with code 1"))

	assert.Empty(t, f.host.Panels("win_1"))
	assert.Len(t, f.host.Windows(), 1, "windows survive so a restart can re-attach them")
}
