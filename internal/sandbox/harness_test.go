package sandbox

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/exthost/internal/ipc"
	"github.com/GriffinCanCode/exthost/internal/shared/types"
)

const testWindow = "win-1"

type recorded struct {
	method string
	params json.RawMessage
}

// harness plays the supervisor: a peer with a method table on the far
// side of a pipe pair, recording every request and event it sees.
type harness struct {
	t    *testing.T
	rt   *Runtime
	host *ipc.Peer
	mux  *ipc.Mux
	done chan error

	mu       sync.Mutex
	calls    []recorded
	events   []recorded
	contains map[string]bool
	storage  map[string]json.RawMessage
	config   map[string]interface{}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	hostR, rtW := io.Pipe()
	rtR, hostW := io.Pipe()

	h := &harness{
		t:        t,
		mux:      ipc.NewMux(),
		done:     make(chan error, 1),
		contains: make(map[string]bool),
		storage:  make(map[string]json.RawMessage),
		config:   make(map[string]interface{}),
	}
	h.installDefaults()
	h.host = ipc.NewPeer(hostR, hostW, ipc.Config{
		Name:    "host",
		Handler: h.mux,
		OnMessage: func(msg *ipc.Message) {
			h.mu.Lock()
			h.events = append(h.events, recorded{msg.Method, msg.Params})
			h.mu.Unlock()
		},
	})
	h.rt = New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.done <- h.rt.Serve(ctx, rtR, rtW) }()
	go func() { _ = h.host.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("runtime did not stop")
		}
		hostW.Close()
		rtW.Close()
		h.host.Close(nil)
	})
	return h
}

func (h *harness) record(method string, raw json.RawMessage) {
	h.mu.Lock()
	h.calls = append(h.calls, recorded{method, raw})
	h.mu.Unlock()
}

// handle records the request and answers with fn.
func (h *harness) handle(method string, fn func(raw json.RawMessage) (interface{}, error)) {
	h.mux.Handle(method, func(_ context.Context, raw json.RawMessage) (interface{}, error) {
		h.record(method, raw)
		return fn(raw)
	})
}

func (h *harness) installDefaults() {
	none := func(json.RawMessage) (interface{}, error) { return nil, nil }
	for _, m := range []string{
		types.MethodCommandsRegister,
		types.MethodCommandsUnregister,
		types.MethodWindowShowMessage,
		types.MethodWebviewUpdate,
		types.MethodWebviewDispose,
		types.MethodWebviewPostMessage,
		types.MethodSessionSend,
		types.MethodSessionStop,
		types.MethodWorkspaceUnwatch,
	} {
		h.handle(m, none)
	}
	h.handle(types.MethodCommandsList, func(json.RawMessage) (interface{}, error) {
		return []string{"host.reload", "_internal.thing"}, nil
	})
	h.handle(types.MethodWorkspaceContains, func(raw json.RawMessage) (interface{}, error) {
		var p types.ContainsParams
		_ = json.Unmarshal(raw, &p)
		h.mu.Lock()
		defer h.mu.Unlock()
		return types.ContainsResult{Found: h.contains[p.Pattern]}, nil
	})
	h.handle(types.MethodWorkspaceConfiguration, func(json.RawMessage) (interface{}, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.config, nil
	})
	h.handle(types.MethodWorkspaceWatch, func(json.RawMessage) (interface{}, error) {
		return types.WatchResult{WatcherID: "watch-1"}, nil
	})
	h.handle(types.MethodStorageGet, func(raw json.RawMessage) (interface{}, error) {
		var p types.StorageParams
		_ = json.Unmarshal(raw, &p)
		h.mu.Lock()
		defer h.mu.Unlock()
		v, ok := h.storage[p.Scope+"/"+p.Key]
		return types.StorageValueResult{Value: v, Found: ok}, nil
	})
	h.handle(types.MethodStorageSet, func(raw json.RawMessage) (interface{}, error) {
		var p types.StorageParams
		_ = json.Unmarshal(raw, &p)
		h.mu.Lock()
		defer h.mu.Unlock()
		if len(p.Value) == 0 || string(p.Value) == "null" {
			delete(h.storage, p.Scope+"/"+p.Key)
		} else {
			h.storage[p.Scope+"/"+p.Key] = p.Value
		}
		return nil, nil
	})
	h.handle(types.MethodWebviewCreate, func(raw json.RawMessage) (interface{}, error) {
		var p types.WebviewCreateParams
		_ = json.Unmarshal(raw, &p)
		return types.Panel{PanelID: "panel-1", ViewType: p.ViewType, Title: p.Title, Visible: true, Active: true, Options: p.Options}, nil
	})
	h.handle(types.MethodSessionSpawn, func(raw json.RawMessage) (interface{}, error) {
		var p types.SessionSpawnParams
		_ = json.Unmarshal(raw, &p)
		return types.Session{SessionID: "session-1", Protocol: p.Protocol, PID: 42, Command: p.Command, Languages: p.Languages}, nil
	})
}

func (h *harness) callsOf(method string) []json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []json.RawMessage
	for _, c := range h.calls {
		if c.method == method {
			out = append(out, c.params)
		}
	}
	return out
}

func (h *harness) methods() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.calls))
	for _, c := range h.calls {
		out = append(out, c.method)
	}
	return out
}

func (h *harness) eventsOf(name string) []json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []json.RawMessage
	for _, e := range h.events {
		if e.method == name {
			out = append(out, e.params)
		}
	}
	return out
}

// messages returns the text of every window.showMessage call.
func (h *harness) messages() []string {
	var out []string
	for _, raw := range h.callsOf(types.MethodWindowShowMessage) {
		var p types.MessageParams
		_ = json.Unmarshal(raw, &p)
		out = append(out, p.Message)
	}
	return out
}

func (h *harness) request(method string, params, out interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.host.Call(ctx, method, params, out)
}

func (h *harness) sync(exts ...types.Extension) {
	h.t.Helper()
	require.NoError(h.t, h.request(types.MethodExtensionsSync, types.SyncParams{Extensions: exts}, nil))
}

func (h *harness) attach(windowID string, roots ...string) {
	h.t.Helper()
	require.NoError(h.t, h.request(types.MethodWindowAttach, types.WindowParams{WindowID: windowID, Roots: roots}, nil))
}

func (h *harness) activate(extID string) types.Activation {
	h.t.Helper()
	var act types.Activation
	err := h.request(types.MethodExtensionActivate, types.ActivateParams{WindowID: testWindow, ExtensionID: extID}, &act)
	require.NoError(h.t, err)
	return act
}

func (h *harness) invoke(extID, command string, args ...interface{}) (json.RawMessage, error) {
	var out json.RawMessage
	err := h.request(types.MethodCommandsInvoke, types.InvokeParams{
		WindowID:    testWindow,
		ExtensionID: extID,
		Command:     command,
		Args:        args,
	}, &out)
	return out, err
}

func (h *harness) notify(method string, params interface{}) {
	h.t.Helper()
	require.NoError(h.t, h.host.Notify(method, params))
}

func (h *harness) state(extID string) types.ActivationState {
	for _, a := range h.rt.States() {
		if a.WindowID == testWindow && a.ExtensionID == extID {
			return a.State
		}
	}
	return ""
}

// writeExtension lays out an extension directory. files maps relative
// paths to contents; main.js is the entry point.
func writeExtension(t *testing.T, id string, files map[string]string, events ...string) types.Extension {
	t.Helper()
	dir := filepath.Join(t.TempDir(), id)
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return types.Extension{
		ID:               id,
		Publisher:        "test",
		Name:             id,
		Version:          "1.0.0",
		Main:             "main.js",
		InstallPath:      dir,
		ActivationEvents: events,
		Enabled:          true,
	}
}

// setup syncs the extensions and attaches the test window.
func (h *harness) setup(exts ...types.Extension) {
	h.t.Helper()
	h.sync(exts...)
	h.attach(testWindow, h.t.TempDir())
}
