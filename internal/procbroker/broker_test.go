package procbroker

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/exthost/internal/framing"
	"github.com/GriffinCanCode/exthost/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/exthost/internal/shared/errs"
	"github.com/GriffinCanCode/exthost/internal/shared/types"
)

const helperArg = "procbroker-helper"

func TestMain(m *testing.M) {
	if len(os.Args) > 2 && os.Args[1] == helperArg {
		os.Exit(runHelper(os.Args[2], os.Args[3:]))
	}
	os.Exit(m.Run())
}

// runHelper is a tiny protocol server used as the child process.
func runHelper(mode string, args []string) int {
	switch mode {
	case "echo":
		r := framing.NewReader(os.Stdin, 1<<20)
		for {
			frame, err := r.Next()
			if err != nil {
				return 0
			}
			if frame.Err == nil {
				_ = framing.Write(os.Stdout, frame.Body)
			}
		}
	case "noisy":
		os.Stdout.Write(framing.Encode([]byte("{nope")))
		os.Stdout.Write(framing.Encode([]byte(`{"ok":true}`)))
		_, _ = io.Copy(io.Discard, os.Stdin)
		return 0
	case "exit":
		code, _ := strconv.Atoi(args[0])
		return code
	case "stubborn":
		time.Sleep(time.Hour)
		return 0
	}
	return 2
}

type harness struct {
	broker  *Broker
	exe     string
	install string
	events  chan Event
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	exe, err = filepath.EvalSymlinks(exe)
	require.NoError(t, err)

	b := New(opts)
	h := &harness{broker: b, exe: exe, install: filepath.Dir(exe), events: make(chan Event, 64)}
	b.OnEvent(func(ev Event) { h.events <- ev })
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return h
}

func (h *harness) request(extID, mode string, args ...string) SpawnRequest {
	return SpawnRequest{
		Protocol:    types.ProtocolLSP,
		WindowID:    "win_1",
		ExtensionID: extID,
		InstallPath: h.install,
		Command:     h.exe,
		Args:        append([]string{helperArg, mode}, args...),
	}
}

func (h *harness) next(t *testing.T, kind string) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

type staticRoots map[string][]string

func (r staticRoots) Roots(windowID string) []string { return r[windowID] }

func TestSpawnValidation(t *testing.T) {
	h := newHarness(t, Options{})
	outside := t.TempDir()

	tests := []struct {
		name   string
		mutate func(*SpawnRequest)
		want   error
	}{
		{"unknown protocol", func(r *SpawnRequest) { r.Protocol = "grpc" }, errs.ErrInvalidParams},
		{"shell script", func(r *SpawnRequest) { r.Command = filepath.Join(outside, "server.sh") }, errs.ErrShellNotAllowed},
		{"batch file", func(r *SpawnRequest) { r.Command = "start.CMD" }, errs.ErrShellNotAllowed},
		{"command outside install dir", func(r *SpawnRequest) { r.InstallPath = outside }, errs.ErrPathNotApproved},
		{"relative escape", func(r *SpawnRequest) { r.Command = "../../bin/sh" }, errs.ErrPathNotApproved},
		{"cwd outside", func(r *SpawnRequest) { r.Cwd = outside }, errs.ErrPathNotApproved},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := h.request("a.b", "echo")
			tt.mutate(&req)
			_, err := h.broker.Spawn(req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Zero(t, h.broker.Count())
}

func TestSpawnRejectsLinkToShellScript(t *testing.T) {
	h := newHarness(t, Options{})
	install := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(install, "run.sh"), []byte("#!/bin/sh\necho hi\n"), 0o755))
	require.NoError(t, os.Symlink("run.sh", filepath.Join(install, "server")))

	req := h.request("a.b", "echo")
	req.InstallPath = install
	req.Command = "server"
	_, err := h.broker.Spawn(req)
	assert.ErrorIs(t, err, errs.ErrShellNotAllowed)
	assert.Zero(t, h.broker.Count())
}

func TestWorkspaceRootApprovesCommand(t *testing.T) {
	h := newHarness(t, Options{})
	h.broker.roots = staticRoots{"win_1": {h.install}}

	req := h.request("a.b", "echo")
	req.InstallPath = t.TempDir()
	req.Cwd = h.install
	info, err := h.broker.Spawn(req)
	require.NoError(t, err)
	require.NoError(t, h.broker.Stop(info.SessionID))
}

func TestMessageRoundTripAndDocumentVersions(t *testing.T) {
	h := newHarness(t, Options{})

	info, err := h.broker.Spawn(h.request("a.b", "echo"))
	require.NoError(t, err)
	assert.NotZero(t, info.PID)
	assert.Equal(t, h.install, info.Cwd)

	open := `{"jsonrpc":"2.0","method":"textDocument/didOpen","params":{"textDocument":{"uri":"file:///w/main.go","languageId":"go","version":1,"text":""}}}`
	require.NoError(t, h.broker.Send(info.SessionID, json.RawMessage(open)))

	ev := h.next(t, EventMessage)
	assert.Equal(t, info.SessionID, ev.SessionID)
	assert.JSONEq(t, open, string(ev.Payload))

	change := `{"jsonrpc":"2.0","method":"textDocument/didChange","params":{"textDocument":{"uri":"file:///w/main.go","version":2},"contentChanges":[]}}`
	require.NoError(t, h.broker.Send(info.SessionID, json.RawMessage(change)))
	h.next(t, EventMessage)

	got, err := h.broker.Get(info.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.DocumentVersions[filepath.FromSlash("/w/main.go")])

	closeDoc := `{"jsonrpc":"2.0","method":"textDocument/didClose","params":{"textDocument":{"uri":"file:///w/main.go"}}}`
	require.NoError(t, h.broker.Send(info.SessionID, json.RawMessage(closeDoc)))
	got, _ = h.broker.Get(info.SessionID)
	assert.Empty(t, got.DocumentVersions)

	assert.ErrorIs(t, h.broker.Send(info.SessionID, json.RawMessage(`{broken`)), errs.ErrInvalidParams)

	require.NoError(t, h.broker.Stop(info.SessionID))
	exit := h.next(t, EventExit)
	assert.Equal(t, 0, exit.ExitCode)

	_, err = h.broker.Get(info.SessionID)
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)
	assert.ErrorIs(t, h.broker.Send(info.SessionID, json.RawMessage(`{}`)), errs.ErrSessionNotFound)
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	h := newHarness(t, Options{Limits: Limits{MaxMessageBytes: 16}})

	info, err := h.broker.Spawn(h.request("a.b", "echo"))
	require.NoError(t, err)

	err = h.broker.Send(info.SessionID, json.RawMessage(`{"method":"a-long-method-name"}`))
	assert.ErrorIs(t, err, errs.ErrMessageTooLarge)
}

func TestMalformedFrameDoesNotEndSession(t *testing.T) {
	h := newHarness(t, Options{})

	info, err := h.broker.Spawn(h.request("a.b", "noisy"))
	require.NoError(t, err)

	bad := h.next(t, EventError)
	assert.ErrorIs(t, bad.Err, errs.ErrProtocol)

	good := h.next(t, EventMessage)
	assert.JSONEq(t, `{"ok":true}`, string(good.Payload))

	_, err = h.broker.Get(info.SessionID)
	assert.NoError(t, err)
}

func TestChildExitReportsCode(t *testing.T) {
	h := newHarness(t, Options{})

	info, err := h.broker.Spawn(h.request("a.b", "exit", "3"))
	require.NoError(t, err)

	ev := h.next(t, EventExit)
	assert.Equal(t, info.SessionID, ev.SessionID)
	assert.Equal(t, 3, ev.ExitCode)
	assert.Empty(t, ev.Signal)
	assert.Zero(t, h.broker.Count())
}

func TestQuotas(t *testing.T) {
	h := newHarness(t, Options{Limits: Limits{MaxSessions: 3, PerWindow: 2, PerExtension: 1}})

	_, err := h.broker.Spawn(h.request("a.b", "echo"))
	require.NoError(t, err)

	_, err = h.broker.Spawn(h.request("a.b", "echo"))
	assert.ErrorIs(t, err, errs.ErrLimitExceeded, "per extension")

	_, err = h.broker.Spawn(h.request("c.d", "echo"))
	require.NoError(t, err)

	_, err = h.broker.Spawn(h.request("e.f", "echo"))
	assert.ErrorIs(t, err, errs.ErrLimitExceeded, "per window")

	other := h.request("e.f", "echo")
	other.WindowID = "win_2"
	_, err = h.broker.Spawn(other)
	require.NoError(t, err)

	other.ExtensionID = "g.h"
	_, err = h.broker.Spawn(other)
	assert.ErrorIs(t, err, errs.ErrLimitExceeded, "global")

	assert.Equal(t, 3, h.broker.Count())
	assert.Len(t, h.broker.List("win_1"), 2)
	assert.Len(t, h.broker.List(""), 3)
}

func TestCrashLoopThrottlesSpawn(t *testing.T) {
	guard := resilience.NewGuard(resilience.GuardSettings{
		Threshold: 2,
		Window:    time.Minute,
		Cooldown:  time.Minute,
		QuickExit: time.Minute,
	})
	h := newHarness(t, Options{Guard: guard})

	for i := 0; i < 2; i++ {
		_, err := h.broker.Spawn(h.request("a.b", "exit", "1"))
		require.NoError(t, err)
		h.next(t, EventExit)
	}

	_, err := h.broker.Spawn(h.request("a.b", "exit", "1"))
	assert.ErrorIs(t, err, errs.ErrSpawnThrottled)
	assert.Equal(t, resilience.StateOpen, guard.State(h.exe))
}

func TestStopKillsAfterGrace(t *testing.T) {
	h := newHarness(t, Options{Limits: Limits{StopGrace: 100 * time.Millisecond}})

	info, err := h.broker.Spawn(h.request("a.b", "stubborn"))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, h.broker.Stop(info.SessionID))
	assert.Less(t, time.Since(start), 5*time.Second)

	ev := h.next(t, EventExit)
	if runtime.GOOS != "windows" {
		assert.Equal(t, "killed", ev.Signal)
	}
	assert.ErrorIs(t, h.broker.Stop(info.SessionID), errs.ErrSessionNotFound)
}

func TestStopWindowAndExtension(t *testing.T) {
	h := newHarness(t, Options{})

	for _, ext := range []string{"a.b", "c.d"} {
		_, err := h.broker.Spawn(h.request(ext, "echo"))
		require.NoError(t, err)
	}
	req := h.request("a.b", "echo")
	req.WindowID = "win_2"
	_, err := h.broker.Spawn(req)
	require.NoError(t, err)

	assert.Equal(t, 1, h.broker.StopExtension("win_1", "a.b"))
	assert.Equal(t, 1, h.broker.StopWindow("win_1"))
	assert.Equal(t, 1, h.broker.Count())
	assert.Equal(t, 1, h.broker.StopExtension("", "a.b"))
	assert.Zero(t, h.broker.Count())
}

func TestOwnedHidesOtherExtensionsSessions(t *testing.T) {
	h := newHarness(t, Options{})

	info, err := h.broker.Spawn(h.request("a.b", "echo"))
	require.NoError(t, err)

	_, err = h.broker.Owned("win_1", "a.b", info.SessionID)
	assert.NoError(t, err)
	_, err = h.broker.Owned("win_1", "c.d", info.SessionID)
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)
}

func TestStats(t *testing.T) {
	h := newHarness(t, Options{})

	info, err := h.broker.Spawn(h.request("a.b", "echo"))
	require.NoError(t, err)

	stats, err := h.broker.Stats(info.SessionID)
	require.NoError(t, err)
	assert.Equal(t, info.PID, stats.PID)
	assert.NotZero(t, stats.RSSBytes)
}

func TestDocumentKey(t *testing.T) {
	assert.Equal(t, filepath.FromSlash("/w/a b.go"), DocumentKey("file:///w/a%20b.go"))
	assert.Equal(t, "untitled:1", DocumentKey("untitled:1"))
	assert.Equal(t, "file:///w/a%20b.go", FileURI("/w/a b.go"))
}
