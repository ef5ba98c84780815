package ipc

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/exthost/internal/shared/errs"
)

type echoParams struct {
	Text  string `json:"text"`
	Delay int    `json:"delay"`
}

// pair connects two peers with in-memory pipes and starts both read loops.
func pair(t *testing.T, hostCfg, childCfg Config) (*Peer, *Peer) {
	t.Helper()
	hostR, childW := io.Pipe()
	childR, hostW := io.Pipe()

	hostCfg.Name = "host"
	childCfg.Name = "child"
	host := NewPeer(hostR, hostW, hostCfg)
	child := NewPeer(childR, childW, childCfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = host.Serve(ctx) }()
	go func() { _ = child.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		hostW.Close()
		childW.Close()
		host.Close(nil)
		child.Close(nil)
	})
	return host, child
}

func echoMux() *Mux {
	mux := NewMux()
	mux.Handle("echo", Typed(func(ctx context.Context, p echoParams) (interface{}, error) {
		if p.Delay > 0 {
			time.Sleep(time.Duration(p.Delay) * time.Millisecond)
		}
		return map[string]string{"text": p.Text}, nil
	}))
	mux.Handle("fail", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		return nil, errs.New(errs.CodePathNotApproved, "outside roots")
	})
	mux.Handle("hang", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		select {}
	})
	mux.Handle("panic", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		panic("boom")
	})
	return mux
}

func TestRequestResponse(t *testing.T) {
	host, _ := pair(t, Config{}, Config{Handler: echoMux()})

	var out map[string]string
	err := host.Call(context.Background(), "echo", echoParams{Text: "hi"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "hi", out["text"])
	assert.Zero(t, host.Pending())
}

func TestErrorCodeSurvivesTheWire(t *testing.T) {
	host, _ := pair(t, Config{}, Config{Handler: echoMux()})

	_, err := host.Request(context.Background(), "fail", nil, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrPathNotApproved)
	assert.Contains(t, err.Error(), "outside roots")
}

func TestNoHandlerRepliesExplicitly(t *testing.T) {
	host, _ := pair(t, Config{}, Config{})

	_, err := host.Request(context.Background(), "anything", nil, time.Second)
	assert.ErrorIs(t, err, errs.ErrNoHandler)
}

func TestUnknownMethod(t *testing.T) {
	host, _ := pair(t, Config{}, Config{Handler: echoMux()})

	_, err := host.Request(context.Background(), "nope", nil, time.Second)
	assert.ErrorIs(t, err, errs.ErrMethodNotFound)
}

func TestInvalidParams(t *testing.T) {
	host, _ := pair(t, Config{}, Config{Handler: echoMux()})

	_, err := host.Request(context.Background(), "echo", json.RawMessage(`{"text":5}`), time.Second)
	assert.ErrorIs(t, err, errs.ErrInvalidParams)
}

func TestHandlerPanicIsContained(t *testing.T) {
	host, _ := pair(t, Config{}, Config{Handler: echoMux()})

	_, err := host.Request(context.Background(), "panic", nil, time.Second)
	assert.Equal(t, errs.CodeInternal, errs.CodeOf(err))

	var out map[string]string
	require.NoError(t, host.Call(context.Background(), "echo", echoParams{Text: "still alive"}, &out))
}

func TestOutOfOrderCompletion(t *testing.T) {
	host, _ := pair(t, Config{}, Config{Handler: echoMux()})

	var wg sync.WaitGroup
	results := make([]string, 3)
	delays := []int{60, 0, 30}
	for i, d := range delays {
		wg.Add(1)
		go func(i, d int) {
			defer wg.Done()
			var out map[string]string
			err := host.Call(context.Background(), "echo", echoParams{Text: strings.Repeat("x", i+1), Delay: d}, &out)
			assert.NoError(t, err)
			results[i] = out["text"]
		}(i, d)
	}
	wg.Wait()
	assert.Equal(t, []string{"x", "xx", "xxx"}, results)
}

func TestTimeoutEvictsAndDropsLateReply(t *testing.T) {
	host, _ := pair(t, Config{}, Config{Handler: echoMux()})

	_, err := host.Request(context.Background(), "echo", echoParams{Text: "late", Delay: 100}, 20*time.Millisecond)
	assert.ErrorIs(t, err, errs.ErrRequestTimeout)
	assert.Zero(t, host.Pending())

	// The late reply arrives and is dropped; the peer keeps working.
	time.Sleep(150 * time.Millisecond)
	var out map[string]string
	require.NoError(t, host.Call(context.Background(), "echo", echoParams{Text: "next"}, &out))
	assert.Equal(t, "next", out["text"])
}

func TestCloseRejectsPendingImmediately(t *testing.T) {
	host, _ := pair(t, Config{}, Config{Handler: echoMux()})

	const n = 5
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := host.Request(context.Background(), "hang", nil, time.Minute)
			errCh <- err
		}()
	}
	require.Eventually(t, func() bool { return host.Pending() == n }, time.Second, 5*time.Millisecond)

	host.Close(errs.New(errs.CodeProcessExited, "runtime exited with code 137"))

	for i := 0; i < n; i++ {
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, errs.ErrProcessExited)
		case <-time.After(time.Second):
			t.Fatal("pending request was not rejected")
		}
	}

	_, err := host.Request(context.Background(), "echo", nil, time.Second)
	assert.ErrorIs(t, err, errs.ErrProcessExited)
	assert.ErrorIs(t, host.Notify("x", nil), errs.ErrProcessExited)
}

func TestNotifyAndEventDelivery(t *testing.T) {
	got := make(chan *Message, 2)
	host, child := pair(t, Config{OnMessage: func(m *Message) { got <- m }}, Config{})

	require.NoError(t, child.Emit("activation", map[string]string{"state": "activated"}))
	require.NoError(t, child.Notify("log", map[string]string{"message": "hello"}))

	first := <-got
	assert.Equal(t, KindEvent, first.Type)
	assert.Equal(t, "activation", first.Method)
	assert.JSONEq(t, `{"state":"activated"}`, string(first.Params))

	second := <-got
	assert.Equal(t, KindNotify, second.Type)
	assert.Equal(t, "log", second.Method)
	_ = host
}

func TestDecoderSkipsMalformedLines(t *testing.T) {
	in := strings.NewReader("not json\n\n{\"type\":\"notify\",\"method\":\"ping\"}\n{\"type\":\"weird\"}\n")
	dec := NewDecoder(in, 0)

	_, err := dec.Decode()
	assert.ErrorIs(t, err, errs.ErrProtocol)
	assert.False(t, IsTerminal(err))

	msg, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "ping", msg.Method)

	_, err = dec.Decode()
	assert.ErrorIs(t, err, errs.ErrProtocol)

	_, err = dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, IsTerminal(err))
}

func TestDecoderRejectsOversizedLine(t *testing.T) {
	line := `{"type":"notify","method":"x","params":"` + strings.Repeat("a", 200) + `"}` + "\n"
	dec := NewDecoder(strings.NewReader(line), 64)

	_, err := dec.Decode()
	assert.ErrorIs(t, err, errs.ErrMessageTooLarge)
	assert.True(t, IsTerminal(err))
}

func TestEncoderRejectsOversizedMessage(t *testing.T) {
	enc := NewEncoder(io.Discard, 32)
	err := enc.Encode(&Message{Type: KindNotify, Method: "x", Params: json.RawMessage(`"` + strings.Repeat("a", 64) + `"`)})
	assert.ErrorIs(t, err, errs.ErrMessageTooLarge)
}

func TestMuxMethods(t *testing.T) {
	assert.Equal(t, []string{"echo", "fail", "hang", "panic"}, echoMux().Methods())
}
