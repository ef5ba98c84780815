package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/exthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/exthost/internal/shared/errs"
	"github.com/GriffinCanCode/exthost/internal/shared/id"
)

// DefaultTimeout applies to requests issued with a zero timeout.
const DefaultTimeout = 10 * time.Second

// Observer receives request metrics. Implementations must be cheap.
type Observer interface {
	ObserveRequest(peer, method, outcome string, d time.Duration)
	ObservePending(peer string, n int)
}

// Config configures a Peer.
type Config struct {
	Name            string
	Logger          *logging.Logger
	Handler         Handler
	OnMessage       func(msg *Message)
	Timeout         time.Duration
	MaxMessageBytes int
	Observer        Observer
}

type pendingCall struct {
	method string
	ch     chan *Message
}

// Peer is one end of an IPC channel.
type Peer struct {
	name     string
	logger   *logging.Logger
	enc      *Encoder
	dec      *Decoder
	timeout  time.Duration
	observer Observer

	mu        sync.Mutex
	pending   map[string]*pendingCall
	handler   Handler
	onMessage func(msg *Message)
	closed    bool
	closeErr  error
	done      chan struct{}
	inflight  sync.WaitGroup
}

// NewPeer creates a peer reading from r and writing to w. Serve must be
// called to process inbound traffic.
func NewPeer(r io.Reader, w io.Writer, cfg Config) *Peer {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "peer"
	}
	return &Peer{
		name:      cfg.Name,
		logger:    cfg.Logger.Named("ipc").With(zap.String("peer", cfg.Name)),
		enc:       NewEncoder(w, cfg.MaxMessageBytes),
		dec:       NewDecoder(r, cfg.MaxMessageBytes),
		timeout:   cfg.Timeout,
		observer:  cfg.Observer,
		pending:   make(map[string]*pendingCall),
		handler:   cfg.Handler,
		onMessage: cfg.OnMessage,
		done:      make(chan struct{}),
	}
}

// SetHandler replaces the inbound request handler.
func (p *Peer) SetHandler(h Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// SetOnMessage replaces the notification/event callback. The callback runs
// on the read loop and must not block.
func (p *Peer) SetOnMessage(fn func(msg *Message)) {
	p.mu.Lock()
	p.onMessage = fn
	p.mu.Unlock()
}

// Request sends a request and waits for its reply. A zero timeout uses the
// peer default. The raw result is returned on success.
func (p *Peer) Request(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = p.timeout
	}
	raw, err := marshalPayload(params)
	if err != nil {
		return nil, err
	}

	reqID := string(id.NewCorrelationID())
	call := &pendingCall{method: method, ch: make(chan *Message, 1)}

	p.mu.Lock()
	if p.closed {
		err := p.closeErr
		p.mu.Unlock()
		return nil, err
	}
	p.pending[reqID] = call
	n := len(p.pending)
	p.mu.Unlock()
	p.observePending(n)

	start := time.Now()
	if err := p.enc.Encode(&Message{Type: KindRequest, ID: reqID, Method: method, Params: raw}); err != nil {
		p.evict(reqID)
		p.observe(method, "send_error", start)
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-call.ch:
		if res.Succeeded() {
			p.observe(method, "ok", start)
			return res.Result, nil
		}
		err := res.Err()
		p.observe(method, string(errs.CodeOf(err)), start)
		return nil, err
	case <-timer.C:
		p.evict(reqID)
		p.observe(method, string(errs.CodeRequestTimeout), start)
		return nil, errs.New(errs.CodeRequestTimeout, "%s timed out after %s", method, timeout)
	case <-ctx.Done():
		p.evict(reqID)
		p.observe(method, "canceled", start)
		return nil, ctx.Err()
	}
}

// Call is Request with the result decoded into out. out may be nil.
func (p *Peer) Call(ctx context.Context, method string, params, out interface{}) error {
	raw, err := p.Request(ctx, method, params, 0)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(raw, out); err != nil {
		return errs.Wrap(errs.CodeProtocol, err, "invalid result for %s", method)
	}
	return nil
}

// Notify sends a fire-and-forget notification.
func (p *Peer) Notify(method string, params interface{}) error {
	return p.send(KindNotify, method, params)
}

// Emit sends an event.
func (p *Peer) Emit(event string, params interface{}) error {
	return p.send(KindEvent, event, params)
}

func (p *Peer) send(kind Kind, method string, params interface{}) error {
	if err := p.Err(); err != nil {
		return err
	}
	raw, err := marshalPayload(params)
	if err != nil {
		return err
	}
	return p.enc.Encode(&Message{Type: kind, Method: method, Params: raw})
}

// Pending returns the number of requests awaiting a reply.
func (p *Peer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Done is closed when the peer is closed.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Err returns the close reason, or nil while open.
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeErr
}

// Close rejects every pending request with reason and refuses new ones.
// Calling Close again is a no-op.
func (p *Peer) Close(reason error) {
	if reason == nil {
		reason = errs.New(errs.CodeProcessExited, "channel closed")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.closeErr = reason
	pending := p.pending
	p.pending = make(map[string]*pendingCall)
	close(p.done)
	p.mu.Unlock()

	for reqID, call := range pending {
		call.ch <- errorResponse(reqID, reason)
	}
	p.observePending(0)
	if len(pending) > 0 {
		p.logger.Debug("Rejected pending requests", zap.Int("count", len(pending)), zap.Error(reason))
	}
}

// Serve runs the read loop until the stream ends. It returns the terminal
// read error (io.EOF on a clean close) and does not close the peer; the
// owner decides the close reason.
func (p *Peer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		msg, err := p.dec.Decode()
		if err != nil {
			if !IsTerminal(err) {
				p.logger.Warn("Dropping malformed message", zap.Error(err))
				continue
			}
			return err
		}
		p.dispatch(ctx, msg)
	}
}

// Wait blocks until inbound request handlers started by Serve return.
func (p *Peer) Wait() {
	p.inflight.Wait()
}

func (p *Peer) dispatch(ctx context.Context, msg *Message) {
	switch msg.Type {
	case KindResponse:
		p.mu.Lock()
		call, ok := p.pending[msg.ID]
		if ok {
			delete(p.pending, msg.ID)
		}
		n := len(p.pending)
		p.mu.Unlock()
		if !ok {
			p.logger.Debug("Dropping reply for unknown request", zap.String("id", msg.ID))
			return
		}
		p.observePending(n)
		call.ch <- msg

	case KindRequest:
		p.mu.Lock()
		h := p.handler
		p.mu.Unlock()
		p.inflight.Add(1)
		go func() {
			defer p.inflight.Done()
			p.serveRequest(ctx, h, msg)
		}()

	case KindNotify, KindEvent:
		p.mu.Lock()
		fn := p.onMessage
		p.mu.Unlock()
		if fn == nil {
			p.logger.Debug("Dropping message without listener", zap.String("method", msg.Method))
			return
		}
		fn(msg)
	}
}

func (p *Peer) serveRequest(ctx context.Context, h Handler, msg *Message) {
	reply := p.handle(ctx, h, msg)
	if err := p.enc.Encode(reply); err != nil {
		p.logger.Warn("Failed to send reply", zap.String("method", msg.Method), zap.Error(err))
	}
}

func (p *Peer) handle(ctx context.Context, h Handler, msg *Message) (reply *Message) {
	if h == nil {
		return errorResponse(msg.ID, errs.New(errs.CodeNoHandler, "no handler registered for %s", msg.Method))
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Handler panicked", zap.String("method", msg.Method), zap.Any("panic", r))
			reply = errorResponse(msg.ID, errs.New(errs.CodeInternal, "handler for %s panicked", msg.Method))
		}
	}()

	result, err := h.ServeRPC(ctx, msg.Method, msg.Params)
	if err != nil {
		return errorResponse(msg.ID, err)
	}
	raw, err := marshalPayload(result)
	if err != nil {
		return errorResponse(msg.ID, err)
	}
	return okResponse(msg.ID, raw)
}

func (p *Peer) evict(reqID string) {
	p.mu.Lock()
	delete(p.pending, reqID)
	n := len(p.pending)
	p.mu.Unlock()
	p.observePending(n)
}

func (p *Peer) observe(method, outcome string, start time.Time) {
	if p.observer != nil {
		p.observer.ObserveRequest(p.name, method, outcome, time.Since(start))
	}
}

func (p *Peer) observePending(n int) {
	if p.observer != nil {
		p.observer.ObservePending(p.name, n)
	}
}
