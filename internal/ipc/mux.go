package ipc

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/exthost/internal/shared/errs"
)

// Handler serves inbound requests.
type Handler interface {
	ServeRPC(ctx context.Context, method string, params json.RawMessage) (interface{}, error)
}

// HandlerFunc handles one method.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Mux dispatches requests by method name.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewMux creates an empty method table.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]HandlerFunc)}
}

// Handle registers fn for method, replacing any previous handler.
func (m *Mux) Handle(method string, fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = fn
}

// Methods returns the registered method names, sorted.
func (m *Mux) Methods() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ServeRPC implements Handler.
func (m *Mux) ServeRPC(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	m.mu.RLock()
	fn, ok := m.handlers[method]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.CodeMethodNotFound, "no handler for %s", method)
	}
	return fn(ctx, params)
}

// Typed adapts a function taking decoded params into a HandlerFunc.
// Params that fail to decode are rejected with ERR_INVALID_PARAMS.
func Typed[P any](fn func(ctx context.Context, params P) (interface{}, error)) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var params P
		if len(raw) > 0 && string(raw) != "null" {
			if err := sonic.Unmarshal(raw, &params); err != nil {
				return nil, errs.Wrap(errs.CodeInvalidParams, err, "invalid params")
			}
		}
		return fn(ctx, params)
	}
}

// Decode unmarshals params into out, mapping failures to ERR_INVALID_PARAMS.
func Decode(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(raw, out); err != nil {
		return errs.Wrap(errs.CodeInvalidParams, err, "invalid params")
	}
	return nil
}
