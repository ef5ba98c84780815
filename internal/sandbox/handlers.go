package sandbox

import (
	"context"
	"encoding/json"
	"sort"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/exthost/internal/ipc"
	"github.com/GriffinCanCode/exthost/internal/shared/errs"
	"github.com/GriffinCanCode/exthost/internal/shared/types"
)

// eventExplicit labels activations requested without a named event.
const eventExplicit = "api"

func (r *Runtime) mux() *ipc.Mux {
	m := ipc.NewMux()
	m.Handle(types.MethodPing, func(context.Context, json.RawMessage) (interface{}, error) {
		return map[string]string{"status": "ok", "session": r.sessionID}, nil
	})
	m.Handle(types.MethodShutdown, func(context.Context, json.RawMessage) (interface{}, error) {
		r.logger.Info("Shutdown requested")
		r.deactivateAll()
		r.stop()
		return map[string]string{"status": "ok"}, nil
	})
	m.Handle(types.MethodExtensionsSync, ipc.Typed(r.handleSync))
	m.Handle(types.MethodWindowAttach, ipc.Typed(r.handleAttach))
	m.Handle(types.MethodWindowDetach, ipc.Typed(r.handleDetach))
	m.Handle(types.MethodExtensionActivate, ipc.Typed(r.handleActivate))
	m.Handle(types.MethodExtensionDeactivate, ipc.Typed(r.handleDeactivate))
	m.Handle(types.MethodCommandsInvoke, ipc.Typed(r.handleInvoke))
	m.Handle(types.MethodRuntimeStates, func(context.Context, json.RawMessage) (interface{}, error) {
		return r.States(), nil
	})
	return m
}

// extensionChanged reports whether a synced record requires a fresh
// context.
func extensionChanged(old, next types.Extension) bool {
	return old.Version != next.Version ||
		old.ManifestHash != next.ManifestHash ||
		old.InstallPath != next.InstallPath ||
		old.Main != next.Main
}

func (r *Runtime) handleSync(_ context.Context, p types.SyncParams) (interface{}, error) {
	next := make(map[string]types.Extension, len(p.Extensions))
	for _, ext := range p.Extensions {
		if ext.ID == "" {
			return nil, errs.New(errs.CodeInvalidParams, "extension without an id")
		}
		next[ext.ID] = ext
	}

	r.mu.Lock()
	stale := make(map[string]bool)
	for extID, old := range r.extensions {
		n, ok := next[extID]
		if !ok || !n.Enabled || extensionChanged(old, n) {
			stale[extID] = true
		}
	}
	r.extensions = next
	windows := sortedKeys(r.windows)
	r.mu.Unlock()

	if len(stale) > 0 {
		n := r.teardown(func(k ctxKey) bool { return stale[k.extension] })
		r.logger.Info("Dropped contexts of changed extensions", zap.Int("extensions", len(stale)), zap.Int("contexts", n))
	}
	for _, win := range windows {
		win := win
		r.enqueue(win, "sync", func() { r.runTriggers(context.Background(), win) })
	}
	r.logger.Info("Extensions synced", zap.Int("count", len(next)))
	return map[string]int{"extensions": len(next)}, nil
}

func (r *Runtime) handleAttach(_ context.Context, p types.WindowParams) (interface{}, error) {
	if p.WindowID == "" {
		return nil, errs.New(errs.CodeInvalidParams, "windowId is required")
	}
	roots := append([]string(nil), p.Roots...)
	r.mu.Lock()
	if w, ok := r.windows[p.WindowID]; ok {
		w.roots = roots
	} else {
		r.windows[p.WindowID] = r.newWindow(p.WindowID, roots)
	}
	r.mu.Unlock()
	r.clearContainsCache(p.WindowID)

	r.logger.Info("Window attached", zap.String("window_id", p.WindowID), zap.Int("roots", len(roots)))
	r.enqueue(p.WindowID, "attach", func() { r.runTriggers(context.Background(), p.WindowID) })
	return map[string]string{"status": "ok"}, nil
}

func (r *Runtime) handleDetach(_ context.Context, p types.WindowParams) (interface{}, error) {
	r.mu.Lock()
	w, ok := r.windows[p.WindowID]
	delete(r.windows, p.WindowID)
	r.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "window %s is not attached", p.WindowID)
	}

	w.worker.Stop()
	n := r.teardown(func(k ctxKey) bool { return k.window == p.WindowID })
	r.clearContainsCache(p.WindowID)
	r.mu.Lock()
	for sid, s := range r.routes {
		if s.key.window == p.WindowID {
			delete(r.routes, sid)
		}
	}
	r.mu.Unlock()

	r.logger.Info("Window detached", zap.String("window_id", p.WindowID), zap.Int("contexts", n))
	return map[string]int{"contexts": n}, nil
}

func (r *Runtime) handleActivate(_ context.Context, p types.ActivateParams) (interface{}, error) {
	if p.WindowID == "" || p.ExtensionID == "" {
		return nil, errs.New(errs.CodeInvalidParams, "windowId and extensionId are required")
	}
	event := p.Event
	if event == "" {
		event = eventExplicit
	}
	return r.activate(p.WindowID, p.ExtensionID, event, true)
}

func (r *Runtime) handleDeactivate(_ context.Context, p types.ExtensionParams) (interface{}, error) {
	if p.ExtensionID == "" {
		return nil, errs.New(errs.CodeInvalidParams, "extensionId is required")
	}
	n := r.teardown(func(k ctxKey) bool { return k.extension == p.ExtensionID })
	r.logger.Info("Extension deactivated", zap.String("extension_id", p.ExtensionID), zap.Int("contexts", n))
	return map[string]int{"contexts": n}, nil
}

func (r *Runtime) handleInvoke(ctx context.Context, p types.InvokeParams) (interface{}, error) {
	if p.Command == "" {
		return nil, errs.New(errs.CodeInvalidParams, "command is required")
	}
	c := r.lookup(ctxKey{window: p.WindowID, extension: p.ExtensionID})
	if c == nil || c.State() != types.StateActivated {
		return nil, errs.New(errs.CodeNoHandler, "extension %s is not active in window %s", p.ExtensionID, p.WindowID)
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.RequestTimeout)
	defer cancel()
	return c.invoke(ctx, p.Command, p.Args)
}

// States returns every activation record, including dormant entries for
// enabled extensions with no context in an attached window.
func (r *Runtime) States() []types.Activation {
	r.mu.Lock()
	contexts := make([]*extContext, 0, len(r.contexts))
	seen := make(map[ctxKey]bool, len(r.contexts))
	for key, c := range r.contexts {
		contexts = append(contexts, c)
		seen[key] = true
	}
	var dormant []types.Activation
	for win := range r.windows {
		for extID, ext := range r.extensions {
			if ext.Enabled && !seen[ctxKey{window: win, extension: extID}] {
				dormant = append(dormant, types.Activation{WindowID: win, ExtensionID: extID, State: types.StateDormant})
			}
		}
	}
	r.mu.Unlock()

	out := dormant
	for _, c := range contexts {
		out = append(out, c.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WindowID != out[j].WindowID {
			return out[i].WindowID < out[j].WindowID
		}
		return out[i].ExtensionID < out[j].ExtensionID
	})
	return out
}

// onMessage routes notifications from the supervisor. It runs on the IPC
// read loop and never blocks.
func (r *Runtime) onMessage(msg *ipc.Message) {
	switch msg.Method {
	case types.NotifyStartupFinished:
		var p types.WindowParams
		if r.decode(msg, &p) {
			r.enqueue(p.WindowID, msg.Method, func() { r.startupFinished(p.WindowID) })
		}

	case types.NotifyFileOpened, types.NotifyFileChanged, types.NotifyFileSaved, types.NotifyActiveEditor:
		var ev types.FileEvent
		if !r.decode(msg, &ev) {
			return
		}
		handlers := map[string]func(types.FileEvent){
			types.NotifyFileOpened:   r.fileOpened,
			types.NotifyFileChanged:  r.fileChanged,
			types.NotifyFileSaved:    r.fileSaved,
			types.NotifyActiveEditor: r.activeChanged,
		}
		fn := handlers[msg.Method]
		r.enqueue(ev.WindowID, msg.Method, func() { fn(ev) })

	case types.NotifySessionMessage, types.NotifySessionError:
		var p types.SessionMessageParams
		if r.decode(msg, &p) {
			r.deliver(ctxKey{window: p.WindowID, extension: p.ExtensionID}, msg.Method, func(c *extContext) {
				c.sessionEvent(msg.Method, p, nil)
			})
		}

	case types.NotifySessionExit:
		var p types.SessionExitParams
		if !r.decode(msg, &p) {
			return
		}
		r.dropSessionRoute(p.SessionID)
		r.deliver(ctxKey{window: p.WindowID, extension: p.ExtensionID}, msg.Method, func(c *extContext) {
			c.sessionEvent(msg.Method, types.SessionMessageParams{SessionID: p.SessionID}, &p)
		})

	case types.NotifyWatcherEvent:
		var p types.WatcherEventParams
		if r.decode(msg, &p) {
			r.deliver(ctxKey{window: p.WindowID, extension: p.ExtensionID}, msg.Method, func(c *extContext) {
				c.watcherEvent(p.WatcherID, p.Kind, p.Path)
			})
		}

	case types.NotifyWebviewMessage:
		var p types.WebviewMessageParams
		if r.decode(msg, &p) {
			r.deliver(ctxKey{window: p.WindowID, extension: p.ExtensionID}, msg.Method, func(c *extContext) {
				c.panelMessage(p.PanelID, p.Message)
			})
		}

	default:
		r.logger.Debug("Ignoring notification", zap.String("method", msg.Method))
	}
}

func (r *Runtime) decode(msg *ipc.Message, out interface{}) bool {
	if err := ipc.Decode(msg.Params, out); err != nil {
		r.logger.Warn("Malformed notification", zap.String("method", msg.Method), zap.Error(err))
		return false
	}
	return true
}

// deliver queues fn on the context's loop if the context exists.
func (r *Runtime) deliver(key ctxKey, what string, fn func(c *extContext)) {
	c := r.lookup(key)
	if c == nil {
		r.logger.Debug("Notification for unknown context", zap.String("method", what), zap.String("context", key.window+"/"+key.extension))
		return
	}
	if !c.loop.TrySubmit(func() { fn(c) }) {
		c.logger.Warn("Context queue full, dropping notification", zap.String("method", what))
	}
}
