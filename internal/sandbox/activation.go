package sandbox

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/exthost/internal/shared/errs"
	"github.com/GriffinCanCode/exthost/internal/shared/types"
)

const (
	eventStar            = "*"
	eventStartupFinished = "onStartupFinished"
	prefixLanguage       = "onLanguage:"
	prefixWorkspace      = "workspaceContains:"
	triggerParallelism   = 4
)

// activate brings the extension up in the window, collapsing concurrent
// requests for the same pair into one attempt. A failed context is only
// retried when retry is set.
func (r *Runtime) activate(win, extID, event string, retry bool) (types.Activation, error) {
	key := ctxKey{window: win, extension: extID}
	v, err, _ := r.group.Do(key.String(), func() (interface{}, error) {
		return r.doActivate(key, event, retry)
	})
	if err != nil {
		return types.Activation{}, err
	}
	return v.(types.Activation), nil
}

func (r *Runtime) doActivate(key ctxKey, event string, retry bool) (types.Activation, error) {
	r.mu.Lock()
	_, winOK := r.windows[key.window]
	ext, extOK := r.extensions[key.extension]
	existing := r.contexts[key]
	r.mu.Unlock()

	if !winOK {
		return types.Activation{}, errs.New(errs.CodeNotFound, "window %s is not attached", key.window)
	}
	if !extOK || !ext.Enabled {
		return types.Activation{}, errs.New(errs.CodeNotFound, "extension %s is not installed or disabled", key.extension)
	}
	if existing != nil {
		switch existing.State() {
		case types.StateActivated:
			return existing.snapshot(), nil
		case types.StateFailed:
			if !retry {
				return existing.snapshot(), nil
			}
		}
	}

	c := newContext(r, key, ext)
	r.mu.Lock()
	if _, ok := r.windows[key.window]; !ok {
		r.mu.Unlock()
		c.loop.Stop()
		return types.Activation{}, errs.New(errs.CodeNotFound, "window %s is not attached", key.window)
	}
	r.contexts[key] = c
	r.mu.Unlock()

	c.setState(types.StateActivating, event, "")
	c.logger.Info("Activating extension", zap.String("event", event))

	if err := c.run(r.opts.ActivateTimeout); err != nil {
		msg := errs.MessageOf(err)
		c.logger.Warn("Extension activation failed", zap.String("event", event), zap.Error(err))
		snap := c.setState(types.StateFailed, event, msg)
		r.emit(types.EventExtensionError, types.ExtensionErrorEvent{
			WindowID:    key.window,
			ExtensionID: key.extension,
			Message:     msg,
		})
		c.shutdown(false)
		return snap, nil
	}
	c.logger.Info("Extension activated", zap.String("event", event))
	return c.setState(types.StateActivated, event, ""), nil
}

// idle reports whether a trigger may start the context. Failed and
// activated contexts are left alone.
func (r *Runtime) idle(key ctxKey) bool {
	c := r.lookup(key)
	return c == nil || c.State() == types.StateDormant
}

// runTriggers activates extensions whose window-level events hold: "*",
// workspaceContains and, after startup, onStartupFinished.
func (r *Runtime) runTriggers(ctx context.Context, win string) {
	r.mu.Lock()
	w, ok := r.windows[win]
	started := ok && w.startupFinished
	r.mu.Unlock()
	if !ok {
		return
	}

	var g errgroup.Group
	g.SetLimit(triggerParallelism)
	for _, ext := range r.enabledExtensions() {
		ext := ext
		if !r.idle(ctxKey{window: win, extension: ext.ID}) {
			continue
		}
		g.Go(func() error {
			event, ok := r.windowEvent(ctx, win, ext, started)
			if !ok {
				return nil
			}
			if _, err := r.activate(win, ext.ID, event, false); err != nil {
				r.logger.Debug("Triggered activation skipped", zap.String("extension", ext.ID), zap.String("event", event), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Runtime) windowEvent(ctx context.Context, win string, ext types.Extension, started bool) (string, bool) {
	if ext.HasActivationEvent(eventStar) {
		return eventStar, true
	}
	if started && ext.HasActivationEvent(eventStartupFinished) {
		return eventStartupFinished, true
	}
	for _, pattern := range ext.ActivationEventsWithPrefix(prefixWorkspace) {
		if r.workspaceContains(ctx, win, ext.ID, pattern) {
			return prefixWorkspace + pattern, true
		}
	}
	return "", false
}

// workspaceContains asks the supervisor whether the window's roots hold a
// file matching pattern. Only positive answers are cached, until the
// roots change; a miss is asked again on the next trigger.
func (r *Runtime) workspaceContains(ctx context.Context, win, extID, pattern string) bool {
	cacheKey := strings.Join([]string{win, extID, pattern}, "\x00")
	r.mu.Lock()
	found := r.contains[cacheKey]
	r.mu.Unlock()
	if found {
		return true
	}

	var res types.ContainsResult
	params := types.ContainsParams{Caller: types.Caller{WindowID: win, ExtensionID: extID}, Pattern: pattern}
	if err := r.call(ctx, types.MethodWorkspaceContains, params, &res); err != nil {
		r.logger.Debug("workspaceContains probe failed", zap.String("pattern", pattern), zap.Error(err))
		return false
	}
	if res.Found {
		r.mu.Lock()
		r.contains[cacheKey] = true
		r.mu.Unlock()
	}
	return res.Found
}

func (r *Runtime) clearContainsCache(win string) {
	prefix := win + "\x00"
	r.mu.Lock()
	for k := range r.contains {
		if strings.HasPrefix(k, prefix) {
			delete(r.contains, k)
		}
	}
	r.mu.Unlock()
}

// activateForLanguage activates idle extensions declaring onLanguage for
// languageID in the window.
func (r *Runtime) activateForLanguage(win, languageID string) {
	if languageID == "" {
		return
	}
	event := prefixLanguage + languageID
	var g errgroup.Group
	g.SetLimit(triggerParallelism)
	for _, ext := range r.enabledExtensions() {
		ext := ext
		if !ext.HasActivationEvent(event) || !r.idle(ctxKey{window: win, extension: ext.ID}) {
			continue
		}
		g.Go(func() error {
			if _, err := r.activate(win, ext.ID, event, false); err != nil {
				r.logger.Debug("Language activation skipped", zap.String("extension", ext.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}
