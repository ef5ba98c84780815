package sandbox

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/exthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/exthost/internal/shared/errs"
	"github.com/GriffinCanCode/exthost/internal/shared/types"
)

type ctxKey struct {
	window    string
	extension string
}

func (k ctxKey) String() string {
	return k.window + "\x00" + k.extension
}

type command struct {
	fn   goja.Callable
	this goja.Value
}

// extContext is one extension instantiated in one window: a goja.Runtime
// and the loop that owns it.
type extContext struct {
	rt     *Runtime
	key    ctxKey
	ext    types.Extension
	logger *logging.Logger

	vm     *goja.Runtime
	loop   *Loop
	loader *loader

	// ctx scopes RPCs issued on behalf of the context.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     types.ActivationState
	lastEvent string
	lastError string
	changedAt time.Time
	stopped   bool

	// registering tracks commands.register calls still in flight.
	registering sync.WaitGroup

	// Owned by the loop.
	stringify goja.Callable
	parse     goja.Callable
	lib       *goja.Object
	api       *goja.Object
	actx      *goja.Object
	exports   goja.Value
	commands  map[string]*command
	timers    map[int64]*timer
	nextTimer int64
	emitters  map[string]*goja.Object
	panels    map[string]*panelHandle
	sessions  map[string]*sessionHandle
	watchers  map[string]*watcherHandle
	// closing is set once shutdown starts; disposables then leave host
	// cleanup to shutdown.
	closing bool
}

func newContext(rt *Runtime, key ctxKey, ext types.Extension) *extContext {
	c := &extContext{
		rt:        rt,
		key:       key,
		ext:       ext,
		logger:    rt.logger.ForExtension(key.window, key.extension),
		vm:        goja.New(),
		state:     types.StateDormant,
		changedAt: time.Now(),
		commands:  make(map[string]*command),
		timers:    make(map[int64]*timer),
		emitters:  make(map[string]*goja.Object),
		panels:    make(map[string]*panelHandle),
		sessions:  make(map[string]*sessionHandle),
		watchers:  make(map[string]*watcherHandle),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.loop = newLoop(func(r interface{}) {
		c.logger.Error("Extension job panicked", zap.Any("panic", r))
	})
	return c
}

func (c *extContext) snapshot() types.Activation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.Activation{
		WindowID:    c.key.window,
		ExtensionID: c.key.extension,
		State:       c.state,
		LastEvent:   c.lastEvent,
		LastError:   c.lastError,
		ChangedAt:   c.changedAt,
	}
}

func (c *extContext) State() types.ActivationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *extContext) setState(state types.ActivationState, event, lastError string) types.Activation {
	c.mu.Lock()
	c.state = state
	c.lastEvent = event
	c.lastError = lastError
	c.changedAt = time.Now()
	c.mu.Unlock()

	snap := c.snapshot()
	c.rt.emit(types.EventActivation, snap)
	return snap
}

func (c *extContext) caller() types.Caller {
	return types.Caller{WindowID: c.key.window, ExtensionID: c.key.extension}
}

// install prepares the VM: loader, globals, the host API and the
// activation context object.
func (c *extContext) install() error {
	l, err := newLoader(c, c.rt.policy)
	if err != nil {
		return err
	}
	c.loader = l
	if err := c.installGlobals(); err != nil {
		return err
	}
	for _, name := range []string{emitterOpen, emitterChange, emitterSave, emitterActive} {
		c.emitters[name] = c.newEmitter()
	}
	c.api = c.buildAPI()
	c.actx = c.buildActivationContext()
	return nil
}

// run loads the extension and calls activate(context), waiting for a
// returned promise and for command registrations it started.
func (c *extContext) run(budget time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	settled := make(chan error, 1)
	err := c.loop.Call(ctx, func() error {
		if err := c.install(); err != nil {
			return err
		}
		if c.ext.Main == "" {
			settled <- nil
			return nil
		}
		exports, err := c.loader.requireMain(c.ext.Main)
		if err != nil {
			return errorFromJS(err)
		}
		c.exports = exports
		activate, ok := c.exportedFunc("activate")
		if !ok {
			settled <- nil
			return nil
		}
		result, err := activate(exports, c.actx)
		if err != nil {
			return errorFromJS(err)
		}
		c.settle(result, func(_ goja.Value, err error) { settled <- err })
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			c.vm.Interrupt("activation timed out")
			return errs.New(errs.CodeRequestTimeout, "activation did not finish within %s", budget)
		}
		return err
	}

	select {
	case err := <-settled:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		c.vm.Interrupt("activation timed out")
		return errs.New(errs.CodeRequestTimeout, "activation did not finish within %s", budget)
	}

	registered := make(chan struct{})
	go func() {
		c.registering.Wait()
		close(registered)
	}()
	select {
	case <-registered:
		return nil
	case <-ctx.Done():
		return errs.New(errs.CodeRequestTimeout, "command registration did not finish within %s", budget)
	}
}

func (c *extContext) exportedFunc(name string) (goja.Callable, bool) {
	obj, ok := c.exports.(*goja.Object)
	if !ok {
		return nil, false
	}
	return goja.AssertFunction(obj.Get(name))
}

// settle calls done once v settles. Values that are not thenables settle
// immediately. Runs on the loop.
func (c *extContext) settle(v goja.Value, done func(goja.Value, error)) {
	obj, ok := v.(*goja.Object)
	if !ok {
		done(v, nil)
		return
	}
	if p, ok := obj.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			done(p.Result(), nil)
			return
		case goja.PromiseStateRejected:
			done(nil, errorFromValue(p.Result()))
			return
		}
	}
	then, ok := goja.AssertFunction(obj.Get("then"))
	if !ok {
		done(v, nil)
		return
	}
	var once sync.Once
	onFulfilled := func(call goja.FunctionCall) goja.Value {
		once.Do(func() { done(call.Argument(0), nil) })
		return goja.Undefined()
	}
	onRejected := func(call goja.FunctionCall) goja.Value {
		once.Do(func() { done(nil, errorFromValue(call.Argument(0))) })
		return goja.Undefined()
	}
	if _, err := then(obj, c.vm.ToValue(onFulfilled), c.vm.ToValue(onRejected)); err != nil {
		once.Do(func() { done(nil, errorFromJS(err)) })
	}
}

// invoke runs a command registered by this context and returns its JSON
// result.
func (c *extContext) invoke(ctx context.Context, name string, args []interface{}) (json.RawMessage, error) {
	type outcome struct {
		raw json.RawMessage
		err error
	}
	out := make(chan outcome, 1)

	err := c.loop.Call(ctx, func() error {
		cmd, ok := c.commands[name]
		if !ok {
			return errs.New(errs.CodeCommandNotFound, "command %s is not registered by %s", name, c.key.extension)
		}
		jsArgs, err := c.argsToJS(args)
		if err != nil {
			return err
		}
		result, err := cmd.fn(cmd.this, jsArgs...)
		if err != nil {
			return errorFromJS(err)
		}
		c.settle(result, func(v goja.Value, err error) {
			if err != nil {
				out <- outcome{err: err}
				return
			}
			raw, err := c.toJSON(v)
			out <- outcome{raw: raw, err: err}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	select {
	case o := <-out:
		return o.raw, o.err
	case <-ctx.Done():
		return nil, errs.New(errs.CodeRequestTimeout, "command %s did not complete", name)
	case <-c.loop.Done():
		return nil, errLoopStopped
	}
}

func (c *extContext) argsToJS(args []interface{}) ([]goja.Value, error) {
	out := make([]goja.Value, 0, len(args))
	for _, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, errs.Wrap(errs.CodeInvalidParams, err, "invalid command argument")
		}
		v, err := c.fromJSON(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// shutdown releases everything the context holds, in order: panels,
// sessions, watchers, deactivate(), subscriptions, commands, loop.
// deactivate() is only called for contexts that finished activating.
func (c *extContext) shutdown(callDeactivate bool) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	budget := c.rt.opts.DeactivateTimeout
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	var panelIDs, sessionIDs, watcherIDs []string
	_ = c.loop.Call(ctx, func() error {
		c.closing = true
		panelIDs = sortedKeys(c.panels)
		sessionIDs = sortedKeys(c.sessions)
		watcherIDs = sortedKeys(c.watchers)
		c.watchers = make(map[string]*watcherHandle)
		for _, h := range c.panels {
			c.closePanel(h)
		}
		c.sessions = make(map[string]*sessionHandle)
		return nil
	})

	for _, panelID := range panelIDs {
		err := c.rt.call(ctx, types.MethodWebviewDispose, types.PanelParams{Caller: c.caller(), PanelID: panelID}, nil)
		if err != nil {
			c.logger.Debug("Panel dispose failed", zap.String("panel", panelID), zap.Error(err))
		}
	}
	for _, sessionID := range sessionIDs {
		err := c.rt.call(ctx, types.MethodSessionStop, types.SessionParams{Caller: c.caller(), SessionID: sessionID}, nil)
		if err != nil {
			c.logger.Debug("Session stop failed", zap.String("session", sessionID), zap.Error(err))
		}
	}
	c.rt.dropSessionRoutes(c.key)
	for _, watcherID := range watcherIDs {
		c.unwatch(ctx, watcherID)
	}

	if callDeactivate {
		c.callDeactivate(budget)
	}

	var commandIDs []string
	disposeCtx, disposeCancel := context.WithTimeout(context.Background(), budget)
	defer disposeCancel()
	err := c.loop.Call(disposeCtx, func() error {
		c.vm.ClearInterrupt()
		c.closing = true
		commandIDs = sortedKeys(c.commands)
		c.disposeSubscriptions()
		c.stopTimers()
		c.commands = make(map[string]*command)
		return nil
	})
	if err != nil {
		c.vm.Interrupt("context shutting down")
		c.logger.Warn("Disposing subscriptions did not finish", zap.Error(err))
	}

	waitTimeout(&c.registering, budget)
	for _, id := range commandIDs {
		err := c.rt.call(ctx, types.MethodCommandsUnregister, types.CommandParams{Caller: c.caller(), Command: id}, nil)
		if err != nil {
			c.logger.Debug("Command unregister failed", zap.String("command", id), zap.Error(err))
		}
	}

	c.cancel()
	c.loop.Stop()
}

// callDeactivate runs the extension's deactivate export within budget.
// Errors are logged; a hung deactivate is interrupted.
func (c *extContext) callDeactivate(budget time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	settled := make(chan error, 1)
	err := c.loop.Call(ctx, func() error {
		fn, ok := c.exportedFunc("deactivate")
		if !ok {
			settled <- nil
			return nil
		}
		result, err := fn(c.exports)
		if err != nil {
			return errorFromJS(err)
		}
		c.settle(result, func(_ goja.Value, err error) { settled <- err })
		return nil
	})
	if err == nil {
		select {
		case err = <-settled:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if ctx.Err() != nil {
		c.vm.Interrupt("deactivate timed out")
		c.logger.Warn("Extension deactivate timed out", zap.Duration("budget", budget))
		return
	}
	if err != nil {
		c.logger.Warn("Extension deactivate failed", zap.Error(err))
		c.log("error", "deactivate failed: "+errs.MessageOf(err))
	}
}

func (c *extContext) disposeSubscriptions() {
	if c.actx == nil {
		return
	}
	subs, ok := c.actx.Get("subscriptions").(*goja.Object)
	if !ok {
		return
	}
	length := int(subs.Get("length").ToInteger())
	for i := 0; i < length; i++ {
		item, ok := subs.Get(strconv.Itoa(i)).(*goja.Object)
		if !ok {
			continue
		}
		dispose, ok := goja.AssertFunction(item.Get("dispose"))
		if !ok {
			continue
		}
		if _, err := dispose(item); err != nil {
			c.logger.Debug("Subscription dispose failed", zap.Error(errorFromJS(err)))
		}
	}
	_ = subs.Set("length", 0)
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
