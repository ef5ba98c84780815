package sandbox

import (
	"embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/exthost/internal/shared/errs"
	"github.com/GriffinCanCode/exthost/internal/shared/types"
)

//go:embed js/*.js
var scripts embed.FS

var preludeProgram = compileScript("prelude.js", false)

func compileScript(name string, module bool) *goja.Program {
	src, err := scripts.ReadFile("js/" + name)
	if err != nil {
		panic(err)
	}
	code := string(src)
	if module {
		code = wrapModule(code)
	}
	return goja.MustCompile(name, code, false)
}

func wrapModule(src string) string {
	if strings.HasPrefix(src, "#!") {
		if i := strings.IndexByte(src, '\n'); i >= 0 {
			src = "//" + src[i:]
		} else {
			src = ""
		}
	}
	return "(function (exports, require, module, __filename, __dirname) {" + src + "\n})"
}

type timer struct {
	t      *time.Timer
	fn     goja.Callable
	args   []goja.Value
	delay  time.Duration
	repeat bool
}

// installGlobals sets up the global scope of a fresh context. Runs on the
// context's loop.
func (c *extContext) installGlobals() error {
	vm := c.vm
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	vm.SetMaxCallStackSize(1024)

	jsonObj := vm.Get("JSON").ToObject(vm)
	c.stringify, _ = goja.AssertFunction(jsonObj.Get("stringify"))
	c.parse, _ = goja.AssertFunction(jsonObj.Get("parse"))

	fnVal, err := vm.RunProgram(preludeProgram)
	if err != nil {
		return err
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return errs.New(errs.CodeInternal, "prelude did not evaluate to a function")
	}
	lib, err := fn(goja.Undefined(), c.preludeHost())
	if err != nil {
		return err
	}
	c.lib = lib.ToObject(vm)

	console := vm.NewObject()
	for name, level := range map[string]string{
		"log":   "info",
		"info":  "info",
		"debug": "debug",
		"trace": "debug",
		"warn":  "warn",
		"error": "error",
	} {
		_ = console.Set(name, c.consoleFunc(level))
	}
	_ = vm.Set("console", console)

	_ = vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value { return c.setTimer(call, false) })
	_ = vm.Set("setInterval", func(call goja.FunctionCall) goja.Value { return c.setTimer(call, true) })
	_ = vm.Set("setImmediate", func(call goja.FunctionCall) goja.Value {
		args := append([]goja.Value{call.Argument(0), vm.ToValue(0)}, call.Arguments[min(1, len(call.Arguments)):]...)
		return c.setTimer(goja.FunctionCall{This: call.This, Arguments: args}, false)
	})
	_ = vm.Set("clearTimeout", c.clearTimer)
	_ = vm.Set("clearInterval", c.clearTimer)
	_ = vm.Set("clearImmediate", c.clearTimer)

	_ = vm.Set("btoa", func(call goja.FunctionCall) goja.Value {
		s := call.Argument(0).String()
		buf := make([]byte, 0, len(s))
		for _, r := range s {
			if r > 0xff {
				panic(vm.NewTypeError("btoa: string contains characters outside of the Latin1 range"))
			}
			buf = append(buf, byte(r))
		}
		return vm.ToValue(base64.StdEncoding.EncodeToString(buf))
	})
	_ = vm.Set("atob", func(call goja.FunctionCall) goja.Value {
		s := strings.Map(func(r rune) rune {
			if r == ' ' || r == '\t' || r == '\n' || r == '\f' || r == '\r' {
				return -1
			}
			return r
		}, call.Argument(0).String())
		s = strings.TrimRight(s, "=")
		raw, err := base64.RawStdEncoding.DecodeString(s)
		if err != nil {
			panic(vm.NewTypeError("atob: the string to be decoded is not correctly encoded"))
		}
		var b strings.Builder
		for _, by := range raw {
			b.WriteRune(rune(by))
		}
		return vm.ToValue(b.String())
	})

	_ = vm.Set("global", vm.GlobalObject())
	_ = vm.Set("require", c.loader.requireFunc(c.loader.root))
	return nil
}

// preludeHost is the native half of the prelude.
func (c *extContext) preludeHost() *goja.Object {
	vm := c.vm
	h := vm.NewObject()
	_ = h.Set("utf8Encode", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(vm.NewArrayBuffer([]byte(call.Argument(0).String())))
	})
	_ = h.Set("utf8Decode", func(call goja.FunctionCall) goja.Value {
		b, err := bytesOf(call.Argument(0))
		if err != nil {
			panic(vm.NewTypeError(err.Error()))
		}
		return vm.ToValue(strings.ToValidUTF8(string(b), "�"))
	})
	_ = h.Set("parseURL", func(call goja.FunctionCall) goja.Value {
		fields, err := parseURL(call.Argument(0).String(), call.Argument(1).String())
		if err != nil {
			panic(vm.NewTypeError(err.Error()))
		}
		return c.stringObject(fields)
	})
	_ = h.Set("buildURL", func(call goja.FunctionCall) goja.Value {
		in := make(map[string]string)
		obj := call.Argument(0).ToObject(vm)
		for _, k := range obj.Keys() {
			in[k] = obj.Get(k).String()
		}
		fields, err := buildURL(in)
		if err != nil {
			panic(vm.NewTypeError(err.Error()))
		}
		return c.stringObject(fields)
	})
	_ = h.Set("reportError", func(call goja.FunctionCall) goja.Value {
		c.reportError(errorFromValue(call.Argument(0)))
		return goja.Undefined()
	})
	return h
}

func (c *extContext) stringObject(fields map[string]string) *goja.Object {
	obj := c.vm.NewObject()
	for k, v := range fields {
		_ = obj.Set(k, v)
	}
	return obj
}

func (c *extContext) consoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, c.display(arg))
		}
		c.log(level, strings.Join(parts, " "))
		return goja.Undefined()
	}
}

// display renders a value for console output.
func (c *extContext) display(v goja.Value) string {
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.String()
	}
	if _, isFn := goja.AssertFunction(obj); isFn {
		return v.String()
	}
	if obj.ClassName() == "Error" {
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
			return stack.String()
		}
		return v.String()
	}
	raw, err := c.toJSON(v)
	if err != nil {
		return v.String()
	}
	return string(raw)
}

func (c *extContext) log(level, message string) {
	c.rt.emit(types.EventLog, types.LogEvent{
		WindowID:    c.key.window,
		ExtensionID: c.key.extension,
		Level:       level,
		Message:     message,
	})
}

// reportError surfaces an uncaught error from extension code.
func (c *extContext) reportError(err error) {
	c.logger.Debug("Uncaught extension error", zap.Error(err))
	c.log("error", "Uncaught "+errs.MessageOf(err))
}

func (c *extContext) setTimer(call goja.FunctionCall, repeat bool) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(c.vm.NewTypeError("callback must be a function"))
	}
	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	if repeat && delay < time.Millisecond {
		delay = time.Millisecond
	}
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}

	c.nextTimer++
	tid := c.nextTimer
	tm := &timer{fn: fn, args: args, delay: delay, repeat: repeat}
	c.timers[tid] = tm
	c.schedule(tid, tm)
	return c.vm.ToValue(tid)
}

func (c *extContext) schedule(tid int64, tm *timer) {
	tm.t = time.AfterFunc(tm.delay, func() {
		c.loop.Submit(func() { c.fireTimer(tid, tm) })
	})
}

func (c *extContext) fireTimer(tid int64, tm *timer) {
	if c.timers[tid] != tm {
		return
	}
	if !tm.repeat {
		delete(c.timers, tid)
	}
	if _, err := tm.fn(goja.Undefined(), tm.args...); err != nil {
		c.reportError(errorFromJS(err))
	}
	if tm.repeat && c.timers[tid] == tm {
		c.schedule(tid, tm)
	}
}

func (c *extContext) clearTimer(call goja.FunctionCall) goja.Value {
	tid := call.Argument(0).ToInteger()
	if tm, ok := c.timers[tid]; ok {
		tm.t.Stop()
		delete(c.timers, tid)
	}
	return goja.Undefined()
}

func (c *extContext) stopTimers() {
	for tid, tm := range c.timers {
		if tm.t != nil {
			tm.t.Stop()
		}
		delete(c.timers, tid)
	}
}

// JSON bridging. Values cross the RPC boundary as JSON text.

func (c *extContext) toJSON(v goja.Value) (json.RawMessage, error) {
	if v == nil || goja.IsUndefined(v) {
		return json.RawMessage("null"), nil
	}
	out, err := c.stringify(goja.Undefined(), v)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidParams, errorFromJS(err), "value is not serializable")
	}
	if goja.IsUndefined(out) {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(out.String()), nil
}

func (c *extContext) fromJSON(raw json.RawMessage) (goja.Value, error) {
	if len(raw) == 0 {
		return goja.Undefined(), nil
	}
	v, err := c.parse(goja.Undefined(), c.vm.ToValue(string(raw)))
	if err != nil {
		return nil, errs.Wrap(errs.CodeProtocol, errorFromJS(err), "invalid JSON value")
	}
	return v, nil
}

func (c *extContext) mustFromJSON(raw json.RawMessage) goja.Value {
	v, err := c.fromJSON(raw)
	if err != nil {
		panic(c.jsError(err))
	}
	return v
}

func (c *extContext) newUint8Array(b []byte) goja.Value {
	arr, err := c.vm.New(c.vm.Get("Uint8Array"), c.vm.ToValue(c.vm.NewArrayBuffer(b)))
	if err != nil {
		panic(err)
	}
	return arr
}

func bytesOf(v goja.Value) ([]byte, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	switch x := v.Export().(type) {
	case []byte:
		return append([]byte(nil), x...), nil
	case goja.ArrayBuffer:
		return append([]byte(nil), x.Bytes()...), nil
	case string:
		return []byte(x), nil
	}
	return nil, errs.New(errs.CodeInvalidParams, "expected a Uint8Array, got %s", v.String())
}

// Errors.

// jsError converts a Go error into a JS Error carrying the error code.
func (c *extContext) jsError(err error) *goja.Object {
	obj, e := c.vm.New(c.vm.Get("Error"), c.vm.ToValue(errs.MessageOf(err)))
	if e != nil {
		return c.vm.NewGoError(err)
	}
	_ = obj.Set("code", string(errs.CodeOf(err)))
	return obj
}

// throw rethrows err inside the VM, keeping JS exceptions intact.
func (c *extContext) throw(err error) {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		panic(exc)
	}
	var intr *goja.InterruptedError
	if errors.As(err, &intr) {
		panic(intr)
	}
	panic(c.jsError(err))
}

func errorFromValue(v goja.Value) error {
	if obj, ok := v.(*goja.Object); ok {
		msg := obj.Get("message")
		if code := obj.Get("code"); code != nil && strings.HasPrefix(code.String(), "ERR_") && msg != nil {
			return errs.New(errs.Code(code.String()), "%s", msg.String())
		}
	}
	if v == nil {
		return errs.New(errs.CodeInternal, "undefined")
	}
	return errs.New(errs.CodeInternal, "%s", v.String())
}

// errorFromJS maps an error returned by the VM.
func errorFromJS(err error) error {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return errorFromValue(exc.Value())
	}
	var intr *goja.InterruptedError
	if errors.As(err, &intr) {
		return errs.New(errs.CodeRequestTimeout, "execution interrupted: %v", intr.Value())
	}
	return err
}

// URL helpers backing the prelude's URL class.

var specialSchemes = map[string]bool{"http": true, "https": true, "ws": true, "wss": true, "ftp": true, "file": true}

func parseURL(input, base string) (map[string]string, error) {
	u, err := url.Parse(strings.TrimSpace(input))
	if err != nil {
		return nil, errs.New(errs.CodeInvalidParams, "Invalid URL: %s", input)
	}
	if base != "" {
		b, err := url.Parse(base)
		if err != nil || !b.IsAbs() {
			return nil, errs.New(errs.CodeInvalidParams, "Invalid base URL: %s", base)
		}
		u = b.ResolveReference(u)
	}
	if !u.IsAbs() {
		return nil, errs.New(errs.CodeInvalidParams, "Invalid URL: %s", input)
	}
	return urlFields(u), nil
}

func buildURL(f map[string]string) (map[string]string, error) {
	u := &url.URL{Scheme: strings.TrimSuffix(strings.ToLower(f["protocol"]), ":")}
	if f["username"] != "" || f["password"] != "" {
		if f["password"] != "" {
			u.User = url.UserPassword(f["username"], f["password"])
		} else {
			u.User = url.User(f["username"])
		}
	}
	u.Host = f["host"]
	if u.Host == "" {
		u.Host = f["hostname"]
		if port := f["port"]; port != "" {
			u.Host += ":" + port
		}
	}
	pathname := f["pathname"]
	if u.Host == "" && u.Scheme != "file" && !strings.HasPrefix(pathname, "/") {
		u.Opaque = pathname
	} else {
		p, err := url.PathUnescape(pathname)
		if err != nil {
			return nil, errs.New(errs.CodeInvalidParams, "Invalid pathname: %s", pathname)
		}
		u.Path = p
		u.RawPath = pathname
	}
	u.RawQuery = strings.TrimPrefix(f["search"], "?")
	if frag := strings.TrimPrefix(f["hash"], "#"); frag != "" {
		p, err := url.PathUnescape(frag)
		if err != nil {
			p = frag
		}
		u.Fragment = p
	}
	return urlFields(u), nil
}

func urlFields(u *url.URL) map[string]string {
	scheme := strings.ToLower(u.Scheme)
	pathname := u.EscapedPath()
	if u.Opaque != "" {
		pathname = u.Opaque
	}
	if pathname == "" && specialSchemes[scheme] {
		pathname = "/"
		u.Path = "/"
	}
	f := map[string]string{
		"href":     u.String(),
		"protocol": scheme + ":",
		"host":     u.Host,
		"hostname": u.Hostname(),
		"port":     u.Port(),
		"pathname": pathname,
		"search":   "",
		"hash":     "",
		"origin":   "null",
		"username": "",
		"password": "",
	}
	if u.User != nil {
		f["username"] = u.User.Username()
		f["password"], _ = u.User.Password()
	}
	if u.RawQuery != "" {
		f["search"] = "?" + u.RawQuery
	}
	if u.Fragment != "" {
		f["hash"] = "#" + u.EscapedFragment()
	}
	if specialSchemes[scheme] && scheme != "file" {
		f["origin"] = scheme + "://" + u.Host
	}
	return f
}
