package sandbox

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/exthost/internal/shared/errs"
	"github.com/GriffinCanCode/exthost/internal/shared/id"
	"github.com/GriffinCanCode/exthost/internal/shared/types"
)

// APIVersion is reported as vscode.version.
const APIVersion = "1.85.0"

const (
	emitterOpen   = "open"
	emitterChange = "change"
	emitterSave   = "save"
	emitterActive = "active"
)

// File types as reported by workspace.fs.stat.
const (
	fileTypeFile      = 1
	fileTypeDirectory = 2
)

type panelHandle struct {
	id       string
	obj      *goja.Object
	title    string
	html     string
	visible  bool
	active   bool
	message  *goja.Object
	disposed *goja.Object
	closed   bool
}

type sessionHandle struct {
	id      string
	message *goja.Object
	errors  *goja.Object
	exit    *goja.Object
}

type watcherHandle struct {
	id       string
	create   *goja.Object
	change   *goja.Object
	remove   *goja.Object
	disposed bool
}

// Plumbing shared by the API objects. All of it runs on the loop.

func (c *extContext) newEmitter() *goja.Object {
	obj, err := c.vm.New(c.lib.Get("EventEmitter"))
	if err != nil {
		panic(err)
	}
	return obj
}

func (c *extContext) fire(emitter *goja.Object, v goja.Value) {
	if emitter == nil {
		return
	}
	fn, ok := goja.AssertFunction(emitter.Get("fire"))
	if !ok {
		return
	}
	if _, err := fn(emitter, v); err != nil {
		c.reportError(errorFromJS(err))
	}
}

func (c *extContext) newDisposable(fn func()) *goja.Object {
	obj, err := c.vm.New(c.lib.Get("Disposable"), c.vm.ToValue(func(goja.FunctionCall) goja.Value {
		fn()
		return goja.Undefined()
	}))
	if err != nil {
		panic(err)
	}
	return obj
}

func (c *extContext) uri(p string) goja.Value {
	ctor := c.lib.Get("Uri").ToObject(c.vm)
	file, _ := goja.AssertFunction(ctor.Get("file"))
	v, err := file(ctor, c.vm.ToValue(filepath.ToSlash(p)))
	if err != nil {
		c.throw(err)
	}
	return v
}

// pathArg accepts a Uri-like object or a string path.
func (c *extContext) pathArg(v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok {
		if fsPath := obj.Get("fsPath"); fsPath != nil && !goja.IsUndefined(fsPath) {
			return filepath.FromSlash(fsPath.String())
		}
	}
	if s, ok := v.Export().(string); ok && s != "" {
		return filepath.FromSlash(s)
	}
	panic(c.vm.NewTypeError("expected a Uri or a path"))
}

func (c *extContext) patternArg(v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok {
		if p := obj.Get("pattern"); p != nil && !goja.IsUndefined(p) {
			return p.String()
		}
	}
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func (c *extContext) stringsOf(v goja.Value) []string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	var out []string
	if err := c.vm.ExportTo(v, &out); err != nil {
		panic(c.vm.NewTypeError("expected an array of strings"))
	}
	return out
}

func (c *extContext) optionBool(opts goja.Value, name string) bool {
	obj, ok := opts.(*goja.Object)
	if !ok {
		return false
	}
	v := obj.Get(name)
	return v != nil && v.ToBoolean()
}

func (c *extContext) accessor(obj *goja.Object, name string, get func() goja.Value, set func(goja.Value)) {
	getter := c.vm.ToValue(func(goja.FunctionCall) goja.Value { return get() })
	var setter goja.Value
	if set != nil {
		setter = c.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			set(call.Argument(0))
			return goja.Undefined()
		})
	}
	_ = obj.DefineAccessorProperty(name, getter, setter, goja.FLAG_TRUE, goja.FLAG_TRUE)
}

// request issues an RPC off the loop and settles the returned promise on
// the loop. convert turns the raw result into a JS value; a nil convert
// resolves undefined.
func (c *extContext) request(method string, params interface{}, convert func(json.RawMessage) (goja.Value, error)) goja.Value {
	p, resolve, reject := c.vm.NewPromise()
	go func() {
		raw, callErr := c.rt.request(c.ctx, method, params)
		c.loop.Submit(func() {
			if callErr != nil {
				reject(c.jsError(callErr))
				return
			}
			var v goja.Value = goja.Undefined()
			if convert != nil {
				converted, err := convert(raw)
				if err != nil {
					reject(c.jsError(err))
					return
				}
				v = converted
			}
			resolve(v)
		})
	}()
	return c.vm.ToValue(p)
}

func (c *extContext) jsonValue(raw json.RawMessage) (goja.Value, error) {
	return c.fromJSON(raw)
}

func decodeResult(raw json.RawMessage, out interface{}) error {
	if err := sonic.Unmarshal(raw, out); err != nil {
		return errs.Wrap(errs.CodeProtocol, err, "malformed result")
	}
	return nil
}

// promiseOf adapts a local value or thenable into a native promise.
func (c *extContext) promiseOf(v goja.Value) goja.Value {
	p, resolve, reject := c.vm.NewPromise()
	c.settle(v, func(result goja.Value, err error) {
		if err != nil {
			reject(c.jsError(err))
			return
		}
		resolve(result)
	})
	return c.vm.ToValue(p)
}

// buildAPI assembles the object returned by require('vscode').
func (c *extContext) buildAPI() *goja.Object {
	vm := c.vm
	api := vm.NewObject()
	_ = api.Set("version", APIVersion)
	_ = api.Set("Disposable", c.lib.Get("Disposable"))
	_ = api.Set("EventEmitter", c.lib.Get("EventEmitter"))
	_ = api.Set("Uri", c.lib.Get("Uri"))
	_ = api.Set("commands", c.commandsAPI())
	_ = api.Set("workspace", c.workspaceAPI())
	_ = api.Set("window", c.windowAPI())
	_ = api.Set("languages", c.languagesAPI())
	_ = api.Set("env", c.envAPI())

	fileType := vm.NewObject()
	_ = fileType.Set("Unknown", 0)
	_ = fileType.Set("File", fileTypeFile)
	_ = fileType.Set("Directory", fileTypeDirectory)
	_ = fileType.Set("SymbolicLink", 64)
	_ = api.Set("FileType", fileType)

	viewColumn := vm.NewObject()
	_ = viewColumn.Set("Active", -1)
	_ = viewColumn.Set("Beside", -2)
	_ = viewColumn.Set("One", 1)
	_ = viewColumn.Set("Two", 2)
	_ = viewColumn.Set("Three", 3)
	_ = api.Set("ViewColumn", viewColumn)

	_ = api.Set("RelativePattern", func(call goja.ConstructorCall) *goja.Object {
		base := call.Argument(0)
		if obj, ok := base.(*goja.Object); ok {
			if u := obj.Get("uri"); u != nil && !goja.IsUndefined(u) {
				base = u
			}
		}
		_ = call.This.Set("baseUri", base)
		_ = call.This.Set("pattern", call.Argument(1).String())
		return nil
	})
	return api
}

func (c *extContext) commandsAPI() *goja.Object {
	vm := c.vm
	commands := vm.NewObject()

	_ = commands.Set("registerCommand", func(call goja.FunctionCall) goja.Value {
		name, _ := call.Argument(0).Export().(string)
		fn, ok := goja.AssertFunction(call.Argument(1))
		if name == "" || !ok {
			panic(vm.NewTypeError("registerCommand needs a command id and a callback"))
		}
		if _, exists := c.commands[name]; exists {
			c.throw(errs.New(errs.CodeInvalidParams, "command %s is already registered", name))
		}
		entry := &command{fn: fn, this: call.Argument(2)}
		c.commands[name] = entry

		c.registering.Add(1)
		go func() {
			defer c.registering.Done()
			err := c.rt.call(c.ctx, types.MethodCommandsRegister, types.CommandParams{Caller: c.caller(), Command: name}, nil)
			if err == nil {
				return
			}
			c.logger.Warn("Command registration failed", zap.String("command", name), zap.Error(err))
			c.loop.Submit(func() {
				if c.commands[name] == entry {
					delete(c.commands, name)
				}
				c.log("error", "registerCommand("+name+") failed: "+errs.MessageOf(err))
			})
		}()

		return c.newDisposable(func() {
			if c.commands[name] != entry {
				return
			}
			delete(c.commands, name)
			if c.closing {
				return
			}
			go func() {
				err := c.rt.call(c.ctx, types.MethodCommandsUnregister, types.CommandParams{Caller: c.caller(), Command: name}, nil)
				if err != nil {
					c.logger.Debug("Command unregister failed", zap.String("command", name), zap.Error(err))
				}
			}()
		})
	})

	_ = commands.Set("executeCommand", func(call goja.FunctionCall) goja.Value {
		name, _ := call.Argument(0).Export().(string)
		if name == "" {
			panic(vm.NewTypeError("executeCommand needs a command id"))
		}
		var rest []goja.Value
		if len(call.Arguments) > 1 {
			rest = call.Arguments[1:]
		}
		if entry, ok := c.commands[name]; ok {
			result, err := entry.fn(entry.this, rest...)
			if err != nil {
				return c.promiseOf(c.rejected(errorFromJS(err)))
			}
			return c.promiseOf(result)
		}
		args := make([]interface{}, 0, len(rest))
		for _, a := range rest {
			raw, err := c.toJSON(a)
			if err != nil {
				c.throw(err)
			}
			args = append(args, raw)
		}
		return c.request(types.MethodCommandsExecute, types.CommandParams{Caller: c.caller(), Command: name, Args: args}, c.jsonValue)
	})

	_ = commands.Set("getCommands", func(call goja.FunctionCall) goja.Value {
		filterInternal := call.Argument(0).ToBoolean()
		return c.request(types.MethodCommandsList, types.CommandParams{Caller: c.caller()}, func(raw json.RawMessage) (goja.Value, error) {
			var ids []string
			if err := decodeResult(raw, &ids); err != nil {
				return nil, err
			}
			for _, local := range sortedKeys(c.commands) {
				if !contains(ids, local) {
					ids = append(ids, local)
				}
			}
			out := make([]interface{}, 0, len(ids))
			for _, cmdID := range ids {
				if filterInternal && strings.HasPrefix(cmdID, "_") {
					continue
				}
				out = append(out, cmdID)
			}
			return vm.NewArray(out...), nil
		})
	})
	return commands
}

// rejected returns an already rejected promise.
func (c *extContext) rejected(err error) goja.Value {
	p, _, reject := c.vm.NewPromise()
	reject(c.jsError(err))
	return c.vm.ToValue(p)
}

func (c *extContext) workspaceAPI() *goja.Object {
	vm := c.vm
	ws := vm.NewObject()

	c.accessor(ws, "workspaceFolders", func() goja.Value {
		roots := c.rt.windowRoots(c.key.window)
		if len(roots) == 0 {
			return goja.Undefined()
		}
		folders := make([]interface{}, 0, len(roots))
		for i, root := range roots {
			f := vm.NewObject()
			_ = f.Set("uri", c.uri(root))
			_ = f.Set("name", filepath.Base(root))
			_ = f.Set("index", i)
			folders = append(folders, f)
		}
		return vm.NewArray(folders...)
	}, nil)
	c.accessor(ws, "rootPath", func() goja.Value {
		roots := c.rt.windowRoots(c.key.window)
		if len(roots) == 0 {
			return goja.Undefined()
		}
		return vm.ToValue(roots[0])
	}, nil)
	c.accessor(ws, "name", func() goja.Value {
		roots := c.rt.windowRoots(c.key.window)
		if len(roots) == 0 {
			return goja.Undefined()
		}
		return vm.ToValue(filepath.Base(roots[0]))
	}, nil)
	c.accessor(ws, "textDocuments", func() goja.Value {
		docs := c.rt.documents(c.key.window)
		out := make([]interface{}, 0, len(docs))
		for _, d := range docs {
			out = append(out, c.document(d))
		}
		return vm.NewArray(out...)
	}, nil)

	_ = ws.Set("fs", c.fsAPI())

	_ = ws.Set("findFiles", func(call goja.FunctionCall) goja.Value {
		include := c.patternArg(call.Argument(0))
		if include == "" {
			panic(vm.NewTypeError("findFiles needs an include pattern"))
		}
		params := types.FindFilesParams{
			Caller:     c.caller(),
			Include:    include,
			Exclude:    c.patternArg(call.Argument(1)),
			MaxResults: int(call.Argument(2).ToInteger()),
		}
		return c.request(types.MethodWorkspaceFindFiles, params, func(raw json.RawMessage) (goja.Value, error) {
			var res types.FindFilesResult
			if err := decodeResult(raw, &res); err != nil {
				return nil, err
			}
			out := make([]interface{}, 0, len(res.Files))
			for _, f := range res.Files {
				out = append(out, c.uri(f))
			}
			return vm.NewArray(out...), nil
		})
	})

	_ = ws.Set("getConfiguration", func(call goja.FunctionCall) goja.Value {
		section := ""
		if s := call.Argument(0); !goja.IsUndefined(s) && !goja.IsNull(s) {
			section = s.String()
		}
		return c.request(types.MethodWorkspaceConfiguration, types.ConfigurationParams{Caller: c.caller(), Section: section}, func(raw json.RawMessage) (goja.Value, error) {
			values, err := c.fromJSON(raw)
			if err != nil {
				return nil, err
			}
			obj, ok := values.(*goja.Object)
			if !ok {
				obj = vm.NewObject()
			}
			return c.configuration(obj), nil
		})
	})

	_ = ws.Set("createFileSystemWatcher", func(call goja.FunctionCall) goja.Value {
		return c.createWatcher(c.patternArg(call.Argument(0)), call.Argument(1).ToBoolean(), call.Argument(2).ToBoolean(), call.Argument(3).ToBoolean())
	})

	_ = ws.Set("onDidOpenTextDocument", c.emitters[emitterOpen].Get("event"))
	_ = ws.Set("onDidChangeTextDocument", c.emitters[emitterChange].Get("event"))
	_ = ws.Set("onDidSaveTextDocument", c.emitters[emitterSave].Get("event"))
	return ws
}

func (c *extContext) configuration(values *goja.Object) *goja.Object {
	vm := c.vm
	cfg := vm.NewObject()
	for _, k := range values.Keys() {
		_ = cfg.Set(k, values.Get(k))
	}
	_ = cfg.Set("get", func(call goja.FunctionCall) goja.Value {
		v := values.Get(call.Argument(0).String())
		if v == nil || goja.IsUndefined(v) {
			return call.Argument(1)
		}
		return v
	})
	_ = cfg.Set("has", func(call goja.FunctionCall) goja.Value {
		v := values.Get(call.Argument(0).String())
		return vm.ToValue(v != nil && !goja.IsUndefined(v))
	})
	_ = cfg.Set("update", func(goja.FunctionCall) goja.Value {
		return c.rejected(errs.New(errs.CodeInvalidParams, "configuration is read-only in the extension host"))
	})
	return cfg
}

func (c *extContext) fsAPI() *goja.Object {
	vm := c.vm
	fs := vm.NewObject()

	_ = fs.Set("readFile", func(call goja.FunctionCall) goja.Value {
		params := types.FileParams{Caller: c.caller(), Path: c.pathArg(call.Argument(0))}
		return c.request(types.MethodWorkspaceReadFile, params, func(raw json.RawMessage) (goja.Value, error) {
			var res types.ReadFileResult
			if err := decodeResult(raw, &res); err != nil {
				return nil, err
			}
			return c.newUint8Array(res.Content), nil
		})
	})
	_ = fs.Set("writeFile", func(call goja.FunctionCall) goja.Value {
		path := c.pathArg(call.Argument(0))
		content, err := bytesOf(call.Argument(1))
		if err != nil {
			c.throw(err)
		}
		return c.request(types.MethodWorkspaceWriteFile, types.WriteFileParams{Caller: c.caller(), Path: path, Content: content}, nil)
	})
	_ = fs.Set("stat", func(call goja.FunctionCall) goja.Value {
		params := types.FileParams{Caller: c.caller(), Path: c.pathArg(call.Argument(0))}
		return c.request(types.MethodWorkspaceStat, params, func(raw json.RawMessage) (goja.Value, error) {
			var st types.FileStat
			if err := decodeResult(raw, &st); err != nil {
				return nil, err
			}
			obj := vm.NewObject()
			kind := fileTypeFile
			if st.IsDir {
				kind = fileTypeDirectory
			}
			_ = obj.Set("type", kind)
			_ = obj.Set("size", st.Size)
			_ = obj.Set("mtime", st.ModTime.UnixMilli())
			_ = obj.Set("ctime", st.ModTime.UnixMilli())
			if st.MIME != "" {
				_ = obj.Set("mime", st.MIME)
			}
			return obj, nil
		})
	})
	_ = fs.Set("readDirectory", func(call goja.FunctionCall) goja.Value {
		params := types.FileParams{Caller: c.caller(), Path: c.pathArg(call.Argument(0))}
		return c.request(types.MethodWorkspaceReadDirectory, params, func(raw json.RawMessage) (goja.Value, error) {
			var res types.ReadDirectoryResult
			if err := decodeResult(raw, &res); err != nil {
				return nil, err
			}
			out := make([]interface{}, 0, len(res.Entries))
			for _, e := range res.Entries {
				kind := fileTypeFile
				if e.IsDir {
					kind = fileTypeDirectory
				}
				out = append(out, vm.NewArray(e.Name, kind))
			}
			return vm.NewArray(out...), nil
		})
	})
	_ = fs.Set("rename", func(call goja.FunctionCall) goja.Value {
		params := types.RenameParams{
			Caller:    c.caller(),
			From:      c.pathArg(call.Argument(0)),
			To:        c.pathArg(call.Argument(1)),
			Overwrite: c.optionBool(call.Argument(2), "overwrite"),
		}
		return c.request(types.MethodWorkspaceRename, params, nil)
	})
	_ = fs.Set("delete", func(call goja.FunctionCall) goja.Value {
		params := types.DeleteParams{
			Caller:    c.caller(),
			Path:      c.pathArg(call.Argument(0)),
			Recursive: c.optionBool(call.Argument(1), "recursive"),
		}
		return c.request(types.MethodWorkspaceDelete, params, nil)
	})
	return fs
}

func (c *extContext) createWatcher(pattern string, ignoreCreate, ignoreChange, ignoreDelete bool) *goja.Object {
	vm := c.vm
	if pattern == "" {
		panic(vm.NewTypeError("createFileSystemWatcher needs a glob pattern"))
	}
	h := &watcherHandle{create: c.newEmitter(), change: c.newEmitter(), remove: c.newEmitter()}
	if ignoreCreate {
		h.create = nil
	}
	if ignoreChange {
		h.change = nil
	}
	if ignoreDelete {
		h.remove = nil
	}

	go func() {
		var res types.WatchResult
		err := c.rt.call(c.ctx, types.MethodWorkspaceWatch, types.WatchParams{Caller: c.caller(), Pattern: pattern}, &res)
		c.loop.Submit(func() {
			if err != nil {
				c.log("error", "createFileSystemWatcher("+pattern+") failed: "+errs.MessageOf(err))
				return
			}
			if h.disposed || c.closing {
				go c.unwatch(c.ctx, res.WatcherID)
				return
			}
			h.id = res.WatcherID
			c.watchers[h.id] = h
		})
	}()

	w := vm.NewObject()
	_ = w.Set("ignoreCreateEvents", ignoreCreate)
	_ = w.Set("ignoreChangeEvents", ignoreChange)
	_ = w.Set("ignoreDeleteEvents", ignoreDelete)
	for name, em := range map[string]*goja.Object{"onDidCreate": h.create, "onDidChange": h.change, "onDidDelete": h.remove} {
		if em == nil {
			em = c.newEmitter()
		}
		_ = w.Set(name, em.Get("event"))
	}
	_ = w.Set("dispose", func(goja.FunctionCall) goja.Value {
		if h.disposed {
			return goja.Undefined()
		}
		h.disposed = true
		if h.id != "" && !c.closing {
			delete(c.watchers, h.id)
			go c.unwatch(c.ctx, h.id)
		}
		return goja.Undefined()
	})
	return w
}

func (c *extContext) unwatch(ctx context.Context, watcherID string) {
	err := c.rt.call(ctx, types.MethodWorkspaceUnwatch, types.UnwatchParams{Caller: c.caller(), WatcherID: watcherID}, nil)
	if err != nil {
		c.logger.Debug("Unwatch failed", zap.String("watcher", watcherID), zap.Error(err))
	}
}

// watcherEvent delivers a file change to a watcher. Runs on the loop.
func (c *extContext) watcherEvent(watcherID, kind, path string) {
	h, ok := c.watchers[watcherID]
	if !ok {
		return
	}
	var em *goja.Object
	switch kind {
	case "created":
		em = h.create
	case "changed":
		em = h.change
	case "deleted":
		em = h.remove
	}
	c.fire(em, c.uri(path))
}

func (c *extContext) windowAPI() *goja.Object {
	vm := c.vm
	win := vm.NewObject()

	show := func(severity string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			var items []string
			for _, a := range call.Arguments[min(1, len(call.Arguments)):] {
				if obj, ok := a.(*goja.Object); ok && obj.Get("title") != nil {
					items = append(items, obj.Get("title").String())
					continue
				}
				items = append(items, a.String())
			}
			params := types.MessageParams{Caller: c.caller(), Severity: severity, Message: call.Argument(0).String(), Items: items}
			return c.request(types.MethodWindowShowMessage, params, func(raw json.RawMessage) (goja.Value, error) {
				v, err := c.fromJSON(raw)
				if err != nil || goja.IsNull(v) {
					return goja.Undefined(), err
				}
				return v, nil
			})
		}
	}
	_ = win.Set("showInformationMessage", show("info"))
	_ = win.Set("showWarningMessage", show("warning"))
	_ = win.Set("showErrorMessage", show("error"))

	_ = win.Set("createWebviewPanel", func(call goja.FunctionCall) goja.Value {
		viewType, _ := call.Argument(0).Export().(string)
		if viewType == "" {
			panic(vm.NewTypeError("createWebviewPanel needs a view type"))
		}
		params := types.WebviewCreateParams{
			Caller:   c.caller(),
			ViewType: viewType,
			Title:    call.Argument(1).String(),
			Options: types.PanelOptions{
				EnableScripts: c.optionBool(call.Argument(3), "enableScripts"),
				RetainContext: c.optionBool(call.Argument(3), "retainContextWhenHidden"),
			},
		}
		return c.request(types.MethodWebviewCreate, params, func(raw json.RawMessage) (goja.Value, error) {
			var panel types.Panel
			if err := decodeResult(raw, &panel); err != nil {
				return nil, err
			}
			return c.panel(panel, params.Options), nil
		})
	})

	c.accessor(win, "activeTextEditor", func() goja.Value {
		doc, ok := c.rt.activeDocument(c.key.window)
		if !ok {
			return goja.Undefined()
		}
		return c.editor(doc)
	}, nil)
	_ = win.Set("onDidChangeActiveTextEditor", c.emitters[emitterActive].Get("event"))

	_ = win.Set("createOutputChannel", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		ch := vm.NewObject()
		_ = ch.Set("name", name)
		var pending strings.Builder
		flush := func(text string) {
			for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
				c.log("info", "["+name+"] "+line)
			}
		}
		_ = ch.Set("append", func(call goja.FunctionCall) goja.Value {
			pending.WriteString(call.Argument(0).String())
			if s := pending.String(); strings.Contains(s, "\n") {
				i := strings.LastIndexByte(s, '\n')
				flush(s[:i])
				pending.Reset()
				pending.WriteString(s[i+1:])
			}
			return goja.Undefined()
		})
		_ = ch.Set("appendLine", func(call goja.FunctionCall) goja.Value {
			pending.WriteString(call.Argument(0).String())
			flush(pending.String())
			pending.Reset()
			return goja.Undefined()
		})
		noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
		_ = ch.Set("clear", func(goja.FunctionCall) goja.Value {
			pending.Reset()
			return goja.Undefined()
		})
		_ = ch.Set("show", noop)
		_ = ch.Set("hide", noop)
		_ = ch.Set("dispose", noop)
		return ch
	})
	return win
}

// panel builds the JS side of a webview panel and tracks it.
func (c *extContext) panel(p types.Panel, opts types.PanelOptions) *goja.Object {
	vm := c.vm
	h := &panelHandle{
		id:       p.PanelID,
		title:    p.Title,
		html:     p.HTML,
		visible:  p.Visible,
		active:   p.Active,
		message:  c.newEmitter(),
		disposed: c.newEmitter(),
	}
	update := func(params types.WebviewUpdateParams) {
		params.Caller = c.caller()
		params.PanelID = h.id
		go func() {
			if err := c.rt.call(c.ctx, types.MethodWebviewUpdate, params, nil); err != nil {
				c.loop.Submit(func() { c.log("error", "webview update failed: "+errs.MessageOf(err)) })
			}
		}()
	}

	obj := vm.NewObject()
	_ = obj.Set("id", p.PanelID)
	_ = obj.Set("viewType", p.ViewType)
	c.accessor(obj, "title", func() goja.Value { return vm.ToValue(h.title) }, func(v goja.Value) {
		h.title = v.String()
		title := h.title
		update(types.WebviewUpdateParams{Title: &title})
	})
	c.accessor(obj, "visible", func() goja.Value { return vm.ToValue(h.visible) }, nil)
	c.accessor(obj, "active", func() goja.Value { return vm.ToValue(h.active) }, nil)

	webview := vm.NewObject()
	optsObj := vm.NewObject()
	_ = optsObj.Set("enableScripts", opts.EnableScripts)
	_ = webview.Set("options", optsObj)
	_ = webview.Set("cspSource", "'self'")
	c.accessor(webview, "html", func() goja.Value { return vm.ToValue(h.html) }, func(v goja.Value) {
		h.html = v.String()
		html := h.html
		update(types.WebviewUpdateParams{HTML: &html})
	})
	_ = webview.Set("postMessage", func(call goja.FunctionCall) goja.Value {
		raw, err := c.toJSON(call.Argument(0))
		if err != nil {
			c.throw(err)
		}
		params := types.WebviewPostParams{Caller: c.caller(), PanelID: h.id, Message: raw}
		return c.request(types.MethodWebviewPostMessage, params, func(json.RawMessage) (goja.Value, error) {
			return vm.ToValue(true), nil
		})
	})
	_ = webview.Set("asWebviewUri", func(call goja.FunctionCall) goja.Value { return call.Argument(0) })
	_ = webview.Set("onDidReceiveMessage", h.message.Get("event"))
	_ = obj.Set("webview", webview)

	_ = obj.Set("reveal", func(goja.FunctionCall) goja.Value {
		return c.request(types.MethodWebviewReveal, types.PanelParams{Caller: c.caller(), PanelID: h.id}, func(raw json.RawMessage) (goja.Value, error) {
			var updated types.Panel
			if err := decodeResult(raw, &updated); err == nil {
				h.visible, h.active = updated.Visible, updated.Active
			}
			return goja.Undefined(), nil
		})
	})
	_ = obj.Set("dispose", func(goja.FunctionCall) goja.Value {
		if h.closed {
			return goja.Undefined()
		}
		c.closePanel(h)
		go func() {
			err := c.rt.call(c.ctx, types.MethodWebviewDispose, types.PanelParams{Caller: c.caller(), PanelID: h.id}, nil)
			if err != nil {
				c.logger.Debug("Panel dispose failed", zap.String("panel", h.id), zap.Error(err))
			}
		}()
		return goja.Undefined()
	})
	_ = obj.Set("onDidDispose", h.disposed.Get("event"))

	h.obj = obj
	c.panels[h.id] = h
	return obj
}

func (c *extContext) closePanel(h *panelHandle) {
	h.closed = true
	h.visible = false
	delete(c.panels, h.id)
	c.fire(h.disposed, goja.Undefined())
}

// panelMessage delivers a message posted by a panel. Runs on the loop.
func (c *extContext) panelMessage(panelID string, raw json.RawMessage) {
	h, ok := c.panels[panelID]
	if !ok {
		c.logger.Debug("Message for unknown panel", zap.String("panel", panelID))
		return
	}
	v, err := c.fromJSON(raw)
	if err != nil {
		c.reportError(err)
		return
	}
	c.fire(h.message, v)
}

func (c *extContext) languagesAPI() *goja.Object {
	vm := c.vm
	languages := vm.NewObject()
	_ = languages.Set("startSession", func(call goja.FunctionCall) goja.Value {
		opts, ok := call.Argument(0).(*goja.Object)
		if !ok {
			panic(vm.NewTypeError("startSession needs an options object"))
		}
		get := func(name string) string {
			v := opts.Get(name)
			if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
				return ""
			}
			return v.String()
		}
		protocol := types.Protocol(get("protocol"))
		if protocol == "" {
			protocol = types.ProtocolLSP
		}
		params := types.SessionSpawnParams{
			Caller:    c.caller(),
			Protocol:  protocol,
			Command:   get("command"),
			Args:      c.stringsOf(opts.Get("args")),
			Cwd:       get("cwd"),
			Languages: c.stringsOf(opts.Get("languages")),
		}
		if params.Command == "" {
			panic(vm.NewTypeError("startSession needs a command"))
		}
		return c.request(types.MethodSessionSpawn, params, func(raw json.RawMessage) (goja.Value, error) {
			var s types.Session
			if err := decodeResult(raw, &s); err != nil {
				return nil, err
			}
			return c.session(s), nil
		})
	})
	return languages
}

// session builds the JS side of a protocol session and registers it for
// document relay.
func (c *extContext) session(s types.Session) *goja.Object {
	vm := c.vm
	h := &sessionHandle{id: s.SessionID, message: c.newEmitter(), errors: c.newEmitter(), exit: c.newEmitter()}
	c.sessions[h.id] = h
	c.rt.addSessionRoute(&sessionRoute{
		key:       c.key,
		id:        s.SessionID,
		protocol:  s.Protocol,
		languages: s.Languages,
		versions:  make(map[string]int),
	})

	obj := vm.NewObject()
	_ = obj.Set("id", s.SessionID)
	_ = obj.Set("protocol", string(s.Protocol))
	_ = obj.Set("pid", s.PID)
	_ = obj.Set("send", func(call goja.FunctionCall) goja.Value {
		raw, err := c.toJSON(call.Argument(0))
		if err != nil {
			c.throw(err)
		}
		return c.request(types.MethodSessionSend, types.SessionSendParams{Caller: c.caller(), SessionID: h.id, Payload: raw}, nil)
	})
	_ = obj.Set("stop", func(goja.FunctionCall) goja.Value {
		return c.request(types.MethodSessionStop, types.SessionParams{Caller: c.caller(), SessionID: h.id}, nil)
	})
	_ = obj.Set("onMessage", h.message.Get("event"))
	_ = obj.Set("onError", h.errors.Get("event"))
	_ = obj.Set("onExit", h.exit.Get("event"))
	return obj
}

// sessionEvent delivers session traffic. Runs on the loop.
func (c *extContext) sessionEvent(method string, p types.SessionMessageParams, exit *types.SessionExitParams) {
	h, ok := c.sessions[p.SessionID]
	if !ok {
		return
	}
	switch method {
	case types.NotifySessionMessage:
		v, err := c.fromJSON(p.Payload)
		if err != nil {
			c.reportError(err)
			return
		}
		c.fire(h.message, v)
	case types.NotifySessionError:
		c.fire(h.errors, c.vm.ToValue(p.Message))
	case types.NotifySessionExit:
		delete(c.sessions, p.SessionID)
		info := c.vm.NewObject()
		if exit != nil {
			_ = info.Set("code", exit.ExitCode)
			if exit.Signal != "" {
				_ = info.Set("signal", exit.Signal)
			}
		}
		c.fire(h.exit, info)
	}
}

func (c *extContext) envAPI() *goja.Object {
	env := c.vm.NewObject()
	_ = env.Set("appName", c.rt.opts.AppName)
	_ = env.Set("appHost", "exthost")
	_ = env.Set("language", "en")
	_ = env.Set("machineId", id.MachineSession())
	_ = env.Set("sessionId", c.rt.sessionID)
	_ = env.Set("uriScheme", "exthost")
	return env
}

// document builds a TextDocument view of an open file.
func (c *extContext) document(d document) *goja.Object {
	vm := c.vm
	doc := vm.NewObject()
	_ = doc.Set("uri", c.uri(d.Path))
	_ = doc.Set("fileName", d.Path)
	_ = doc.Set("languageId", d.LanguageID)
	_ = doc.Set("version", d.Version)
	_ = doc.Set("isDirty", false)
	_ = doc.Set("isUntitled", false)
	_ = doc.Set("lineCount", strings.Count(d.Text, "\n")+1)
	text := d.Text
	_ = doc.Set("getText", func(goja.FunctionCall) goja.Value { return vm.ToValue(text) })
	return doc
}

func (c *extContext) editor(d document) *goja.Object {
	ed := c.vm.NewObject()
	_ = ed.Set("document", c.document(d))
	return ed
}

// buildActivationContext assembles the context passed to activate().
func (c *extContext) buildActivationContext() *goja.Object {
	vm := c.vm
	actx := vm.NewObject()
	_ = actx.Set("subscriptions", vm.NewArray())
	_ = actx.Set("extensionPath", c.ext.InstallPath)
	_ = actx.Set("extensionUri", c.uri(c.ext.InstallPath))
	_ = actx.Set("extensionMode", 1)

	ext := vm.NewObject()
	_ = ext.Set("id", c.ext.ID)
	_ = ext.Set("extensionPath", c.ext.InstallPath)
	_ = ext.Set("extensionUri", c.uri(c.ext.InstallPath))
	pkg := vm.NewObject()
	_ = pkg.Set("name", c.ext.Name)
	_ = pkg.Set("publisher", c.ext.Publisher)
	_ = pkg.Set("version", c.ext.Version)
	_ = pkg.Set("displayName", c.ext.DisplayName)
	_ = ext.Set("packageJSON", pkg)
	_ = actx.Set("extension", ext)

	_ = actx.Set("asAbsolutePath", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(filepath.Join(c.ext.InstallPath, call.Argument(0).String()))
	})
	_ = actx.Set("globalState", c.memento(types.ScopeGlobal))
	_ = actx.Set("workspaceState", c.memento(types.ScopeWorkspace))
	_ = actx.Set("secrets", c.secretsAPI())
	return actx
}

func (c *extContext) memento(scope string) *goja.Object {
	vm := c.vm
	m := vm.NewObject()
	_ = m.Set("get", func(call goja.FunctionCall) goja.Value {
		def := call.Argument(1)
		params := types.StorageParams{Caller: c.caller(), Scope: scope, Key: call.Argument(0).String()}
		return c.request(types.MethodStorageGet, params, func(raw json.RawMessage) (goja.Value, error) {
			var res types.StorageValueResult
			if err := decodeResult(raw, &res); err != nil {
				return nil, err
			}
			if !res.Found {
				return def, nil
			}
			return c.fromJSON(res.Value)
		})
	})
	_ = m.Set("update", func(call goja.FunctionCall) goja.Value {
		var value json.RawMessage
		if v := call.Argument(1); !goja.IsUndefined(v) {
			raw, err := c.toJSON(v)
			if err != nil {
				c.throw(err)
			}
			value = raw
		}
		params := types.StorageParams{Caller: c.caller(), Scope: scope, Key: call.Argument(0).String(), Value: value}
		return c.request(types.MethodStorageSet, params, nil)
	})
	_ = m.Set("keys", func(goja.FunctionCall) goja.Value {
		return c.request(types.MethodStorageKeys, types.StorageParams{Caller: c.caller(), Scope: scope}, c.jsonValue)
	})
	return m
}

func (c *extContext) secretsAPI() *goja.Object {
	vm := c.vm
	s := vm.NewObject()
	_ = s.Set("get", func(call goja.FunctionCall) goja.Value {
		params := types.SecretParams{Caller: c.caller(), Key: call.Argument(0).String()}
		return c.request(types.MethodSecretsGet, params, func(raw json.RawMessage) (goja.Value, error) {
			var res types.SecretResult
			if err := decodeResult(raw, &res); err != nil {
				return nil, err
			}
			if !res.Found {
				return goja.Undefined(), nil
			}
			return vm.ToValue(res.Value), nil
		})
	})
	_ = s.Set("store", func(call goja.FunctionCall) goja.Value {
		params := types.SecretParams{Caller: c.caller(), Key: call.Argument(0).String(), Value: call.Argument(1).String()}
		return c.request(types.MethodSecretsStore, params, nil)
	})
	_ = s.Set("delete", func(call goja.FunctionCall) goja.Value {
		params := types.SecretParams{Caller: c.caller(), Key: call.Argument(0).String()}
		return c.request(types.MethodSecretsDelete, params, nil)
	})
	return s
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
