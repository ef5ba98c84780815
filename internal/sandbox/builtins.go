package sandbox

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/exthost/internal/policy"
)

// Modules implemented in JS, evaluated once per context like any other
// CommonJS module.
var scriptModules = map[string]*goja.Program{
	"events":         compileScript("events.js", true),
	"util":           compileScript("util.js", true),
	"assert":         compileScript("assert.js", true),
	"string_decoder": compileScript("string_decoder.js", true),
}

// Modules implemented in Go.
var nativeModules = map[string]func(c *extContext) goja.Value{
	policy.HostAPI: func(c *extContext) goja.Value { return c.api },
	"path":         pathModule,
	"querystring":  querystringModule,
	"url":          urlModule,
}

var moduleAliases = map[string]string{
	"path/posix":    "path",
	"assert/strict": "assert",
}

func pathModule(c *extContext) goja.Value {
	vm := c.vm
	cwd := filepath.ToSlash(c.ext.InstallPath)
	m := vm.NewObject()

	strs := func(call goja.FunctionCall) []string {
		out := make([]string, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			if _, ok := a.Export().(string); !ok {
				panic(vm.NewTypeError("path arguments must be strings"))
			}
			out = append(out, a.String())
		}
		return out
	}
	resolve := func(parts []string) string {
		out := ""
		for i := len(parts) - 1; i >= 0 && !strings.HasPrefix(out, "/"); i-- {
			if parts[i] == "" {
				continue
			}
			if out == "" {
				out = parts[i]
			} else {
				out = parts[i] + "/" + out
			}
		}
		if !strings.HasPrefix(out, "/") {
			out = cwd + "/" + out
		}
		return path.Clean(out)
	}

	_ = m.Set("sep", "/")
	_ = m.Set("delimiter", ":")
	_ = m.Set("join", func(call goja.FunctionCall) goja.Value {
		joined := path.Join(strs(call)...)
		if joined == "" {
			joined = "."
		}
		return vm.ToValue(joined)
	})
	_ = m.Set("resolve", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(resolve(strs(call)))
	})
	_ = m.Set("normalize", func(call goja.FunctionCall) goja.Value {
		p := call.Argument(0).String()
		if p == "" {
			return vm.ToValue(".")
		}
		out := path.Clean(p)
		if strings.HasSuffix(p, "/") && out != "/" {
			out += "/"
		}
		return vm.ToValue(out)
	})
	_ = m.Set("isAbsolute", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(strings.HasPrefix(call.Argument(0).String(), "/"))
	})
	_ = m.Set("dirname", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(path.Dir(strings.TrimRight(call.Argument(0).String(), "/")))
	})
	_ = m.Set("basename", func(call goja.FunctionCall) goja.Value {
		p := call.Argument(0).String()
		if p == "" {
			return vm.ToValue("")
		}
		base := path.Base(p)
		if ext := call.Argument(1); !goja.IsUndefined(ext) {
			if e := ext.String(); e != base && strings.HasSuffix(base, e) {
				base = strings.TrimSuffix(base, e)
			}
		}
		return vm.ToValue(base)
	})
	_ = m.Set("extname", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(extname(call.Argument(0).String()))
	})
	_ = m.Set("relative", func(call goja.FunctionCall) goja.Value {
		args := strs(call)
		if len(args) < 2 {
			panic(vm.NewTypeError("relative needs two paths"))
		}
		rel, err := filepath.Rel(resolve(args[:1]), resolve(args[1:2]))
		if err != nil {
			panic(vm.NewTypeError(err.Error()))
		}
		if rel == "." {
			rel = ""
		}
		return vm.ToValue(filepath.ToSlash(rel))
	})
	_ = m.Set("parse", func(call goja.FunctionCall) goja.Value {
		p := call.Argument(0).String()
		obj := vm.NewObject()
		root := ""
		if strings.HasPrefix(p, "/") {
			root = "/"
		}
		base := ""
		if p != "" {
			base = path.Base(p)
			if base == "/" {
				base = ""
			}
		}
		dir := ""
		if strings.Contains(strings.TrimRight(p, "/"), "/") {
			dir = path.Dir(strings.TrimRight(p, "/"))
		} else if root != "" {
			dir = "/"
		}
		ext := extname(base)
		_ = obj.Set("root", root)
		_ = obj.Set("dir", dir)
		_ = obj.Set("base", base)
		_ = obj.Set("ext", ext)
		_ = obj.Set("name", strings.TrimSuffix(base, ext))
		return obj
	})
	_ = m.Set("format", func(call goja.FunctionCall) goja.Value {
		obj := call.Argument(0).ToObject(vm)
		get := func(k string) string {
			v := obj.Get(k)
			if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
				return ""
			}
			return v.String()
		}
		dir := get("dir")
		if dir == "" {
			dir = get("root")
		}
		base := get("base")
		if base == "" {
			base = get("name") + get("ext")
		}
		switch {
		case dir == "":
			return vm.ToValue(base)
		case strings.HasSuffix(dir, "/"):
			return vm.ToValue(dir + base)
		}
		return vm.ToValue(dir + "/" + base)
	})
	_ = m.Set("posix", m)
	return m
}

func extname(p string) string {
	base := path.Base(p)
	if p == "" || base == "/" {
		return ""
	}
	i := strings.LastIndexByte(base, '.')
	if i <= 0 || (i == 1 && base == "..") {
		return ""
	}
	return base[i:]
}

func querystringModule(c *extContext) goja.Value {
	vm := c.vm
	m := vm.NewObject()
	escape := func(s string) string {
		return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
	}
	unescape := func(s string) string {
		out, err := url.QueryUnescape(s)
		if err != nil {
			return s
		}
		return out
	}
	optional := func(v goja.Value, def string) string {
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) || v.String() == "" {
			return def
		}
		return v.String()
	}

	_ = m.Set("escape", func(call goja.FunctionCall) goja.Value { return vm.ToValue(escape(call.Argument(0).String())) })
	_ = m.Set("unescape", func(call goja.FunctionCall) goja.Value { return vm.ToValue(unescape(call.Argument(0).String())) })
	_ = m.Set("parse", func(call goja.FunctionCall) goja.Value {
		out := vm.NewObject()
		s := call.Argument(0)
		if goja.IsUndefined(s) || goja.IsNull(s) {
			return out
		}
		sep := optional(call.Argument(1), "&")
		eq := optional(call.Argument(2), "=")
		for _, part := range strings.Split(s.String(), sep) {
			if part == "" {
				continue
			}
			k, v, _ := strings.Cut(part, eq)
			k, v = unescape(k), unescape(v)
			switch prev := out.Get(k).(type) {
			case nil:
				_ = out.Set(k, v)
			case *goja.Object:
				push, _ := goja.AssertFunction(prev.Get("push"))
				_, _ = push(prev, vm.ToValue(v))
			default:
				_ = out.Set(k, vm.NewArray(prev, v))
			}
		}
		return out
	})
	_ = m.Set("stringify", func(call goja.FunctionCall) goja.Value {
		arg := call.Argument(0)
		if goja.IsUndefined(arg) || goja.IsNull(arg) {
			return vm.ToValue("")
		}
		sep := optional(call.Argument(1), "&")
		eq := optional(call.Argument(2), "=")
		obj := arg.ToObject(vm)
		var parts []string
		for _, k := range obj.Keys() {
			v := obj.Get(k)
			if inner, ok := v.(*goja.Object); ok && inner.ClassName() == "Array" {
				for _, ik := range inner.Keys() {
					parts = append(parts, escape(k)+eq+escape(inner.Get(ik).String()))
				}
				continue
			}
			if goja.IsUndefined(v) || goja.IsNull(v) {
				parts = append(parts, escape(k)+eq)
				continue
			}
			parts = append(parts, escape(k)+eq+escape(v.String()))
		}
		return vm.ToValue(strings.Join(parts, sep))
	})
	_ = m.Set("decode", m.Get("parse"))
	_ = m.Set("encode", m.Get("stringify"))
	return m
}

func urlModule(c *extContext) goja.Value {
	vm := c.vm
	m := vm.NewObject()
	_ = m.Set("URL", c.lib.Get("URL"))
	_ = m.Set("URLSearchParams", c.lib.Get("URLSearchParams"))
	_ = m.Set("fileURLToPath", func(call goja.FunctionCall) goja.Value {
		u, err := url.Parse(call.Argument(0).String())
		if err != nil || u.Scheme != "file" {
			panic(vm.NewTypeError("The URL must be of scheme file"))
		}
		if u.Host != "" && u.Host != "localhost" {
			panic(vm.NewTypeError("File URL host must be \"localhost\" or empty"))
		}
		return vm.ToValue(u.Path)
	})
	_ = m.Set("pathToFileURL", func(call goja.FunctionCall) goja.Value {
		p := call.Argument(0).String()
		if !strings.HasPrefix(p, "/") {
			p = filepath.ToSlash(c.ext.InstallPath) + "/" + p
		}
		href := (&url.URL{Scheme: "file", Path: path.Clean(p)}).String()
		out, err := vm.New(c.lib.Get("URL"), vm.ToValue(href))
		if err != nil {
			c.throw(err)
		}
		return out
	})
	_ = m.Set("format", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(call.Argument(0).String())
	})
	return m
}
