package sandbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/exthost/internal/policy"
	"github.com/GriffinCanCode/exthost/internal/shared/errs"
	"github.com/GriffinCanCode/exthost/internal/shared/paths"
)

const builtinPrefix = "builtin:"

// loader resolves and instantiates CommonJS modules for one context. File
// modules must live inside the extension's install directory; bare names
// are capability checks against the policy. Everything here runs on the
// context's loop.
type loader struct {
	c      *extContext
	policy *policy.Policy
	root   string // canonical install path

	// cache maps a canonical path (or builtin:<name>) to its module
	// object. Entries are added before the module body runs so cyclic
	// requires see the partially filled exports.
	cache map[string]*goja.Object
}

func newLoader(c *extContext, pol *policy.Policy) (*loader, error) {
	root, err := paths.Canonical(c.ext.InstallPath)
	if err != nil {
		return nil, errs.Wrap(errs.CodeNotFound, err, "extension directory %s is not readable", c.ext.InstallPath)
	}
	return &loader{c: c, policy: pol, root: root, cache: make(map[string]*goja.Object)}, nil
}

// requireFunc returns the require function handed to modules in dir.
func (l *loader) requireFunc(dir string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		spec, ok := call.Argument(0).Export().(string)
		if !ok || spec == "" {
			panic(l.c.vm.NewTypeError("module specifier must be a non-empty string"))
		}
		exports, err := l.require(dir, spec)
		if err != nil {
			l.c.throw(err)
		}
		return exports
	}
}

// require resolves spec relative to dir and returns the module's exports.
func (l *loader) require(dir, spec string) (goja.Value, error) {
	if isPathSpecifier(spec) {
		file, err := l.resolve(dir, spec)
		if err != nil {
			return nil, err
		}
		return l.loadFile(file)
	}
	return l.loadBuiltin(spec)
}

// requireMain loads the extension's entry point.
func (l *loader) requireMain(main string) (goja.Value, error) {
	if !strings.HasPrefix(main, "/") && !strings.HasPrefix(main, ".") {
		main = "./" + main
	}
	return l.require(l.root, main)
}

func isPathSpecifier(spec string) bool {
	return spec == "." || spec == ".." ||
		strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") ||
		filepath.IsAbs(spec)
}

// resolve maps a path specifier to a canonical file inside the install
// directory.
func (l *loader) resolve(dir, spec string) (string, error) {
	target := spec
	if !filepath.IsAbs(target) {
		target = filepath.Join(dir, spec)
	}
	target = filepath.Clean(target)
	if !paths.Within(l.root, target) {
		return "", errs.New(errs.CodePathEscape, "module %q resolves outside the extension directory", spec)
	}

	escaped := false
	for _, candidate := range l.candidates(target) {
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		real, err := filepath.EvalSymlinks(candidate)
		if err != nil {
			continue
		}
		if !paths.Within(l.root, real) {
			escaped = true
			continue
		}
		return real, nil
	}
	if escaped {
		return "", errs.New(errs.CodePathEscape, "module %q resolves outside the extension directory", spec)
	}
	return "", errs.New(errs.CodeNotFound, "cannot find module %q", spec)
}

func (l *loader) candidates(target string) []string {
	out := []string{target, target + ".js", target + ".json"}
	if main := packageMain(target); main != "" {
		m := filepath.Join(target, main)
		out = append(out, m, m+".js", m+".json", filepath.Join(m, "index.js"))
	}
	return append(out, filepath.Join(target, "index.js"), filepath.Join(target, "index.json"))
}

func packageMain(dir string) string {
	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return ""
	}
	var pkg struct {
		Main string `json:"main"`
	}
	if json.Unmarshal(raw, &pkg) != nil {
		return ""
	}
	return pkg.Main
}

func (l *loader) loadFile(file string) (goja.Value, error) {
	if m, ok := l.cache[file]; ok {
		return m.Get("exports"), nil
	}
	src, err := os.ReadFile(file)
	if err != nil {
		return nil, errs.Wrap(errs.CodeNotFound, err, "cannot read module %s", file)
	}

	module := l.newModule(file)
	l.cache[file] = module

	if strings.EqualFold(filepath.Ext(file), ".json") {
		v, err := l.c.fromJSON(src)
		if err != nil {
			delete(l.cache, file)
			return nil, err
		}
		_ = module.Set("exports", v)
	} else {
		prog, err := goja.Compile(file, wrapModule(string(src)), false)
		if err != nil {
			delete(l.cache, file)
			return nil, errs.Wrap(errs.CodeActivationFailed, err, "syntax error in %s", file)
		}
		if err := l.run(prog, module, file, filepath.Dir(file)); err != nil {
			delete(l.cache, file)
			return nil, err
		}
	}
	_ = module.Set("loaded", true)
	return module.Get("exports"), nil
}

func (l *loader) loadBuiltin(spec string) (goja.Value, error) {
	name := strings.TrimPrefix(spec, "node:")
	if alias, ok := moduleAliases[name]; ok {
		name = alias
	}
	decision, err := l.policy.Decide(l.c.key.extension, name)
	if err != nil {
		return nil, err
	}

	key := builtinPrefix + name
	if m, ok := l.cache[key]; ok {
		return m.Get("exports"), nil
	}

	if build, ok := nativeModules[name]; ok {
		module := l.newModule(key)
		_ = module.Set("exports", build(l.c))
		_ = module.Set("loaded", true)
		l.cache[key] = module
		l.logDecision(name, decision)
		return module.Get("exports"), nil
	}
	if prog, ok := scriptModules[name]; ok {
		module := l.newModule(key)
		l.cache[key] = module
		if err := l.run(prog, module, key, ""); err != nil {
			delete(l.cache, key)
			return nil, err
		}
		_ = module.Set("loaded", true)
		l.logDecision(name, decision)
		return module.Get("exports"), nil
	}
	// Allowed by an override but nothing backs it; node_modules lookup is
	// not supported.
	return nil, errs.New(errs.CodeModuleNotAllowed, "module %q is not available in the extension host", name)
}

func (l *loader) logDecision(name string, d policy.Decision) {
	if d == policy.DecisionOverride {
		l.c.logger.Info("Module allowed by override", zap.String("module", name))
	}
}

func (l *loader) newModule(id string) *goja.Object {
	module := l.c.vm.NewObject()
	_ = module.Set("id", id)
	_ = module.Set("filename", id)
	_ = module.Set("loaded", false)
	_ = module.Set("exports", l.c.vm.NewObject())
	return module
}

// run evaluates a wrapped module program and calls it with the CommonJS
// bindings.
func (l *loader) run(prog *goja.Program, module *goja.Object, filename, dir string) error {
	fnVal, err := l.c.vm.RunProgram(prog)
	if err != nil {
		return err
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return errs.New(errs.CodeInternal, "module wrapper for %s is not a function", filename)
	}
	require := l.c.vm.ToValue(l.requireFunc(dir))
	if dir == "" {
		require = l.c.vm.ToValue(l.requireFunc(l.root))
	}
	exports := module.Get("exports")
	_, err = fn(exports, exports, require, module, l.c.vm.ToValue(filename), l.c.vm.ToValue(dir))
	return err
}
