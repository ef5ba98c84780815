package commands

import (
	"sort"
	"sync"

	"github.com/GriffinCanCode/exthost/internal/shared/errs"
	"github.com/GriffinCanCode/exthost/internal/shared/types"
)

const builtinScope = ""

// Registry is the command table. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	byWindow map[string]map[string]types.Command
	onChange func(count int)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byWindow: make(map[string]map[string]types.Command)}
}

// OnChange installs a callback receiving the total count after mutations.
func (r *Registry) OnChange(fn func(count int)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Register adds a command. Re-registering by the same owner replaces the
// entry; a different owner in the same window is rejected.
func (r *Registry) Register(cmd types.Command) error {
	if cmd.ID == "" {
		return errs.New(errs.CodeInvalidParams, "command ID cannot be empty")
	}
	if cmd.WindowID == "" && cmd.ExtensionID != "" {
		return errs.New(errs.CodeInvalidParams, "extension command %s needs a window", cmd.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byWindow[builtinScope][cmd.ID]; ok && !cmd.BuiltIn() {
		return errs.New(errs.CodeInvalidParams, "command %s is reserved by the host", cmd.ID)
	}
	scope := r.byWindow[cmd.WindowID]
	if scope == nil {
		scope = make(map[string]types.Command)
		r.byWindow[cmd.WindowID] = scope
	}
	if existing, ok := scope[cmd.ID]; ok && existing.ExtensionID != cmd.ExtensionID {
		return errs.New(errs.CodeInvalidParams, "command %s already registered by %s", cmd.ID, existing.ExtensionID)
	}
	scope[cmd.ID] = cmd
	r.changedLocked()
	return nil
}

// RegisterBuiltIn registers a host command visible in every window.
func (r *Registry) RegisterBuiltIn(commandID string) error {
	return r.Register(types.Command{ID: commandID, Enabled: true})
}

// Unregister removes a command owned by extensionID in windowID.
func (r *Registry) Unregister(windowID, extensionID, commandID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	scope := r.byWindow[windowID]
	cmd, ok := scope[commandID]
	if !ok {
		return errs.New(errs.CodeCommandNotFound, "command %s not registered", commandID)
	}
	if cmd.ExtensionID != extensionID {
		return errs.New(errs.CodeInvalidParams, "command %s is owned by %s", commandID, cmd.ExtensionID)
	}
	delete(scope, commandID)
	if len(scope) == 0 {
		delete(r.byWindow, windowID)
	}
	r.changedLocked()
	return nil
}

// SetEnabled toggles a command.
func (r *Registry) SetEnabled(windowID, commandID string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmd, ok := r.byWindow[windowID][commandID]
	if !ok {
		return errs.New(errs.CodeCommandNotFound, "command %s not registered", commandID)
	}
	cmd.Enabled = enabled
	r.byWindow[windowID][commandID] = cmd
	return nil
}

// Lookup finds a command visible from windowID. Window commands shadow
// nothing: built-ins are reserved, so at most one match exists.
func (r *Registry) Lookup(windowID, commandID string) (types.Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cmd, ok := r.byWindow[windowID][commandID]; ok {
		return cmd, true
	}
	cmd, ok := r.byWindow[builtinScope][commandID]
	return cmd, ok
}

// List returns the commands visible from windowID sorted by id.
func (r *Registry) List(windowID string) []types.Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Command, 0, len(r.byWindow[windowID])+len(r.byWindow[builtinScope]))
	for _, cmd := range r.byWindow[builtinScope] {
		out = append(out, cmd)
	}
	if windowID != builtinScope {
		for _, cmd := range r.byWindow[windowID] {
			out = append(out, cmd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PurgeWindow removes every command registered in windowID and returns how
// many were removed. Built-ins are never purged.
func (r *Registry) PurgeWindow(windowID string) int {
	if windowID == builtinScope {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.byWindow[windowID])
	delete(r.byWindow, windowID)
	if n > 0 {
		r.changedLocked()
	}
	return n
}

// PurgeExtension removes an extension's commands, in one window or, with
// an empty windowID, in all windows.
func (r *Registry) PurgeExtension(windowID, extensionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for win, scope := range r.byWindow {
		if win == builtinScope || (windowID != "" && win != windowID) {
			continue
		}
		for id, cmd := range scope {
			if cmd.ExtensionID == extensionID {
				delete(scope, id)
				n++
			}
		}
		if len(scope) == 0 {
			delete(r.byWindow, win)
		}
	}
	if n > 0 {
		r.changedLocked()
	}
	return n
}

// Count returns the number of registered commands, built-ins included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countLocked()
}

func (r *Registry) countLocked() int {
	n := 0
	for _, scope := range r.byWindow {
		n += len(scope)
	}
	return n
}

func (r *Registry) changedLocked() {
	if r.onChange != nil {
		r.onChange(r.countLocked())
	}
}
