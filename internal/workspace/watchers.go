package workspace

import (
	"path/filepath"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/GriffinCanCode/exthost/internal/shared/errs"
	"github.com/GriffinCanCode/exthost/internal/shared/id"
	"github.com/GriffinCanCode/exthost/internal/shared/paths"
)

// Change kinds carried by watcher events.
const (
	ChangeCreated = "created"
	ChangeChanged = "changed"
	ChangeDeleted = "deleted"
)

// Watcher is a glob subscription owned by one extension context.
type Watcher struct {
	ID          string `json:"watcherId"`
	WindowID    string `json:"windowId"`
	ExtensionID string `json:"extensionId"`
	Pattern     string `json:"pattern"`
}

// Watchers is the watcher table. Safe for concurrent use.
type Watchers struct {
	mu   sync.RWMutex
	byID map[string]Watcher
}

// NewWatchers creates an empty table.
func NewWatchers() *Watchers {
	return &Watchers{byID: make(map[string]Watcher)}
}

// Add registers a watcher and returns its id.
func (w *Watchers) Add(windowID, extensionID, pattern string) (string, error) {
	if pattern == "" || !doublestar.ValidatePattern(filepath.ToSlash(pattern)) {
		return "", errs.New(errs.CodeInvalidParams, "invalid watch pattern %q", pattern)
	}
	watcher := Watcher{
		ID:          string(id.NewWatcherID()),
		WindowID:    windowID,
		ExtensionID: extensionID,
		Pattern:     filepath.ToSlash(pattern),
	}
	w.mu.Lock()
	w.byID[watcher.ID] = watcher
	w.mu.Unlock()
	return watcher.ID, nil
}

// Remove deletes a watcher owned by the caller.
func (w *Watchers) Remove(windowID, extensionID, watcherID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	watcher, ok := w.byID[watcherID]
	if !ok || watcher.WindowID != windowID || watcher.ExtensionID != extensionID {
		return errs.New(errs.CodeNotFound, "watcher %s not found", watcherID)
	}
	delete(w.byID, watcherID)
	return nil
}

// Match returns the watchers in windowID whose pattern matches path.
// Relative patterns are matched against the path relative to each root
// containing it; absolute patterns against the path itself.
func (w *Watchers) Match(windowID string, roots []string, path string) []Watcher {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var rel string
	if root, ok := paths.WithinAny(roots, path); ok {
		if r, err := filepath.Rel(root, path); err == nil {
			rel = filepath.ToSlash(r)
		}
	}
	abs := filepath.ToSlash(path)

	var out []Watcher
	for _, watcher := range w.byID {
		if watcher.WindowID != windowID {
			continue
		}
		target := rel
		if filepath.IsAbs(filepath.FromSlash(watcher.Pattern)) {
			target = abs
		}
		if target == "" {
			continue
		}
		if ok, _ := doublestar.Match(watcher.Pattern, target); ok {
			out = append(out, watcher)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List returns the watchers of one window.
func (w *Watchers) List(windowID string) []Watcher {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var out []Watcher
	for _, watcher := range w.byID {
		if watcher.WindowID == windowID {
			out = append(out, watcher)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PurgeWindow removes every watcher of a window.
func (w *Watchers) PurgeWindow(windowID string) int {
	return w.purge(func(watcher Watcher) bool { return watcher.WindowID == windowID })
}

// PurgeExtension removes an extension's watchers in one window, or in all
// windows when windowID is empty.
func (w *Watchers) PurgeExtension(windowID, extensionID string) int {
	return w.purge(func(watcher Watcher) bool {
		return watcher.ExtensionID == extensionID && (windowID == "" || watcher.WindowID == windowID)
	})
}

func (w *Watchers) purge(match func(Watcher) bool) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for watcherID, watcher := range w.byID {
		if match(watcher) {
			delete(w.byID, watcherID)
			n++
		}
	}
	return n
}
