package webview

import (
	"sort"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/exthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/exthost/internal/shared/errs"
	"github.com/GriffinCanCode/exthost/internal/shared/id"
	"github.com/GriffinCanCode/exthost/internal/shared/types"
)

// Change kinds passed to the change callback.
const (
	ChangeCreated  = "created"
	ChangeUpdated  = "updated"
	ChangeRevealed = "revealed"
	ChangeDisposed = "disposed"
)

// ChangeFunc observes panel table changes. It is called without the table
// lock held.
type ChangeFunc func(kind string, panel types.Panel)

// Panels is the panel table. Safe for concurrent use.
type Panels struct {
	logger    *logging.Logger
	sanitizer *bluemonday.Policy

	mu       sync.RWMutex
	panels   map[string]*types.Panel
	onChange ChangeFunc
}

// NewPanels creates an empty table.
func NewPanels(logger *logging.Logger) *Panels {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Panels{
		logger:    logger.Named("webview"),
		sanitizer: bluemonday.UGCPolicy(),
		panels:    make(map[string]*types.Panel),
	}
}

// OnChange installs the change callback.
func (p *Panels) OnChange(fn ChangeFunc) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

func (p *Panels) notify(kind string, panel types.Panel) {
	p.mu.RLock()
	fn := p.onChange
	p.mu.RUnlock()
	if fn != nil {
		fn(kind, panel)
	}
}

// Create adds a panel owned by extensionID in windowID. The new panel is
// visible and active.
func (p *Panels) Create(windowID, extensionID, viewType, title, html string, opts types.PanelOptions) (types.Panel, error) {
	if windowID == "" || extensionID == "" {
		return types.Panel{}, errs.New(errs.CodeInvalidParams, "panel needs a window and an owner")
	}
	if viewType == "" {
		return types.Panel{}, errs.New(errs.CodeInvalidParams, "viewType is required")
	}

	panel := &types.Panel{
		PanelID:     string(id.NewPanelID()),
		ExtensionID: extensionID,
		WindowID:    windowID,
		ViewType:    viewType,
		Title:       title,
		Options:     opts,
	}
	p.setHTML(panel, html)

	p.mu.Lock()
	p.panels[panel.PanelID] = panel
	p.activate(panel)
	snapshot := *panel
	p.mu.Unlock()

	p.logger.Debug("Panel created",
		zap.String("panel", panel.PanelID),
		zap.String("extension", extensionID),
		zap.String("view_type", viewType))
	p.notify(ChangeCreated, snapshot)
	return snapshot, nil
}

func (p *Panels) setHTML(panel *types.Panel, html string) {
	panel.HTML = html
	if panel.Options.EnableScripts {
		panel.SanitizedHTML = ""
		return
	}
	panel.SanitizedHTML = p.sanitizer.Sanitize(html)
}

// activate must be called with p.mu held.
func (p *Panels) activate(target *types.Panel) {
	for _, other := range p.panels {
		if other.WindowID == target.WindowID {
			other.Active = false
		}
	}
	target.Visible = true
	target.Active = true
}

// Update changes the HTML and/or title of a panel owned by the caller.
func (p *Panels) Update(windowID, extensionID, panelID string, title, html *string) (types.Panel, error) {
	p.mu.Lock()
	panel, err := p.owned(windowID, extensionID, panelID)
	if err != nil {
		p.mu.Unlock()
		return types.Panel{}, err
	}
	if title != nil {
		panel.Title = *title
	}
	if html != nil {
		p.setHTML(panel, *html)
	}
	snapshot := *panel
	p.mu.Unlock()

	p.notify(ChangeUpdated, snapshot)
	return snapshot, nil
}

// SetHTML replaces the panel HTML.
func (p *Panels) SetHTML(windowID, extensionID, panelID, html string) (types.Panel, error) {
	return p.Update(windowID, extensionID, panelID, nil, &html)
}

// SetTitle replaces the panel title.
func (p *Panels) SetTitle(windowID, extensionID, panelID, title string) (types.Panel, error) {
	return p.Update(windowID, extensionID, panelID, &title, nil)
}

// Reveal makes a panel the only active panel of its window.
func (p *Panels) Reveal(windowID, extensionID, panelID string) (types.Panel, error) {
	p.mu.Lock()
	panel, err := p.owned(windowID, extensionID, panelID)
	if err != nil {
		p.mu.Unlock()
		return types.Panel{}, err
	}
	p.activate(panel)
	snapshot := *panel
	p.mu.Unlock()

	p.notify(ChangeRevealed, snapshot)
	return snapshot, nil
}

// Dispose removes a panel owned by the caller.
func (p *Panels) Dispose(windowID, extensionID, panelID string) error {
	p.mu.Lock()
	panel, err := p.owned(windowID, extensionID, panelID)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	delete(p.panels, panelID)
	snapshot := *panel
	p.mu.Unlock()

	p.notify(ChangeDisposed, snapshot)
	return nil
}

// owned must be called with p.mu held.
func (p *Panels) owned(windowID, extensionID, panelID string) (*types.Panel, error) {
	panel, ok := p.panels[panelID]
	if !ok || panel.WindowID != windowID || panel.ExtensionID != extensionID {
		return nil, errs.New(errs.CodePanelNotFound, "panel %s not found", panelID)
	}
	return panel, nil
}

// Get returns a panel by id regardless of owner. Used by the UI side.
func (p *Panels) Get(panelID string) (types.Panel, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	panel, ok := p.panels[panelID]
	if !ok {
		return types.Panel{}, errs.New(errs.CodePanelNotFound, "panel %s not found", panelID)
	}
	return *panel, nil
}

// List returns the panels of a window ordered by id.
func (p *Panels) List(windowID string) []types.Panel {
	p.mu.RLock()
	out := make([]types.Panel, 0)
	for _, panel := range p.panels {
		if panel.WindowID == windowID {
			out = append(out, *panel)
		}
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PanelID < out[j].PanelID })
	return out
}

// Count returns the number of live panels.
func (p *Panels) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.panels)
}

// PurgeWindow disposes every panel of a window.
func (p *Panels) PurgeWindow(windowID string) int {
	return p.purge(func(panel *types.Panel) bool { return panel.WindowID == windowID })
}

// PurgeExtension disposes an extension's panels in one window, or in all
// windows when windowID is empty.
func (p *Panels) PurgeExtension(windowID, extensionID string) int {
	return p.purge(func(panel *types.Panel) bool {
		return panel.ExtensionID == extensionID && (windowID == "" || panel.WindowID == windowID)
	})
}

func (p *Panels) purge(match func(*types.Panel) bool) int {
	p.mu.Lock()
	var removed []types.Panel
	for panelID, panel := range p.panels {
		if match(panel) {
			removed = append(removed, *panel)
			delete(p.panels, panelID)
		}
	}
	p.mu.Unlock()

	for _, panel := range removed {
		p.notify(ChangeDisposed, panel)
	}
	return len(removed)
}
