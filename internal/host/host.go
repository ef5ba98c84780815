package host

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/exthost/internal/commands"
	"github.com/GriffinCanCode/exthost/internal/extindex"
	"github.com/GriffinCanCode/exthost/internal/infrastructure/config"
	"github.com/GriffinCanCode/exthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/exthost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/exthost/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/exthost/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/exthost/internal/ipc"
	"github.com/GriffinCanCode/exthost/internal/procbroker"
	"github.com/GriffinCanCode/exthost/internal/settings"
	"github.com/GriffinCanCode/exthost/internal/shared/errs"
	"github.com/GriffinCanCode/exthost/internal/shared/paths"
	"github.com/GriffinCanCode/exthost/internal/shared/types"
	"github.com/GriffinCanCode/exthost/internal/storage"
	"github.com/GriffinCanCode/exthost/internal/supervisor"
	"github.com/GriffinCanCode/exthost/internal/webview"
	"github.com/GriffinCanCode/exthost/internal/workspace"
)

const defaultDetachTimeout = 5 * time.Second

// Options wires a Host. Runtime and Index are required; nil brokers are
// created with default limits, and nil Storage and Secrets live in the
// storage directory next to the index file.
type Options struct {
	Runtime   Runtime
	Index     *extindex.Index
	Workspace *workspace.Broker
	Sessions  *procbroker.Broker
	Panels    *webview.Panels
	Commands  *commands.Registry
	Storage   *storage.Store
	Secrets   *storage.Secrets
	Settings  *settings.Store

	// MessageRate throttles window.showMessage per extension.
	MessageRate  rate.Limit
	MessageBurst int

	DetachTimeout time.Duration

	Logger  *logging.Logger
	Metrics *monitoring.Metrics
	Tracer  *tracing.Tracer
}

// window is the host-side record of an attached window.
type window struct {
	id           string
	roots        []string
	activeEditor string
	attachedAt   time.Time
}

// WindowInfo describes an attached window.
type WindowInfo struct {
	WindowID     string    `json:"windowId"`
	Roots        []string  `json:"roots"`
	ActiveEditor string    `json:"activeEditor,omitempty"`
	AttachedAt   time.Time `json:"attachedAt"`
}

// Host coordinates the runtime and the brokers.
type Host struct {
	runtime   Runtime
	index     *extindex.Index
	workspace *workspace.Broker
	sessions  *procbroker.Broker
	panels    *webview.Panels
	commands  *commands.Registry
	storage   *storage.Store
	secrets   *storage.Secrets
	settings  *settings.Store

	hub     *Hub
	mux     *ipc.Mux
	logger  *logging.Logger
	metrics *monitoring.Metrics
	tracer  *tracing.Tracer

	messageRate   rate.Limit
	messageBurst  int
	detachTimeout time.Duration

	mu       sync.RWMutex
	windows  map[string]*window
	synced   map[string]bool
	limiters map[string]*rate.Limiter

	syncMu sync.Mutex
}

// New creates a Host.
func New(opts Options) *Host {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	h := &Host{
		runtime:       opts.Runtime,
		index:         opts.Index,
		workspace:     opts.Workspace,
		sessions:      opts.Sessions,
		panels:        opts.Panels,
		commands:      opts.Commands,
		storage:       opts.Storage,
		secrets:       opts.Secrets,
		settings:      opts.Settings,
		hub:           NewHub(),
		logger:        logger.Named("host"),
		metrics:       opts.Metrics,
		tracer:        opts.Tracer,
		messageRate:   opts.MessageRate,
		messageBurst:  opts.MessageBurst,
		detachTimeout: opts.DetachTimeout,
		windows:       make(map[string]*window),
		synced:        make(map[string]bool),
		limiters:      make(map[string]*rate.Limiter),
	}
	if h.workspace == nil {
		h.workspace = workspace.NewBroker(workspace.DefaultLimits(), logger, opts.Metrics)
	}
	if h.sessions == nil {
		h.sessions = procbroker.New(procbroker.Options{Roots: h.workspace, Logger: logger, Metrics: opts.Metrics})
	}
	if h.panels == nil {
		h.panels = webview.NewPanels(logger)
	}
	if h.commands == nil {
		h.commands = commands.NewRegistry()
	}
	if h.settings == nil {
		h.settings = settings.NewStore(logger)
	}
	if h.storage == nil || h.secrets == nil {
		layout := paths.Layout{Root: filepath.Dir(h.index.Path())}
		if h.storage == nil {
			h.storage = storage.NewStore(layout.StorageDir(), logger)
		}
		if h.secrets == nil {
			h.secrets = storage.NewSecrets(layout.StorageDir(), layout.SecretKeyFile())
		}
	}
	if h.messageRate <= 0 {
		h.messageRate = 5
	}
	if h.messageBurst <= 0 {
		h.messageBurst = 10
	}
	if h.detachTimeout <= 0 {
		h.detachTimeout = defaultDetachTimeout
	}

	h.mux = h.routes()
	h.registerBuiltIns()
	h.wire()
	return h
}

// Assemble builds every broker from configuration and returns the Host.
func Assemble(cfg *config.Config, rt Runtime, logger *logging.Logger, metrics *monitoring.Metrics, tracer *tracing.Tracer) (*Host, error) {
	layout := paths.Layout{Root: cfg.Paths.DataDir}
	if err := layout.Ensure(); err != nil {
		return nil, err
	}

	index := extindex.New(layout.IndexFile(), logger)
	if err := index.Load(); err != nil {
		return nil, fmt.Errorf("failed to load extension index: %w", err)
	}
	if n, err := index.Scan(layout.ExtensionsDir()); err != nil {
		logger.Warn("Extension scan failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("Installed extensions from disk", zap.Int("count", n), zap.String("dir", layout.ExtensionsDir()))
	}

	ws := workspace.NewBroker(workspace.Limits{
		MaxReadBytes:   cfg.Broker.MaxReadBytes,
		MaxWriteBytes:  cfg.Broker.MaxWriteBytes,
		MaxDirEntries:  cfg.Broker.MaxDirEntries,
		MaxFindResults: cfg.Broker.MaxFindResults,
	}, logger, metrics)

	guard := resilience.NewGuard(resilience.GuardSettings{
		Threshold: cfg.Broker.CrashLoopThreshold,
		Window:    cfg.Broker.CrashLoopWindow,
		Cooldown:  cfg.Broker.CrashLoopCooldown,
		OnStateChange: func(key string, from, to resilience.State) {
			logger.Named("procbroker").Warn("Crash-loop guard changed state",
				zap.String("command", key),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	sessions := procbroker.New(procbroker.Options{
		Limits: procbroker.Limits{
			MaxSessions:     cfg.Broker.MaxSessions,
			PerWindow:       cfg.Broker.MaxSessionsPerWindow,
			PerExtension:    cfg.Broker.MaxSessionsPerExtension,
			MaxMessageBytes: cfg.Broker.MaxMessageBytes,
			StopGrace:       cfg.Broker.StopGrace,
		},
		Roots:   ws,
		Guard:   guard,
		Logger:  logger,
		Metrics: metrics,
	})

	settingsStore := settings.NewStore(logger)
	if cfg.Paths.SettingsFile != "" {
		if err := settingsStore.Load(cfg.Paths.SettingsFile); err != nil {
			return nil, fmt.Errorf("failed to load settings: %w", err)
		}
	}

	return New(Options{
		Runtime:      rt,
		Index:        index,
		Workspace:    ws,
		Sessions:     sessions,
		Panels:       webview.NewPanels(logger),
		Commands:     commands.NewRegistry(),
		Storage:      storage.NewStore(layout.StorageDir(), logger),
		Secrets:      storage.NewSecrets(layout.StorageDir(), layout.SecretKeyFile()),
		Settings:     settingsStore,
		MessageRate:  rate.Limit(cfg.RateLimit.MessagesPerSecond),
		MessageBurst: cfg.RateLimit.MessageBurst,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       tracer,
	}), nil
}

// wire installs callbacks on the collaborators.
func (h *Host) wire() {
	h.runtime.SetHandler(tracing.RPC(h.tracer, h.mux))
	h.runtime.OnEvent(h.handleRuntimeEvent)
	h.runtime.OnStatus(h.handleStatus)
	h.sessions.OnEvent(h.handleSessionEvent)

	h.commands.OnChange(func(count int) {
		h.metrics.SetCommandsRegistered(count)
	})
	h.panels.OnChange(func(kind string, panel types.Panel) {
		h.metrics.SetPanelsActive(h.panels.Count())
		h.hub.Publish(Event{
			Type:     EventPanel,
			WindowID: panel.WindowID,
			Data:     map[string]interface{}{"change": kind, "panel": panel},
		})
	})
	if h.index != nil {
		h.index.OnChange(func() {
			h.hub.Publish(Event{Type: EventExtensions, Data: h.index.List()})
		})
	}
}

// Hub returns the gateway event hub.
func (h *Host) Hub() *Hub {
	return h.hub
}

// Mux returns the inbound RPC table.
func (h *Host) Mux() *ipc.Mux {
	return h.mux
}

// Start launches the runtime and pushes the enabled extensions.
func (h *Host) Start(ctx context.Context) error {
	if err := h.runtime.Start(ctx); err != nil {
		return fmt.Errorf("failed to start runtime: %w", err)
	}
	if err := h.SyncExtensions(ctx); err != nil {
		return fmt.Errorf("failed to sync extensions: %w", err)
	}
	h.logger.Info("Host started", zap.Int("extensions", len(h.synced)))
	return nil
}

// Restart replaces the runtime and restores extensions and windows. Host
// state owned by the old runtime was dropped when it exited.
func (h *Host) Restart(ctx context.Context) error {
	if err := h.runtime.Restart(ctx); err != nil {
		return err
	}
	return h.restore(ctx)
}

func (h *Host) restore(ctx context.Context) error {
	h.mu.Lock()
	h.synced = make(map[string]bool)
	h.mu.Unlock()

	if err := h.SyncExtensions(ctx); err != nil {
		return err
	}
	for _, w := range h.Windows() {
		params := types.WindowParams{WindowID: w.WindowID, Roots: w.Roots}
		if err := h.runtime.Request(ctx, types.MethodWindowAttach, params, nil); err != nil {
			h.logger.Warn("Failed to re-attach window", zap.String("window", w.WindowID), zap.Error(err))
		}
	}
	return nil
}

// Close detaches every window and stops the runtime and all sessions.
func (h *Host) Close(ctx context.Context) error {
	for _, w := range h.Windows() {
		if err := h.DetachWindow(ctx, w.WindowID); err != nil {
			h.logger.Warn("Detach on close failed", zap.String("window", w.WindowID), zap.Error(err))
		}
	}
	var firstErr error
	if err := h.runtime.Stop(ctx); err != nil {
		firstErr = err
	}
	if err := h.sessions.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Status returns the runtime status.
func (h *Host) Status() supervisor.Status {
	return h.runtime.Status()
}

func (h *Host) handleStatus(status supervisor.Status, err error) {
	data := map[string]interface{}{"status": status}
	if err != nil {
		data["error"] = err.Error()
	}
	h.hub.Publish(Event{Type: EventStatus, Data: data})

	if status == supervisor.StatusExited {
		h.dropRuntimeState()
	}
}

// dropRuntimeState releases everything the dead runtime's contexts owned.
// Windows keep their roots so a restart can re-attach them.
func (h *Host) dropRuntimeState() {
	for _, w := range h.Windows() {
		n := h.purgeWindowResources(w.WindowID)
		if n > 0 {
			h.logger.Info("Released resources of exited runtime", zap.String("window", w.WindowID), zap.Int("count", n))
		}
	}
}

// AttachWindow registers a window with its workspace roots and tells the
// runtime about it. Attaching an attached window detaches it first.
func (h *Host) AttachWindow(ctx context.Context, windowID string, roots []string) (WindowInfo, error) {
	if windowID == "" {
		return WindowInfo{}, errs.New(errs.CodeInvalidParams, "window ID cannot be empty")
	}
	if h.attached(windowID) {
		if err := h.DetachWindow(ctx, windowID); err != nil {
			return WindowInfo{}, err
		}
	}

	if err := h.workspace.SetRoots(windowID, roots); err != nil {
		return WindowInfo{}, err
	}
	w := &window{id: windowID, roots: h.workspace.Roots(windowID), attachedAt: time.Now()}

	h.mu.Lock()
	h.windows[windowID] = w
	h.mu.Unlock()

	params := types.WindowParams{WindowID: windowID, Roots: w.roots}
	if err := h.runtime.Request(ctx, types.MethodWindowAttach, params, nil); err != nil {
		h.mu.Lock()
		delete(h.windows, windowID)
		h.mu.Unlock()
		h.purgeWindowResources(windowID)
		h.workspace.RemoveWindow(windowID)
		return WindowInfo{}, fmt.Errorf("runtime refused window %s: %w", windowID, err)
	}

	h.logger.Info("Window attached", zap.String("window", windowID), zap.Strings("roots", w.roots))
	info := w.info()
	h.hub.Publish(Event{Type: EventWindow, WindowID: windowID, Data: map[string]interface{}{"attached": true, "window": info}})
	return info, nil
}

// DetachWindow deactivates the window's extension contexts and purges
// every resource keyed by the window. Detaching an unknown window is a
// no-op.
func (h *Host) DetachWindow(ctx context.Context, windowID string) error {
	if !h.attached(windowID) {
		return nil
	}

	// The runtime's teardown calls back into the window (panel dispose,
	// session stop), so the window stays attached until it answers.
	detachCtx, cancel := context.WithTimeout(ctx, h.detachTimeout)
	err := h.runtime.Request(detachCtx, types.MethodWindowDetach, types.WindowParams{WindowID: windowID}, nil)
	cancel()
	if err != nil {
		h.logger.Warn("Runtime detach failed, purging anyway", zap.String("window", windowID), zap.Error(err))
	}

	h.mu.Lock()
	delete(h.windows, windowID)
	h.mu.Unlock()

	n := h.purgeWindowResources(windowID)
	h.workspace.RemoveWindow(windowID)
	h.settings.RemoveWindow(windowID)

	h.logger.Info("Window detached", zap.String("window", windowID), zap.Int("released", n))
	h.hub.Publish(Event{Type: EventWindow, WindowID: windowID, Data: map[string]interface{}{"attached": false}})
	return nil
}

// purgeWindowResources drops commands, sessions, panels and watchers of a
// window and returns how many were released.
func (h *Host) purgeWindowResources(windowID string) int {
	n := h.commands.PurgeWindow(windowID)
	n += h.sessions.StopWindow(windowID)
	n += h.panels.PurgeWindow(windowID)
	n += h.workspace.Watchers().PurgeWindow(windowID)
	return n
}

// purgeExtension drops an extension's resources in every window.
func (h *Host) purgeExtension(extensionID string) int {
	n := h.commands.PurgeExtension("", extensionID)
	n += h.sessions.StopExtension("", extensionID)
	n += h.panels.PurgeExtension("", extensionID)
	n += h.workspace.Watchers().PurgeExtension("", extensionID)

	h.mu.Lock()
	delete(h.limiters, extensionID)
	h.mu.Unlock()
	return n
}

func (h *Host) attached(windowID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.windows[windowID]
	return ok
}

// Window returns an attached window.
func (h *Host) Window(windowID string) (WindowInfo, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	w, ok := h.windows[windowID]
	if !ok {
		return WindowInfo{}, errs.New(errs.CodeNotFound, "window %s is not attached", windowID)
	}
	return w.info(), nil
}

// Windows lists attached windows by ID.
func (h *Host) Windows() []WindowInfo {
	h.mu.RLock()
	out := make([]WindowInfo, 0, len(h.windows))
	for _, w := range h.windows {
		out = append(out, w.info())
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].WindowID < out[j].WindowID })
	return out
}

// SetWindowSettings replaces a window's configuration overrides.
func (h *Host) SetWindowSettings(windowID string, values map[string]interface{}) error {
	if !h.attached(windowID) {
		return errs.New(errs.CodeNotFound, "window %s is not attached", windowID)
	}
	h.settings.SetWindowOverrides(windowID, values)
	return nil
}

// Commands lists the commands visible in a window.
func (h *Host) Commands(windowID string) []types.Command {
	return h.commands.List(windowID)
}

// Panels lists a window's webview panels.
func (h *Host) Panels(windowID string) []types.Panel {
	return h.panels.List(windowID)
}

// Sessions lists a window's protocol sessions.
func (h *Host) Sessions(windowID string) []types.Session {
	return h.sessions.List(windowID)
}

// SessionStats samples a session's process.
func (h *Host) SessionStats(sessionID string) (types.SessionStats, error) {
	return h.sessions.Stats(sessionID)
}

// Activations asks the runtime for its activation records.
func (h *Host) Activations(ctx context.Context) ([]types.Activation, error) {
	var out []types.Activation
	if err := h.runtime.Request(ctx, types.MethodRuntimeStates, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (w *window) info() WindowInfo {
	return WindowInfo{
		WindowID:     w.id,
		Roots:        append([]string(nil), w.roots...),
		ActiveEditor: w.activeEditor,
		AttachedAt:   w.attachedAt,
	}
}
