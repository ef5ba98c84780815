package host

import (
	"path/filepath"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/exthost/internal/ipc"
	"github.com/GriffinCanCode/exthost/internal/procbroker"
	"github.com/GriffinCanCode/exthost/internal/shared/errs"
	"github.com/GriffinCanCode/exthost/internal/shared/types"
	"github.com/GriffinCanCode/exthost/internal/workspace"
)

// UI event types accepted from the shell.
const (
	UIFileOpened          = "fileOpened"
	UIFileChanged         = "fileChanged"
	UIFileSaved           = "fileSaved"
	UIFileCreated         = "fileCreated"
	UIFileDeleted         = "fileDeleted"
	UIActiveEditorChanged = "activeEditorChanged"
	UIStartupFinished     = "startupFinished"
)

// UIEvent is a window lifecycle, editor or file change reported by the
// shell.
type UIEvent struct {
	Type       string `json:"type" binding:"required"`
	Path       string `json:"path,omitempty"`
	LanguageID string `json:"languageId,omitempty"`
	Text       string `json:"text,omitempty"`
}

// HandleUIEvent relays a shell event to the runtime and to matching
// watchers.
func (h *Host) HandleUIEvent(windowID string, ev UIEvent) error {
	if !h.attached(windowID) {
		return errs.New(errs.CodeNotFound, "window %s is not attached", windowID)
	}
	if ev.Type == UIStartupFinished {
		return h.runtime.Notify(types.NotifyStartupFinished, types.WindowParams{WindowID: windowID})
	}

	if ev.Type != UIActiveEditorChanged || ev.Path != "" {
		if ev.Path == "" || !filepath.IsAbs(ev.Path) {
			return errs.New(errs.CodeInvalidParams, "event %s needs an absolute path", ev.Type)
		}
		ev.Path = filepath.Clean(ev.Path)
	}
	if ev.LanguageID == "" && ev.Path != "" {
		ev.LanguageID = types.LanguageForPath(ev.Path)
	}
	file := types.FileEvent{WindowID: windowID, Path: ev.Path, LanguageID: ev.LanguageID, Text: ev.Text}

	var (
		notify string
		change string
	)
	switch ev.Type {
	case UIFileOpened:
		notify = types.NotifyFileOpened
		h.setActiveEditor(windowID, ev.Path)
	case UIFileChanged:
		notify = types.NotifyFileChanged
	case UIFileSaved:
		notify = types.NotifyFileSaved
		change = workspace.ChangeChanged
	case UIFileCreated:
		change = workspace.ChangeCreated
	case UIFileDeleted:
		change = workspace.ChangeDeleted
	case UIActiveEditorChanged:
		notify = types.NotifyActiveEditor
		h.setActiveEditor(windowID, ev.Path)
	default:
		return errs.New(errs.CodeInvalidParams, "unknown event type %q", ev.Type)
	}

	if notify != "" {
		if err := h.runtime.Notify(notify, file); err != nil {
			return err
		}
	}
	if change != "" {
		h.fireWatchers(windowID, change, ev.Path)
	}
	return nil
}

func (h *Host) setActiveEditor(windowID, path string) {
	h.mu.Lock()
	if w, ok := h.windows[windowID]; ok {
		w.activeEditor = path
	}
	h.mu.Unlock()
}

func (h *Host) fireWatchers(windowID, kind, path string) {
	roots := h.workspace.Roots(windowID)
	for _, w := range h.workspace.Watchers().Match(windowID, roots, path) {
		err := h.runtime.Notify(types.NotifyWatcherEvent, types.WatcherEventParams{
			WindowID:    w.WindowID,
			ExtensionID: w.ExtensionID,
			WatcherID:   w.ID,
			Kind:        kind,
			Path:        path,
		})
		if err != nil {
			h.logger.Debug("Watcher event not delivered", zap.String("watcher", w.ID), zap.Error(err))
			return
		}
	}
}

// handleRuntimeEvent runs on the IPC read loop.
func (h *Host) handleRuntimeEvent(msg *ipc.Message) {
	switch msg.Method {
	case types.EventActivation:
		var act types.Activation
		if err := ipc.Decode(msg.Params, &act); err != nil {
			h.logger.Warn("Malformed activation event", zap.Error(err))
			return
		}
		h.metrics.RecordActivation(string(act.State))
		log := h.logger.ForExtension(act.WindowID, act.ExtensionID)
		if act.State == types.StateFailed {
			log.Warn("Extension activation failed", zap.String("event", act.LastEvent), zap.String("error", act.LastError))
		} else {
			log.Debug("Activation state changed", zap.String("state", string(act.State)), zap.String("event", act.LastEvent))
		}
		h.hub.Publish(Event{Type: EventActivation, WindowID: act.WindowID, Data: act})

	case types.EventExtensionError:
		var ev types.ExtensionErrorEvent
		if err := ipc.Decode(msg.Params, &ev); err != nil {
			h.logger.Warn("Malformed extension error event", zap.Error(err))
			return
		}
		h.logger.ForExtension(ev.WindowID, ev.ExtensionID).Warn("Extension error", zap.String("message", ev.Message))
		h.hub.Publish(Event{Type: EventExtensionError, WindowID: ev.WindowID, Data: ev})

	case types.EventLog:
		var ev types.LogEvent
		if err := ipc.Decode(msg.Params, &ev); err != nil {
			return
		}
		log := h.logger.ForExtension(ev.WindowID, ev.ExtensionID)
		switch ev.Level {
		case "error":
			log.Error(ev.Message)
		case "warn", "warning":
			log.Warn(ev.Message)
		case "debug", "trace":
			log.Debug(ev.Message)
		default:
			log.Info(ev.Message)
		}

	default:
		h.logger.Debug("Ignoring runtime event", zap.String("method", msg.Method))
	}
}

// handleSessionEvent forwards protocol session traffic to the runtime.
func (h *Host) handleSessionEvent(ev procbroker.Event) {
	var err error
	switch ev.Kind {
	case procbroker.EventMessage:
		err = h.runtime.Notify(types.NotifySessionMessage, types.SessionMessageParams{
			SessionID:   ev.SessionID,
			WindowID:    ev.WindowID,
			ExtensionID: ev.ExtensionID,
			Payload:     ev.Payload,
		})
	case procbroker.EventError:
		msg := ""
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		err = h.runtime.Notify(types.NotifySessionError, types.SessionMessageParams{
			SessionID:   ev.SessionID,
			WindowID:    ev.WindowID,
			ExtensionID: ev.ExtensionID,
			Message:     msg,
		})
	case procbroker.EventExit:
		exit := types.SessionExitParams{
			SessionID:   ev.SessionID,
			WindowID:    ev.WindowID,
			ExtensionID: ev.ExtensionID,
			ExitCode:    ev.ExitCode,
			Signal:      ev.Signal,
		}
		h.hub.Publish(Event{Type: EventSessionExit, WindowID: ev.WindowID, Data: exit})
		err = h.runtime.Notify(types.NotifySessionExit, exit)
	}
	if err != nil {
		h.logger.Debug("Session event not delivered",
			zap.String("session", ev.SessionID),
			zap.String("kind", ev.Kind),
			zap.Error(err),
		)
	}
}
