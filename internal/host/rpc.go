package host

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/exthost/internal/ipc"
	"github.com/GriffinCanCode/exthost/internal/procbroker"
	"github.com/GriffinCanCode/exthost/internal/shared/errs"
	"github.com/GriffinCanCode/exthost/internal/shared/types"
)

// Message severities accepted by window.showMessage.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// routes builds the table of methods the runtime may call.
func (h *Host) routes() *ipc.Mux {
	m := ipc.NewMux()

	m.Handle(types.MethodCommandsRegister, ipc.Typed(h.registerCommand))
	m.Handle(types.MethodCommandsUnregister, ipc.Typed(h.unregisterCommand))
	m.Handle(types.MethodCommandsExecute, ipc.Typed(h.executeCommand))
	m.Handle(types.MethodCommandsList, ipc.Typed(h.listCommands))

	m.Handle(types.MethodWorkspaceReadFile, ipc.Typed(h.readFile))
	m.Handle(types.MethodWorkspaceWriteFile, ipc.Typed(h.writeFile))
	m.Handle(types.MethodWorkspaceStat, ipc.Typed(h.stat))
	m.Handle(types.MethodWorkspaceReadDirectory, ipc.Typed(h.readDirectory))
	m.Handle(types.MethodWorkspaceFindFiles, ipc.Typed(h.findFiles))
	m.Handle(types.MethodWorkspaceRename, ipc.Typed(h.rename))
	m.Handle(types.MethodWorkspaceDelete, ipc.Typed(h.delete))
	m.Handle(types.MethodWorkspaceContains, ipc.Typed(h.contains))
	m.Handle(types.MethodWorkspaceConfiguration, ipc.Typed(h.configuration))
	m.Handle(types.MethodWorkspaceWatch, ipc.Typed(h.watch))
	m.Handle(types.MethodWorkspaceUnwatch, ipc.Typed(h.unwatch))

	m.Handle(types.MethodWindowShowMessage, ipc.Typed(h.showMessage))

	m.Handle(types.MethodWebviewCreate, ipc.Typed(h.createPanel))
	m.Handle(types.MethodWebviewUpdate, ipc.Typed(h.updatePanel))
	m.Handle(types.MethodWebviewReveal, ipc.Typed(h.revealPanel))
	m.Handle(types.MethodWebviewDispose, ipc.Typed(h.disposePanel))
	m.Handle(types.MethodWebviewPostMessage, ipc.Typed(h.postFromPanel))

	m.Handle(types.MethodSessionSpawn, ipc.Typed(h.spawnSession))
	m.Handle(types.MethodSessionSend, ipc.Typed(h.sendSession))
	m.Handle(types.MethodSessionStop, ipc.Typed(h.stopSession))

	m.Handle(types.MethodStorageGet, ipc.Typed(h.storageGet))
	m.Handle(types.MethodStorageSet, ipc.Typed(h.storageSet))
	m.Handle(types.MethodStorageKeys, ipc.Typed(h.storageKeys))

	m.Handle(types.MethodSecretsGet, ipc.Typed(h.secretGet))
	m.Handle(types.MethodSecretsStore, ipc.Typed(h.secretStore))
	m.Handle(types.MethodSecretsDelete, ipc.Typed(h.secretDelete))

	return m
}

// authorize checks that a caller names an attached window and an enabled
// extension and returns the extension record.
func (h *Host) authorize(c types.Caller) (types.Extension, error) {
	if c.WindowID == "" || c.ExtensionID == "" {
		return types.Extension{}, errs.New(errs.CodeInvalidParams, "caller must name a window and an extension")
	}
	if !h.attached(c.WindowID) {
		return types.Extension{}, errs.New(errs.CodeNotFound, "window %s is not attached", c.WindowID)
	}
	ext, ok := h.index.Get(c.ExtensionID)
	if !ok || !ext.Enabled {
		return types.Extension{}, errs.New(errs.CodeNotFound, "extension %s is not enabled", c.ExtensionID)
	}
	return ext, nil
}

// Commands.

func (h *Host) registerCommand(_ context.Context, p types.CommandParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	cmd := types.Command{ID: p.Command, ExtensionID: p.ExtensionID, WindowID: p.WindowID, Enabled: true}
	if err := h.commands.Register(cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

func (h *Host) unregisterCommand(_ context.Context, p types.CommandParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	return nil, h.commands.Unregister(p.WindowID, p.ExtensionID, p.Command)
}

func (h *Host) executeCommand(ctx context.Context, p types.CommandParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	return h.ExecuteCommand(ctx, p.WindowID, p.Command, p.Args)
}

func (h *Host) listCommands(_ context.Context, p types.CommandParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	cmds := h.commands.List(p.WindowID)
	ids := make([]string, 0, len(cmds))
	for _, c := range cmds {
		if c.Enabled {
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}

// Workspace.

func (h *Host) readFile(_ context.Context, p types.FileParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	data, err := h.workspace.ReadFile(p.WindowID, p.Path)
	if err != nil {
		return nil, err
	}
	return types.ReadFileResult{Content: data, Size: int64(len(data))}, nil
}

func (h *Host) writeFile(_ context.Context, p types.WriteFileParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	return nil, h.workspace.WriteFile(p.WindowID, p.Path, p.Content)
}

func (h *Host) stat(_ context.Context, p types.FileParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	return h.workspace.Stat(p.WindowID, p.Path)
}

func (h *Host) readDirectory(_ context.Context, p types.FileParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	return h.workspace.ReadDirectory(p.WindowID, p.Path)
}

func (h *Host) findFiles(ctx context.Context, p types.FindFilesParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	return h.workspace.FindFiles(ctx, p.WindowID, p.Include, p.Exclude, p.MaxResults)
}

func (h *Host) rename(_ context.Context, p types.RenameParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	return nil, h.workspace.Rename(p.WindowID, p.From, p.To, p.Overwrite)
}

func (h *Host) delete(_ context.Context, p types.DeleteParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	return nil, h.workspace.Delete(p.WindowID, p.Path, p.Recursive)
}

func (h *Host) contains(ctx context.Context, p types.ContainsParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	found, err := h.workspace.Contains(ctx, p.WindowID, p.Pattern)
	if err != nil {
		return nil, err
	}
	return types.ContainsResult{Found: found}, nil
}

func (h *Host) configuration(_ context.Context, p types.ConfigurationParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	return h.settings.Get(p.WindowID, p.Section), nil
}

func (h *Host) watch(_ context.Context, p types.WatchParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	watcherID, err := h.workspace.Watchers().Add(p.WindowID, p.ExtensionID, p.Pattern)
	if err != nil {
		return nil, err
	}
	return types.WatchResult{WatcherID: watcherID}, nil
}

func (h *Host) unwatch(_ context.Context, p types.UnwatchParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	return nil, h.workspace.Watchers().Remove(p.WindowID, p.ExtensionID, p.WatcherID)
}

// Window messages.

func (h *Host) showMessage(_ context.Context, p types.MessageParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	switch p.Severity {
	case "":
		p.Severity = SeverityInfo
	case SeverityInfo, SeverityWarning, SeverityError:
	default:
		return nil, errs.New(errs.CodeInvalidParams, "unknown severity %q", p.Severity)
	}
	if !h.limiter(p.ExtensionID).Allow() {
		h.logger.ForExtension(p.WindowID, p.ExtensionID).Debug("Message throttled")
		return nil, errs.New(errs.CodeLimitExceeded, "too many messages from %s", p.ExtensionID)
	}
	h.hub.Publish(Event{Type: EventMessage, WindowID: p.WindowID, Data: p})
	return nil, nil
}

func (h *Host) limiter(extensionID string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[extensionID]
	if !ok {
		l = rate.NewLimiter(h.messageRate, h.messageBurst)
		h.limiters[extensionID] = l
	}
	return l
}

// Webview panels.

func (h *Host) createPanel(_ context.Context, p types.WebviewCreateParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	return h.panels.Create(p.WindowID, p.ExtensionID, p.ViewType, p.Title, p.HTML, p.Options)
}

func (h *Host) updatePanel(_ context.Context, p types.WebviewUpdateParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	return h.panels.Update(p.WindowID, p.ExtensionID, p.PanelID, p.Title, p.HTML)
}

func (h *Host) revealPanel(_ context.Context, p types.PanelParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	return h.panels.Reveal(p.WindowID, p.ExtensionID, p.PanelID)
}

func (h *Host) disposePanel(_ context.Context, p types.PanelParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	return nil, h.panels.Dispose(p.WindowID, p.ExtensionID, p.PanelID)
}

// postFromPanel forwards an extension's message to the panel's surface.
func (h *Host) postFromPanel(_ context.Context, p types.WebviewPostParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	panel, err := h.panels.Get(p.PanelID)
	if err != nil || panel.WindowID != p.WindowID || panel.ExtensionID != p.ExtensionID {
		return nil, errs.New(errs.CodePanelNotFound, "panel %s not found", p.PanelID)
	}
	h.hub.Publish(Event{
		Type:     EventPanelMessage,
		WindowID: p.WindowID,
		Data:     types.WebviewMessageParams{WindowID: p.WindowID, ExtensionID: p.ExtensionID, PanelID: p.PanelID, Message: p.Message},
	})
	return nil, nil
}

// Protocol sessions.

func (h *Host) spawnSession(_ context.Context, p types.SessionSpawnParams) (interface{}, error) {
	ext, err := h.authorize(p.Caller)
	if err != nil {
		return nil, err
	}
	return h.sessions.Spawn(procbroker.SpawnRequest{
		Protocol:    p.Protocol,
		WindowID:    p.WindowID,
		ExtensionID: p.ExtensionID,
		InstallPath: ext.InstallPath,
		Command:     p.Command,
		Args:        p.Args,
		Cwd:         p.Cwd,
		Languages:   p.Languages,
	})
}

func (h *Host) sendSession(_ context.Context, p types.SessionSendParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	if _, err := h.sessions.Owned(p.WindowID, p.ExtensionID, p.SessionID); err != nil {
		return nil, err
	}
	return nil, h.sessions.Send(p.SessionID, p.Payload)
}

func (h *Host) stopSession(_ context.Context, p types.SessionParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	if _, err := h.sessions.Owned(p.WindowID, p.ExtensionID, p.SessionID); err != nil {
		return nil, err
	}
	return nil, h.sessions.Stop(p.SessionID)
}

// Storage and secrets.

func (h *Host) storageGet(_ context.Context, p types.StorageParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	value, found, err := h.storage.Get(p.Scope, p.WindowID, p.ExtensionID, p.Key)
	if err != nil {
		return nil, err
	}
	return types.StorageValueResult{Value: value, Found: found}, nil
}

func (h *Host) storageSet(_ context.Context, p types.StorageParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	return nil, h.storage.Set(p.Scope, p.WindowID, p.ExtensionID, p.Key, p.Value)
}

func (h *Host) storageKeys(_ context.Context, p types.StorageParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	return h.storage.Keys(p.Scope, p.WindowID, p.ExtensionID)
}

func (h *Host) secretGet(_ context.Context, p types.SecretParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	value, found, err := h.secrets.Get(p.ExtensionID, p.Key)
	if err != nil {
		return nil, err
	}
	return types.SecretResult{Value: value, Found: found}, nil
}

func (h *Host) secretStore(_ context.Context, p types.SecretParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	if err := h.secrets.Store(p.ExtensionID, p.Key, p.Value); err != nil {
		return nil, err
	}
	h.logger.ForExtension(p.WindowID, p.ExtensionID).Debug("Secret stored", zap.String("key", p.Key))
	return nil, nil
}

func (h *Host) secretDelete(_ context.Context, p types.SecretParams) (interface{}, error) {
	if _, err := h.authorize(p.Caller); err != nil {
		return nil, err
	}
	return nil, h.secrets.Delete(p.ExtensionID, p.Key)
}

// PostToPanel delivers a message from the panel's surface to the owning
// extension context.
func (h *Host) PostToPanel(panelID string, message json.RawMessage) error {
	panel, err := h.panels.Get(panelID)
	if err != nil {
		return err
	}
	return h.runtime.Notify(types.NotifyWebviewMessage, types.WebviewMessageParams{
		WindowID:    panel.WindowID,
		ExtensionID: panel.ExtensionID,
		PanelID:     panel.PanelID,
		Message:     message,
	})
}
