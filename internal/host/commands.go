package host

import (
	"context"
	"encoding/json"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/exthost/internal/shared/errs"
	"github.com/GriffinCanCode/exthost/internal/shared/types"
)

// Built-in commands owned by the host.
const (
	CommandListExtensions = "exthost.listExtensions"
	CommandReloadSettings = "exthost.reloadSettings"
	CommandRuntimeStatus  = "exthost.runtimeStatus"
)

type builtinFunc func(ctx context.Context, windowID string, args []interface{}) (interface{}, error)

func (h *Host) builtins() map[string]builtinFunc {
	return map[string]builtinFunc{
		CommandListExtensions: func(context.Context, string, []interface{}) (interface{}, error) {
			return h.index.List(), nil
		},
		CommandReloadSettings: func(context.Context, string, []interface{}) (interface{}, error) {
			return nil, h.settings.Reload()
		},
		CommandRuntimeStatus: func(context.Context, string, []interface{}) (interface{}, error) {
			return map[string]interface{}{"status": h.runtime.Status()}, nil
		},
	}
}

func (h *Host) registerBuiltIns() {
	for id := range h.builtins() {
		if err := h.commands.RegisterBuiltIn(id); err != nil {
			h.logger.Warn("Failed to register built-in command", zap.String("command", id), zap.Error(err))
		}
	}
}

// ExecuteCommand runs a command visible in windowID. A command nobody has
// registered yet activates the dormant extensions declaring
// onCommand:<id> first.
func (h *Host) ExecuteCommand(ctx context.Context, windowID, commandID string, args []interface{}) (json.RawMessage, error) {
	if !h.attached(windowID) {
		return nil, errs.New(errs.CodeNotFound, "window %s is not attached", windowID)
	}

	cmd, ok := h.commands.Lookup(windowID, commandID)
	if !ok {
		if err := h.activateForCommand(ctx, windowID, commandID); err != nil {
			return nil, err
		}
		cmd, ok = h.commands.Lookup(windowID, commandID)
	}
	if !ok {
		return nil, errs.New(errs.CodeCommandNotFound, "command %s not found", commandID)
	}
	if !cmd.Enabled {
		return nil, errs.New(errs.CodeCommandNotFound, "command %s is disabled", commandID)
	}

	if cmd.BuiltIn() {
		fn, ok := h.builtins()[commandID]
		if !ok {
			return nil, errs.New(errs.CodeCommandNotFound, "command %s has no host implementation", commandID)
		}
		result, err := fn(ctx, windowID, args)
		if err != nil {
			return nil, err
		}
		return sonic.ConfigStd.Marshal(result)
	}

	var result json.RawMessage
	err := h.runtime.Request(ctx, types.MethodCommandsInvoke, types.InvokeParams{
		WindowID:    windowID,
		ExtensionID: cmd.ExtensionID,
		Command:     commandID,
		Args:        args,
	}, &result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// activateForCommand asks the runtime to activate every enabled extension
// declaring onCommand:<id>. An extension that fails activation is
// reported; the caller then sees the command as missing.
func (h *Host) activateForCommand(ctx context.Context, windowID, commandID string) error {
	event := "onCommand:" + commandID
	var failed error
	for _, ext := range h.index.Enabled() {
		if !ext.HasActivationEvent(event) {
			continue
		}
		var act types.Activation
		err := h.runtime.Request(ctx, types.MethodExtensionActivate, types.ActivateParams{
			WindowID:    windowID,
			ExtensionID: ext.ID,
			Event:       event,
		}, &act)
		if err != nil {
			failed = err
			continue
		}
		if act.State == types.StateFailed {
			failed = errs.New(errs.CodeActivationFailed, "extension %s failed to activate: %s", ext.ID, act.LastError)
		}
	}
	if _, ok := h.commands.Lookup(windowID, commandID); !ok && failed != nil {
		return failed
	}
	return nil
}
