package host

import (
	"context"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/exthost/internal/shared/types"
	"github.com/GriffinCanCode/exthost/internal/supervisor"
)

// Extensions lists the installed extensions.
func (h *Host) Extensions() []types.Extension {
	return h.index.List()
}

// SyncExtensions pushes the enabled extensions to the runtime and releases
// everything held by extensions that are no longer enabled.
func (h *Host) SyncExtensions(ctx context.Context) error {
	h.syncMu.Lock()
	defer h.syncMu.Unlock()

	enabled := h.index.Enabled()
	h.settings.SetDefaults(enabled)

	if err := h.runtime.Request(ctx, types.MethodExtensionsSync, types.SyncParams{Extensions: enabled}, nil); err != nil {
		return err
	}
	h.applySynced(enabled)
	return nil
}

// applySynced records the synced set and purges extensions that left it.
func (h *Host) applySynced(enabled []types.Extension) {
	next := make(map[string]bool, len(enabled))
	for _, ext := range enabled {
		next[ext.ID] = true
	}
	h.mu.Lock()
	prev := h.synced
	h.synced = next
	h.mu.Unlock()

	for extID := range prev {
		if next[extID] {
			continue
		}
		if n := h.purgeExtension(extID); n > 0 {
			h.logger.Info("Released resources of removed extension", zap.String("extension", extID), zap.Int("count", n))
		}
	}
}

// InstallExtension records the unpacked extension in dir and syncs it.
func (h *Host) InstallExtension(ctx context.Context, dir string) (types.Extension, error) {
	ext, err := h.index.Install(dir)
	if err != nil {
		return types.Extension{}, err
	}
	h.logger.Info("Extension installed", zap.String("extension", ext.ID), zap.String("version", ext.Version))
	return ext, h.syncAfterChange(ctx)
}

// UninstallExtension removes an extension from the index and forgets its
// stored state and secrets.
func (h *Host) UninstallExtension(ctx context.Context, extensionID string) (types.Extension, error) {
	ext, err := h.index.Uninstall(extensionID)
	if err != nil {
		return types.Extension{}, err
	}
	if err := h.syncAfterChange(ctx); err != nil {
		return ext, err
	}
	if h.storage != nil {
		if err := h.storage.Forget(extensionID); err != nil {
			h.logger.Warn("Failed to forget extension state", zap.String("extension", extensionID), zap.Error(err))
		}
	}
	if h.secrets != nil {
		if err := h.secrets.Forget(extensionID); err != nil {
			h.logger.Warn("Failed to forget extension secrets", zap.String("extension", extensionID), zap.Error(err))
		}
	}
	h.logger.Info("Extension uninstalled", zap.String("extension", extensionID))
	return ext, nil
}

// SetExtensionEnabled enables or disables an extension and syncs.
func (h *Host) SetExtensionEnabled(ctx context.Context, extensionID string, enabled bool) (types.Extension, error) {
	ext, err := h.index.SetEnabled(extensionID, enabled)
	if err != nil {
		return types.Extension{}, err
	}
	h.logger.Info("Extension toggled", zap.String("extension", extensionID), zap.Bool("enabled", enabled))
	return ext, h.syncAfterChange(ctx)
}

// syncAfterChange syncs when a runtime is up. Index changes made while the
// runtime is down are pushed on the next start.
func (h *Host) syncAfterChange(ctx context.Context) error {
	switch h.runtime.Status() {
	case supervisor.StatusHealthy, supervisor.StatusDegraded:
		return h.SyncExtensions(ctx)
	}
	h.syncMu.Lock()
	h.applySynced(h.index.Enabled())
	h.syncMu.Unlock()
	return nil
}
