package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/exthost/internal/host"
	"github.com/GriffinCanCode/exthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/exthost/internal/shared/types"
	"github.com/GriffinCanCode/exthost/internal/supervisor"
)

// Coordinator is the part of the host the REST API drives.
// *host.Host implements it.
type Coordinator interface {
	Extensions() []types.Extension
	InstallExtension(ctx context.Context, dir string) (types.Extension, error)
	UninstallExtension(ctx context.Context, extensionID string) (types.Extension, error)
	SetExtensionEnabled(ctx context.Context, extensionID string, enabled bool) (types.Extension, error)

	Windows() []host.WindowInfo
	AttachWindow(ctx context.Context, windowID string, roots []string) (host.WindowInfo, error)
	DetachWindow(ctx context.Context, windowID string) error
	SetWindowSettings(windowID string, values map[string]interface{}) error
	HandleUIEvent(windowID string, ev host.UIEvent) error

	Commands(windowID string) []types.Command
	ExecuteCommand(ctx context.Context, windowID, commandID string, args []interface{}) (json.RawMessage, error)
	Panels(windowID string) []types.Panel
	PostToPanel(panelID string, message json.RawMessage) error
	Sessions(windowID string) []types.Session
	SessionStats(sessionID string) (types.SessionStats, error)

	Activations(ctx context.Context) ([]types.Activation, error)
	Status() supervisor.Status
	Restart(ctx context.Context) error
}

var _ Coordinator = (*host.Host)(nil)

// Handlers contains all HTTP handlers
type Handlers struct {
	host      Coordinator
	logger    *logging.Logger
	startedAt time.Time
}

// NewHandlers creates a new handler set
func NewHandlers(coordinator Coordinator, logger *logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handlers{host: coordinator, logger: logger.Named("api"), startedAt: time.Now()}
}

// Register mounts every route on router.
func (h *Handlers) Register(router gin.IRouter) {
	router.GET("/health", h.Health)

	api := router.Group("/api")
	api.GET("/extensions", h.ListExtensions)
	api.POST("/extensions", h.InstallExtension)
	api.DELETE("/extensions/:id", h.UninstallExtension)
	api.POST("/extensions/:id/enable", h.EnableExtension)
	api.POST("/extensions/:id/disable", h.DisableExtension)

	api.GET("/windows", h.ListWindows)
	api.PUT("/windows/:id", h.AttachWindow)
	api.DELETE("/windows/:id", h.DetachWindow)
	api.PUT("/windows/:id/settings", h.SetWindowSettings)
	api.POST("/windows/:id/events", h.PostUIEvent)
	api.GET("/windows/:id/commands", h.ListCommands)
	api.POST("/windows/:id/commands", h.ExecuteCommand)
	api.GET("/windows/:id/panels", h.ListPanels)
	api.GET("/windows/:id/sessions", h.ListSessions)

	api.POST("/panels/:id/message", h.PostPanelMessage)
	api.GET("/sessions/:id/stats", h.SessionStats)

	api.GET("/runtime", h.RuntimeStatus)
	api.POST("/runtime/restart", h.RestartRuntime)
	api.GET("/activations", h.ListActivations)
}

// Health reports gateway and runtime health. A runtime that is not healthy
// answers 503.
func (h *Handlers) Health(c *gin.Context) {
	status := h.host.Status()
	code := http.StatusOK
	if status != supervisor.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":  status,
		"uptime":  time.Since(h.startedAt).Round(time.Second).String(),
		"windows": len(h.host.Windows()),
	})
}

// Extensions.

type installRequest struct {
	Dir string `json:"dir" binding:"required"`
}

// ListExtensions lists installed extensions.
func (h *Handlers) ListExtensions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"extensions": h.host.Extensions()})
}

// InstallExtension records an unpacked extension directory.
func (h *Handlers) InstallExtension(c *gin.Context) {
	var req installRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ext, err := h.host.InstallExtension(c.Request.Context(), req.Dir)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ext)
}

// UninstallExtension removes an extension from the index.
func (h *Handlers) UninstallExtension(c *gin.Context) {
	ext, err := h.host.UninstallExtension(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ext)
}

// EnableExtension enables an extension.
func (h *Handlers) EnableExtension(c *gin.Context) {
	h.setEnabled(c, true)
}

// DisableExtension disables an extension.
func (h *Handlers) DisableExtension(c *gin.Context) {
	h.setEnabled(c, false)
}

func (h *Handlers) setEnabled(c *gin.Context, enabled bool) {
	ext, err := h.host.SetExtensionEnabled(c.Request.Context(), c.Param("id"), enabled)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ext)
}

// Windows.

type attachRequest struct {
	Roots    []string               `json:"roots"`
	Settings map[string]interface{} `json:"settings,omitempty"`
}

// ListWindows lists attached windows.
func (h *Handlers) ListWindows(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"windows": h.host.Windows()})
}

// AttachWindow attaches (or re-attaches) a window with its roots.
func (h *Handlers) AttachWindow(c *gin.Context) {
	var req attachRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	windowID := c.Param("id")
	info, err := h.host.AttachWindow(c.Request.Context(), windowID, req.Roots)
	if err != nil {
		fail(c, err)
		return
	}
	if req.Settings != nil {
		if err := h.host.SetWindowSettings(windowID, req.Settings); err != nil {
			fail(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, info)
}

// DetachWindow tears a window down.
func (h *Handlers) DetachWindow(c *gin.Context) {
	if err := h.host.DetachWindow(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetWindowSettings replaces a window's configuration overrides.
func (h *Handlers) SetWindowSettings(c *gin.Context) {
	var values map[string]interface{}
	if err := c.ShouldBindJSON(&values); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.host.SetWindowSettings(c.Param("id"), values); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// PostUIEvent relays an editor or window event.
func (h *Handlers) PostUIEvent(c *gin.Context) {
	var ev host.UIEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.host.HandleUIEvent(c.Param("id"), ev); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// Commands.

type executeRequest struct {
	Command string        `json:"command" binding:"required"`
	Args    []interface{} `json:"args,omitempty"`
}

// ListCommands lists commands visible in a window.
func (h *Handlers) ListCommands(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"commands": h.host.Commands(c.Param("id"))})
}

// ExecuteCommand runs a command in a window.
func (h *Handlers) ExecuteCommand(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	result, err := h.host.ExecuteCommand(c.Request.Context(), c.Param("id"), req.Command, req.Args)
	if err != nil {
		h.logger.Debug("Command failed", zap.String("command", req.Command), zap.Error(err))
		fail(c, err)
		return
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// Panels and sessions.

type panelMessageRequest struct {
	Message json.RawMessage `json:"message" binding:"required"`
}

// ListPanels lists a window's webview panels.
func (h *Handlers) ListPanels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"panels": h.host.Panels(c.Param("id"))})
}

// PostPanelMessage delivers a message from a panel to its extension.
func (h *Handlers) PostPanelMessage(c *gin.Context) {
	var req panelMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.host.PostToPanel(c.Param("id"), req.Message); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// ListSessions lists a window's protocol sessions.
func (h *Handlers) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.host.Sessions(c.Param("id"))})
}

// SessionStats samples a protocol session's process.
func (h *Handlers) SessionStats(c *gin.Context) {
	stats, err := h.host.SessionStats(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Runtime.

// RuntimeStatus reports the runtime status.
func (h *Handlers) RuntimeStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": h.host.Status()})
}

// RestartRuntime replaces the runtime process.
func (h *Handlers) RestartRuntime(c *gin.Context) {
	if err := h.host.Restart(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	h.logger.Info("Runtime restarted through the API")
	c.JSON(http.StatusOK, gin.H{"status": h.host.Status()})
}

// ListActivations returns the runtime's activation records.
func (h *Handlers) ListActivations(c *gin.Context) {
	acts, err := h.host.Activations(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activations": acts})
}
