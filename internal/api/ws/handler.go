package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/exthost/internal/host"
	"github.com/GriffinCanCode/exthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/exthost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/exthost/internal/shared/errs"
)

// Inbound message types.
const (
	TypePing           = "ping"
	TypeUIEvent        = "uiEvent"
	TypePanelMessage   = "panelMessage"
	TypeExecuteCommand = "executeCommand"
)

// Outbound reply types. Host events are forwarded with their own type.
const (
	TypePong          = "pong"
	TypeCommandResult = "commandResult"
	TypeError         = "error"
)

const (
	subscriberBuffer = 256
	maxMessageBytes  = 1 << 20
	writeWait        = 10 * time.Second
	pingPeriod       = 30 * time.Second
)

// Coordinator is the part of the host a UI connection uses.
type Coordinator interface {
	Hub() *host.Hub
	HandleUIEvent(windowID string, ev host.UIEvent) error
	PostToPanel(panelID string, message json.RawMessage) error
	ExecuteCommand(ctx context.Context, windowID, commandID string, args []interface{}) (json.RawMessage, error)
}

var _ Coordinator = (*host.Host)(nil)

// Message is a client-to-server frame.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Event   *host.UIEvent   `json:"event,omitempty"`
	PanelID string          `json:"panelId,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Command string          `json:"command,omitempty"`
	Args    []interface{}   `json:"args,omitempty"`
}

// Handler manages WebSocket connections
type Handler struct {
	host     Coordinator
	logger   *logging.Logger
	metrics  *monitoring.Metrics
	upgrader websocket.Upgrader
}

// NewHandler creates a handler accepting connections from origins. "*"
// accepts any origin; requests without an Origin header are always accepted.
func NewHandler(coordinator Coordinator, origins []string, logger *logging.Logger, metrics *monitoring.Metrics) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &Handler{
		host:    coordinator,
		logger:  logger.Named("ws"),
		metrics: metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed["*"] || allowed[origin]
			},
		},
	}
}

// conn serializes writes to one socket.
type conn struct {
	ws      *websocket.Conn
	mu      sync.Mutex
	metrics *monitoring.Metrics
}

func (c *conn) send(msgType string, data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(data); err != nil {
		return err
	}
	c.metrics.RecordWSMessage("out", msgType)
	return nil
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *conn) sendError(id string, err error) error {
	return c.send(TypeError, gin.H{
		"type":      TypeError,
		"id":        id,
		"error":     errorPayload(err),
		"timestamp": time.Now().Unix(),
	})
}

func errorPayload(err error) gin.H {
	return gin.H{"code": errs.CodeOf(err), "message": err.Error()}
}

// HandleConnection upgrades the request and serves the socket until the
// client goes away. The optional ?window= query scopes window events to
// one window; events with no window are always delivered.
func (h *Handler) HandleConnection(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()
	ws.SetReadLimit(maxMessageBytes)

	windowID := c.Query("window")
	cn := &conn{ws: ws, metrics: h.metrics}

	h.metrics.IncWSConnections()
	defer h.metrics.DecWSConnections()

	events, cancel := h.host.Hub().Subscribe(subscriberBuffer)
	ctx, stop := context.WithCancel(c.Request.Context())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.forward(ctx, cn, events, windowID)
	}()
	defer func() {
		stop()
		cancel()
		wg.Wait()
	}()

	h.logger.Debug("WebSocket connected", zap.String("window", windowID))

	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
		h.metrics.RecordWSMessage("in", msg.Type)

		switch msg.Type {
		case TypePing:
			cn.send(TypePong, gin.H{"type": TypePong, "id": msg.ID})
		case TypeUIEvent:
			h.handleUIEvent(cn, windowID, msg)
		case TypePanelMessage:
			if err := h.host.PostToPanel(msg.PanelID, msg.Message); err != nil {
				cn.sendError(msg.ID, err)
			}
		case TypeExecuteCommand:
			wg.Add(1)
			go func(msg Message) {
				defer wg.Done()
				h.executeCommand(ctx, cn, windowID, msg)
			}(msg)
		default:
			cn.sendError(msg.ID, errs.New(errs.CodeInvalidParams, "unknown message type %q", msg.Type))
		}
	}
}

func (h *Handler) forward(ctx context.Context, cn *conn, events <-chan host.Event, windowID string) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.WindowID != "" && windowID != "" && ev.WindowID != windowID {
				continue
			}
			if err := cn.send(ev.Type, ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := cn.ping(); err != nil {
				return
			}
		}
	}
}

func (h *Handler) handleUIEvent(cn *conn, windowID string, msg Message) {
	if windowID == "" {
		cn.sendError(msg.ID, errs.New(errs.CodeInvalidParams, "connection is not bound to a window"))
		return
	}
	if msg.Event == nil {
		cn.sendError(msg.ID, errs.New(errs.CodeInvalidParams, "event is required"))
		return
	}
	if err := h.host.HandleUIEvent(windowID, *msg.Event); err != nil {
		cn.sendError(msg.ID, err)
	}
}

func (h *Handler) executeCommand(ctx context.Context, cn *conn, windowID string, msg Message) {
	reply := gin.H{"type": TypeCommandResult, "id": msg.ID}
	if windowID == "" {
		reply["error"] = errorPayload(errs.New(errs.CodeInvalidParams, "connection is not bound to a window"))
		cn.send(TypeCommandResult, reply)
		return
	}
	result, err := h.host.ExecuteCommand(ctx, windowID, msg.Command, msg.Args)
	if err != nil {
		reply["error"] = errorPayload(err)
	} else {
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		reply["result"] = result
	}
	cn.send(TypeCommandResult, reply)
}
