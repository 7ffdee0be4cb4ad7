package streaming

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

// WSHandler upgrades HTTP connections to WebSocket observers.
type WSHandler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewWSHandler creates a WebSocket handler.
func NewWSHandler(hub *Hub, log *logger.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// StreamSession handles a connection pre-subscribed to one session.
// WS /api/v1/sessions/:sessionId/queue/stream
func (h *WSHandler) StreamSession(c *gin.Context) {
	sessionID := c.Param("sessionId")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.logger)
	h.hub.Register(client)
	h.hub.Subscribe(client, sessionID)

	go client.WritePump()
	go client.ReadPump()
}

// StreamAll handles a connection that subscribes dynamically through
// control messages.
// WS /api/v1/queue/stream
func (h *WSHandler) StreamAll(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// RegisterRoutes mounts the WebSocket endpoints.
func (h *WSHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions/:sessionId/queue/stream", h.StreamSession)
	rg.GET("/queue/stream", h.StreamAll)
}
