package ws

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/fleetctl/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP connections into event-streaming WebSocket
// clients.
type Handler struct {
	hub *Hub
	log *logger.Logger
}

// NewHandler builds a WebSocket handler bound to a Hub.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{hub: hub, log: log.WithFields(zap.String("component", "ws-handler"))}
}

// Subscribe upgrades the connection and streams every orchestrator
// event to the client, optionally filtered by a subscribe message
// ({"subscribe": ["task", "workflow"]}).
// WS /api/v1/events/subscribe
func (h *Handler) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(uuid.New().String(), conn, h.hub)
	h.hub.register(client)

	go client.WritePump()
	go client.ReadPump()
}

// SetupRoutes adds the WebSocket streaming route to the router group.
func SetupRoutes(router *gin.RouterGroup, handler *Handler) {
	router.GET("/events/subscribe", handler.Subscribe)
}
