package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/amora-app/messaging/internal/config"
	"github.com/amora-app/messaging/internal/hub"
	"github.com/amora-app/messaging/internal/log"
	"github.com/amora-app/messaging/internal/router"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler upgrades the per-user messaging channel and hands frames to the
// router.
type WSHandler struct {
	hub    *hub.Hub
	router *router.Router
	wsCfg  config.WebSocketConfig
}

func NewWSHandler(h *hub.Hub, r *router.Router, wsCfg config.WebSocketConfig) *WSHandler {
	return &WSHandler{
		hub:    h,
		router: r,
		wsCfg:  wsCfg,
	}
}

func (h *WSHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/messages/ws/:user_id", h.HandleWebSocket)
}

func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	userID := c.Param("user_id")
	if userID == "" {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := hub.NewClient(uuid.New().String(), h.hub, conn, h.wsCfg)
	client.ExpectedUserID = userID

	h.hub.Register(client)

	go client.WritePump()
	go func() {
		client.ReadPump(h.router.HandleFrame)
		h.router.HandleDisconnect(client)
	}()
}
