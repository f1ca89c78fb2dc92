package handler

import (
	"net/http"

	gorillaws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"fanlink/internal/engine"
	ws "fanlink/internal/infrastructure/websocket"
	"fanlink/pkg/errors"
)

// WebSocketHandler upgrades authenticated requests and binds each
// connection to its own engine session.
type WebSocketHandler struct {
	wsManager *ws.Manager
	deps      engine.Deps
	settings  engine.Settings
}

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // TODO: restrict to the app origins before exposing publicly
	},
}

func NewWebSocketHandler(wsManager *ws.Manager, deps engine.Deps, settings engine.Settings) *WebSocketHandler {
	return &WebSocketHandler{
		wsManager: wsManager,
		deps:      deps,
		settings:  settings,
	}
}

func (h *WebSocketHandler) HandleWebSocket(c echo.Context) error {
	userID, ok := c.Get("uid").(string)
	if !ok || userID == "" {
		return errors.Unauthorized("Authentication required", nil)
	}

	session, err := engine.NewSession(c.Request().Context(), userID, h.deps, h.settings)
	if err != nil {
		return errors.Internal("Failed to start realtime session", err)
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		session.Close()
		return errors.Internal("Failed to upgrade connection", err)
	}

	client := &ws.Client{
		UserID:  userID,
		Conn:    conn,
		Send:    make(chan []byte, 256),
		Session: session,
	}

	h.wsManager.Register <- client
	h.wsManager.Bind(client)

	go client.ReadPump(h.wsManager)
	go client.WritePump()

	return nil
}
