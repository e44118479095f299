package gateway

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler upgrades screen connections and attaches them to the hub
type WebSocketHandler struct {
	hub      *Hub
	config   ConnectionConfig
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(hub *Hub, config ConnectionConfig) *WebSocketHandler {
	return &WebSocketHandler{
		hub:    hub,
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
	}
}

// HandleScreenConnection handles /ws?screenId=<id>. A missing screenId joins the unknown bucket.
func (h *WebSocketHandler) HandleScreenConnection(w http.ResponseWriter, r *http.Request) {
	screenID := r.URL.Query().Get("screenId")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		log.Error().Err(err).Str("screen_id", screenID).Msg("failed to upgrade WebSocket connection")
		return
	}

	transport := newWSTransport(conn, h.config)

	// the writer must be draining before Connect pushes initial state and queued frames
	go transport.writePump(screenID)

	// the request context ends when this handler returns, the link outlives it
	connection, err := h.hub.Connect(context.Background(), screenID, transport)
	if err != nil {
		log.Error().Err(err).Str("screen_id", screenID).Msg("failed to register screen connection")
		transport.Close()
		return
	}

	go transport.readPump(h.hub, connection.ID)

	log.Info().
		Str("connection_id", connection.ID).
		Str("screen_id", connection.ScreenID).
		Str("remote_addr", r.RemoteAddr).
		Msg("WebSocket connection established")
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleScreenConnection)
}
