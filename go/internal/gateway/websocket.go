package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrSendBufferFull is returned when a slow screen cannot keep up
var ErrSendBufferFull = errors.New("send buffer full")

// ConnectionConfig holds configuration for screen WebSocket links
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
		CheckOrigin: func(r *http.Request) bool {
			// screens are served from arbitrary local origins
			return true
		},
	}
}

// wsTransport adapts a gorilla connection to Transport. Frames go through a
// buffered channel drained by writePump so the hub never blocks on a socket.
type wsTransport struct {
	conn   *websocket.Conn
	config ConnectionConfig

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newWSTransport(conn *websocket.Conn, config ConnectionConfig) *wsTransport {
	size := config.SendBuffer
	if size <= 0 {
		size = 256
	}
	return &wsTransport{
		conn:   conn,
		config: config,
		send:   make(chan []byte, size),
	}
}

func (t *wsTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	select {
	case t.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops the write pump, which sends a close frame and closes the socket
func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.send)
	return nil
}

func (t *wsTransport) markClosed() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// writePump handles sending frames and keepalive pings to the socket
func (t *wsTransport) writePump(screenID string) {
	ticker := time.NewTicker(t.config.PingInterval)
	defer func() {
		ticker.Stop()
		t.markClosed()
		t.conn.Close()
	}()

	for {
		select {
		case message, ok := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
			if !ok {
				// Channel was closed
				t.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := t.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("screen_id", screenID).
					Msg("failed to write frame to WebSocket")
				return
			}

		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("screen_id", screenID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump forwards inbound frames to the hub until the socket fails
func (t *wsTransport) readPump(hub *Hub, connectionID string) {
	defer func() {
		if err := hub.Disconnect(context.Background(), connectionID); err != nil && !errors.Is(err, ErrHubStopped) {
			log.Error().Err(err).Str("connection_id", connectionID).Msg("failed to unregister connection")
		}
		t.conn.Close()
	}()

	t.conn.SetReadLimit(t.config.MaxMessageSize)
	t.conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", connectionID).
					Msg("unexpected WebSocket close error")
			}
			return
		}

		if err := hub.HandleFrame(context.Background(), connectionID, message); err != nil {
			return
		}
		t.conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
	}
}
