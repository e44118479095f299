package screen

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/stagesync/go/internal/protocol"
)

// ConnState is the state of the link to the gateway
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Config holds configuration for a screen link
type Config struct {
	// ServerURL is the gateway WebSocket endpoint, e.g. ws://host:8080/ws
	ServerURL         string
	ScreenID          string
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	// RenderInterval is how often the interpolated view is pushed to OnView
	RenderInterval time.Duration
	AllowOvertime  bool
	WriteTimeout   time.Duration
}

// DefaultConfig returns default screen link configuration
func DefaultConfig() Config {
	return Config{
		ServerURL:         "ws://localhost:8080/ws",
		HeartbeatInterval: 30 * time.Second,
		ReconnectDelay:    5 * time.Second,
		RenderInterval:    100 * time.Millisecond,
		WriteTimeout:      10 * time.Second,
	}
}

// Link keeps one screen attached to the gateway. It reconnects after every
// transport loss and keeps an interpolated local view between frames.
type Link struct {
	config Config
	clock  clockwork.Clock
	dialer *websocket.Dialer

	mu     sync.Mutex
	state  ConnState
	local  *localState
	onView func(View)
	onConn func(ConnState)

	writeMu sync.Mutex
}

// NewLink creates a link. A nil clock uses the real clock.
func NewLink(config Config, clock clockwork.Clock) (*Link, error) {
	defaults := DefaultConfig()
	if config.ServerURL == "" {
		config.ServerURL = defaults.ServerURL
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = defaults.ReconnectDelay
	}
	if config.RenderInterval <= 0 {
		config.RenderInterval = defaults.RenderInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if _, err := url.Parse(config.ServerURL); err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", config.ServerURL, err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Link{
		config: config,
		clock:  clock,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:  StateDisconnected,
		local:  newLocalState(config.AllowOvertime),
	}, nil
}

// OnView registers a callback for view updates. Call before Run.
func (l *Link) OnView(fn func(View)) { l.onView = fn }

// OnConnectionChange registers a callback for link state changes. Call before Run.
func (l *Link) OnConnectionChange(fn func(ConnState)) { l.onConn = fn }

// State returns the current link state
func (l *Link) State() ConnState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// View returns the local view projected to now
func (l *Link) View() View {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.local.view(l.clock.Now())
}

func (l *Link) endpoint() string {
	u, _ := url.Parse(l.config.ServerURL)
	q := u.Query()
	if l.config.ScreenID != "" {
		q.Set("screenId", l.config.ScreenID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Run connects and reconnects until ctx is cancelled
func (l *Link) Run(ctx context.Context) error {
	go l.renderLoop(ctx)

	for {
		l.setState(StateConnecting)
		conn, _, err := l.dialer.DialContext(ctx, l.endpoint(), nil)
		if err != nil {
			if ctx.Err() != nil {
				l.setState(StateDisconnected)
				return nil
			}
			log.Warn().
				Err(err).
				Str("screen_id", l.config.ScreenID).
				Dur("retry_in", l.config.ReconnectDelay).
				Msg("failed to connect to gateway")
		} else {
			l.session(ctx, conn)
		}

		l.setState(StateDisconnected)
		select {
		case <-ctx.Done():
			return nil
		case <-l.clock.After(l.config.ReconnectDelay):
		}
	}
}

// session serves one connection until it fails or ctx is cancelled
func (l *Link) session(ctx context.Context, conn *websocket.Conn) {
	// anything applied during the previous session is replaced by initial_state
	l.mu.Lock()
	l.local = newLocalState(l.config.AllowOvertime)
	l.mu.Unlock()
	l.setState(StateConnected)

	log.Info().
		Str("screen_id", l.config.ScreenID).
		Str("server", l.config.ServerURL).
		Msg("connected to gateway")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.heartbeat(sessionCtx, conn)
	}()

	// unblock the read loop when the caller goes away
	go func() {
		<-sessionCtx.Done()
		if ctx.Err() != nil {
			l.write(conn, websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		}
		conn.Close()
	}()

	l.readLoop(conn)
	cancel()
	wg.Wait()
}

func (l *Link) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				log.Warn().Err(err).Str("screen_id", l.config.ScreenID).Msg("gateway link lost")
			}
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("screen_id", l.config.ScreenID).Msg("discarding malformed frame")
			continue
		}
		l.apply(frame)
	}
}

func (l *Link) apply(frame protocol.Frame) {
	l.mu.Lock()
	now := l.clock.Now()
	l.local.apply(frame, now)
	v := l.local.view(now)
	l.mu.Unlock()

	log.Debug().
		Str("screen_id", l.config.ScreenID).
		Str("command", string(frame.Command)).
		Msg("frame applied")

	if frame.Command != protocol.CommandPong && l.onView != nil {
		l.onView(v)
	}
}

func (l *Link) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := l.clock.NewTicker(l.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			data, err := protocol.Encode(protocol.Frame{
				Target:    l.config.ScreenID,
				Command:   protocol.CommandPing,
				Timestamp: l.clock.Now().UnixMilli(),
			})
			if err != nil {
				continue
			}
			if err := l.write(conn, websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("screen_id", l.config.ScreenID).Msg("failed to send heartbeat")
				conn.Close()
				return
			}
		}
	}
}

func (l *Link) write(conn *websocket.Conn, messageType int, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(l.config.WriteTimeout))
	return conn.WriteMessage(messageType, data)
}

// renderLoop pushes the interpolated view while the timer runs
func (l *Link) renderLoop(ctx context.Context) {
	ticker := l.clock.NewTicker(l.config.RenderInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			l.mu.Lock()
			running := l.local.base.IsRunning
			v := l.local.view(l.clock.Now())
			l.mu.Unlock()

			if running && l.onView != nil {
				l.onView(v)
			}
		}
	}
}

func (l *Link) setState(s ConnState) {
	l.mu.Lock()
	changed := l.state != s
	l.state = s
	l.mu.Unlock()

	if changed && l.onConn != nil {
		l.onConn(s)
	}
}
