package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mcdev12/stagesync/go/internal/protocol"
	"github.com/mcdev12/stagesync/go/internal/timer"
)

var (
	ErrHubStopped      = errors.New("hub is not running")
	ErrScreenRequired  = errors.New("screenId is required")
	ErrMessageRequired = errors.New("message is required")
	ErrElementRequired = errors.New("elementId is required")
)

// Config holds the tunables of the hub loop
type Config struct {
	// TickInterval is the resolution of the authoritative timer loop
	TickInterval time.Duration
	// BroadcastRate caps tick-driven sync_state broadcasts per second
	BroadcastRate float64
	AllowOvertime bool

	Queue            QueueConfig
	HeartbeatTimeout time.Duration
}

// DefaultConfig returns default hub configuration
func DefaultConfig() Config {
	return Config{
		TickInterval:     50 * time.Millisecond,
		BroadcastRate:    10,
		AllowOvertime:    false,
		Queue:            DefaultQueueConfig(),
		HeartbeatTimeout: DefaultHeartbeatTimeout,
	}
}

// RuntimeConfig is the subset of Config that can change while running
type RuntimeConfig struct {
	AllowOvertime    bool
	Queue            QueueConfig
	HeartbeatTimeout time.Duration
}

// StateObserver receives every timer state the hub broadcasts.
// ObserveState is called on the hub goroutine and must not block.
type StateObserver interface {
	ObserveState(st timer.State)
}

// ScreenHealth is one entry of ListConnectedScreens
type ScreenHealth struct {
	ScreenID       string       `json:"screenId"`
	Connections    int          `json:"connections"`
	Status         HealthStatus `json:"status"`
	LastPing       int64        `json:"lastPing"`
	QueuedMessages int          `json:"queuedMessages"`
}

// ConnectionInfo describes one live connection for diagnostics
type ConnectionInfo struct {
	ID             string       `json:"id"`
	ScreenID       string       `json:"screenId"`
	Connected      bool         `json:"connected"`
	LastPing       int64        `json:"lastPing"`
	ConnectionTime int64        `json:"connectionTime"`
	Latency        int64        `json:"latency"`
	Status         HealthStatus `json:"status"`
	QueuedMessages int          `json:"queuedMessages"`
}

// ClientCounts summarizes connections for the health endpoint
type ClientCounts struct {
	Total     int `json:"total"`
	Connected int `json:"connected"`
	Healthy   int `json:"healthy"`
}

// HealthSummary is the payload of the health endpoint
type HealthSummary struct {
	Status    string       `json:"status"`
	Timestamp int64        `json:"timestamp"`
	Clients   ClientCounts `json:"clients"`
	Screens   int          `json:"screens"`
	Queued    int          `json:"queued"`
	Uptime    float64      `json:"uptime"`
}

// Hub owns the authoritative timer, the connection registry, the offline
// queue and the overlay shadows. All of them are touched only from the Run
// goroutine; every exported method hands its work to that goroutine.
type Hub struct {
	clock  clockwork.Clock
	config Config

	timer      *timer.Timer
	registry   *Registry
	queue      *OfflineQueue
	dispatcher *Dispatcher
	health     *HealthMonitor
	messages   *MessageSlot
	visibility *VisibilitySet
	limiter    *rate.Limiter

	observers []StateObserver
	startedAt time.Time

	ops  chan func()
	done chan struct{}
}

// NewHub creates a hub. A nil clock uses the real clock.
func NewHub(config Config, clock clockwork.Clock) *Hub {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultConfig().TickInterval
	}
	if config.BroadcastRate <= 0 {
		config.BroadcastRate = DefaultConfig().BroadcastRate
	}

	registry := NewRegistry()
	queue := NewOfflineQueue(config.Queue)

	return &Hub{
		clock:      clock,
		config:     config,
		timer:      timer.New(config.AllowOvertime),
		registry:   registry,
		queue:      queue,
		dispatcher: NewDispatcher(registry, queue, clock),
		health:     NewHealthMonitor(config.HeartbeatTimeout),
		messages:   NewMessageSlot(),
		visibility: NewVisibilitySet(),
		limiter:    rate.NewLimiter(rate.Limit(config.BroadcastRate), 1),
		startedAt:  clock.Now(),
		ops:        make(chan func()),
		done:       make(chan struct{}),
	}
}

// AddObserver registers a state observer. Call before Run.
func (h *Hub) AddObserver(o StateObserver) {
	h.observers = append(h.observers, o)
}

// Run processes operations and timer ticks until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	ticker := h.clock.NewTicker(h.config.TickInterval)
	defer ticker.Stop()

	log.Info().
		Dur("tick_interval", h.config.TickInterval).
		Float64("broadcast_rate", h.config.BroadcastRate).
		Msg("hub started")

	defer func() {
		for _, conn := range h.registry.All() {
			h.registry.Remove(conn.ID)
			conn.Transport.Close()
		}
		close(h.done)
		log.Info().Msg("hub stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case op := <-h.ops:
			op()
		case <-ticker.Chan():
			h.tick()
		}
	}
}

// Done is closed once Run has returned
func (h *Hub) Done() <-chan struct{} { return h.done }

// do runs fn on the hub goroutine and waits for it to finish
func (h *Hub) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		fn()
	}

	select {
	case h.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubStopped
	}

	select {
	case <-finished:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// Timer control

func (h *Hub) StartTimer(ctx context.Context) (timer.State, error) {
	return h.timerOp(ctx, protocol.CommandStartTimer, func(now time.Time) (timer.State, error) {
		return h.timer.Start(now), nil
	})
}

func (h *Hub) PauseTimer(ctx context.Context) (timer.State, error) {
	return h.timerOp(ctx, protocol.CommandPauseTimer, func(now time.Time) (timer.State, error) {
		return h.timer.Pause(now), nil
	})
}

func (h *Hub) StopTimer(ctx context.Context) (timer.State, error) {
	return h.timerOp(ctx, protocol.CommandStopTimer, func(time.Time) (timer.State, error) {
		return h.timer.Stop(), nil
	})
}

func (h *Hub) ResetTimer(ctx context.Context) (timer.State, error) {
	return h.timerOp(ctx, protocol.CommandResetTimer, func(time.Time) (timer.State, error) {
		return h.timer.Reset(), nil
	})
}

// SetTime loads a new initial time. label is an optional preset name passed to screens.
func (h *Hub) SetTime(ctx context.Context, seconds float64, label string) (timer.State, error) {
	var (
		st    timer.State
		opErr error
	)
	err := h.do(ctx, func() {
		st, opErr = h.timer.SetTime(seconds)
		if opErr != nil {
			return
		}
		frame := protocol.StateFrame(protocol.CommandUpdateTime, st)
		frame.Label = label
		h.broadcastState(frame, st)
	})
	if err != nil {
		return timer.State{}, err
	}
	return st, opErr
}

func (h *Hub) SetMode(ctx context.Context, mode timer.Mode) (timer.State, error) {
	return h.timerOp(ctx, protocol.CommandSetMode, func(time.Time) (timer.State, error) {
		return h.timer.SetMode(mode)
	})
}

// SetOvertime changes the overtime policy, broadcasting if it clamps a running countdown
func (h *Hub) SetOvertime(ctx context.Context, allow bool) (timer.State, error) {
	var st timer.State
	err := h.do(ctx, func() {
		st = h.setOvertime(allow)
	})
	return st, err
}

func (h *Hub) setOvertime(allow bool) timer.State {
	st, clamped := h.timer.SetOvertime(allow)
	if clamped {
		h.broadcastState(protocol.StateFrame(protocol.CommandSyncState, st), st)
	}
	return st
}

// ApplyRuntime swaps in reloadable settings without dropping connections
func (h *Hub) ApplyRuntime(ctx context.Context, rc RuntimeConfig) error {
	return h.do(ctx, func() {
		h.setOvertime(rc.AllowOvertime)
		h.queue.Reconfigure(rc.Queue)
		h.health = NewHealthMonitor(rc.HeartbeatTimeout)

		log.Info().
			Bool("allow_overtime", rc.AllowOvertime).
			Int("queue_max_per_screen", rc.Queue.MaxPerScreen).
			Dur("queue_max_age", rc.Queue.MaxAge).
			Dur("heartbeat_timeout", h.health.Timeout()).
			Msg("runtime configuration applied")
	})
}

func (h *Hub) timerOp(ctx context.Context, cmd protocol.Command, fn func(now time.Time) (timer.State, error)) (timer.State, error) {
	var (
		st    timer.State
		opErr error
	)
	err := h.do(ctx, func() {
		st, opErr = fn(h.clock.Now())
		if opErr != nil {
			return
		}
		h.broadcastState(protocol.StateFrame(cmd, st), st)
	})
	if err != nil {
		return timer.State{}, err
	}
	return st, opErr
}

// Messages and element visibility

func (h *Hub) ShowMessage(ctx context.Context, screenID, text string) (DispatchResult, error) {
	screenID = strings.TrimSpace(screenID)
	if screenID == "" {
		return DispatchResult{}, ErrScreenRequired
	}
	if text == "" {
		return DispatchResult{}, ErrMessageRequired
	}
	return h.overlayOp(ctx, screenID, protocol.Frame{Command: protocol.CommandShowMessage, Message: text}, func() {
		h.messages.Show(screenID, text)
	})
}

func (h *Hub) HideMessage(ctx context.Context, screenID string) (DispatchResult, error) {
	screenID = strings.TrimSpace(screenID)
	if screenID == "" {
		return DispatchResult{}, ErrScreenRequired
	}
	return h.overlayOp(ctx, screenID, protocol.Frame{Command: protocol.CommandHideMessage}, func() {
		h.messages.Hide(screenID)
	})
}

func (h *Hub) ShowElement(ctx context.Context, screenID, elementID string) (DispatchResult, error) {
	screenID, elementID = strings.TrimSpace(screenID), strings.TrimSpace(elementID)
	if screenID == "" {
		return DispatchResult{}, ErrScreenRequired
	}
	if elementID == "" {
		return DispatchResult{}, ErrElementRequired
	}
	return h.overlayOp(ctx, screenID, protocol.Frame{Command: protocol.CommandShowElement, VisibleElement: elementID}, func() {
		h.visibility.Show(screenID, elementID)
	})
}

func (h *Hub) HideElement(ctx context.Context, screenID, elementID string) (DispatchResult, error) {
	screenID, elementID = strings.TrimSpace(screenID), strings.TrimSpace(elementID)
	if screenID == "" {
		return DispatchResult{}, ErrScreenRequired
	}
	if elementID == "" {
		return DispatchResult{}, ErrElementRequired
	}
	return h.overlayOp(ctx, screenID, protocol.Frame{Command: protocol.CommandHideElement, VisibleElement: elementID}, func() {
		h.visibility.Hide(screenID, elementID)
	})
}

func (h *Hub) overlayOp(ctx context.Context, screenID string, frame protocol.Frame, shadow func()) (DispatchResult, error) {
	var (
		result DispatchResult
		opErr  error
	)
	err := h.do(ctx, func() {
		shadow()
		if screenID == protocol.TargetAll {
			if purged := h.queue.Purge(OverlaySlot(frame)); purged > 0 {
				log.Info().
					Str("command", string(frame.Command)).
					Int("purged", purged).
					Msg("global overlay superseded queued frames")
			}
		}
		result, opErr = h.dispatcher.Targeted(screenID, frame)
		h.dropFailed(result.Failed)
	})
	if err != nil {
		return DispatchResult{}, err
	}
	return result, opErr
}

// Queries

// TimerState returns the authoritative timer state
func (h *Hub) TimerState(ctx context.Context) (timer.State, error) {
	var st timer.State
	err := h.do(ctx, func() {
		st = h.timer.Snapshot()
	})
	return st, err
}

// ScreenState returns the overlay shadow for a screen
func (h *Hub) ScreenState(ctx context.Context, screenID string) (protocol.ScreenState, error) {
	var ss protocol.ScreenState
	err := h.do(ctx, func() {
		ss = h.screenState(screenID)
	})
	return ss, err
}

// ListConnectedScreens reports each present screen once with its health
func (h *Hub) ListConnectedScreens(ctx context.Context) ([]ScreenHealth, error) {
	var out []ScreenHealth
	err := h.do(ctx, func() {
		now := h.clock.Now()
		for _, id := range h.registry.ConnectedScreenIDs() {
			conns := h.registry.FindByScreen(id)
			var last time.Time
			for _, c := range conns {
				if c.LastHeartbeatAt.After(last) {
					last = c.LastHeartbeatAt
				}
			}
			out = append(out, ScreenHealth{
				ScreenID:       id,
				Connections:    len(conns),
				Status:         h.health.ClassifyScreen(conns, now),
				LastPing:       last.UnixMilli(),
				QueuedMessages: h.queue.Len(id),
			})
		}
	})
	return out, err
}

// ListConnections describes every live connection, optionally filtered to one screen
func (h *Hub) ListConnections(ctx context.Context, screenID string) ([]ConnectionInfo, error) {
	var out []ConnectionInfo
	err := h.do(ctx, func() {
		conns := h.registry.All()
		if screenID != "" {
			conns = h.registry.FindByScreen(screenID)
		}
		now := h.clock.Now()
		out = make([]ConnectionInfo, 0, len(conns))
		for _, c := range conns {
			out = append(out, ConnectionInfo{
				ID:             c.ID,
				ScreenID:       c.ScreenID,
				Connected:      c.Transport.IsOpen(),
				LastPing:       c.LastHeartbeatAt.UnixMilli(),
				ConnectionTime: c.ConnectedAt.UnixMilli(),
				Latency:        now.Sub(c.LastHeartbeatAt).Milliseconds(),
				Status:         h.health.Classify(c.LastHeartbeatAt, now),
				QueuedMessages: h.queue.Len(c.ScreenID),
			})
		}
	})
	return out, err
}

// Health summarizes the hub for the health endpoint
func (h *Hub) Health(ctx context.Context) (HealthSummary, error) {
	var summary HealthSummary
	err := h.do(ctx, func() {
		now := h.clock.Now()
		counts := ClientCounts{Total: h.registry.Len()}
		for _, c := range h.registry.All() {
			if c.Transport.IsOpen() {
				counts.Connected++
				if h.health.Classify(c.LastHeartbeatAt, now) == HealthHealthy {
					counts.Healthy++
				}
			}
		}
		queued := 0
		for _, id := range h.queue.Screens() {
			queued += h.queue.Len(id)
		}
		summary = HealthSummary{
			Status:    "healthy",
			Timestamp: now.UnixMilli(),
			Clients:   counts,
			Screens:   len(h.registry.ConnectedScreenIDs()),
			Queued:    queued,
			Uptime:    now.Sub(h.startedAt).Seconds(),
		}
	})
	return summary, err
}

// Screen links

// Connect registers a new transport for a screen, sends it the current
// state and, if it is the screen's first connection, the queued frames
func (h *Hub) Connect(ctx context.Context, screenID string, transport Transport) (*Connection, error) {
	screenID = strings.TrimSpace(screenID)
	if screenID == "" {
		screenID = protocol.UnknownScreen
	}

	var conn *Connection
	err := h.do(ctx, func() {
		now := h.clock.Now()
		conn = &Connection{
			ID:              uuid.New().String(),
			ScreenID:        screenID,
			Transport:       transport,
			ConnectedAt:     now,
			LastHeartbeatAt: now,
		}
		h.register(conn)
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Disconnect removes a connection after its transport closed. Idempotent.
func (h *Hub) Disconnect(ctx context.Context, connectionID string) error {
	return h.do(ctx, func() {
		conn, ok := h.registry.Remove(connectionID)
		if !ok {
			return
		}
		conn.Transport.Close()
		log.Info().
			Str("connection_id", conn.ID).
			Str("screen_id", conn.ScreenID).
			Int("total_connections", h.registry.Len()).
			Msg("connection unregistered")
	})
}

// HandleFrame processes a raw frame received from a connection
func (h *Hub) HandleFrame(ctx context.Context, connectionID string, data []byte) error {
	return h.do(ctx, func() {
		h.handleFrame(connectionID, data)
	})
}

func (h *Hub) register(conn *Connection) {
	first := h.registry.ScreenConnectionCount(conn.ScreenID) == 0
	h.registry.Add(conn)

	log.Info().
		Str("connection_id", conn.ID).
		Str("screen_id", conn.ScreenID).
		Int("total_connections", h.registry.Len()).
		Msg("connection registered")

	st := h.timer.Snapshot()
	initial := protocol.StateFrame(protocol.CommandInitialState, st)
	ss := h.screenState(conn.ScreenID)
	initial.ScreenState = &ss
	initial.Target = conn.ScreenID
	initial.Timestamp = conn.ConnectedAt.UnixMilli()

	data, err := protocol.Encode(initial)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode initial state")
		return
	}
	if err := h.dispatcher.SendTo(conn, data); err != nil {
		h.dropFailed([]*Connection{conn})
		return
	}

	if !first {
		return
	}
	payloads, expired := h.queue.Drain(conn.ScreenID, conn.ConnectedAt)
	if expired > 0 {
		log.Info().Str("screen_id", conn.ScreenID).Int("expired", expired).Msg("discarded stale queued frames")
	}
	for i, p := range payloads {
		if err := h.dispatcher.SendTo(conn, p.Payload); err != nil {
			log.Warn().
				Err(err).
				Str("screen_id", conn.ScreenID).
				Int("lost", len(payloads)-i).
				Msg("connection failed while draining queued frames")
			h.dropFailed([]*Connection{conn})
			return
		}
	}
	if len(payloads) > 0 {
		log.Info().
			Str("connection_id", conn.ID).
			Str("screen_id", conn.ScreenID).
			Int("frames", len(payloads)).
			Msg("delivered queued frames")
	}
}

func (h *Hub) handleFrame(connectionID string, data []byte) {
	conn, ok := h.registry.Get(connectionID)
	if !ok {
		return
	}

	frame, err := protocol.Decode(data)
	if err != nil {
		log.Warn().
			Err(err).
			Str("connection_id", conn.ID).
			Str("screen_id", conn.ScreenID).
			Msg("discarding malformed frame")
		return
	}

	switch frame.Command {
	case protocol.CommandPing:
		now := h.clock.Now()
		h.health.Heartbeat(conn, now)

		pong, err := protocol.Encode(protocol.Frame{
			Target:    conn.ScreenID,
			Command:   protocol.CommandPong,
			Timestamp: now.UnixMilli(),
		})
		if err != nil {
			return
		}
		if err := h.dispatcher.SendTo(conn, pong); err != nil {
			h.dropFailed([]*Connection{conn})
		}
	default:
		log.Debug().
			Str("connection_id", conn.ID).
			Str("screen_id", conn.ScreenID).
			Str("command", string(frame.Command)).
			Msg("ignoring command from screen")
	}
}

func (h *Hub) tick() {
	now := h.clock.Now()
	changed, stopped := h.timer.Tick(now)
	if !changed && !stopped {
		return
	}

	st := h.timer.Snapshot()
	if stopped {
		log.Info().Msg("countdown reached zero")
		h.broadcastState(protocol.StateFrame(protocol.CommandSyncState, st), st)
		return
	}
	if h.limiter.AllowN(now, 1) {
		h.broadcastState(protocol.StateFrame(protocol.CommandSyncState, st), st)
	}
}

func (h *Hub) broadcastState(frame protocol.Frame, st timer.State) {
	result, err := h.dispatcher.Broadcast(frame)
	if err != nil {
		log.Error().Err(err).Str("command", string(frame.Command)).Msg("failed to broadcast state")
		return
	}
	h.dropFailed(result.Failed)

	for _, o := range h.observers {
		o.ObserveState(st)
	}
}

func (h *Hub) dropFailed(conns []*Connection) {
	for _, conn := range conns {
		if _, ok := h.registry.Remove(conn.ID); !ok {
			continue
		}
		conn.Transport.Close()
		log.Info().
			Str("connection_id", conn.ID).
			Str("screen_id", conn.ScreenID).
			Msg("dropped connection after send failure")
	}
}

func (h *Hub) screenState(screenID string) protocol.ScreenState {
	ss := protocol.ScreenState{VisibleElements: h.visibility.Visible(screenID)}
	if text, ok := h.messages.Current(screenID); ok {
		ss.Message = &text
	}
	return ss
}
