package gateway

import (
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/stagesync/go/internal/protocol"
)

// DispatchResult describes what happened to one outgoing frame
type DispatchResult struct {
	Target    string `json:"target"`
	Delivered int    `json:"delivered"`
	Queued    bool   `json:"queued"`

	// Failed connections returned a send error; the hub drops them
	Failed []*Connection `json:"-"`
}

// Dispatcher fans frames out to live connections, falling back to the
// offline queue for targeted frames addressed to an absent screen
type Dispatcher struct {
	registry *Registry
	queue    *OfflineQueue
	clock    clockwork.Clock
}

// NewDispatcher wires a dispatcher to the registry and queue it delivers through
func NewDispatcher(registry *Registry, queue *OfflineQueue, clock clockwork.Clock) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		queue:    queue,
		clock:    clock,
	}
}

// Broadcast stamps the frame for "all" and sends it to every open connection
func (d *Dispatcher) Broadcast(frame protocol.Frame) (DispatchResult, error) {
	frame.Target = protocol.TargetAll
	frame.Timestamp = d.clock.Now().UnixMilli()

	// Marshal the frame once
	data, err := protocol.Encode(frame)
	if err != nil {
		return DispatchResult{Target: protocol.TargetAll}, fmt.Errorf("encode %s: %w", frame.Command, err)
	}

	result := d.deliver(d.registry.All(), data)
	result.Target = protocol.TargetAll

	log.Debug().
		Str("command", string(frame.Command)).
		Int("delivered", result.Delivered).
		Int("failed", len(result.Failed)).
		Msg("frame broadcasted")

	return result, nil
}

// Targeted sends the frame to one screen's connections. "all" degrades to
// Broadcast. A queueable frame for a screen with no connections is queued.
func (d *Dispatcher) Targeted(screenID string, frame protocol.Frame) (DispatchResult, error) {
	if screenID == protocol.TargetAll {
		return d.Broadcast(frame)
	}

	now := d.clock.Now()
	frame.Target = screenID
	frame.Timestamp = now.UnixMilli()

	data, err := protocol.Encode(frame)
	if err != nil {
		return DispatchResult{Target: screenID}, fmt.Errorf("encode %s: %w", frame.Command, err)
	}

	conns := d.registry.FindByScreen(screenID)
	if len(conns) == 0 {
		result := DispatchResult{Target: screenID}
		if !frame.Command.Queueable() {
			log.Debug().
				Str("screen_id", screenID).
				Str("command", string(frame.Command)).
				Msg("no connection for screen, dropping transient frame")
			return result, nil
		}

		if dropped := d.queue.Enqueue(screenID, OverlaySlot(frame), data, now); dropped > 0 {
			log.Warn().
				Str("screen_id", screenID).
				Int("dropped", dropped).
				Msg("offline queue full, dropped oldest frames")
		}
		result.Queued = true

		log.Info().
			Str("screen_id", screenID).
			Str("command", string(frame.Command)).
			Int("queued", d.queue.Len(screenID)).
			Msg("screen offline, frame queued")
		return result, nil
	}

	result := d.deliver(conns, data)
	result.Target = screenID
	return result, nil
}

// SendTo writes an already encoded frame to a single connection
func (d *Dispatcher) SendTo(conn *Connection, data []byte) error {
	if !conn.Transport.IsOpen() {
		return ErrTransportClosed
	}
	return conn.Transport.Send(data)
}

func (d *Dispatcher) deliver(conns []*Connection, data []byte) DispatchResult {
	var result DispatchResult
	for _, conn := range conns {
		// not sendable counts as not found for this connection
		if !conn.Transport.IsOpen() {
			continue
		}
		if err := conn.Transport.Send(data); err != nil {
			log.Warn().
				Err(err).
				Str("connection_id", conn.ID).
				Str("screen_id", conn.ScreenID).
				Msg("failed to send frame")
			result.Failed = append(result.Failed, conn)
			continue
		}
		result.Delivered++
	}
	return result
}
