package gateway

import (
	"sort"
	"time"

	"github.com/mcdev12/stagesync/go/internal/protocol"
)

// QueuedPayload is an encoded frame held for a screen with no live connection
type QueuedPayload struct {
	ScreenID string
	// Slot is the overlay the frame writes, see OverlaySlot
	Slot       string
	Payload    []byte
	EnqueuedAt time.Time
}

// OverlaySlot names the piece of screen state a queueable frame overwrites.
// Show and hide of the same message or element share a slot.
func OverlaySlot(frame protocol.Frame) string {
	switch frame.Command {
	case protocol.CommandShowMessage, protocol.CommandHideMessage:
		return "message"
	case protocol.CommandShowElement, protocol.CommandHideElement:
		return "element:" + frame.VisibleElement
	default:
		return ""
	}
}

// QueueConfig bounds the offline queue
type QueueConfig struct {
	// MaxPerScreen caps each screen's FIFO; the oldest entry is dropped on overflow
	MaxPerScreen int
	// MaxAge discards entries older than this at drain time. Zero keeps everything.
	MaxAge time.Duration
}

// DefaultQueueConfig returns the default offline queue bounds
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxPerScreen: 64,
		MaxAge:       0,
	}
}

// OfflineQueue buffers targeted frames per screen until that screen connects
type OfflineQueue struct {
	config QueueConfig
	queues map[string][]QueuedPayload
}

// NewOfflineQueue creates an empty queue
func NewOfflineQueue(config QueueConfig) *OfflineQueue {
	if config.MaxPerScreen <= 0 {
		config.MaxPerScreen = DefaultQueueConfig().MaxPerScreen
	}
	return &OfflineQueue{
		config: config,
		queues: make(map[string][]QueuedPayload),
	}
}

// Enqueue appends a payload and returns how many old entries were dropped to make room
func (q *OfflineQueue) Enqueue(screenID, slot string, payload []byte, now time.Time) int {
	queue := append(q.queues[screenID], QueuedPayload{
		ScreenID:   screenID,
		Slot:       slot,
		Payload:    payload,
		EnqueuedAt: now,
	})

	dropped := 0
	if over := len(queue) - q.config.MaxPerScreen; over > 0 {
		dropped = over
		// copy so the dropped payloads are not pinned by the backing array
		queue = append([]QueuedPayload(nil), queue[over:]...)
	}
	q.queues[screenID] = queue
	return dropped
}

// Drain removes and returns the screen's whole FIFO in enqueue order.
// Entries older than MaxAge are discarded and counted in expired.
func (q *OfflineQueue) Drain(screenID string, now time.Time) (payloads []QueuedPayload, expired int) {
	queue, ok := q.queues[screenID]
	if !ok {
		return nil, 0
	}
	delete(q.queues, screenID)

	if q.config.MaxAge <= 0 {
		return queue, 0
	}
	payloads = make([]QueuedPayload, 0, len(queue))
	for _, p := range queue {
		if now.Sub(p.EnqueuedAt) > q.config.MaxAge {
			expired++
			continue
		}
		payloads = append(payloads, p)
	}
	return payloads, expired
}

// Purge removes every screen's queued entries for slot and returns how many
// were removed. A global overlay supersedes them.
func (q *OfflineQueue) Purge(slot string) int {
	if slot == "" {
		return 0
	}
	removed := 0
	for id, queue := range q.queues {
		kept := queue[:0]
		for _, p := range queue {
			if p.Slot == slot {
				removed++
				continue
			}
			kept = append(kept, p)
		}
		if len(kept) == 0 {
			delete(q.queues, id)
			continue
		}
		q.queues[id] = kept
	}
	return removed
}

// Len returns the number of entries waiting for a screen
func (q *OfflineQueue) Len(screenID string) int {
	return len(q.queues[screenID])
}

// Screens lists screens that have something queued
func (q *OfflineQueue) Screens() []string {
	ids := make([]string, 0, len(q.queues))
	for id := range q.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reconfigure applies new bounds, trimming existing queues to the new cap
func (q *OfflineQueue) Reconfigure(config QueueConfig) {
	if config.MaxPerScreen <= 0 {
		config.MaxPerScreen = DefaultQueueConfig().MaxPerScreen
	}
	q.config = config
	for id, queue := range q.queues {
		if over := len(queue) - config.MaxPerScreen; over > 0 {
			q.queues[id] = append([]QueuedPayload(nil), queue[over:]...)
		}
	}
}
