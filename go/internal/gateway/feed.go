package gateway

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/stagesync/go/internal/timer"
)

// stateFeed decouples the hub from slow external sinks. ObserveState never
// blocks; the sink only ever sees the newest state waiting in the buffer.
type stateFeed struct {
	name   string
	states chan timer.State
}

func newStateFeed(name string, size int) *stateFeed {
	if size <= 0 {
		size = 64
	}
	return &stateFeed{
		name:   name,
		states: make(chan timer.State, size),
	}
}

func (f *stateFeed) ObserveState(st timer.State) {
	select {
	case f.states <- st:
	default:
		log.Warn().Str("feed", f.name).Msg("state feed full, dropping update")
	}
}

// run writes states to the sink until ctx is cancelled
func (f *stateFeed) run(ctx context.Context, write func(ctx context.Context, data []byte) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-f.states:
			st = f.latest(st)

			data, err := json.Marshal(st)
			if err != nil {
				log.Error().Err(err).Str("feed", f.name).Msg("failed to marshal timer state")
				continue
			}
			if err := write(ctx, data); err != nil {
				log.Error().Err(err).Str("feed", f.name).Msg("failed to publish timer state")
			}
		}
	}
}

// latest coalesces any states already buffered behind st
func (f *stateFeed) latest(st timer.State) timer.State {
	for {
		select {
		case next := <-f.states:
			st = next
		default:
			return st
		}
	}
}
