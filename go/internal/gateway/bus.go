package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/stagesync/go/internal/timer"
)

// BusConfig holds configuration for the NATS control bridge
type BusConfig struct {
	URL           string
	SubjectPrefix string // control on <prefix>.control.<action>, state on <prefix>.state
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultBusConfig returns default NATS bridge configuration
func DefaultBusConfig() BusConfig {
	return BusConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "stagesync",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// Bus lets controllers drive the hub over NATS request/reply and publishes
// every broadcast timer state for other services to follow
type Bus struct {
	ctrl   Controller
	nc     *nats.Conn
	config BusConfig
	feed   *stateFeed
}

// NewBus connects to NATS
func NewBus(ctrl Controller, config BusConfig) (*Bus, error) {
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = DefaultBusConfig().SubjectPrefix
	}

	opts := []nats.Option{
		nats.Name("stagesync-gateway"),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &Bus{
		ctrl:   ctrl,
		nc:     nc,
		config: config,
		feed:   newStateFeed("nats", 64),
	}, nil
}

func (b *Bus) controlSubject() string { return b.config.SubjectPrefix + ".control.>" }

func (b *Bus) stateSubject() string { return b.config.SubjectPrefix + ".state" }

// ObserveState queues a state for publication; it never blocks the hub
func (b *Bus) ObserveState(st timer.State) {
	b.feed.ObserveState(st)
}

// Start consumes control requests and publishes states until ctx is cancelled
func (b *Bus) Start(ctx context.Context) error {
	msgCh := make(chan *nats.Msg, 100)
	sub, err := b.nc.ChanSubscribe(b.controlSubject(), msgCh)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.controlSubject(), err)
	}
	defer sub.Unsubscribe()

	go b.feed.run(ctx, func(ctx context.Context, data []byte) error {
		return b.nc.Publish(b.stateSubject(), data)
	})

	log.Info().
		Str("control_subject", b.controlSubject()).
		Str("state_subject", b.stateSubject()).
		Msg("NATS control bridge started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("NATS control bridge shutting down")
			return nil
		case msg := <-msgCh:
			b.handle(ctx, msg)
		}
	}
}

func (b *Bus) handle(ctx context.Context, msg *nats.Msg) {
	action := strings.TrimPrefix(msg.Subject, b.config.SubjectPrefix+".control.")

	var req ControlRequest
	var resp ControlResponse
	var err error
	if len(msg.Data) > 0 {
		if uerr := json.Unmarshal(msg.Data, &req); uerr != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidRequest, uerr)
		}
	}
	if err == nil {
		resp, err = ExecuteControl(ctx, b.ctrl, action, req)
	}
	if err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("NATS control request failed")
		resp = ControlResponse{Success: false, Error: err.Error()}
	} else {
		log.Debug().Str("subject", msg.Subject).Msg("NATS control request applied")
	}

	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal NATS reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("failed to respond to NATS request")
	}
}

// Stop drains the connection
func (b *Bus) Stop() error {
	log.Info().Msg("stopping NATS control bridge")
	if b.nc != nil {
		return b.nc.Drain()
	}
	return nil
}
