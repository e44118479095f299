package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/stagesync/go/internal/timer"
)

// RedisMirrorConfig holds configuration for the Redis state mirror
type RedisMirrorConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisMirror writes the latest broadcast timer state to Redis so dashboards
// outside the gateway can read it. It is write-only: the gateway never
// restores from it.
type RedisMirror struct {
	rdb    *redis.Client
	config RedisMirrorConfig
	feed   *stateFeed
}

// NewRedisMirror connects to Redis and verifies the connection
func NewRedisMirror(ctx context.Context, config RedisMirrorConfig) (*RedisMirror, error) {
	if config.KeyPrefix == "" {
		config.KeyPrefix = "stagesync"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", config.Addr, err)
	}

	m := &RedisMirror{
		rdb:    rdb,
		config: config,
		feed:   newStateFeed("redis", 64),
	}
	// a key left by a previous process describes a timer that no longer exists
	if err := rdb.Del(pingCtx, m.timerKey()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("clear stale state %s: %w", m.timerKey(), err)
	}
	return m, nil
}

func (m *RedisMirror) timerKey() string { return m.config.KeyPrefix + ":timer" }

func (m *RedisMirror) stateChannel() string { return m.config.KeyPrefix + ":state" }

// ObserveState queues a state for the mirror; it never blocks the hub
func (m *RedisMirror) ObserveState(st timer.State) {
	m.feed.ObserveState(st)
}

// Run mirrors states until ctx is cancelled
func (m *RedisMirror) Run(ctx context.Context) {
	log.Info().
		Str("addr", m.config.Addr).
		Str("key", m.timerKey()).
		Str("channel", m.stateChannel()).
		Msg("redis state mirror started")

	m.feed.run(ctx, m.write)
}

func (m *RedisMirror) write(ctx context.Context, data []byte) error {
	pipe := m.rdb.TxPipeline()
	pipe.Set(ctx, m.timerKey(), data, 0)
	pipe.Publish(ctx, m.stateChannel(), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror state: %w", err)
	}
	return nil
}

// Close removes the mirrored state and releases the Redis client
func (m *RedisMirror) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.rdb.Del(ctx, m.timerKey()).Err(); err != nil {
		log.Warn().Err(err).Str("key", m.timerKey()).Msg("failed to clear mirrored state")
	}
	return m.rdb.Close()
}
