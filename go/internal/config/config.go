package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcdev12/stagesync/go/internal/gateway"
	"github.com/mcdev12/stagesync/go/internal/logging"
	"github.com/mcdev12/stagesync/go/internal/screen"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Timer     TimerConfig     `yaml:"timer"`
	Queue     QueueConfig     `yaml:"queue"`
	Health    HealthConfig    `yaml:"health"`
	NATS      NATSConfig      `yaml:"nats"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
	Screen    ScreenConfig    `yaml:"screen"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// AllowedOrigins applies to both CORS and the WebSocket upgrade; empty or "*" allows all
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type WebSocketConfig struct {
	WriteTimeout   Duration `yaml:"write_timeout"`
	ReadTimeout    Duration `yaml:"read_timeout"`
	PingInterval   Duration `yaml:"ping_interval"`
	MaxMessageSize int64    `yaml:"max_message_size"`
	SendBuffer     int      `yaml:"send_buffer"`
}

type TimerConfig struct {
	TickInterval  Duration `yaml:"tick_interval"`
	BroadcastRate float64  `yaml:"broadcast_rate"`
	AllowOvertime bool     `yaml:"allow_overtime"`
}

type QueueConfig struct {
	MaxPerScreen int      `yaml:"max_per_screen"`
	MaxAge       Duration `yaml:"max_age"`
}

type HealthConfig struct {
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout"`
}

// NATSConfig enables the NATS control bridge when URL is set
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// RedisConfig enables the Redis state mirror when Addr is set
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Console    bool   `yaml:"console"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type ScreenConfig struct {
	ServerURL         string   `yaml:"server_url"`
	ScreenID          string   `yaml:"screen_id"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	ReconnectDelay    Duration `yaml:"reconnect_delay"`
	AllowOvertime     bool     `yaml:"allow_overtime"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	hub := gateway.DefaultConfig()
	conn := gateway.DefaultConnectionConfig()
	link := screen.DefaultConfig()
	logOpts := logging.DefaultOptions()

	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		WebSocket: WebSocketConfig{
			WriteTimeout:   Duration(conn.WriteTimeout),
			ReadTimeout:    Duration(conn.ReadTimeout),
			PingInterval:   Duration(conn.PingInterval),
			MaxMessageSize: conn.MaxMessageSize,
			SendBuffer:     conn.SendBuffer,
		},
		Timer: TimerConfig{
			TickInterval:  Duration(hub.TickInterval),
			BroadcastRate: hub.BroadcastRate,
		},
		Queue: QueueConfig{
			MaxPerScreen: hub.Queue.MaxPerScreen,
			MaxAge:       Duration(hub.Queue.MaxAge),
		},
		Health: HealthConfig{HeartbeatTimeout: Duration(hub.HeartbeatTimeout)},
		NATS:   NATSConfig{SubjectPrefix: gateway.DefaultBusConfig().SubjectPrefix},
		Redis:  RedisConfig{KeyPrefix: "stagesync"},
		Log: LogConfig{
			Level:      logOpts.Level,
			Console:    logOpts.Console,
			MaxSizeMB:  logOpts.MaxSizeMB,
			MaxBackups: logOpts.MaxBackups,
		},
		Screen: ScreenConfig{
			ServerURL:         link.ServerURL,
			HeartbeatInterval: Duration(link.HeartbeatInterval),
			ReconnectDelay:    Duration(link.ReconnectDelay),
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if port := getEnv("GATEWAY_PORT", ""); port != "" {
		c.Server.Addr = ":" + port
	}
	c.Server.Addr = getEnv("SERVER_ADDR", c.Server.Addr)
	if origins := getEnv("ALLOWED_ORIGINS", ""); origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}

	c.Timer.AllowOvertime = getEnvAsBool("ALLOW_OVERTIME", c.Timer.AllowOvertime)
	c.Queue.MaxPerScreen = getEnvAsInt("QUEUE_MAX_PER_SCREEN", c.Queue.MaxPerScreen)
	if raw := getEnv("QUEUE_MAX_AGE", ""); raw != "" {
		d, err := ParseDurationField("QUEUE_MAX_AGE", raw)
		if err != nil {
			return err
		}
		c.Queue.MaxAge = Duration(d)
	}

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)

	c.Screen.ServerURL = getEnv("SERVER_URL", c.Screen.ServerURL)
	c.Screen.ScreenID = getEnv("SCREEN_ID", c.Screen.ScreenID)
	return nil
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	switch {
	case c.Server.Addr == "":
		return errors.New("server.addr is required")
	case c.Timer.BroadcastRate <= 0:
		return fmt.Errorf("timer.broadcast_rate must be > 0, got %v", c.Timer.BroadcastRate)
	case time.Duration(c.Timer.TickInterval) > time.Second:
		return fmt.Errorf("timer.tick_interval must be <= 1s, got %s", time.Duration(c.Timer.TickInterval))
	case c.Queue.MaxPerScreen < 1:
		return fmt.Errorf("queue.max_per_screen must be >= 1, got %d", c.Queue.MaxPerScreen)
	case c.WebSocket.MaxMessageSize < 0:
		return fmt.Errorf("websocket.max_message_size must be >= 0, got %d", c.WebSocket.MaxMessageSize)
	case c.WebSocket.SendBuffer < 0:
		return fmt.Errorf("websocket.send_buffer must be >= 0, got %d", c.WebSocket.SendBuffer)
	}
	// initial_state plus a full queue must fit the send buffer on connect
	if buf := c.Connection().SendBuffer; c.Queue.MaxPerScreen >= buf {
		return fmt.Errorf("queue.max_per_screen (%d) must be < websocket.send_buffer (%d)", c.Queue.MaxPerScreen, buf)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if u, err := url.Parse(c.Screen.ServerURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("screen.server_url must be a ws:// or wss:// URL, got %q", c.Screen.ServerURL)
	}
	return nil
}

// Gateway returns the hub configuration
func (c *Config) Gateway() gateway.Config {
	def := gateway.DefaultConfig()
	return gateway.Config{
		TickInterval:     c.Timer.TickInterval.Or(def.TickInterval),
		BroadcastRate:    c.Timer.BroadcastRate,
		AllowOvertime:    c.Timer.AllowOvertime,
		Queue:            c.queue(),
		HeartbeatTimeout: c.Health.HeartbeatTimeout.Or(def.HeartbeatTimeout),
	}
}

// Runtime returns the hub settings that can be applied without a restart
func (c *Config) Runtime() gateway.RuntimeConfig {
	return gateway.RuntimeConfig{
		AllowOvertime:    c.Timer.AllowOvertime,
		Queue:            c.queue(),
		HeartbeatTimeout: c.Health.HeartbeatTimeout.Or(gateway.DefaultHeartbeatTimeout),
	}
}

func (c *Config) queue() gateway.QueueConfig {
	return gateway.QueueConfig{
		MaxPerScreen: c.Queue.MaxPerScreen,
		MaxAge:       time.Duration(c.Queue.MaxAge),
	}
}

// Connection returns the WebSocket link configuration
func (c *Config) Connection() gateway.ConnectionConfig {
	conn := gateway.DefaultConnectionConfig()
	conn.WriteTimeout = c.WebSocket.WriteTimeout.Or(conn.WriteTimeout)
	conn.ReadTimeout = c.WebSocket.ReadTimeout.Or(conn.ReadTimeout)
	conn.PingInterval = c.WebSocket.PingInterval.Or(conn.PingInterval)
	if c.WebSocket.MaxMessageSize > 0 {
		conn.MaxMessageSize = c.WebSocket.MaxMessageSize
	}
	if c.WebSocket.SendBuffer > 0 {
		conn.SendBuffer = c.WebSocket.SendBuffer
	}
	if !c.AllowsAnyOrigin() {
		allowed := make(map[string]struct{}, len(c.Server.AllowedOrigins))
		for _, o := range c.Server.AllowedOrigins {
			allowed[strings.TrimRight(o, "/")] = struct{}{}
		}
		conn.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// non-browser screens send no Origin
				return true
			}
			_, ok := allowed[origin]
			return ok
		}
	}
	return conn
}

// AllowsAnyOrigin reports whether cross-origin requests are unrestricted
func (c *Config) AllowsAnyOrigin() bool {
	if len(c.Server.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range c.Server.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

// Bus returns the NATS bridge configuration; ok is false when NATS is disabled
func (c *Config) Bus() (gateway.BusConfig, bool) {
	bus := gateway.DefaultBusConfig()
	if c.NATS.URL == "" {
		return bus, false
	}
	bus.URL = c.NATS.URL
	if c.NATS.SubjectPrefix != "" {
		bus.SubjectPrefix = c.NATS.SubjectPrefix
	}
	return bus, true
}

// Mirror returns the Redis mirror configuration; ok is false when Redis is disabled
func (c *Config) Mirror() (gateway.RedisMirrorConfig, bool) {
	return gateway.RedisMirrorConfig{
		Addr:      c.Redis.Addr,
		Password:  c.Redis.Password,
		DB:        c.Redis.DB,
		KeyPrefix: c.Redis.KeyPrefix,
	}, c.Redis.Addr != ""
}

// Logging returns the logger options
func (c *Config) Logging() logging.Options {
	return logging.Options{
		Level:      c.Log.Level,
		Console:    c.Log.Console,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
	}
}

// ScreenLink returns the headless screen configuration
func (c *Config) ScreenLink() screen.Config {
	def := screen.DefaultConfig()
	return screen.Config{
		ServerURL:         c.Screen.ServerURL,
		ScreenID:          c.Screen.ScreenID,
		HeartbeatInterval: c.Screen.HeartbeatInterval.Or(def.HeartbeatInterval),
		ReconnectDelay:    c.Screen.ReconnectDelay.Or(def.ReconnectDelay),
		RenderInterval:    def.RenderInterval,
		AllowOvertime:     c.Screen.AllowOvertime,
		WriteTimeout:      c.WebSocket.WriteTimeout.Or(def.WriteTimeout),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
