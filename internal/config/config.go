package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the realtime agent.
type Config struct {
	AppName string `validate:"required"`
	AppEnv  string `validate:"required"`
	AppPort string `validate:"required"`

	TenantID  string
	AgentID   string
	AuthToken string
	JWTSecret string

	UploadDir       string        `validate:"required"`
	UploadMaxMB     int           `validate:"gt=0"`
	StreamKeepAlive time.Duration `validate:"gt=0"`

	APIBaseURL       string        `validate:"omitempty,url"`
	SnapshotInterval time.Duration `validate:"gte=0"`

	MessagesURL      string        `validate:"omitempty,url"`
	NotificationsURL string        `validate:"omitempty,url"`
	PingInterval     time.Duration `validate:"gt=0"`
	MessagesRetry    time.Duration `validate:"gt=0"`
	ReconnectBase    time.Duration `validate:"gt=0"`
	ReconnectMax     time.Duration `validate:"gtefield=ReconnectBase"`
	AutoReconnect    bool
	HandshakeTimeout time.Duration `validate:"gt=0"`

	QueueDriver        string `validate:"oneof=sqlite postgres"`
	QueueDSN           string `validate:"required"`
	QueueRetentionDays int    `validate:"gte=0"`

	BroadcastDriver  string `validate:"oneof=memory redis nats none"`
	BroadcastChannel string `validate:"required"`
	RedisURL         string
	NATSURL          string

	ElectionInterval time.Duration `validate:"gt=0"`
	LeaderStaleAfter time.Duration `validate:"gt=0"`
	LeaderProbeWait  time.Duration `validate:"gt=0"`
	AnnounceDelay    time.Duration `validate:"gte=0"`
}

// HTTPAddress returns the address the local API should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("BIZDASH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "bizdash realtime agent")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8090")
	v.SetDefault("api.snapshot_interval", "30s")
	v.SetDefault("api.stream_keepalive", "30s")
	v.SetDefault("uploads.dir", "uploads")
	v.SetDefault("uploads.max_mb", 10)
	v.SetDefault("ws.ping_interval", "30s")
	v.SetDefault("ws.messages_retry", "3s")
	v.SetDefault("ws.reconnect_base", "1s")
	v.SetDefault("ws.reconnect_max", "30s")
	v.SetDefault("ws.auto_reconnect", true)
	v.SetDefault("ws.handshake_timeout", "10s")
	v.SetDefault("queue.driver", "sqlite")
	v.SetDefault("queue.dsn", "bizdash-notifications.db")
	v.SetDefault("queue.retention_days", 7)
	v.SetDefault("broadcast.driver", "memory")
	v.SetDefault("broadcast.channel", "bizdash-notifications")
	v.SetDefault("election.interval", "5s")
	v.SetDefault("election.stale_after", "10s")
	v.SetDefault("election.probe_wait", "500ms")
	v.SetDefault("election.announce_delay", "100ms")

	durations := map[string]time.Duration{}
	for _, key := range []string{
		"api.snapshot_interval",
		"api.stream_keepalive",
		"ws.ping_interval",
		"ws.messages_retry",
		"ws.reconnect_base",
		"ws.reconnect_max",
		"ws.handshake_timeout",
		"election.interval",
		"election.stale_after",
		"election.probe_wait",
		"election.announce_delay",
	} {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid duration for %s: %w", key, err)
		}
		durations[key] = parsed
	}

	cfg := Config{
		AppName:            v.GetString("app.name"),
		AppEnv:             v.GetString("app.env"),
		AppPort:            v.GetString("app.port"),
		TenantID:           v.GetString("tenant.id"),
		AgentID:            v.GetString("agent.id"),
		AuthToken:          v.GetString("auth.token"),
		JWTSecret:          v.GetString("api.jwt_secret"),
		UploadDir:          v.GetString("uploads.dir"),
		UploadMaxMB:        v.GetInt("uploads.max_mb"),
		StreamKeepAlive:    durations["api.stream_keepalive"],
		APIBaseURL:         strings.TrimRight(v.GetString("api.base_url"), "/"),
		SnapshotInterval:   durations["api.snapshot_interval"],
		MessagesURL:        v.GetString("ws.messages_url"),
		NotificationsURL:   v.GetString("ws.notifications_url"),
		PingInterval:       durations["ws.ping_interval"],
		MessagesRetry:      durations["ws.messages_retry"],
		ReconnectBase:      durations["ws.reconnect_base"],
		ReconnectMax:       durations["ws.reconnect_max"],
		AutoReconnect:      v.GetBool("ws.auto_reconnect"),
		HandshakeTimeout:   durations["ws.handshake_timeout"],
		QueueDriver:        strings.ToLower(v.GetString("queue.driver")),
		QueueDSN:           v.GetString("queue.dsn"),
		QueueRetentionDays: v.GetInt("queue.retention_days"),
		BroadcastDriver:    strings.ToLower(v.GetString("broadcast.driver")),
		BroadcastChannel:   v.GetString("broadcast.channel"),
		RedisURL:           v.GetString("redis.url"),
		NATSURL:            v.GetString("nats.url"),
		ElectionInterval:   durations["election.interval"],
		LeaderStaleAfter:   durations["election.stale_after"],
		LeaderProbeWait:    durations["election.probe_wait"],
		AnnounceDelay:      durations["election.announce_delay"],
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.BroadcastDriver == "redis" && cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("redis url must be provided for the redis broadcast driver")
	}
	if cfg.BroadcastDriver == "nats" && cfg.NATSURL == "" {
		return Config{}, fmt.Errorf("nats url must be provided for the nats broadcast driver")
	}

	return cfg, nil
}
