package config

import (
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Env         string `mapstructure:"env"`
	Port        int    `mapstructure:"port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	JWTSecret   string `mapstructure:"jwt_secret"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	TopicMessages string   `mapstructure:"topic_messages"`
	TopicRetry    string   `mapstructure:"topic_retry"`
	TopicDLQ      string   `mapstructure:"topic_dlq"`
	GroupID       string   `mapstructure:"group_id"`
	MaxInFlight   int      `mapstructure:"max_in_flight"`
	MaxRetries    int      `mapstructure:"max_retries"`
	BackoffBaseMS int      `mapstructure:"backoff_base_ms"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type LimitsConfig struct {
	MessagesPerWindow int `mapstructure:"messages_per_window"`
	WindowSeconds     int `mapstructure:"window_seconds"`
}

type RealtimeConfig struct {
	RingTimeoutSeconds   int   `mapstructure:"ring_timeout_seconds"`
	TypingTTLSeconds     int   `mapstructure:"typing_ttl_seconds"`
	PresenceTTLSeconds   int   `mapstructure:"presence_ttl_seconds"`
	EditWindowMinutes    int   `mapstructure:"edit_window_minutes"`
	PingIntervalSeconds  int   `mapstructure:"ping_interval_seconds"`
	WriteDeadlineSeconds int   `mapstructure:"write_deadline_seconds"`
	MaxMessageSizeBytes  int64 `mapstructure:"max_message_size_bytes"`
}

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Mongo    MongoConfig    `mapstructure:"mongo"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Realtime RealtimeConfig `mapstructure:"realtime"`

	// derived
	RingTimeout   time.Duration
	TypingTTL     time.Duration
	PresenceTTL   time.Duration
	EditWindow    time.Duration
	RateWindow    time.Duration
	BackoffBase   time.Duration
	PingInterval  time.Duration
	WriteDeadline time.Duration
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.App.Port == 0 {
		c.App.Port = 8080
	}
	if c.App.MetricsPort == 0 {
		c.App.MetricsPort = 9090
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "rt"
	}
	if c.Kafka.TopicMessages == "" {
		c.Kafka.TopicMessages = "messages"
	}
	if c.Kafka.TopicRetry == "" {
		c.Kafka.TopicRetry = c.Kafka.TopicMessages + ".retry"
	}
	if c.Kafka.TopicDLQ == "" {
		c.Kafka.TopicDLQ = c.Kafka.TopicMessages + ".dlq"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "realtime-service"
	}
	if c.Kafka.MaxInFlight == 0 {
		c.Kafka.MaxInFlight = 16
	}
	if c.Kafka.MaxRetries == 0 {
		c.Kafka.MaxRetries = 3
	}
	if c.Kafka.BackoffBaseMS == 0 {
		c.Kafka.BackoffBaseMS = 500
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "realtime"
	}
	if c.Limits.MessagesPerWindow == 0 {
		c.Limits.MessagesPerWindow = 30
	}
	if c.Limits.WindowSeconds == 0 {
		c.Limits.WindowSeconds = 60
	}
	if c.Realtime.RingTimeoutSeconds == 0 {
		c.Realtime.RingTimeoutSeconds = 60
	}
	if c.Realtime.TypingTTLSeconds == 0 {
		c.Realtime.TypingTTLSeconds = 5
	}
	if c.Realtime.PresenceTTLSeconds == 0 {
		// Must comfortably exceed the ping interval so one lost
		// keepalive does not flap presence.
		c.Realtime.PresenceTTLSeconds = 60
	}
	if c.Realtime.EditWindowMinutes == 0 {
		c.Realtime.EditWindowMinutes = 15
	}
	if c.Realtime.PingIntervalSeconds == 0 {
		c.Realtime.PingIntervalSeconds = 25
	}
	if c.Realtime.WriteDeadlineSeconds == 0 {
		c.Realtime.WriteDeadlineSeconds = 10
	}
	if c.Realtime.MaxMessageSizeBytes == 0 {
		c.Realtime.MaxMessageSizeBytes = 65536
	}

	c.RingTimeout = time.Duration(c.Realtime.RingTimeoutSeconds) * time.Second
	c.TypingTTL = time.Duration(c.Realtime.TypingTTLSeconds) * time.Second
	c.PresenceTTL = time.Duration(c.Realtime.PresenceTTLSeconds) * time.Second
	c.EditWindow = time.Duration(c.Realtime.EditWindowMinutes) * time.Minute
	c.RateWindow = time.Duration(c.Limits.WindowSeconds) * time.Second
	c.BackoffBase = time.Duration(c.Kafka.BackoffBaseMS) * time.Millisecond
	c.PingInterval = time.Duration(c.Realtime.PingIntervalSeconds) * time.Second
	c.WriteDeadline = time.Duration(c.Realtime.WriteDeadlineSeconds) * time.Second
}
