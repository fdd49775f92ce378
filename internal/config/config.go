package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the full configuration of the realtime core.
type Config struct {
	App     AppConfig
	Server  ServerConfig
	Channel ChannelConfig
	Typing  TypingConfig
	Call    CallConfig
	Auth    AuthConfig
}

// AppConfig identifies the client build.
type AppConfig struct {
	Name        string
	Version     string
	Environment string
	Debug       bool
}

// ServerConfig points at the external backend.
type ServerConfig struct {
	// BaseURL is the REST collaborator, e.g. https://matcha.example.com
	BaseURL string

	// WSBaseURL is the WebSocket origin, e.g. wss://matcha.example.com
	WSBaseURL string

	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
}

// ChannelConfig controls per-connection transport behavior.
type ChannelConfig struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBufferSize int
}

// TypingConfig controls the typing indicator emitter.
type TypingConfig struct {
	// SilenceTimeout is how long after the last keystroke the local
	// typing state auto-clears.
	SilenceTimeout time.Duration
}

// CallConfig controls the call signaling state machine.
type CallConfig struct {
	// NegotiationTimeout hangs up a call stuck in negotiation.
	// Zero disables the timeout.
	NegotiationTimeout time.Duration

	// ICEQueueLimit bounds candidates buffered before the peer
	// session exists. Oldest entries are dropped past the limit.
	ICEQueueLimit int

	STUNServers []string
}

// AuthConfig carries the opaque credential used on every connection.
type AuthConfig struct {
	// AccessToken is issued by the session provider; the core only
	// forwards it and reads identity claims out of it.
	AccessToken string
}

// Load builds the configuration from the environment.
func Load() *Config {
	return &Config{
		App: AppConfig{
			Name:        getEnv("MATCHA_APP_NAME", "matcha-realtime"),
			Version:     getEnv("MATCHA_APP_VERSION", "1.0.0"),
			Environment: getEnv("MATCHA_ENV", "development"),
			Debug:       getEnvAsBool("MATCHA_DEBUG", false),
		},
		Server: ServerConfig{
			BaseURL:          getEnv("MATCHA_API_URL", "http://localhost:8000"),
			WSBaseURL:        getEnv("MATCHA_WS_URL", "ws://localhost:8000"),
			RequestTimeout:   getEnvAsDuration("MATCHA_REQUEST_TIMEOUT", "10s"),
			HandshakeTimeout: getEnvAsDuration("MATCHA_HANDSHAKE_TIMEOUT", "10s"),
		},
		Channel: ChannelConfig{
			WriteWait:      getEnvAsDuration("MATCHA_CHANNEL_WRITE_WAIT", "10s"),
			PongWait:       getEnvAsDuration("MATCHA_CHANNEL_PONG_WAIT", "60s"),
			PingPeriod:     getEnvAsDuration("MATCHA_CHANNEL_PING_PERIOD", "54s"),
			MaxMessageSize: getEnvAsInt64("MATCHA_CHANNEL_MAX_MESSAGE_SIZE", 1024*1024),
			SendBufferSize: getEnvAsInt("MATCHA_CHANNEL_SEND_BUFFER", 256),
		},
		Typing: TypingConfig{
			SilenceTimeout: getEnvAsDuration("MATCHA_TYPING_SILENCE_TIMEOUT", "3s"),
		},
		Call: CallConfig{
			NegotiationTimeout: getEnvAsDuration("MATCHA_CALL_NEGOTIATION_TIMEOUT", "30s"),
			ICEQueueLimit:      getEnvAsInt("MATCHA_CALL_ICE_QUEUE_LIMIT", 64),
			STUNServers:        getEnvAsSlice("MATCHA_STUN_SERVERS", "stun:stun.l.google.com:19302"),
		},
		Auth: AuthConfig{
			AccessToken: getEnv("MATCHA_ACCESS_TOKEN", ""),
		},
	}
}

// Validate checks required settings.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("MATCHA_API_URL is required")
	}
	if c.Server.WSBaseURL == "" {
		return fmt.Errorf("MATCHA_WS_URL is required")
	}
	if c.Channel.PingPeriod >= c.Channel.PongWait {
		return fmt.Errorf("ping period must be shorter than pong wait")
	}
	if c.Call.ICEQueueLimit <= 0 {
		return fmt.Errorf("ICE queue limit must be positive")
	}
	return nil
}

// Helper functions

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

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
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

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}

func getEnvAsSlice(key string, defaultValue string) []string {
	value := getEnv(key, defaultValue)
	if value == "" {
		return []string{}
	}
	parts := []string{}
	for _, p := range strings.Split(value, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
