// Package config reads process configuration from the environment, with
// defaults that work for local development.
package config

import (
	"os"
	"strconv"
	"time"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Hub holds the session-hub server configuration.
type Hub struct {
	ListenAddr       string
	IdleCleanupDelay time.Duration
	PostgresDSN      string // empty: in-memory alarm store
	MQTTBroker       string // empty: lifecycle events disabled
	MQTTClientID     string
}

func LoadHub() Hub {
	return Hub{
		ListenAddr:       getenv("HUB_LISTEN_ADDR", ":8787"),
		IdleCleanupDelay: getdur("HUB_IDLE_CLEANUP_DELAY", time.Hour),
		PostgresDSN:      os.Getenv("HUB_POSTGRES_DSN"),
		MQTTBroker:       os.Getenv("HUB_MQTT_BROKER"),
		MQTTClientID:     getenv("HUB_MQTT_CLIENT_ID", "canvas-hub"),
	}
}

// Agent holds the voice-agent configuration.
type Agent struct {
	LiveURL              string
	APIKey               string
	Model                string
	Voice                string
	SystemInstruction    string
	HubURL               string // empty: no hub presence relay
	BoardID              string
	UserName             string
	SetupTimeout         time.Duration
	ReconnectBase        time.Duration
	MaxReconnectAttempts int
}

func LoadAgent() Agent {
	return Agent{
		LiveURL:              getenv("LIVE_API_URL", "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"),
		APIKey:               os.Getenv("LIVE_API_KEY"),
		Model:                getenv("LIVE_MODEL", "models/gemini-2.0-flash-exp"),
		Voice:                getenv("LIVE_VOICE", "Puck"),
		SystemInstruction:    os.Getenv("LIVE_SYSTEM_INSTRUCTION"),
		HubURL:               os.Getenv("HUB_URL"),
		BoardID:              getenv("BOARD_ID", "default"),
		UserName:             getenv("AGENT_USER_NAME", "AI Assistant"),
		SetupTimeout:         getdur("LIVE_SETUP_TIMEOUT", 10*time.Second),
		ReconnectBase:        getdur("LIVE_RECONNECT_BASE", time.Second),
		MaxReconnectAttempts: getint("LIVE_MAX_RECONNECT_ATTEMPTS", 5),
	}
}
