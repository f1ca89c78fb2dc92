package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort      string
	FirebaseProject string
	Environment     string

	RedisAddr     string
	RedisPassword string

	// Well-known identifier of the shared community room.
	CommunityRoomID string

	// Realtime tuning. Typing timeout and debounce differ between
	// deployments, so both are configurable rather than hardcoded.
	TypingTimeout     time.Duration
	TypingDebounce    time.Duration
	HeartbeatInterval time.Duration
	PresenceTimeout   time.Duration
	SendRetryBudget   int
	SendRetryBackoff  time.Duration

	// How often connected users are re-checked against Firebase for
	// disabled or deleted accounts.
	RevocationCheckInterval time.Duration
}

func Load() (*Config, error) {
	godotenv.Load()

	config := &Config{
		ServerPort:      getEnv("SERVER_PORT", "8080"),
		FirebaseProject: getEnv("FIREBASE_PROJECT_ID", ""),
		Environment:     getEnv("ENVIRONMENT", "development"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		CommunityRoomID: getEnv("COMMUNITY_ROOM_ID", "community"),

		TypingTimeout:     getEnvAsDuration("TYPING_TIMEOUT", 5*time.Second),
		TypingDebounce:    getEnvAsDuration("TYPING_DEBOUNCE", 2*time.Second),
		HeartbeatInterval: getEnvAsDuration("PRESENCE_HEARTBEAT_INTERVAL", 15*time.Second),
		PresenceTimeout:   getEnvAsDuration("PRESENCE_TIMEOUT", 45*time.Second),
		SendRetryBudget:   getEnvAsInt("SEND_RETRY_BUDGET", 3),
		SendRetryBackoff:  getEnvAsDuration("SEND_RETRY_BACKOFF", 500*time.Millisecond),

		RevocationCheckInterval: getEnvAsDuration("REVOCATION_CHECK_INTERVAL", 5*time.Minute),
	}

	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		intValue, err := strconv.Atoi(value)
		if err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
