// Package config loads and validates the gateway configuration from the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the validated configuration bundle consumed by the gateway.
type Config struct {
	AppEnv    string
	Port      int
	AuthToken string
	LogLevel  string

	AgentImage  string
	QdrantImage string
	Network     string

	AgentPort      int
	QdrantPort     int
	QdrantGRPCPort int

	RunningExpiry   time.Duration
	ExitedRetention time.Duration
	RemoveExited    bool

	CleanupInterval      time.Duration
	CleanupRetryInterval time.Duration

	ProbeMaxAttempts int
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration

	WSReceiveTimeout time.Duration

	AgentEnvFile    string
	AgentConfigFile string

	AuthServiceURL    string
	AuthServiceAPIKey string
}

// FromEnv builds a Config from environment variables, applying defaults
// for everything optional. Call Validate before using the result.
func FromEnv() Config {
	return Config{
		AppEnv:    getEnv("APP_ENV", "production"),
		Port:      getInt("SANDBOX_GATEWAY_PORT", 8003),
		AuthToken: getEnv("SANDBOX_GATEWAY_TOKEN", ""),
		LogLevel:  getEnv("LOG_LEVEL", "INFO"),

		AgentImage:  getEnv("SUPER_MAGIC_IMAGE_NAME", ""),
		QdrantImage: getEnv("QDRANT_IMAGE_NAME", "qdrant/qdrant:latest"),
		Network:     getEnv("SANDBOX_NETWORK", "bridge"),

		AgentPort:      getInt("CONTAINER_WS_PORT", 8002),
		QdrantPort:     getInt("QDRANT_PORT", 6333),
		QdrantGRPCPort: getInt("QDRANT_GRPC_PORT", 6334),

		RunningExpiry:   getDuration("CONTAINER_EXPIRE_TIME", 6*time.Hour),
		ExitedRetention: getDuration("EXITED_CONTAINER_EXPIRE_TIME", 30*time.Minute),
		RemoveExited:    getBool("EXITED_CONTAINER_CLEANUP_ENABLED", false),

		CleanupInterval:      getDuration("CLEANUP_INTERVAL", 5*time.Minute),
		CleanupRetryInterval: getDuration("CLEANUP_RETRY_INTERVAL", time.Minute),

		ProbeMaxAttempts: getInt("HEALTH_CHECK_MAX_ATTEMPTS", 30),
		ProbeInterval:    getDuration("HEALTH_CHECK_RETRY_INTERVAL", time.Second),
		ProbeTimeout:     getDuration("HEALTH_CHECK_TIMEOUT", 2*time.Second),

		WSReceiveTimeout: getDuration("WS_RECEIVE_TIMEOUT", 10*time.Minute),

		AgentEnvFile:    getEnv("AGENT_ENV_FILE_PATH", ""),
		AgentConfigFile: getEnv("SUPER_MAGIC_CONFIG_FILE_PATH", ""),

		AuthServiceURL:    getEnv("MAGIC_GATEWAY_BASE_URL", ""),
		AuthServiceAPIKey: getEnv("MAGIC_GATEWAY_API_KEY", ""),
	}
}

// Validate reports configuration errors that must abort startup.
func (c Config) Validate() error {
	if c.AgentImage == "" {
		return fmt.Errorf("SUPER_MAGIC_IMAGE_NAME must be set to the sandbox agent image")
	}
	if c.AgentEnvFile == "" {
		return fmt.Errorf("AGENT_ENV_FILE_PATH must be set")
	}
	if info, err := os.Stat(c.AgentEnvFile); err != nil || info.IsDir() {
		return fmt.Errorf("agent env file does not exist: %s", c.AgentEnvFile)
	}
	if c.AgentConfigFile != "" {
		if _, err := os.Stat(c.AgentConfigFile); err != nil {
			return fmt.Errorf("agent config file does not exist: %s", c.AgentConfigFile)
		}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Port)
	}
	if c.ProbeMaxAttempts <= 0 {
		return fmt.Errorf("HEALTH_CHECK_MAX_ATTEMPTS must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// getDuration accepts either a Go duration string ("5m") or a bare
// number of seconds, the form deployment env files commonly use.
func getDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}
