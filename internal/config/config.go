package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is shared by the relay server and the terminal client. Each binary
// reads the fields it needs.
type Config struct {
	Port             string
	AllowedOrigins   []string
	AllowCredentials bool
	RedisHost        string
	RedisPort        string
	RedisPassword    string
	KafkaBrokers     []string
	Environment      string
	InstanceID       string

	Client ClientConfig
}

// ClientConfig holds the chat client settings.
type ClientConfig struct {
	WebSocketURL        string
	// ReconnectLimit of 0 or below disables reconnects.
	ReconnectLimit      int
	ReconnectDelay      time.Duration
	ReconnectBackoff    string
	HistoryLimit        int
	AllowIdentitySwitch bool
}

func LoadConfig() *Config {
	return &Config{
		Port:             getEnv("PORT", "8082"),
		AllowedOrigins:   splitList(getEnv("ALLOWED_ORIGINS", "*")),
		AllowCredentials: getEnvBool("ALLOW_CREDENTIALS", false),
		RedisHost:        getEnv("REDIS_HOST", "localhost"),
		RedisPort:        getEnv("REDIS_PORT", "6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		KafkaBrokers:     splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
		Environment:      getEnv("ENVIRONMENT", "development"),
		InstanceID:       getEnv("INSTANCE_ID", ""),
		Client: ClientConfig{
			WebSocketURL:        getEnv("CHAT_WS_URL", "ws://localhost:8082/ws"),
			ReconnectLimit:      getEnvInt("CHAT_RECONNECT_LIMIT", 5),
			ReconnectDelay:      time.Duration(getEnvInt("CHAT_RECONNECT_DELAY_MS", 3000)) * time.Millisecond,
			ReconnectBackoff:    getEnv("CHAT_RECONNECT_BACKOFF", "fixed"),
			HistoryLimit:        getEnvInt("CHAT_HISTORY_LIMIT", 100),
			AllowIdentitySwitch: getEnvBool("CHAT_ALLOW_IDENTITY_SWITCH", false),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return n
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return b
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// KafkaEnabled reports whether cross-instance fan-out is configured.
// KAFKA_BROKERS=none runs a single instance.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0 && !strings.EqualFold(c.KafkaBrokers[0], "none")
}

// GetCORSOrigins returns CORS origins as a comma-separated string
func (c *Config) GetCORSOrigins() string {
	if c.Environment == "production" && len(c.AllowedOrigins) > 0 && c.AllowedOrigins[0] != "*" {
		return strings.Join(c.AllowedOrigins, ",")
	}
	return "*"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
