package queue

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Broker backends
const (
	BackendKafka  = "kafka"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds broker configuration
type Config struct {
	Backend string

	Brokers           []string
	ClientID          string
	GroupPrefix       string
	Partitions        int32
	ReplicationFactor int16

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	PollTimeout time.Duration
}

// LoadConfig loads broker configuration from environment variables
func LoadConfig() *Config {
	brokersStr := getEnvAsString("KAFKA_BROKERS", "127.0.0.1:9092")
	brokers := strings.Split(brokersStr, ",")
	for i := range brokers {
		brokers[i] = strings.TrimSpace(brokers[i])
	}

	return &Config{
		Backend:           strings.ToLower(getEnvAsString("BROKER", BackendKafka)),
		Brokers:           brokers,
		ClientID:          getEnvAsString("KAFKA_CLIENT_ID", "order-gateway"),
		GroupPrefix:       getEnvAsString("KAFKA_GROUP_PREFIX", "order-gateway"),
		Partitions:        int32(getEnvAsInt("KAFKA_PARTITIONS", 1)),
		ReplicationFactor: int16(getEnvAsInt("KAFKA_REPLICATION", 1)),
		RedisAddr:         getEnvAsString("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:     getEnvAsString("REDIS_PASSWORD", ""),
		RedisDB:           getEnvAsInt("REDIS_DB", 0),
		RedisKeyPrefix:    getEnvAsString("REDIS_KEY_PREFIX", ""),
		PollTimeout:       time.Duration(getEnvAsInt("POLL_TIMEOUT_MS", 50)) * time.Millisecond,
	}
}

// Open connects to the configured backend
func Open(ctx context.Context, cfg *Config, logger *zap.Logger) (Broker, error) {
	switch cfg.Backend {
	case BackendKafka:
		return NewKafkaBroker(cfg, logger)
	case BackendRedis:
		return NewRedisBroker(ctx, cfg, logger)
	case BackendMemory:
		logger.Warn("using in-process memory broker; messages do not leave this process")
		return NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("unknown broker backend %q", cfg.Backend)
	}
}

func getEnvAsString(key, defaultValue string) string {
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
