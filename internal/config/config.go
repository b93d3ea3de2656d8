package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds configuration for the gateway binaries
type Config struct {
	// Service name
	ServiceName string

	// gRPC health port
	GRPCPort int

	// HTTP health and metrics port
	HTTPPort int

	// Log level: debug, info, warn, error
	LogLevel string

	// Client TCP listen address
	GatewayAddr string

	// Time a new connection has to send its login frame
	LoginTimeout time.Duration

	// Read idle timeout after login; zero disables it
	IdleTimeout time.Duration

	// Deadline for writing one frame to a client
	WriteTimeout time.Duration

	// Per-session request frames per second; zero is unlimited
	OrderRateLimit float64

	// Cap on the router's empty-poll backoff
	RouterMaxBackoff time.Duration

	// Entries in the exchange order id index; zero disables it
	OrderIndexSize int

	// Dead-letter journal path; empty disables the journal
	DeadLetterDBPath string

	// How long dead letters are kept; zero keeps them forever
	DeadLetterRetention time.Duration
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig(serviceName string) *Config {
	cfg := &Config{
		ServiceName:         serviceName,
		GRPCPort:            getEnvAsInt("PORT_GRPC", 50051),
		HTTPPort:            getEnvAsInt("PORT_HTTP", 8080),
		LogLevel:            getEnvAsString("LOG_LEVEL", "info"),
		GatewayAddr:         getEnvAsString("GATEWAY_ADDR", ":7070"),
		LoginTimeout:        getEnvAsMillis("LOGIN_TIMEOUT_MS", 10000),
		IdleTimeout:         getEnvAsMillis("IDLE_TIMEOUT_MS", 0),
		WriteTimeout:        getEnvAsMillis("WRITE_TIMEOUT_MS", 5000),
		OrderRateLimit:      getEnvAsFloat("ORDER_RATE_LIMIT", 0),
		RouterMaxBackoff:    getEnvAsMillis("ROUTER_MAX_BACKOFF_MS", 250),
		OrderIndexSize:      getEnvAsInt("ORDER_INDEX_SIZE", 65536),
		DeadLetterDBPath:    getEnvAsString("DEADLETTER_DB_PATH", ""),
		DeadLetterRetention: time.Duration(getEnvAsInt("DEADLETTER_RETENTION_HOURS", 168)) * time.Hour,
	}

	return cfg
}

// GRPCAddr returns the gRPC server address
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}

// HTTPAddr returns the HTTP server address
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsMillis(key string, defaultMillis int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultMillis)) * time.Millisecond
}
