package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// NewLogger builds a production JSON logger tagged with the service name
func NewLogger(service, level string) (*zap.Logger, error) {
	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = atomicLevel
	cfg.InitialFields = map[string]interface{}{
		"service": service,
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}
