package logging

import (
	"go.uber.org/zap"
)

// NewLogger creates a new structured logger writing to stderr
func NewLogger(serviceName string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{"stderr"}
	config.InitialFields = map[string]interface{}{
		"service": serviceName,
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return logger, nil
}

// WithCommand returns a logger with request_id and command fields
func WithCommand(logger *zap.Logger, requestID, command string) *zap.Logger {
	return logger.With(zap.String("request_id", requestID), zap.String("command", command))
}
