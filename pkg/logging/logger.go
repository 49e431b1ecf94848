// Package logging provides the zap logger construction and log sanitization
// helpers shared by the rest of the engine.
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// New builds the process-wide zap logger. Local and development environments
// get the human-readable console encoder; everything else gets production JSON.
func New(env string) (*zap.Logger, error) {
	var logger *zap.Logger
	var err error

	switch env {
	case "local", "development":
		logger, err = zap.NewDevelopment()
	default:
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
