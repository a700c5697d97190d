package logger

import "go.uber.org/zap"

// New returns a structured logger tuned for the given environment.
// "production" gets JSON sampling output; everything else gets the
// human-readable development encoder.
func New(environment string) (*zap.Logger, error) {
	if environment == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// NewNop returns a no-op logger for tests and optional dependencies.
func NewNop() *zap.Logger {
	return zap.NewNop()
}
