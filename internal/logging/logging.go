// Package logging constructs the zap.Logger shared by both binaries.
package logging

import "go.uber.org/zap"

// New builds a production-profile zap logger with the level raised to
// Debug when debug is true, matching both original scripts' "-debug"
// flag semantics.
func New(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	return cfg.Build()
}
