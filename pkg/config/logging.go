// Copyright 2024-2026 Aiku AI

package config

import (
	"fmt"

	"github.com/rs/zerolog"
)

// NewLogger compiles the logging section into a zerolog logger. When debug is
// set the global minimum level is lowered regardless of the file.
func (c *Config) NewLogger(debug bool) (*zerolog.Logger, error) {
	if debug {
		lvl := zerolog.DebugLevel
		c.Logging.MinLevel = &lvl
	}
	log, err := c.Logging.Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to compile logging config: %w", err)
	}
	return log, nil
}
