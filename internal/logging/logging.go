// File: internal/logging/logging.go
// Package logging builds the component loggers used across the runtime.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// The library is silent unless HIOLOAD_TCP_LOG names a zerolog level
// (debug, info, warn, error).
var baseLevel = levelFromEnv()

func levelFromEnv() zerolog.Level {
	v := strings.TrimSpace(os.Getenv("HIOLOAD_TCP_LOG"))
	if v == "" {
		return zerolog.Disabled
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(v))
	if err != nil {
		return zerolog.Disabled
	}
	return lvl
}

// New returns a component-tagged logger writing to stderr.
func New(component string) zerolog.Logger {
	return zerolog.New(os.Stderr).
		Level(baseLevel).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}
