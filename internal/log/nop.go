package log

import (
	"github.com/rs/zerolog"
)

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger {
	return defaultLogger{
		Logger: zerolog.Nop(),
	}
}
