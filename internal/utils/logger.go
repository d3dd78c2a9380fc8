package utils

import (
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the process-wide zerolog console writer. Called once
// from GlobalInit (or by the CLI with its own debug flag).
func InitLogger(debug bool) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.DateTime,
	}).With().Timestamp().Logger()
}

// GetLogger returns a logger tagged with the owning component.
func GetLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// NewDownloadLogger returns a component logger carrying a fresh short
// download id, so one download's messages correlate across the engine and
// the slice manager. The id is returned for reuse in other contexts.
func NewDownloadLogger(component string) (zerolog.Logger, string) {
	id, _, _ := strings.Cut(uuid.NewString(), "-")
	return log.With().Str("component", component).Str("download", id).Logger(), id
}
