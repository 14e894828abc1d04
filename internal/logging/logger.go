package logging

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/edvin/lazyacme/internal/config"
)

// NewLogger creates a structured zerolog.Logger tagged with the service name
// and the data directory it manages.
func NewLogger(cfg *config.Config) zerolog.Logger {
	ctx := zerolog.New(os.Stdout).With().Timestamp()

	if cfg.ServiceName != "" {
		ctx = ctx.Str("service", cfg.ServiceName)
	}
	if cfg.DirPath != "" {
		ctx = ctx.Str("dir", cfg.DirPath)
	}

	logger := ctx.Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	return logger.Level(level)
}
