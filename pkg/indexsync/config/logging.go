package config

import (
	"github.com/dustin/go-humanize"

	"github.com/jamesainslie/indexsync/pkg/indexsync/logging"
)

// Logging converts the logging section. consoleLevel enables stderr output
// when not empty.
func (l LoggingConfig) Logging(consoleLevel string) logging.Config {
	return logging.Config{
		Level:        l.Level,
		Path:         l.Path,
		Rotation:     ParseRotation(l.Rotation),
		Components:   l.Components,
		ConsoleLevel: consoleLevel,
	}
}

// ParseRotation converts a rotation section. An empty or invalid max_size
// falls back to the default size.
func ParseRotation(r RotationConfig) logging.RotationConfig {
	out := logging.RotationConfig{
		MaxSize:    logging.DefaultRotationConfig().MaxSize,
		MaxAge:     r.MaxAge,
		MaxBackups: r.MaxBackups,
		Daily:      r.Daily,
	}
	if r.MaxSize != "" {
		if size, err := humanize.ParseBytes(r.MaxSize); err == nil && size > 0 {
			out.MaxSize = int64(size)
		}
	}
	return out
}
