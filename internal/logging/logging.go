package logging

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// EnvLogLevel is read through viper as the default for --log-level.
const EnvLogLevel = "MOSAIC_LOG_LEVEL"

// New returns a console logger writing to w at the given level.
func New(w io.Writer, level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
	}
	lvl, _ := ParseLevel(level)
	return zerolog.New(output).Level(lvl).With().Timestamp().Str("app", "mosaic").Logger()
}

// ParseLevel maps a level name to a zerolog level. Unknown names fall back to
// info and report false.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}
