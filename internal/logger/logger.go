package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	Logger zerolog.Logger
)

type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

func init() {
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Configure sets up the global logger with the specified level. Dev mode
// switches to the human readable console writer.
func Configure(level LogLevel, isDev bool) {
	ConfigureOutput(level, isDev, os.Stderr)
}

// ConfigureOutput is Configure with an explicit destination, used by tests
// and by the serve command when --log-file is given.
func ConfigureOutput(level LogLevel, isDev bool, out io.Writer) {
	zerolog.SetGlobalLevel(level.zerologLevel())

	writer := out
	if isDev {
		writer = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    false,
		}
	}

	Logger = zerolog.New(writer).With().Timestamp().Logger()
	log.Logger = Logger
}

func (l LogLevel) zerologLevel() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLevel maps a user supplied level name onto a LogLevel. Unknown names
// fall back to info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error", "fatal":
		return LevelError
	default:
		return LevelInfo
	}
}

// GetLogLevelFromEnv determines log level from environment variables
func GetLogLevelFromEnv(isDev bool) LogLevel {
	if lvl := os.Getenv("RUNBRIDGE_LOG_LEVEL"); lvl != "" {
		return ParseLevel(lvl)
	}

	debug := os.Getenv("DEBUG")

	// In dev mode, default to DEBUG=true unless explicitly set to false
	if isDev {
		if strings.ToLower(debug) == "false" || debug == "0" {
			return LevelInfo
		}
		return LevelDebug
	}

	if strings.ToLower(debug) == "true" || debug == "1" {
		return LevelDebug
	}

	return LevelInfo
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Debugf(format string, args ...interface{}) {
	Logger.Debug().Msgf(format, args...)
}

func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Infof(format string, args ...interface{}) {
	Logger.Info().Msgf(format, args...)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Warnf(format string, args ...interface{}) {
	Logger.Warn().Msgf(format, args...)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, args ...interface{}) {
	Logger.Error().Msgf(format, args...)
}

// WithField creates a logger with a field
func WithField(key string, value interface{}) zerolog.Logger {
	return Logger.With().Interface(key, value).Logger()
}

// ForSession returns a logger tagged with the session id, used by every
// broker component that acts on behalf of one session.
func ForSession(sessionID string) zerolog.Logger {
	return Logger.With().Str("session", sessionID).Logger()
}
