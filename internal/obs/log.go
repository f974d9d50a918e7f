package obs

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	loggerMu sync.RWMutex
	logger   = newLogger(os.Stdout, zerolog.InfoLevel, "json")
)

func init() {
	zerolog.TimestampFieldName = "ts"
	zerolog.MessageFieldName = "msg"
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// Logger returns the shared structured logger used across the service.
func Logger() zerolog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// InitLogger configures the shared logger. Unknown levels fall back to info;
// format "console" switches to human readable output.
func InitLogger(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	SetLogger(newLogger(os.Stdout, lvl, format))
}

// SetLogger replaces the shared logger, returning the previous one.
func SetLogger(l zerolog.Logger) zerolog.Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	prev := logger
	logger = l
	return prev
}

// NewWriterLogger builds a JSON logger writing to w at debug level. Tests use it
// to capture output.
func NewWriterLogger(w io.Writer) zerolog.Logger {
	return newLogger(w, zerolog.DebugLevel, "json")
}

// LogRequest emits a structured line with common HTTP fields.
func LogRequest(entry map[string]any) {
	l := Logger()
	l.Info().Fields(entry).Msg("request_complete")
}

func newLogger(w io.Writer, lvl zerolog.Level, format string) zerolog.Logger {
	if strings.EqualFold(format, "console") || strings.EqualFold(format, "pretty") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", ServiceName).Logger()
}
