package obs

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	loggerMu sync.RWMutex
	logger   = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// NewLogger builds a JSON logger writing to w. format "console" switches to a
// human-readable writer for local runs.
func NewLogger(w io.Writer, level, format string) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Logger returns the shared structured logger used across the service.
func Logger() zerolog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// SetLogger replaces the shared logger and returns the previous one.
func SetLogger(l zerolog.Logger) zerolog.Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	prev := logger
	logger = l
	return prev
}

// LogRequest emits one structured line per completed HTTP request.
func LogRequest(entry map[string]any) {
	l := Logger()
	l.Info().Fields(entry).Msg("request_complete")
}
