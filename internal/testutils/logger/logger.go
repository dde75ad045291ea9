package logger

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/veriseal-org/veriseal/logger"
)

// New returns logger for test t on TRACE level.
func New(t *testing.T) *slog.Logger {
	t.Helper()
	return NewLvl(t, logger.LevelTrace)
}

// NewLvl returns logger for test t which logs on level "level".
func NewLvl(t *testing.T, level slog.Level) *slog.Logger {
	h := slog.NewTextHandler(
		&testWriter{t: t},
		&slog.HandlerOptions{
			Level: level,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				// t.Log output is already prefixed with timestamp
				if a.Key == slog.TimeKey {
					return slog.Attr{}
				}
				return a
			},
		},
	)
	return slog.New(h)
}

// NOP returns a logger which doesn't log (ie /dev/null).
func NOP() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt32)}))
}

// LoggerBuilder returns logger factory for tests, ignores the
// configuration and always returns logger for test t.
func LoggerBuilder(t *testing.T) func(*logger.LogConfiguration) (*slog.Logger, error) {
	return func(*logger.LogConfiguration) (*slog.Logger, error) {
		return New(t), nil
	}
}

type testWriter struct {
	t *testing.T
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	// logging to a test which has already finished panics
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic: %v", r)
		}
	}()
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}
