package utils

import (
	"io"
	"time"

	"github.com/charmbracelet/log"
)

// NewLogger builds the structured logger shared by the CLI and the trainer.
// level is one of debug, info, warn, error.
func NewLogger(w io.Writer, level string) (*log.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Prefix:          "llmOx",
	}), nil
}

// Discard is a logger for tests and library callers that want silence.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}
