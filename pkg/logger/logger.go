package logger

import (
	"io"
	"log/slog"
)

// Logger is the logging interface consumed by every component of the sync
// layer. Arguments follow the slog convention of alternating keys and values.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

type slogHandler struct {
	logger *slog.Logger
}

// New returns a Logger backed by the given slog handler.
func New(h slog.Handler) Logger {
	return &slogHandler{logger: slog.New(h)}
}

// Discard returns a Logger that drops everything. Useful in tests.
func Discard() Logger {
	return &slogHandler{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func (h *slogHandler) Error(msg string, args ...any) {
	h.logger.Error(msg, args...)
}

func (h *slogHandler) Warn(msg string, args ...any) {
	h.logger.Warn(msg, args...)
}

func (h *slogHandler) Info(msg string, args ...any) {
	h.logger.Info(msg, args...)
}

func (h *slogHandler) Debug(msg string, args ...any) {
	h.logger.Debug(msg, args...)
}
