package logger

import (
	"io"

	"github.com/rs/zerolog"
)

type zerologHandler struct {
	logger zerolog.Logger
}

// NewZerolog returns a Logger that writes structured events to w through
// zerolog. Embedding applications that already run zerolog can pass their
// own writer so sync-layer events land in the same stream.
func NewZerolog(w io.Writer) Logger {
	return &zerologHandler{
		logger: zerolog.New(w).With().Timestamp().Logger(),
	}
}

// FromZerolog wraps an existing zerolog.Logger.
func FromZerolog(l zerolog.Logger) Logger {
	return &zerologHandler{logger: l}
}

func (h *zerologHandler) Error(msg string, args ...any) {
	h.emit(h.logger.Error(), msg, args)
}

func (h *zerologHandler) Warn(msg string, args ...any) {
	h.emit(h.logger.Warn(), msg, args)
}

func (h *zerologHandler) Info(msg string, args ...any) {
	h.emit(h.logger.Info(), msg, args)
}

func (h *zerologHandler) Debug(msg string, args ...any) {
	h.emit(h.logger.Debug(), msg, args)
}

func (h *zerologHandler) emit(ev *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, args[i+1])
	}
	ev.Msg(msg)
}
