package klog

import "github.com/rs/zerolog"

// ZerologBackend adapts a zerolog.Logger to the Logger interface,
// grounded on logiface-zerolog's adapter shape: a thin wrapper that
// translates the facade's entry shape into the concrete backend's
// builder calls, rather than taking a hard compile-time dependency on
// zerolog from every subsystem.
type ZerologBackend struct {
	Logger zerolog.Logger
}

// NewZerologBackend wraps an existing zerolog.Logger.
func NewZerologBackend(l zerolog.Logger) *ZerologBackend {
	return &ZerologBackend{Logger: l}
}

// Enabled reports whether level maps to an enabled zerolog level.
func (b *ZerologBackend) Enabled(level Level) bool {
	return b.Logger.GetLevel() <= toZerologLevel(level)
}

// Log translates entry into a zerolog event.
func (b *ZerologBackend) Log(e Entry) {
	evt := b.Logger.WithLevel(toZerologLevel(e.Level))
	if evt == nil {
		return
	}
	evt = evt.Str("category", e.Category)
	if e.TaskID >= 0 {
		evt = evt.Int("task_id", e.TaskID)
	}
	for k, v := range e.Fields {
		evt = evt.Interface(k, v)
	}
	if e.Err != nil {
		evt = evt.Err(e.Err)
	}
	if !e.Timestamp.IsZero() {
		evt = evt.Time("ts", e.Timestamp)
	}
	evt.Msg(e.Message)
}

func toZerologLevel(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
