package capture

import (
	"log/slog"
	"time"
)

// Event reports a stage change of one session
type Event struct {
	SessionID string
	UserID    string
	From      Stage
	To        Stage
	At        time.Time
	// Detail is "remote" or "fallback" when entering Classified, and the failure reason when entering Failed
	Detail string
}

// Observer is notified of every stage change. StageChanged is called without the
// session lock held but must not block.
type Observer interface {
	StageChanged(Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Event)

func (f ObserverFunc) StageChanged(e Event) {
	f(e)
}

// LogObserver writes stage changes to the default logger
type LogObserver struct{}

func (LogObserver) StageChanged(e Event) {
	attrs := []any{
		"session_id", e.SessionID,
		"user_id", e.UserID,
		"from", e.From,
		"to", e.To,
	}
	if e.Detail != "" {
		attrs = append(attrs, "detail", e.Detail)
	}
	slog.Debug("capture stage changed", attrs...)
}
