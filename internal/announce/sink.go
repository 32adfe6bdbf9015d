package announce

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"surveyrelay/internal/logging"
	"surveyrelay/pkg/interfaces"
	"surveyrelay/pkg/types"
)

// Notice builds an announcement with a fresh id and timestamp.
func Notice(kind types.AnnouncementKind, level types.Level, format string, args ...interface{}) types.Announcement {
	return types.Announcement{
		ID:      uuid.New().String(),
		Kind:    kind,
		Level:   level,
		Message: fmt.Sprintf(format, args...),
		Time:    time.Now().UTC(),
	}
}

// LogSink writes announcements to the structured log.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{logger: logging.WithComponent("announce")}
}

func (s *LogSink) Announce(ctx context.Context, a types.Announcement) {
	var event *zerolog.Event
	switch a.Level {
	case types.LevelError:
		event = s.logger.Error()
	case types.LevelWarn:
		event = s.logger.Warn()
	default:
		event = s.logger.Info()
	}
	event = event.Str("kind", string(a.Kind))
	if a.SessionID.Valid() {
		event = event.Int64("session_id", int64(a.SessionID))
	}
	if a.Expected > 0 {
		event = event.Int("received", a.Received).Int("expected", a.Expected)
	}
	event.Msg(a.Message)
}

// Multi fans an announcement out to several sinks in order.
type Multi []interfaces.AnnouncementSink

func (m Multi) Announce(ctx context.Context, a types.Announcement) {
	for _, sink := range m {
		sink.Announce(ctx, a)
	}
}

// History keeps the most recent announcements in memory.
type History struct {
	mu    sync.RWMutex
	limit int
	items []types.Announcement
}

// NewHistory keeps up to limit announcements. limit <= 0 keeps all.
func NewHistory(limit int) *History {
	return &History{limit: limit}
}

func (h *History) Announce(ctx context.Context, a types.Announcement) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, a)
	if h.limit > 0 && len(h.items) > h.limit {
		h.items = append([]types.Announcement(nil), h.items[len(h.items)-h.limit:]...)
	}
}

// Recent returns a copy, oldest first.
func (h *History) Recent() []types.Announcement {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]types.Announcement(nil), h.items...)
}

// OfKind returns the retained announcements of one kind.
func (h *History) OfKind(kind types.AnnouncementKind) []types.Announcement {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []types.Announcement
	for _, a := range h.items {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}
