package gloup

import (
	"context"
	"log/slog"
	"time"
)

// Sink receives named events, performance metrics and error reports.
type Sink interface {
	Event(name string, attrs map[string]any)
	Metric(name string, d time.Duration, meta map[string]any)
	Error(err error, meta map[string]any)
}

// Event names emitted by the SDK.
const (
	EventQuerySlow          = "query.slow"
	EventQueueRetry         = "queue.retry"
	EventQueueFailed        = "queue.failed"
	EventQueueCompleted     = "queue.completed"
	EventRealtimeReconnect  = "realtime.reconnect"
	EventRealtimeGaveUp     = "realtime.gave_up"
	EventNotificationFailed = "notification.failed"
)

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Event(string, map[string]any) {}
func (NopSink) Metric(string, time.Duration, map[string]any) {}
func (NopSink) Error(error, map[string]any) {}

// SlogSink writes events and metrics to a structured logger.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink backed by logger (slog.Default when nil).
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Event(name string, attrs map[string]any) {
	level := slog.LevelInfo
	switch name {
	case EventQuerySlow, EventQueueRetry, EventRealtimeReconnect:
		level = slog.LevelWarn
	case EventQueueFailed, EventRealtimeGaveUp, EventNotificationFailed:
		level = slog.LevelError
	}
	s.logger.LogAttrs(context.Background(), level, name, toAttrs(attrs)...)
}

func (s *SlogSink) Metric(name string, d time.Duration, meta map[string]any) {
	attrs := append([]slog.Attr{slog.Duration("duration", d)}, toAttrs(meta)...)
	s.logger.LogAttrs(context.Background(), slog.LevelDebug, name, attrs...)
}

func (s *SlogSink) Error(err error, meta map[string]any) {
	attrs := append([]slog.Attr{slog.String("error", err.Error())}, toAttrs(meta)...)
	s.logger.LogAttrs(context.Background(), slog.LevelError, "error", attrs...)
}

func toAttrs(m map[string]any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(m))
	for k, v := range m {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}
