package launcher

import (
	"context"
	"log/slog"
	"sort"
)

// Lifecycle event types reported for each child.
const (
	EventStarting   = "starting"
	EventReady      = "ready"
	EventUnready    = "unready"
	EventExited     = "exited"
	EventRestarting = "restarting"
	EventStopping   = "stopping"
	EventStopped    = "stopped"
)

// EventPublisher receives child lifecycle events.
//
// Event types:
//   - starting: child process launched
//   - ready: readiness check passed
//   - unready: readiness check timed out
//   - exited: child exited without being asked to
//   - restarting: child relaunched under its restart policy
//   - stopping: teardown of the child's process group began
//   - stopped: child and its process group are gone
type EventPublisher interface {
	// ReportLifecycleEvent records one event. metadata carries details
	// such as pid, pgid or exit error.
	ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error
}

// NoopEventPublisher drops every event.
type NoopEventPublisher struct{}

// ReportLifecycleEvent does nothing
func (NoopEventPublisher) ReportLifecycleEvent(context.Context, string, string, map[string]string) error {
	return nil
}

// LogEventPublisher writes events to a structured logger.
type LogEventPublisher struct {
	Logger *slog.Logger
}

// ReportLifecycleEvent logs the event at info level, or warn for exits.
func (p LogEventPublisher) ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := []any{"event", eventType}
	for _, k := range keys {
		attrs = append(attrs, k, metadata[k])
	}

	level := slog.LevelInfo
	if eventType == EventExited || eventType == EventUnready {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, message, attrs...)
	return nil
}
