package procmgr

import (
	"log/slog"
	"time"
)

// Option configures the Manager.
type Option func(*Manager)

// WithSyncer sets the Syncer implementation.
func WithSyncer(s Syncer) Option {
	return func(m *Manager) {
		m.syncer = s
	}
}

// WithResyncInterval sets how often a healthy child is resynced.
func WithResyncInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.resyncInterval = d
	}
}

// WithBackOffPeriod caps the backoff applied after sync errors.
func WithBackOffPeriod(d time.Duration) Option {
	return func(m *Manager) {
		m.backOffPeriod = d
	}
}

// WithDefaultGrace sets the grace period used when a stop does not name one.
func WithDefaultGrace(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultGrace = d
		}
	}
}

// WithMetricsCollector sets the metrics collector.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(m *Manager) {
		m.metrics = mc
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}
