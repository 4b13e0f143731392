package procmgr

import (
	"time"
)

// MetricsCollector receives supervision events.
type MetricsCollector interface {
	StateTransition(id ChildID, from, to State)
	SyncDuration(id ChildID, kind Kind, d time.Duration, err error)
	StopDuration(id ChildID, d time.Duration)
	ChildError(id ChildID, errorType string)
	ChildRestart(id ChildID)
	QueueDepth(depth int)
	QueueAdd(id ChildID, delay time.Duration)
	QueueRetry(id ChildID)
	QueueBackoff(id ChildID, d time.Duration)
}

type noopMetricsCollector struct{}

func (noopMetricsCollector) StateTransition(ChildID, State, State)            {}
func (noopMetricsCollector) SyncDuration(ChildID, Kind, time.Duration, error) {}
func (noopMetricsCollector) StopDuration(ChildID, time.Duration)              {}
func (noopMetricsCollector) ChildError(ChildID, string)                       {}
func (noopMetricsCollector) ChildRestart(ChildID)                             {}
func (noopMetricsCollector) QueueDepth(int)                                   {}
func (noopMetricsCollector) QueueAdd(ChildID, time.Duration)                  {}
func (noopMetricsCollector) QueueRetry(ChildID)                               {}
func (noopMetricsCollector) QueueBackoff(ChildID, time.Duration)              {}

// NewNoopMetricsCollector returns a collector that records nothing.
func NewNoopMetricsCollector() MetricsCollector {
	return noopMetricsCollector{}
}
