package procmgr

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle phase of a supervised child.
type State int

const (
	// StateStarting - first sync has not succeeded yet
	StateStarting State = iota
	// StateRunning - child is up and being resynced
	StateRunning
	// StateStopping - stop requested, Syncer.Stop in progress
	StateStopping
	// StateStopped - child is down, awaiting cleanup
	StateStopped
	// StateFinished - cleanup done, worker exited
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// ChildID names a supervised child.
type ChildID string

// Kind is the reason a sync was requested.
type Kind int

const (
	// KindStart - launch the child
	KindStart Kind = iota
	// KindSync - periodic or event-driven resync
	KindSync
	// KindStop - stop the child
	KindStop
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "Start"
	case KindSync:
		return "Sync"
	case KindStop:
		return "Stop"
	default:
		return "Unknown"
	}
}

// Update asks the manager to act on a child.
type Update struct {
	ID   ChildID
	Kind Kind
	At   time.Time
	Spec any
	Stop *StopOptions
}

// StopOptions control how a child is stopped.
type StopOptions struct {
	// Grace is the time between SIGTERM and SIGKILL. A grace period can only
	// shrink once a stop is in progress.
	Grace time.Duration
}

// Status is a snapshot of a child's supervision state.
type Status struct {
	State      State
	Healthy    bool
	LastSync   time.Time
	ErrorCount int
	LastError  error
	Restarts   int
}

// Syncer performs the actual work for each lifecycle phase.
type Syncer interface {
	// Sync starts or checks the child. terminal=true means the child is done
	// for good and should be stopped and cleaned up.
	Sync(ctx context.Context, kind Kind, spec any) (terminal bool, err error)

	// Stop brings the child down within grace.
	Stop(ctx context.Context, spec any, grace time.Duration) error

	// Cleanup releases resources held for the child.
	Cleanup(ctx context.Context, spec any) error
}

// Manager supervises zero or more children, one worker goroutine each.
type Manager struct {
	mu sync.Mutex

	workers  map[ChildID]chan struct{}
	children map[ChildID]*child
	changed  chan struct{}

	syncer         Syncer
	resyncInterval time.Duration
	backOffPeriod  time.Duration
	defaultGrace   time.Duration
	queue          WorkQueue
	metrics        MetricsCollector
	logger         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type child struct {
	ctx    context.Context
	cancel context.CancelFunc

	working bool
	pending *Update
	active  *Update

	syncedAt   time.Time
	startedAt  time.Time
	stoppingAt time.Time
	stoppedAt  time.Time
	finishedAt time.Time

	grace time.Duration

	errorCount       int
	lastError        error
	restarts         int
	consecutiveFails int
}

func (c *child) State() State {
	switch {
	case !c.finishedAt.IsZero():
		return StateFinished
	case !c.stoppedAt.IsZero():
		return StateStopped
	case !c.stoppingAt.IsZero():
		return StateStopping
	case !c.syncedAt.IsZero():
		return StateRunning
	default:
		return StateStarting
	}
}

func (c *child) IsStopping() bool { return !c.stoppingAt.IsZero() }
func (c *child) IsStopped() bool  { return !c.stoppedAt.IsZero() }
func (c *child) IsFinished() bool { return !c.finishedAt.IsZero() }

func (c *child) Healthy() bool {
	return c.errorCount < 5 && c.State() == StateRunning
}

func (c *child) status() Status {
	return Status{
		State:      c.State(),
		Healthy:    c.Healthy(),
		LastSync:   c.syncedAt,
		ErrorCount: c.errorCount,
		LastError:  c.lastError,
		Restarts:   c.restarts,
	}
}
