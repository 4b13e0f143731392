package procmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrStoppedBeforeRunning is returned by WaitRunning when a child is asked
// to stop before its first successful sync.
var ErrStoppedBeforeRunning = errors.New("child stopped before it was running")

// NewManager creates a manager. It owns a work queue consumer goroutine
// until Shutdown.
func NewManager(opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		workers:        make(map[ChildID]chan struct{}),
		children:       make(map[ChildID]*child),
		changed:        make(chan struct{}),
		resyncInterval: 30 * time.Second,
		backOffPeriod:  5 * time.Second,
		defaultGrace:   10 * time.Second,
		queue:          NewWorkQueue(),
		metrics:        NewNoopMetricsCollector(),
		logger:         slog.Default(),
		ctx:            ctx,
		cancel:         cancel,
	}

	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "procmgr")

	m.wg.Add(1)
	go m.consumeQueue()

	return m
}

// Submit queues an update for a child, creating its worker on first use.
// Updates for finished children are dropped.
func (m *Manager) Submit(u Update) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u.At.IsZero() {
		u.At = time.Now()
	}

	c, ok := m.children[u.ID]
	if !ok {
		c = &child{}
		m.children[u.ID] = c
	}

	if c.IsFinished() {
		m.logger.Debug("child finished, dropping update", "child", u.ID, "kind", u.Kind)
		return
	}

	if u.Kind == KindStop {
		m.handleStopRequest(u.ID, c, u.Stop)
	}

	// Keep the spec of the active update when a bare resync arrives.
	if u.Spec == nil && c.active != nil {
		u.Spec = c.active.Spec
	}
	c.pending = &u

	ch, ok := m.workers[u.ID]
	if !ok {
		ch = make(chan struct{}, 1)
		m.workers[u.ID] = ch

		m.wg.Add(1)
		go m.workerLoop(u.ID, ch)
	}

	select {
	case ch <- struct{}{}:
	default:
	}
}

func (m *Manager) handleStopRequest(id ChildID, c *child, opts *StopOptions) {
	already := c.IsStopping()

	if c.stoppingAt.IsZero() {
		c.stoppingAt = time.Now()
	}

	grace := m.defaultGrace
	if opts != nil && opts.Grace > 0 {
		grace = opts.Grace
	}
	if c.grace == 0 || grace < c.grace {
		c.grace = grace
	}

	if !already && c.cancel != nil {
		m.logger.Debug("cancelling in-flight sync for stop", "child", id)
		c.cancel()
	}
}

func (m *Manager) consumeQueue() {
	defer m.wg.Done()

	timer := time.NewTimer(time.Second)
	defer timer.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.queue.Wait():
		case <-timer.C:
		}
		m.drainQueue()
		timer.Reset(m.nextWake())
	}
}

// nextWake is the delay until the earliest queued item, clamped so that a
// missed notification is never waited on for more than a second.
func (m *Manager) nextWake() time.Duration {
	wake := time.Second
	if at, ok := m.queue.Next(); ok {
		if d := time.Until(at); d < wake {
			wake = d
		}
	}
	if wake < time.Millisecond {
		wake = time.Millisecond
	}
	return wake
}

// drainQueue signals the worker of every child whose requeue time passed.
func (m *Manager) drainQueue() {
	for {
		id, ok := m.queue.Dequeue()
		if !ok {
			return
		}

		m.metrics.QueueRetry(id)
		m.metrics.QueueDepth(m.queue.Len())

		m.mu.Lock()
		c, exists := m.children[id]
		ch, hasWorker := m.workers[id]
		if !exists || !hasWorker || c.IsFinished() {
			m.mu.Unlock()
			continue
		}
		if c.pending == nil {
			var spec any
			if c.active != nil {
				spec = c.active.Spec
			}
			c.pending = &Update{ID: id, Kind: KindSync, At: time.Now(), Spec: spec}
		}
		m.mu.Unlock()

		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (m *Manager) workerLoop(id ChildID, signal <-chan struct{}) {
	defer m.wg.Done()
	m.logger.Debug("worker started", "child", id)
	defer m.logger.Debug("worker stopped", "child", id)

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-signal:
			if !m.processUpdate(id) {
				return
			}
		}
	}
}

// processUpdate runs the pending update for id. It returns false once the
// child is finished and its worker should exit.
func (m *Manager) processUpdate(id ChildID) bool {
	m.mu.Lock()

	c, ok := m.children[id]
	if !ok || c.IsFinished() {
		m.mu.Unlock()
		return false
	}
	if c.working || c.pending == nil {
		m.mu.Unlock()
		return true
	}

	c.active = c.pending
	c.pending = nil
	c.working = true

	if c.ctx == nil || c.ctx.Err() != nil {
		c.ctx, c.cancel = context.WithCancel(m.ctx)
	}

	u := *c.active
	state := c.State()
	stopping := c.IsStopping()
	m.mu.Unlock()

	var err error
	switch {
	case m.syncer == nil:
		err = errors.New("no syncer configured")
	case state == StateStopped:
		err = m.syncStopped(id, c, u)
	case stopping:
		err = m.syncStopping(id, c, u)
	default:
		err = m.syncRunning(id, c, u)
	}

	m.completeWork(id, err)
	return !m.isFinished(id)
}

func (m *Manager) syncRunning(id ChildID, c *child, u Update) error {
	start := time.Now()
	terminal, err := m.syncer.Sync(c.ctx, u.Kind, u.Spec)
	duration := time.Since(start)
	m.metrics.SyncDuration(id, u.Kind, duration, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	old := c.State()

	if err != nil {
		c.errorCount++
		c.lastError = err
		m.metrics.ChildError(id, "sync_error")
	} else {
		c.errorCount = 0
		c.lastError = nil
		c.syncedAt = time.Now()
		if c.startedAt.IsZero() {
			c.startedAt = c.syncedAt
		}
	}

	if terminal && !c.IsStopping() {
		m.logger.Info("child reached terminal state", "child", id)
		c.stoppingAt = time.Now()
		if c.grace == 0 {
			c.grace = m.defaultGrace
		}
	}

	m.transitionLocked(id, old, c.State())
	return err
}

func (m *Manager) syncStopping(id ChildID, c *child, u Update) error {
	m.mu.Lock()
	grace := c.grace
	m.mu.Unlock()

	start := time.Now()
	err := m.syncer.Stop(c.ctx, u.Spec, grace)
	m.metrics.StopDuration(id, time.Since(start))

	m.mu.Lock()
	defer m.mu.Unlock()
	old := c.State()

	if err != nil {
		c.errorCount++
		c.lastError = err
		m.metrics.ChildError(id, "stop_error")
	} else {
		c.stoppedAt = time.Now()
		c.errorCount = 0
		c.lastError = nil
		c.pending = &Update{ID: id, Kind: KindSync, At: time.Now(), Spec: u.Spec}
	}

	m.transitionLocked(id, old, c.State())
	return err
}

func (m *Manager) syncStopped(id ChildID, c *child, u Update) error {
	err := m.syncer.Cleanup(c.ctx, u.Spec)

	m.mu.Lock()
	defer m.mu.Unlock()
	old := c.State()

	if err != nil {
		c.errorCount++
		c.lastError = err
		m.metrics.ChildError(id, "cleanup_error")
	} else {
		c.finishedAt = time.Now()
		c.errorCount = 0
		c.lastError = nil
		if c.cancel != nil {
			c.cancel()
		}
	}

	m.transitionLocked(id, old, c.State())
	return err
}

// transitionLocked records a state change and wakes waiters.
func (m *Manager) transitionLocked(id ChildID, from, to State) {
	if from != to {
		m.metrics.StateTransition(id, from, to)
		m.logger.Debug("child state changed", "child", id, "from", from, "to", to)
	}
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Manager) completeWork(id ChildID, syncErr error) {
	m.mu.Lock()

	c, ok := m.children[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	c.working = false
	if c.IsFinished() {
		m.mu.Unlock()
		return
	}

	var delay time.Duration
	if syncErr != nil {
		c.consecutiveFails++
		if errors.Is(syncErr, context.Canceled) || errors.Is(syncErr, context.DeadlineExceeded) {
			delay = Jitter(time.Second, 0.5)
		} else {
			delay = ExponentialBackoff(c.consecutiveFails, time.Second, m.backOffPeriod)
		}
		m.logger.Warn("sync failed, backing off",
			"child", id, "attempt", c.consecutiveFails, "retry_in", delay, "error", syncErr)
	} else {
		c.consecutiveFails = 0
		if c.IsStopping() {
			// Stopping and Stopped need a follow-up right away.
			delay = 0
		} else {
			delay = Jitter(m.resyncInterval, 0.1)
		}
	}

	m.queue.Enqueue(id, delay)
	m.metrics.QueueAdd(id, delay)
	m.metrics.QueueDepth(m.queue.Len())
	if syncErr != nil {
		m.metrics.QueueBackoff(id, delay)
	}

	hasPending := c.pending != nil
	ch := m.workers[id]
	m.mu.Unlock()

	if hasPending {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (m *Manager) isFinished(id ChildID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.children[id]
	return ok && c.IsFinished()
}

// RecordRestart notes that the syncer relaunched a child.
func (m *Manager) RecordRestart(id ChildID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.children[id]; ok {
		c.restarts++
	}
	m.metrics.ChildRestart(id)
}

// Status returns the current status of a child.
func (m *Manager) Status(id ChildID) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.children[id]
	if !ok {
		return Status{}, false
	}
	return c.status(), true
}

// IsFinished reports whether a child has been cleaned up.
func (m *Manager) IsFinished(id ChildID) bool {
	return m.isFinished(id)
}

// waitFor blocks until cond, evaluated under the lock, reports done.
func (m *Manager) waitFor(ctx context.Context, cond func() (bool, error)) error {
	for {
		m.mu.Lock()
		done, err := cond()
		ch := m.changed
		m.mu.Unlock()
		if done {
			return err
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitRunning blocks until the first sync of id succeeded. If that sync
// fails its error is returned.
func (m *Manager) WaitRunning(ctx context.Context, id ChildID) error {
	return m.waitFor(ctx, func() (bool, error) {
		c, ok := m.children[id]
		if !ok {
			return false, nil
		}
		switch {
		case !c.syncedAt.IsZero():
			return true, nil
		case c.lastError != nil:
			return true, c.lastError
		case c.IsStopping():
			return true, ErrStoppedBeforeRunning
		}
		return false, nil
	})
}

// Wait blocks until every known child is finished.
func (m *Manager) Wait(ctx context.Context) error {
	return m.waitFor(ctx, func() (bool, error) {
		for _, c := range m.children {
			if !c.IsFinished() {
				return false, nil
			}
		}
		return true, nil
	})
}

// Done returns a channel closed once every known child is finished.
func (m *Manager) Done() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		_ = m.Wait(m.ctx)
		close(done)
	}()
	return done
}

// Shutdown stops every child, waits for cleanup and then stops all
// goroutines. Children are stopped before the workers are cancelled so that
// none is left running.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Debug("shutting down")

	m.mu.Lock()
	ids := make([]ChildID, 0, len(m.children))
	for id, c := range m.children {
		if !c.IsFinished() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Submit(Update{ID: id, Kind: KindStop, Stop: &StopOptions{Grace: m.defaultGrace}})
	}

	waitErr := m.Wait(ctx)
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
	if waitErr != nil {
		return fmt.Errorf("shutdown: %w", waitErr)
	}
	return nil
}

// HealthCheck summarizes all children.
type HealthCheck struct {
	Total      int
	Running    int
	Stopping   int
	Failed     int
	QueueDepth int
	Children   map[ChildID]ChildHealth
}

// ChildHealth is the health of a single child.
type ChildHealth struct {
	State      State
	Healthy    bool
	Uptime     time.Duration
	LastSync   time.Time
	ErrorCount int
	Restarts   int
}

// Health returns a snapshot of every child.
func (m *Manager) Health() HealthCheck {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := HealthCheck{Children: make(map[ChildID]ChildHealth, len(m.children))}
	for id, c := range m.children {
		h.Total++
		state := c.State()
		switch state {
		case StateRunning:
			h.Running++
		case StateStopping:
			h.Stopping++
		}
		if c.errorCount > 5 {
			h.Failed++
		}

		var uptime time.Duration
		if !c.startedAt.IsZero() {
			end := time.Now()
			if !c.stoppedAt.IsZero() {
				end = c.stoppedAt
			}
			uptime = end.Sub(c.startedAt)
		}

		h.Children[id] = ChildHealth{
			State:      state,
			Healthy:    c.Healthy(),
			Uptime:     uptime,
			LastSync:   c.syncedAt,
			ErrorCount: c.errorCount,
			Restarts:   c.restarts,
		}
	}
	h.QueueDepth = m.queue.Len()
	return h
}
