package launcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/fishballnoodle/Ops-Copilot/pkg/procmgr"
)

// RunIDVar is exported to every child so its logs can be tied to a run.
const RunIDVar = "OPS_RUN_ID"

// Stack supervises the configured children for one run. Build one with
// NewBuilder; a built Stack must be shut down even if Start is never
// called.
type Stack struct {
	cfg       *Config
	procs     []*process
	manager   *procmgr.Manager
	events    EventPublisher
	logger    *slog.Logger
	environ   []string
	runID     string
	stateFile string

	mu        sync.Mutex
	startedAt time.Time
	recording bool

	shutdownOnce sync.Once
}

// RunID identifies this run.
func (s *Stack) RunID() string { return s.runID }

// StateFile is where the stack records its pids.
func (s *Stack) StateFile() string { return s.stateFile }

// Health returns the supervisor's view of every child.
func (s *Stack) Health() procmgr.HealthCheck { return s.manager.Health() }

// Children returns the current state file records.
func (s *Stack) Children() []ChildRecord {
	records := make([]ChildRecord, 0, len(s.procs))
	for _, p := range s.procs {
		records = append(records, p.record())
	}
	return records
}

// Start launches every child in order and waits for each to be running.
// If a child fails to start, the ones already running are torn down.
// Readiness checks are then awaited and logged; an unready child does
// not fail Start.
func (s *Stack) Start(ctx context.Context) error {
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("starting children", "run_id", s.runID, "count", len(s.procs))

	for _, p := range s.procs {
		s.manager.Submit(procmgr.Update{ID: p.id(), Kind: procmgr.KindStart, Spec: p})
		if err := s.manager.WaitRunning(ctx, p.id()); err != nil {
			s.logger.Error("child failed to start", "child", p.spec.Name, "error", err)
			_ = s.Shutdown(context.Background())
			if GetErrorCode(err) != "" {
				return err
			}
			return ErrProcessStartFailed(p.spec.Name, err)
		}
	}

	s.mu.Lock()
	s.recording = true
	s.mu.Unlock()
	if err := s.writeState(); err != nil {
		_ = s.Shutdown(context.Background())
		return err
	}

	s.awaitReady(ctx)
	return nil
}

func (s *Stack) awaitReady(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range s.procs {
		p.mu.Lock()
		exited := p.exited
		p.mu.Unlock()

		wg.Add(1)
		go func(p *process) {
			defer wg.Done()
			start := time.Now()
			err := waitReady(ctx, p.spec, exited, s.cfg.Supervisor.ReadyTimeout)
			meta := map[string]string{"child": p.spec.Name, "after": time.Since(start).Round(time.Millisecond).String()}
			if err != nil {
				meta["error"] = err.Error()
				_ = s.events.ReportLifecycleEvent(ctx, EventUnready, "child not ready", meta)
				return
			}
			_ = s.events.ReportLifecycleEvent(ctx, EventReady, "child ready", meta)
		}(p)
	}
	wg.Wait()
}

// Run blocks until ctx is done or every child has finished, then tears
// the stack down. When Run returns no child of this run is alive.
func (s *Stack) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown requested", "cause", context.Cause(ctx))
	case <-s.manager.Done():
		s.logger.Info("all children finished")
	}
	return s.Shutdown(context.Background())
}

// Shutdown stops every child and removes the state file. Teardown errors
// are logged, never returned. It is safe to call more than once.
func (s *Stack) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		grace := s.cfg.Supervisor.ShutdownGrace
		sctx, cancel := context.WithTimeout(ctx, 2*grace+reapTimeout)
		defer cancel()

		s.logger.Info("stopping children", "grace", grace)
		if err := s.manager.Shutdown(sctx); err != nil {
			s.logger.Warn("supervisor did not stop cleanly", "error", err)
		}
		s.sweep()

		s.mu.Lock()
		s.recording = false
		s.mu.Unlock()
		if err := RemoveState(s.stateFile); err != nil {
			s.logger.Warn("cannot remove state file", "path", s.stateFile, "error", err)
		}
		s.logger.Info("all children stopped", "run_id", s.runID)
	})
	return nil
}

// sweep SIGKILLs any process group of this run that survived the
// supervisor's shutdown.
func (s *Stack) sweep() {
	for _, p := range s.procs {
		p.mu.Lock()
		pgids := append([]int(nil), p.pgids...)
		p.mu.Unlock()

		for _, pgid := range pgids {
			if !groupAlive(pgid) {
				continue
			}
			s.logger.Warn("killing surviving process group", "child", p.spec.Name, "pgid", pgid)
			if err := signalGroup(pgid, syscall.SIGKILL); err != nil {
				s.logger.Debug("kill failed", "pgid", pgid, "error", err)
			}
		}
	}
}

func (s *Stack) writeState() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.recording {
		return nil
	}
	return WriteState(s.stateFile, &RunState{
		RunID:         s.runID,
		SupervisorPID: os.Getpid(),
		StartedAt:     s.startedAt,
		Children:      s.Children(),
	})
}

func (s *Stack) childEnviron(spec ChildSpec) []string {
	env := append([]string(nil), s.environ...)
	if env == nil {
		env = os.Environ()
	}
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	return append(env, RunIDVar+"="+s.runID)
}

func (s *Stack) onStart(p *process, restart bool) {
	if !restart {
		return
	}
	s.manager.RecordRestart(p.id())
	if err := s.writeState(); err != nil {
		s.logger.Warn("cannot update state file", "error", err)
	}
}

func (s *Stack) onExit(p *process) {
	s.manager.Submit(procmgr.Update{ID: p.id(), Kind: procmgr.KindSync})
}

// EnsureNotRunning fails with ALREADY_RUNNING when stateFile names a live
// supervisor other than this process. A stale state file is removed.
func EnsureNotRunning(ctx context.Context, stateFile string, logger *slog.Logger) error {
	st, err := ReadState(stateFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		logger.Warn("ignoring unreadable state file", "path", stateFile, "error", err)
		return RemoveState(stateFile)
	}
	if st.SupervisorPID != os.Getpid() && pidAlive(ctx, st.SupervisorPID) {
		return ErrAlreadyRunning(st.SupervisorPID, stateFile)
	}
	logger.Info("removing stale state file", "path", stateFile, "run_id", st.RunID)
	return RemoveState(stateFile)
}
