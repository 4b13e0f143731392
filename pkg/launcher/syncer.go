package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/fishballnoodle/Ops-Copilot/pkg/procmgr"
)

// reapTimeout bounds the wait for the leader to be reaped after its
// group was terminated.
const reapTimeout = 5 * time.Second

// process is the runtime handle of one child. It is the spec the manager
// passes back to the syncer.
type process struct {
	spec ChildSpec

	mu        sync.Mutex
	cmd       *exec.Cmd
	pid       int
	pgid      int
	startedAt time.Time
	exited    chan struct{}
	exitErr   error
	stopping  bool

	restarts   int
	restartDue bool

	// every group this child has led, across restarts
	pgids []int
}

func newProcess(spec ChildSpec) *process {
	return &process{spec: spec}
}

func (p *process) id() procmgr.ChildID {
	return procmgr.ChildID(p.spec.Name)
}

// hasExited reports whether the current incarnation has exited.
func (p *process) hasExited() bool {
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()
	if exited == nil {
		return false
	}
	select {
	case <-exited:
		return true
	default:
		return false
	}
}

func (p *process) record() ChildRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ChildRecord{
		Name:      p.spec.Name,
		PID:       p.pid,
		PGID:      p.pgid,
		LogFile:   p.spec.LogFile,
		StartedAt: p.startedAt,
		Restarts:  p.restarts,
	}
}

// execSyncer implements procmgr.Syncer by running each child as an OS
// process in its own process group.
type execSyncer struct {
	defaultDir string
	environ    func(ChildSpec) []string
	events     EventPublisher
	logger     *slog.Logger

	// onStart runs after every successful launch, restart reports a relaunch.
	onStart func(p *process, restart bool)
	// onExit runs when a child exits without being stopped.
	onExit func(p *process)
}

var _ procmgr.Syncer = (*execSyncer)(nil)

func asProcess(spec any) (*process, error) {
	p, ok := spec.(*process)
	if !ok || p == nil {
		return nil, fmt.Errorf("unexpected child spec %T", spec)
	}
	return p, nil
}

// Sync launches a child on first call and afterwards applies its restart
// policy once it has exited.
func (s *execSyncer) Sync(ctx context.Context, kind procmgr.Kind, spec any) (bool, error) {
	p, err := asProcess(spec)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	started := p.cmd != nil
	p.mu.Unlock()

	if !started {
		return false, s.start(ctx, p, false)
	}
	if !p.hasExited() {
		return false, nil
	}
	return s.handleExit(ctx, p)
}

func (s *execSyncer) handleExit(ctx context.Context, p *process) (bool, error) {
	p.mu.Lock()
	exitErr := p.exitErr
	restarts := p.restarts
	due := p.restartDue
	p.mu.Unlock()

	name := p.spec.Name
	if p.spec.Restart != RestartOnFailure || exitErr == nil {
		s.logger.Info("child finished", "child", name, "restart", p.spec.Restart, "exit", exitString(exitErr))
		return true, nil
	}
	if restarts >= p.spec.MaxRestarts {
		s.logger.Error("child exceeded restart limit", "child", name, "restarts", restarts, "exit", exitString(exitErr))
		return true, nil
	}

	// First pass after an exit reports it, so the manager backs off before
	// the relaunch on the next pass.
	if !due {
		p.mu.Lock()
		p.restartDue = true
		p.mu.Unlock()
		return false, fmt.Errorf("child %s exited: %w", name, exitErr)
	}

	p.mu.Lock()
	p.restartDue = false
	p.restarts++
	p.mu.Unlock()

	_ = s.events.ReportLifecycleEvent(ctx, EventRestarting, "restarting child", map[string]string{
		"child":   name,
		"attempt": strconv.Itoa(restarts + 1),
	})
	return false, s.start(ctx, p, true)
}

func (s *execSyncer) start(ctx context.Context, p *process, restart bool) error {
	spec := p.spec

	logFile, err := openLogFile(spec.LogFile)
	if err != nil {
		return ErrProcessStartFailed(spec.Name, err)
	}
	fmt.Fprintf(logFile, "==> %s starting %s\n", time.Now().Format(time.RFC3339), spec.Name)

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	if cmd.Dir == "" {
		cmd.Dir = s.defaultDir
	}
	cmd.Env = s.environ(spec)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return ErrProcessStartFailed(spec.Name, err).WithContext("command", spec.Command[0])
	}

	pid := cmd.Process.Pid
	exited := make(chan struct{})

	p.mu.Lock()
	p.cmd = cmd
	p.pid = pid
	p.pgid = pid
	p.startedAt = time.Now()
	p.exited = exited
	p.exitErr = nil
	p.pgids = append(p.pgids, pid)
	p.mu.Unlock()

	go s.wait(p, cmd, logFile, exited)

	s.logger.Info("child started", "child", spec.Name, "pid", pid, "log", spec.LogFile)
	_ = s.events.ReportLifecycleEvent(ctx, EventStarting, "child started", map[string]string{
		"child": spec.Name,
		"pid":   strconv.Itoa(pid),
	})
	if s.onStart != nil {
		s.onStart(p, restart)
	}
	return nil
}

// wait reaps the child and reports unexpected exits.
func (s *execSyncer) wait(p *process, cmd *exec.Cmd, logFile *os.File, exited chan struct{}) {
	err := cmd.Wait()
	_ = logFile.Close()

	p.mu.Lock()
	p.exitErr = err
	stopping := p.stopping
	p.mu.Unlock()
	close(exited)

	if stopping {
		return
	}
	_ = s.events.ReportLifecycleEvent(context.Background(), EventExited, "child exited", map[string]string{
		"child": p.spec.Name,
		"pid":   strconv.Itoa(cmd.Process.Pid),
		"exit":  exitString(err),
	})
	if s.onExit != nil {
		s.onExit(p)
	}
}

// Stop terminates the child's process group: SIGTERM, grace, SIGKILL.
func (s *execSyncer) Stop(ctx context.Context, spec any, grace time.Duration) error {
	p, err := asProcess(spec)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.stopping = true
	pgid := p.pgid
	exited := p.exited
	p.mu.Unlock()

	if pgid == 0 {
		return nil
	}

	_ = s.events.ReportLifecycleEvent(ctx, EventStopping, "stopping child", map[string]string{
		"child": p.spec.Name,
		"pgid":  strconv.Itoa(pgid),
		"grace": grace.String(),
	})
	if err := terminateGroup(ctx, pgid, grace, s.logger.With("child", p.spec.Name)); err != nil {
		return ErrTerminationFailed(p.spec.Name, pgid, err)
	}

	timer := time.NewTimer(reapTimeout)
	defer timer.Stop()
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTerminationFailed(p.spec.Name, pgid, fmt.Errorf("leader %d not reaped", pgid))
	}
}

// Cleanup reports the final stop.
func (s *execSyncer) Cleanup(ctx context.Context, spec any) error {
	p, err := asProcess(spec)
	if err != nil {
		return err
	}
	rec := p.record()
	_ = s.events.ReportLifecycleEvent(ctx, EventStopped, "child stopped", map[string]string{
		"child":    rec.Name,
		"restarts": strconv.Itoa(rec.Restarts),
	})
	return nil
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

func exitString(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}
