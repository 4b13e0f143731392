package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"syscall"
	"time"

	psprocess "github.com/shirou/gopsutil/v4/process"
)

const (
	pollInterval = 50 * time.Millisecond
	killWait     = time.Second
)

// signalGroup sends sig to every process in the group. A group that no
// longer exists is not an error.
func signalGroup(pgid int, sig syscall.Signal) error {
	if pgid <= 1 {
		return fmt.Errorf("refusing to signal process group %d", pgid)
	}
	err := syscall.Kill(-pgid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// groupAlive reports whether any process is left in the group. Zombies
// not yet reaped still count.
func groupAlive(pgid int) bool {
	if pgid <= 1 {
		return false
	}
	err := syscall.Kill(-pgid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// pidAlive reports whether pid is a live process. Zombies are dead.
func pidAlive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := syscall.Kill(pid, 0); err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	p, err := psprocess.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return true
	}
	return !slices.Contains(status, psprocess.Zombie)
}

// waitGroupGone polls until the group is empty or timeout elapses.
func waitGroupGone(ctx context.Context, pgid int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if !groupAlive(pgid) {
			return true
		}
		select {
		case <-ctx.Done():
			return !groupAlive(pgid)
		case <-deadline.C:
			return !groupAlive(pgid)
		case <-ticker.C:
		}
	}
}

// terminateGroup sends SIGTERM to the group, waits up to grace, then
// sends SIGKILL. It returns an error only when no signal could be
// delivered.
func terminateGroup(ctx context.Context, pgid int, grace time.Duration, logger *slog.Logger) error {
	if !groupAlive(pgid) {
		return nil
	}

	if err := signalGroup(pgid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("SIGTERM process group %d: %w", pgid, err)
	}
	if waitGroupGone(ctx, pgid, grace) {
		logger.Debug("process group exited", "pgid", pgid)
		return nil
	}

	logger.Warn("process group still alive after grace period, sending SIGKILL", "pgid", pgid, "grace", grace)
	if err := signalGroup(pgid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("SIGKILL process group %d: %w", pgid, err)
	}
	// SIGKILL cannot be caught; what remains are zombies awaiting a reaper.
	if !waitGroupGone(context.Background(), pgid, killWait) {
		logger.Debug("process group has unreaped members", "pgid", pgid)
	}
	return nil
}
