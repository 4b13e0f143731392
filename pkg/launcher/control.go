package launcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"syscall"
	"time"
)

// supervisorExitSlack is added to the grace period when waiting for a
// signalled supervisor to finish its own teardown.
const supervisorExitSlack = 5 * time.Second

// StopReport describes what Stop did.
type StopReport struct {
	RunID              string
	SupervisorPID      int
	SupervisorSignaled bool
	SupervisorExited   bool
	// Groups lists the child process groups Stop had to terminate itself.
	Groups []int
}

// Stop tears down the run recorded in stateFile from another process. It
// sends SIGTERM to the supervisor and waits for it, then terminates every
// recorded child process group that is still alive. Termination errors
// are logged, not returned. A missing state file is NOT_RUNNING.
func Stop(ctx context.Context, stateFile string, grace time.Duration, logger *slog.Logger) (*StopReport, error) {
	st, err := ReadState(stateFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotRunning(stateFile)
	}
	if err != nil {
		return nil, err
	}

	report := &StopReport{RunID: st.RunID, SupervisorPID: st.SupervisorPID}

	if st.SupervisorPID != os.Getpid() && pidAlive(ctx, st.SupervisorPID) {
		logger.Info("signalling supervisor", "pid", st.SupervisorPID, "run_id", st.RunID)
		if err := syscall.Kill(st.SupervisorPID, syscall.SIGTERM); err != nil {
			logger.Warn("cannot signal supervisor", "pid", st.SupervisorPID, "error", err)
		} else {
			report.SupervisorSignaled = true
			report.SupervisorExited = waitPidGone(ctx, st.SupervisorPID, grace+supervisorExitSlack)
			if !report.SupervisorExited {
				logger.Warn("supervisor still running, terminating children directly", "pid", st.SupervisorPID)
			}
		}
	}

	for _, c := range st.Children {
		if !groupAlive(c.PGID) {
			continue
		}
		logger.Info("terminating child process group", "child", c.Name, "pgid", c.PGID)
		report.Groups = append(report.Groups, c.PGID)
		if err := terminateGroup(ctx, c.PGID, grace, logger); err != nil {
			logger.Warn("cannot terminate child", "child", c.Name, "pgid", c.PGID, "error", err)
		}
	}

	if report.SupervisorExited || !pidAlive(ctx, st.SupervisorPID) {
		if err := RemoveState(stateFile); err != nil {
			logger.Warn("cannot remove state file", "path", stateFile, "error", err)
		}
	}
	return report, nil
}

func waitPidGone(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for pidAlive(ctx, pid) {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return !pidAlive(ctx, pid)
		case <-ticker.C:
		}
	}
	return true
}

// ChildStatus is a state file record plus liveness.
type ChildStatus struct {
	ChildRecord
	Alive      bool `json:"alive"`
	GroupAlive bool `json:"group_alive"`
}

// StatusReport is the liveness of a recorded run.
type StatusReport struct {
	RunID           string        `json:"run_id"`
	StartedAt       time.Time     `json:"started_at"`
	SupervisorPID   int           `json:"supervisor_pid"`
	SupervisorAlive bool          `json:"supervisor_alive"`
	Children        []ChildStatus `json:"children"`
}

// Status reports which processes of the recorded run are alive. A
// missing state file is NOT_RUNNING.
func Status(ctx context.Context, stateFile string) (*StatusReport, error) {
	st, err := ReadState(stateFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotRunning(stateFile)
	}
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		RunID:           st.RunID,
		StartedAt:       st.StartedAt,
		SupervisorPID:   st.SupervisorPID,
		SupervisorAlive: pidAlive(ctx, st.SupervisorPID),
	}
	for _, c := range st.Children {
		report.Children = append(report.Children, ChildStatus{
			ChildRecord: c,
			Alive:       pidAlive(ctx, c.PID),
			GroupAlive:  groupAlive(c.PGID),
		})
	}
	return report, nil
}
