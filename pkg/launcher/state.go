package launcher

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RunState is the content of the supervisor state file. It replaces the
// pid files of the shell launcher.
type RunState struct {
	RunID         string        `json:"run_id"`
	SupervisorPID int           `json:"supervisor_pid"`
	StartedAt     time.Time     `json:"started_at"`
	Children      []ChildRecord `json:"children"`
}

// ChildRecord is one child's entry in the state file.
type ChildRecord struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	PGID      int       `json:"pgid"`
	LogFile   string    `json:"log_file"`
	StartedAt time.Time `json:"started_at"`
	Restarts  int       `json:"restarts,omitempty"`
}

// WriteState atomically replaces the state file.
func WriteState(path string, st *RunState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return NewError(ErrorCodeStateFile, "cannot create run directory").WithCause(err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".opsctl-state-*")
	if err != nil {
		return NewError(ErrorCodeStateFile, "cannot write state file").WithCause(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return NewError(ErrorCodeStateFile, "cannot write state file").WithCause(err)
	}
	if err := tmp.Close(); err != nil {
		return NewError(ErrorCodeStateFile, "cannot write state file").WithCause(err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return NewError(ErrorCodeStateFile, "cannot replace state file").
			WithContext("path", path).
			WithCause(err)
	}
	return nil
}

// ReadState loads the state file. A missing file yields an error
// matching os.ErrNotExist.
func ReadState(path string) (*RunState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, NewError(ErrorCodeStateFile, "state file is corrupt").
			WithContext("path", path).
			WithCause(err).
			WithSuggestion("Remove it if no opsctl supervisor is running")
	}
	return &st, nil
}

// RemoveState deletes the state file. A missing file is not an error.
func RemoveState(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
