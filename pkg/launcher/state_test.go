package launcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_WriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", StateFileName)
	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	want := &RunState{
		RunID:         "run-1",
		SupervisorPID: 4242,
		StartedAt:     started,
		Children: []ChildRecord{
			{Name: "api", PID: 100, PGID: 100, LogFile: "/logs/api.log", StartedAt: started},
			{Name: "ingest", PID: 101, PGID: 101, LogFile: "/logs/ingest.log", StartedAt: started, Restarts: 2},
		},
	}

	require.NoError(t, WriteState(path, want))
	got, err := ReadState(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}

func TestState_Missing(t *testing.T) {
	_, err := ReadState(filepath.Join(t.TempDir(), StateFileName))
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NoError(t, RemoveState(filepath.Join(t.TempDir(), StateFileName)))
}

func TestState_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), StateFileName)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := ReadState(path)
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrorCodeStateFile))
}
