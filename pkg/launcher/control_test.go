package launcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fishballnoodle/Ops-Copilot/pkg/logging"
)

func TestStop_NotRunning(t *testing.T) {
	cfg := testConfig(t)
	_, err := Stop(context.Background(), cfg.StateFile(), time.Second, logging.Discard())
	assert.True(t, IsErrorCode(err, ErrorCodeNotRunning))

	_, err = Status(context.Background(), cfg.StateFile())
	assert.True(t, IsErrorCode(err, ErrorCodeNotRunning))
}

func TestStop_SignalsSupervisorAndOrphanedGroups(t *testing.T) {
	cfg := testConfig(t)
	supervisor, supervisorDone := startGroup(t, "sleep", "60")
	child, childDone := startGroup(t, "sleep", "60")

	require.NoError(t, WriteState(cfg.StateFile(), &RunState{
		RunID:         "run-7",
		SupervisorPID: supervisor,
		Children: []ChildRecord{
			{Name: "api", PID: child, PGID: child},
		},
	}))

	report, err := Stop(context.Background(), cfg.StateFile(), time.Second, logging.Discard())
	require.NoError(t, err)

	assert.Equal(t, "run-7", report.RunID)
	assert.True(t, report.SupervisorSignaled)
	assert.True(t, report.SupervisorExited)
	assert.Equal(t, []int{child}, report.Groups)

	waitClosed(t, supervisorDone, 2*time.Second, "supervisor still running")
	waitClosed(t, childDone, 2*time.Second, "child still running")
	assert.NoFileExists(t, cfg.StateFile())
}

func TestStop_LiveStack(t *testing.T) {
	cfg := testConfig(t)
	s := buildStack(t, cfg, sleepChild("api"), sleepChild("web"))
	require.NoError(t, s.Start(context.Background()))
	children := s.Children()

	// The supervisor is this test process, so Stop only handles groups.
	report, err := Stop(context.Background(), cfg.StateFile(), time.Second, logging.Discard())
	require.NoError(t, err)
	assert.False(t, report.SupervisorSignaled)
	assert.Len(t, report.Groups, 2)

	for _, c := range children {
		assert.Eventually(t, func() bool {
			return !pidAlive(context.Background(), c.PID)
		}, 2*time.Second, 20*time.Millisecond, c.Name)
	}
}

func TestStatus(t *testing.T) {
	cfg := testConfig(t)
	live, _ := startGroup(t, "sleep", "60")
	dead, deadDone := startGroup(t, "sh", "-c", "exit 0")
	<-deadDone

	started := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, WriteState(cfg.StateFile(), &RunState{
		RunID:         "run-9",
		SupervisorPID: dead,
		StartedAt:     started,
		Children: []ChildRecord{
			{Name: "api", PID: live, PGID: live},
			{Name: "web", PID: dead, PGID: dead},
		},
	}))

	report, err := Status(context.Background(), cfg.StateFile())
	require.NoError(t, err)
	assert.Equal(t, "run-9", report.RunID)
	assert.True(t, started.Equal(report.StartedAt))
	assert.False(t, report.SupervisorAlive)
	require.Len(t, report.Children, 2)

	assert.True(t, report.Children[0].Alive)
	assert.True(t, report.Children[0].GroupAlive)
	assert.False(t, report.Children[1].Alive)
	assert.False(t, report.Children[1].GroupAlive)
}
