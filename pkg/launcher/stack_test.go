package launcher

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fishballnoodle/Ops-Copilot/pkg/logging"
	"github.com/fishballnoodle/Ops-Copilot/pkg/procmgr"
)

func buildStack(t *testing.T, cfg *Config, children ...ChildSpec) *Stack {
	t.Helper()
	s, err := NewBuilder(cfg).
		WithChildren(children...).
		WithLogger(logging.Discard()).
		Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

// runInBackground runs the stack until cancel is called and returns a
// channel closed when Run has returned.
func runInBackground(s *Stack) (cancel context.CancelFunc, done <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(ch)
	}()
	return cancel, ch
}

func waitClosed(t *testing.T, ch <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatal(msg)
	}
}

func readPid(t *testing.T, path string) int {
	t.Helper()
	var pid int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil && pid > 0
	}, 5*time.Second, 20*time.Millisecond)
	return pid
}

func TestStack_ShutdownLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig(t)
	s := buildStack(t, cfg, sleepChild("api"), shChild("ingest", "sleep 60 & wait"))

	require.NoError(t, s.Start(context.Background()))
	children := s.Children()
	require.Len(t, children, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	for _, c := range children {
		assert.False(t, groupAlive(c.PGID), c.Name)
	}
}

func TestStack_StartRecordsStateAndShutdownClears(t *testing.T) {
	cfg := testConfig(t)
	s := buildStack(t, cfg, sleepChild("api"), sleepChild("web"))

	require.NoError(t, s.Start(context.Background()))

	st, err := ReadState(cfg.StateFile())
	require.NoError(t, err)
	assert.Equal(t, s.RunID(), st.RunID)
	assert.Equal(t, os.Getpid(), st.SupervisorPID)
	require.Len(t, st.Children, 2)
	for _, c := range st.Children {
		assert.Equal(t, c.PID, c.PGID, "child %s is not a group leader", c.Name)
		assert.True(t, pidAlive(context.Background(), c.PID))
		assert.FileExists(t, filepath.Join(cfg.LogDir, c.Name+".log"))
	}

	cancel, done := runInBackground(s)
	cancel()
	waitClosed(t, done, 10*time.Second, "Run did not return after cancel")

	for _, c := range st.Children {
		assert.False(t, pidAlive(context.Background(), c.PID), "child %s survived", c.Name)
	}
	assert.NoFileExists(t, cfg.StateFile())
}

func TestStack_TeardownKillsGrandchildren(t *testing.T) {
	cfg := testConfig(t)
	pidFile := tempFile(t, "grandchild.pid")
	s := buildStack(t, cfg, shChild("ingest", "sleep 60 & echo $! > "+pidFile+"; wait"))

	require.NoError(t, s.Start(context.Background()))
	grandchild := readPid(t, pidFile)
	require.True(t, pidAlive(context.Background(), grandchild))

	cancel, done := runInBackground(s)
	cancel()
	waitClosed(t, done, 10*time.Second, "Run did not return after cancel")

	assert.Eventually(t, func() bool {
		return !pidAlive(context.Background(), grandchild)
	}, 2*time.Second, 20*time.Millisecond, "grandchild survived teardown")
}

func TestStack_TeardownKillsChildIgnoringSIGTERM(t *testing.T) {
	cfg := testConfig(t)
	cfg.Supervisor.ShutdownGrace = 300 * time.Millisecond
	pidFile := tempFile(t, "stubborn.pid")
	s := buildStack(t, cfg, shChild("stubborn", `trap "" TERM; echo $$ > `+pidFile+`; while true; do sleep 1; done`))

	require.NoError(t, s.Start(context.Background()))
	pid := readPid(t, pidFile)

	cancel, done := runInBackground(s)
	cancel()
	waitClosed(t, done, 10*time.Second, "Run did not return after cancel")

	assert.False(t, pidAlive(context.Background(), pid))
}

func TestStack_RunReturnsWhenChildrenExit(t *testing.T) {
	cfg := testConfig(t)
	s := buildStack(t, cfg, shChild("api", "exit 0"), shChild("web", "sleep 0.2"))

	require.NoError(t, s.Start(context.Background()))

	cancel, done := runInBackground(s)
	defer cancel()
	waitClosed(t, done, 10*time.Second, "Run did not return after children exited")
	assert.NoFileExists(t, cfg.StateFile())
}

func TestStack_RestartOnFailure(t *testing.T) {
	cfg := testConfig(t)
	counter := tempFile(t, "starts")
	child := shChild("ingest", "echo start >> "+counter+"; exit 3")
	child.Restart = RestartOnFailure
	child.MaxRestarts = 2
	s := buildStack(t, cfg, child)

	require.NoError(t, s.Start(context.Background()))

	cancel, done := runInBackground(s)
	defer cancel()
	waitClosed(t, done, 15*time.Second, "child with exhausted restarts did not finish")

	data, err := os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "start"))
	assert.Equal(t, 2, s.Health().Children["ingest"].Restarts)
}

func TestStack_RestartKeepsStateCurrent(t *testing.T) {
	cfg := testConfig(t)
	marker := tempFile(t, "ran-once")
	// Fails on first launch, stays up on the second.
	child := shChild("ingest", "if [ -f "+marker+" ]; then exec sleep 60; fi; touch "+marker+"; exit 1")
	child.Restart = RestartOnFailure
	s := buildStack(t, cfg, child)

	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		st, err := ReadState(cfg.StateFile())
		return err == nil && len(st.Children) == 1 && st.Children[0].Restarts == 1
	}, 10*time.Second, 50*time.Millisecond)

	st, err := ReadState(cfg.StateFile())
	require.NoError(t, err)
	pid := st.Children[0].PID
	require.Eventually(t, func() bool { return pidAlive(context.Background(), pid) }, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.False(t, pidAlive(context.Background(), pid))
}

func TestStack_StartFailureTearsDownStartedChildren(t *testing.T) {
	cfg := testConfig(t)
	s := buildStack(t, cfg, sleepChild("api"), ChildSpec{Name: "ingest", Command: []string{"/nonexistent/opsctl-test-binary"}})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrorCodeProcessStartFailed))

	api := s.Children()[0]
	require.NotZero(t, api.PID)
	assert.False(t, pidAlive(context.Background(), api.PID))
	assert.NoFileExists(t, cfg.StateFile())
}

func TestStack_ChildEnvironment(t *testing.T) {
	cfg := testConfig(t)
	out := tempFile(t, "env")
	child := shChild("api", `echo "$OPS_RUN_ID $GREETING $BASE" > `+out)
	child.Env = map[string]string{"GREETING": "hello"}

	s, err := NewBuilder(cfg).
		WithChildren(child).
		WithEnviron([]string{"BASE=from-parent", "PATH=" + os.Getenv("PATH")}).
		WithRunID("run-42").
		WithLogger(logging.Discard()).
		Build()
	require.NoError(t, err)
	defer s.Shutdown(context.Background())

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(out)
		return err == nil && strings.TrimSpace(string(data)) == "run-42 hello from-parent"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStack_ChildLogFile(t *testing.T) {
	cfg := testConfig(t)
	s := buildStack(t, cfg, shChild("api", "echo to-stdout; echo to-stderr >&2"))

	require.NoError(t, s.Start(context.Background()))
	cancel, done := runInBackground(s)
	defer cancel()
	waitClosed(t, done, 10*time.Second, "Run did not return")

	data, err := os.ReadFile(filepath.Join(cfg.LogDir, "api.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "starting api")
	assert.Contains(t, string(data), "to-stdout")
	assert.Contains(t, string(data), "to-stderr")
}

type recordingPublisher struct {
	events chan string
}

func (r *recordingPublisher) ReportLifecycleEvent(_ context.Context, eventType, _ string, md map[string]string) error {
	select {
	case r.events <- md["child"] + ":" + eventType:
	default:
	}
	return nil
}

func TestStack_PublishesLifecycleEvents(t *testing.T) {
	cfg := testConfig(t)
	pub := &recordingPublisher{events: make(chan string, 64)}
	s, err := NewBuilder(cfg).
		WithChildren(sleepChild("api")).
		WithEvents(pub).
		WithLogger(logging.Discard()).
		Build()
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))
	close(pub.events)

	var got []string
	for e := range pub.events {
		got = append(got, e)
	}
	assert.Equal(t, []string{"api:starting", "api:ready", "api:stopping", "api:stopped"}, got)
}

func TestStack_MetricsWired(t *testing.T) {
	cfg := testConfig(t)
	pmc := procmgr.NewPrometheusMetricsCollector("launcher_test")
	s, err := NewBuilder(cfg).
		WithChildren(shChild("api", "exit 0")).
		WithMetrics(pmc).
		WithLogger(logging.Discard()).
		Build()
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Run(context.Background()))

	families, err := pmc.Registry().Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "launcher_test_child_state_transitions_total")
}

func TestBuilder_Errors(t *testing.T) {
	_, err := NewBuilder(nil).WithChildren().Build()
	assert.ErrorContains(t, err, "children cannot be empty")

	_, err = NewBuilder(nil).WithRunID("").Build()
	assert.ErrorContains(t, err, "run id cannot be empty")

	_, err = NewBuilder(nil).WithManifest(filepath.Join(t.TempDir(), "missing.yaml")).Build()
	assert.True(t, IsErrorCode(err, ErrorCodeInvalidManifest))

	cfg := DefaultConfig()
	cfg.APIPort = 0
	_, err = NewBuilder(cfg).Build()
	assert.True(t, IsErrorCode(err, ErrorCodeInvalidConfiguration))

	_, err = NewBuilder(nil).WithChildren(ChildSpec{Name: "x"}).Build()
	assert.True(t, IsErrorCode(err, ErrorCodeInvalidManifest))
}

func TestEnsureNotRunning(t *testing.T) {
	cfg := testConfig(t)
	path := cfg.StateFile()

	require.NoError(t, EnsureNotRunning(context.Background(), path, logging.Discard()))

	pgid, _ := startGroup(t, "sleep", "60")
	require.NoError(t, WriteState(path, &RunState{RunID: "other", SupervisorPID: pgid}))
	err := EnsureNotRunning(context.Background(), path, logging.Discard())
	assert.True(t, IsErrorCode(err, ErrorCodeAlreadyRunning))
	assert.FileExists(t, path)

	deadPid, done := startGroup(t, "sh", "-c", "exit 0")
	<-done
	require.NoError(t, WriteState(path, &RunState{RunID: "stale", SupervisorPID: deadPid}))
	require.NoError(t, EnsureNotRunning(context.Background(), path, logging.Discard()))
	assert.NoFileExists(t, path)

	require.NoError(t, WriteState(path, &RunState{RunID: "self", SupervisorPID: os.Getpid()}))
	require.NoError(t, EnsureNotRunning(context.Background(), path, logging.Discard()))
	assert.NoFileExists(t, path)
}
