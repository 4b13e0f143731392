package portguard

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fishballnoodle/Ops-Copilot/pkg/logging"
)

type fakeFinder map[int][]int32

func (f fakeFinder) ListenerPIDs(_ context.Context, port int) ([]int32, error) {
	if pids, ok := f[port]; ok {
		return pids, nil
	}
	return nil, nil
}

type errFinder struct{}

func (errFinder) ListenerPIDs(context.Context, int) ([]int32, error) {
	return nil, errors.New("permission denied")
}

// fakeKiller models processes; stubborn ones ignore SIGTERM.
type fakeKiller struct {
	mu         sync.Mutex
	alive      map[int32]bool
	stubborn   map[int32]bool
	terminated []int32
	killed     []int32
	failAll    bool
}

func newFakeKiller(pids ...int32) *fakeKiller {
	k := &fakeKiller{alive: map[int32]bool{}, stubborn: map[int32]bool{}}
	for _, p := range pids {
		k.alive[p] = true
	}
	return k
}

func (k *fakeKiller) Terminate(_ context.Context, pid int32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.terminated = append(k.terminated, pid)
	if k.failAll {
		return errors.New("operation not permitted")
	}
	if !k.stubborn[pid] {
		k.alive[pid] = false
	}
	return nil
}

func (k *fakeKiller) Kill(_ context.Context, pid int32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.killed = append(k.killed, pid)
	if k.failAll {
		return errors.New("operation not permitted")
	}
	k.alive[pid] = false
	return nil
}

func (k *fakeKiller) Alive(_ context.Context, pid int32) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.alive[pid]
}

func (k *fakeKiller) Name(context.Context, int32) string { return "python3" }

func newGuard(f Finder, k Killer, free bool) *Guard {
	return New(
		WithFinder(f),
		WithKiller(k),
		WithBindCheck(func(int) bool { return free }),
		WithGrace(200*time.Millisecond),
		WithLogger(logging.Discard()),
	)
}

func TestFree_TerminatesListeners(t *testing.T) {
	killer := newFakeKiller(101, 202)
	g := newGuard(fakeFinder{8000: {101}, 5173: {202}}, killer, true)

	results := g.Free(context.Background(), 8000, 5173)
	require.Len(t, results, 2)

	assert.Equal(t, []int32{101}, results[0].Found)
	assert.Equal(t, []int32{202}, results[1].Found)
	assert.Empty(t, results[0].Forced)
	assert.ElementsMatch(t, []int32{101, 202}, killer.terminated)
	assert.Empty(t, killer.killed)
}

func TestFree_EscalatesToKill(t *testing.T) {
	killer := newFakeKiller(303)
	killer.stubborn[303] = true
	g := newGuard(fakeFinder{8000: {303}}, killer, true)

	results := g.Free(context.Background(), 8000)
	assert.Equal(t, []int32{303}, results[0].Forced)
	assert.Equal(t, []int32{303}, killer.killed)
	assert.False(t, killer.Alive(context.Background(), 303))
}

func TestFree_SkipsSelf(t *testing.T) {
	self := int32(os.Getpid())
	killer := newFakeKiller(self)
	g := newGuard(fakeFinder{8000: {self}}, killer, true)

	results := g.Free(context.Background(), 8000)
	assert.Empty(t, results[0].Found)
	assert.Empty(t, killer.terminated)
}

func TestFree_SuppressesErrors(t *testing.T) {
	killer := newFakeKiller(404)
	killer.failAll = true
	g := newGuard(fakeFinder{8000: {404}}, killer, false)

	results := g.Free(context.Background(), 8000)
	assert.True(t, results[0].StillBusy)
	assert.Equal(t, []int32{404}, results[0].Forced)

	results = newGuard(errFinder{}, killer, true).Free(context.Background(), 5173)
	assert.Empty(t, results[0].Found)
	assert.False(t, results[0].StillBusy)
}

func TestFree_NoListeners(t *testing.T) {
	killer := newFakeKiller()
	results := newGuard(fakeFinder{}, killer, true).Free(context.Background(), 8000, 5173)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Empty(t, r.Found)
		assert.False(t, r.StillBusy)
	}
}

func TestCanBind(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	assert.False(t, CanBind(port))
	require.NoError(t, ln.Close())
	assert.True(t, CanBind(port))
}

func TestSystemFinder_FindsOwnListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	pids, err := SystemFinder{}.ListenerPIDs(context.Background(), port)
	if err != nil {
		t.Skipf("socket table not readable here: %v", err)
	}
	assert.Contains(t, pids, int32(os.Getpid()))
}
