// Package portguard frees TCP ports held by stale processes before the
// stack starts. Every step is best effort: failures are logged, never
// returned.
package portguard

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// Finder lists the processes listening on a TCP port.
type Finder interface {
	ListenerPIDs(ctx context.Context, port int) ([]int32, error)
}

// Killer signals processes.
type Killer interface {
	Terminate(ctx context.Context, pid int32) error
	Kill(ctx context.Context, pid int32) error
	Alive(ctx context.Context, pid int32) bool
	Name(ctx context.Context, pid int32) string
}

// SystemFinder reads the socket table through gopsutil.
type SystemFinder struct{}

// ListenerPIDs implements Finder.
func (SystemFinder) ListenerPIDs(ctx context.Context, port int) ([]int32, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, fmt.Errorf("list tcp connections: %w", err)
	}
	var pids []int32
	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port || c.Pid == 0 {
			continue
		}
		if !slices.Contains(pids, c.Pid) {
			pids = append(pids, c.Pid)
		}
	}
	return pids, nil
}

// SystemKiller signals real processes through gopsutil.
type SystemKiller struct{}

func (SystemKiller) Terminate(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.TerminateWithContext(ctx)
}

func (SystemKiller) Kill(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.KillWithContext(ctx)
}

func (SystemKiller) Alive(ctx context.Context, pid int32) bool {
	ok, err := process.PidExistsWithContext(ctx, pid)
	return err == nil && ok
}

func (SystemKiller) Name(ctx context.Context, pid int32) string {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ""
	}
	name, _ := p.NameWithContext(ctx)
	return name
}

// Result describes what happened on one port.
type Result struct {
	Port      int
	Found     []int32
	Forced    []int32 // still alive after the grace period
	StillBusy bool
}

// Guard frees ports.
type Guard struct {
	finder  Finder
	killer  Killer
	canBind func(port int) bool
	grace   time.Duration
	poll    time.Duration
	self    int32
	logger  *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithFinder replaces the socket table lookup.
func WithFinder(f Finder) Option { return func(g *Guard) { g.finder = f } }

// WithKiller replaces process signalling.
func WithKiller(k Killer) Option { return func(g *Guard) { g.killer = k } }

// WithBindCheck replaces the bind check used to verify a port is free.
func WithBindCheck(p func(port int) bool) Option { return func(g *Guard) { g.canBind = p } }

// WithGrace sets how long processes get to exit after SIGTERM.
func WithGrace(d time.Duration) Option { return func(g *Guard) { g.grace = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(g *Guard) { g.logger = l } }

// New returns a Guard backed by the real system unless overridden.
func New(opts ...Option) *Guard {
	g := &Guard{
		finder:  SystemFinder{},
		killer:  SystemKiller{},
		canBind: CanBind,
		grace:   2 * time.Second,
		poll:    100 * time.Millisecond,
		self:    int32(os.Getpid()),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "portguard")
	return g
}

// Free terminates every process listening on the given ports, escalating to
// SIGKILL after the grace period. The current process is never signalled.
func (g *Guard) Free(ctx context.Context, ports ...int) []Result {
	results := make([]Result, 0, len(ports))
	for _, port := range ports {
		results = append(results, g.free(ctx, port))
	}
	return results
}

func (g *Guard) free(ctx context.Context, port int) Result {
	res := Result{Port: port}

	pids, err := g.finder.ListenerPIDs(ctx, port)
	if err != nil {
		g.logger.Warn("could not inspect port owners", "port", port, "error", err)
	}
	for _, pid := range pids {
		if pid == g.self {
			continue
		}
		res.Found = append(res.Found, pid)
		g.logger.Info("terminating process holding port",
			"port", port, "pid", pid, "name", g.killer.Name(ctx, pid))
		if err := g.killer.Terminate(ctx, pid); err != nil {
			g.logger.Debug("terminate failed", "pid", pid, "error", err)
		}
	}

	if len(res.Found) > 0 {
		g.waitGone(ctx, res.Found)
		for _, pid := range res.Found {
			if !g.killer.Alive(ctx, pid) {
				continue
			}
			res.Forced = append(res.Forced, pid)
			g.logger.Warn("process ignored SIGTERM, killing", "port", port, "pid", pid)
			if err := g.killer.Kill(ctx, pid); err != nil {
				g.logger.Debug("kill failed", "pid", pid, "error", err)
			}
		}
	}

	if g.canBind != nil && !g.canBind(port) {
		res.StillBusy = true
		g.logger.Warn("port still busy after cleanup", "port", port)
	}
	return res
}

func (g *Guard) waitGone(ctx context.Context, pids []int32) {
	deadline := time.Now().Add(g.grace)
	for time.Now().Before(deadline) {
		alive := false
		for _, pid := range pids {
			if g.killer.Alive(ctx, pid) {
				alive = true
				break
			}
		}
		if !alive {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(g.poll):
		}
	}
}

// CanBind reports whether a TCP listener can be opened on port.
func CanBind(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
