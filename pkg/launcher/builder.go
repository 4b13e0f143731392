package launcher

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/fishballnoodle/Ops-Copilot/pkg/procmgr"
)

// StackBuilder provides a fluent interface for constructing a Stack.
//
// Usage:
//
//	stack, err := launcher.NewBuilder(cfg).
//	    WithManifest("stack.yaml").
//	    WithLogger(logger).
//	    Build()
//
// Errors are accumulated and reported by Build.
type StackBuilder struct {
	config   *Config
	children []ChildSpec
	environ  []string
	logger   *slog.Logger
	metrics  procmgr.MetricsCollector
	events   EventPublisher
	runID    string
	err      error
}

// NewBuilder creates a builder. A nil cfg uses DefaultConfig.
func NewBuilder(cfg *Config) *StackBuilder {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &StackBuilder{config: cfg}
}

// WithChildren replaces the default children.
func (b *StackBuilder) WithChildren(children ...ChildSpec) *StackBuilder {
	if b.err != nil {
		return b
	}
	if len(children) == 0 {
		b.err = fmt.Errorf("children cannot be empty")
		return b
	}
	b.children = children
	return b
}

// WithManifest loads the children from a YAML manifest.
func (b *StackBuilder) WithManifest(path string) *StackBuilder {
	if b.err != nil || path == "" {
		return b
	}
	m, err := LoadManifest(path)
	if err != nil {
		b.err = err
		return b
	}
	b.children = m.Children
	return b
}

// WithEnviron sets the base environment of every child. The default is
// the supervisor's environment at Start.
func (b *StackBuilder) WithEnviron(env []string) *StackBuilder {
	b.environ = env
	return b
}

// WithLogger sets the logger.
func (b *StackBuilder) WithLogger(logger *slog.Logger) *StackBuilder {
	b.logger = logger
	return b
}

// WithMetrics sets the supervisor metrics collector.
func (b *StackBuilder) WithMetrics(m procmgr.MetricsCollector) *StackBuilder {
	b.metrics = m
	return b
}

// WithEvents sets where lifecycle events go. The default logs them.
func (b *StackBuilder) WithEvents(p EventPublisher) *StackBuilder {
	b.events = p
	return b
}

// WithRunID overrides the generated run id.
func (b *StackBuilder) WithRunID(id string) *StackBuilder {
	if b.err != nil {
		return b
	}
	if id == "" {
		b.err = fmt.Errorf("run id cannot be empty")
		return b
	}
	b.runID = id
	return b
}

// Build validates the configuration and starts the supervisor. The
// returned Stack owns goroutines until Shutdown.
func (b *StackBuilder) Build() (*Stack, error) {
	if b.err != nil {
		return nil, fmt.Errorf("builder error: %w", b.err)
	}
	if err := b.config.Validate(); err != nil {
		return nil, err
	}

	children := b.children
	if children == nil {
		children = DefaultChildren(b.config)
	}
	m := Manifest{Children: children}
	if err := m.Validate(); err != nil {
		return nil, ErrInvalidManifest("", err)
	}

	base := b.logger
	if base == nil {
		base = slog.Default()
	}
	logger := base.With("component", "launcher")

	runID := b.runID
	if runID == "" {
		runID = uuid.NewString()
	}

	s := &Stack{
		cfg:       b.config,
		events:    b.events,
		logger:    logger,
		environ:   b.environ,
		runID:     runID,
		stateFile: b.config.StateFile(),
	}
	if s.events == nil {
		s.events = LogEventPublisher{Logger: logger}
	}
	for _, c := range children {
		s.procs = append(s.procs, newProcess(c.withDefaults(b.config.LogDir)))
	}

	syncer := &execSyncer{
		defaultDir: b.config.ProjectDir,
		environ:    s.childEnviron,
		events:     s.events,
		logger:     logger,
		onStart:    s.onStart,
		onExit:     s.onExit,
	}

	opts := []procmgr.Option{
		procmgr.WithSyncer(syncer),
		procmgr.WithResyncInterval(b.config.Supervisor.ResyncInterval),
		procmgr.WithBackOffPeriod(b.config.Supervisor.BackOffPeriod),
		procmgr.WithDefaultGrace(b.config.Supervisor.ShutdownGrace),
		procmgr.WithLogger(base),
	}
	if b.metrics != nil {
		opts = append(opts, procmgr.WithMetricsCollector(b.metrics))
	}
	s.manager = procmgr.NewManager(opts...)
	return s, nil
}
