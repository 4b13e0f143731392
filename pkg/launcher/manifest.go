package launcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// RestartPolicy decides what happens when a child exits on its own.
type RestartPolicy string

const (
	// RestartNever leaves an exited child down.
	RestartNever RestartPolicy = "never"
	// RestartOnFailure relaunches a child that exited with an error, with
	// backoff, up to MaxRestarts times.
	RestartOnFailure RestartPolicy = "on-failure"
)

// DefaultMaxRestarts applies to on-failure children that set no limit.
const DefaultMaxRestarts = 5

// ChildSpec describes one supervised child process.
type ChildSpec struct {
	// Name identifies the child and names its log file
	Name string `yaml:"name"`

	// Command is the argv; Command[0] is looked up in PATH when not a path
	Command []string `yaml:"command"`

	// Dir is the working directory (default: project dir)
	Dir string `yaml:"dir,omitempty"`

	// Env is added on top of the supervisor's environment
	Env map[string]string `yaml:"env,omitempty"`

	// LogFile receives stdout and stderr (default: <log_dir>/<name>.log)
	LogFile string `yaml:"log_file,omitempty"`

	// Port is dialed for readiness when ReadyURL is empty
	Port int `yaml:"port,omitempty"`

	// ReadyURL answers 200 once the child is serving
	ReadyURL string `yaml:"ready_url,omitempty"`

	Restart     RestartPolicy `yaml:"restart,omitempty"`
	MaxRestarts int           `yaml:"max_restarts,omitempty"`
}

// Manifest is the YAML document that replaces the default children.
type Manifest struct {
	Children []ChildSpec `yaml:"children"`

	// Internal: directory of the manifest file, for relative paths
	baseDir string `yaml:"-"`
}

// LoadManifest reads and validates a child manifest. Relative dir and
// log_file entries are resolved against the manifest's directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrInvalidManifest(path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, ErrInvalidManifest(path, fmt.Errorf("parse yaml: %w", err))
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, ErrInvalidManifest(path, err)
	}
	m.baseDir = filepath.Dir(abs)
	for i := range m.Children {
		c := &m.Children[i]
		c.Dir = m.resolve(c.Dir)
		c.LogFile = m.resolve(c.LogFile)
	}

	if err := m.Validate(); err != nil {
		return nil, ErrInvalidManifest(path, err)
	}
	return &m, nil
}

func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || m.baseDir == "" {
		return p
	}
	return filepath.Join(m.baseDir, p)
}

// Validate checks every child spec.
func (m *Manifest) Validate() error {
	if len(m.Children) == 0 {
		return fmt.Errorf("no children defined")
	}
	seen := make(map[string]bool, len(m.Children))
	for i, c := range m.Children {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("children[%d]: %w", i, err)
		}
		if seen[c.Name] {
			return fmt.Errorf("children[%d]: duplicate name %q", i, c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}

// Validate checks a single child spec.
func (c ChildSpec) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(c.Name, `/\ `) {
		return fmt.Errorf("name %q must not contain slashes or spaces", c.Name)
	}
	if len(c.Command) == 0 || c.Command[0] == "" {
		return fmt.Errorf("child %s: command is required", c.Name)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("child %s: port %d out of range", c.Name, c.Port)
	}
	switch c.Restart {
	case "", RestartNever, RestartOnFailure:
	default:
		return fmt.Errorf("child %s: unknown restart policy %q", c.Name, c.Restart)
	}
	if c.MaxRestarts < 0 {
		return fmt.Errorf("child %s: max_restarts must not be negative", c.Name)
	}
	return nil
}

// withDefaults fills the log file and restart settings.
func (c ChildSpec) withDefaults(logDir string) ChildSpec {
	if c.LogFile == "" {
		c.LogFile = filepath.Join(logDir, c.Name+".log")
	}
	if c.Restart == "" {
		c.Restart = RestartNever
	}
	if c.Restart == RestartOnFailure && c.MaxRestarts == 0 {
		c.MaxRestarts = DefaultMaxRestarts
	}
	return c
}

// DefaultChildren returns the API server, the log-tail ingester and the
// static web server, as launched by the old run.sh.
func DefaultChildren(cfg *Config) []ChildSpec {
	python := cfg.Bootstrap.VenvPython()
	api := strconv.Itoa(cfg.APIPort)
	web := strconv.Itoa(cfg.WebPort)

	return []ChildSpec{
		{
			Name:     "api",
			Command:  []string{python, "-m", "uvicorn", "app.main:app", "--host", "127.0.0.1", "--port", api},
			Dir:      cfg.ProjectDir,
			Port:     cfg.APIPort,
			ReadyURL: "http://127.0.0.1:" + api + "/api/health",
			Restart:  RestartNever,
		},
		{
			// The ingester posts to the API; it may die while the API is
			// still coming up.
			Name:        "ingest",
			Command:     []string{python, "-m", "tools.tail_ingest"},
			Dir:         cfg.ProjectDir,
			Restart:     RestartOnFailure,
			MaxRestarts: DefaultMaxRestarts,
		},
		{
			Name:     "web",
			Command:  []string{cfg.Executable, "serve-static", "--dir", cfg.WebDir, "--addr", ":" + web},
			Dir:      cfg.ProjectDir,
			Port:     cfg.WebPort,
			ReadyURL: "http://127.0.0.1:" + web + "/healthz",
			Restart:  RestartNever,
		},
	}
}
