// Package envconfig exports default values for the environment variables
// read by the Ops Copilot API server and tail ingester.
//
// A variable that already has a value in the environment is never
// overwritten; defaults only fill gaps.
package envconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// SecretVar is the variable holding the desensitization HMAC key.
const SecretVar = "OPS_DESENSE_SECRET"

// Var describes one application variable.
type Var struct {
	Name        string
	Default     string
	Secret      bool
	Description string
}

// Defaults returns the variables the Python services understand, in the
// order they are exported.
func Defaults() []Var {
	return []Var{
		{Name: "DEEPSEEK_API_KEY", Secret: true, Description: "LLM API key; the API server falls back to a mock model when empty"},
		{Name: "DEEPSEEK_BASE_URL", Default: "https://api.deepseek.com/v1", Description: "LLM API base URL"},
		{Name: "DEEPSEEK_MODEL", Default: "deepseek-chat", Description: "LLM model name"},
		{Name: "LLM_LEDGER_JSONL", Default: "./data/llm_usage.jsonl", Description: "LLM usage ledger file"},
		{Name: "LLM_LEDGER_MAX", Default: "5000", Description: "maximum ledger rows kept in memory"},
		{Name: "OPS_EVENT_API", Default: "http://127.0.0.1:8000/api/ingest/syslog", Description: "event ingestion endpoint"},
		{Name: "OPS_EVIDENCE_API", Default: "http://127.0.0.1:8000/api/evidence/ingest", Description: "evidence ingestion endpoint"},
		{Name: "RSYSLOG_REMOTE_LOG", Default: "/opt/homebrew/var/log/rsyslog-remote.log", Description: "syslog file followed by the ingester"},
		{Name: "ENABLE_DESENSITIZE", Default: "1", Description: "mask addresses and secrets before ingestion"},
		{Name: "DESENSITIZE_REVERSIBLE", Default: "0", Description: "keep a token to raw value mapping"},
		{Name: "DESENSITIZE_MAP_PATH", Default: "./data/desensitize_map.json", Description: "reversible mapping file"},
		{Name: SecretVar, Secret: true, Description: "HMAC key for desensitization tokens"},
		{Name: "KEEP_PRIVATE_RANGES", Default: "0", Description: "leave RFC1918 addresses unmasked"},
		{Name: "TAIL_STATE_PATH", Default: "data/tail_ingest.state.json", Description: "ingester offset checkpoint"},
		{Name: "RAW_TAP_ENABLE", Default: "0", Description: "copy raw lines to a tap file"},
		{Name: "RAW_TAP_PATH", Default: "data/raw_tap.log", Description: "raw tap file"},
		{Name: "INGEST_HTTP_TIMEOUT", Default: "3", Description: "ingest HTTP timeout in seconds"},
		{Name: "INGEST_RETRY_MAX", Default: "3", Description: "ingest retry attempts"},
		{Name: "INGEST_RETRY_BACKOFF", Default: "0.3", Description: "ingest retry backoff in seconds"},
	}
}

// Lookup returns the variable named name from vars.
func Lookup(vars []Var, name string) (Var, bool) {
	for _, v := range vars {
		if v.Name == name {
			return v, true
		}
	}
	return Var{}, false
}

// Environ is the subset of process environment access used here.
type Environ interface {
	LookupEnv(key string) (string, bool)
	Setenv(key, value string) error
}

// OSEnviron reads and writes the real process environment.
type OSEnviron struct{}

func (OSEnviron) LookupEnv(key string) (string, bool) { return os.LookupEnv(key) }
func (OSEnviron) Setenv(key, value string) error      { return os.Setenv(key, value) }

// MapEnviron is an in-memory Environ.
type MapEnviron struct {
	mu   sync.Mutex
	vars map[string]string
}

// NewMapEnviron copies initial into a new MapEnviron.
func NewMapEnviron(initial map[string]string) *MapEnviron {
	m := &MapEnviron{vars: make(map[string]string, len(initial))}
	for k, v := range initial {
		m.vars[k] = v
	}
	return m
}

func (m *MapEnviron) LookupEnv(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vars[key]
	return v, ok
}

func (m *MapEnviron) Setenv(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vars[key] = value
	return nil
}

// Pairs returns the environment as sorted KEY=VALUE strings.
func (m *MapEnviron) Pairs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.vars))
	for k, v := range m.vars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Report records what Apply did with each variable.
type Report struct {
	Kept      []string // already set by the caller
	Defaulted []string // exported from the defaults table
	Missing   []string // unset and without a default
}

// Apply exports the default of every variable in vars that is not already
// present in env. Variables set to an empty string count as present, so an
// operator can blank DEEPSEEK_API_KEY to force the mock model. The secret
// is the exception and is handled by secret.Provision.
func Apply(env Environ, vars []Var) (Report, error) {
	var report Report
	for _, v := range vars {
		if _, ok := env.LookupEnv(v.Name); ok {
			report.Kept = append(report.Kept, v.Name)
			continue
		}
		if v.Default == "" {
			report.Missing = append(report.Missing, v.Name)
			continue
		}
		if err := env.Setenv(v.Name, v.Default); err != nil {
			return report, fmt.Errorf("set %s: %w", v.Name, err)
		}
		report.Defaulted = append(report.Defaulted, v.Name)
	}
	return report, nil
}

// Bool reports whether value is one of the truthy spellings the Python
// services accept: 1, true, yes (case-insensitive).
func Bool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped and
// the names of the files actually loaded are returned.
func LoadDotEnv(paths ...string) ([]string, error) {
	var loaded []string
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return loaded, fmt.Errorf("stat %s: %w", p, err)
		}
		if err := godotenv.Load(p); err != nil {
			return loaded, fmt.Errorf("load %s: %w", p, err)
		}
		loaded = append(loaded, p)
	}
	return loaded, nil
}

// ReadDotEnv parses KEY=VALUE files without touching the process
// environment. Missing files are skipped; a key from an earlier file wins.
func ReadDotEnv(paths ...string) (map[string]string, error) {
	values := make(map[string]string)
	for _, p := range paths {
		m, err := godotenv.Read(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return values, fmt.Errorf("read %s: %w", p, err)
		}
		for k, v := range m {
			if _, ok := values[k]; !ok {
				values[k] = v
			}
		}
	}
	return values, nil
}

// Row is one line of a rendered environment listing.
type Row struct {
	Name  string
	Value string
	Set   bool
}

// Render resolves vars against env for display. Secret values are replaced
// by their length.
func Render(env Environ, vars []Var) []Row {
	rows := make([]Row, 0, len(vars))
	for _, v := range vars {
		val, ok := env.LookupEnv(v.Name)
		row := Row{Name: v.Name, Value: val, Set: ok}
		if v.Secret && ok {
			row.Value = fmt.Sprintf("<redacted, %d chars>", len(val))
		}
		rows = append(rows, row)
	}
	return rows
}
