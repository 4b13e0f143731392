package launcher

import (
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testConfig returns a config rooted in a temp dir with short timings.
func testConfig(t *testing.T) *Config {
	t.Helper()
	for _, bin := range []string{"sh", "sleep"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not available: %v", bin, err)
		}
	}

	cfg := DefaultConfig()
	cfg.ProjectDir = t.TempDir()
	cfg.Executable = "/bin/true"
	cfg.Supervisor = SupervisorConfig{
		ShutdownGrace:  500 * time.Millisecond,
		ResyncInterval: 100 * time.Millisecond,
		BackOffPeriod:  100 * time.Millisecond,
		ReadyTimeout:   2 * time.Second,
	}
	require.NoError(t, cfg.Resolve())
	return cfg
}

func shChild(name, script string) ChildSpec {
	return ChildSpec{Name: name, Command: []string{"sh", "-c", script}}
}

func sleepChild(name string) ChildSpec {
	return ChildSpec{Name: name, Command: []string{"sleep", "60"}}
}

func tempFile(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name)
}
