// Package preflight verifies that the masking layer hides known sensitive
// values before any log line leaves the host.
package preflight

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// SampleLine is a FortiGate traffic record carrying every kind of value the
// masker is expected to hide.
const SampleLine = `date=2025-12-26 time=19:30:12 devname="FG-100F" devid="FG100FTK20000000" ` +
	`type="traffic" subtype="forward" level="notice" srcip=10.183.17.136 srcport=51234 ` +
	`dstip=61.170.80.60 dstport=443 srcmac=00:1a:2b:3c:4d:5e proto=6 action="deny" ` +
	`policyid=12 service="HTTPS" password=Adm1n@2025`

// Sensitive lists the literals that must not survive masking of SampleLine.
var Sensitive = []string{
	"10.183.17.136",
	"61.170.80.60",
	"00:1a:2b:3c:4d:5e",
	"Adm1n@2025",
}

// ErrLeak is wrapped by Run when masked output still contains a sensitive
// literal.
var ErrLeak = errors.New("sensitive value survived masking")

// Masker masks a single line.
type Masker interface {
	MaskLine(line string) (string, error)
}

// MaskerFunc adapts a function to Masker.
type MaskerFunc func(string) (string, error)

func (f MaskerFunc) MaskLine(line string) (string, error) { return f(line) }

// Result is the outcome of one self-test.
type Result struct {
	Input    string
	Output   string
	Leaked   []string
	Duration time.Duration
}

// Passed reports whether no sensitive literal leaked.
func (r Result) Passed() bool { return len(r.Leaked) == 0 }

// Check masks SampleLine with m and lists any leaked literals.
func Check(ctx context.Context, m Masker) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	start := time.Now()
	out, err := m.MaskLine(SampleLine)
	res := Result{Input: SampleLine, Output: out, Duration: time.Since(start)}
	if err != nil {
		return res, fmt.Errorf("mask sample line: %w", err)
	}
	for _, s := range Sensitive {
		if strings.Contains(out, s) {
			res.Leaked = append(res.Leaked, s)
		}
	}
	return res, nil
}

// Run performs Check, logs the outcome and returns an error wrapping ErrLeak
// when the masker let something through.
func Run(ctx context.Context, m Masker, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	res, err := Check(ctx, m)
	if err != nil {
		return res, err
	}
	if !res.Passed() {
		logger.Error("desensitization self-test failed", "leaked", res.Leaked, "output", res.Output)
		return res, fmt.Errorf("%w: %s", ErrLeak, strings.Join(res.Leaked, ", "))
	}
	logger.Info("desensitization self-test passed", "output", res.Output, "duration", res.Duration)
	return res, nil
}

// CommandMasker pipes each line through an external program, for example
// the Python desensitizer, and reads the masked line from its stdout.
type CommandMasker struct {
	Command []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// MaskLine runs the command once with line on stdin.
func (c CommandMasker) MaskLine(line string) (string, error) {
	if len(c.Command) == 0 {
		return "", errors.New("empty masker command")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdin = strings.NewReader(line + "\n")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("run %s: %w (stderr: %s)", c.Command[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimRight(stdout.String(), "\r\n"), nil
}
