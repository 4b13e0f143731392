package ledger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `{"ok": true, "action": "analyze", "endpoint": "/api/copilot/analyze", "event_id": "e1", "intent": "triage", "prompt_tokens": 100, "completion_tokens": 50, "total_tokens": 150, "latency_ms": 800, "ts": 1735689600}
{"ok": false, "action": "analyze", "endpoint": "/api/copilot/analyze", "event_id": "e2", "intent": "triage", "prompt_tokens": 0, "completion_tokens": 0, "total_tokens": 0, "latency_ms": 200, "error": "timeout", "ts": "2025-01-01T01:00:00Z"}
not json at all

{"ok": true, "action": "chat", "endpoint": "/api/copilot/chat", "event_id": "-", "intent": "-", "prompt_tokens": 20, "completion_tokens": 10, "total_tokens": 30, "latency_ms": 500}
{"ok": true
`

func TestSummarize(t *testing.T) {
	s, err := Summarize(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Equal(t, 3, s.Calls)
	assert.Equal(t, 2, s.OK)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 120, s.PromptTokens)
	assert.Equal(t, 60, s.CompletionTokens)
	assert.Equal(t, 180, s.TotalTokens)
	assert.InDelta(t, 500.0, s.AvgLatencyMS, 0.001)
	assert.Equal(t, int64(800), s.MaxLatencyMS)
	assert.Equal(t, 2, s.Malformed)

	analyze := s.ByAction["analyze"]
	assert.Equal(t, 2, analyze.Calls)
	assert.Equal(t, 1, analyze.Failed)
	assert.Equal(t, 150, analyze.TotalTokens)
	assert.Equal(t, 100, analyze.PromptTokens)
	assert.Equal(t, int64(500), analyze.AvgLatencyMS)
	assert.Equal(t, 1, s.ByAction["chat"].Calls)
	assert.Equal(t, 30, s.ByAction["chat"].TotalTokens)
	assert.Equal(t, []string{"analyze", "chat"}, s.Actions())

	assert.Equal(t, 2, s.ByEndpoint["/api/copilot/analyze"].Calls)
	assert.Equal(t, 1, s.ByEndpoint["/api/copilot/chat"].Calls)
	assert.Equal(t, []string{"/api/copilot/analyze", "/api/copilot/chat"}, s.Endpoints())

	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), s.First.UTC())
	assert.Equal(t, time.Date(2025, 1, 1, 1, 0, 0, 0, time.UTC), s.Last.UTC())
}

func TestSummarize_UnlabelledRowsGroupAsUnknown(t *testing.T) {
	s, err := Summarize(strings.NewReader(`{"ok": true, "total_tokens": 7, "latency_ms": 10}` + "\n"))
	require.NoError(t, err)

	assert.Equal(t, 7, s.ByAction[Unknown].TotalTokens)
	assert.Equal(t, 1, s.ByEndpoint[Unknown].Calls)
	assert.Equal(t, []string{Unknown}, s.Endpoints())
}

func TestSummarizeSince(t *testing.T) {
	since := time.Date(2025, 1, 1, 0, 30, 0, 0, time.UTC)
	s, err := SummarizeSince(strings.NewReader(sample), since)
	require.NoError(t, err)

	// The first row is older; the untimed chat row still counts.
	assert.Equal(t, 2, s.Calls)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 30, s.TotalTokens)
}

func TestSummarize_Empty(t *testing.T) {
	s, err := Summarize(strings.NewReader(""))
	require.NoError(t, err)
	assert.Zero(t, s.Calls)
	assert.Zero(t, s.AvgLatencyMS)
	assert.Empty(t, s.Actions())
}

func TestTimestamp(t *testing.T) {
	var row Row
	require.NoError(t, json.Unmarshal([]byte(`{"ts": 1735689600.5}`), &row))
	assert.Equal(t, int64(1735689600), row.TS.Unix())
	assert.Equal(t, 500*time.Millisecond, time.Duration(row.TS.Nanosecond()))

	require.NoError(t, json.Unmarshal([]byte(`{"ts": null}`), &row))

	assert.Error(t, json.Unmarshal([]byte(`{"ts": "yesterday"}`), &row))
	assert.Error(t, json.Unmarshal([]byte(`{"ts": true}`), &row))

	out, err := json.Marshal(Row{Action: "chat"})
	require.NoError(t, err)
	assert.NotContains(t, string(out), `"ts"`)
}

type collector struct {
	mu   sync.Mutex
	rows []Row
}

func (c *collector) add(r Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = append(c.rows, r)
}

func (c *collector) snapshot() []Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Row(nil), c.rows...)
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(line)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func startFollow(t *testing.T, path string) (*collector, context.CancelFunc, <-chan error) {
	t.Helper()
	c := &collector{}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Follow(ctx, path, c.add) }()
	t.Cleanup(cancel)
	return c, cancel, errCh
}

func TestFollow_StreamsAppendedRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "llm_usage.jsonl")
	appendLine(t, path, `{"ok": true, "action": "old"}`+"\n")

	c, cancel, errCh := startFollow(t, path)

	// Keep appending until the watcher is up and has delivered a row.
	require.Eventually(t, func() bool {
		appendLine(t, path, `{"ok": true, "action": "new", "total_tokens": 7}`+"\n")
		return len(c.snapshot()) > 0
	}, 5*time.Second, 50*time.Millisecond)

	for _, r := range c.snapshot() {
		assert.Equal(t, "new", r.Action)
	}

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Follow did not return")
	}
}

func TestFollow_PartialLinesAndGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "llm_usage.jsonl")
	c, _, _ := startFollow(t, path)

	require.Eventually(t, func() bool {
		appendLine(t, path, `{"ok": true, "action": "first"}`+"\n")
		return len(c.snapshot()) > 0
	}, 5*time.Second, 50*time.Millisecond)
	before := len(c.snapshot())

	appendLine(t, path, `{"ok": false, "action": "spl`)
	appendLine(t, path, "garbage\n")
	appendLine(t, path, `it"}`+"\n")
	appendLine(t, path, `{"ok": true, "action": "after"}`+"\n")

	require.Eventually(t, func() bool {
		rows := c.snapshot()
		return len(rows) > before && rows[len(rows)-1].Action == "after"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestFollow_Truncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "llm_usage.jsonl")
	appendLine(t, path, strings.Repeat(`{"ok": true, "action": "filler"}`+"\n", 20))
	c, _, _ := startFollow(t, path)

	require.Eventually(t, func() bool {
		appendLine(t, path, `{"ok": true, "action": "first"}`+"\n")
		return len(c.snapshot()) > 0
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`{"ok": true, "action": "rotated"}`+"\n"), 0o644))

	require.Eventually(t, func() bool {
		rows := c.snapshot()
		return rows[len(rows)-1].Action == "rotated"
	}, 5*time.Second, 20*time.Millisecond)
}
