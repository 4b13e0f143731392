// Package ledger reads the LLM usage ledger written by the API server: one
// JSON object per line, appended after every model call.
package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"time"
)

// Row is one ledger line.
type Row struct {
	TS               Timestamp `json:"ts,omitzero"`
	OK               bool      `json:"ok"`
	Action           string    `json:"action"`
	Endpoint         string    `json:"endpoint"`
	EventID          string    `json:"event_id"`
	Intent           string    `json:"intent"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	LatencyMS        int64     `json:"latency_ms"`
	Error            string    `json:"error,omitempty"`
}

// Timestamp accepts epoch seconds or an RFC 3339 string.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("ts: %w", err)
		}
		t.Time = parsed
		return nil
	}
	secs, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("ts: %w", err)
	}
	whole, frac := math.Modf(secs)
	t.Time = time.Unix(int64(whole), int64(frac*1e9)).UTC()
	return nil
}

// MarshalJSON writes RFC 3339, or null when unset.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}

// Read calls fn for every well-formed row and returns how many lines
// could not be decoded. Blank lines are ignored.
func Read(r io.Reader, fn func(Row)) (malformed int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		row, ok := parseLine(line)
		if !ok {
			malformed++
			continue
		}
		fn(row)
	}
	if err := sc.Err(); err != nil {
		return malformed, fmt.Errorf("read ledger: %w", err)
	}
	return malformed, nil
}

func parseLine(line []byte) (Row, bool) {
	var row Row
	if err := json.Unmarshal(line, &row); err != nil {
		return Row{}, false
	}
	return row, true
}

// Unknown labels rows without an action or endpoint.
const Unknown = "unknown"

// GroupSummary aggregates the rows of one action or endpoint.
type GroupSummary struct {
	Calls            int   `json:"calls"`
	Failed           int   `json:"failed"`
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	TotalTokens      int   `json:"total_tokens"`
	AvgLatencyMS     int64 `json:"avg_latency_ms"`

	latencyTotal int64
}

func (g *GroupSummary) add(row Row) {
	g.Calls++
	if !row.OK {
		g.Failed++
	}
	g.PromptTokens += row.PromptTokens
	g.CompletionTokens += row.CompletionTokens
	g.TotalTokens += row.TotalTokens
	g.latencyTotal += row.LatencyMS
	g.AvgLatencyMS = g.latencyTotal / int64(g.Calls)
}

// Summary aggregates ledger rows.
type Summary struct {
	Calls            int                     `json:"calls"`
	OK               int                     `json:"ok"`
	Failed           int                     `json:"failed"`
	PromptTokens     int                     `json:"prompt_tokens"`
	CompletionTokens int                     `json:"completion_tokens"`
	TotalTokens      int                     `json:"total_tokens"`
	AvgLatencyMS     float64                 `json:"avg_latency_ms"`
	MaxLatencyMS     int64                   `json:"max_latency_ms"`
	ByAction         map[string]GroupSummary `json:"by_action"`
	ByEndpoint       map[string]GroupSummary `json:"by_endpoint"`
	Malformed        int                     `json:"malformed"`
	First            time.Time               `json:"first,omitzero"`
	Last             time.Time               `json:"last,omitzero"`

	latencyTotal int64
}

// Add folds one row into the summary.
func (s *Summary) Add(row Row) {
	if s.ByAction == nil {
		s.ByAction = make(map[string]GroupSummary)
	}
	if s.ByEndpoint == nil {
		s.ByEndpoint = make(map[string]GroupSummary)
	}

	s.Calls++
	if row.OK {
		s.OK++
	} else {
		s.Failed++
	}
	s.PromptTokens += row.PromptTokens
	s.CompletionTokens += row.CompletionTokens
	s.TotalTokens += row.TotalTokens

	s.latencyTotal += row.LatencyMS
	s.AvgLatencyMS = float64(s.latencyTotal) / float64(s.Calls)
	if row.LatencyMS > s.MaxLatencyMS {
		s.MaxLatencyMS = row.LatencyMS
	}

	bump(s.ByAction, row.Action, row)
	bump(s.ByEndpoint, row.Endpoint, row)

	if ts := row.TS.Time; !ts.IsZero() {
		if s.First.IsZero() || ts.Before(s.First) {
			s.First = ts
		}
		if ts.After(s.Last) {
			s.Last = ts
		}
	}
}

func bump(groups map[string]GroupSummary, key string, row Row) {
	if key == "" {
		key = Unknown
	}
	g := groups[key]
	g.add(row)
	groups[key] = g
}

// Actions returns the action names sorted by call count, then name.
func (s *Summary) Actions() []string { return byCalls(s.ByAction) }

// Endpoints returns the endpoints sorted by call count, then name.
func (s *Summary) Endpoints() []string { return byCalls(s.ByEndpoint) }

func byCalls(groups map[string]GroupSummary) []string {
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ci, cj := groups[names[i]].Calls, groups[names[j]].Calls
		if ci != cj {
			return ci > cj
		}
		return names[i] < names[j]
	})
	return names
}

// Summarize aggregates every row in r.
func Summarize(r io.Reader) (Summary, error) {
	return SummarizeSince(r, time.Time{})
}

// SummarizeSince aggregates rows stamped at or after since. Rows without
// a timestamp are always counted.
func SummarizeSince(r io.Reader, since time.Time) (Summary, error) {
	s := Summary{
		ByAction:   make(map[string]GroupSummary),
		ByEndpoint: make(map[string]GroupSummary),
	}
	malformed, err := Read(r, func(row Row) {
		if !since.IsZero() && !row.TS.IsZero() && row.TS.Before(since) {
			return
		}
		s.Add(row)
	})
	s.Malformed = malformed
	return s, err
}
