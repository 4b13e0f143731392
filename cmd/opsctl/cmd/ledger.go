package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fishballnoodle/Ops-Copilot/pkg/ledger"
)

var (
	ledgerFile   string
	ledgerSince  time.Duration
	ledgerJSON   bool
	ledgerFollow bool
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Summarize LLM usage from the API server's ledger",
	Long: `Ledger reads the JSON-lines usage ledger (LLM_LEDGER_JSONL) and prints
call counts, failures, token totals and latency per action. With --follow it
keeps printing rows as the API server appends them.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := ledgerPath()
		if err != nil {
			return err
		}

		f, err := os.Open(path)
		switch {
		case errors.Is(err, os.ErrNotExist) && ledgerFollow:
			uiInstance.Subtle("waiting for " + path)
		case err != nil:
			return fmt.Errorf("open ledger: %w", err)
		default:
			var since time.Time
			if ledgerSince > 0 {
				since = time.Now().Add(-ledgerSince)
			}
			summary, err := ledger.SummarizeSince(f, since)
			f.Close()
			if err != nil {
				return err
			}
			if err := printSummary(cmd.OutOrStdout(), path, summary); err != nil {
				return err
			}
		}

		if !ledgerFollow {
			return nil
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		enc := json.NewEncoder(cmd.OutOrStdout())
		err = ledger.Follow(ctx, path, func(row ledger.Row) {
			if ledgerJSON {
				_ = enc.Encode(row)
				return
			}
			printRow(row)
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func ledgerPath() (string, error) {
	if ledgerFile != "" {
		return ledgerFile, nil
	}
	env, _, err := applicationEnv()
	if err != nil {
		return "", err
	}
	p, _ := env.LookupEnv("LLM_LEDGER_JSONL")
	return projectPath(p), nil
}

func printSummary(w io.Writer, path string, s ledger.Summary) error {
	if ledgerJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	uiInstance.Header("LLM usage")
	uiInstance.KeyValue("Ledger", path)
	uiInstance.KeyValue("Calls", fmt.Sprintf("%d (%d ok, %d failed)", s.Calls, s.OK, s.Failed))
	uiInstance.KeyValue("Tokens", fmt.Sprintf("%d (prompt %d, completion %d)", s.TotalTokens, s.PromptTokens, s.CompletionTokens))
	uiInstance.KeyValue("Latency", fmt.Sprintf("avg %.0fms, max %dms", s.AvgLatencyMS, s.MaxLatencyMS))
	if !s.First.IsZero() {
		uiInstance.KeyValue("Window", s.First.Local().Format(time.DateTime)+" .. "+s.Last.Local().Format(time.DateTime))
	}
	if s.Malformed > 0 {
		uiInstance.Warning(fmt.Sprintf("%d malformed line(s) skipped", s.Malformed))
	}
	if len(s.ByAction) == 0 {
		return nil
	}

	groupTable("ACTION", s.Actions(), s.ByAction)
	groupTable("ENDPOINT", s.Endpoints(), s.ByEndpoint)
	return nil
}

func groupTable(label string, names []string, groups map[string]ledger.GroupSummary) {
	uiInstance.Println("")
	table := uiInstance.NewTable(label, "CALLS", "FAILED", "TOKENS", "AVG LATENCY")
	for _, name := range names {
		g := groups[name]
		table.AddRow(name, fmt.Sprint(g.Calls), fmt.Sprint(g.Failed), fmt.Sprint(g.TotalTokens), fmt.Sprintf("%dms", g.AvgLatencyMS))
	}
	table.Render()
}

func printRow(row ledger.Row) {
	ts := "-"
	if !row.TS.IsZero() {
		ts = row.TS.Local().Format(time.TimeOnly)
	}
	line := fmt.Sprintf("%s %-10s %6d tok %6dms %s", ts, row.Action, row.TotalTokens, row.LatencyMS, row.EventID)
	if row.OK {
		uiInstance.Println(line)
		return
	}
	uiInstance.Warning(line + " " + row.Error)
}

func init() {
	rootCmd.AddCommand(ledgerCmd)

	ledgerCmd.Flags().StringVar(&ledgerFile, "file", "", "ledger file (default: $LLM_LEDGER_JSONL)")
	ledgerCmd.Flags().DurationVar(&ledgerSince, "since", 0, "only count rows newer than this, e.g. 1h")
	ledgerCmd.Flags().BoolVar(&ledgerJSON, "json", false, "print JSON instead of tables")
	ledgerCmd.Flags().BoolVarP(&ledgerFollow, "follow", "f", false, "keep printing rows as they are appended")
}
