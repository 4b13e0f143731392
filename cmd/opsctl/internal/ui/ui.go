// Package ui provides console output helpers for opsctl
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Styles for consistent UI
var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	stepStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true)
	upStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	downStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// UI writes human-facing output. Logs go to stderr separately.
type UI struct {
	out io.Writer
	err io.Writer
}

// NewUI writes to stdout and stderr.
func NewUI() *UI {
	return New(os.Stdout, os.Stderr)
}

// New writes to the given streams.
func New(out, err io.Writer) *UI {
	return &UI{out: out, err: err}
}

// Success prints a success message
func (ui *UI) Success(msg string) {
	fmt.Fprintln(ui.out, successStyle.Render("✓ "+msg))
}

// Error prints an error message
func (ui *UI) Error(msg string) {
	fmt.Fprintln(ui.err, errorStyle.Render("✗ "+msg))
}

// Warning prints a warning message
func (ui *UI) Warning(msg string) {
	fmt.Fprintln(ui.out, warningStyle.Render("⚠ "+msg))
}

// Info prints an info message
func (ui *UI) Info(msg string) {
	fmt.Fprintln(ui.out, infoStyle.Render("ℹ "+msg))
}

// Subtle prints a muted message
func (ui *UI) Subtle(msg string) {
	fmt.Fprintln(ui.out, subtleStyle.Render(msg))
}

// Step prints a numbered startup step, like "[3/7] bootstrap".
func (ui *UI) Step(n, total int, msg string) {
	fmt.Fprintf(ui.out, "%s %s\n", stepStyle.Render(fmt.Sprintf("[%d/%d]", n, total)), msg)
}

// Println prints a regular message
func (ui *UI) Println(msg string) {
	fmt.Fprintln(ui.out, msg)
}

// Header prints a section header
func (ui *UI) Header(title string) {
	fmt.Fprintln(ui.out, headerStyle.Render(title))
}

// KeyValue prints a key-value pair
func (ui *UI) KeyValue(key, value string) {
	fmt.Fprintf(ui.out, "  %s: %s\n", subtleStyle.Render(key), value)
}

// Liveness renders "running" or "stopped" for a process, or "orphaned"
// for a dead leader whose process group still has members.
func Liveness(alive, groupAlive bool) string {
	switch {
	case alive:
		return upStyle.Render("running")
	case groupAlive:
		return warningStyle.Render("orphaned")
	default:
		return downStyle.Render("stopped")
	}
}

// Table prints a simple table
type Table struct {
	ui      *UI
	headers []string
	rows    [][]string
}

// NewTable creates a new table
func (ui *UI) NewTable(headers ...string) *Table {
	return &Table{ui: ui, headers: headers}
}

// AddRow adds a row to the table
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Render renders the table
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	// Cells may carry ANSI styling, so widths are measured visibly.
	widths := make([]int, len(t.headers))
	for i, header := range t.headers {
		widths[i] = lipgloss.Width(header)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(cell))
			}
		}
	}

	cells := func(row []string) []string {
		parts := make([]string, len(t.headers))
		for i := range t.headers {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			parts[i] = padRight(cell, widths[i])
		}
		return parts
	}

	t.ui.Println(headerStyle.Render(strings.Join(cells(t.headers), " │ ")))
	sep := make([]string, len(widths))
	for i, w := range widths {
		sep[i] = strings.Repeat("─", w)
	}
	t.ui.Println(subtleStyle.Render(strings.Join(sep, "─┼─")))
	for _, row := range t.rows {
		t.ui.Println(strings.Join(cells(row), " │ "))
	}
}

func padRight(s string, width int) string {
	if w := lipgloss.Width(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}
