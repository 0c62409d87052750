package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/sahilm/fuzzy"

	"github.com/asheshgoplani/agent-relay/internal/statedb"
)

// Symbols for human-readable output
const (
	successSymbol = "✓"
	errorSymbol   = "✕"
	warnSymbol    = "!"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7aa2f7"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ece6a"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#e0af68"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#f7768e"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#565f89"))
)

// cliOutput writes either styled text or JSON to w.
type cliOutput struct {
	w        io.Writer
	jsonMode bool
}

func newCLIOutput(w io.Writer, jsonMode bool) *cliOutput {
	return &cliOutput{w: w, jsonMode: jsonMode}
}

// Success prints a success line, or data as JSON.
func (c *cliOutput) Success(message string, data any) error {
	if c.jsonMode {
		return c.printJSON(data)
	}
	_, err := fmt.Fprintf(c.w, "%s %s\n", successStyle.Render(successSymbol), message)
	return err
}

// Warn prints a warning line. It is suppressed in JSON mode.
func (c *cliOutput) Warn(message string) {
	if c.jsonMode {
		return
	}
	fmt.Fprintf(c.w, "%s %s\n", warnStyle.Render(warnSymbol), message)
}

// Print prints human output or JSON.
func (c *cliOutput) Print(human string, data any) error {
	if c.jsonMode {
		return c.printJSON(data)
	}
	_, err := io.WriteString(c.w, human)
	return err
}

func (c *cliOutput) printJSON(data any) error {
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("format JSON: %w", err)
	}
	_, err = fmt.Fprintln(c.w, string(out))
	return err
}

// column is one table column. Width 0 means the column is not truncated.
type column struct {
	Title string
	Width int
}

// renderTable lays out rows in fixed-width columns measured in terminal cells.
// Styling is applied after padding so escape codes do not skew alignment.
func renderTable(cols []column, rows [][]string) string {
	widths := make([]int, len(cols))
	for i, col := range cols {
		widths[i] = runewidth.StringWidth(col.Title)
		for _, row := range rows {
			if i < len(row) {
				if w := runewidth.StringWidth(fitCell(row[i], col.Width)); w > widths[i] {
					widths[i] = w
				}
			}
		}
	}

	var b strings.Builder
	for i, col := range cols {
		if i > 0 {
			b.WriteString("  ")
		}
		b.WriteString(headerStyle.Render(pad(col.Title, widths[i], i == len(cols)-1)))
	}
	b.WriteString("\n")
	for _, row := range rows {
		for i, col := range cols {
			if i > 0 {
				b.WriteString("  ")
			}
			cell := ""
			if i < len(row) {
				cell = fitCell(row[i], col.Width)
			}
			b.WriteString(pad(cell, widths[i], i == len(cols)-1))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func fitCell(s string, width int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if width <= 0 {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}

func pad(s string, width int, last bool) string {
	if last {
		return s
	}
	return runewidth.FillRight(s, width)
}

// orDash renders empty values as "-".
func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// formatAge renders a compact "3m ago" style age.
func formatAge(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

var errProjectNotFound = errors.New("project not found")

// projectSource implements fuzzy.Source over project ids.
type projectSource []*statedb.ProjectRow

func (s projectSource) String(i int) string { return s[i].ID }
func (s projectSource) Len() int            { return len(s) }

// resolveProject finds a project by exact id, falling back to a fuzzy match
// when exactly one project matches or the best match clearly wins.
func resolveProject(db *statedb.StateDB, name string) (*statedb.ProjectRow, error) {
	p, err := db.GetProject(name)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, statedb.ErrNotFound) {
		return nil, err
	}

	projects, err := db.ListProjects()
	if err != nil {
		return nil, err
	}
	matches := fuzzy.FindFrom(name, projectSource(projects))
	switch {
	case len(matches) == 0:
		return nil, fmt.Errorf("%w: %q", errProjectNotFound, name)
	case len(matches) == 1, matches[0].Score > matches[1].Score:
		return projects[matches[0].Index], nil
	}

	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m.Str)
	}
	return nil, fmt.Errorf("%q is ambiguous: %s", name, strings.Join(names, ", "))
}
