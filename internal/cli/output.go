package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/joshsymonds/sentinel/internal/models"
	"github.com/joshsymonds/sentinel/internal/scoring"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	labelStyle  = lipgloss.NewStyle().Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	titleCaser = cases.Title(language.English)
)

// Printer writes command results as tables or JSON.
type Printer struct {
	Out  io.Writer
	JSON bool
}

// Emit writes v as indented JSON when JSON output is selected and otherwise
// calls table.
func (p *Printer) Emit(v any, table func(w io.Writer) error) error {
	if p.JSON {
		return WriteJSON(p.Out, v)
	}
	return table(p.Out)
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON: %w", err)
	}
	return nil
}

// WriteTable renders rows under a styled header.
func WriteTable(w io.Writer, headers []string, rows [][]string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	styled := make([]string, len(headers))
	for i, h := range headers {
		styled[i] = headerStyle.Render(h)
	}
	if _, err := fmt.Fprintln(tw, strings.Join(styled, "\t")); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for _, row := range rows {
		if _, err := fmt.Fprintln(tw, strings.Join(row, "\t")); err != nil {
			return fmt.Errorf("writing row: %w", err)
		}
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("flushing table writer: %w", err)
	}
	return nil
}

// Field is one labelled value of a detail view.
type Field struct {
	Label string
	Value string
}

// WriteFields renders label/value pairs, skipping empty values.
func WriteFields(w io.Writer, fields []Field) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, f := range fields {
		if f.Value == "" {
			continue
		}
		if _, err := fmt.Fprintf(tw, "%s\t%s\n", labelStyle.Render(f.Label+":"), f.Value); err != nil {
			return fmt.Errorf("writing field: %w", err)
		}
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("flushing table writer: %w", err)
	}
	return nil
}

// Title renders an enum value such as "CONFIDENTIAL" or "Info_Disclosure"
// for display.
func Title(s string) string {
	return titleCaser.String(strings.ReplaceAll(s, "_", " "))
}

// Score formats a score with two decimals and its risk category.
func Score(d decimal.Decimal) string {
	return fmt.Sprintf("%s (%s)", d.StringFixed(2), scoring.CategoryOf(d))
}

// Date formats a calendar date.
func Date(t time.Time) string {
	return t.Format(time.DateOnly)
}

// Timestamp formats an instant, or "-" for nil.
func Timestamp(t *time.Time) string {
	if t == nil || t.IsZero() {
		return mutedStyle.Render("-")
	}
	return t.UTC().Format(time.RFC3339)
}

// Decision colors a gate decision.
func Decision(d models.GateDecision) string {
	base := lipgloss.NewStyle().Bold(true)
	switch d {
	case models.DecisionBlock:
		return base.Foreground(lipgloss.Color("197")).Render(string(d))
	case models.DecisionWarn:
		return base.Foreground(lipgloss.Color("214")).Render(string(d))
	case models.DecisionPass:
		return base.Foreground(lipgloss.Color("148")).Render(string(d))
	default:
		return string(d)
	}
}

// Percent formats a ratio as a percentage.
func Percent(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// Muted renders secondary text.
func Muted(s string) string {
	return mutedStyle.Render(s)
}

// WriteControls renders compliance controls.
func WriteControls(w io.Writer, controls []*models.Control) error {
	rows := make([][]string, 0, len(controls))
	for _, c := range controls {
		rows = append(rows, []string{c.ID, strings.ReplaceAll(string(c.Framework), "_", " "), c.Code, c.Description})
	}
	return WriteTable(w, []string{"ID", "FRAMEWORK", "CODE", "DESCRIPTION"}, rows)
}
