// Package ui renders command output: aligned tables, step headings and
// error messages with hints.
package ui

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/fatih/color"
)

// Table prints rows aligned under a header line
type Table struct {
	writer  io.Writer
	headers []string
	rows    [][]string
	noColor bool
}

// NewTable creates a table with the given headers
func NewTable(w io.Writer, noColor bool, headers ...string) *Table {
	return &Table{writer: w, headers: headers, noColor: noColor}
}

// AddRow appends a row. Missing cells render empty and extra cells are
// dropped.
func (t *Table) AddRow(cells ...string) {
	row := make([]string, len(t.headers))
	copy(row, cells)
	t.rows = append(t.rows, row)
}

// Len returns the number of rows added so far
func (t *Table) Len() int {
	return len(t.rows)
}

// Render writes the table
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = utf8.RuneCountInString(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			widths[i] = max(widths[i], utf8.RuneCountInString(cell))
		}
	}

	head := t.color(color.Bold, color.FgCyan)
	rule := t.color(color.FgHiBlack)

	t.line(widths, t.headers, head)
	dashes := make([]string, len(widths))
	for i, w := range widths {
		dashes[i] = strings.Repeat("─", w)
	}
	t.line(widths, dashes, rule)
	for _, row := range t.rows {
		t.line(widths, row, nil)
	}
}

func (t *Table) line(widths []int, cells []string, c *color.Color) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = cell + strings.Repeat(" ", widths[i]-utf8.RuneCountInString(cell))
	}
	text := strings.TrimRight(strings.Join(parts, "  "), " ")
	if c == nil {
		fmt.Fprintln(t.writer, text)
		return
	}
	c.Fprintln(t.writer, text)
}

func (t *Table) color(attrs ...color.Attribute) *color.Color {
	c := color.New(attrs...)
	if t.noColor {
		c.DisableColor()
	}
	return c
}

// Step prints a numbered scenario heading such as "[2] load member"
func Step(w io.Writer, n int, title string, noColor bool) {
	c := color.New(color.Bold, color.FgCyan)
	if noColor {
		c.DisableColor()
	}
	c.Fprintf(w, "[%d] %s\n", n, title)
}

// Success prints a green check line
func Success(w io.Writer, message string, noColor bool) {
	c := color.New(color.FgGreen, color.Bold)
	if noColor {
		c.DisableColor()
	}
	c.Fprintf(w, "✓ %s\n", message)
}
