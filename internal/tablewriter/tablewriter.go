// Package tablewriter renders ASCII tables for the CLI. Cell widths are
// measured by display width, so colored cells and wide runes line up.
package tablewriter

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/mattn/go-runewidth"
)

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// Writer accumulates rows and renders them as a bordered ASCII table.
type Writer struct {
	out     io.Writer
	headers []string
	rows    [][]string
	widths  []int
	columns int
}

// stripANSI removes ANSI escape sequences from a string
func stripANSI(s string) string {
	return ansiRegex.ReplaceAllString(s, "")
}

// displayWidth returns the terminal cell width of a string, ignoring ANSI
// color codes.
func displayWidth(s string) int {
	return runewidth.StringWidth(stripANSI(s))
}

// NewWriter creates a table writer that renders to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{out: w}
}

// Header sets the column headers and fixes the column count.
func (t *Writer) Header(headers []string) {
	t.headers = headers
	t.columns = len(headers)
	t.updateWidths(headers)
}

// Append adds one row. Cells beyond the header column count are dropped.
func (t *Writer) Append(row []string) {
	t.rows = append(t.rows, row)
	t.updateWidths(row)
}

func (t *Writer) updateWidths(row []string) {
	limit := len(row)
	if t.columns > 0 && limit > t.columns {
		limit = t.columns
	}
	for i := 0; i < limit; i++ {
		if i >= len(t.widths) {
			t.widths = append(t.widths, 0)
		}
		if width := displayWidth(row[i]); width > t.widths[i] {
			t.widths[i] = width
		}
	}
	if t.columns == 0 && len(t.widths) > t.columns {
		t.columns = len(t.widths)
	}
}

// Render writes the table. An empty table renders nothing.
func (t *Writer) Render() {
	if len(t.headers) == 0 && len(t.rows) == 0 {
		return
	}
	t.printBorder()
	if len(t.headers) > 0 {
		t.printRow(t.headers)
		t.printBorder()
	}
	for _, row := range t.rows {
		t.printRow(row)
	}
	t.printBorder()
}

func (t *Writer) printBorder() {
	fmt.Fprint(t.out, "+")
	for _, width := range t.widths {
		fmt.Fprint(t.out, strings.Repeat("-", width+2))
		fmt.Fprint(t.out, "+")
	}
	fmt.Fprintln(t.out)
}

func (t *Writer) printRow(row []string) {
	fmt.Fprint(t.out, "|")
	for i := 0; i < len(t.widths); i++ {
		cell := ""
		if i < len(row) {
			cell = row[i]
		}
		padding := t.widths[i] - displayWidth(cell)
		fmt.Fprintf(t.out, " %s%s |", cell, strings.Repeat(" ", padding))
	}
	fmt.Fprintln(t.out)
}
