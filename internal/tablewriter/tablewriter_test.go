package tablewriter

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"
)

func TestEmptyTable(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Render()
	require.Empty(t, buf.String())
}

func TestTableWithHeadersAndRows(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Header([]string{"EPIC", "PHASE", "SPENT"})
	w.Append([]string{"epic-1", "executing", "3.50"})
	w.Append([]string{"epic-2", "complete", "12.00"})
	w.Render()

	expected := `+--------+-----------+-------+
| EPIC   | PHASE     | SPENT |
+--------+-----------+-------+
| epic-1 | executing | 3.50  |
| epic-2 | complete  | 12.00 |
+--------+-----------+-------+
`
	require.Equal(t, expected, buf.String())
}

func TestExtraColumnsDropped(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Header([]string{"A", "B"})
	w.Append([]string{"1", "2", "3"})
	w.Render()
	require.NotContains(t, buf.String(), "3")
}

func TestShortRowsPadded(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Header([]string{"A", "B"})
	w.Append([]string{"only"})
	w.Render()
	require.Contains(t, buf.String(), "| only |")
}

func TestColoredCellsDoNotSkewWidths(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Header([]string{"PHASE"})

	c := color.New(color.FgGreen)
	c.EnableColor()
	w.Append([]string{c.Sprint("done")})
	w.Append([]string{"pending"})
	w.Render()

	for _, line := range bytes.Split(buf.Bytes(), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		require.Equal(t, 11, displayWidth(string(line)), "line %q", line)
	}
}

func TestWideRunes(t *testing.T) {
	require.Equal(t, 4, displayWidth("日本"))
	require.Equal(t, 4, displayWidth("\x1b[31m日本\x1b[0m"))
}
