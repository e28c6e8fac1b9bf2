package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// printWarn prints a warning to the screen.
func printWarn(message string) {
	message = "[-] " + message

	color.New(color.FgYellow, color.Bold).Println(message)
}

// printError prints an error to the screen.
func printError(err error) {
	message := "[!] " + err.Error()

	color.New(color.FgRed, color.Bold).Println(message)
}

// printSuccess prints a success message to the screen.
func printSuccess(w io.Writer, message string) {
	color.New(color.FgGreen, color.Bold).Fprintln(w, "[+] "+message)
}

// title converts a dashed name like "set-policy" into "Set Policy".
func title(name string) string {
	return cases.Title(language.Und, cases.NoLower).String(strings.ReplaceAll(name, "-", " "))
}

// table prints aligned rows of cells, with a bold header.
type table struct {
	header []string
	rows   [][]string
	colors []*color.Color
}

func newTable(header ...string) *table {
	return &table{header: header}
}

// add adds a row. A nil color prints the row uncolored.
func (t *table) add(c *color.Color, cells ...string) {
	t.rows = append(t.rows, cells)
	t.colors = append(t.colors, c)
}

func (t *table) print(w io.Writer) {
	widths := make([]int, len(t.header))
	for i, cell := range t.header {
		widths[i] = runewidth.StringWidth(cell)
	}

	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], runewidth.StringWidth(cell))
			}
		}
	}

	line := func(cells []string) string {
		var sb strings.Builder

		for i, cell := range cells {
			if i >= len(widths) {
				break
			}

			if i > 0 {
				sb.WriteString("  ")
			}

			if i == len(cells)-1 {
				sb.WriteString(cell)
				continue
			}

			sb.WriteString(runewidth.FillRight(cell, widths[i]))
		}

		return sb.String()
	}

	color.New(color.Bold).Fprintln(w, line(t.header))

	for i, row := range t.rows {
		if c := t.colors[i]; c != nil {
			c.Fprintln(w, line(row))
			continue
		}

		fmt.Fprintln(w, line(row))
	}
}
