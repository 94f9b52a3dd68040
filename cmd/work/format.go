package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	statusColors = map[string]string{
		"complete": "10",
		"pool":     "10",
		"ready_task": "10",
		"running":  "11",
		"in_use":   "11",
		"failed":   "9",
		"canceled": "8",
		"removed":  "8",
	}
)

// printJSON writes v as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// styleStatus colors a status cell in human output.
func styleStatus(status string) string {
	if c, ok := statusColors[status]; ok {
		return lipgloss.NewStyle().Foreground(lipgloss.Color(c)).Render(status)
	}
	return status
}

// printTable renders rows per the --format flag: aligned and styled for
// human, tab-separated for plain.
func printTable(headers []string, rows [][]string) {
	if outputFormat == "plain" {
		for _, row := range rows {
			fmt.Println(strings.Join(row, "\t"))
		}
		return
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var b strings.Builder
	for i, h := range headers {
		b.WriteString(pad(h, widths[i]))
		if i < len(headers)-1 {
			b.WriteString("  ")
		}
	}
	fmt.Println(headerStyle.Render(b.String()))

	for _, row := range rows {
		var rb strings.Builder
		for i, cell := range row {
			padded := pad(cell, widths[i])
			if headers[i] == "STATUS" {
				padded = styleStatus(cell) + strings.Repeat(" ", widths[i]-len(cell))
			}
			rb.WriteString(padded)
			if i < len(row)-1 {
				rb.WriteString("  ")
			}
		}
		fmt.Println(rb.String())
	}
}

func pad(s string, w int) string {
	if len(s) >= w {
		return s
	}
	return s + strings.Repeat(" ", w-len(s))
}

// printStaged reports a 202 staging result: id plus current status.
func printStaged(kind, id, status string) {
	if outputFormat == "plain" {
		fmt.Printf("%s\t%s\n", id, status)
		return
	}
	fmt.Printf("%s %s %s\n", kind, id, dimStyle.Render("("+status+")"))
}

// shortID truncates a uuid for human display.
func shortID(id string) string {
	if outputFormat != "human" || len(id) < 8 {
		return id
	}
	return id[:8]
}
