package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable writes a tab-aligned table with a header row.
func printTable(w io.Writer, header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// render prints v as JSON when --json is set, otherwise as a table.
func (e *Env) render(w io.Writer, v interface{}, header []string, rows [][]string) error {
	if e.jsonOutput {
		return printJSON(w, v)
	}
	return printTable(w, header, rows)
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
