package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
)

// outputFormat is set by the root command's -o flag.
// Supported values: "table" (default), "json", "yaml".
var outputFormat string

// printTable writes tabular data to stdout using aligned columns.
func printTable(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
}

// printJSON writes the value as pretty-printed JSON to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printYAML writes the value as YAML to stdout.
func printYAML(v interface{}) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}

// printOutput dispatches to JSON, YAML, or table output based on outputFormat.
// For table output each element of items becomes one row via toRow.
func printOutput[T any](v interface{}, items []T, headers []string, toRow func(T) []string) error {
	switch outputFormat {
	case "json":
		if err := printJSON(v); err != nil {
			return fmt.Errorf("failed to encode JSON: %w", err)
		}
	case "yaml":
		if err := printYAML(v); err != nil {
			return fmt.Errorf("failed to encode YAML: %w", err)
		}
	case "table", "":
		rows := make([][]string, 0, len(items))
		for _, item := range items {
			rows = append(rows, toRow(item))
		}
		printTable(headers, rows)
	default:
		return fmt.Errorf("unknown output format %q", outputFormat)
	}
	return nil
}

// formatAge returns a human-readable duration string relative to the given
// time, such as "5s", "3m", "2h", "4d". Returns "<unknown>" for zero times.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "<unknown>"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// colorState colors a system state for terminal output.
func colorState(state v1alpha1.SystemState) string {
	switch state {
	case v1alpha1.SystemReady:
		return color.GreenString(string(state))
	case v1alpha1.SystemConnecting:
		return color.YellowString(string(state))
	case v1alpha1.SystemFailed:
		return color.RedString(string(state))
	default:
		return color.HiBlackString(string(state))
	}
}

func printField(label, value string) {
	if value == "" {
		value = "<none>"
	}
	fmt.Printf("%-24s%s\n", label+":", value)
}

func formatMap(m map[string]string) string {
	if len(m) == 0 {
		return "<none>"
	}
	parts := make([]string, 0, len(m))
	for k, v := range m {
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

func formatStringSlice(items []string) string {
	if len(items) == 0 {
		return "<none>"
	}
	return strings.Join(items, " ")
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02 15:04:05")
}
