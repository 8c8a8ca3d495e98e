package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"foreman/internal/delivery/client"
	"foreman/internal/domain/task"
)

// printJSON renders any API payload for scripting.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// printError renders a failed command. API errors keep their envelope shape:
// code, message, hint and the correlation id for the server logs.
func printError(err error) {
	if apiErr, ok := client.AsAPIError(err); ok {
		fmt.Fprintf(os.Stderr, "%s %s\n", red("❌"), apiErr.Error())
		if apiErr.Envelope.Hint != "" {
			fmt.Fprintf(os.Stderr, "%s %s\n", yellow("💡"), apiErr.Envelope.Hint)
		}
		if apiErr.CorrelationID != "" {
			fmt.Fprintln(os.Stderr, gray("correlation id: "+apiErr.CorrelationID))
		}
		return
	}
	fmt.Fprintf(os.Stderr, "%s %v\n", red("❌"), err)
}

func statusPaint(s task.Status) func(...any) string {
	switch s {
	case task.StatusQueued:
		return yellow
	case task.StatusRunning:
		return blue
	case task.StatusCompleted:
		return green
	case task.StatusFailed:
		return red
	case task.StatusCancelled:
		return gray
	default:
		return fmt.Sprint
	}
}

func statusColor(s task.Status) string {
	return statusPaint(s)(string(s))
}

// parsePairs turns repeated key=value flags into a map.
func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%q is not key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}

// buildResults merges a raw JSON object with key=value overrides into the
// artifact payload for a phase submission.
func buildResults(raw string, pairs []string) (map[string]any, error) {
	results := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &results); err != nil {
			return nil, fmt.Errorf("--results-json must be a JSON object: %w", err)
		}
	}
	kv, err := parsePairs(pairs)
	if err != nil {
		return nil, err
	}
	for key, value := range kv {
		results[key] = value
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results, nil
}

// pad right-pads s with spaces to width, counting runes, not bytes.
func pad(s string, width int) string {
	if n := width - len([]rune(s)); n > 0 {
		return s + strings.Repeat(" ", n)
	}
	return s
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}

// formatAge renders how long ago t was, in the largest useful unit.
func formatAge(t time.Time) string {
	age := time.Since(t)
	switch {
	case age < 0:
		return "0s"
	case age < time.Minute:
		return fmt.Sprintf("%ds", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh%dm", int(age.Hours()), int(age.Minutes())%60)
	default:
		return fmt.Sprintf("%dd", int(age.Hours()/24))
	}
}
