package agents

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

const maxSummaryLen = 2000

// Result is the structured outcome extracted from an agent's stdout. Agents
// that emit a JSON object get it parsed into Data; everything else falls back
// to a plain-text summary.
type Result struct {
	Summary string         `json:"summary"`
	Files   []string       `json:"files,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Raw     string         `json:"-"`
}

// ParseResult extracts a Result from raw agent stdout. It looks for a JSON
// object on the trailing lines first, repairing near-JSON the way assistant
// CLIs tend to emit it, and otherwise summarizes the plain text.
func ParseResult(stdout string) Result {
	result := Result{Raw: stdout}
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		result.Summary = "(no output)"
		return result
	}

	lines := strings.Split(trimmed, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		candidate := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(candidate, "{") {
			continue
		}
		data, ok := parseObject(candidate)
		if !ok {
			continue
		}
		result.Data = data
		if summary, ok := data["summary"].(string); ok {
			result.Summary = truncate(summary)
		}
		if files, ok := data["files"].([]any); ok {
			for _, f := range files {
				if s, ok := f.(string); ok {
					result.Files = append(result.Files, s)
				}
			}
		}
		break
	}

	if result.Summary == "" {
		result.Summary = truncate(trimmed)
	}
	return result
}

func parseObject(candidate string) (map[string]any, bool) {
	var data map[string]any
	if err := json.Unmarshal([]byte(candidate), &data); err == nil {
		return data, true
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return nil, false
	}
	if err := json.Unmarshal([]byte(repaired), &data); err != nil {
		return nil, false
	}
	return data, true
}

func truncate(s string) string {
	if len(s) <= maxSummaryLen {
		return s
	}
	return s[:maxSummaryLen] + "..."
}
