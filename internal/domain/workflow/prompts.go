package workflow

import (
	"embed"
	"fmt"
	"strings"

	"foreman/internal/domain/project"
)

//go:embed prompts/*.md
var promptFS embed.FS

// promptLoader holds the embedded phase prompt templates. Rendering is plain
// {{Variable}} substitution.
type promptLoader struct {
	templates map[string]string
}

func newPromptLoader() *promptLoader {
	loader := &promptLoader{templates: make(map[string]string)}
	entries, err := promptFS.ReadDir("prompts")
	if err != nil {
		return loader
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		content, err := promptFS.ReadFile("prompts/" + entry.Name())
		if err != nil {
			continue
		}
		loader.templates[strings.TrimSuffix(entry.Name(), ".md")] = string(content)
	}
	return loader
}

// render substitutes variables into the named template. Phases without a
// dedicated template fall back to the generic one.
func (l *promptLoader) render(name string, variables map[string]string) string {
	content, ok := l.templates[name]
	if !ok {
		content = l.templates["phase"]
	}
	for key, value := range variables {
		content = strings.ReplaceAll(content, fmt.Sprintf("{{%s}}", key), value)
	}
	return strings.TrimSpace(content)
}

func (e *Engine) renderPhasePrompt(proj project.Project, feature project.Feature, phase Phase) string {
	return e.prompts.render(phase.Key, map[string]string{
		"ProjectName":    proj.Name,
		"ProjectPath":    proj.Path,
		"FeatureID":      feature.ID,
		"FeaturePrompt":  feature.Prompt,
		"PhaseKey":       phase.Key,
		"RequiredKeys":   strings.Join(phase.RequiredKeys, ", "),
		"PriorArtifacts": summarizeArtifacts(feature),
	})
}
