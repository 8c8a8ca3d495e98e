// Package workflow drives features through phased development workflows:
// each phase demands artifacts, and submitting them advances the feature
// and yields the prompt for the next phase.
package workflow

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"foreman/internal/domain/project"
	"foreman/internal/errors"
	"foreman/internal/logging"
	"foreman/internal/shared/utils/id"
)

// Phase is one step of a workflow definition.
type Phase struct {
	Key string
	// Status the feature carries while working this phase. Empty keeps the
	// feature's previous status.
	Status project.FeatureStatus
	// RequiredKeys must all be present in the submitted artifact payload.
	RequiredKeys []string
	// Next is the key of the following phase; empty marks the last phase.
	Next string
}

// Definition is an ordered, named workflow.
type Definition struct {
	Type   string
	Phases []Phase
}

// First returns the entry phase.
func (d Definition) First() Phase {
	return d.Phases[0]
}

// Phase finds a phase by key.
func (d Definition) Phase(key string) (Phase, bool) {
	for _, phase := range d.Phases {
		if phase.Key == key {
			return phase, true
		}
	}
	return Phase{}, false
}

// DefaultWorkflowType names the built-in feature development workflow.
const DefaultWorkflowType = "feature_development"

// FeatureDevelopment is the built-in six-phase workflow.
func FeatureDevelopment() Definition {
	return Definition{
		Type: DefaultWorkflowType,
		Phases: []Phase{
			{Key: "define", Status: project.FeatureDefining, RequiredKeys: []string{"definition"}, Next: "decompose"},
			{Key: "decompose", Status: project.FeatureDecomposing, RequiredKeys: []string{"tasks"}, Next: "design"},
			{Key: "design", Status: project.FeatureDesigning, RequiredKeys: []string{"design"}, Next: "implement"},
			{Key: "implement", Status: project.FeatureImplementing, RequiredKeys: []string{"changes"}, Next: "test"},
			{Key: "test", Status: project.FeatureTesting, RequiredKeys: []string{"test_results"}, Next: "review"},
			{Key: "review", Status: project.FeatureReviewing, RequiredKeys: []string{"review"}},
		},
	}
}

// Engine validates and applies workflow transitions against the project
// store. All feature mutation happens under the owning project's lock.
type Engine struct {
	store   *project.Store
	defs    map[string]Definition
	prompts *promptLoader
	logger  logging.Logger
}

// NewEngine builds an engine with the built-in workflow registered.
func NewEngine(store *project.Store, logger logging.Logger) *Engine {
	e := &Engine{
		store:   store,
		defs:    make(map[string]Definition),
		prompts: newPromptLoader(),
		logger:  logging.OrNop(logger),
	}
	e.RegisterWorkflow(FeatureDevelopment())
	return e
}

// RegisterWorkflow adds or replaces a workflow definition.
func (e *Engine) RegisterWorkflow(def Definition) {
	if def.Type == "" || len(def.Phases) == 0 {
		return
	}
	e.defs[def.Type] = def
}

// Workflows lists registered workflow types, sorted.
func (e *Engine) Workflows() []string {
	out := make([]string, 0, len(e.defs))
	for name := range e.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// StartResult is what a newly started feature hands back to the caller.
type StartResult struct {
	Feature        project.Feature `json:"feature"`
	FeatureID      string          `json:"feature_id"`
	Phase          string          `json:"phase"`
	RenderedPrompt string          `json:"rendered_prompt"`
}

// StartFeature creates a feature on the project registered at projectPath
// and returns the prompt for its first phase. The project must be ACTIVE.
func (e *Engine) StartFeature(projectPath, userPrompt, workflowType string) (StartResult, error) {
	if strings.TrimSpace(userPrompt) == "" {
		return StartResult{}, errors.Validationf("user_prompt must not be empty")
	}
	if workflowType == "" {
		workflowType = DefaultWorkflowType
	}
	def, ok := e.defs[workflowType]
	if !ok {
		return StartResult{}, errors.Validationf("unknown workflow type %q", workflowType).
			WithHint("registered workflows: " + strings.Join(e.Workflows(), ", "))
	}

	p, err := e.store.GetByPath(projectPath)
	if err != nil {
		return StartResult{}, err
	}
	switch p.Status {
	case project.StatusActive:
	case project.StatusReadOnly:
		return StartResult{}, errors.Newf(errors.KindReadOnly,
			"project %s is read-only", p.ID)
	default:
		return StartResult{}, errors.Newf(errors.KindInvalidProjectState,
			"project %s is %s, features need an ACTIVE project", p.ID, p.Status)
	}

	first := def.First()
	now := time.Now().UTC()
	feature := project.Feature{
		ID:           id.NewFeatureID(),
		ProjectID:    p.ID,
		Prompt:       userPrompt,
		Status:       first.Status,
		WorkflowType: workflowType,
		CurrentPhase: first.Key,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	saved, err := e.store.Update(p.ID, func(proj *project.Project) error {
		proj.Features = append(proj.Features, feature)
		return nil
	})
	if err != nil {
		return StartResult{}, err
	}

	e.logger.Info("feature %s started on project %s in phase %s", feature.ID, p.ID, first.Key)
	return StartResult{
		Feature:        feature,
		FeatureID:      feature.ID,
		Phase:          first.Key,
		RenderedPrompt: e.renderPhasePrompt(saved, feature, first),
	}, nil
}

// SubmitResult reports the outcome of a phase submission.
type SubmitResult struct {
	Status         string          `json:"status"`
	Feature        project.Feature `json:"feature"`
	NextPhase      string          `json:"next_phase,omitempty"`
	RenderedPrompt string          `json:"rendered_prompt,omitempty"`
}

// SubmitPhase records the artifacts for the feature's current phase and
// advances it. Submitting the last phase completes the feature.
func (e *Engine) SubmitPhase(projectPath, featureID, phaseKey string, artifacts map[string]any) (SubmitResult, error) {
	p, err := e.store.GetByPath(projectPath)
	if err != nil {
		return SubmitResult{}, err
	}

	var (
		result    SubmitResult
		nextPhase Phase
		hasNext   bool
	)
	saved, err := e.store.Update(p.ID, func(proj *project.Project) error {
		feature := proj.Feature(featureID)
		if feature == nil {
			return errors.NotFoundf("feature %s not found on project %s", featureID, proj.ID)
		}
		if feature.Status.IsTerminal() {
			return errors.Newf(errors.KindTerminalState,
				"feature %s is already %s", featureID, feature.Status)
		}
		if feature.CurrentPhase != phaseKey {
			return errors.Newf(errors.KindPhaseMismatch,
				"feature %s is in phase %q, not %q", featureID, feature.CurrentPhase, phaseKey)
		}

		def, ok := e.defs[feature.WorkflowType]
		if !ok {
			return errors.Validationf("feature %s references unknown workflow %q", featureID, feature.WorkflowType)
		}
		phase, ok := def.Phase(phaseKey)
		if !ok {
			return errors.Validationf("workflow %s has no phase %q", def.Type, phaseKey)
		}
		if err := validateArtifacts(phase, artifacts); err != nil {
			return err
		}

		now := time.Now().UTC()
		feature.Artifacts = append(feature.Artifacts, project.Artifact{
			Phase:       phaseKey,
			Payload:     artifacts,
			SubmittedAt: now,
		})
		feature.UpdatedAt = now

		if phase.Next == "" {
			feature.Status = project.FeatureCompleted
			feature.CurrentPhase = ""
			result.Status = "completed"
		} else {
			nextPhase, hasNext = def.Phase(phase.Next)
			if !hasNext {
				return errors.Validationf("workflow %s phase %q points at missing phase %q",
					def.Type, phaseKey, phase.Next)
			}
			feature.CurrentPhase = nextPhase.Key
			if nextPhase.Status != "" {
				feature.Status = nextPhase.Status
			}
			result.Status = "success"
			result.NextPhase = nextPhase.Key
		}
		result.Feature = feature.Clone()
		return nil
	})
	if err != nil {
		return SubmitResult{}, err
	}

	if hasNext {
		result.RenderedPrompt = e.renderPhasePrompt(saved, result.Feature, nextPhase)
	}
	e.logger.Info("feature %s phase %s submitted, status %s", featureID, phaseKey, result.Status)
	return result, nil
}

// validateArtifacts checks payload shape only: every required key must be
// present with a non-empty value.
func validateArtifacts(phase Phase, artifacts map[string]any) error {
	var missing []string
	for _, key := range phase.RequiredKeys {
		value, ok := artifacts[key]
		if !ok || value == nil {
			missing = append(missing, key)
			continue
		}
		if s, isString := value.(string); isString && strings.TrimSpace(s) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return errors.Newf(errors.KindArtifactValidation,
			"phase %q requires artifacts: %s", phase.Key, strings.Join(missing, ", "))
	}
	return nil
}

// summarizeArtifacts renders the trail of submitted artifacts for prompts.
func summarizeArtifacts(feature project.Feature) string {
	if len(feature.Artifacts) == 0 {
		return "none yet"
	}
	var b strings.Builder
	for _, artifact := range feature.Artifacts {
		keys := make([]string, 0, len(artifact.Payload))
		for key := range artifact.Payload {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		fmt.Fprintf(&b, "- %s: %s\n", artifact.Phase, strings.Join(keys, ", "))
	}
	return strings.TrimSpace(b.String())
}
