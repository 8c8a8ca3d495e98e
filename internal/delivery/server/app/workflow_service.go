package app

import (
	"context"
	"strings"

	"foreman/internal/domain/project"
	"foreman/internal/domain/workflow"
	"foreman/internal/errors"
	"foreman/internal/logging"
	"foreman/internal/observability"
)

// WorkflowService fronts feature workflows and the project registry.
type WorkflowService struct {
	engine   *workflow.Engine
	projects *project.Store
	recorder *observability.Recorder
	logger   logging.Logger
}

// NewWorkflowService wires the service. recorder may be nil.
func NewWorkflowService(engine *workflow.Engine, projects *project.Store,
	recorder *observability.Recorder, logger logging.Logger) *WorkflowService {
	return &WorkflowService{
		engine:   engine,
		projects: projects,
		recorder: recorder,
		logger:   logging.OrNop(logger),
	}
}

// FeatureReceipt acknowledges a started feature with its first prompt.
type FeatureReceipt struct {
	FeatureID      string `json:"feature_id"`
	Phase          string `json:"phase"`
	RenderedPrompt string `json:"rendered_prompt"`
}

// StartFeature begins a workflow on the project registered at projectPath.
func (s *WorkflowService) StartFeature(ctx context.Context, projectPath, userPrompt, workflowType string) (FeatureReceipt, error) {
	if strings.TrimSpace(projectPath) == "" {
		return FeatureReceipt{}, errors.Validationf("project_path must not be empty")
	}
	started, err := s.engine.StartFeature(projectPath, userPrompt, workflowType)
	if err != nil {
		return FeatureReceipt{}, err
	}
	s.recorder.Counter(ctx, "foreman.features.started", 1,
		map[string]string{"workflow": started.Feature.WorkflowType})
	return FeatureReceipt{
		FeatureID:      started.FeatureID,
		Phase:          started.Phase,
		RenderedPrompt: started.RenderedPrompt,
	}, nil
}

// WorkReceipt reports a phase submission: status "success" with the next
// phase's prompt, or "completed" when the last phase was submitted.
type WorkReceipt struct {
	Status         string `json:"status"`
	NextPhase      string `json:"next_phase,omitempty"`
	RenderedPrompt string `json:"rendered_prompt,omitempty"`
}

// SubmitWork records the artifacts for the feature's current phase and
// advances it.
func (s *WorkflowService) SubmitWork(ctx context.Context, projectPath, featureID, phaseID string, results map[string]any) (WorkReceipt, error) {
	if strings.TrimSpace(projectPath) == "" {
		return WorkReceipt{}, errors.Validationf("project_path must not be empty")
	}
	if strings.TrimSpace(featureID) == "" {
		return WorkReceipt{}, errors.Validationf("feature_id must not be empty")
	}
	if strings.TrimSpace(phaseID) == "" {
		return WorkReceipt{}, errors.Validationf("phase_id must not be empty")
	}
	submitted, err := s.engine.SubmitPhase(projectPath, featureID, phaseID, results)
	if err != nil {
		return WorkReceipt{}, err
	}
	s.recorder.Counter(ctx, "foreman.features.phase_submissions", 1,
		map[string]string{"phase": phaseID, "status": submitted.Status})
	return WorkReceipt{
		Status:         submitted.Status,
		NextPhase:      submitted.NextPhase,
		RenderedPrompt: submitted.RenderedPrompt,
	}, nil
}

// RegisterProject adds a project to the registry, or returns the existing
// record when the path is already registered.
func (s *WorkflowService) RegisterProject(ctx context.Context, name, path string) (project.Project, error) {
	if strings.TrimSpace(path) == "" {
		return project.Project{}, errors.Validationf("path must not be empty")
	}
	registered, err := s.projects.Register(name, path)
	if err != nil {
		return project.Project{}, err
	}
	s.recorder.Counter(ctx, "foreman.projects.registered", 1, nil)
	return registered, nil
}

// Projects lists every registered project.
func (s *WorkflowService) Projects(ctx context.Context) []project.Project {
	return s.projects.ListAll()
}

// Workflows lists the registered workflow type names.
func (s *WorkflowService) Workflows() []string {
	return s.engine.Workflows()
}
