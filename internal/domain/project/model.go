// Package project manages registered project state: one JSON file per
// project plus a registry index mapping paths to ids.
package project

import (
	"time"
)

// Status is the lifecycle state of a registered project.
type Status string

const (
	StatusOnboarding Status = "ONBOARDING"
	StatusActive     Status = "ACTIVE"
	StatusArchived   Status = "ARCHIVED"
	StatusReadOnly   Status = "READ_ONLY"
	StatusError      Status = "ERROR"
)

// IsValid reports whether the status is a known token.
func (s Status) IsValid() bool {
	switch s {
	case StatusOnboarding, StatusActive, StatusArchived, StatusReadOnly, StatusError:
		return true
	default:
		return false
	}
}

// FeatureStatus tracks a feature through its workflow phases.
type FeatureStatus string

const (
	FeatureDefining     FeatureStatus = "DEFINING"
	FeatureDecomposing  FeatureStatus = "DECOMPOSING"
	FeatureDesigning    FeatureStatus = "DESIGNING"
	FeatureImplementing FeatureStatus = "IMPLEMENTING"
	FeatureTesting      FeatureStatus = "TESTING"
	FeatureReviewing    FeatureStatus = "REVIEWING"
	FeatureCompleted    FeatureStatus = "COMPLETED"
	FeatureFailed       FeatureStatus = "FAILED"
)

// IsTerminal reports whether the feature can take no further phases.
func (s FeatureStatus) IsTerminal() bool {
	return s == FeatureCompleted || s == FeatureFailed
}

// Artifact is the payload submitted for one completed phase. Artifacts are
// kept in submission order.
type Artifact struct {
	Phase       string         `json:"phase"`
	Payload     map[string]any `json:"payload"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// Feature is one unit of product work moving through a workflow.
type Feature struct {
	ID           string        `json:"id"`
	ProjectID    string        `json:"project_id"`
	Prompt       string        `json:"prompt"`
	Status       FeatureStatus `json:"status"`
	WorkflowType string        `json:"workflow_type"`
	CurrentPhase string        `json:"current_phase"`
	Artifacts    []Artifact    `json:"artifacts,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Clone returns a deep copy of the feature.
func (f *Feature) Clone() Feature {
	out := *f
	if f.Artifacts != nil {
		out.Artifacts = make([]Artifact, len(f.Artifacts))
		for i, artifact := range f.Artifacts {
			copied := artifact
			if artifact.Payload != nil {
				copied.Payload = make(map[string]any, len(artifact.Payload))
				for k, v := range artifact.Payload {
					copied.Payload[k] = v
				}
			}
			out.Artifacts[i] = copied
		}
	}
	return out
}

// Project is the persisted state of one registered project directory.
type Project struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Path      string            `json:"path"`
	Status    Status            `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Features  []Feature         `json:"features,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy safe to hand outside the store.
func (p *Project) Clone() Project {
	out := *p
	if p.Features != nil {
		out.Features = make([]Feature, len(p.Features))
		for i := range p.Features {
			out.Features[i] = p.Features[i].Clone()
		}
	}
	if p.Metadata != nil {
		out.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Feature returns a pointer to the feature with the given id, or nil. Callers
// must hold the project's lock through the store.
func (p *Project) Feature(featureID string) *Feature {
	for i := range p.Features {
		if p.Features[i].ID == featureID {
			return &p.Features[i]
		}
	}
	return nil
}
