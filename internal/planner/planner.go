// Package planner defines the interface the kernel consumes to obtain
// plans, change proposals and corrective steps. Implementations are
// external to the core; the shipped command planner invokes a configured
// subprocess, and tests use a scripted planner.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/metalagman/deeprun/internal/correction"
	"github.com/metalagman/deeprun/internal/filesession"
)

// StepType classifies what a plan step does to the workspace.
type StepType string

const (
	StepAnalyze StepType = "analyze"
	StepModify  StepType = "modify"
	StepVerify  StepType = "verify"
)

// Step is one planned unit of work. Corrective steps carry the
// _deepCorrection envelope mirroring the classifier output and constraint
// they were synthesized from.
type Step struct {
	ID         string              `json:"id"`
	Type       StepType            `json:"type"`
	Tool       string              `json:"tool"`
	Input      json.RawMessage     `json:"input,omitempty"`
	Mutates    bool                `json:"mutates"`
	Correction *CorrectionEnvelope `json:"_deepCorrection,omitempty"`
}

// CorrectionEnvelope records why a corrective step exists and what bounds
// it. The kernel enforces the constraint during step validation.
type CorrectionEnvelope struct {
	Phase          string                `json:"phase"`
	Attempt        int                   `json:"attempt"`
	FailedStepID   string                `json:"failedStepId"`
	Classification correction.Profile    `json:"classification"`
	Constraint     correction.Constraint `json:"constraint"`
	CreatedAt      string                `json:"createdAt"`
}

// AttemptSuffixMatches reports whether the step id ends in "-<attempt>",
// the shape the correction policy requires of corrective steps.
func (s Step) AttemptSuffixMatches() bool {
	if s.Correction == nil {
		return true
	}
	want := "-" + strconv.Itoa(s.Correction.Attempt)
	return strings.HasSuffix(s.ID, want)
}

// Plan is an ordered step sequence for one run.
type Plan struct {
	Steps []Step `json:"steps"`
}

// PlanRequest asks for an initial plan toward a goal.
type PlanRequest struct {
	RunID     string         `json:"runId"`
	ProjectID string         `json:"projectId"`
	Goal      string         `json:"goal"`
	Context   map[string]any `json:"context,omitempty"`
}

// ProposeRequest asks the planner to materialize the file changes for one
// mutating step. The kernel stages whatever comes back; session budgets
// and correction scopes apply afterwards.
type ProposeRequest struct {
	RunID     string          `json:"runId"`
	ProjectID string          `json:"projectId"`
	Goal      string          `json:"goal"`
	Step      Step            `json:"step"`
	Input     json.RawMessage `json:"input,omitempty"`
	// Files lists the current worktree paths so the planner can anchor
	// updates on real content hashes.
	Files []FileStat `json:"files,omitempty"`
}

// FileStat is one worktree file visible to the planner.
type FileStat struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	ContentHash string `json:"contentHash"`
}

// CorrectionRequest asks for corrective steps after a failure.
type CorrectionRequest struct {
	RunID        string                `json:"runId"`
	FailedStepID string                `json:"failedStepId"`
	Attempt      int                   `json:"attempt"`
	Profile      correction.Profile    `json:"profile"`
	Constraint   correction.Constraint `json:"constraint"`
}

// Planner produces plans and change proposals. Implementations must be
// pure with respect to kernel state: they see requests and return values,
// never the store.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (Plan, error)
	ProposeChanges(ctx context.Context, req ProposeRequest) ([]filesession.Change, error)
	PlanCorrection(ctx context.Context, req CorrectionRequest) ([]Step, error)
}

// ValidatePlan rejects plans the kernel cannot execute: empty ids,
// unknown step types, duplicate ids.
func ValidatePlan(p Plan) error {
	seen := make(map[string]bool, len(p.Steps))
	for i, step := range p.Steps {
		if step.ID == "" {
			return fmt.Errorf("step %d has no id", i)
		}
		if seen[step.ID] {
			return fmt.Errorf("duplicate step id %q", step.ID)
		}
		seen[step.ID] = true
		switch step.Type {
		case StepAnalyze, StepModify, StepVerify:
		default:
			return fmt.Errorf("step %q has unknown type %q", step.ID, step.Type)
		}
		if step.Tool == "" {
			return fmt.Errorf("step %q has no tool", step.ID)
		}
	}
	return nil
}
