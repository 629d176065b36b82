// Package plannertest provides a scripted planner for kernel tests. Each
// operation is a function field; unset fields return empty results so
// tests only script what they assert on.
package plannertest

import (
	"context"
	"sync"

	"github.com/metalagman/deeprun/internal/filesession"
	"github.com/metalagman/deeprun/internal/planner"
)

// Scripted is a planner driven by test-provided functions. It records every
// request it receives.
type Scripted struct {
	PlanFunc       func(planner.PlanRequest) (planner.Plan, error)
	ProposeFunc    func(planner.ProposeRequest) ([]filesession.Change, error)
	CorrectionFunc func(planner.CorrectionRequest) ([]planner.Step, error)

	mu          sync.Mutex
	planCalls   []planner.PlanRequest
	proposals   []planner.ProposeRequest
	corrections []planner.CorrectionRequest
}

var _ planner.Planner = (*Scripted)(nil)

// Plan runs PlanFunc or returns an empty plan.
func (s *Scripted) Plan(_ context.Context, req planner.PlanRequest) (planner.Plan, error) {
	s.mu.Lock()
	s.planCalls = append(s.planCalls, req)
	s.mu.Unlock()
	if s.PlanFunc == nil {
		return planner.Plan{}, nil
	}
	return s.PlanFunc(req)
}

// ProposeChanges runs ProposeFunc or returns no changes.
func (s *Scripted) ProposeChanges(_ context.Context, req planner.ProposeRequest) ([]filesession.Change, error) {
	s.mu.Lock()
	s.proposals = append(s.proposals, req)
	s.mu.Unlock()
	if s.ProposeFunc == nil {
		return nil, nil
	}
	return s.ProposeFunc(req)
}

// PlanCorrection runs CorrectionFunc or returns no steps.
func (s *Scripted) PlanCorrection(_ context.Context, req planner.CorrectionRequest) ([]planner.Step, error) {
	s.mu.Lock()
	s.corrections = append(s.corrections, req)
	s.mu.Unlock()
	if s.CorrectionFunc == nil {
		return nil, nil
	}
	return s.CorrectionFunc(req)
}

// PlanCalls returns the recorded plan requests.
func (s *Scripted) PlanCalls() []planner.PlanRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]planner.PlanRequest(nil), s.planCalls...)
}

// ProposeCalls returns the recorded propose requests.
func (s *Scripted) ProposeCalls() []planner.ProposeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]planner.ProposeRequest(nil), s.proposals...)
}

// CorrectionCalls returns the recorded correction requests.
func (s *Scripted) CorrectionCalls() []planner.CorrectionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]planner.CorrectionRequest(nil), s.corrections...)
}

// StaticPlan returns a planner that always answers with the given plan and
// stages the given changes for every mutating step.
func StaticPlan(plan planner.Plan, changesByStep map[string][]filesession.Change) *Scripted {
	return &Scripted{
		PlanFunc: func(planner.PlanRequest) (planner.Plan, error) {
			return plan, nil
		},
		ProposeFunc: func(req planner.ProposeRequest) ([]filesession.Change, error) {
			return changesByStep[req.Step.ID], nil
		},
	}
}
