package correction

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/metalagman/deeprun/internal/contract"
	"github.com/metalagman/deeprun/internal/fault"
)

// Policy rule ids, closed set.
const (
	RuleAttemptSuffixMatch  = "correction_attempt_suffix_match"
	RuleConstraintRespected = "correction_constraint_respected"
	RulePhaseValid          = "correction_phase_valid"
	RuleConvergence         = "correction_convergence"
)

// Correction phases the policy accepts.
const (
	PhaseGoal         = "goal"
	PhaseOptimization = "optimization"
)

// RuleOutcome records one policy rule violation for run telemetry.
type RuleOutcome struct {
	RuleID   string         `json:"ruleId"`
	Severity string         `json:"severity"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
}

// PolicyInput is everything one corrective attempt exposes to the policy.
type PolicyInput struct {
	StepID      string
	Attempt     int
	Phase       string
	StagedPaths []string
	Constraint  Constraint

	// Fingerprint and PreviousFingerprint are canonical classifier hashes
	// of this attempt and the one before it.
	Fingerprint         string
	PreviousFingerprint string

	PolicyMode      contract.Mode
	ConvergenceMode contract.Mode
}

// EvaluatePolicy applies the four correction policy rules. Violations under
// warn modes come back as telemetry only; under enforce modes the first
// blocking violation is also returned as a fault and the attempt must be
// aborted. Off modes skip their rules entirely.
func EvaluatePolicy(in PolicyInput) ([]RuleOutcome, error) {
	var outcomes []RuleOutcome
	var blocking error

	record := func(mode contract.Mode, ruleID, message string, details map[string]any, fail func() error) {
		outcome := RuleOutcome{RuleID: ruleID, Message: message, Details: details, Severity: "warning"}
		if mode == contract.ModeEnforce {
			outcome.Severity = "error"
			if blocking == nil {
				blocking = fail()
			}
		}
		outcomes = append(outcomes, outcome)
	}

	if in.PolicyMode != contract.ModeOff {
		wantSuffix := "-" + strconv.Itoa(in.Attempt)
		if !strings.HasSuffix(in.StepID, wantSuffix) {
			msg := fmt.Sprintf("step id %q does not end in %q", in.StepID, wantSuffix)
			record(in.PolicyMode, RuleAttemptSuffixMatch, msg,
				map[string]any{"stepId": in.StepID, "attempt": in.Attempt},
				func() error { return fault.CorrectionConstraint("%s", msg) })
		}

		for _, p := range in.StagedPaths {
			if pathAllowed(p, in.Constraint.AllowedPathPrefixes) {
				continue
			}
			msg := fmt.Sprintf("staged path %q is outside the allowed prefixes", p)
			record(in.PolicyMode, RuleConstraintRespected, msg,
				map[string]any{"path": p, "allowedPathPrefixes": in.Constraint.AllowedPathPrefixes},
				func() error { return fault.CorrectionConstraint("%s", msg) })
		}

		if in.Phase != PhaseGoal && in.Phase != PhaseOptimization {
			msg := fmt.Sprintf("phase %q is not goal or optimization", in.Phase)
			record(in.PolicyMode, RulePhaseValid, msg,
				map[string]any{"phase": in.Phase},
				func() error { return fault.CorrectionConstraint("%s", msg) })
		}
	}

	if in.ConvergenceMode != contract.ModeOff &&
		in.Fingerprint != "" && in.Fingerprint == in.PreviousFingerprint {
		msg := fmt.Sprintf("attempt %d classified identically to the previous attempt", in.Attempt)
		record(in.ConvergenceMode, RuleConvergence, msg,
			map[string]any{"fingerprint": in.Fingerprint},
			func() error {
				return fault.ConvergenceStalled("%s", msg).
					WithDetail("fingerprint", in.Fingerprint)
			})
	}

	return outcomes, blocking
}

func pathAllowed(p string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, prefix := range prefixes {
		if p == strings.TrimSuffix(prefix, "/") || strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}
