// Package governance turns a terminal run, its persisted contract and its
// validation outcome into a PASS/FAIL decision with a closed reason-code
// set and a content hash over the canonical decision document.
package governance

import (
	"fmt"
	"sort"

	"github.com/metalagman/deeprun/internal/canonical"
	"github.com/metalagman/deeprun/internal/contract"
)

// DecisionSchemaVersion is the wire schema of Decision.
const DecisionSchemaVersion = 2

// Verdicts.
const (
	Pass = "PASS"
	Fail = "FAIL"
)

// Reason codes, closed set, listed in evaluation order.
const (
	ReasonRunNotTerminal      = "RUN_NOT_TERMINAL"
	ReasonRunFailed           = "RUN_FAILED"
	ReasonRunCancelled        = "RUN_CANCELLED"
	ReasonRunNotValidated     = "RUN_NOT_VALIDATED"
	ReasonRunValidationFailed = "RUN_VALIDATION_FAILED"
	ReasonRunV1ReadyFailed    = "RUN_V1_READY_FAILED"
	ReasonRunCommitMissing    = "RUN_COMMIT_MISSING"
	ReasonRunCommitDrift      = "RUN_COMMIT_DRIFT"
	ReasonUnsupportedContract = "UNSUPPORTED_CONTRACT"
	ReasonBranchLockMismatch  = "BRANCH_LOCK_MISMATCH"
)

// ContractInfo is the persisted contract slice the decision embeds.
type ContractInfo struct {
	SchemaVersion  int               `json:"schemaVersion"`
	Hash           string            `json:"hash"`
	Material       contract.Material `json:"material"`
	FallbackUsed   bool              `json:"fallbackUsed"`
	FallbackFields []string          `json:"fallbackFields"`
}

// Reason is one failure cause with optional structured details.
type Reason struct {
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// ArtifactRef points at evidence backing the decision.
type ArtifactRef struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
}

// Decision is the governance output document, schema version 2.
type Decision struct {
	DecisionSchemaVersion int           `json:"decisionSchemaVersion"`
	DecisionHash          string        `json:"decisionHash,omitempty"`
	Decision              string        `json:"decision"`
	RunID                 string        `json:"runId"`
	Contract              ContractInfo  `json:"contract"`
	ReasonCodes           []string      `json:"reasonCodes"`
	Reasons               []Reason      `json:"reasons"`
	ArtifactRefs          []ArtifactRef `json:"artifactRefs"`
}

// Input is the run snapshot the kernel hands to Decide. It is a plain
// value: governance never reads the store.
type Input struct {
	RunID  string
	Status string

	// Validated is true when a validation report was persisted for the
	// run; ValidationOK mirrors its ok flag.
	Validated      bool
	ValidationOK   bool
	ValidationPath string

	// V1ReadyOK is meaningful only when a v1-ready report was persisted.
	V1ReadyChecked bool
	V1ReadyOK      bool

	FinalCommitHash string
	ProjectHeadHash string

	Contract ContractInfo

	// OtherRunActive is true when a different run currently holds the
	// project branch lock.
	OtherRunActive bool
}

// Options tune a single decision.
type Options struct {
	// StrictV1Ready additionally requires a passing v1-ready report.
	StrictV1Ready bool
}

// Terminal run statuses.
const (
	statusComplete  = "complete"
	statusFailed    = "failed"
	statusCancelled = "cancelled"
)

// Decide evaluates the reason codes in order over the input. Any reason
// yields FAIL; PASS carries no reasons and at least the validation target
// artifact. The decision hash covers the canonical serialization of every
// field except the hash itself.
func Decide(in Input, opts Options) (Decision, error) {
	var reasons []Reason

	add := func(code string, details map[string]any) {
		reasons = append(reasons, Reason{Code: code, Details: details})
	}

	switch in.Status {
	case statusComplete:
	case statusFailed:
		add(ReasonRunFailed, nil)
	case statusCancelled:
		add(ReasonRunCancelled, nil)
	default:
		add(ReasonRunNotTerminal, map[string]any{"status": in.Status})
	}

	if !in.Validated {
		add(ReasonRunNotValidated, nil)
	} else if !in.ValidationOK {
		add(ReasonRunValidationFailed, nil)
	}

	// The readiness reason reports a failed check, not a missing one; an
	// unrun check leaves strict mode silent.
	if opts.StrictV1Ready && in.V1ReadyChecked && !in.V1ReadyOK {
		add(ReasonRunV1ReadyFailed, nil)
	}

	if in.FinalCommitHash == "" {
		add(ReasonRunCommitMissing, nil)
	} else if in.ProjectHeadHash != "" && in.ProjectHeadHash != in.FinalCommitHash {
		add(ReasonRunCommitDrift, map[string]any{
			"projectHead": in.ProjectHeadHash,
			"runCommit":   in.FinalCommitHash,
		})
	}

	if unsupported, details := contractUnsupported(in.Contract); unsupported {
		add(ReasonUnsupportedContract, details)
	}

	if in.OtherRunActive {
		add(ReasonBranchLockMismatch, nil)
	}

	d := Decision{
		DecisionSchemaVersion: DecisionSchemaVersion,
		Decision:              Pass,
		RunID:                 in.RunID,
		Contract:              in.Contract,
		ReasonCodes:           []string{},
		Reasons:               []Reason{},
		ArtifactRefs:          []ArtifactRef{},
	}
	if len(reasons) > 0 {
		d.Decision = Fail
		d.Reasons = reasons
		codes := make([]string, 0, len(reasons))
		for _, r := range reasons {
			codes = appendUnique(codes, r.Code)
		}
		sort.Strings(codes)
		d.ReasonCodes = codes
	} else {
		d.ArtifactRefs = []ArtifactRef{{Kind: "validation_target", Path: in.ValidationPath}}
	}

	hash, err := canonical.Hash(d)
	if err != nil {
		return Decision{}, fmt.Errorf("hash decision: %w", err)
	}
	d.DecisionHash = hash
	return d, nil
}

// Verify recomputes the decision hash and reports whether it matches.
func Verify(d Decision) (bool, error) {
	want := d.DecisionHash
	d.DecisionHash = ""
	got, err := canonical.Hash(d)
	if err != nil {
		return false, fmt.Errorf("hash decision: %w", err)
	}
	return got == want, nil
}

// contractUnsupported flags fallback-resolved contracts and material
// versions newer than this engine supports. Unknown versions never
// silently downgrade.
func contractUnsupported(c ContractInfo) (bool, map[string]any) {
	if c.FallbackUsed {
		return true, map[string]any{"fallbackFields": c.FallbackFields}
	}
	if fields := contract.UnsupportedFields(c.Material); len(fields) > 0 {
		return true, map[string]any{"unsupportedFields": fields}
	}
	return false, nil
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}
