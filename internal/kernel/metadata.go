package kernel

import (
	"encoding/json"
	"fmt"

	"github.com/metalagman/deeprun/internal/contract"
	"github.com/metalagman/deeprun/internal/correction"
	"github.com/metalagman/deeprun/internal/validation"
)

// Validation statuses recorded on a run after validateRunOutput.
const (
	ValidationPassed = "passed"
	ValidationFailed = "failed"
)

// RunMetadata is the structured payload persisted in the run's metadata
// column. The execution contract is frozen here at creation; everything
// else accumulates while the run executes.
type RunMetadata struct {
	ExecutionConfig  contract.Config   `json:"executionConfig"`
	ContractHash     string            `json:"contractHash"`
	ContractMaterial contract.Material `json:"contractMaterial"`
	FallbackUsed     bool              `json:"fallbackUsed,omitempty"`
	FallbackFields   []string          `json:"fallbackFields,omitempty"`

	ForkedFromRunID  string `json:"forkedFromRunId,omitempty"`
	CurrentStepIndex int    `json:"currentStepIndex"`
	CancelRequested  bool   `json:"cancelRequested,omitempty"`

	// RuntimeCorrectionAttempts and HeavyCorrectionAttempts count spent
	// correction budget per class.
	RuntimeCorrectionAttempts int `json:"runtimeCorrectionAttempts,omitempty"`
	HeavyCorrectionAttempts   int `json:"heavyCorrectionAttempts,omitempty"`

	// LastCorrectionFingerprint is the canonical hash of the most recent
	// correction classification; the convergence rule compares against it.
	LastCorrectionFingerprint string                   `json:"lastCorrectionFingerprint,omitempty"`
	CorrectionPolicy          []correction.RuleOutcome `json:"correctionPolicy,omitempty"`
	DebtTargets               []string                 `json:"debtTargets,omitempty"`

	ValidationStatus string               `json:"validationStatus,omitempty"`
	ValidationReport *validation.Report   `json:"validationReport,omitempty"`
	V1Ready          *validation.V1Report `json:"v1Ready,omitempty"`
	TargetPath       string               `json:"targetPath,omitempty"`
}

func decodeMetadata(raw string) (RunMetadata, error) {
	var m RunMetadata
	if raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return RunMetadata{}, fmt.Errorf("decode run metadata: %w", err)
	}
	return m, nil
}

func encodeMetadata(m RunMetadata) (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode run metadata: %w", err)
	}
	return string(raw), nil
}
