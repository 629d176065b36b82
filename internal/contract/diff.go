package contract

import (
	"fmt"

	"github.com/metalagman/deeprun/internal/fault"
)

// FieldDiff records one drifted configuration field between a persisted
// contract and a requested one.
type FieldDiff struct {
	Field     string `json:"field"`
	Persisted string `json:"persisted"`
	Requested string `json:"requested"`
}

// Diff compares two effective configurations field by field.
func Diff(persisted, requested Config) []FieldDiff {
	var diffs []FieldDiff
	add := func(field string, a, b any) {
		sa, sb := fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)
		if sa != sb {
			diffs = append(diffs, FieldDiff{Field: field, Persisted: sa, Requested: sb})
		}
	}
	add("profile", persisted.Profile, requested.Profile)
	add("lightValidationMode", persisted.LightValidationMode, requested.LightValidationMode)
	add("heavyValidationMode", persisted.HeavyValidationMode, requested.HeavyValidationMode)
	add("maxRuntimeCorrectionAttempts", persisted.MaxRuntimeCorrectionAttempts, requested.MaxRuntimeCorrectionAttempts)
	add("maxHeavyCorrectionAttempts", persisted.MaxHeavyCorrectionAttempts, requested.MaxHeavyCorrectionAttempts)
	add("correctionPolicyMode", persisted.CorrectionPolicyMode, requested.CorrectionPolicyMode)
	add("correctionConvergenceMode", persisted.CorrectionConvergenceMode, requested.CorrectionConvergenceMode)
	add("plannerTimeoutMs", persisted.PlannerTimeoutMs, requested.PlannerTimeoutMs)
	add("maxFilesPerStep", persisted.MaxFilesPerStep, requested.MaxFilesPerStep)
	add("maxTotalDiffBytes", persisted.MaxTotalDiffBytes, requested.MaxTotalDiffBytes)
	add("maxFileBytes", persisted.MaxFileBytes, requested.MaxFileBytes)
	add("allowEnvMutation", persisted.AllowEnvMutation, requested.AllowEnvMutation)
	return diffs
}

// CheckCompatible fails with ExecutionConfigMismatch when the requested
// configuration drifts from the persisted one. The per-field diff travels
// in the fault details under "diff".
func CheckCompatible(persisted, requested Config) error {
	diffs := Diff(persisted, requested)
	if len(diffs) == 0 {
		return nil
	}
	return fault.ExecutionConfigMismatch("execution config drifted in %d field(s)", len(diffs)).
		WithDetail("diff", diffs)
}
