package contract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/deeprun/internal/fault"
)

func TestResolveProfileDefaults(t *testing.T) {
	full, err := Resolve(ProfileFull, Overrides{})
	require.NoError(t, err)
	assert.Equal(t, ModeEnforce, full.LightValidationMode)
	assert.Equal(t, ModeEnforce, full.HeavyValidationMode)
	assert.Equal(t, 5, full.MaxRuntimeCorrectionAttempts)
	assert.Equal(t, 3, full.MaxHeavyCorrectionAttempts)
	assert.Equal(t, 120_000, full.PlannerTimeoutMs)
	assert.False(t, full.AllowEnvMutation)

	ci, err := Resolve(ProfileCI, Overrides{})
	require.NoError(t, err)
	assert.Equal(t, ModeOff, ci.LightValidationMode)
	assert.Equal(t, 0, ci.MaxRuntimeCorrectionAttempts)
	assert.Equal(t, ModeWarn, ci.CorrectionPolicyMode)
	assert.Equal(t, 5_000, ci.PlannerTimeoutMs)

	// shared step budgets across all profiles
	assert.Equal(t, full.MaxFilesPerStep, ci.MaxFilesPerStep)
	assert.Equal(t, full.MaxTotalDiffBytes, ci.MaxTotalDiffBytes)
	assert.Equal(t, full.MaxFileBytes, ci.MaxFileBytes)

	_, err = Resolve(Profile("exotic"), Overrides{})
	require.True(t, fault.Is(err, fault.CodeNotFound))
}

func TestResolveOverridesApplyLast(t *testing.T) {
	t.Setenv("AGENT_FS_MAX_FILE_BYTES", "2000000")
	t.Setenv("AGENT_LIGHT_VALIDATION_MODE", "warn")

	mode := ModeEnforce
	files := 3
	cfg, err := Resolve(ProfileCI, Overrides{
		LightValidationMode: &mode,
		MaxFilesPerStep:     &files,
	})
	require.NoError(t, err)
	// env fallback applied, then the explicit override wins
	assert.Equal(t, ModeEnforce, cfg.LightValidationMode)
	assert.Equal(t, 2_000_000, cfg.MaxFileBytes)
	assert.Equal(t, 3, cfg.MaxFilesPerStep)
}

func TestResolveRejectsOutOfRange(t *testing.T) {
	bad := 9
	_, err := Resolve(ProfileFull, Overrides{MaxRuntimeCorrectionAttempts: &bad})
	require.Error(t, err)

	slow := 100
	_, err = Resolve(ProfileFull, Overrides{PlannerTimeoutMs: &slow})
	require.Error(t, err)
}

func TestSealHashDeterministic(t *testing.T) {
	cfg, err := Resolve(ProfileFull, Overrides{})
	require.NoError(t, err)

	a, err := Seal(cfg, Request{RandomnessSeed: 42})
	require.NoError(t, err)
	b, err := Seal(cfg, Request{RandomnessSeed: 42})
	require.NoError(t, err)
	assert.Equal(t, a.Hash, b.Hash)
	assert.False(t, a.FallbackUsed)

	c, err := Seal(cfg, Request{RandomnessSeed: 43})
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash, c.Hash)
}

func TestSealRecordsFallback(t *testing.T) {
	cfg, err := Resolve(ProfileCI, Overrides{})
	require.NoError(t, err)

	sealed, err := Seal(cfg, Request{PlannerPolicyVersion: PlannerVersion + 5})
	require.NoError(t, err)
	assert.True(t, sealed.FallbackUsed)
	assert.Equal(t, []string{"plannerPolicyVersion"}, sealed.FallbackFields)
	assert.Equal(t, PlannerVersion, sealed.Material.PlannerPolicyVersion)
}

func TestDiffListsDriftedFields(t *testing.T) {
	full, err := Resolve(ProfileFull, Overrides{})
	require.NoError(t, err)
	ci, err := Resolve(ProfileCI, Overrides{})
	require.NoError(t, err)

	require.NoError(t, CheckCompatible(full, full))

	err = CheckCompatible(full, ci)
	require.True(t, fault.Is(err, fault.CodeExecutionConfigMismatch))

	diffs, ok := fault.DetailsOf(err)["diff"].([]FieldDiff)
	require.True(t, ok)
	fields := make(map[string]bool, len(diffs))
	for _, d := range diffs {
		fields[d.Field] = true
	}
	for _, want := range []string{
		"profile",
		"lightValidationMode", "heavyValidationMode",
		"maxRuntimeCorrectionAttempts", "maxHeavyCorrectionAttempts",
		"correctionPolicyMode", "correctionConvergenceMode",
		"plannerTimeoutMs",
	} {
		assert.True(t, fields[want], "missing diff for %s", want)
	}
	assert.False(t, fields["maxFilesPerStep"])
}

func TestUnsupportedFields(t *testing.T) {
	m := Material{
		ExecutionContractSchemaVersion: SchemaVersion,
		DeterminismPolicyVersion:       DeterminismVersion,
		PlannerPolicyVersion:           PlannerVersion + 1,
		CorrectionRecipeVersion:        CorrectionRecipeVersion,
		ValidationPolicyVersion:        ValidationPolicyVersion,
	}
	assert.Equal(t, []string{"plannerPolicyVersion"}, UnsupportedFields(m))
	m.PlannerPolicyVersion = PlannerVersion
	assert.Empty(t, UnsupportedFields(m))
}
