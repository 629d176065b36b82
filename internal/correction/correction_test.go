package correction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/deeprun/internal/contract"
	"github.com/metalagman/deeprun/internal/fault"
	"github.com/metalagman/deeprun/internal/validation"
)

func archReport(violations []validation.Violation) validation.Report {
	return validation.Summarize([]validation.CheckResult{{
		ID:         validation.CheckArchitecture,
		Status:     validation.StatusFail,
		Severity:   validation.SeverityError,
		Violations: violations,
	}}, "/tmp/worktree")
}

func TestClassifyCleanReport(t *testing.T) {
	report := validation.Summarize([]validation.CheckResult{
		{ID: validation.CheckArchitecture, Status: validation.StatusPass},
		{ID: validation.CheckBuild, Status: validation.StatusPass},
	}, "")
	profile := Classify(report, "")
	assert.False(t, profile.ShouldAutoCorrect)
	assert.Empty(t, profile.Clusters)
	assert.Empty(t, profile.Reason)
}

func TestClassifyArchitectureClusters(t *testing.T) {
	report := archReport([]validation.Violation{
		{RuleID: validation.RuleMissingLayer, Module: "auth"},
		{RuleID: validation.RuleLayerBoundary, Module: "auth", Path: "src/modules/auth/data/bad.ts", SourceLayer: "data", TargetLayer: "api"},
		{RuleID: validation.RuleGraphCycle, Module: "auth"},
	})
	profile := Classify(report, "")
	require.True(t, profile.ShouldAutoCorrect)
	assert.Equal(t, ReasonArchitecture, profile.Reason)
	assert.Equal(t, []string{"auth"}, profile.ArchitectureModules)

	kinds := map[ClusterKind]bool{}
	for _, c := range profile.Clusters {
		kinds[c.Kind] = true
	}
	assert.True(t, kinds[ClusterArchitectureContract])
	assert.True(t, kinds[ClusterLayerBoundary])
	assert.True(t, kinds[ClusterDependencyCycle])

	for _, c := range profile.Clusters {
		if c.Kind == ClusterLayerBoundary {
			assert.Equal(t, "data", c.SourceLayer)
			assert.Equal(t, "api", c.TargetLayer)
		}
	}
}

func TestClassifyCollapseScoring(t *testing.T) {
	violations := []validation.Violation{
		{RuleID: validation.RuleMissingLayer, Module: "auth"},
		{RuleID: validation.RuleMissingLayer, Module: "billing"},
		{RuleID: validation.RuleUnknownLayerFile, Module: "auth", Path: "src/modules/auth/x.ts"},
		{RuleID: validation.RuleUnknownLayerFile, Module: "billing", Path: "src/modules/billing/y.ts"},
		{RuleID: validation.RuleGraphCycle, Module: "auth"},
	}
	profile := Classify(archReport(violations), "")
	assert.True(t, profile.ArchitectureCollapse)
	assert.Equal(t, "architecture_reconstruction", profile.PlannerModeOverride)
	assert.Equal(t, []string{"auth", "billing"}, profile.ArchitectureModules)

	// two missing layers alone score 1, no collapse
	profile = Classify(archReport(violations[:2]), "")
	assert.False(t, profile.ArchitectureCollapse)
	assert.Empty(t, profile.PlannerModeOverride)
}

func TestClassifyRuntimeMiddleware(t *testing.T) {
	log := "TypeError: app.use() requires a middleware function\n    at Function.use"
	profile := Classify(validation.Report{}, log)
	require.Len(t, profile.Clusters, 1)
	assert.Equal(t, ClusterRuntimeMiddlewareAPI, profile.Clusters[0].Kind)
}

func TestClassifyImportResolutionFromLog(t *testing.T) {
	log := "Error: Cannot find module './users/service'\n" +
		"imported from /app/src/modules/users/api/routes.ts\n" +
		"code: 'ERR_MODULE_NOT_FOUND'"
	profile := Classify(validation.Report{}, log)
	require.Len(t, profile.Clusters, 1)
	c := profile.Clusters[0]
	assert.Equal(t, ClusterImportResolution, c.Kind)
	assert.Equal(t, []string{"./users/service"}, c.Imports)
	assert.Contains(t, c.Files, "/app/src/modules/users/api/routes.ts")
}

func TestClassifyUsesBootOutputWhenNoLogGiven(t *testing.T) {
	report := validation.Summarize([]validation.CheckResult{{
		ID:       validation.CheckRuntimeBoot,
		Status:   validation.StatusFail,
		Severity: validation.SeverityError,
		Output:   "Cannot find module 'express'",
	}}, "")
	profile := Classify(report, "")
	require.Len(t, profile.Clusters, 1)
	assert.Equal(t, ClusterImportResolution, profile.Clusters[0].Kind)
}

func TestClassifyTypecheckFiles(t *testing.T) {
	report := validation.Summarize([]validation.CheckResult{{
		ID:       validation.CheckTypecheck,
		Status:   validation.StatusFail,
		Severity: validation.SeverityError,
		Output:   "src/modules/auth/service/login.ts(12,5): error TS2322\nsrc/modules/auth/api/routes.ts:4:1 - error",
	}}, "")
	profile := Classify(report, "")
	require.Len(t, profile.Clusters, 1)
	c := profile.Clusters[0]
	assert.Equal(t, ClusterTypecheckFailure, c.Kind)
	assert.ElementsMatch(t, []string{
		"src/modules/auth/service/login.ts",
		"src/modules/auth/api/routes.ts",
	}, c.Files)
	assert.Equal(t, ReasonTypecheck, profile.Reason)
}

func TestFingerprintStability(t *testing.T) {
	p := Profile{
		ShouldAutoCorrect: true,
		Clusters:          []Cluster{{Kind: ClusterBuildFailure, Modules: []string{"auth"}}},
		Reason:            ReasonBuild,
	}
	a, err := Fingerprint(p)
	require.NoError(t, err)
	b, err := Fingerprint(p)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	p.Clusters[0].Modules = []string{"billing"}
	c, err := Fingerprint(p)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestConstraintForImportResolve(t *testing.T) {
	profile := Profile{Clusters: []Cluster{{
		Kind:  ClusterImportResolution,
		Files: []string{"src/modules/users/api/routes.ts"},
	}}}
	c := ConstraintFor(profile, 400_000)
	assert.Equal(t, IntentImportResolve, c.Intent)
	assert.Equal(t, 8, c.MaxFiles)
	assert.Equal(t, 150_000, c.MaxTotalDiffBytes)
	assert.Contains(t, c.AllowedPathPrefixes, "src/modules/users/api/routes.ts")
	assert.Contains(t, c.AllowedPathPrefixes, "src/modules/users/api/")
}

func TestConstraintForCollapse(t *testing.T) {
	profile := Profile{
		ArchitectureCollapse: true,
		ArchitectureModules:  []string{"auth", "billing"},
	}
	c := ConstraintFor(profile, 400_000)
	assert.Equal(t, IntentArchReconstruct, c.Intent)
	assert.Zero(t, c.MaxFiles)
	assert.Equal(t, 400_000, c.MaxTotalDiffBytes)
	assert.Equal(t, []string{"src/modules/auth/", "src/modules/billing/"}, c.AllowedPathPrefixes)
}

func TestConstraintForRuntimeBoot(t *testing.T) {
	profile := Profile{Clusters: []Cluster{{Kind: ClusterRuntimeMiddlewareAPI}}}
	c := ConstraintFor(profile, 400_000)
	assert.Equal(t, IntentRuntimeBoot, c.Intent)
	assert.Equal(t, 6, c.MaxFiles)
	assert.Equal(t, []string{"src/"}, c.AllowedPathPrefixes)
	assert.Equal(t, "Fix startup only.", c.Guidance)
}

func TestConstraintForTypecheck(t *testing.T) {
	profile := Profile{Clusters: []Cluster{{
		Kind:  ClusterTypecheckFailure,
		Files: []string{"src/modules/auth/service/login.ts"},
	}}}
	c := ConstraintFor(profile, 400_000)
	assert.Equal(t, IntentTypecheckFix, c.Intent)
	assert.Equal(t, 200_000, c.MaxTotalDiffBytes)
	assert.Equal(t, []string{"src/modules/auth/service/login.ts"}, c.AllowedPathPrefixes)
}

func TestPolicySuffixRule(t *testing.T) {
	in := PolicyInput{
		StepID:     "fix-imports-2",
		Attempt:    2,
		Phase:      PhaseGoal,
		PolicyMode: contract.ModeEnforce,
	}
	outcomes, err := EvaluatePolicy(in)
	require.NoError(t, err)
	assert.Empty(t, outcomes)

	in.StepID = "fix-imports"
	outcomes, err = EvaluatePolicy(in)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeCorrectionConstraint))
	require.Len(t, outcomes, 1)
	assert.Equal(t, RuleAttemptSuffixMatch, outcomes[0].RuleID)
	assert.Equal(t, "error", outcomes[0].Severity)
}

func TestPolicyConstraintAndPhase(t *testing.T) {
	in := PolicyInput{
		StepID:      "fix-1",
		Attempt:     1,
		Phase:       "cleanup",
		StagedPaths: []string{"src/modules/auth/api/routes.ts", "scripts/hack.sh"},
		Constraint:  Constraint{AllowedPathPrefixes: []string{"src/"}},
		PolicyMode:  contract.ModeWarn,
	}
	outcomes, err := EvaluatePolicy(in)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.Equal(t, "warning", o.Severity)
	}
	assert.Equal(t, RuleConstraintRespected, outcomes[0].RuleID)
	assert.Equal(t, RulePhaseValid, outcomes[1].RuleID)
}

func TestPolicyConvergence(t *testing.T) {
	in := PolicyInput{
		StepID:              "fix-2",
		Attempt:             2,
		Phase:               PhaseGoal,
		Fingerprint:         "abc",
		PreviousFingerprint: "abc",
		PolicyMode:          contract.ModeEnforce,
		ConvergenceMode:     contract.ModeEnforce,
	}
	outcomes, err := EvaluatePolicy(in)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeConvergenceStalled))
	require.Len(t, outcomes, 1)
	assert.Equal(t, RuleConvergence, outcomes[0].RuleID)

	in.ConvergenceMode = contract.ModeOff
	outcomes, err = EvaluatePolicy(in)
	require.NoError(t, err)
	assert.Empty(t, outcomes)

	in.ConvergenceMode = contract.ModeEnforce
	in.PreviousFingerprint = "different"
	outcomes, err = EvaluatePolicy(in)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestPolicyOffSkipsRules(t *testing.T) {
	in := PolicyInput{
		StepID:      "broken",
		Attempt:     3,
		Phase:       "bogus",
		StagedPaths: []string{"outside/everything.ts"},
		Constraint:  Constraint{AllowedPathPrefixes: []string{"src/"}},
		PolicyMode:  contract.ModeOff,
	}
	outcomes, err := EvaluatePolicy(in)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}
