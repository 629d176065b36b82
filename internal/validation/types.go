// Package validation runs the architecture, typecheck, build, test and
// runtime boot checks against a workspace worktree and renders the result
// as a reason-stable report. Check commands come from the workspace's
// deeprun.yaml manifest; the architecture check is a source-tree walker.
package validation

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Check ids, closed set.
const (
	CheckArchitecture = "architecture"
	CheckTypecheck    = "typecheck"
	CheckBuild        = "build"
	CheckTests        = "tests"
	CheckRuntimeBoot  = "runtime_boot"
)

// CheckStatus is the outcome of one check.
type CheckStatus string

const (
	StatusPass CheckStatus = "pass"
	StatusFail CheckStatus = "fail"
	StatusSkip CheckStatus = "skip"
)

// Severity decides whether a failing check blocks or warns.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Violation is one architecture finding, tagged with a stable rule id.
type Violation struct {
	RuleID      string `json:"ruleId"`
	Path        string `json:"path,omitempty"`
	Module      string `json:"module,omitempty"`
	Message     string `json:"message"`
	SourceLayer string `json:"sourceLayer,omitempty"`
	TargetLayer string `json:"targetLayer,omitempty"`
	Import      string `json:"import,omitempty"`
}

// Architecture rule id prefixes and ids the classifier keys on.
const (
	RuleMissingLayer     = "ARCH.MISSING_LAYER"
	RuleLayerBoundary    = "ARCH.LAYER_BOUNDARY"
	RuleUnknownLayerFile = "STRUCTURE.UNKNOWN_LAYER_FILE"
	RuleImportMissing    = "IMPORT.MISSING_TARGET"
	RuleGraphCycle       = "GRAPH.CYCLE"
	RuleTestContract     = "TEST.CONTRACT_MISSING"
)

// CheckResult is the outcome of one pipeline check.
type CheckResult struct {
	ID         string      `json:"id"`
	Status     CheckStatus `json:"status"`
	Severity   Severity    `json:"severity"`
	Message    string      `json:"message"`
	Violations []Violation `json:"violations,omitempty"`
	Output     string      `json:"output,omitempty"`
	DurationMs int64       `json:"durationMs,omitempty"`
}

// Report is the pipeline summary. OK holds exactly when no blocking check
// failed.
type Report struct {
	OK            bool          `json:"ok"`
	BlockingCount int           `json:"blockingCount"`
	WarningCount  int           `json:"warningCount"`
	Summary       string        `json:"summary"`
	Checks        []CheckResult `json:"checks"`
	TargetPath    string        `json:"targetPath,omitempty"`
	GeneratedAt   string        `json:"generatedAt"`
}

// Summarize folds check results into a report with the stable one-line
// summary rendering.
func Summarize(checks []CheckResult, targetPath string) Report {
	var blocking, warnings int
	var failed []string
	for _, c := range checks {
		if c.Status != StatusFail {
			continue
		}
		failed = append(failed, c.ID)
		if c.Severity == SeverityError {
			blocking++
		} else {
			warnings++
		}
	}
	sort.Strings(failed)
	names := "none"
	if len(failed) > 0 {
		names = strings.Join(failed, ", ")
	}
	return Report{
		OK:            blocking == 0,
		BlockingCount: blocking,
		WarningCount:  warnings,
		Summary:       fmt.Sprintf("failed checks: %s; blocking=%d; warnings=%d", names, blocking, warnings),
		Checks:        checks,
		TargetPath:    targetPath,
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
	}
}

// Check looks up a check result by id.
func (r Report) Check(id string) *CheckResult {
	for i := range r.Checks {
		if r.Checks[i].ID == id {
			return &r.Checks[i]
		}
	}
	return nil
}

// V1Verdict is the strict readiness verdict.
type V1Verdict string

const (
	VerdictYes V1Verdict = "YES"
	VerdictNo  V1Verdict = "NO"
)

// V1Report is the optional strict readiness sub-report: the workspace can
// boot its public runtime. Verdict is YES exactly when OK.
type V1Report struct {
	OK          bool          `json:"ok"`
	Verdict     V1Verdict     `json:"verdict"`
	Checks      []CheckResult `json:"checks"`
	GeneratedAt string        `json:"generatedAt"`
}
