// Package correction classifies validation failures into clusters and
// synthesizes the constraint that bounds the corrective step a planner may
// take. It also evaluates the correction policy rules over corrective
// attempts, including the convergence rule that stops runs repeating the
// same failure.
package correction

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/metalagman/deeprun/internal/canonical"
	"github.com/metalagman/deeprun/internal/validation"
)

// ClusterKind names one failure cluster, closed set.
type ClusterKind string

const (
	ClusterArchitectureContract ClusterKind = "architecture_contract"
	ClusterDependencyCycle      ClusterKind = "dependency_cycle"
	ClusterRuntimeMiddlewareAPI ClusterKind = "runtime_middleware_api"
	ClusterLayerBoundary        ClusterKind = "layer_boundary_violation"
	ClusterImportResolution     ClusterKind = "import_resolution_error"
	ClusterTestContractGap      ClusterKind = "test_contract_gap"
	ClusterTypecheckFailure     ClusterKind = "typecheck_failure"
	ClusterBuildFailure         ClusterKind = "build_failure"
	ClusterTestFailure          ClusterKind = "test_failure"
)

// Cluster groups related failures for the planner.
type Cluster struct {
	Kind        ClusterKind `json:"kind"`
	Modules     []string    `json:"modules,omitempty"`
	Files       []string    `json:"files,omitempty"`
	Imports     []string    `json:"imports,omitempty"`
	SourceLayer string      `json:"sourceLayer,omitempty"`
	TargetLayer string      `json:"targetLayer,omitempty"`
	Checks      []string    `json:"checks,omitempty"`
	Message     string      `json:"message,omitempty"`
}

// Profile is the classifier output consumed by the kernel and the planner.
type Profile struct {
	ShouldAutoCorrect    bool      `json:"shouldAutoCorrect"`
	Clusters             []Cluster `json:"clusters"`
	ArchitectureCollapse bool      `json:"architectureCollapse"`
	PlannerModeOverride  string    `json:"plannerModeOverride,omitempty"`
	DebtTargets          []string  `json:"debtTargets,omitempty"`
	Reason               string    `json:"reason,omitempty"`
	BlockingCount        int       `json:"blockingCount"`
	ArchitectureModules  []string  `json:"architectureModules,omitempty"`
}

// Reasons, closed set. An empty reason means no correction applies.
const (
	ReasonArchitecture = "architecture"
	ReasonTypecheck    = "typecheck"
	ReasonBuild        = "build"
)

var (
	missingModulePattern = regexp.MustCompile(`Cannot find module '([^']+)'`)
	moduleNotFoundMarker = "ERR_MODULE_NOT_FOUND"
	importFilePattern    = regexp.MustCompile(`imported from ([^\s]+)`)

	// middleware-API symptom strings observed in runtime boot logs
	middlewareSymptoms = []string{
		"app.use() requires a middleware function",
		"Router.use() requires a middleware function",
		"argument handler must be a function",
		"next is not a function",
	}
)

// Classify reads a validation report plus the runtime boot log tail and
// emits the correction profile. An ok report yields an empty profile.
func Classify(report validation.Report, runtimeLog string) Profile {
	profile := Profile{BlockingCount: report.BlockingCount}

	var missingLayers, unknownLayerFiles, cycles, archBlocking int
	moduleSet := map[string]bool{}

	if arch := report.Check(validation.CheckArchitecture); arch != nil && arch.Status == validation.StatusFail {
		archBlocking = len(arch.Violations)
		byKind := map[ClusterKind]*Cluster{}
		for _, v := range arch.Violations {
			if v.Module != "" {
				moduleSet[v.Module] = true
			}
			kind := clusterForRule(v.RuleID)
			switch v.RuleID {
			case validation.RuleMissingLayer:
				missingLayers++
			case validation.RuleUnknownLayerFile:
				unknownLayerFiles++
			case validation.RuleGraphCycle:
				cycles++
			}
			c := byKind[kind]
			if c == nil {
				c = &Cluster{Kind: kind, Checks: []string{validation.CheckArchitecture}}
				byKind[kind] = c
			}
			if v.Module != "" {
				c.Modules = appendUnique(c.Modules, v.Module)
			}
			if v.Path != "" {
				c.Files = appendUnique(c.Files, v.Path)
			}
			if v.Import != "" {
				c.Imports = appendUnique(c.Imports, v.Import)
			}
			if kind == ClusterLayerBoundary {
				c.SourceLayer = v.SourceLayer
				c.TargetLayer = v.TargetLayer
			}
			if c.Message == "" {
				c.Message = v.Message
			}
		}
		kinds := make([]ClusterKind, 0, len(byKind))
		for k := range byKind {
			kinds = append(kinds, k)
		}
		sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
		for _, k := range kinds {
			profile.Clusters = append(profile.Clusters, *byKind[k])
		}
		profile.Reason = ReasonArchitecture
	}

	if boot := report.Check(validation.CheckRuntimeBoot); boot != nil && boot.Status == validation.StatusFail {
		if runtimeLog == "" {
			runtimeLog = boot.Output
		}
	}
	if runtimeLog != "" {
		profile.Clusters = append(profile.Clusters, classifyRuntimeLog(runtimeLog)...)
	}

	if tc := report.Check(validation.CheckTypecheck); tc != nil && tc.Status == validation.StatusFail {
		profile.Clusters = append(profile.Clusters, Cluster{
			Kind:    ClusterTypecheckFailure,
			Checks:  []string{validation.CheckTypecheck},
			Files:   extractFilesFromOutput(tc.Output),
			Message: tc.Message,
		})
		if profile.Reason == "" {
			profile.Reason = ReasonTypecheck
		}
	}
	if build := report.Check(validation.CheckBuild); build != nil && build.Status == validation.StatusFail {
		profile.Clusters = append(profile.Clusters, Cluster{
			Kind:    ClusterBuildFailure,
			Checks:  []string{validation.CheckBuild},
			Message: build.Message,
		})
		if profile.Reason == "" {
			profile.Reason = ReasonBuild
		}
	}
	if tests := report.Check(validation.CheckTests); tests != nil && tests.Status == validation.StatusFail {
		profile.Clusters = append(profile.Clusters, Cluster{
			Kind:    ClusterTestFailure,
			Checks:  []string{validation.CheckTests},
			Message: tests.Message,
		})
	}

	for _, c := range profile.Clusters {
		if c.Kind == ClusterTestContractGap {
			profile.DebtTargets = append(profile.DebtTargets, c.Modules...)
		}
	}

	profile.ArchitectureModules = sortedKeys(moduleSet)
	score := 0
	if missingLayers >= 2 {
		score++
	}
	if unknownLayerFiles >= 2 {
		score++
	}
	if cycles > 0 {
		score++
	}
	if archBlocking >= 8 {
		score++
	}
	if score >= 3 {
		profile.ArchitectureCollapse = true
		profile.PlannerModeOverride = "architecture_reconstruction"
	}

	profile.ShouldAutoCorrect = len(profile.Clusters) > 0
	return profile
}

func clusterForRule(ruleID string) ClusterKind {
	switch {
	case ruleID == validation.RuleGraphCycle:
		return ClusterDependencyCycle
	case ruleID == validation.RuleImportMissing:
		return ClusterImportResolution
	case ruleID == validation.RuleLayerBoundary:
		return ClusterLayerBoundary
	case strings.HasPrefix(ruleID, "TEST.CONTRACT_"):
		return ClusterTestContractGap
	default:
		// ARCH.* and STRUCTURE.* share the contract cluster
		return ClusterArchitectureContract
	}
}

// classifyRuntimeLog applies the string heuristics over a boot log tail.
func classifyRuntimeLog(logTail string) []Cluster {
	var clusters []Cluster
	for _, symptom := range middlewareSymptoms {
		if strings.Contains(logTail, symptom) {
			clusters = append(clusters, Cluster{
				Kind:    ClusterRuntimeMiddlewareAPI,
				Checks:  []string{validation.CheckRuntimeBoot},
				Message: symptom,
			})
			break
		}
	}
	var imports, files []string
	for _, m := range missingModulePattern.FindAllStringSubmatch(logTail, -1) {
		imports = appendUnique(imports, m[1])
	}
	if strings.Contains(logTail, moduleNotFoundMarker) || len(imports) > 0 {
		for _, m := range importFilePattern.FindAllStringSubmatch(logTail, -1) {
			files = appendUnique(files, strings.Trim(m[1], `'"`))
		}
		if len(imports) > 0 || strings.Contains(logTail, moduleNotFoundMarker) {
			clusters = append(clusters, Cluster{
				Kind:    ClusterImportResolution,
				Checks:  []string{validation.CheckRuntimeBoot},
				Imports: imports,
				Files:   files,
				Message: "runtime could not resolve module imports",
			})
		}
	}
	return clusters
}

var outputFilePattern = regexp.MustCompile(`(?m)^([\w./-]+\.(?:ts|tsx|js|jsx|mjs))[(:]`)

func extractFilesFromOutput(output string) []string {
	var files []string
	for _, m := range outputFilePattern.FindAllStringSubmatch(output, -1) {
		files = appendUnique(files, m[1])
	}
	return files
}

// Fingerprint renders the classifier output in canonical form. Two
// byte-equal fingerprints on consecutive corrective attempts mean the run
// is not converging.
func Fingerprint(p Profile) (string, error) {
	hash, err := canonical.Hash(p)
	if err != nil {
		return "", fmt.Errorf("fingerprint profile: %w", err)
	}
	return hash, nil
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
