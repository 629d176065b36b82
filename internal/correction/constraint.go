package correction

import (
	"path"
	"sort"
)

// Constraint intents, closed set.
const (
	IntentRuntimeBoot     = "runtime_boot"
	IntentImportResolve   = "import_resolve"
	IntentArchReconstruct = "arch_reconstruct"
	IntentTypecheckFix    = "typecheck_fix"
)

// Constraint bounds what a corrective step may touch. MaxFiles and
// MaxTotalDiffBytes of 0 mean "step budgets apply, nothing tighter".
type Constraint struct {
	Intent              string   `json:"intent"`
	MaxFiles            int      `json:"maxFiles,omitempty"`
	MaxTotalDiffBytes   int      `json:"maxTotalDiffBytes,omitempty"`
	AllowedPathPrefixes []string `json:"allowedPathPrefixes"`
	Guidance            string   `json:"guidance"`
}

// ConstraintFor synthesizes the constraint for a classified failure.
// runMaxDiffBytes is the run's own step diff budget, used when the intent
// needs the widest allowed scope.
func ConstraintFor(p Profile, runMaxDiffBytes int) Constraint {
	switch {
	case p.ArchitectureCollapse:
		prefixes := make([]string, 0, len(p.ArchitectureModules))
		for _, m := range p.ArchitectureModules {
			prefixes = append(prefixes, "src/modules/"+m+"/")
		}
		if len(prefixes) == 0 {
			prefixes = []string{"src/modules/"}
		}
		return Constraint{
			Intent:              IntentArchReconstruct,
			MaxTotalDiffBytes:   runMaxDiffBytes,
			AllowedPathPrefixes: prefixes,
			Guidance:            "Recreate missing layers.",
		}
	case hasCluster(p, ClusterImportResolution):
		return Constraint{
			Intent:              IntentImportResolve,
			MaxFiles:            8,
			MaxTotalDiffBytes:   150_000,
			AllowedPathPrefixes: filesWithParents(clusterFiles(p, ClusterImportResolution)),
			Guidance:            "Add missing exports or fix paths.",
		}
	case hasCluster(p, ClusterRuntimeMiddlewareAPI):
		return Constraint{
			Intent:              IntentRuntimeBoot,
			MaxFiles:            6,
			MaxTotalDiffBytes:   120_000,
			AllowedPathPrefixes: []string{"src/"},
			Guidance:            "Fix startup only.",
		}
	case hasCluster(p, ClusterTypecheckFailure):
		prefixes := clusterFiles(p, ClusterTypecheckFailure)
		if len(prefixes) == 0 {
			prefixes = []string{"src/"}
		}
		return Constraint{
			Intent:              IntentTypecheckFix,
			MaxFiles:            8,
			MaxTotalDiffBytes:   200_000,
			AllowedPathPrefixes: prefixes,
			Guidance:            "Minimal type fixes.",
		}
	default:
		// architecture or build failures without collapse get the startup
		// scope, which is the narrowest safe default
		return Constraint{
			Intent:              IntentRuntimeBoot,
			MaxFiles:            6,
			MaxTotalDiffBytes:   120_000,
			AllowedPathPrefixes: []string{"src/"},
			Guidance:            "Fix startup only.",
		}
	}
}

func hasCluster(p Profile, kind ClusterKind) bool {
	for _, c := range p.Clusters {
		if c.Kind == kind {
			return true
		}
	}
	return false
}

func clusterFiles(p Profile, kind ClusterKind) []string {
	var files []string
	for _, c := range p.Clusters {
		if c.Kind != kind {
			continue
		}
		for _, f := range c.Files {
			files = appendUnique(files, f)
		}
	}
	sort.Strings(files)
	return files
}

// filesWithParents widens file prefixes with their direct parent
// directories so a corrective step may add sibling files.
func filesWithParents(files []string) []string {
	if len(files) == 0 {
		return []string{"src/"}
	}
	var prefixes []string
	for _, f := range files {
		prefixes = appendUnique(prefixes, f)
		if parent := path.Dir(f); parent != "." && parent != "/" {
			prefixes = appendUnique(prefixes, parent+"/")
		}
	}
	sort.Strings(prefixes)
	return prefixes
}
