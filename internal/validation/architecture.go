package validation

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var importPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)from\s+['"]([^'"]+)['"]`),
	regexp.MustCompile(`(?m)require\(\s*['"]([^'"]+)['"]\s*\)`),
	regexp.MustCompile(`(?m)import\(\s*['"]([^'"]+)['"]\s*\)`),
}

var sourceExtensions = []string{".ts", ".tsx", ".js", ".jsx", ".mjs"}

// CheckArchitectureTree walks the worktree and returns every structural
// violation: missing module layers, files outside any layer, unresolved
// relative imports, layer matrix violations, module dependency cycles and
// missing test contracts. The scan is string-level; no language server is
// involved.
func CheckArchitectureTree(dir string, cfg ArchitectureConfig) ([]Violation, error) {
	files, err := listSourceFiles(dir, cfg.SourceGlobs)
	if err != nil {
		return nil, err
	}
	var violations []Violation

	modules := listModules(dir, cfg.ModulesDir)
	for _, module := range modules {
		violations = append(violations, checkModuleLayout(dir, cfg, module)...)
	}

	edges := map[string]map[string]bool{}
	for _, file := range files {
		content, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(file)))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		for _, imp := range scanImports(string(content)) {
			v, edge := checkImport(dir, cfg, file, imp)
			if v != nil {
				violations = append(violations, *v)
			}
			if edge != nil {
				if edges[edge[0]] == nil {
					edges[edge[0]] = map[string]bool{}
				}
				edges[edge[0]][edge[1]] = true
			}
		}
	}

	violations = append(violations, findCycles(edges)...)
	return violations, nil
}

func listSourceFiles(dir string, globs []string) ([]string, error) {
	fsys := os.DirFS(dir)
	seen := map[string]bool{}
	var files []string
	for _, glob := range globs {
		matches, err := doublestar.Glob(fsys, glob)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", glob, err)
		}
		for _, m := range matches {
			if strings.HasPrefix(m, "node_modules/") || strings.Contains(m, "/node_modules/") {
				continue
			}
			if strings.HasPrefix(m, ".") {
				continue
			}
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

func listModules(dir, modulesDir string) []string {
	entries, err := os.ReadDir(filepath.Join(dir, filepath.FromSlash(modulesDir)))
	if err != nil {
		return nil
	}
	var modules []string
	for _, e := range entries {
		if e.IsDir() {
			modules = append(modules, e.Name())
		}
	}
	sort.Strings(modules)
	return modules
}

func checkModuleLayout(dir string, cfg ArchitectureConfig, module string) []Violation {
	var violations []Violation
	moduleDir := path.Join(cfg.ModulesDir, module)
	entries, err := os.ReadDir(filepath.Join(dir, filepath.FromSlash(moduleDir)))
	if err != nil {
		return nil
	}

	present := map[string]bool{}
	hasTest := false
	for _, e := range entries {
		if e.IsDir() {
			present[e.Name()] = true
			testGlob := filepath.Join(dir, filepath.FromSlash(moduleDir), e.Name(), "*.test.*")
			if matches, _ := filepath.Glob(testGlob); len(matches) > 0 {
				hasTest = true
			}
			continue
		}
		name := e.Name()
		if strings.Contains(name, ".test.") || strings.Contains(name, ".spec.") {
			hasTest = true
			continue
		}
		if isSourceFile(name) && name != "index.ts" && name != "index.js" {
			violations = append(violations, Violation{
				RuleID:  RuleUnknownLayerFile,
				Module:  module,
				Path:    path.Join(moduleDir, name),
				Message: fmt.Sprintf("file %q sits outside every layer of module %q", name, module),
			})
		}
	}
	for _, layer := range cfg.Layers {
		if !present[layer] {
			violations = append(violations, Violation{
				RuleID:  RuleMissingLayer,
				Module:  module,
				Message: fmt.Sprintf("module %q is missing layer %q", module, layer),
			})
		}
	}
	if cfg.RequireTests && !hasTest {
		violations = append(violations, Violation{
			RuleID:  RuleTestContract,
			Module:  module,
			Message: fmt.Sprintf("module %q has no test file", module),
		})
	}
	return violations
}

func scanImports(content string) []string {
	var imports []string
	for _, pattern := range importPatterns {
		for _, m := range pattern.FindAllStringSubmatch(content, -1) {
			imports = append(imports, m[1])
		}
	}
	return imports
}

// checkImport resolves one import from file. It returns a violation for
// unresolved relative targets or layer matrix breaches, and a module graph
// edge for cross-module imports.
func checkImport(dir string, cfg ArchitectureConfig, file, imp string) (*Violation, *[2]string) {
	if !strings.HasPrefix(imp, "./") && !strings.HasPrefix(imp, "../") {
		// package import, not ours to resolve
		return nil, nil
	}
	target := path.Clean(path.Join(path.Dir(file), imp))
	resolved := resolveImportTarget(dir, target)
	if resolved == "" {
		return &Violation{
			RuleID:  RuleImportMissing,
			Path:    file,
			Import:  imp,
			Message: fmt.Sprintf("import %q from %q resolves to nothing", imp, file),
		}, nil
	}

	srcModule, srcLayer := moduleAndLayer(cfg, file)
	dstModule, dstLayer := moduleAndLayer(cfg, resolved)
	if srcModule == "" || dstModule == "" {
		return nil, nil
	}
	if srcModule != dstModule {
		return nil, &[2]string{srcModule, dstModule}
	}
	if srcLayer != "" && dstLayer != "" && srcLayer != dstLayer && !layerAllowed(cfg, srcLayer, dstLayer) {
		return &Violation{
			RuleID:      RuleLayerBoundary,
			Path:        file,
			Module:      srcModule,
			SourceLayer: srcLayer,
			TargetLayer: dstLayer,
			Import:      imp,
			Message:     fmt.Sprintf("layer %q may not import layer %q", srcLayer, dstLayer),
		}, nil
	}
	return nil, nil
}

func resolveImportTarget(dir, target string) string {
	candidates := []string{target}
	for _, ext := range sourceExtensions {
		candidates = append(candidates, target+ext)
	}
	for _, ext := range sourceExtensions {
		candidates = append(candidates, path.Join(target, "index"+ext))
	}
	for _, c := range candidates {
		info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(c)))
		if err == nil && !info.IsDir() {
			return c
		}
	}
	return ""
}

func moduleAndLayer(cfg ArchitectureConfig, file string) (string, string) {
	prefix := strings.TrimSuffix(cfg.ModulesDir, "/") + "/"
	if !strings.HasPrefix(file, prefix) {
		return "", ""
	}
	rest := strings.TrimPrefix(file, prefix)
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 2 {
		return parts[0], ""
	}
	module := parts[0]
	layer := parts[1]
	for _, known := range cfg.Layers {
		if layer == known {
			return module, layer
		}
	}
	return module, ""
}

func layerAllowed(cfg ArchitectureConfig, src, dst string) bool {
	for _, allowed := range cfg.LayerImports[src] {
		if allowed == dst {
			return true
		}
	}
	return false
}

// findCycles reports each module dependency cycle once, anchored at its
// lexicographically smallest member.
func findCycles(edges map[string]map[string]bool) []Violation {
	nodes := make([]string, 0, len(edges))
	for n := range edges {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	var violations []Violation
	seenCycles := map[string]bool{}
	var stack []string
	onStack := map[string]bool{}
	visited := map[string]bool{}

	var visit func(n string)
	visit = func(n string) {
		visited[n] = true
		onStack[n] = true
		stack = append(stack, n)
		targets := make([]string, 0, len(edges[n]))
		for t := range edges[n] {
			targets = append(targets, t)
		}
		sort.Strings(targets)
		for _, t := range targets {
			if onStack[t] {
				cycle := extractCycle(stack, t)
				key := strings.Join(cycle, "->")
				if !seenCycles[key] {
					seenCycles[key] = true
					violations = append(violations, Violation{
						RuleID:  RuleGraphCycle,
						Module:  cycle[0],
						Message: fmt.Sprintf("module dependency cycle: %s", strings.Join(append(cycle, cycle[0]), " -> ")),
					})
				}
				continue
			}
			if !visited[t] {
				visit(t)
			}
		}
		onStack[n] = false
		stack = stack[:len(stack)-1]
	}
	for _, n := range nodes {
		if !visited[n] {
			visit(n)
		}
	}
	return violations
}

func extractCycle(stack []string, start string) []string {
	idx := 0
	for i, n := range stack {
		if n == start {
			idx = i
			break
		}
	}
	cycle := append([]string(nil), stack[idx:]...)
	// rotate so the smallest member leads, making the cycle key stable
	min := 0
	for i, n := range cycle {
		if n < cycle[min] {
			min = i
		}
	}
	return append(cycle[min:], cycle[:min]...)
}

func isSourceFile(name string) bool {
	for _, ext := range sourceExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}
