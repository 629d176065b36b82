package validation

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ManifestName is the per-workspace validation manifest file.
const ManifestName = "deeprun.yaml"

// Manifest configures the checks for one workspace. Absent sections fall
// back to defaults; absent commands skip their checks.
type Manifest struct {
	Commands     CommandSet         `yaml:"commands"`
	V1Ready      V1ReadyCommands    `yaml:"v1_ready"`
	Architecture ArchitectureConfig `yaml:"architecture"`
}

// CommandSet holds the shell command lines for the heavy checks.
type CommandSet struct {
	Install     string `yaml:"install,omitempty"`
	Typecheck   string `yaml:"typecheck,omitempty"`
	Build       string `yaml:"build,omitempty"`
	Tests       string `yaml:"tests,omitempty"`
	RuntimeBoot string `yaml:"runtime_boot,omitempty"`
}

// V1ReadyCommands holds the strict readiness probes: boot the container,
// hit the public endpoint, verify seed data.
type V1ReadyCommands struct {
	Boot     string `yaml:"boot,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
	Seed     string `yaml:"seed,omitempty"`
}

// ArchitectureConfig drives the structural walker.
type ArchitectureConfig struct {
	ModulesDir   string              `yaml:"modules_dir"`
	Layers       []string            `yaml:"layers"`
	LayerImports map[string][]string `yaml:"layer_imports"`
	SourceGlobs  []string            `yaml:"source_globs"`
	RequireTests bool                `yaml:"require_tests"`
}

func defaultManifest() Manifest {
	return Manifest{
		Architecture: ArchitectureConfig{
			ModulesDir: "src/modules",
			Layers:     []string{"api", "service", "data"},
			LayerImports: map[string][]string{
				"api":     {"service"},
				"service": {"data"},
				"data":    {},
			},
			SourceGlobs:  []string{"**/*.ts", "**/*.js", "**/*.mjs"},
			RequireTests: false,
		},
	}
}

// LoadManifest reads the workspace manifest, filling defaults. A missing
// file yields the defaults; a malformed one is an error.
func LoadManifest(dir string) (Manifest, error) {
	m := defaultManifest()
	raw, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return m, fmt.Errorf("read %s: %w", ManifestName, err)
	}
	var loaded Manifest
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		return m, fmt.Errorf("parse %s: %w", ManifestName, err)
	}
	m.Commands = loaded.Commands
	m.V1Ready = loaded.V1Ready
	if loaded.Architecture.ModulesDir != "" {
		m.Architecture.ModulesDir = loaded.Architecture.ModulesDir
	}
	if len(loaded.Architecture.Layers) > 0 {
		m.Architecture.Layers = loaded.Architecture.Layers
	}
	if len(loaded.Architecture.LayerImports) > 0 {
		m.Architecture.LayerImports = loaded.Architecture.LayerImports
	}
	if len(loaded.Architecture.SourceGlobs) > 0 {
		m.Architecture.SourceGlobs = loaded.Architecture.SourceGlobs
	}
	m.Architecture.RequireTests = loaded.Architecture.RequireTests
	return m, nil
}
