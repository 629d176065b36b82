// Package contract computes the execution contract that binds a run to a
// deterministic configuration. A contract is the effective configuration
// (profile defaults plus per-field overrides) together with a hash over the
// versioned policy material. Resume and fork compare contracts field by
// field; drift is an explicit caller decision, never silent.
package contract

import (
	"fmt"
	"os"
	"strconv"

	"github.com/metalagman/deeprun/internal/canonical"
	"github.com/metalagman/deeprun/internal/fault"
)

// Engine-supported policy versions. Persisted material carrying a higher
// version is never downgraded; governance reports UNSUPPORTED_CONTRACT.
const (
	SchemaVersion           = 1
	DeterminismVersion      = 1
	PlannerVersion          = 1
	CorrectionRecipeVersion = 1
	ValidationPolicyVersion = 1
)

// Mode gates a policy concern.
type Mode string

const (
	ModeOff     Mode = "off"
	ModeWarn    Mode = "warn"
	ModeEnforce Mode = "enforce"
)

func (m Mode) valid() bool {
	switch m {
	case ModeOff, ModeWarn, ModeEnforce:
		return true
	}
	return false
}

// Profile names a set of configuration defaults.
type Profile string

const (
	ProfileFull  Profile = "full"
	ProfileCI    Profile = "ci"
	ProfileSmoke Profile = "smoke"
)

// Config is the effective execution configuration of a run. It is frozen
// into run metadata at creation and persisted in camelCase wire form.
type Config struct {
	Profile                      Profile `json:"profile"`
	LightValidationMode          Mode    `json:"lightValidationMode"`
	HeavyValidationMode          Mode    `json:"heavyValidationMode"`
	MaxRuntimeCorrectionAttempts int     `json:"maxRuntimeCorrectionAttempts"`
	MaxHeavyCorrectionAttempts   int     `json:"maxHeavyCorrectionAttempts"`
	CorrectionPolicyMode         Mode    `json:"correctionPolicyMode"`
	CorrectionConvergenceMode    Mode    `json:"correctionConvergenceMode"`
	PlannerTimeoutMs             int     `json:"plannerTimeoutMs"`
	MaxFilesPerStep              int     `json:"maxFilesPerStep"`
	MaxTotalDiffBytes            int     `json:"maxTotalDiffBytes"`
	MaxFileBytes                 int     `json:"maxFileBytes"`
	AllowEnvMutation             bool    `json:"allowEnvMutation"`
}

// Overrides applies after profile defaults. Nil fields keep the default.
type Overrides struct {
	LightValidationMode          *Mode `json:"lightValidationMode,omitempty"`
	HeavyValidationMode          *Mode `json:"heavyValidationMode,omitempty"`
	MaxRuntimeCorrectionAttempts *int  `json:"maxRuntimeCorrectionAttempts,omitempty"`
	MaxHeavyCorrectionAttempts   *int  `json:"maxHeavyCorrectionAttempts,omitempty"`
	CorrectionPolicyMode         *Mode `json:"correctionPolicyMode,omitempty"`
	CorrectionConvergenceMode    *Mode `json:"correctionConvergenceMode,omitempty"`
	PlannerTimeoutMs             *int  `json:"plannerTimeoutMs,omitempty"`
	MaxFilesPerStep              *int  `json:"maxFilesPerStep,omitempty"`
	MaxTotalDiffBytes            *int  `json:"maxTotalDiffBytes,omitempty"`
	MaxFileBytes                 *int  `json:"maxFileBytes,omitempty"`
	AllowEnvMutation             *bool `json:"allowEnvMutation,omitempty"`
}

func profileDefaults(p Profile) (Config, error) {
	base := Config{
		Profile:           p,
		MaxFilesPerStep:   15,
		MaxTotalDiffBytes: 400_000,
		MaxFileBytes:      1_500_000,
	}
	switch p {
	case ProfileFull:
		base.LightValidationMode = ModeEnforce
		base.HeavyValidationMode = ModeEnforce
		base.MaxRuntimeCorrectionAttempts = 5
		base.MaxHeavyCorrectionAttempts = 3
		base.CorrectionPolicyMode = ModeEnforce
		base.CorrectionConvergenceMode = ModeEnforce
		base.PlannerTimeoutMs = 120_000
	case ProfileCI, ProfileSmoke:
		base.LightValidationMode = ModeOff
		base.HeavyValidationMode = ModeOff
		base.MaxRuntimeCorrectionAttempts = 0
		base.MaxHeavyCorrectionAttempts = 0
		base.CorrectionPolicyMode = ModeWarn
		base.CorrectionConvergenceMode = ModeWarn
		base.PlannerTimeoutMs = 5_000
	default:
		return Config{}, fault.NotFound("execution profile %q", p)
	}
	return base, nil
}

// envInt reads an integer environment fallback, ignoring malformed values.
func envInt(name string, apply func(int)) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return
	}
	apply(v)
}

func envMode(name string, apply func(Mode)) {
	raw := Mode(os.Getenv(name))
	if !raw.valid() {
		return
	}
	apply(raw)
}

// Resolve computes the effective configuration: profile defaults, then
// environment fallbacks, then per-field overrides last.
func Resolve(profile Profile, overrides Overrides) (Config, error) {
	cfg, err := profileDefaults(profile)
	if err != nil {
		return Config{}, err
	}

	envInt("AGENT_FS_MAX_FILE_BYTES", func(v int) { cfg.MaxFileBytes = v })
	envInt("AGENT_FS_MAX_TOTAL_DIFF_BYTES", func(v int) { cfg.MaxTotalDiffBytes = v })
	envMode("AGENT_LIGHT_VALIDATION_MODE", func(m Mode) { cfg.LightValidationMode = m })
	envMode("AGENT_HEAVY_VALIDATION_MODE", func(m Mode) { cfg.HeavyValidationMode = m })

	if o := overrides.LightValidationMode; o != nil {
		cfg.LightValidationMode = *o
	}
	if o := overrides.HeavyValidationMode; o != nil {
		cfg.HeavyValidationMode = *o
	}
	if o := overrides.MaxRuntimeCorrectionAttempts; o != nil {
		cfg.MaxRuntimeCorrectionAttempts = *o
	}
	if o := overrides.MaxHeavyCorrectionAttempts; o != nil {
		cfg.MaxHeavyCorrectionAttempts = *o
	}
	if o := overrides.CorrectionPolicyMode; o != nil {
		cfg.CorrectionPolicyMode = *o
	}
	if o := overrides.CorrectionConvergenceMode; o != nil {
		cfg.CorrectionConvergenceMode = *o
	}
	if o := overrides.PlannerTimeoutMs; o != nil {
		cfg.PlannerTimeoutMs = *o
	}
	if o := overrides.MaxFilesPerStep; o != nil {
		cfg.MaxFilesPerStep = *o
	}
	if o := overrides.MaxTotalDiffBytes; o != nil {
		cfg.MaxTotalDiffBytes = *o
	}
	if o := overrides.MaxFileBytes; o != nil {
		cfg.MaxFileBytes = *o
	}
	if o := overrides.AllowEnvMutation; o != nil {
		cfg.AllowEnvMutation = *o
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if !c.LightValidationMode.valid() || !c.HeavyValidationMode.valid() ||
		!c.CorrectionPolicyMode.valid() || !c.CorrectionConvergenceMode.valid() {
		return fmt.Errorf("invalid validation or correction mode")
	}
	if c.MaxRuntimeCorrectionAttempts < 0 || c.MaxRuntimeCorrectionAttempts > 5 {
		return fmt.Errorf("maxRuntimeCorrectionAttempts %d out of [0,5]", c.MaxRuntimeCorrectionAttempts)
	}
	if c.MaxHeavyCorrectionAttempts < 0 || c.MaxHeavyCorrectionAttempts > 3 {
		return fmt.Errorf("maxHeavyCorrectionAttempts %d out of [0,3]", c.MaxHeavyCorrectionAttempts)
	}
	if c.PlannerTimeoutMs < 1000 {
		return fmt.Errorf("plannerTimeoutMs %d below 1000", c.PlannerTimeoutMs)
	}
	if c.MaxFilesPerStep < 1 || c.MaxTotalDiffBytes < 1 || c.MaxFileBytes < 1 {
		return fmt.Errorf("file session budgets must be >= 1")
	}
	return nil
}

// Material is the hashed portion of a contract: the policy versions and
// randomness seed that pin run behavior. Keys are the camelCase wire names.
type Material struct {
	ExecutionContractSchemaVersion int   `json:"executionContractSchemaVersion"`
	DeterminismPolicyVersion       int   `json:"determinismPolicyVersion"`
	PlannerPolicyVersion           int   `json:"plannerPolicyVersion"`
	CorrectionRecipeVersion        int   `json:"correctionRecipeVersion"`
	ValidationPolicyVersion        int   `json:"validationPolicyVersion"`
	RandomnessSeed                 int64 `json:"randomnessSeed"`
}

// Contract is the sealed result: effective configuration plus hashed
// material and the fallback record for any policy version the engine could
// not honor.
type Contract struct {
	SchemaVersion  int      `json:"schemaVersion"`
	Hash           string   `json:"hash"`
	Material       Material `json:"material"`
	Config         Config   `json:"config"`
	FallbackUsed   bool     `json:"fallbackUsed"`
	FallbackFields []string `json:"fallbackFields,omitempty"`
}

// Request names the policy versions a caller asks for. Zero values take the
// engine defaults without recording a fallback.
type Request struct {
	DeterminismPolicyVersion int
	PlannerPolicyVersion     int
	CorrectionRecipeVersion  int
	ValidationPolicyVersion  int
	RandomnessSeed           int64
}

// Seal resolves the requested material against the engine-supported
// versions and hashes it. A requested version above what the engine
// supports falls back to the engine default and is recorded; governance
// surfaces the fallback.
func Seal(cfg Config, req Request) (Contract, error) {
	material := Material{
		ExecutionContractSchemaVersion: SchemaVersion,
		DeterminismPolicyVersion:       DeterminismVersion,
		PlannerPolicyVersion:           PlannerVersion,
		CorrectionRecipeVersion:        CorrectionRecipeVersion,
		ValidationPolicyVersion:        ValidationPolicyVersion,
		RandomnessSeed:                 req.RandomnessSeed,
	}
	var fallback []string
	take := func(field string, requested, supported int, apply func(int)) {
		if requested == 0 {
			return
		}
		if requested > supported {
			fallback = append(fallback, field)
			return
		}
		apply(requested)
	}
	take("determinismPolicyVersion", req.DeterminismPolicyVersion, DeterminismVersion,
		func(v int) { material.DeterminismPolicyVersion = v })
	take("plannerPolicyVersion", req.PlannerPolicyVersion, PlannerVersion,
		func(v int) { material.PlannerPolicyVersion = v })
	take("correctionRecipeVersion", req.CorrectionRecipeVersion, CorrectionRecipeVersion,
		func(v int) { material.CorrectionRecipeVersion = v })
	take("validationPolicyVersion", req.ValidationPolicyVersion, ValidationPolicyVersion,
		func(v int) { material.ValidationPolicyVersion = v })

	hash, err := canonical.Hash(material)
	if err != nil {
		return Contract{}, fmt.Errorf("hash contract material: %w", err)
	}
	return Contract{
		SchemaVersion:  SchemaVersion,
		Hash:           hash,
		Material:       material,
		Config:         cfg,
		FallbackUsed:   len(fallback) > 0,
		FallbackFields: fallback,
	}, nil
}

// UnsupportedFields lists persisted material versions above what this
// engine supports. A non-empty result blocks governance PASS.
func UnsupportedFields(m Material) []string {
	var fields []string
	if m.ExecutionContractSchemaVersion > SchemaVersion {
		fields = append(fields, "executionContractSchemaVersion")
	}
	if m.DeterminismPolicyVersion > DeterminismVersion {
		fields = append(fields, "determinismPolicyVersion")
	}
	if m.PlannerPolicyVersion > PlannerVersion {
		fields = append(fields, "plannerPolicyVersion")
	}
	if m.CorrectionRecipeVersion > CorrectionRecipeVersion {
		fields = append(fields, "correctionRecipeVersion")
	}
	if m.ValidationPolicyVersion > ValidationPolicyVersion {
		fields = append(fields, "validationPolicyVersion")
	}
	return fields
}
