// Package kernel orchestrates agent runs end to end: queueing against the
// project branch lock, resume and fork with contract drift checks, the
// step execution loop with bounded correction, the output validation gate
// and the governance decision. All state lives in the store and the
// content-addressed workspace; the kernel itself is stateless between
// calls, which is what lets any worker pick up any job.
package kernel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/metalagman/deeprun/internal/contract"
	"github.com/metalagman/deeprun/internal/correction"
	"github.com/metalagman/deeprun/internal/fault"
	"github.com/metalagman/deeprun/internal/governance"
	"github.com/metalagman/deeprun/internal/logging"
	"github.com/metalagman/deeprun/internal/planner"
	"github.com/metalagman/deeprun/internal/store"
	"github.com/metalagman/deeprun/internal/validation"
	"github.com/metalagman/deeprun/internal/workspace"
)

// Kernel wires the store, workspace manager, planner and validation
// pipeline into the run orchestration surface.
type Kernel struct {
	store      *store.Store
	workspaces *workspace.Manager
	planner    planner.Planner
	pipeline   *validation.Pipeline
	logger     zerolog.Logger
}

// New assembles a kernel.
func New(st *store.Store, ws *workspace.Manager, pl planner.Planner, pipe *validation.Pipeline) *Kernel {
	return &Kernel{
		store:      st,
		workspaces: ws,
		planner:    pl,
		pipeline:   pipe,
		logger:     logging.Component("kernel"),
	}
}

// QueueRunParams describes a new run request.
type QueueRunParams struct {
	ProjectID string
	Prompt    string
	Profile   contract.Profile
	Overrides contract.Overrides
	Policy    contract.Request

	TargetRole           string
	RequiredCapabilities []string
}

// QueueRun creates a run, freezes its execution contract, branches the
// workspace and enqueues the dispatch job, all gated on the project branch
// lock: one live run per project.
func (k *Kernel) QueueRun(ctx context.Context, p QueueRunParams) (store.Run, error) {
	project, err := k.store.GetProject(ctx, p.ProjectID)
	if err != nil {
		return store.Run{}, err
	}
	if active, err := k.store.ActiveRunID(ctx, p.ProjectID); err != nil {
		return store.Run{}, err
	} else if active != "" {
		return store.Run{}, fault.BranchLocked("project %q is locked by run %q", p.ProjectID, active).
			WithDetail("activeRunId", active)
	}

	profile := p.Profile
	if profile == "" {
		profile = contract.ProfileFull
	}
	cfg, err := contract.Resolve(profile, p.Overrides)
	if err != nil {
		return store.Run{}, err
	}
	sealed, err := contract.Seal(cfg, p.Policy)
	if err != nil {
		return store.Run{}, err
	}

	ws, err := k.workspaces.Open(p.ProjectID)
	if err != nil {
		return store.Run{}, err
	}
	runID := uuid.NewString()
	branch := workspace.RunBranch(runID)
	base, err := ws.BranchFrom(mainBranch(project), branch)
	if err != nil {
		return store.Run{}, err
	}

	metaJSON, err := encodeMetadata(RunMetadata{
		ExecutionConfig:  cfg,
		ContractHash:     sealed.Hash,
		ContractMaterial: sealed.Material,
		FallbackUsed:     sealed.FallbackUsed,
		FallbackFields:   sealed.FallbackFields,
	})
	if err != nil {
		return store.Run{}, err
	}
	run := store.Run{
		ID:             runID,
		ProjectID:      p.ProjectID,
		Origin:         store.OriginUser,
		Status:         store.RunQueued,
		Branch:         branch,
		BaseCommitHash: base,
		Prompt:         p.Prompt,
		MetadataJSON:   metaJSON,
	}
	job := k.newJob(run, store.JobStart, p.TargetRole, p.RequiredCapabilities)
	if err := k.store.CreateRun(ctx, run, &job); err != nil {
		_ = ws.DeleteBranch(branch)
		return store.Run{}, err
	}
	k.logger.Info().Str("run_id", runID).Str("project_id", p.ProjectID).Msg("run queued")
	return k.store.GetRun(ctx, runID)
}

// ResumeRunParams describes a resume or resume-fork of a terminal run.
type ResumeRunParams struct {
	RunID string
	// Profile defaults to the run's persisted profile. A different profile
	// is contract drift and follows the same drift rules as overrides.
	Profile   contract.Profile
	Overrides contract.Overrides
	Policy    contract.Request

	// AllowDrift accepts an execution config differing from the persisted
	// one and rewrites the stored contract in place; reserved for
	// administrative recovery. Without it, drift fails with
	// ExecutionConfigMismatch carrying the per-field diff.
	AllowDrift bool
	// Fork resumes onto a fresh run instead: new lineage, new contract
	// allowed, empty plan.
	Fork bool

	TargetRole           string
	RequiredCapabilities []string
}

// resumePayload rides on the resume job so the worker can see what was
// requested without re-deriving it.
type resumePayload struct {
	Profile                 contract.Profile `json:"profile"`
	OverrideExecutionConfig bool             `json:"overrideExecutionConfig,omitempty"`
}

// QueueResumeRun continues a terminal run. A plain resume re-queues the
// SAME run with a resume-kind job: plan, step history and the branch at
// its last valid commit all stay in place. Fork instead derives a new run
// from the last valid commit with a fresh contract and an empty plan. The
// requested contract must match the persisted one unless the caller forks
// or explicitly accepts drift.
func (k *Kernel) QueueResumeRun(ctx context.Context, p ResumeRunParams) (store.Run, error) {
	run, err := k.store.GetRun(ctx, p.RunID)
	if err != nil {
		return store.Run{}, err
	}
	if run.Status.Active() {
		return store.Run{}, fault.RunStillActive("run %q is still %s", run.ID, run.Status)
	}
	meta, err := decodeMetadata(run.MetadataJSON)
	if err != nil {
		return store.Run{}, err
	}
	if active, err := k.store.ActiveRunID(ctx, run.ProjectID); err != nil {
		return store.Run{}, err
	} else if active != "" {
		return store.Run{}, fault.BranchLocked("project %q is locked by run %q", run.ProjectID, active).
			WithDetail("activeRunId", active)
	}

	profile := p.Profile
	if profile == "" {
		profile = meta.ExecutionConfig.Profile
	}
	cfg, err := contract.Resolve(profile, p.Overrides)
	if err != nil {
		return store.Run{}, err
	}
	if !p.AllowDrift && !p.Fork {
		if err := contract.CheckCompatible(meta.ExecutionConfig, cfg); err != nil {
			return store.Run{}, err
		}
	}
	sealed, err := contract.Seal(cfg, p.Policy)
	if err != nil {
		return store.Run{}, err
	}

	if p.Fork {
		base := run.LastValidCommitHash
		if base == "" {
			base = run.BaseCommitHash
		}
		return k.createDerivedRun(ctx, run, derivedRun{
			origin: store.OriginFork,
			base:   base,
			meta: RunMetadata{
				ExecutionConfig:  cfg,
				ContractHash:     sealed.Hash,
				ContractMaterial: sealed.Material,
				FallbackUsed:     sealed.FallbackUsed,
				FallbackFields:   sealed.FallbackFields,
				ForkedFromRunID:  run.ID,
			},
			role: p.TargetRole,
			caps: p.RequiredCapabilities,
		})
	}

	if p.AllowDrift {
		meta.ExecutionConfig = cfg
		meta.ContractHash = sealed.Hash
		meta.ContractMaterial = sealed.Material
		meta.FallbackUsed = sealed.FallbackUsed
		meta.FallbackFields = sealed.FallbackFields
	}
	meta.CancelRequested = false
	metaJSON, err := encodeMetadata(meta)
	if err != nil {
		return store.Run{}, err
	}

	payload, err := json.Marshal(resumePayload{
		Profile:                 profile,
		OverrideExecutionConfig: p.AllowDrift,
	})
	if err != nil {
		return store.Run{}, err
	}
	job := k.newJob(run, store.JobResume, p.TargetRole, p.RequiredCapabilities)
	job.PayloadJSON = string(payload)
	if err := k.store.RequeueRun(ctx, run.ID, &metaJSON, job,
		store.EventInput{Type: "run_resumed", Message: "resume queued", DataJSON: string(payload)}); err != nil {
		return store.Run{}, err
	}
	k.logger.Info().Str("run_id", run.ID).Bool("drift", p.AllowDrift).Msg("run resume queued")
	return k.store.GetRun(ctx, run.ID)
}

// ForkRunParams picks the exact step commit a fork starts from.
type ForkRunParams struct {
	RunID     string
	StepIndex int
	Attempt   int

	TargetRole           string
	RequiredCapabilities []string
}

// ForkRun branches a new run off a committed step of a terminal parent.
// The fork bases on the step's commit, continues at the following index
// and replans from scratch.
func (k *Kernel) ForkRun(ctx context.Context, p ForkRunParams) (store.Run, error) {
	parent, err := k.store.GetRun(ctx, p.RunID)
	if err != nil {
		return store.Run{}, err
	}
	if parent.Status.Active() {
		return store.Run{}, fault.RunStillActive("run %q is still %s", parent.ID, parent.Status)
	}
	step, err := k.store.GetStep(ctx, p.RunID, p.StepIndex, p.Attempt)
	if err != nil {
		return store.Run{}, err
	}
	if step.CommitHash == "" {
		return store.Run{}, fault.NotFound("step %s/%d/%d has no commit to fork from",
			p.RunID, p.StepIndex, p.Attempt)
	}
	parentMeta, err := decodeMetadata(parent.MetadataJSON)
	if err != nil {
		return store.Run{}, err
	}
	if active, err := k.store.ActiveRunID(ctx, parent.ProjectID); err != nil {
		return store.Run{}, err
	} else if active != "" {
		return store.Run{}, fault.BranchLocked("project %q is locked by run %q", parent.ProjectID, active).
			WithDetail("activeRunId", active)
	}

	meta := RunMetadata{
		ExecutionConfig:  parentMeta.ExecutionConfig,
		ContractHash:     parentMeta.ContractHash,
		ContractMaterial: parentMeta.ContractMaterial,
		FallbackUsed:     parentMeta.FallbackUsed,
		FallbackFields:   parentMeta.FallbackFields,
		ForkedFromRunID:  parent.ID,
		CurrentStepIndex: p.StepIndex + 1,
	}
	return k.createDerivedRun(ctx, parent, derivedRun{
		origin: store.OriginFork,
		base:   step.CommitHash,
		meta:   meta,
		role:   p.TargetRole,
		caps:   p.RequiredCapabilities,
	})
}

type derivedRun struct {
	origin   store.RunOrigin
	base     string
	planJSON string
	meta     RunMetadata
	role     string
	caps     []string
}

func (k *Kernel) createDerivedRun(ctx context.Context, parent store.Run, d derivedRun) (store.Run, error) {
	project, err := k.store.GetProject(ctx, parent.ProjectID)
	if err != nil {
		return store.Run{}, err
	}
	ws, err := k.workspaces.Open(parent.ProjectID)
	if err != nil {
		return store.Run{}, err
	}
	runID := uuid.NewString()
	branch := workspace.RunBranch(runID)
	if err := branchAt(ws, mainBranch(project), branch, d.base); err != nil {
		return store.Run{}, err
	}

	metaJSON, err := encodeMetadata(d.meta)
	if err != nil {
		_ = ws.DeleteBranch(branch)
		return store.Run{}, err
	}
	run := store.Run{
		ID:                  runID,
		ProjectID:           parent.ProjectID,
		ParentRunID:         parent.ID,
		Origin:              d.origin,
		Status:              store.RunQueued,
		Branch:              branch,
		BaseCommitHash:      d.base,
		LastValidCommitHash: d.base,
		Prompt:              parent.Prompt,
		PlanJSON:            d.planJSON,
		MetadataJSON:        metaJSON,
	}
	job := k.newJob(run, store.JobStart, d.role, d.caps)
	if err := k.store.CreateRun(ctx, run, &job); err != nil {
		_ = ws.DeleteBranch(branch)
		return store.Run{}, err
	}
	k.logger.Info().Str("run_id", runID).Str("parent_run_id", parent.ID).
		Str("origin", string(d.origin)).Msg("derived run queued")
	return k.store.GetRun(ctx, runID)
}

// branchAt creates a branch pointing at an arbitrary existing commit.
func branchAt(ws *workspace.Workspace, src, branch, commitHash string) error {
	head, err := ws.BranchFrom(src, branch)
	if err != nil {
		return err
	}
	if head == commitHash {
		return nil
	}
	if err := ws.ResetHard(branch, commitHash); err != nil {
		_ = ws.DeleteBranch(branch)
		return err
	}
	return nil
}

func (k *Kernel) newJob(run store.Run, kind store.JobKind, role string, caps []string) store.Job {
	if role == "" {
		role = "any"
	}
	return store.Job{
		ID:                   uuid.NewString(),
		RunID:                run.ID,
		ProjectID:            run.ProjectID,
		Kind:                 kind,
		TargetRole:           role,
		RequiredCapabilities: caps,
	}
}

func mainBranch(p store.Project) string {
	if p.MainBranch != "" {
		return p.MainBranch
	}
	return workspace.DefaultBranch
}

// CancelRun requests cancellation. A queued run cancels immediately and
// drops its job; a running run observes the flag at its next suspension
// point. Cancelling a terminal run is a no-op.
func (k *Kernel) CancelRun(ctx context.Context, runID string) error {
	run, err := k.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	meta, err := decodeMetadata(run.MetadataJSON)
	if err != nil {
		return err
	}
	meta.CancelRequested = true
	metaJSON, err := encodeMetadata(meta)
	if err != nil {
		return err
	}

	if run.Status == store.RunQueued {
		status := store.RunCancelled
		finished := store.FormatTime(time.Now())
		if err := k.store.UpdateRun(ctx, runID, store.RunUpdate{
			Status:       &status,
			MetadataJSON: &metaJSON,
			FinishedAt:   &finished,
		}, store.EventInput{Type: "run_cancelled", Message: "cancelled before start"}); err != nil {
			return err
		}
		return k.store.CancelQueuedJob(ctx, runID)
	}
	return k.store.UpdateRun(ctx, runID, store.RunUpdate{MetadataJSON: &metaJSON},
		store.EventInput{Type: "cancel_requested", Message: "cancellation requested"})
}

// Telemetry is the per-run observability summary served with run detail.
type Telemetry struct {
	CorrectiveAttempts int                      `json:"correctiveAttempts"`
	CorrectionPolicy   []correction.RuleOutcome `json:"correctionPolicy,omitempty"`
	StubDebt           []string                 `json:"stubDebt,omitempty"`
	ContractHash       string                   `json:"contractHash"`
	ExecutionConfig    contract.Config          `json:"executionConfig"`
}

// RunDetail is the full read model of one run.
type RunDetail struct {
	Run       store.Run
	Metadata  RunMetadata
	Plan      planner.Plan
	Steps     []store.Step
	Events    []store.RunEvent
	Telemetry Telemetry
}

// GetRunWithSteps loads a run with its step attempts, timeline and
// telemetry summary.
func (k *Kernel) GetRunWithSteps(ctx context.Context, runID string) (RunDetail, error) {
	run, err := k.store.GetRun(ctx, runID)
	if err != nil {
		return RunDetail{}, err
	}
	meta, err := decodeMetadata(run.MetadataJSON)
	if err != nil {
		return RunDetail{}, err
	}
	steps, err := k.store.ListSteps(ctx, runID)
	if err != nil {
		return RunDetail{}, err
	}
	events, err := k.store.ListEvents(ctx, runID)
	if err != nil {
		return RunDetail{}, err
	}
	plan, err := decodePlan(run.PlanJSON)
	if err != nil {
		return RunDetail{}, err
	}
	return RunDetail{
		Run:      run,
		Metadata: meta,
		Plan:     plan,
		Steps:    steps,
		Events:   events,
		Telemetry: Telemetry{
			CorrectiveAttempts: run.CorrectiveAttempts,
			CorrectionPolicy:   meta.CorrectionPolicy,
			StubDebt:           meta.DebtTargets,
			ContractHash:       meta.ContractHash,
			ExecutionConfig:    meta.ExecutionConfig,
		},
	}, nil
}

// ListRuns pages through a project's runs, newest first.
func (k *Kernel) ListRuns(ctx context.Context, projectID, cursor string, limit int) (store.ListRunsPage, error) {
	return k.store.ListRuns(ctx, projectID, cursor, limit)
}

// ValidateOptions tune one output validation.
type ValidateOptions struct {
	// V1Ready additionally runs the strict readiness probes.
	V1Ready bool
}

// ValidateRunOutput runs the full validation pipeline over a terminal
// run's worktree and persists the outcome. It is the output gate, so the
// checks run in enforce mode regardless of the run's in-flight modes.
func (k *Kernel) ValidateRunOutput(ctx context.Context, runID string, opts ValidateOptions) (validation.Report, *validation.V1Report, error) {
	run, err := k.store.GetRun(ctx, runID)
	if err != nil {
		return validation.Report{}, nil, err
	}
	if run.Status.Active() {
		return validation.Report{}, nil, fault.RunStillActive("run %q is still %s", runID, run.Status)
	}
	meta, err := decodeMetadata(run.MetadataJSON)
	if err != nil {
		return validation.Report{}, nil, err
	}
	ws, err := k.workspaces.Open(run.ProjectID)
	if err != nil {
		return validation.Report{}, nil, err
	}
	if !ws.BranchExists(run.Branch) {
		return validation.Report{}, nil, fault.NotFound("branch %q", run.Branch)
	}
	dir, err := ws.WorktreePath(run.Branch)
	if err != nil {
		return validation.Report{}, nil, err
	}

	report, err := k.pipeline.Run(ctx, dir, validation.Modes{
		Light: contract.ModeEnforce,
		Heavy: contract.ModeEnforce,
	})
	if err != nil {
		return validation.Report{}, nil, err
	}
	meta.ValidationStatus = ValidationFailed
	if report.OK {
		meta.ValidationStatus = ValidationPassed
	}
	meta.ValidationReport = &report
	meta.TargetPath = dir

	var v1 *validation.V1Report
	if opts.V1Ready {
		rep, err := k.pipeline.V1Ready(ctx, dir)
		if err != nil {
			return validation.Report{}, nil, err
		}
		v1 = &rep
		meta.V1Ready = v1
	}

	metaJSON, err := encodeMetadata(meta)
	if err != nil {
		return validation.Report{}, nil, err
	}
	if err := k.store.UpdateRun(ctx, runID, store.RunUpdate{MetadataJSON: &metaJSON},
		store.EventInput{Type: "validation_finished", Message: report.Summary}); err != nil {
		return validation.Report{}, nil, err
	}
	return report, v1, nil
}

// Decide maps the run's persisted state into a governance decision.
func (k *Kernel) Decide(ctx context.Context, runID string, opts governance.Options) (governance.Decision, error) {
	run, err := k.store.GetRun(ctx, runID)
	if err != nil {
		return governance.Decision{}, err
	}
	meta, err := decodeMetadata(run.MetadataJSON)
	if err != nil {
		return governance.Decision{}, err
	}
	ws, err := k.workspaces.Open(run.ProjectID)
	if err != nil {
		return governance.Decision{}, err
	}
	head := ""
	if ws.BranchExists(run.Branch) {
		if h, err := ws.BranchHead(run.Branch); err == nil {
			head = h
		}
	}
	active, err := k.store.ActiveRunID(ctx, run.ProjectID)
	if err != nil {
		return governance.Decision{}, err
	}

	return governance.Decide(governance.Input{
		RunID:           run.ID,
		Status:          string(run.Status),
		Validated:       meta.ValidationStatus != "",
		ValidationOK:    meta.ValidationStatus == ValidationPassed,
		ValidationPath:  meta.TargetPath,
		V1ReadyChecked:  meta.V1Ready != nil,
		V1ReadyOK:       meta.V1Ready != nil && meta.V1Ready.OK,
		FinalCommitHash: run.FinalCommitHash,
		ProjectHeadHash: head,
		Contract: governance.ContractInfo{
			SchemaVersion:  contract.SchemaVersion,
			Hash:           meta.ContractHash,
			Material:       meta.ContractMaterial,
			FallbackUsed:   meta.FallbackUsed,
			FallbackFields: meta.FallbackFields,
		},
		OtherRunActive: active != "" && active != runID,
	}, opts)
}
