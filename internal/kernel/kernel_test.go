package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/deeprun/internal/contract"
	"github.com/metalagman/deeprun/internal/db"
	"github.com/metalagman/deeprun/internal/fault"
	"github.com/metalagman/deeprun/internal/filesession"
	"github.com/metalagman/deeprun/internal/governance"
	"github.com/metalagman/deeprun/internal/planner"
	"github.com/metalagman/deeprun/internal/planner/plannertest"
	"github.com/metalagman/deeprun/internal/store"
	"github.com/metalagman/deeprun/internal/validation"
	"github.com/metalagman/deeprun/internal/workspace"
)

type testEnv struct {
	kernel  *Kernel
	store   *store.Store
	manager *workspace.Manager
	planner *plannertest.Scripted
	project store.Project
}

func newEnv(t *testing.T, scripted *plannertest.Scripted) *testEnv {
	t.Helper()
	if scripted == nil {
		scripted = &plannertest.Scripted{}
	}
	dir := t.TempDir()
	sqlDB, err := db.Open(filepath.Join(dir, "deeprun.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	st := store.New(sqlDB)
	manager := workspace.NewManager(filepath.Join(dir, "data"))
	k := New(st, manager, scripted, validation.NewPipeline())

	project := store.Project{ID: uuid.NewString(), Name: "demo", MainBranch: workspace.DefaultBranch}
	require.NoError(t, st.CreateProject(context.Background(), project))
	ws, err := manager.Open(project.ID)
	require.NoError(t, err)
	require.NoError(t, ws.Write(workspace.DefaultBranch, "src/index.ts", []byte("export {}\n")))
	_, err = ws.Commit(workspace.DefaultBranch, workspace.ScaffoldSubject(project.ID), "system")
	require.NoError(t, err)

	return &testEnv{kernel: k, store: st, manager: manager, planner: scripted, project: project}
}

func (e *testEnv) queue(t *testing.T) store.Run {
	t.Helper()
	run, err := e.kernel.QueueRun(context.Background(), QueueRunParams{
		ProjectID: e.project.ID,
		Prompt:    "build a widget service",
	})
	require.NoError(t, err)
	return run
}

func (e *testEnv) job(t *testing.T, runID string) store.Job {
	t.Helper()
	job, err := e.store.ActiveJobForRun(context.Background(), runID)
	require.NoError(t, err)
	require.NotNil(t, job)
	return *job
}

func (e *testEnv) workspaceFor(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws, err := e.manager.Open(e.project.ID)
	require.NoError(t, err)
	return ws
}

func intPtr(v int) *int { return &v }

// threeStepPlan is a read, a mutation and a passing verify.
func threeStepPlan() planner.Plan {
	return planner.Plan{Steps: []planner.Step{
		{ID: "s1", Type: planner.StepAnalyze, Tool: "read_file", Input: json.RawMessage(`{"path":"src/index.ts"}`)},
		{ID: "s2", Type: planner.StepModify, Tool: "ai_mutation", Mutates: true},
		{ID: "s3", Type: planner.StepVerify, Tool: "run_command", Input: json.RawMessage(`{"command":"true"}`)},
	}}
}

func TestQueueRunFreezesContractAndLocksBranch(t *testing.T) {
	env := newEnv(t, nil)
	run := env.queue(t)

	assert.Equal(t, store.RunQueued, run.Status)
	assert.Equal(t, store.OriginUser, run.Origin)
	assert.NotEmpty(t, run.BaseCommitHash)
	assert.True(t, env.workspaceFor(t).BranchExists(run.Branch))

	meta, err := decodeMetadata(run.MetadataJSON)
	require.NoError(t, err)
	assert.Equal(t, contract.ProfileFull, meta.ExecutionConfig.Profile)
	assert.NotEmpty(t, meta.ContractHash)

	env.job(t, run.ID)

	_, err = env.kernel.QueueRun(context.Background(), QueueRunParams{ProjectID: env.project.ID, Prompt: "another"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeBranchLocked))
	assert.Equal(t, run.ID, fault.DetailsOf(err)["activeRunId"])
}

func TestExecuteHappyPath(t *testing.T) {
	scripted := plannertest.StaticPlan(threeStepPlan(), map[string][]filesession.Change{
		"s2": {{
			Path:       "src/app.ts",
			Type:       filesession.ChangeCreate,
			NewContent: []byte("export const app = 1\n"),
		}},
	})
	env := newEnv(t, scripted)
	run := env.queue(t)

	require.NoError(t, env.kernel.Execute(context.Background(), env.job(t, run.ID)))

	got, err := env.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunComplete, got.Status)
	require.NotEmpty(t, got.FinalCommitHash)
	assert.Equal(t, got.FinalCommitHash, got.LastValidCommitHash)
	require.NotNil(t, got.FinishedAt)

	head, err := env.workspaceFor(t).BranchHead(got.Branch)
	require.NoError(t, err)
	assert.Equal(t, head, got.FinalCommitHash)

	steps, err := env.store.ListSteps(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for _, s := range steps {
		assert.Equal(t, store.StepCompleted, s.Status)
	}
	assert.NotEmpty(t, steps[1].CommitHash)
	assert.Equal(t, store.ClassMutation, steps[1].Class)

	content, err := env.workspaceFor(t).Read(got.Branch, "src/app.ts")
	require.NoError(t, err)
	assert.Equal(t, "export const app = 1\n", string(content))

	events, err := env.store.ListEvents(context.Background(), run.ID)
	require.NoError(t, err)
	types := map[string]bool{}
	for _, ev := range events {
		types[ev.Type] = true
	}
	for _, want := range []string{"run_queued", "run_started", "plan_created", "step_completed", "validation_started", "run_completed"} {
		assert.True(t, types[want], "missing event %s", want)
	}
}

func TestExecuteFailsWhenNotCorrectable(t *testing.T) {
	scripted := plannertest.StaticPlan(planner.Plan{Steps: []planner.Step{
		{ID: "s1", Type: planner.StepVerify, Tool: "run_command", Input: json.RawMessage(`{"command":"exit 1"}`)},
	}}, nil)
	env := newEnv(t, scripted)
	run := env.queue(t)

	require.NoError(t, env.kernel.Execute(context.Background(), env.job(t, run.ID)))

	got, err := env.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, got.Status)
	assert.Equal(t, "STEP_FAILED", got.FailureCode)

	steps, err := env.store.ListSteps(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, store.StepFailed, steps[0].Status)
}

func TestExecuteCorrectionLoop(t *testing.T) {
	scripted := &plannertest.Scripted{
		PlanFunc: func(planner.PlanRequest) (planner.Plan, error) {
			return planner.Plan{Steps: []planner.Step{{
				ID:   "s1",
				Type: planner.StepVerify,
				Tool: "run_command",
				Input: json.RawMessage(
					`{"command":"echo \"Cannot find module 'express'\" 1>&2; exit 1"}`),
			}}}, nil
		},
		ProposeFunc: func(req planner.ProposeRequest) ([]filesession.Change, error) {
			return []filesession.Change{{
				Path:       "src/deps.ts",
				Type:       filesession.ChangeCreate,
				NewContent: []byte("export const express = true\n"),
			}}, nil
		},
	}
	env := newEnv(t, scripted)
	run := env.queue(t)

	require.NoError(t, env.kernel.Execute(context.Background(), env.job(t, run.ID)))

	got, err := env.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunComplete, got.Status)
	assert.Equal(t, 1, got.CorrectiveAttempts)

	meta, err := decodeMetadata(got.MetadataJSON)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.RuntimeCorrectionAttempts)
	assert.NotEmpty(t, meta.LastCorrectionFingerprint)

	failed, err := env.store.GetStep(context.Background(), run.ID, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, store.StepFailed, failed.Status)
	corrective, err := env.store.GetStep(context.Background(), run.ID, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, store.StepCompleted, corrective.Status)
	assert.Equal(t, "ai_mutation", corrective.Tool)
	assert.NotEmpty(t, corrective.CommitHash)

	// the amended plan is durable: the corrective step replaced the failed
	// slot in the persisted plan, not just in worker memory
	plan, err := decodePlan(got.PlanJSON)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "s1-2", plan.Steps[0].ID)
	require.NotNil(t, plan.Steps[0].Correction)
	assert.Equal(t, 2, plan.Steps[0].Correction.Attempt)

	corrections := scripted.CorrectionCalls()
	require.Len(t, corrections, 1)
	assert.Equal(t, "s1", corrections[0].FailedStepID)
	assert.Equal(t, 2, corrections[0].Attempt)

	events, err := env.store.ListEvents(context.Background(), run.ID)
	require.NoError(t, err)
	found := false
	for _, ev := range events {
		if ev.Type == "correction_planned" {
			found = true
		}
	}
	assert.True(t, found, "missing correction_planned event")
}

func TestExecuteCorrectionConvergenceStall(t *testing.T) {
	failing := planner.Step{
		ID:   "s1",
		Type: planner.StepVerify,
		Tool: "run_command",
		Input: json.RawMessage(
			`{"command":"echo \"Cannot find module 'express'\" 1>&2; exit 1"}`),
	}
	scripted := &plannertest.Scripted{
		PlanFunc: func(planner.PlanRequest) (planner.Plan, error) {
			return planner.Plan{Steps: []planner.Step{failing}}, nil
		},
		// the corrective attempt reproduces the failure byte for byte
		CorrectionFunc: func(req planner.CorrectionRequest) ([]planner.Step, error) {
			c := failing
			c.ID = fmt.Sprintf("s1-%d", req.Attempt)
			return []planner.Step{c}, nil
		},
	}
	env := newEnv(t, scripted)
	run := env.queue(t)

	require.NoError(t, env.kernel.Execute(context.Background(), env.job(t, run.ID)))

	got, err := env.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, got.Status)
	assert.Equal(t, string(fault.CodeConvergenceStalled), got.FailureCode)

	// the second identical classification blocks before any budget is spent
	// on it
	meta, err := decodeMetadata(got.MetadataJSON)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.RuntimeCorrectionAttempts)
	assert.Equal(t, 1, got.CorrectiveAttempts)
	require.Len(t, scripted.CorrectionCalls(), 1)
}

func TestCorrectionSplicesAllPlannedSteps(t *testing.T) {
	scripted := &plannertest.Scripted{
		PlanFunc: func(planner.PlanRequest) (planner.Plan, error) {
			return planner.Plan{Steps: []planner.Step{{
				ID:   "s1",
				Type: planner.StepVerify,
				Tool: "run_command",
				Input: json.RawMessage(
					`{"command":"echo \"Cannot find module 'express'\" 1>&2; exit 1"}`),
			}}}, nil
		},
		ProposeFunc: func(req planner.ProposeRequest) ([]filesession.Change, error) {
			return []filesession.Change{{
				Path:       "src/deps.ts",
				Type:       filesession.ChangeCreate,
				NewContent: []byte("export const express = true\n"),
			}}, nil
		},
		CorrectionFunc: func(req planner.CorrectionRequest) ([]planner.Step, error) {
			return []planner.Step{
				{ID: fmt.Sprintf("s1-%d", req.Attempt), Type: planner.StepModify, Tool: "ai_mutation", Mutates: true},
				{ID: "s1-verify", Type: planner.StepVerify, Tool: "run_command",
					Input: json.RawMessage(`{"command":"true"}`)},
			}, nil
		},
	}
	env := newEnv(t, scripted)
	run := env.queue(t)

	require.NoError(t, env.kernel.Execute(context.Background(), env.job(t, run.ID)))

	got, err := env.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunComplete, got.Status)

	// both planned correctives land in the persisted plan, in order
	plan, err := decodePlan(got.PlanJSON)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "s1-2", plan.Steps[0].ID)
	assert.Equal(t, "s1-verify", plan.Steps[1].ID)

	verify, err := env.store.GetStep(context.Background(), run.ID, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, store.StepCompleted, verify.Status)
	assert.Equal(t, "run_command", verify.Tool)
}

func TestLastValidAdvancesOnlyForAgentMutations(t *testing.T) {
	off := contract.ModeOff
	lightOff := contract.Overrides{
		LightValidationMode: &off,
	}

	// an ordinary tool write commits but does not move the safe rollback
	// point, so the later failure rolls all the way back to base
	scripted := plannertest.StaticPlan(planner.Plan{Steps: []planner.Step{
		{ID: "s1", Type: planner.StepModify, Tool: "write_file", Mutates: true,
			Input: json.RawMessage(`{"path":"notes.md","content":"draft\n"}`)},
		{ID: "s2", Type: planner.StepVerify, Tool: "run_command",
			Input: json.RawMessage(`{"command":"exit 1"}`)},
	}}, nil)
	env := newEnv(t, scripted)
	run, err := env.kernel.QueueRun(context.Background(), QueueRunParams{
		ProjectID: env.project.ID,
		Prompt:    "draft some notes",
		Overrides: lightOff,
	})
	require.NoError(t, err)
	require.NoError(t, env.kernel.Execute(context.Background(), env.job(t, run.ID)))

	got, err := env.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, got.Status)
	assert.Empty(t, got.LastValidCommitHash)

	written, err := env.store.GetStep(context.Background(), run.ID, 0, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, written.CommitHash)

	head, err := env.workspaceFor(t).BranchHead(got.Branch)
	require.NoError(t, err)
	assert.Equal(t, got.BaseCommitHash, head)

	// an agent mutation does advance it
	scripted2 := plannertest.StaticPlan(planner.Plan{Steps: []planner.Step{
		{ID: "s1", Type: planner.StepModify, Tool: "ai_mutation", Mutates: true},
		{ID: "s2", Type: planner.StepVerify, Tool: "run_command",
			Input: json.RawMessage(`{"command":"exit 1"}`)},
	}}, map[string][]filesession.Change{
		"s1": {{
			Path:       "src/app.ts",
			Type:       filesession.ChangeCreate,
			NewContent: []byte("export const app = 1\n"),
		}},
	})
	env2 := newEnv(t, scripted2)
	run2, err := env2.kernel.QueueRun(context.Background(), QueueRunParams{
		ProjectID: env2.project.ID,
		Prompt:    "build the app",
		Overrides: lightOff,
	})
	require.NoError(t, err)
	require.NoError(t, env2.kernel.Execute(context.Background(), env2.job(t, run2.ID)))

	got2, err := env2.store.GetRun(context.Background(), run2.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, got2.Status)

	mutated, err := env2.store.GetStep(context.Background(), run2.ID, 0, 1)
	require.NoError(t, err)
	require.NotEmpty(t, mutated.CommitHash)
	assert.Equal(t, mutated.CommitHash, got2.LastValidCommitHash)

	head2, err := env2.workspaceFor(t).BranchHead(got2.Branch)
	require.NoError(t, err)
	assert.Equal(t, mutated.CommitHash, head2)
}

func TestExecuteObservesCancellation(t *testing.T) {
	env := newEnv(t, nil)
	env.planner.PlanFunc = func(req planner.PlanRequest) (planner.Plan, error) {
		// cancellation lands while planning; the loop observes it before
		// any step runs
		require.NoError(t, env.kernel.CancelRun(context.Background(), req.RunID))
		return threeStepPlan(), nil
	}
	run := env.queue(t)

	require.NoError(t, env.kernel.Execute(context.Background(), env.job(t, run.ID)))

	got, err := env.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCancelled, got.Status)

	steps, err := env.store.ListSteps(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestCancelQueuedRunDropsJob(t *testing.T) {
	env := newEnv(t, nil)
	run := env.queue(t)

	require.NoError(t, env.kernel.CancelRun(context.Background(), run.ID))

	got, err := env.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCancelled, got.Status)

	job, err := env.store.ActiveJobForRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Nil(t, job)

	// cancelling again is a no-op
	require.NoError(t, env.kernel.CancelRun(context.Background(), run.ID))
}

func TestResumeRejectsActiveRunAndDrift(t *testing.T) {
	env := newEnv(t, nil)
	run := env.queue(t)

	_, err := env.kernel.QueueResumeRun(context.Background(), ResumeRunParams{RunID: run.ID})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeRunStillActive))

	require.NoError(t, env.kernel.CancelRun(context.Background(), run.ID))

	_, err = env.kernel.QueueResumeRun(context.Background(), ResumeRunParams{
		RunID:     run.ID,
		Overrides: contract.Overrides{MaxFilesPerStep: intPtr(5)},
	})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeExecutionConfigMismatch))
	assert.NotNil(t, fault.DetailsOf(err)["diff"])

	// accepted drift resumes the same run and rewrites the stored contract
	resumed, err := env.kernel.QueueResumeRun(context.Background(), ResumeRunParams{
		RunID:      run.ID,
		Overrides:  contract.Overrides{MaxFilesPerStep: intPtr(5)},
		AllowDrift: true,
	})
	require.NoError(t, err)
	assert.Equal(t, run.ID, resumed.ID)
	assert.Equal(t, store.RunQueued, resumed.Status)
	assert.Empty(t, resumed.ParentRunID)
	assert.Nil(t, resumed.FinishedAt)

	job := env.job(t, run.ID)
	assert.Equal(t, store.JobResume, job.Kind)
	assert.Contains(t, job.PayloadJSON, `"overrideExecutionConfig":true`)

	original, err := decodeMetadata(run.MetadataJSON)
	require.NoError(t, err)
	meta, err := decodeMetadata(resumed.MetadataJSON)
	require.NoError(t, err)
	assert.Equal(t, 5, meta.ExecutionConfig.MaxFilesPerStep)
	assert.NotEqual(t, original.ContractHash, meta.ContractHash)
	assert.False(t, meta.CancelRequested)
}

func TestResumeRequeuesSameRun(t *testing.T) {
	scripted := plannertest.StaticPlan(threeStepPlan(), map[string][]filesession.Change{
		"s2": {{
			Path:       "src/app.ts",
			Type:       filesession.ChangeCreate,
			NewContent: []byte("export const app = 1\n"),
		}},
	})
	env := newEnv(t, scripted)
	run := env.queue(t)
	require.NoError(t, env.kernel.CancelRun(context.Background(), run.ID))

	resumed, err := env.kernel.QueueResumeRun(context.Background(), ResumeRunParams{RunID: run.ID})
	require.NoError(t, err)
	assert.Equal(t, run.ID, resumed.ID)
	assert.Equal(t, store.RunQueued, resumed.Status)

	job := env.job(t, run.ID)
	assert.Equal(t, store.JobResume, job.Kind)
	assert.Contains(t, job.PayloadJSON, `"profile":"full"`)

	require.NoError(t, env.kernel.Execute(context.Background(), job))

	got, err := env.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunComplete, got.Status)
	assert.NotEmpty(t, got.FinalCommitHash)

	events, err := env.store.ListEvents(context.Background(), run.ID)
	require.NoError(t, err)
	found := false
	for _, ev := range events {
		if ev.Type == "run_resumed" {
			found = true
		}
	}
	assert.True(t, found, "missing run_resumed event")
}

func TestResumeProfileDriftAndFork(t *testing.T) {
	env := newEnv(t, nil)
	run := env.queue(t)
	require.NoError(t, env.kernel.CancelRun(context.Background(), run.ID))

	// a profile change is contract drift like any other field
	_, err := env.kernel.QueueResumeRun(context.Background(), ResumeRunParams{
		RunID:   run.ID,
		Profile: contract.ProfileCI,
	})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeExecutionConfigMismatch))
	diffRaw, merr := json.Marshal(fault.DetailsOf(err)["diff"])
	require.NoError(t, merr)
	assert.Contains(t, string(diffRaw), `"profile"`)

	// fork instead: a fresh run under the requested profile
	fork, err := env.kernel.QueueResumeRun(context.Background(), ResumeRunParams{
		RunID:   run.ID,
		Profile: contract.ProfileCI,
		Fork:    true,
	})
	require.NoError(t, err)
	assert.NotEqual(t, run.ID, fork.ID)
	assert.Equal(t, store.OriginFork, fork.Origin)
	assert.Equal(t, run.ID, fork.ParentRunID)
	assert.Equal(t, store.RunQueued, fork.Status)
	assert.Empty(t, fork.PlanJSON)

	original, err := decodeMetadata(run.MetadataJSON)
	require.NoError(t, err)
	meta, err := decodeMetadata(fork.MetadataJSON)
	require.NoError(t, err)
	assert.Equal(t, contract.ProfileCI, meta.ExecutionConfig.Profile)
	assert.NotEqual(t, original.ContractHash, meta.ContractHash)
	assert.Equal(t, run.ID, meta.ForkedFromRunID)

	job := env.job(t, fork.ID)
	assert.Equal(t, store.JobStart, job.Kind)
}

func TestForkRunBranchesFromStepCommit(t *testing.T) {
	scripted := plannertest.StaticPlan(threeStepPlan(), map[string][]filesession.Change{
		"s2": {{
			Path:       "src/app.ts",
			Type:       filesession.ChangeCreate,
			NewContent: []byte("export const app = 1\n"),
		}},
	})
	env := newEnv(t, scripted)
	run := env.queue(t)
	require.NoError(t, env.kernel.Execute(context.Background(), env.job(t, run.ID)))

	mutation, err := env.store.GetStep(context.Background(), run.ID, 1, 1)
	require.NoError(t, err)
	require.NotEmpty(t, mutation.CommitHash)

	fork, err := env.kernel.ForkRun(context.Background(), ForkRunParams{
		RunID:     run.ID,
		StepIndex: 1,
		Attempt:   1,
	})
	require.NoError(t, err)
	assert.Equal(t, store.OriginFork, fork.Origin)
	assert.Equal(t, run.ID, fork.ParentRunID)
	assert.Equal(t, mutation.CommitHash, fork.BaseCommitHash)
	assert.Empty(t, fork.PlanJSON)

	meta, err := decodeMetadata(fork.MetadataJSON)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.CurrentStepIndex)
	assert.Equal(t, run.ID, meta.ForkedFromRunID)

	head, err := env.workspaceFor(t).BranchHead(fork.Branch)
	require.NoError(t, err)
	assert.Equal(t, mutation.CommitHash, head)

	// forking a step with no commit fails
	_, err = env.kernel.ForkRun(context.Background(), ForkRunParams{RunID: run.ID, StepIndex: 0, Attempt: 1})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeNotFound))
}

func TestValidateRunOutputAndDecide(t *testing.T) {
	scripted := plannertest.StaticPlan(threeStepPlan(), map[string][]filesession.Change{
		"s2": {{
			Path:       "src/app.ts",
			Type:       filesession.ChangeCreate,
			NewContent: []byte("export const app = 1\n"),
		}},
	})
	env := newEnv(t, scripted)
	run := env.queue(t)

	_, _, err := env.kernel.ValidateRunOutput(context.Background(), run.ID, ValidateOptions{})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeRunStillActive))

	require.NoError(t, env.kernel.Execute(context.Background(), env.job(t, run.ID)))

	report, v1, err := env.kernel.ValidateRunOutput(context.Background(), run.ID, ValidateOptions{})
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Nil(t, v1)

	got, err := env.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	meta, err := decodeMetadata(got.MetadataJSON)
	require.NoError(t, err)
	assert.Equal(t, ValidationPassed, meta.ValidationStatus)
	require.NotNil(t, meta.ValidationReport)

	decision, err := env.kernel.Decide(context.Background(), run.ID, governance.Options{})
	require.NoError(t, err)
	assert.Equal(t, governance.Pass, decision.Decision)
	assert.Empty(t, decision.ReasonCodes)
	require.Len(t, decision.ArtifactRefs, 1)
	assert.Equal(t, "validation_target", decision.ArtifactRefs[0].Kind)

	ok, err := governance.Verify(decision)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDecideFailsForFailedRun(t *testing.T) {
	scripted := plannertest.StaticPlan(planner.Plan{Steps: []planner.Step{
		{ID: "s1", Type: planner.StepVerify, Tool: "run_command", Input: json.RawMessage(`{"command":"exit 1"}`)},
	}}, nil)
	env := newEnv(t, scripted)
	run := env.queue(t)
	require.NoError(t, env.kernel.Execute(context.Background(), env.job(t, run.ID)))

	decision, err := env.kernel.Decide(context.Background(), run.ID, governance.Options{})
	require.NoError(t, err)
	assert.Equal(t, governance.Fail, decision.Decision)
	assert.Contains(t, decision.ReasonCodes, governance.ReasonRunFailed)
	assert.Contains(t, decision.ReasonCodes, governance.ReasonRunNotValidated)
}

func TestExecuteReconcilesInterruptedStep(t *testing.T) {
	scripted := plannertest.StaticPlan(planner.Plan{Steps: []planner.Step{
		{ID: "s1", Type: planner.StepVerify, Tool: "run_command", Input: json.RawMessage(`{"command":"true"}`)},
	}}, nil)
	env := newEnv(t, scripted)
	run := env.queue(t)

	// a previous worker recorded the attempt and died before finishing it
	started := time.Now()
	running := store.RunRunning
	require.NoError(t, env.store.StartStep(context.Background(), store.Step{
		RunID:     run.ID,
		StepIndex: 0,
		Attempt:   1,
		Tool:      "run_command",
		Class:     store.ClassVerify,
		Status:    store.StepRunning,
		StartedAt: &started,
	}, store.RunUpdate{Status: &running}))

	require.NoError(t, env.kernel.Execute(context.Background(), env.job(t, run.ID)))

	interrupted, err := env.store.GetStep(context.Background(), run.ID, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, store.StepFailed, interrupted.Status)
	assert.Equal(t, string(fault.CodeInterruptedStep), interrupted.FailureCode)

	retried, err := env.store.GetStep(context.Background(), run.ID, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, store.StepCompleted, retried.Status)

	got, err := env.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunComplete, got.Status)
}

func TestGetRunWithSteps(t *testing.T) {
	scripted := plannertest.StaticPlan(threeStepPlan(), map[string][]filesession.Change{
		"s2": {{
			Path:       "src/app.ts",
			Type:       filesession.ChangeCreate,
			NewContent: []byte("export const app = 1\n"),
		}},
	})
	env := newEnv(t, scripted)
	run := env.queue(t)
	require.NoError(t, env.kernel.Execute(context.Background(), env.job(t, run.ID)))

	detail, err := env.kernel.GetRunWithSteps(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, detail.Run.ID)
	assert.Len(t, detail.Steps, 3)
	assert.Len(t, detail.Plan.Steps, 3)
	assert.NotEmpty(t, detail.Events)
	assert.Equal(t, detail.Metadata.ContractHash, detail.Telemetry.ContractHash)
	assert.Equal(t, contract.ProfileFull, detail.Telemetry.ExecutionConfig.Profile)
}
