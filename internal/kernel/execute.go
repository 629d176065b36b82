package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/metalagman/deeprun/internal/contract"
	"github.com/metalagman/deeprun/internal/correction"
	"github.com/metalagman/deeprun/internal/fault"
	"github.com/metalagman/deeprun/internal/filesession"
	"github.com/metalagman/deeprun/internal/logging"
	"github.com/metalagman/deeprun/internal/planner"
	"github.com/metalagman/deeprun/internal/store"
	"github.com/metalagman/deeprun/internal/tools"
	"github.com/metalagman/deeprun/internal/validation"
	"github.com/metalagman/deeprun/internal/workspace"
)

const (
	defaultCommandTimeout = 2 * time.Minute
	defaultBootWindow     = 15 * time.Second
)

// execState is the in-memory execution context of one run on one worker.
type execState struct {
	run      *store.Run
	meta     *RunMetadata
	ws       *workspace.Workspace
	dir      string
	session  *filesession.Session
	plan     []planner.Step
	attempts map[int]int
	logger   zerolog.Logger
}

// stepResult carries a finished attempt's output plus whatever the
// correction classifier needs: the light validation report and the
// runtime log tail.
type stepResult struct {
	outputJSON string
	commitHash string
	report     *validation.Report
	runtimeLog string
}

// Execute drives one claimed job's run to a terminal state or to the next
// durable suspension point. It is safe to call with a stale job: a
// terminal run is a no-op. Crashed predecessors are reconciled from the
// step log before any new work happens.
func (k *Kernel) Execute(ctx context.Context, job store.Job) error {
	run, err := k.store.GetRun(ctx, job.RunID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		k.logger.Debug().Str("run_id", run.ID).Str("job_id", job.ID).Msg("stale job for terminal run")
		return nil
	}
	meta, err := decodeMetadata(run.MetadataJSON)
	if err != nil {
		return err
	}
	ws, err := k.workspaces.Open(run.ProjectID)
	if err != nil {
		return err
	}
	dir, err := ws.WorktreePath(run.Branch)
	if err != nil {
		return err
	}
	st := &execState{
		run:      &run,
		meta:     &meta,
		ws:       ws,
		dir:      dir,
		attempts: map[int]int{},
		logger:   logging.ForRun(run.ID),
	}
	if !ws.BranchExists(run.Branch) {
		return k.finalize(ctx, st, store.RunFailed,
			fault.InterruptedStep("run branch %q is gone", run.Branch))
	}

	if err := k.reconcile(ctx, st); err != nil {
		return err
	}
	if meta.CancelRequested {
		return k.finalize(ctx, st, store.RunCancelled, nil)
	}

	if run.StartedAt == nil {
		status := store.RunRunning
		started := store.FormatTime(time.Now())
		if err := k.store.UpdateRun(ctx, run.ID, store.RunUpdate{Status: &status, StartedAt: &started},
			store.EventInput{Type: "run_started", Message: "execution started"}); err != nil {
			return err
		}
		run.Status = status
		_ = k.store.AppendHistory(ctx, store.HistoryEntry{
			ProjectID: run.ProjectID,
			Kind:      store.HistoryRunStarted,
			Summary:   run.Prompt,
			RunID:     run.ID,
		})
	}

	plan, err := k.ensurePlan(ctx, st)
	if err != nil {
		return k.finalize(ctx, st, store.RunFailed, err)
	}
	st.plan = plan.Steps

	cfg := meta.ExecutionConfig
	session, err := filesession.New(ws, run.Branch, filesession.Limits{
		MaxFilesPerStep:   cfg.MaxFilesPerStep,
		MaxTotalDiffBytes: cfg.MaxTotalDiffBytes,
		MaxFileBytes:      cfg.MaxFileBytes,
		AllowEnvMutation:  cfg.AllowEnvMutation,
	})
	if err != nil {
		return err
	}
	st.session = session

	recorded, err := k.store.ListSteps(ctx, run.ID)
	if err != nil {
		return err
	}
	for _, s := range recorded {
		if s.Attempt > st.attempts[s.StepIndex] {
			st.attempts[s.StepIndex] = s.Attempt
		}
	}

	for {
		for st.meta.CurrentStepIndex < len(st.plan) {
			cancelled, err := k.cancelRequested(ctx, run.ID)
			if err != nil {
				return err
			}
			if cancelled {
				st.meta.CancelRequested = true
				return k.finalize(ctx, st, store.RunCancelled, nil)
			}

			idx := st.meta.CurrentStepIndex
			step := st.plan[idx]
			attempt := st.attempts[idx] + 1
			st.attempts[idx] = attempt

			res, stepErr := k.runStep(ctx, st, step, idx, attempt)
			if stepErr == nil {
				continue
			}
			corrected, cerr := k.correct(ctx, st, step, idx, res)
			if cerr != nil {
				return k.finalize(ctx, st, store.RunFailed, cerr)
			}
			if !corrected {
				return k.finalize(ctx, st, store.RunFailed, stepErr)
			}
		}

		done, err := k.validatePhase(ctx, st)
		if err != nil || done {
			return err
		}
	}
}

// ensurePlan returns the persisted plan or asks the planner for one within
// the contract's planning timeout.
func (k *Kernel) ensurePlan(ctx context.Context, st *execState) (planner.Plan, error) {
	if st.run.PlanJSON != "" {
		return decodePlan(st.run.PlanJSON)
	}
	cfg := st.meta.ExecutionConfig
	planCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.PlannerTimeoutMs)*time.Millisecond)
	defer cancel()
	plan, err := k.planner.Plan(planCtx, planner.PlanRequest{
		RunID:     st.run.ID,
		ProjectID: st.run.ProjectID,
		Goal:      st.run.Prompt,
	})
	if err != nil {
		return planner.Plan{}, err
	}
	if err := planner.ValidatePlan(plan); err != nil {
		return planner.Plan{}, fault.PlannerFailed("planner returned an unusable plan").Wrap(err)
	}
	raw, err := json.Marshal(plan)
	if err != nil {
		return planner.Plan{}, fmt.Errorf("encode plan: %w", err)
	}
	planJSON := string(raw)
	if err := k.store.UpdateRun(ctx, st.run.ID, store.RunUpdate{PlanJSON: &planJSON},
		store.EventInput{Type: "plan_created", Message: fmt.Sprintf("%d step(s) planned", len(plan.Steps))}); err != nil {
		return planner.Plan{}, err
	}
	st.run.PlanJSON = planJSON
	return plan, nil
}

// runStep executes one attempt of one plan step: record, run the tool,
// commit or roll back, gate mutations through light validation, persist.
func (k *Kernel) runStep(ctx context.Context, st *execState, step planner.Step, idx, attempt int) (stepResult, error) {
	runStatus := store.RunRunning
	if step.Correction != nil {
		runStatus = store.RunCorrecting
	}

	started := time.Now()
	row := store.Step{
		RunID:     st.run.ID,
		StepIndex: idx,
		Attempt:   attempt,
		Tool:      step.Tool,
		Class:     classOf(step.Tool),
		Status:    store.StepRunning,
		InputJSON: string(step.Input),
		StartedAt: &started,
	}
	metaJSON, err := encodeMetadata(*st.meta)
	if err != nil {
		return stepResult{}, err
	}
	if err := k.store.StartStep(ctx, row, store.RunUpdate{Status: &runStatus, MetadataJSON: &metaJSON},
		store.EventInput{
			Type:    "step_started",
			Message: fmt.Sprintf("step %d (%s) attempt %d", idx, step.Tool, attempt),
		}); err != nil {
		return stepResult{}, err
	}
	st.run.Status = runStatus

	tool, err := tools.Lookup(step.Tool)
	if err != nil {
		return k.finishStep(ctx, st, row, stepResult{}, err)
	}

	if tool.Mutates {
		var scope *filesession.Scope
		if step.Correction != nil {
			c := step.Correction.Constraint
			scope = &filesession.Scope{
				MaxFiles:            c.MaxFiles,
				MaxTotalDiffBytes:   c.MaxTotalDiffBytes,
				AllowedPathPrefixes: c.AllowedPathPrefixes,
			}
		}
		if err := st.session.BeginStep(step.ID, idx, scope); err != nil {
			return k.finishStep(ctx, st, row, stepResult{}, err)
		}
	}

	out, herr := tool.Handler(ctx, tools.Invocation{
		RunID:          st.run.ID,
		ProjectID:      st.run.ProjectID,
		Goal:           st.run.Prompt,
		Branch:         st.run.Branch,
		StepID:         step.ID,
		StepIndex:      idx,
		Input:          step.Input,
		Workspace:      st.ws,
		Session:        st.session,
		WorktreeDir:    st.dir,
		Planner:        k.planner,
		CommandTimeout: defaultCommandTimeout,
		BootWindow:     defaultBootWindow,
	})
	res := stepResult{outputJSON: string(out)}
	if herr != nil {
		res.runtimeLog = stderrFromOutput(out)
		if tool.Mutates {
			_ = st.session.AbortStep()
		}
		return k.finishStep(ctx, st, row, res, herr)
	}

	if tool.Mutates {
		return k.commitMutation(ctx, st, step, row, res)
	}
	if tool.Kind == tools.KindVerify {
		if head, err := st.ws.BranchHead(st.run.Branch); err == nil {
			st.run.LastValidCommitHash = head
		}
	}
	return k.finishStep(ctx, st, row, res, nil)
}

// commitMutation finishes a mutating step: budget validation, apply,
// commit, the correction policy over corrective attempts and the light
// validation gate. Any failure past the commit rolls the branch back to
// the last valid commit.
func (k *Kernel) commitMutation(ctx context.Context, st *execState, step planner.Step, row store.Step, res stepResult) (stepResult, error) {
	cfg := st.meta.ExecutionConfig

	if err := st.session.ValidateStep(); err != nil {
		_ = st.session.AbortStep()
		return k.finishStep(ctx, st, row, res, err)
	}
	if err := st.session.ApplyStepChanges(); err != nil {
		_ = st.session.AbortStep()
		return k.finishStep(ctx, st, row, res, err)
	}
	hash, err := st.session.CommitStep(filesession.CommitParams{
		AgentRunID: st.run.ID,
		StepIndex:  row.StepIndex,
		Tool:       step.Tool,
	})
	if err != nil {
		if fault.Is(err, fault.CodeEmptyCommit) {
			// the tool staged nothing that changed the tree
			_ = st.session.AbortStep()
			return k.finishStep(ctx, st, row, res, nil)
		}
		_ = st.session.AbortStep()
		return k.finishStep(ctx, st, row, res, err)
	}
	res.commitHash = hash

	if step.Correction != nil {
		outcomes, blocked := correction.EvaluatePolicy(correction.PolicyInput{
			StepID:          step.ID,
			Attempt:         step.Correction.Attempt,
			Phase:           step.Correction.Phase,
			StagedPaths:     diffPaths(st.session.LastCommittedDiffs()),
			Constraint:      step.Correction.Constraint,
			PolicyMode:      cfg.CorrectionPolicyMode,
			ConvergenceMode: contract.ModeOff,
		})
		st.meta.CorrectionPolicy = append(st.meta.CorrectionPolicy, outcomes...)
		if blocked != nil {
			k.rollback(st)
			res.commitHash = ""
			return k.finishStep(ctx, st, row, res, blocked)
		}
	}

	if cfg.LightValidationMode == contract.ModeOff {
		// With light validation off only agent-authored mutations advance
		// the safe rollback point; ordinary tool writes wait for a
		// validating transition.
		if step.Tool == tools.AIMutation || step.Tool == tools.ManualFileWrite {
			st.run.LastValidCommitHash = hash
		}
		return k.finishStep(ctx, st, row, res, nil)
	}
	report, err := k.pipeline.Run(ctx, st.dir, validation.Modes{
		Light: cfg.LightValidationMode,
		Heavy: contract.ModeOff,
	})
	if err != nil {
		k.rollback(st)
		res.commitHash = ""
		return k.finishStep(ctx, st, row, res, err)
	}
	res.report = &report
	if !report.OK {
		k.rollback(st)
		res.commitHash = ""
		return k.finishStep(ctx, st, row, res,
			fmt.Errorf("light validation failed: %s", report.Summary))
	}
	return k.finishStep(ctx, st, row, res, nil)
}

// finishStep persists the attempt outcome together with the run's rolling
// metadata and last valid commit. On success the run position advances.
func (k *Kernel) finishStep(ctx context.Context, st *execState, row store.Step, res stepResult, stepErr error) (stepResult, error) {
	finished := time.Now()
	row.FinishedAt = &finished
	row.OutputJSON = res.outputJSON
	row.CommitHash = res.commitHash

	event := store.EventInput{}
	if stepErr == nil {
		row.Status = store.StepCompleted
		st.meta.CurrentStepIndex = row.StepIndex + 1
		event.Type = "step_completed"
		event.Message = fmt.Sprintf("step %d (%s) completed", row.StepIndex, row.Tool)
	} else {
		row.Status = store.StepFailed
		row.FailureCode = failureCode(stepErr)
		row.FailureMessage = stepErr.Error()
		event.Type = "step_failed"
		event.Message = fmt.Sprintf("step %d (%s) failed: %v", row.StepIndex, row.Tool, stepErr)
	}

	metaJSON, err := encodeMetadata(*st.meta)
	if err != nil {
		return res, err
	}
	update := store.RunUpdate{MetadataJSON: &metaJSON}
	if st.run.LastValidCommitHash != "" {
		update.LastValidCommitHash = &st.run.LastValidCommitHash
	}
	if err := k.store.FinishStep(ctx, row, update, event); err != nil {
		return res, err
	}
	return res, stepErr
}

// correct classifies a failed attempt and, when the profile and budgets
// allow, replaces the failed plan slot with a bounded corrective step.
// A false return with nil error means the failure is not auto-correctable;
// a non-nil error is itself run-fatal.
func (k *Kernel) correct(ctx context.Context, st *execState, failed planner.Step, idx int, res stepResult) (bool, error) {
	cfg := st.meta.ExecutionConfig
	report := validation.Report{}
	if res.report != nil {
		report = *res.report
	}
	profile := correction.Classify(report, res.runtimeLog)
	if !profile.ShouldAutoCorrect {
		return false, nil
	}

	heavy := profile.Reason == correction.ReasonTypecheck || profile.Reason == correction.ReasonBuild
	budget, used := cfg.MaxRuntimeCorrectionAttempts, st.meta.RuntimeCorrectionAttempts
	if heavy {
		budget, used = cfg.MaxHeavyCorrectionAttempts, st.meta.HeavyCorrectionAttempts
	}
	if used >= budget {
		return false, nil
	}

	fp, err := correction.Fingerprint(profile)
	if err != nil {
		return false, err
	}
	if fp == st.meta.LastCorrectionFingerprint {
		outcomes, blocked := correction.EvaluatePolicy(correction.PolicyInput{
			StepID:              failed.ID,
			Attempt:             st.attempts[idx],
			Phase:               correction.PhaseGoal,
			Fingerprint:         fp,
			PreviousFingerprint: st.meta.LastCorrectionFingerprint,
			PolicyMode:          contract.ModeOff,
			ConvergenceMode:     cfg.CorrectionConvergenceMode,
		})
		st.meta.CorrectionPolicy = append(st.meta.CorrectionPolicy, outcomes...)
		if blocked != nil {
			return false, blocked
		}
	}

	nextAttempt := st.attempts[idx] + 1
	baseID := failed.ID
	if failed.Correction != nil {
		baseID = strings.TrimSuffix(baseID, "-"+strconv.Itoa(failed.Correction.Attempt))
	}
	constraint := correction.ConstraintFor(profile, cfg.MaxTotalDiffBytes)
	envelope := &planner.CorrectionEnvelope{
		Phase:          correction.PhaseGoal,
		Attempt:        nextAttempt,
		FailedStepID:   failed.ID,
		Classification: profile,
		Constraint:     constraint,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339),
	}
	corrective := planner.Step{
		ID:         fmt.Sprintf("%s-%d", baseID, nextAttempt),
		Type:       planner.StepModify,
		Tool:       tools.AIMutation,
		Mutates:    true,
		Correction: envelope,
	}
	planned, err := k.planner.PlanCorrection(ctx, planner.CorrectionRequest{
		RunID:        st.run.ID,
		FailedStepID: failed.ID,
		Attempt:      nextAttempt,
		Profile:      profile,
		Constraint:   constraint,
	})
	if err != nil {
		return false, err
	}
	correctives := []planner.Step{corrective}
	if len(planned) > 0 {
		correctives = correctives[:0]
		for i, c := range planned {
			if c.Correction == nil {
				c.Correction = envelope
			}
			if i == 0 && !c.AttemptSuffixMatches() {
				c.ID = corrective.ID
			}
			correctives = append(correctives, c)
		}
		corrective = correctives[0]
	}

	// The first corrective replaces the failed slot; any further planned
	// steps splice in right after it.
	if idx < len(st.plan) {
		tail := append([]planner.Step{}, st.plan[idx+1:]...)
		st.plan = append(append(st.plan[:idx], correctives...), tail...)
	} else {
		st.plan = append(st.plan, correctives...)
	}
	if heavy {
		st.meta.HeavyCorrectionAttempts++
	} else {
		st.meta.RuntimeCorrectionAttempts++
	}
	st.meta.LastCorrectionFingerprint = fp
	st.meta.DebtTargets = mergeUnique(st.meta.DebtTargets, profile.DebtTargets)
	st.run.CorrectiveAttempts++

	status := store.RunCorrecting
	metaJSON, err := encodeMetadata(*st.meta)
	if err != nil {
		return false, err
	}
	// The amended plan persists together with the spent budget so a crash
	// before the corrective attempt replays it instead of re-planning.
	planRaw, err := json.Marshal(planner.Plan{Steps: st.plan})
	if err != nil {
		return false, fmt.Errorf("encode plan: %w", err)
	}
	planJSON := string(planRaw)
	data, _ := json.Marshal(map[string]any{
		"intent":   constraint.Intent,
		"clusters": len(profile.Clusters),
		"collapse": profile.ArchitectureCollapse,
	})
	if err := k.store.UpdateRun(ctx, st.run.ID, store.RunUpdate{
		Status:             &status,
		MetadataJSON:       &metaJSON,
		PlanJSON:           &planJSON,
		CorrectiveAttempts: &st.run.CorrectiveAttempts,
	}, store.EventInput{
		Type:     "correction_planned",
		Message:  fmt.Sprintf("corrective step %s (%s)", corrective.ID, constraint.Intent),
		DataJSON: string(data),
	}); err != nil {
		return false, err
	}
	st.run.Status = status
	st.run.PlanJSON = planJSON
	st.logger.Info().Str("intent", constraint.Intent).Int("attempt", nextAttempt).
		Bool("collapse", profile.ArchitectureCollapse).Msg("correction planned")
	return true, nil
}

// validatePhase runs the in-run output validation with the run's own
// modes. A clean report completes the run; a correctable failure appends a
// corrective step and resumes the step loop.
func (k *Kernel) validatePhase(ctx context.Context, st *execState) (bool, error) {
	cfg := st.meta.ExecutionConfig
	status := store.RunValidating
	if err := k.store.UpdateRun(ctx, st.run.ID, store.RunUpdate{Status: &status},
		store.EventInput{Type: "validation_started", Message: "output validation"}); err != nil {
		return false, err
	}
	st.run.Status = status

	report, err := k.pipeline.Run(ctx, st.dir, validation.Modes{
		Light: cfg.LightValidationMode,
		Heavy: cfg.HeavyValidationMode,
	})
	if err != nil {
		return true, k.finalize(ctx, st, store.RunFailed, err)
	}
	if report.OK {
		return true, k.finalize(ctx, st, store.RunComplete, nil)
	}

	idx := len(st.plan)
	pseudo := planner.Step{
		ID:   fmt.Sprintf("step-%d", idx),
		Type: planner.StepVerify,
		Tool: tools.RunCommand,
	}
	corrected, cerr := k.correct(ctx, st, pseudo, idx, stepResult{report: &report})
	if cerr != nil {
		return true, k.finalize(ctx, st, store.RunFailed, cerr)
	}
	if !corrected {
		return true, k.finalize(ctx, st, store.RunFailed,
			fmt.Errorf("output validation failed: %s", report.Summary))
	}
	return false, nil
}

// reconcile closes step attempts left running by an interrupted worker.
// An attempt whose commit is the branch head in fact completed; everything
// else failed mid-flight and the branch rolls back to the last valid
// commit.
func (k *Kernel) reconcile(ctx context.Context, st *execState) error {
	running, err := k.store.RunningSteps(ctx, st.run.ID)
	if err != nil {
		return err
	}
	if len(running) == 0 {
		return nil
	}
	head, err := st.ws.BranchHead(st.run.Branch)
	if err != nil {
		return err
	}
	headSubject := ""
	if c, err := st.ws.LoadCommit(head); err == nil {
		headSubject = c.Subject
	}
	for _, row := range running {
		finished := time.Now()
		row.FinishedAt = &finished
		committed := row.CommitHash != "" && row.CommitHash == head
		if !committed && headSubject == workspace.StepSubject(row.StepIndex, row.Tool, row.RunID) {
			committed = true
			row.CommitHash = head
		}
		message := ""
		if committed {
			row.Status = store.StepCompleted
			message = fmt.Sprintf("step %d attempt %d had committed before interruption", row.StepIndex, row.Attempt)
			if st.meta.CurrentStepIndex <= row.StepIndex {
				st.meta.CurrentStepIndex = row.StepIndex + 1
			}
		} else {
			row.Status = store.StepFailed
			row.FailureCode = string(fault.CodeInterruptedStep)
			row.FailureMessage = "worker interrupted mid-step"
			message = fmt.Sprintf("step %d attempt %d rolled back after interruption", row.StepIndex, row.Attempt)
			k.rollback(st)
		}
		metaJSON, err := encodeMetadata(*st.meta)
		if err != nil {
			return err
		}
		if err := k.store.FinishStep(ctx, row, store.RunUpdate{MetadataJSON: &metaJSON},
			store.EventInput{Type: "step_reconciled", Message: message}); err != nil {
			return err
		}
	}
	return nil
}

// finalize moves the run to a terminal status: completion promotes the
// branch head to the final commit, failure and cancellation roll the
// branch back to the last valid commit first.
func (k *Kernel) finalize(ctx context.Context, st *execState, status store.RunStatus, cause error) error {
	finished := store.FormatTime(time.Now())
	update := store.RunUpdate{Status: &status, FinishedAt: &finished}
	event := store.EventInput{}

	switch status {
	case store.RunComplete:
		head, err := st.ws.BranchHead(st.run.Branch)
		if err != nil {
			return err
		}
		update.FinalCommitHash = &head
		update.LastValidCommitHash = &head
		event.Type = "run_completed"
		event.Message = "run complete"
	case store.RunCancelled:
		k.rollback(st)
		event.Type = "run_cancelled"
		event.Message = "run cancelled"
	default:
		k.rollback(st)
		code := failureCode(cause)
		msg := ""
		if cause != nil {
			msg = cause.Error()
		}
		update.FailureCode = &code
		update.FailureMessage = &msg
		event.Type = "run_failed"
		event.Message = msg
	}

	metaJSON, err := encodeMetadata(*st.meta)
	if err != nil {
		return err
	}
	update.MetadataJSON = &metaJSON
	if err := k.store.UpdateRun(ctx, st.run.ID, update, event); err != nil {
		return err
	}
	_ = k.store.AppendHistory(ctx, store.HistoryEntry{
		ProjectID: st.run.ProjectID,
		Kind:      store.HistoryRunFinished,
		Summary:   string(status),
		RunID:     st.run.ID,
	})
	st.logger.Info().Str("status", string(status)).Msg("run finished")
	return nil
}

// rollback points the run branch back at the last valid commit, or the
// base when nothing was ever validated.
func (k *Kernel) rollback(st *execState) {
	target := st.run.LastValidCommitHash
	if target == "" {
		target = st.run.BaseCommitHash
	}
	if target == "" {
		return
	}
	if err := st.ws.ResetHard(st.run.Branch, target); err != nil {
		st.logger.Error().Err(err).Str("commit", target).Msg("rollback failed")
	}
}

func (k *Kernel) cancelRequested(ctx context.Context, runID string) (bool, error) {
	run, err := k.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	meta, err := decodeMetadata(run.MetadataJSON)
	if err != nil {
		return false, err
	}
	return meta.CancelRequested, nil
}

func classOf(toolName string) store.StepClass {
	tool, err := tools.Lookup(toolName)
	if err != nil {
		return store.ClassRead
	}
	switch tool.Kind {
	case tools.KindMutation:
		return store.ClassMutation
	case tools.KindVerify:
		return store.ClassVerify
	default:
		return store.ClassRead
	}
}

func failureCode(err error) string {
	if code := fault.CodeOf(err); code != "" {
		return string(code)
	}
	return "STEP_FAILED"
}

// stderrFromOutput pulls the runtime log tail out of a tool output
// document for the correction classifier.
func stderrFromOutput(out json.RawMessage) string {
	var doc struct {
		Stderr string `json:"stderr"`
		Log    string `json:"log"`
	}
	if len(out) == 0 || json.Unmarshal(out, &doc) != nil {
		return ""
	}
	if doc.Stderr != "" {
		return doc.Stderr
	}
	return doc.Log
}

func diffPaths(diffs []workspace.FileDiff) []string {
	paths := make([]string, 0, len(diffs))
	for _, d := range diffs {
		paths = append(paths, d.Path)
	}
	return paths
}

func mergeUnique(list []string, more []string) []string {
	for _, v := range more {
		found := false
		for _, have := range list {
			if have == v {
				found = true
				break
			}
		}
		if !found {
			list = append(list, v)
		}
	}
	return list
}

func decodePlan(raw string) (planner.Plan, error) {
	if raw == "" {
		return planner.Plan{}, nil
	}
	var p planner.Plan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return planner.Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	return p, nil
}
