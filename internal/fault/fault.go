// Package fault defines the error taxonomy shared across component
// boundaries. Every failure that crosses a boundary carries a stable code
// and one of three kinds: caller faults are API outcomes and must not be
// retried, transient faults may be retried with backoff, fatal faults
// terminate the run and surface in telemetry.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies how a fault is handled at the boundary.
type Kind string

const (
	KindCaller    Kind = "caller"
	KindTransient Kind = "transient"
	KindFatal     Kind = "fatal"
)

// Code identifies a fault across process and storage boundaries.
type Code string

const (
	CodePathEscape              Code = "PATH_ESCAPE"
	CodeAlreadyExists           Code = "ALREADY_EXISTS"
	CodeNotFound                Code = "NOT_FOUND"
	CodeStaleOptimisticLock     Code = "STALE_OPTIMISTIC_LOCK"
	CodeStepBudgetExceeded      Code = "STEP_BUDGET_EXCEEDED"
	CodeCorrectionConstraint    Code = "CORRECTION_CONSTRAINT_VIOLATION"
	CodeExecutionConfigMismatch Code = "EXECUTION_CONFIG_MISMATCH"
	CodeBranchLocked            Code = "BRANCH_LOCKED_BY_ACTIVE_RUN"
	CodeRunStillActive          Code = "RUN_STILL_ACTIVE"
	CodeDuplicateActiveJob      Code = "DUPLICATE_ACTIVE_JOB"
	CodeEmptyCommit             Code = "EMPTY_COMMIT"

	CodeLeaseLost       Code = "LEASE_LOST"
	CodeWorkspaceLocked Code = "WORKSPACE_LOCKED"
	CodeStoreConflict   Code = "STORE_CONFLICT"

	CodePlannerFailed      Code = "PLANNER_FAILED"
	CodeValidationCrashed  Code = "VALIDATION_PIPELINE_CRASHED"
	CodeInterruptedStep    Code = "INTERRUPTED_STEP"
	CodeConvergenceStalled Code = "CONVERGENCE_STALLED"
)

var kindByCode = map[Code]Kind{
	CodePathEscape:              KindCaller,
	CodeAlreadyExists:           KindCaller,
	CodeNotFound:                KindCaller,
	CodeStaleOptimisticLock:     KindCaller,
	CodeStepBudgetExceeded:      KindCaller,
	CodeCorrectionConstraint:    KindCaller,
	CodeExecutionConfigMismatch: KindCaller,
	CodeBranchLocked:            KindCaller,
	CodeRunStillActive:          KindCaller,
	CodeDuplicateActiveJob:      KindCaller,
	CodeEmptyCommit:             KindCaller,

	CodeLeaseLost:       KindTransient,
	CodeWorkspaceLocked: KindTransient,
	CodeStoreConflict:   KindTransient,

	CodePlannerFailed:      KindFatal,
	CodeValidationCrashed:  KindFatal,
	CodeInterruptedStep:    KindFatal,
	CodeConvergenceStalled: KindFatal,
}

// Error is a classified fault. Two faults match under errors.Is when their
// codes are equal, regardless of message or details.
type Error struct {
	Code    Code
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

// New builds a fault with the kind registered for code.
func New(code Code, format string, args ...any) *Error {
	kind, ok := kindByCode[code]
	if !ok {
		kind = KindFatal
	}
	return &Error{
		Code:    code,
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Wrap attaches the underlying cause, preserved through errors.Unwrap.
func (e *Error) Wrap(cause error) *Error {
	e.cause = cause
	return e
}

// WithDetail attaches a structured detail visible to callers.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// PathEscape reports a path resolving outside the workspace root.
func PathEscape(format string, args ...any) *Error {
	return New(CodePathEscape, format, args...)
}

// AlreadyExists reports a create colliding with an existing row or file.
func AlreadyExists(format string, args ...any) *Error {
	return New(CodeAlreadyExists, format, args...)
}

// NotFound reports a missing row, file, branch or commit.
func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

// StaleOptimisticLock reports an update whose expected content hash no
// longer matches the stored one.
func StaleOptimisticLock(format string, args ...any) *Error {
	return New(CodeStaleOptimisticLock, format, args...)
}

// StepBudgetExceeded reports a file-session limit violation.
func StepBudgetExceeded(format string, args ...any) *Error {
	return New(CodeStepBudgetExceeded, format, args...)
}

// CorrectionConstraint reports a staged change outside the corrective
// step's allowed path prefixes, or an env mutation the contract forbids.
func CorrectionConstraint(format string, args ...any) *Error {
	return New(CodeCorrectionConstraint, format, args...)
}

// ExecutionConfigMismatch reports contract drift on resume. The field-level
// diff travels in Details under "diff".
func ExecutionConfigMismatch(format string, args ...any) *Error {
	return New(CodeExecutionConfigMismatch, format, args...)
}

// BranchLocked reports a mutation attempted while an active run holds the
// project branch.
func BranchLocked(format string, args ...any) *Error {
	return New(CodeBranchLocked, format, args...)
}

// RunStillActive reports a resume or fork of a run that is not terminal.
func RunStillActive(format string, args ...any) *Error {
	return New(CodeRunStillActive, format, args...)
}

// DuplicateActiveJob reports an enqueue for a run that already has a
// queued or leased job.
func DuplicateActiveJob(format string, args ...any) *Error {
	return New(CodeDuplicateActiveJob, format, args...)
}

// EmptyCommit reports a commit that would not change the tree.
func EmptyCommit(format string, args ...any) *Error {
	return New(CodeEmptyCommit, format, args...)
}

// LeaseLost reports a heartbeat or completion on a lease held elsewhere.
func LeaseLost(format string, args ...any) *Error {
	return New(CodeLeaseLost, format, args...)
}

// WorkspaceLocked reports a workspace flock held by another process.
func WorkspaceLocked(format string, args ...any) *Error {
	return New(CodeWorkspaceLocked, format, args...)
}

// StoreConflict reports a storage-level write conflict safe to retry.
func StoreConflict(format string, args ...any) *Error {
	return New(CodeStoreConflict, format, args...)
}

// PlannerFailed reports a planner invocation error.
func PlannerFailed(format string, args ...any) *Error {
	return New(CodePlannerFailed, format, args...)
}

// ValidationCrashed reports a validation pipeline crash, as opposed to a
// pipeline that ran and found violations.
func ValidationCrashed(format string, args ...any) *Error {
	return New(CodeValidationCrashed, format, args...)
}

// InterruptedStep marks a step whose worker died mid-flight and whose
// effects were rolled back during reconciliation.
func InterruptedStep(format string, args ...any) *Error {
	return New(CodeInterruptedStep, format, args...)
}

// ConvergenceStalled marks a run whose corrective attempts keep producing
// the same classified failure.
func ConvergenceStalled(format string, args ...any) *Error {
	return New(CodeConvergenceStalled, format, args...)
}

// CodeOf extracts the fault code, or "" for unclassified errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// KindOf extracts the fault kind. Unclassified errors are fatal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable reports whether err is transient.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// DetailsOf extracts structured details, or nil.
func DetailsOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}
