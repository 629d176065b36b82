package store

import "time"

// RunStatus is the lifecycle state of an agent run.
type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunRunning    RunStatus = "running"
	RunCorrecting RunStatus = "correcting"
	RunOptimizing RunStatus = "optimizing"
	RunValidating RunStatus = "validating"
	RunComplete   RunStatus = "complete"
	RunFailed     RunStatus = "failed"
	RunCancelled  RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunComplete, RunFailed, RunCancelled:
		return true
	}
	return false
}

// Active reports whether the run holds its project branch lock.
func (s RunStatus) Active() bool {
	return s != "" && !s.Terminal()
}

// RunOrigin records how a run came to exist.
type RunOrigin string

const (
	OriginUser   RunOrigin = "user"
	OriginResume RunOrigin = "resume"
	OriginFork   RunOrigin = "fork"
	OriginManual RunOrigin = "manual"
)

// Run is the persistent record of an agent run.
type Run struct {
	ID                  string
	ProjectID           string
	ParentRunID         string
	Origin              RunOrigin
	Status              RunStatus
	Branch              string
	BaseCommitHash      string
	LastValidCommitHash string
	FinalCommitHash     string
	Prompt              string
	PlanJSON            string
	MetadataJSON        string
	FailureCode         string
	FailureMessage      string
	CorrectiveAttempts  int
	CreatedAt           time.Time
	UpdatedAt           time.Time
	StartedAt           *time.Time
	FinishedAt          *time.Time
}

// StepStatus is the lifecycle state of a single step attempt.
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepClass groups tools by their effect on the workspace.
type StepClass string

const (
	ClassRead     StepClass = "read"
	ClassMutation StepClass = "mutation"
	ClassVerify   StepClass = "verify"
)

// Step is one attempt of one plan step. Rows are append-only; a retry
// inserts a new row with the same index and a higher attempt.
type Step struct {
	RunID          string
	StepIndex      int
	Attempt        int
	Tool           string
	Class          StepClass
	Status         StepStatus
	InputJSON      string
	OutputJSON     string
	CommitHash     string
	FailureCode    string
	FailureMessage string
	CreatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
}

// JobStatus is the lifecycle state of a run job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobLeased    JobStatus = "leased"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// JobKind says why the job exists: a fresh start or a resume of a run
// that already has history.
type JobKind string

const (
	JobStart  JobKind = "start"
	JobResume JobKind = "resume"
)

// Job is a durable unit of work dispatching one run to one worker.
type Job struct {
	ID                   string
	RunID                string
	ProjectID            string
	Kind                 JobKind
	PayloadJSON          string
	Status               JobStatus
	TargetRole           string
	RequiredCapabilities []string
	AssignedNode         string
	LeaseExpiresAt       *time.Time
	Attempt              int
	LastError            string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// WorkerNode is a registered worker process.
type WorkerNode struct {
	ID              string
	Role            string
	Capabilities    []string
	Status          string
	LastHeartbeatAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const (
	WorkerOnline  = "online"
	WorkerOffline = "offline"
)

// Project is a workspace-backed codebase owned by a user.
type Project struct {
	ID         string
	OwnerID    string
	Name       string
	TemplateID string
	MainBranch string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HistoryEntry is one row of the bounded per-project activity log.
type HistoryEntry struct {
	ID          int64
	ProjectID   string
	Kind        string
	Summary     string
	RunID       string
	PayloadJSON string
	CreatedAt   time.Time
}

// History entry kinds.
const (
	HistoryScaffold    = "scaffold"
	HistoryManualSave  = "manual_save"
	HistoryRunStarted  = "run_started"
	HistoryRunFinished = "run_finished"
)

// RunEvent is one timeline event for a run, ordered by seq.
type RunEvent struct {
	RunID    string
	Seq      int
	TS       time.Time
	Type     string
	Message  string
	DataJSON string
}

// User is an identity row persisted for external collaborators. The kernel
// never authenticates; it only stores and serves these rows.
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}

// Session is a bearer-token row persisted for external collaborators.
type Session struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
