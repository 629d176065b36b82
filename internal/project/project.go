// Package project manages workspace-backed projects: template scaffolding
// onto main, the manual save path, and the bounded activity history.
package project

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/metalagman/deeprun/internal/contract"
	"github.com/metalagman/deeprun/internal/fault"
	"github.com/metalagman/deeprun/internal/filesession"
	"github.com/metalagman/deeprun/internal/kernel"
	"github.com/metalagman/deeprun/internal/logging"
	"github.com/metalagman/deeprun/internal/store"
	"github.com/metalagman/deeprun/internal/tools"
	"github.com/metalagman/deeprun/internal/workspace"
)

//go:embed templates
var templatesFS embed.FS

// DefaultTemplate is used when a create request names none.
const DefaultTemplate = "node-basic"

// Templates lists the embedded scaffold template ids.
func Templates() []string {
	entries, err := templatesFS.ReadDir("templates")
	if err != nil {
		return nil
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids
}

func templateFiles(templateID string) (map[string][]byte, error) {
	root := "templates/" + templateID
	if _, err := templatesFS.ReadDir(root); err != nil {
		return nil, fault.NotFound("template %q", templateID)
	}
	files := map[string][]byte{}
	err := fs.WalkDir(templatesFS, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		content, err := templatesFS.ReadFile(p)
		if err != nil {
			return err
		}
		files[p[len(root)+1:]] = content
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read template %q: %w", templateID, err)
	}
	return files, nil
}

// Service is the project-facing surface around the store and the
// workspace manager.
type Service struct {
	store      *store.Store
	workspaces *workspace.Manager
	logger     zerolog.Logger
}

// NewService wires a project service.
func NewService(st *store.Store, workspaces *workspace.Manager) *Service {
	return &Service{
		store:      st,
		workspaces: workspaces,
		logger:     logging.Component("project"),
	}
}

// CreateParams describes a new project.
type CreateParams struct {
	Name       string
	OwnerID    string
	TemplateID string
}

// Create scaffolds a new project: store row, workspace main branch with
// the template files in one scaffold commit, and a history entry.
func (s *Service) Create(ctx context.Context, p CreateParams) (store.Project, error) {
	if p.Name == "" {
		return store.Project{}, fmt.Errorf("project name is required")
	}
	if p.TemplateID == "" {
		p.TemplateID = DefaultTemplate
	}
	files, err := templateFiles(p.TemplateID)
	if err != nil {
		return store.Project{}, err
	}

	project := store.Project{
		ID:         uuid.NewString(),
		OwnerID:    p.OwnerID,
		Name:       p.Name,
		TemplateID: p.TemplateID,
		MainBranch: workspace.DefaultBranch,
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return store.Project{}, err
	}

	ws, err := s.workspaces.Open(project.ID)
	if err != nil {
		return store.Project{}, err
	}
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		if err := ws.Write(project.MainBranch, path, files[path]); err != nil {
			return store.Project{}, err
		}
	}
	commit, err := ws.Commit(project.MainBranch, workspace.ScaffoldSubject(project.ID), "system")
	if err != nil {
		return store.Project{}, err
	}

	if err := s.store.AppendHistory(ctx, store.HistoryEntry{
		ProjectID: project.ID,
		Kind:      store.HistoryScaffold,
		Summary:   fmt.Sprintf("scaffolded from template %s", p.TemplateID),
	}); err != nil {
		return store.Project{}, err
	}
	s.logger.Info().Str("project_id", project.ID).Str("template", p.TemplateID).
		Str("commit", commit.Hash).Msg("project scaffolded")
	return project, nil
}

// Get loads one project.
func (s *Service) Get(ctx context.Context, projectID string) (store.Project, error) {
	return s.store.GetProject(ctx, projectID)
}

// List returns all projects.
func (s *Service) List(ctx context.Context) ([]store.Project, error) {
	return s.store.ListProjects(ctx)
}

// History returns the bounded activity log, most recent first.
func (s *Service) History(ctx context.Context, projectID string, limit int) ([]store.HistoryEntry, error) {
	return s.store.ListHistory(ctx, projectID, limit)
}

// SaveParams describes one manual file save onto main.
type SaveParams struct {
	ProjectID string
	Path      string
	Content   []byte
}

// SaveFile writes one file directly onto the project's main branch
// through a file session, recording a synthetic completed run and step so
// output validation and governance can attach to the save like to any
// other run. An active run holds the branch lock and rejects the save.
func (s *Service) SaveFile(ctx context.Context, p SaveParams) (store.Run, error) {
	project, err := s.store.GetProject(ctx, p.ProjectID)
	if err != nil {
		return store.Run{}, err
	}
	active, err := s.store.ActiveRunID(ctx, project.ID)
	if err != nil {
		return store.Run{}, err
	}
	if active != "" {
		return store.Run{}, fault.BranchLocked("project %q has an active run", project.ID).
			WithDetail("activeRunId", active)
	}

	ws, err := s.workspaces.Open(project.ID)
	if err != nil {
		return store.Run{}, err
	}
	base, err := ws.BranchHead(project.MainBranch)
	if err != nil {
		return store.Run{}, err
	}

	cfg, err := contract.Resolve(contract.ProfileFull, contract.Overrides{})
	if err != nil {
		return store.Run{}, err
	}
	sealed, err := contract.Seal(cfg, contract.Request{})
	if err != nil {
		return store.Run{}, err
	}

	session, err := filesession.New(ws, project.MainBranch, filesession.Limits{
		MaxFilesPerStep:   cfg.MaxFilesPerStep,
		MaxTotalDiffBytes: cfg.MaxTotalDiffBytes,
		MaxFileBytes:      cfg.MaxFileBytes,
		AllowEnvMutation:  cfg.AllowEnvMutation,
	})
	if err != nil {
		return store.Run{}, err
	}

	runID := uuid.NewString()
	if err := session.BeginStep("manual-save", 0, nil); err != nil {
		return store.Run{}, err
	}
	commitHash, err := s.commitSave(session, ws, project.MainBranch, runID, p)
	if err != nil {
		if aerr := session.AbortStep(); aerr != nil {
			s.logger.Error().Err(aerr).Str("project_id", project.ID).Msg("abort after failed save")
		}
		return store.Run{}, err
	}

	now := time.Now().UTC()
	meta, err := json.Marshal(kernel.RunMetadata{
		ExecutionConfig:  cfg,
		ContractHash:     sealed.Hash,
		ContractMaterial: sealed.Material,
		CurrentStepIndex: 1,
	})
	if err != nil {
		return store.Run{}, fmt.Errorf("encode run metadata: %w", err)
	}
	run := store.Run{
		ID:                  runID,
		ProjectID:           project.ID,
		Origin:              store.OriginManual,
		Status:              store.RunComplete,
		Branch:              project.MainBranch,
		BaseCommitHash:      base,
		LastValidCommitHash: commitHash,
		FinalCommitHash:     commitHash,
		Prompt:              "manual save: " + p.Path,
		MetadataJSON:        string(meta),
		StartedAt:           &now,
		FinishedAt:          &now,
	}
	if err := s.store.CreateRun(ctx, run, nil); err != nil {
		return store.Run{}, err
	}

	input, _ := json.Marshal(map[string]string{"path": p.Path})
	if err := s.store.StartStep(ctx, store.Step{
		RunID:      runID,
		StepIndex:  0,
		Attempt:    1,
		Tool:       tools.ManualFileWrite,
		Class:      store.ClassMutation,
		Status:     store.StepCompleted,
		InputJSON:  string(input),
		CommitHash: commitHash,
		StartedAt:  &now,
		FinishedAt: &now,
	}, store.RunUpdate{}, store.EventInput{
		Type: "step_completed", Message: "manual save committed",
	}); err != nil {
		return store.Run{}, err
	}

	payload, _ := json.Marshal(map[string]string{"path": p.Path, "commitHash": commitHash})
	if err := s.store.AppendHistory(ctx, store.HistoryEntry{
		ProjectID:   project.ID,
		Kind:        store.HistoryManualSave,
		Summary:     "saved " + p.Path,
		RunID:       runID,
		PayloadJSON: string(payload),
	}); err != nil {
		return store.Run{}, err
	}

	s.logger.Info().Str("project_id", project.ID).Str("path", p.Path).
		Str("commit", commitHash).Msg("manual save")
	return s.store.GetRun(ctx, runID)
}

// commitSave stages the file as create or update and commits the step.
func (s *Service) commitSave(session *filesession.Session, ws *workspace.Workspace, branch, runID string, p SaveParams) (string, error) {
	change := filesession.Change{
		Path:       p.Path,
		Type:       filesession.ChangeCreate,
		NewContent: p.Content,
	}
	existing, err := ws.Read(branch, p.Path)
	switch {
	case err == nil:
		change.Type = filesession.ChangeUpdate
		change.OldContentHash = filesession.HashContent(existing)
	case !fault.Is(err, fault.CodeNotFound):
		return "", err
	}
	if err := session.StageChange(change); err != nil {
		return "", err
	}
	if err := session.ValidateStep(); err != nil {
		return "", err
	}
	if err := session.ApplyStepChanges(); err != nil {
		return "", err
	}
	return session.CommitStep(filesession.CommitParams{
		AgentRunID: runID,
		StepIndex:  0,
		Tool:       tools.ManualFileWrite,
		Summary:    p.Path,
	})
}
