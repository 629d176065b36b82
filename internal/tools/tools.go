// Package tools is the statically enumerated tool set the kernel executes
// plan steps with. There is no dynamic registration: a tool exists exactly
// when it is listed here, and an unknown tool name fails the step before
// anything touches the workspace.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/metalagman/deeprun/internal/execx"
	"github.com/metalagman/deeprun/internal/fault"
	"github.com/metalagman/deeprun/internal/filesession"
	"github.com/metalagman/deeprun/internal/planner"
	"github.com/metalagman/deeprun/internal/validation"
	"github.com/metalagman/deeprun/internal/workspace"
)

// Kind groups tools by their effect on the workspace.
type Kind string

const (
	KindRead     Kind = "read"
	KindMutation Kind = "mutation"
	KindVerify   Kind = "verify"
)

// Tool names, closed set.
const (
	ReadFile         = "read_file"
	ListFiles        = "list_files"
	WriteFile        = "write_file"
	RunCommand       = "run_command"
	FetchRuntimeLogs = "fetch_runtime_logs"
	AIMutation       = "ai_mutation"
	ManualFileWrite  = "manual_file_write"
)

// Invocation carries everything a handler may touch for one step. Mutating
// handlers stage into Session; read handlers go straight to the workspace.
type Invocation struct {
	RunID     string
	ProjectID string
	Goal      string
	Branch    string
	StepID    string
	StepIndex int
	Input     json.RawMessage

	Workspace *workspace.Workspace
	Session   *filesession.Session
	// WorktreeDir is the absolute path of the branch worktree, for
	// subprocess tools.
	WorktreeDir string
	Planner     planner.Planner

	CommandTimeout time.Duration
	BootWindow     time.Duration
}

// Handler executes one tool and returns the step output document.
type Handler func(ctx context.Context, inv Invocation) (json.RawMessage, error)

// Tool is one entry of the static set.
type Tool struct {
	Name    string
	Kind    Kind
	Mutates bool
	Handler Handler
}

var registry = map[string]Tool{
	ReadFile:         {Name: ReadFile, Kind: KindRead, Handler: readFile},
	ListFiles:        {Name: ListFiles, Kind: KindRead, Handler: listFiles},
	WriteFile:        {Name: WriteFile, Kind: KindMutation, Mutates: true, Handler: writeFile},
	RunCommand:       {Name: RunCommand, Kind: KindVerify, Handler: runCommand},
	FetchRuntimeLogs: {Name: FetchRuntimeLogs, Kind: KindRead, Handler: fetchRuntimeLogs},
	AIMutation:       {Name: AIMutation, Kind: KindMutation, Mutates: true, Handler: aiMutation},
	ManualFileWrite:  {Name: ManualFileWrite, Kind: KindMutation, Mutates: true, Handler: manualFileWrite},
}

// Lookup resolves a tool by name.
func Lookup(name string) (Tool, error) {
	tool, ok := registry[name]
	if !ok {
		return Tool{}, fault.NotFound("tool %q", name)
	}
	return tool, nil
}

// Names lists the tool set, for diagnostics.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

func decodeInput(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("tool input required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode tool input: %w", err)
	}
	return nil
}

func encodeOutput(v any) (json.RawMessage, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool output: %w", err)
	}
	return out, nil
}

func readFile(_ context.Context, inv Invocation) (json.RawMessage, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := decodeInput(inv.Input, &in); err != nil {
		return nil, err
	}
	content, err := inv.Workspace.Read(inv.Branch, in.Path)
	if err != nil {
		return nil, err
	}
	return encodeOutput(map[string]any{
		"path":        in.Path,
		"content":     string(content),
		"contentHash": filesession.HashContent(content),
	})
}

func listFiles(_ context.Context, inv Invocation) (json.RawMessage, error) {
	var in struct {
		Dir string `json:"dir"`
	}
	if len(inv.Input) > 0 {
		if err := json.Unmarshal(inv.Input, &in); err != nil {
			return nil, fmt.Errorf("decode tool input: %w", err)
		}
	}
	files, err := inv.Workspace.List(inv.Branch, in.Dir)
	if err != nil {
		return nil, err
	}
	type entry struct {
		Path string `json:"path"`
		Size int64  `json:"size"`
	}
	entries := make([]entry, 0, len(files))
	for _, f := range files {
		entries = append(entries, entry{Path: f.Path, Size: f.Size})
	}
	return encodeOutput(map[string]any{"files": entries})
}

func writeFile(_ context.Context, inv Invocation) (json.RawMessage, error) {
	var in struct {
		Path           string `json:"path"`
		Type           string `json:"type"`
		Content        string `json:"content"`
		OldContentHash string `json:"oldContentHash"`
	}
	if err := decodeInput(inv.Input, &in); err != nil {
		return nil, err
	}
	if in.Type == "" {
		in.Type = string(filesession.ChangeCreate)
	}
	change := filesession.Change{
		Path:           in.Path,
		Type:           filesession.ChangeType(in.Type),
		NewContent:     []byte(in.Content),
		OldContentHash: in.OldContentHash,
	}
	if err := inv.Session.StageChange(change); err != nil {
		return nil, err
	}
	return encodeOutput(map[string]any{"path": in.Path, "staged": true})
}

func runCommand(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	var in struct {
		Command   string `json:"command"`
		TimeoutMs int    `json:"timeoutMs"`
	}
	if err := decodeInput(inv.Input, &in); err != nil {
		return nil, err
	}
	if in.Command == "" {
		return nil, fmt.Errorf("run_command requires a command")
	}
	timeout := inv.CommandTimeout
	if in.TimeoutMs > 0 {
		timeout = time.Duration(in.TimeoutMs) * time.Millisecond
	}
	res, err := execx.RunShell(ctx, execx.Options{Dir: inv.WorktreeDir, Timeout: timeout}, in.Command)
	if err != nil {
		return nil, fmt.Errorf("run command: %w", err)
	}
	out, err := encodeOutput(map[string]any{
		"command":  res.Command,
		"exitCode": res.ExitCode,
		"stdout":   res.Stdout,
		"stderr":   res.Stderr,
		"timedOut": res.TimedOut,
	})
	if err != nil {
		return nil, err
	}
	if res.TimedOut {
		return out, fmt.Errorf("command timed out after %s", timeout)
	}
	if res.ExitCode != 0 {
		return out, fmt.Errorf("command exited %d", res.ExitCode)
	}
	return out, nil
}

// fetchRuntimeLogs boots the workspace runtime for the boot window and
// returns the stderr tail, the input the correction classifier reads.
func fetchRuntimeLogs(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	manifest, err := validation.LoadManifest(inv.WorktreeDir)
	if err != nil {
		return nil, err
	}
	if manifest.Commands.RuntimeBoot == "" {
		return encodeOutput(map[string]any{"configured": false, "log": ""})
	}
	window := inv.BootWindow
	if window <= 0 {
		window = 15 * time.Second
	}
	res, err := execx.RunShell(ctx, execx.Options{Dir: inv.WorktreeDir, Timeout: window}, manifest.Commands.RuntimeBoot)
	if err != nil {
		return nil, fmt.Errorf("boot runtime: %w", err)
	}
	return encodeOutput(map[string]any{
		"configured": true,
		"exitCode":   res.ExitCode,
		"survived":   res.TimedOut || res.ExitCode == 0,
		"log":        res.Stderr,
	})
}

// aiMutation asks the planner to materialize changes for this step and
// stages all of them. Budgets and correction scopes apply at validation.
func aiMutation(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	files, err := inv.Workspace.List(inv.Branch, "")
	if err != nil && !fault.Is(err, fault.CodeNotFound) {
		return nil, err
	}
	stats := make([]planner.FileStat, 0, len(files))
	for _, f := range files {
		content, err := inv.Workspace.Read(inv.Branch, f.Path)
		if err != nil {
			return nil, err
		}
		stats = append(stats, planner.FileStat{
			Path:        f.Path,
			Size:        f.Size,
			ContentHash: filesession.HashContent(content),
		})
	}
	changes, err := inv.Planner.ProposeChanges(ctx, planner.ProposeRequest{
		RunID:     inv.RunID,
		ProjectID: inv.ProjectID,
		Goal:      inv.Goal,
		Step:      planner.Step{ID: inv.StepID, Type: planner.StepModify, Tool: AIMutation, Mutates: true},
		Input:     inv.Input,
		Files:     stats,
	})
	if err != nil {
		return nil, err
	}
	for _, change := range changes {
		if err := inv.Session.StageChange(change); err != nil {
			return nil, err
		}
	}
	paths := make([]string, 0, len(changes))
	for _, c := range changes {
		paths = append(paths, c.Path)
	}
	return encodeOutput(map[string]any{"stagedPaths": paths})
}

// manualFileWrite stages exactly one caller-provided file. The project
// service uses it for builder saves on main.
func manualFileWrite(_ context.Context, inv Invocation) (json.RawMessage, error) {
	var in struct {
		Path           string `json:"path"`
		Content        string `json:"content"`
		OldContentHash string `json:"oldContentHash"`
	}
	if err := decodeInput(inv.Input, &in); err != nil {
		return nil, err
	}
	changeType := filesession.ChangeCreate
	if in.OldContentHash != "" {
		changeType = filesession.ChangeUpdate
	}
	change := filesession.Change{
		Path:           in.Path,
		Type:           changeType,
		NewContent:     []byte(in.Content),
		OldContentHash: in.OldContentHash,
	}
	if err := inv.Session.StageChange(change); err != nil {
		return nil, err
	}
	return encodeOutput(map[string]any{"path": in.Path, "staged": true})
}
