// Package cmdplanner implements the planner interface over an external
// command. The request is written to a JSON file whose path is appended to
// the configured argv; the command prints its JSON response on stdout,
// which is schema-validated before decoding. Providers stay out of the
// engine: anything that can read a file and print JSON can plan.
package cmdplanner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/metalagman/deeprun/internal/execx"
	"github.com/metalagman/deeprun/internal/fault"
	"github.com/metalagman/deeprun/internal/filesession"
	"github.com/metalagman/deeprun/internal/logging"
	"github.com/metalagman/deeprun/internal/planner"
)

// Config describes how the planner command is invoked.
type Config struct {
	// Command is the argv prefix; the request file path is appended.
	Command []string
	// Timeout bounds one invocation. Zero means 120s.
	Timeout time.Duration
	// Env entries are appended to the subprocess environment.
	Env []string
	// WorkDir is the working directory for the command.
	WorkDir string
}

// Planner invokes the configured command for every planner operation.
type Planner struct {
	cfg Config
}

var _ planner.Planner = (*Planner)(nil)

// New validates the config and returns the command planner.
func New(cfg Config) (*Planner, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("cmdplanner: command required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Planner{cfg: cfg}, nil
}

// request is the envelope written for the command: the operation name plus
// its payload.
type request struct {
	Op      string `json:"op"`
	Payload any    `json:"payload"`
}

// Plan asks the command for an initial plan.
func (p *Planner) Plan(ctx context.Context, req planner.PlanRequest) (planner.Plan, error) {
	raw, err := p.invoke(ctx, "plan", req, planResponseSchema)
	if err != nil {
		return planner.Plan{}, err
	}
	var resp struct {
		Steps []planner.Step `json:"steps"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return planner.Plan{}, fault.PlannerFailed("decode plan response").Wrap(err)
	}
	plan := planner.Plan{Steps: resp.Steps}
	if err := planner.ValidatePlan(plan); err != nil {
		return planner.Plan{}, fault.PlannerFailed("invalid plan").Wrap(err)
	}
	return plan, nil
}

// wireChange is the file change shape on the command boundary. Content is a
// plain string; the engine deals in bytes.
type wireChange struct {
	Path           string `json:"path"`
	Type           string `json:"type"`
	Content        string `json:"content,omitempty"`
	OldContentHash string `json:"oldContentHash,omitempty"`
}

// ProposeChanges asks the command to materialize one mutating step.
func (p *Planner) ProposeChanges(ctx context.Context, req planner.ProposeRequest) ([]filesession.Change, error) {
	raw, err := p.invoke(ctx, "propose", req, proposeResponseSchema)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Changes []wireChange `json:"changes"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fault.PlannerFailed("decode propose response").Wrap(err)
	}
	changes := make([]filesession.Change, 0, len(resp.Changes))
	for _, wc := range resp.Changes {
		changes = append(changes, filesession.Change{
			Path:           wc.Path,
			Type:           filesession.ChangeType(wc.Type),
			NewContent:     []byte(wc.Content),
			OldContentHash: wc.OldContentHash,
		})
	}
	return changes, nil
}

// PlanCorrection asks the command for corrective steps.
func (p *Planner) PlanCorrection(ctx context.Context, req planner.CorrectionRequest) ([]planner.Step, error) {
	raw, err := p.invoke(ctx, "correct", req, planResponseSchema)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Steps []planner.Step `json:"steps"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fault.PlannerFailed("decode correction response").Wrap(err)
	}
	return resp.Steps, nil
}

// invoke writes the request file, runs the command and returns its
// schema-validated stdout.
func (p *Planner) invoke(ctx context.Context, op string, payload any, schema string) ([]byte, error) {
	logger := logging.Component("planner")

	dir, err := os.MkdirTemp("", "deeprun-planner-*")
	if err != nil {
		return nil, fmt.Errorf("create request dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	reqPath := filepath.Join(dir, "request.json")
	body, err := json.MarshalIndent(request{Op: op, Payload: payload}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if err := os.WriteFile(reqPath, body, 0o644); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	args := append(append([]string(nil), p.cfg.Command[1:]...), reqPath)
	res, err := execx.Run(ctx, execx.Options{
		Dir:     p.cfg.WorkDir,
		Env:     p.cfg.Env,
		Timeout: p.cfg.Timeout,
	}, p.cfg.Command[0], args...)
	if err != nil {
		return nil, fault.PlannerFailed("start planner command").Wrap(err)
	}
	if res.TimedOut {
		return nil, fault.PlannerFailed("planner command timed out after %s", p.cfg.Timeout)
	}
	if res.ExitCode != 0 {
		logger.Warn().Str("op", op).Int("exit_code", res.ExitCode).Msg("planner command failed")
		return nil, fault.PlannerFailed("planner command exited %d: %s", res.ExitCode, tail(res.Stderr, 500))
	}

	out := []byte(res.Stdout)
	if err := validateResponse(schema, out); err != nil {
		return nil, err
	}
	return out, nil
}

func validateResponse(schema string, out []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(out))
	if err != nil {
		return fault.PlannerFailed("planner response is not JSON").Wrap(err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fault.PlannerFailed("planner response rejected by schema").
			WithDetail("violations", msgs)
	}
	return nil
}

func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
