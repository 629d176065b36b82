package validation

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/metalagman/deeprun/internal/contract"
	"github.com/metalagman/deeprun/internal/execx"
	"github.com/metalagman/deeprun/internal/fault"
	"github.com/metalagman/deeprun/internal/logging"
)

// Modes selects which checks run and how failures count. Light covers the
// architecture walker; heavy covers the subprocess checks.
type Modes struct {
	Light contract.Mode
	Heavy contract.Mode
}

// Pipeline runs validation checks against a worktree directory.
type Pipeline struct {
	commandTimeout time.Duration
	bootTimeout    time.Duration
	installDeps    bool
}

// Option configures a pipeline.
type Option func(*Pipeline)

// WithCommandTimeout bounds each heavy check subprocess.
func WithCommandTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.commandTimeout = d }
}

// WithBootTimeout bounds the runtime boot observation window.
func WithBootTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.bootTimeout = d }
}

// WithInstallDeps runs the manifest install command before heavy checks.
func WithInstallDeps(enabled bool) Option {
	return func(p *Pipeline) { p.installDeps = enabled }
}

// NewPipeline builds a pipeline with the AGENT_HEAVY_INSTALL_DEPS env
// fallback applied.
func NewPipeline(opts ...Option) *Pipeline {
	p := &Pipeline{
		commandTimeout: 5 * time.Minute,
		bootTimeout:    15 * time.Second,
		installDeps:    os.Getenv("AGENT_HEAVY_INSTALL_DEPS") == "1",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the configured checks against dir and folds them into a
// report. A mode of off skips its checks entirely; warn downgrades their
// failures to warnings; enforce makes them blocking.
func (p *Pipeline) Run(ctx context.Context, dir string, modes Modes) (Report, error) {
	logger := logging.Component("validation")
	manifest, err := LoadManifest(dir)
	if err != nil {
		return Report{}, fault.ValidationCrashed("load manifest").Wrap(err)
	}

	var checks []CheckResult
	checks = append(checks, p.runArchitecture(dir, manifest, modes.Light))

	if modes.Heavy == contract.ModeOff {
		for _, id := range []string{CheckTypecheck, CheckBuild, CheckTests} {
			checks = append(checks, CheckResult{ID: id, Status: StatusSkip, Message: "heavy validation off"})
		}
	} else {
		if p.installDeps && manifest.Commands.Install != "" {
			if _, err := p.runCommand(ctx, dir, manifest.Commands.Install); err != nil {
				return Report{}, fault.ValidationCrashed("install dependencies").Wrap(err)
			}
		}
		severity := severityFor(modes.Heavy)
		checks = append(checks, p.runCommandCheck(ctx, dir, CheckTypecheck, manifest.Commands.Typecheck, severity))
		checks = append(checks, p.runCommandCheck(ctx, dir, CheckBuild, manifest.Commands.Build, severity))
		checks = append(checks, p.runCommandCheck(ctx, dir, CheckTests, manifest.Commands.Tests, severity))
		checks = append(checks, p.runBootCheck(ctx, dir, manifest.Commands.RuntimeBoot, severity))
	}

	report := Summarize(checks, dir)
	logger.Debug().Str("dir", dir).Bool("ok", report.OK).
		Int("blocking", report.BlockingCount).Int("warnings", report.WarningCount).
		Msg("validation finished")
	return report, nil
}

func (p *Pipeline) runArchitecture(dir string, manifest Manifest, mode contract.Mode) CheckResult {
	if mode == contract.ModeOff {
		return CheckResult{ID: CheckArchitecture, Status: StatusSkip, Message: "light validation off"}
	}
	started := time.Now()
	violations, err := CheckArchitectureTree(dir, manifest.Architecture)
	result := CheckResult{
		ID:         CheckArchitecture,
		Severity:   severityFor(mode),
		DurationMs: time.Since(started).Milliseconds(),
	}
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("architecture walk failed: %v", err)
		return result
	}
	if len(violations) == 0 {
		result.Status = StatusPass
		result.Message = "architecture contract holds"
		return result
	}
	result.Status = StatusFail
	result.Violations = violations
	result.Message = fmt.Sprintf("%d architecture violation(s)", len(violations))
	return result
}

func (p *Pipeline) runCommandCheck(ctx context.Context, dir, id, command string, severity Severity) CheckResult {
	if command == "" {
		return CheckResult{ID: id, Status: StatusSkip, Message: "no command configured"}
	}
	res, err := p.runCommand(ctx, dir, command)
	check := CheckResult{
		ID:         id,
		Severity:   severity,
		Output:     tail(res.Stdout+"\n"+res.Stderr, 4_000),
		DurationMs: res.Duration.Milliseconds(),
	}
	if err != nil {
		check.Status = StatusFail
		check.Message = fmt.Sprintf("command failed to start: %v", err)
		return check
	}
	if res.TimedOut {
		check.Status = StatusFail
		check.Message = fmt.Sprintf("%s timed out after %s", id, p.commandTimeout)
		return check
	}
	if res.ExitCode != 0 {
		check.Status = StatusFail
		check.Message = fmt.Sprintf("%s exited %d", id, res.ExitCode)
		return check
	}
	check.Status = StatusPass
	check.Message = id + " passed"
	return check
}

// runBootCheck starts the workspace runtime and watches it for the boot
// window. Surviving the window is a pass; exiting early is a fail with the
// stderr tail kept for the correction classifier.
func (p *Pipeline) runBootCheck(ctx context.Context, dir, command string, severity Severity) CheckResult {
	if command == "" {
		return CheckResult{ID: CheckRuntimeBoot, Status: StatusSkip, Message: "no runtime boot command"}
	}
	res, err := execx.RunShell(ctx, execx.Options{Dir: dir, Timeout: p.bootTimeout}, command)
	check := CheckResult{
		ID:         CheckRuntimeBoot,
		Severity:   severity,
		Output:     tail(res.Stderr, 4_000),
		DurationMs: res.Duration.Milliseconds(),
	}
	if err != nil {
		check.Status = StatusFail
		check.Message = fmt.Sprintf("runtime failed to start: %v", err)
		return check
	}
	if res.TimedOut || res.ExitCode == 0 {
		check.Status = StatusPass
		check.Message = "runtime stayed up through the boot window"
		return check
	}
	check.Status = StatusFail
	check.Message = fmt.Sprintf("runtime exited %d during boot", res.ExitCode)
	return check
}

func (p *Pipeline) runCommand(ctx context.Context, dir, command string) (execx.Result, error) {
	return execx.RunShell(ctx, execx.Options{Dir: dir, Timeout: p.commandTimeout}, command)
}

// V1Ready runs the strict readiness probes: boot, endpoint, seed. The
// verdict is YES exactly when every configured probe passes; a workspace
// with no probes configured is not ready.
func (p *Pipeline) V1Ready(ctx context.Context, dir string) (V1Report, error) {
	manifest, err := LoadManifest(dir)
	if err != nil {
		return V1Report{}, fault.ValidationCrashed("load manifest").Wrap(err)
	}
	probes := []struct {
		id      string
		command string
	}{
		{"v1_boot", manifest.V1Ready.Boot},
		{"v1_endpoint", manifest.V1Ready.Endpoint},
		{"v1_seed", manifest.V1Ready.Seed},
	}
	var checks []CheckResult
	configured := false
	ok := true
	for _, probe := range probes {
		if probe.command == "" {
			checks = append(checks, CheckResult{ID: probe.id, Status: StatusSkip, Message: "no probe configured"})
			continue
		}
		configured = true
		check := p.runCommandCheck(ctx, dir, probe.id, probe.command, SeverityError)
		checks = append(checks, check)
		if check.Status == StatusFail {
			ok = false
		}
	}
	if !configured {
		ok = false
	}
	verdict := VerdictNo
	if ok {
		verdict = VerdictYes
	}
	return V1Report{
		OK:          ok,
		Verdict:     verdict,
		Checks:      checks,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func severityFor(mode contract.Mode) Severity {
	if mode == contract.ModeWarn {
		return SeverityWarning
	}
	return SeverityError
}

func tail(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
