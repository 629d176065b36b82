// Package execx runs workspace commands with timeouts and bounded output
// capture. Validation checks, runtime boots and the run_command tool all go
// through it so every subprocess is context-bound and logged the same way.
package execx

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultMaxOutputBytes caps captured stdout/stderr per stream.
const DefaultMaxOutputBytes = 256 * 1024

// Options controls one subprocess invocation.
type Options struct {
	Dir            string
	Env            []string
	Timeout        time.Duration
	MaxOutputBytes int
}

// Result captures the observable outcome of a subprocess.
type Result struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// Run executes the command. A non-zero exit is not an error: it is data in
// the Result. The returned error covers spawn failures only.
func Run(ctx context.Context, opts Options, name string, args ...string) (Result, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	maxBytes := opts.MaxOutputBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxOutputBytes
	}

	log.Debug().Str("dir", opts.Dir).Str("cmd", name).Strs("args", args).Msg("running command")
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	stdout := newBoundedBuffer(maxBytes)
	stderr := newBoundedBuffer(maxBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Command:  strings.TrimSpace(name + " " + strings.Join(args, " ")),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		}
		return res, nil
	}
	if ctx.Err() != nil {
		res.ExitCode = -1
		res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		return res, nil
	}
	return res, err
}

// RunShell executes a manifest command line through the shell.
func RunShell(ctx context.Context, opts Options, script string) (Result, error) {
	return Run(ctx, opts, "sh", "-c", script)
}

// boundedBuffer keeps the head of the stream and drops the rest, recording
// that truncation happened.
type boundedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newBoundedBuffer(max int) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remain := b.max - b.buf.Len()
	if remain <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remain {
		b.buf.Write(p[:remain])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
