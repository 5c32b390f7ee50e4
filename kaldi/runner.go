// Package kaldi drives the external Kaldi binaries used for tuning:
// decode-faster-mapped for decoding and compute-wer for scoring.
package kaldi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// maxStderr bounds how much of a failing command's stderr ends up in the error.
const maxStderr = 2048

// defaultWaitDelay is how long Run waits for output pipes after the process
// was killed. Children of the decoder, such as the int2sym.pl pipeline, may
// keep them open.
const defaultWaitDelay = 5 * time.Second

// Output is what a finished command produced.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Runner runs an external command to completion.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (*Output, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Dir       string        // working directory, empty = current
	Env       []string      // extra environment, appended to the parent's
	WaitDelay time.Duration // 0 = 5s
}

// Run executes name with args and captures both output streams.
// A non-zero exit is returned as an error carrying the tail of stderr.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (*Output, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	out := &Output{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, fmt.Errorf("%s: %w", name, ctxErr)
		}
		return out, &CommandError{Name: name, Err: err, Stderr: tail(out.Stderr, maxStderr)}
	}
	return out, nil
}

// CommandError reports a command that could not start or exited non-zero.
type CommandError struct {
	Name   string
	Err    error
	Stderr string
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("%s: %v (stderr: %s)", e.Name, e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExitCode returns the process exit status, or -1 if it never ran to exit.
func (e *CommandError) ExitCode() int {
	var exitErr *exec.ExitError
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}
