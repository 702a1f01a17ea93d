// Package exec runs external commands with bounded timeouts and captured
// output. Long-running commands honor a wall-clock deadline and are killed
// on expiry; a timed-out command is a failed command, never an indefinite
// suspension.
package exec

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds commands whose caller supplies none.
const DefaultTimeout = 2 * time.Minute

// Command is one external invocation.
type Command struct {
	// Name is the program to run; Args are its arguments.
	Name string   `yaml:"name" json:"name"`
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`

	// Dir is the working directory. Empty means the process's own.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty"`

	// Timeout bounds the run. Zero means DefaultTimeout.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// String renders the command line for diagnostics.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result captures one completed (or failed-to-complete) invocation.
type Result struct {
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`

	// Err is set when the command could not run at all (binary missing,
	// context expired before start). A nonzero exit is not an Err.
	Err error `json:"-"`
}

// Succeeded reports whether the command ran to completion with exit 0.
func (r Result) Succeeded() bool {
	return r.Err == nil && !r.TimedOut && r.ExitCode == 0
}

// maxCapturedOutput bounds the output kept per invocation.
const maxCapturedOutput = 64 * 1024

// Run executes the command, honoring both the caller's context and the
// command's own timeout, and never returns a Go error for an unhealthy
// command: failure modes are encoded in the Result so callers can treat
// "could not run" and "ran and failed" uniformly.
func Run(ctx context.Context, cmd Command) Result {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	proc := exec.CommandContext(runCtx, cmd.Name, cmd.Args...)
	proc.Dir = cmd.Dir

	var output bytes.Buffer
	proc.Stdout = &output
	proc.Stderr = &output

	start := time.Now()
	err := proc.Run()
	result := Result{
		Command:  cmd.String(),
		Duration: time.Since(start),
		TimedOut: runCtx.Err() == context.DeadlineExceeded,
	}

	captured := output.Bytes()
	if len(captured) > maxCapturedOutput {
		captured = captured[len(captured)-maxCapturedOutput:]
	}
	result.Output = strings.TrimSpace(string(captured))

	switch {
	case err == nil:
		result.ExitCode = 0
	case proc.ProcessState != nil:
		result.ExitCode = proc.ProcessState.ExitCode()
	default:
		// The process never started.
		result.ExitCode = -1
		result.Err = err
	}
	return result
}

// RunAll executes commands sequentially, stopping at the first failure.
// The failed (or last) result is returned along with everything before it.
func RunAll(ctx context.Context, cmds []Command) []Result {
	results := make([]Result, 0, len(cmds))
	for _, cmd := range cmds {
		result := Run(ctx, cmd)
		results = append(results, result)
		if !result.Succeeded() {
			break
		}
	}
	return results
}
