// Package dispatch runs helper binaries shipped with device build
// artifacts, capturing stdout/stderr and reporting exit status.
// Grounded on the concurrent stdout/stderr pipe-draining pattern the
// teacher uses for process management (exec.CommandContext plus one
// goroutine per stream, to avoid deadlocking on a full pipe buffer).
package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/cuttlefish-host/cvdd/internal/cvderr"
	"github.com/cuttlefish-host/cvdd/internal/cvdlog"
	"github.com/cuttlefish-host/cvdd/internal/cvdmetrics"
)

// Command builds a subprocess invocation.
type Command struct {
	Program    string
	Args       []string
	Env        []string
	ReplaceEnv bool // if true, Env replaces rather than merges with the dispatcher's environment
	Op         string // metrics/logging label, e.g. "status" or "stop"
}

// Result reports how a child terminated.
type Result struct {
	ExitCode int
	Signaled bool
}

// Dispatcher runs Commands. Its only state is the base-environment
// function passed to New; everything else lives in Command.
type Dispatcher struct {
	baseEnv func() []string
}

// New returns a Dispatcher. baseEnv, if non-nil, supplies the
// environment merged with a Command's Env when ReplaceEnv is false;
// callers typically pass os.Environ. A nil baseEnv yields an empty
// base, useful in tests.
func New(baseEnv func() []string) *Dispatcher {
	return &Dispatcher{baseEnv: baseEnv}
}

func (d *Dispatcher) buildEnv(cmd Command) []string {
	if cmd.ReplaceEnv || d.baseEnv == nil {
		// Non-nil even when cmd.Env is empty: exec.Cmd treats a nil Env
		// as "inherit the parent's environment".
		return append([]string{}, cmd.Env...)
	}
	base := d.baseEnv()
	env := make([]string, 0, len(base)+len(cmd.Env))
	env = append(env, base...)
	env = append(env, cmd.Env...)
	return env
}

// Run spawns cmd, waits for termination, and reports its exit status.
// Non-zero exit, signal death, or a lost pid are reported as a
// SubprocessFailure/Internal error rather than via Result alone.
func (d *Dispatcher) Run(ctx context.Context, cmd Command) (*Result, error) {
	return d.run(ctx, cmd, nil, nil, nil)
}

// RunCaptured is like Run but wires stdin (if non-nil) and drains
// stdout/stderr concurrently into the supplied buffers, so a helper
// that fills one pipe before the other is read cannot deadlock the
// dispatcher.
func (d *Dispatcher) RunCaptured(ctx context.Context, cmd Command, stdin []byte, stdout, stderr *bytes.Buffer) (*Result, error) {
	return d.run(ctx, cmd, stdin, stdout, stderr)
}

func (d *Dispatcher) run(ctx context.Context, cmd Command, stdin []byte, stdout, stderr *bytes.Buffer) (*Result, error) {
	timer := cvdmetrics.NewTimer()
	defer timer.ObserveDurationVec(cvdmetrics.DispatchDuration, cmd.Op)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(ctx, cmd.Program, cmd.Args...)
	execCmd.Env = d.buildEnv(cmd)

	var stdoutPipe, stderrPipe io.ReadCloser
	var err error
	if stdout != nil {
		stdoutPipe, err = execCmd.StdoutPipe()
		if err != nil {
			cvdmetrics.DispatchFailuresTotal.WithLabelValues(cmd.Op).Inc()
			return nil, cvderr.Internalf("creating stdout pipe for %s: %v", cmd.Program, err)
		}
	}
	if stderr != nil {
		stderrPipe, err = execCmd.StderrPipe()
		if err != nil {
			cvdmetrics.DispatchFailuresTotal.WithLabelValues(cmd.Op).Inc()
			return nil, cvderr.Internalf("creating stderr pipe for %s: %v", cmd.Program, err)
		}
	}
	if len(stdin) > 0 {
		execCmd.Stdin = bytes.NewReader(stdin)
	}

	if err := execCmd.Start(); err != nil {
		cvdmetrics.DispatchFailuresTotal.WithLabelValues(cmd.Op).Inc()
		return nil, cvderr.SubprocessFailuref("starting %s: %v", cmd.Program, err)
	}

	var wg sync.WaitGroup
	if stdoutPipe != nil {
		wg.Add(1)
		go drain(&wg, stdoutPipe, stdout)
	}
	if stderrPipe != nil {
		wg.Add(1)
		go drain(&wg, stderrPipe, stderr)
	}
	wg.Wait()

	waitErr := execCmd.Wait()
	result, err := resultFromWaitErr(execCmd, waitErr)
	if err != nil {
		cvdmetrics.DispatchFailuresTotal.WithLabelValues(cmd.Op).Inc()
		cvdlog.Logger.Warn().Str("op", cmd.Op).Str("program", cmd.Program).Err(err).Msg("subprocess failed")
		return result, err
	}
	return result, nil
}

func drain(wg *sync.WaitGroup, r io.Reader, buf *bytes.Buffer) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		buf.WriteString(scanner.Text())
		buf.WriteByte('\n')
	}
}

func resultFromWaitErr(execCmd *exec.Cmd, waitErr error) (*Result, error) {
	if execCmd.ProcessState == nil {
		return nil, cvderr.Internalf("lost track of subprocess pid for %s", execCmd.Path)
	}

	exitCode := execCmd.ProcessState.ExitCode()
	if exitCode == -1 {
		// Negative exit code with no usable ExitError means the process
		// was killed by a signal rather than exiting normally.
		return &Result{ExitCode: exitCode, Signaled: true},
			cvderr.SubprocessFailuref("%s terminated by signal", execCmd.Path)
	}
	if waitErr != nil {
		return &Result{ExitCode: exitCode}, cvderr.SubprocessFailuref("%s exited with code %d", execCmd.Path, exitCode)
	}
	return &Result{ExitCode: exitCode}, nil
}

// DefaultTimeout bounds how long a helper invocation is allowed to run
// when the caller doesn't supply its own context deadline. The core
// has no cancellation token of its own (spec §5); this is a
// quality-of-implementation guard against a wedged helper.
const DefaultTimeout = 2 * time.Minute
