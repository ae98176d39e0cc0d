package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/flexinfer/conductor/pkg/types"
)

// terminationGrace is how long a signalled child gets to exit before it is
// killed outright.
const terminationGrace = 2 * time.Second

// SubprocessConfig holds configuration for the subprocess driver.
type SubprocessConfig struct {
	// CWD is the working directory for child processes ("" = inherit).
	CWD string

	// EnvAllowlist names the parent environment variables passed through.
	EnvAllowlist []string
}

// SubprocessDriver executes nodes as local child processes. Stdout is
// ingested as NDJSON-or-plain-text, stderr as error logs. The child gets a
// minimal allowlisted environment plus RUN_ID and NODE_ID.
//
// The driver owns the attempt's node_status events: running is emitted
// before any output is read, and the terminal succeeded/failed is emitted
// only after both streams are drained, so no late output can follow it.
type SubprocessDriver struct {
	emitter   EventEmitter
	cwd       string
	allowlist []string
}

// NewSubprocessDriver creates a subprocess driver.
func NewSubprocessDriver(emitter EventEmitter, cfg *SubprocessConfig) *SubprocessDriver {
	if cfg == nil {
		cfg = &SubprocessConfig{}
	}
	allowlist := cfg.EnvAllowlist
	if allowlist == nil {
		allowlist = []string{"PATH", "HOME", "LANG", "TMPDIR"}
	}
	return &SubprocessDriver{
		emitter:   emitter,
		cwd:       cfg.CWD,
		allowlist: allowlist,
	}
}

func (d *SubprocessDriver) Name() string { return "subprocess" }

// RunNode spawns the command and blocks until it exits, the timeout fires,
// or ctx is cancelled. Timeouts and cancellations first send SIGTERM and
// escalate to SIGKILL after a short grace period.
func (d *SubprocessDriver) RunNode(ctx context.Context, runID, nodeID string, cmd []string, env map[string]string, timeoutSec float64) (int, error) {
	// Emission must survive cancellation so the tail of the output and the
	// failure events still land in the stream.
	emitCtx := context.WithoutCancel(ctx)

	if len(cmd) == 0 {
		d.emitter.EmitLog(emitCtx, runID, nodeID, types.LevelError, "node has no command to execute")
		emitNodeFailed(emitCtx, d.emitter, runID, nodeID, ExitSpawnFailure, "start_failed")
		return ExitSpawnFailure, fmt.Errorf("empty command for node %s", nodeID)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeoutSec > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSec*float64(time.Second)))
		defer cancel()
	}

	c := exec.CommandContext(runCtx, cmd[0], cmd[1:]...)
	c.Dir = d.cwd
	c.Env = d.buildEnv(env, runID, nodeID)
	c.Cancel = func() error {
		return c.Process.Signal(syscall.SIGTERM)
	}
	c.WaitDelay = terminationGrace

	stdout, err := c.StdoutPipe()
	if err != nil {
		emitNodeFailed(emitCtx, d.emitter, runID, nodeID, ExitSpawnFailure, "start_failed")
		return ExitSpawnFailure, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		emitNodeFailed(emitCtx, d.emitter, runID, nodeID, ExitSpawnFailure, "start_failed")
		return ExitSpawnFailure, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := c.Start(); err != nil {
		d.emitter.EmitLog(emitCtx, runID, nodeID, types.LevelError,
			fmt.Sprintf("failed to start %s: %v", cmd[0], err))
		emitNodeFailed(emitCtx, d.emitter, runID, nodeID, ExitSpawnFailure, "start_failed")
		return ExitSpawnFailure, fmt.Errorf("start %s: %w", cmd[0], err)
	}

	// running strictly precedes any output event for this attempt.
	emitNodeRunning(emitCtx, d.emitter, runID, nodeID)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		consumeStdout(emitCtx, d.emitter, runID, nodeID, stdout)
	}()
	go func() {
		defer wg.Done()
		consumeStderr(emitCtx, d.emitter, runID, nodeID, stderr)
	}()

	// Drain output before Wait closes the pipes; this also guarantees no
	// late output lands after the terminal node_status below.
	wg.Wait()
	waitErr := c.Wait()

	if timeoutSec > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		d.emitter.EmitLog(emitCtx, runID, nodeID, types.LevelError,
			fmt.Sprintf("node timed out after %gs", timeoutSec))
		emitNodeFailed(emitCtx, d.emitter, runID, nodeID, ExitTimeout, "timeout")
		return ExitTimeout, nil
	}
	if ctx.Err() != nil {
		emitNodeFailed(emitCtx, d.emitter, runID, nodeID, ExitCancelled, "cancelled")
		return ExitCancelled, ctx.Err()
	}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			emitNodeFailed(emitCtx, d.emitter, runID, nodeID, ExitSpawnFailure, "wait_failed")
			return ExitSpawnFailure, fmt.Errorf("wait: %w", waitErr)
		}
	} else {
		exitCode = c.ProcessState.ExitCode()
	}

	if exitCode == 0 {
		emitNodeSucceeded(emitCtx, d.emitter, runID, nodeID)
	} else {
		emitNodeFailed(emitCtx, d.emitter, runID, nodeID, exitCode, "")
	}
	return exitCode, nil
}

// buildEnv assembles the child environment: allowlisted parent variables,
// then node-level extras, then the reserved RUN_ID and NODE_ID.
func (d *SubprocessDriver) buildEnv(extra map[string]string, runID, nodeID string) []string {
	env := make([]string, 0, len(d.allowlist)+len(extra)+2)
	for _, key := range d.allowlist {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	for key, val := range extra {
		env = append(env, key+"="+val)
	}
	env = append(env, "RUN_ID="+runID, "NODE_ID="+nodeID)
	return env
}

var _ Driver = (*SubprocessDriver)(nil)
