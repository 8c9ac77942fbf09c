package procctl

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"antigravity-manager/internal/platform/errors"
	"antigravity-manager/internal/platform/logging"
)

// Controller finds, stops and starts the managed IDE processes by name hint.
type Controller struct {
	hints  []string
	logger *logging.Logger
}

func NewController(hints []string, logger *logging.Logger) *Controller {
	return &Controller{hints: hints, logger: logger}
}

// matching returns every live process whose name contains one of the hints.
// The manager's own process is never a match.
func (c *Controller) matching(ctx context.Context) ([]*process.Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.KindPlatform, "procctl.list", "enumerate processes", err)
	}

	self := int32(os.Getpid())
	var matches []*process.Process
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		lower := strings.ToLower(name)
		for _, hint := range c.hints {
			if hint != "" && strings.Contains(lower, strings.ToLower(hint)) {
				matches = append(matches, p)
				break
			}
		}
	}
	return matches, nil
}

// Running reports the pids of matching processes.
func (c *Controller) Running(ctx context.Context) ([]int32, error) {
	matches, err := c.matching(ctx)
	if err != nil {
		return nil, err
	}
	pids := make([]int32, 0, len(matches))
	for _, p := range matches {
		pids = append(pids, p.Pid)
	}
	return pids, nil
}

// Close terminates every matching process, escalating to kill, and waits up
// to timeout for them to exit. No matching process is a no-op. Survivors
// after the deadline are logged and the close proceeds anyway; the rewrite
// of the state files does not wait forever on a wedged process.
func (c *Controller) Close(ctx context.Context, timeout time.Duration) error {
	matches, err := c.matching(ctx)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		c.logger.InfoTag("proc", "no running processes to close")
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	for _, p := range matches {
		if err := p.TerminateWithContext(ctx); err != nil {
			c.logger.DebugTag("proc", "terminate pid %d: %v", p.Pid, err)
		}
	}

	deadline := time.Now().Add(timeout)
	graceEnd := time.Now().Add(timeout / 2)
	killed := false
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(errors.KindPlatform, "procctl.close", "context cancelled", err)
		}
		alive := c.countAlive(ctx, matches)
		if alive == 0 {
			c.logger.InfoTag("proc", "closed %d process(es)", len(matches))
			return nil
		}
		if !killed && time.Now().After(graceEnd) {
			for _, p := range matches {
				if running, _ := p.IsRunningWithContext(ctx); running {
					if err := p.KillWithContext(ctx); err != nil {
						c.logger.DebugTag("proc", "kill pid %d: %v", p.Pid, err)
					}
				}
			}
			killed = true
		}
		time.Sleep(200 * time.Millisecond)
	}

	c.logger.WarnTag("proc", "%d process(es) still running after close timeout, continuing",
		c.countAlive(ctx, matches))
	return nil
}

func (c *Controller) countAlive(ctx context.Context, procs []*process.Process) int {
	alive := 0
	for _, p := range procs {
		if running, err := p.IsRunningWithContext(ctx); err == nil && running {
			alive++
		}
	}
	return alive
}

// Start launches the executable detached from the manager. The child keeps
// running after the manager exits.
func (c *Controller) Start(_ context.Context, executable string, args ...string) error {
	if executable == "" {
		return errors.New(errors.KindPlatform, "procctl.start", "no executable configured")
	}
	if _, err := os.Stat(executable); err != nil {
		return errors.Wrap(errors.KindPlatform, "procctl.start", "executable not found", err)
	}

	cmd := exec.Command(executable, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return errors.Wrap(errors.KindPlatform, "procctl.start", "start process", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		c.logger.DebugTag("proc", "release pid %d: %v", pid, err)
	}
	c.logger.InfoTag("proc", "started %s (pid %d)", executable, pid)
	return nil
}
