package processes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Termination timing.
const (
	// defaultWaitTimeout is how long each termination pass waits for processes to exit.
	defaultWaitTimeout = 5 * time.Second

	// defaultSlowStopWait is how long a slow stop waits after SIGTERM before moving on.
	defaultSlowStopWait = 2 * time.Second

	// pollInterval is the liveness polling period while waiting.
	pollInterval = 50 * time.Millisecond
)

// Logger defines the logging interface used during termination.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// NoopLogger returns a Logger that discards everything.
func NoopLogger() Logger { return noopLogger{} }

// Terminator stops process trees in escalating passes.
type Terminator struct {
	logger Logger

	// WaitTimeout bounds each pass. Zero means 5s.
	WaitTimeout time.Duration

	// SlowStopWait is the per-process grace after SIGTERM in slow stop mode. Zero means 2s.
	SlowStopWait time.Duration
}

// NewTerminator returns a Terminator with default timings and the given logger.
// A nil logger discards output.
func NewTerminator(logger Logger) *Terminator {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Terminator{
		logger:       logger,
		WaitTimeout:  defaultWaitTimeout,
		SlowStopWait: defaultSlowStopWait,
	}
}

// TerminateOptions controls TerminateProcess.
type TerminateOptions struct {
	// Children are already known children of the process, collected
	// while it was still alive. They are merged with a fresh collection.
	Children []*process.Process

	// KillChildren also stops the children. It is implied when SlowStop is false.
	KillChildren bool

	// SlowStop sends SIGTERM and waits before escalating to SIGKILL.
	SlowStop bool
}

// TerminateProcess stops pid and, optionally, its process tree.
func TerminateProcess(ctx context.Context, pid int, opts TerminateOptions) {
	NewTerminator(nil).TerminateProcess(ctx, pid, opts)
}

// TerminateProcessList stops every process in procs.
func TerminateProcessList(ctx context.Context, procs []*process.Process, kill, slowStop bool) {
	NewTerminator(nil).TerminateProcessList(ctx, procs, kill, slowStop)
}

// TerminateProcess stops pid and, optionally, its process tree.
func (t *Terminator) TerminateProcess(ctx context.Context, pid int, opts TerminateOptions) {
	killChildren := opts.KillChildren || !opts.SlowStop

	var list []*process.Process
	proc, err := process.NewProcessWithContext(ctx, int32(pid)) //nolint:gosec // PIDs fit in int32
	if err != nil {
		// Already gone.
		proc = nil
	} else {
		list = append(list, proc)
	}

	children := append([]*process.Process(nil), opts.Children...)
	if killChildren {
		if proc != nil {
			children = append(children, CollectChildProcesses(ctx, pid)...)
		}
		list = append(list, children...)
	}

	if len(list) == 0 {
		return
	}

	t.logger.Info("stopping process tree",
		"pid", pid,
		"children", pids(children),
	)
	t.TerminateProcessList(ctx, list, !opts.SlowStop, opts.SlowStop)
}

// TerminateProcessList stops every process in procs in up to three passes:
//  1. kill or terminate, as requested
//  2. kill unless slowStop, otherwise terminate again
//  3. kill
//
// Each pass waits for the processes to exit. Processes that survive all
// three passes are logged.
func (t *Terminator) TerminateProcessList(ctx context.Context, procs []*process.Process, kill, slowStop bool) {
	seen := make(map[int32]struct{}, len(procs))
	remaining := make([]*process.Process, 0, len(procs))
	for _, p := range procs {
		if p == nil {
			continue
		}
		if _, dup := seen[p.Pid]; dup {
			continue
		}
		seen[p.Pid] = struct{}{}
		remaining = append(remaining, p)
	}
	if removed := len(procs) - len(remaining); removed > 0 {
		t.logger.Debug("removed duplicates from the initial process list", "count", removed)
	}

	passes := []struct {
		kill, slowStop bool
	}{
		{kill, slowStop},
		{!slowStop, slowStop},
		{true, false},
	}

	for i, pass := range passes {
		if len(remaining) == 0 {
			return
		}
		t.logger.Info("terminating process list",
			"step", i+1,
			"kill", pass.kill,
			"slow_stop", pass.slowStop,
			"pids", pids(remaining),
		)
		remaining = t.signalAll(ctx, remaining, pass.kill, pass.slowStop)
		remaining = t.waitAll(ctx, remaining, t.waitTimeout())
	}

	if len(remaining) > 0 {
		t.logger.Warn("some processes failed to properly terminate", "pids", pids(remaining))
	}
}

// signalAll sends one signal round and returns the processes still alive.
func (t *Terminator) signalAll(ctx context.Context, procs []*process.Process, kill, slowStop bool) []*process.Process {
	alive := procs[:0:0]
	for _, p := range procs {
		// Zombies are skipped too: they are gone once their parent reaps them.
		if !isAlive(ctx, p) {
			continue
		}

		var err error
		if kill {
			t.logger.Info("killing process", "pid", p.Pid, "cmdline", cmdline(ctx, p))
			err = p.KillWithContext(ctx)
		} else {
			t.logger.Info("terminating process", "pid", p.Pid, "cmdline", cmdline(ctx, p))
			err = p.TerminateWithContext(ctx)
			if err == nil && slowStop {
				// Give it time to flush state before the next process is touched.
				t.waitAll(ctx, []*process.Process{p}, t.slowStopWait())
			}
		}
		if err != nil && !errors.Is(err, process.ErrorProcessNotRunning) {
			t.logger.Debug("signalling process failed", "pid", p.Pid, "error", err)
		}

		if isAlive(ctx, p) {
			alive = append(alive, p)
		}
	}
	return alive
}

// waitAll polls until every process has exited or timeout passes, and returns the survivors.
func (t *Terminator) waitAll(ctx context.Context, procs []*process.Process, timeout time.Duration) []*process.Process {
	deadline := time.Now().Add(timeout)
	for {
		alive := procs[:0:0]
		for _, p := range procs {
			if isAlive(ctx, p) {
				alive = append(alive, p)
				continue
			}
			t.logger.Debug("process terminated", "pid", p.Pid)
		}
		procs = alive

		if len(procs) == 0 || time.Now().After(deadline) {
			return procs
		}

		select {
		case <-ctx.Done():
			return procs
		case <-time.After(pollInterval):
		}
	}
}

func (t *Terminator) waitTimeout() time.Duration {
	if t.WaitTimeout <= 0 {
		return defaultWaitTimeout
	}
	return t.WaitTimeout
}

func (t *Terminator) slowStopWait() time.Duration {
	if t.SlowStopWait <= 0 {
		return defaultSlowStopWait
	}
	return t.SlowStopWait
}

// CollectChildProcesses returns all descendants of pid, depth first.
// A process that no longer exists has no children.
func CollectChildProcesses(ctx context.Context, pid int) []*process.Process {
	parent, err := process.NewProcessWithContext(ctx, int32(pid)) //nolint:gosec // PIDs fit in int32
	if err != nil {
		return nil
	}

	var out []*process.Process
	var walk func(p *process.Process)
	walk = func(p *process.Process) {
		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			return
		}
		for _, c := range children {
			out = append(out, c)
			walk(c)
		}
	}
	walk(parent)
	return out
}

// PIDExists reports whether a process with pid exists. Zombies count as gone.
func PIDExists(pid int) bool {
	p, err := process.NewProcess(int32(pid)) //nolint:gosec // PIDs fit in int32
	if err != nil {
		return false
	}
	return isAlive(context.Background(), p)
}

func isAlive(ctx context.Context, p *process.Process) bool {
	exists, err := process.PidExistsWithContext(ctx, p.Pid)
	if err != nil || !exists {
		return false
	}
	return !isZombie(ctx, p)
}

func isZombie(ctx context.Context, p *process.Process) bool {
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return false
	}
	for _, s := range status {
		if s == process.Zombie {
			return true
		}
	}
	return false
}

func cmdline(ctx context.Context, p *process.Process) string {
	args, err := p.CmdlineSliceWithContext(ctx)
	if err != nil || len(args) == 0 {
		return fmt.Sprintf("<could not be retrieved; pid %d>", p.Pid)
	}
	return fmt.Sprintf("%q", args)
}

func pids(procs []*process.Process) []int32 {
	out := make([]int32, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.Pid)
	}
	return out
}
