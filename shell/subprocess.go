package shell

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/shellkit/processes"
)

// Subprocess runs a command to completion.
type Subprocess struct {
	*Factory
}

// NewSubprocess returns a Subprocess factory.
func NewSubprocess(opts ...Option) *Subprocess {
	s := &Subprocess{Factory: newFactory(opts)}
	s.owner = s
	return s
}

// RunOptions are per-call settings for RunWith.
type RunOptions struct {
	// Env is layered over the factory environment.
	Env map[string]string

	// Timeout overrides the factory timeout when non-zero.
	Timeout time.Duration
}

// Cmdline returns args unchanged.
func (s *Subprocess) Cmdline(args ...string) ([]string, error) {
	return append([]string(nil), args...), nil
}

// DisplayName returns Subprocess() before the first run and
// Subprocess([args...]) afterwards.
func (s *Subprocess) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lastCmd) == 0 {
		return "Subprocess()"
	}
	return fmt.Sprintf("Subprocess(%q)", s.lastCmd)
}

// Run runs args synchronously and returns the Result.
func (s *Subprocess) Run(ctx context.Context, args ...string) (*processes.Result, error) {
	return s.RunWith(ctx, RunOptions{}, args...)
}

// RunWith runs args synchronously with per-call options.
//
// A run that exceeds its timeout is terminated and returns a
// *ProcessFailed of kind ErrFactoryTimeout carrying the partial Result.
// A non-zero exit status is not an error.
func (s *Subprocess) RunWith(ctx context.Context, opts RunOptions, args ...string) (*processes.Result, error) {
	return s.run(ctx, s.owner, opts, args)
}

func (f *Factory) run(ctx context.Context, owner commander, opts RunOptions, args []string) (*processes.Result, error) {
	start := time.Now()

	cmdline, err := owner.Cmdline(args...)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = f.Timeout
	}

	mgr, err := f.launch(ctx, cmdline, opts.Env)
	if err != nil {
		return nil, err
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	waitErr := mgr.Wait(waitCtx)

	result, termErr := f.terminate(context.WithoutCancel(ctx))
	if termErr != nil {
		return result, termErr
	}
	if result == nil {
		return nil, newFailure(ErrProcessFailed, nil, "%s lost track of %q", f, cmdline)
	}

	if waitErr != nil {
		if ctx.Err() != nil {
			return result, fmt.Errorf("running %q: %w", cmdline, ctx.Err())
		}
		if errors.Is(waitErr, context.DeadlineExceeded) {
			f.emit(ctx, Event{
				Kind:     EventRunTimedOut,
				Cmdline:  result.Cmdline,
				Duration: time.Since(start),
				Result:   result,
			})
			return result, newFailure(ErrFactoryTimeout, result,
				"%s Failed to run: %q; Error: Timed out after %.2f seconds!",
				f, result.Cmdline, time.Since(start).Seconds())
		}
		return result, waitErr
	}

	if err := result.DataDecodeError(); err != nil && result.Stdout != "" {
		f.logger.Debug(fmt.Sprintf("%s failed to load JSON from the following output:\n%q", f, string(result.Stdout)))
	}

	elapsed := time.Since(start)
	f.logger.Info(fmt.Sprintf("%s completed %q in CWD: %s after %.2f seconds", f, result.Cmdline, f.Cwd, elapsed.Seconds()))
	f.emit(ctx, Event{
		Kind:     EventRunCompleted,
		Cmdline:  result.Cmdline,
		Duration: elapsed,
		Result:   result,
	})
	return result, nil
}
