package shell

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/shellkit/processes"
)

// Daemon start timing.
const (
	// defaultMaxStartAttempts is used when neither the daemon nor the call sets one.
	defaultMaxStartAttempts = 3

	// launchSettle is how long Start waits before polling a process that
	// is not running yet.
	launchSettle = 500 * time.Millisecond

	// startCheckRetry is the pause after start checks report "not ready".
	startCheckRetry = time.Second

	// startCheckPoll is the pause between calls of a check that is not ready.
	startCheckPoll = 100 * time.Millisecond
)

// DaemonConfig configures a Daemon.
type DaemonConfig struct {
	// ScriptName is an absolute path or a name looked up in $PATH.
	ScriptName string

	// BaseScriptArgs precede the arguments of every start.
	BaseScriptArgs []string

	// CheckPorts must accept connections before the daemon counts as started.
	CheckPorts []int

	// StartTimeout bounds each start attempt. Required.
	StartTimeout time.Duration

	// MaxStartAttempts defaults to 3.
	MaxStartAttempts int

	// ExtraArgsAfterFirstStartFailure are appended from the second attempt on.
	ExtraArgsAfterFirstStartFailure []string

	// Stats, when set, tracks the daemon while it runs.
	Stats StatsRegistry
}

// StartOptions override the daemon settings for one Start call.
type StartOptions struct {
	MaxStartAttempts int
	StartTimeout     time.Duration
}

// StartCheck reports whether the daemon is ready. It is polled until it
// returns true or the deadline passes. An error wrapping
// ErrFactoryNotStarted fails the attempt; any other error is logged and
// treated as "not ready".
type StartCheck func(ctx context.Context, deadline time.Time) (bool, error)

// StoppedCallbacks run around the stop and restart done by Daemon.Stopped.
type StoppedCallbacks struct {
	BeforeStop  func(*Daemon) error
	AfterStop   func(*Daemon) error
	BeforeStart func(*Daemon) error
	AfterStart  func(*Daemon) error
}

// startCall records the arguments of the last Start so that Stopped can
// restart the daemon the same way.
type startCall struct {
	args []string
	opts StartOptions
}

// Daemon runs a long-lived script and confirms it is ready before
// returning from Start.
type Daemon struct {
	*ScriptSubprocess

	CheckPorts                      []int
	StartTimeout                    time.Duration
	MaxStartAttempts                int
	ExtraArgsAfterFirstStartFailure []string
	Stats                           StatsRegistry

	cbMu            sync.Mutex
	beforeStart     []Callback
	afterStart      []Callback
	beforeTerminate []Callback
	afterTerminate  []Callback
	startChecks     []StartCheck
	lastStart       *startCall

	// up is set between a confirmed start and the next terminate.
	up atomic.Bool
}

// NewDaemon returns a Daemon factory. The listening ports start check,
// stats registration and cleanup of stray listeners are registered by default.
func NewDaemon(cfg DaemonConfig, opts ...Option) (*Daemon, error) {
	if cfg.ScriptName == "" {
		return nil, fmt.Errorf("%w: daemon script name is required", ErrShellUtils)
	}
	if cfg.StartTimeout <= 0 {
		return nil, fmt.Errorf("%w: daemon start timeout must be positive, got %v", ErrShellUtils, cfg.StartTimeout)
	}
	if cfg.MaxStartAttempts <= 0 {
		cfg.MaxStartAttempts = defaultMaxStartAttempts
	}

	d := &Daemon{
		ScriptSubprocess:                newScript("Daemon", cfg.ScriptName, cfg.BaseScriptArgs, opts),
		CheckPorts:                      append([]int(nil), cfg.CheckPorts...),
		StartTimeout:                    cfg.StartTimeout,
		MaxStartAttempts:                cfg.MaxStartAttempts,
		ExtraArgsAfterFirstStartFailure: append([]string(nil), cfg.ExtraArgsAfterFirstStartFailure...),
		Stats:                           cfg.Stats,
	}
	d.owner = d
	d.onExit = d.exited

	d.startChecks = []StartCheck{d.checkListeningPorts}
	d.afterStart = []Callback{{Name: "addToStats", Func: d.addToStats}}
	d.afterTerminate = []Callback{
		{Name: "terminateListeners", Func: d.terminateListeners},
		{Name: "removeFromStats", Func: d.removeFromStats},
	}
	return d, nil
}

// BeforeStart registers fn to run before every start attempt.
func (d *Daemon) BeforeStart(fn func() error) { d.AddCallback(StageBeforeStart, Callback{Func: fn}) }

// AfterStart registers fn to run once the daemon is confirmed running.
func (d *Daemon) AfterStart(fn func() error) { d.AddCallback(StageAfterStart, Callback{Func: fn}) }

// BeforeTerminate registers fn to run before the daemon is terminated.
func (d *Daemon) BeforeTerminate(fn func() error) {
	d.AddCallback(StageBeforeTerminate, Callback{Func: fn})
}

// AfterTerminate registers fn to run after the daemon is terminated.
func (d *Daemon) AfterTerminate(fn func() error) {
	d.AddCallback(StageAfterTerminate, Callback{Func: fn})
}

// Stage selects a lifecycle transition for AddCallback.
type Stage int

const (
	StageBeforeStart Stage = iota
	StageAfterStart
	StageBeforeTerminate
	StageAfterTerminate
)

// AddCallback registers cb for stage.
func (d *Daemon) AddCallback(stage Stage, cb Callback) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	switch stage {
	case StageBeforeStart:
		d.beforeStart = append(d.beforeStart, cb)
	case StageAfterStart:
		d.afterStart = append(d.afterStart, cb)
	case StageBeforeTerminate:
		d.beforeTerminate = append(d.beforeTerminate, cb)
	case StageAfterTerminate:
		d.afterTerminate = append(d.afterTerminate, cb)
	}
}

// AddStartCheck appends readiness checks. Checks run in registration order.
func (d *Daemon) AddStartCheck(checks ...StartCheck) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	d.startChecks = append(d.startChecks, checks...)
}

// StartChecks returns a copy of the registered readiness checks.
func (d *Daemon) StartChecks() []StartCheck {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	return append([]StartCheck(nil), d.startChecks...)
}

// ClearStartChecks removes every readiness check, including the default one.
func (d *Daemon) ClearStartChecks() {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	d.startChecks = nil
}

func (d *Daemon) callbacks(stage Stage) []Callback {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	switch stage {
	case StageBeforeStart:
		return append([]Callback(nil), d.beforeStart...)
	case StageAfterStart:
		return append([]Callback(nil), d.afterStart...)
	case StageBeforeTerminate:
		return append([]Callback(nil), d.beforeTerminate...)
	default:
		return append([]Callback(nil), d.afterTerminate...)
	}
}

func (d *Daemon) runCallbacks(stage Stage) {
	for _, cb := range d.callbacks(stage) {
		if err := cb.call(); err != nil {
			msg := fmt.Sprintf("Exception raised when running %s: %v", cb, err)
			if stage == StageAfterTerminate {
				d.logger.Warn(msg)
			} else {
				d.logger.Info(msg)
			}
		}
	}
}

// Start starts the daemon and waits until every start check passes.
func (d *Daemon) Start(ctx context.Context, args ...string) error {
	return d.StartWith(ctx, StartOptions{}, args...)
}

// StartWith is Start with per-call attempt and timeout overrides.
//
// Each attempt launches the script and polls the start checks until the
// attempt's deadline. A process that dies or a check that fails with
// ErrFactoryNotStarted ends the attempt early. After MaxStartAttempts
// failed attempts a *ProcessFailed of kind ErrFactoryNotStarted is returned.
func (d *Daemon) StartWith(ctx context.Context, opts StartOptions, args ...string) error {
	if d.IsRunning() {
		d.logger.Warn(fmt.Sprintf("%s is already running.", d))
		return nil
	}

	d.cbMu.Lock()
	d.lastStart = &startCall{args: append([]string(nil), args...), opts: opts}
	d.cbMu.Unlock()

	maxAttempts := opts.MaxStartAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.MaxStartAttempts
	}
	startTimeout := opts.StartTimeout
	if startTimeout <= 0 {
		startTimeout = d.StartTimeout
	}

	start := time.Now()
	attempt := 0
	running := false
	runArgs := args

	for !running {
		attempt++
		if attempt > maxAttempts {
			break
		}
		d.logger.Info(fmt.Sprintf("Starting %s. Attempt: %d of %d", d, attempt, maxAttempts))
		d.emit(ctx, Event{Kind: EventDaemonStarting, Attempt: attempt})
		d.runCallbacks(StageBeforeStart)

		attemptStart := time.Now()
		deadline := attemptStart.Add(startTimeout)
		if attempt > 1 && len(d.ExtraArgsAfterFirstStartFailure) > 0 {
			runArgs = append(append([]string(nil), args...), d.ExtraArgsAfterFirstStartFailure...)
		}

		cmdline, err := d.Cmdline(runArgs...)
		if err != nil {
			return err
		}
		if _, err := d.launch(ctx, cmdline, nil); err != nil {
			return err
		}
		if !d.IsRunning() {
			if err := sleepCtx(ctx, launchSettle); err != nil {
				return d.abortStart(err)
			}
		}

		running, err = d.confirmRunning(ctx, start, attempt, attemptStart, deadline)
		if err != nil {
			return d.abortStart(err)
		}
	}

	if running {
		d.up.Store(true)
		d.runCallbacks(StageAfterStart)
		d.emit(ctx, Event{
			Kind:     EventDaemonStarted,
			PID:      d.PID(),
			Attempt:  attempt,
			Duration: time.Since(start),
		})
		return nil
	}

	result, err := d.terminate(ctx)
	if err != nil {
		return err
	}
	d.emit(ctx, Event{
		Kind:     EventDaemonFailed,
		Attempt:  attempt - 1,
		Duration: time.Since(start),
		Result:   result,
	})
	return newFailure(ErrFactoryNotStarted, result,
		"The %s factory has failed to confirm running status after %d attempts, which took %.2f seconds",
		d, attempt-1, time.Since(start).Seconds())
}

// confirmRunning polls one attempt until the start checks pass, the
// process dies or the deadline passes. Failed attempts are terminated.
// A returned error aborts Start altogether.
func (d *Daemon) confirmRunning(ctx context.Context, start time.Time, attempt int, attemptStart, deadline time.Time) (bool, error) {
	for !time.Now().After(deadline) {
		if !d.IsRunning() {
			d.logger.Warn(fmt.Sprintf("%s is no longer running", d))
			_, err := d.terminate(ctx)
			return false, err
		}

		ok, err := d.runStartChecks(ctx, attemptStart, deadline)
		if errors.Is(err, ErrFactoryNotStarted) {
			_, err := d.terminate(ctx)
			return false, err
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if !ok {
			if err := sleepCtx(ctx, startCheckRetry); err != nil {
				return false, err
			}
			continue
		}

		d.logger.Info(fmt.Sprintf("The %s factory is running after %d attempts. Took %1.2f seconds",
			d, attempt, time.Since(start).Seconds()))
		return true, nil
	}

	_, err := d.terminate(ctx)
	return false, err
}

// abortStart terminates a half started daemon when Start cannot go on.
func (d *Daemon) abortStart(err error) error {
	d.terminate(context.Background()) //nolint:errcheck // Start already failed
	return err
}

// runStartChecks runs every start check in order until all have passed
// or the deadline is reached. The registered checks are not modified.
func (d *Daemon) runStartChecks(ctx context.Context, startedAt, deadline time.Time) (bool, error) {
	d.logger.Debug(fmt.Sprintf("%s is running start checks", d))
	pending := d.StartChecks()

	for !time.Now().After(deadline) {
		if !d.IsRunning() {
			return false, newFailure(ErrFactoryNotStarted, nil, "%s is no longer running", d)
		}
		if len(pending) == 0 {
			break
		}

		ok, err := callStartCheck(ctx, pending[0], deadline)
		switch {
		case errors.Is(err, ErrFactoryNotStarted):
			return false, err
		case err != nil:
			d.logger.Info(fmt.Sprintf("Exception raised when running %s: %v", FormatCallback(pending[0]), err))
		case ok:
			pending = pending[1:]
			continue
		}
		if err := sleepCtx(ctx, startCheckPoll); err != nil {
			return false, err
		}
	}

	if len(pending) > 0 {
		d.logger.Error(fmt.Sprintf("Failed to run start checks after %1.2f seconds for %s",
			time.Since(startedAt).Seconds(), d))
		return false, nil
	}
	return true, nil
}

func callStartCheck(ctx context.Context, check StartCheck, deadline time.Time) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("start check panicked: %v", r)
		}
	}()
	return check(ctx, deadline)
}

// Terminate runs the terminate callbacks around stopping the daemon. A
// daemon that was already terminated returns the cached Result without
// running the callbacks again; one that never started returns nil.
func (d *Daemon) Terminate() *processes.Result {
	result, _ := d.terminate(context.Background())
	return result
}

func (d *Daemon) terminate(ctx context.Context) (*processes.Result, error) {
	d.mu.Lock()
	mgr, cached := d.mgr, d.result
	d.mu.Unlock()
	if mgr == nil {
		return cached, nil
	}

	d.up.Store(false)
	d.runCallbacks(StageBeforeTerminate)
	result, err := d.Factory.terminate(ctx)
	d.runCallbacks(StageAfterTerminate)

	d.emit(ctx, Event{Kind: EventDaemonStopped, Result: result})
	return result, err
}

// exited reports a started daemon whose process ended without Terminate.
// The daemon stays registered until Terminate collects its Result.
func (d *Daemon) exited(pid, code int) {
	if !d.up.CompareAndSwap(true, false) {
		return
	}
	d.logger.Warn(fmt.Sprintf("%s (pid %d) exited unexpectedly with code %d", d, pid, code))
	d.emit(context.Background(), Event{Kind: EventDaemonExited, PID: pid, ExitCode: code})
}

// Started starts the daemon, calls fn and terminates the daemon once fn returns.
func (d *Daemon) Started(ctx context.Context, fn func(*Daemon) error, args ...string) error {
	return d.StartedWith(ctx, StartOptions{}, fn, args...)
}

// StartedWith is Started with per-call start options.
func (d *Daemon) StartedWith(ctx context.Context, opts StartOptions, fn func(*Daemon) error, args ...string) error {
	if err := d.StartWith(ctx, opts, args...); err != nil {
		return err
	}
	defer d.Terminate()
	return fn(d)
}

// Use calls fn on an already started daemon and terminates it afterwards.
func (d *Daemon) Use(fn func(*Daemon) error) error {
	if !d.IsRunning() {
		return fmt.Errorf("%w: %s not yet started, use Started instead", ErrFactoryNotRunning, d)
	}
	defer d.Terminate()
	return fn(d)
}

// Stopped terminates a running daemon, calls fn and then restarts the
// daemon with the arguments of its last start. When fn fails the error is
// returned and the daemon stays stopped.
func (d *Daemon) Stopped(ctx context.Context, cbs StoppedCallbacks, fn func(*Daemon) error) error {
	if !d.IsRunning() {
		return newFailure(ErrFactoryNotRunning, nil, "%s is not running", d)
	}

	d.cbMu.Lock()
	last := d.lastStart
	d.cbMu.Unlock()
	if last == nil {
		last = &startCall{}
	}

	d.runDaemonCallback(cbs.BeforeStop)
	if _, err := d.terminate(ctx); err != nil {
		return err
	}
	d.runDaemonCallback(cbs.AfterStop)

	if err := fn(d); err != nil {
		return err
	}

	d.runDaemonCallback(cbs.BeforeStart)
	if err := d.StartWith(ctx, last.opts, last.args...); err != nil {
		return err
	}
	d.runDaemonCallback(cbs.AfterStart)
	return nil
}

func (d *Daemon) runDaemonCallback(fn func(*Daemon) error) {
	if fn == nil {
		return
	}
	cb := Callback{Name: funcName(fn), Func: func() error { return fn(d) }}
	if err := cb.call(); err != nil {
		d.logger.Info(fmt.Sprintf("Exception raised when running %s: %v", cb, err))
	}
}

func (d *Daemon) addToStats() error {
	if d.Stats != nil {
		d.Stats.Add(d.DisplayName(), d.PID())
	}
	return nil
}

func (d *Daemon) removeFromStats() error {
	if d.Stats != nil {
		d.Stats.Remove(d.DisplayName())
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
