package shell

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/shellkit/internal/process"
	"github.com/nerrad567/shellkit/processes"
)

// Logger defines the logging interface used by factories.
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

// commander is implemented by the concrete factory types.
type commander interface {
	Cmdline(args ...string) ([]string, error)
	DisplayName() string
}

// Factory holds the configuration shared by every factory type and the
// state of the process it is currently running.
type Factory struct {
	// Cwd is the working directory of started processes.
	Cwd string

	// Environ is the complete environment of started processes.
	Environ map[string]string

	// SlowStop sends SIGTERM instead of SIGKILL when terminating.
	SlowStop bool

	// Timeout is the default Run timeout. Zero means no timeout.
	Timeout time.Duration

	// SkipOnGlibcRace turns a glibc TLS race hit into ErrGlibcRaceCondition,
	// or into a test skip when a skip function is configured.
	SkipOnGlibcRace bool

	// Hooks observe lifecycle events.
	Hooks []Hook

	logger Logger
	skip   func(args ...any)
	owner  commander

	// onExit is told about exits that terminate did not cause.
	onExit func(pid, code int)

	mu      sync.Mutex
	mgr     *process.Manager
	result  *processes.Result
	lastCmd []string
}

// Option configures a factory.
type Option func(*Factory)

// WithCwd sets the working directory of started processes.
func WithCwd(dir string) Option {
	return func(f *Factory) { f.Cwd = dir }
}

// WithEnviron replaces the environment of started processes.
func WithEnviron(environ map[string]string) Option {
	return func(f *Factory) {
		f.Environ = make(map[string]string, len(environ))
		for k, v := range environ {
			f.Environ[k] = v
		}
	}
}

// WithEnv sets a single environment variable on top of the current environment.
func WithEnv(key, value string) Option {
	return func(f *Factory) { f.Environ[key] = value }
}

// WithTimeout sets the default Run timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Factory) { f.Timeout = d }
}

// WithHardStop makes terminate send SIGKILL straight away.
func WithHardStop() Option {
	return func(f *Factory) { f.SlowStop = false }
}

// WithSkipOnGlibcRace controls glibc race handling.
func WithSkipOnGlibcRace(skip bool) Option {
	return func(f *Factory) { f.SkipOnGlibcRace = skip }
}

// WithHooks appends lifecycle hooks.
func WithHooks(hooks ...Hook) Option {
	return func(f *Factory) { f.Hooks = append(f.Hooks, hooks...) }
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(f *Factory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithSkipFunc sets the function called with GlibcRaceMessage on a glibc
// race hit, usually testing.TB.Skip.
func WithSkipFunc(skip func(args ...any)) Option {
	return func(f *Factory) { f.skip = skip }
}

func newFactory(opts []Option) *Factory {
	f := &Factory{
		Environ:         environMap(os.Environ()),
		SlowStop:        true,
		SkipOnGlibcRace: true,
		logger:          noopLogger{},
	}
	if wd, err := os.Getwd(); err == nil {
		f.Cwd = wd
	}
	for _, opt := range opts {
		opt(f)
	}
	if abs, err := filepath.Abs(f.Cwd); err == nil {
		f.Cwd = abs
	}
	return f
}

func environMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	return m
}

// environList renders the factory environment with overrides applied.
func (f *Factory) environList(env map[string]string) []string {
	merged := make(map[string]string, len(f.Environ)+len(env))
	for k, v := range f.Environ {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	list := make([]string, 0, len(merged))
	for k, v := range merged {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}

// String returns the display name of the concrete factory.
func (f *Factory) String() string {
	if f.owner != nil {
		return f.owner.DisplayName()
	}
	return "Factory()"
}

// IsRunning reports whether the factory's process is alive.
func (f *Factory) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mgr != nil && f.mgr.IsRunning()
}

// PID returns the pid of the running process, or 0 if there is none.
func (f *Factory) PID() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mgr == nil {
		return 0
	}
	return f.mgr.PID()
}

// launch starts cmdline with env layered over the factory environment.
func (f *Factory) launch(ctx context.Context, cmdline []string, env map[string]string) (*process.Manager, error) {
	if len(cmdline) == 0 {
		return nil, newFailure(ErrProcessNotStarted, nil, "%s has an empty command line", f)
	}

	f.logger.Info(fmt.Sprintf("%s is running %q in CWD: %s ...", f, cmdline, f.Cwd))

	var mgr *process.Manager
	cfg := process.Config{
		Name:     f.String(),
		Binary:   cmdline[0],
		Args:     cmdline[1:],
		Env:      f.environList(env),
		WorkDir:  f.Cwd,
		SlowStop: f.SlowStop,
	}
	if f.onExit != nil {
		cfg.OnExit = func(code int) { f.processExited(mgr, code) }
	}
	mgr = process.NewManager(cfg)
	mgr.SetLogger(f.logger)

	if err := mgr.Start(ctx); err != nil {
		return nil, newFailure(ErrProcessNotStarted, nil, "%s failed to start %q: %v", f, cmdline, err)
	}

	f.mu.Lock()
	f.mgr = mgr
	f.result = nil
	f.lastCmd = cmdline
	f.mu.Unlock()
	return mgr, nil
}

// processExited forwards an exit of mgr's process to onExit unless
// terminate already let go of mgr.
func (f *Factory) processExited(mgr *process.Manager, code int) {
	f.mu.Lock()
	current := f.mgr == mgr
	f.mu.Unlock()
	if current {
		f.onExit(mgr.PID(), code)
	}
}

// Done returns a channel closed when the running process exits, or nil
// when nothing is running.
func (f *Factory) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mgr == nil {
		return nil
	}
	return f.mgr.Done()
}

// Terminate stops the running process tree and returns its Result. When
// nothing is running it returns the Result of the last terminated
// process, or nil if the factory never started one.
func (f *Factory) Terminate() *processes.Result {
	result, _ := f.terminate(context.Background())
	return result
}

// terminate is Terminate plus the glibc race check, which returns
// ErrGlibcRaceCondition when the factory is configured to skip it.
func (f *Factory) terminate(ctx context.Context) (*processes.Result, error) {
	f.mu.Lock()
	mgr := f.mgr
	f.mgr = nil
	cached := f.result
	f.mu.Unlock()

	if mgr == nil {
		return cached, nil
	}

	f.logger.Info("Stopping " + f.String())
	exit, err := mgr.Stop(ctx)
	if exit == nil {
		f.logger.Error("failed to stop process", "factory", f.String(), "error", err)
		return cached, nil
	}
	if err != nil {
		f.logger.Warn("incomplete process output", "factory", f.String(), "error", err)
	}

	result := processes.NewResult(processes.ResultOptions{
		Returncode: exit.Code,
		Stdout:     exit.Stdout,
		Stderr:     exit.Stderr,
		Cmdline:    exit.Cmdline,
	})

	f.mu.Lock()
	f.result = result
	f.mu.Unlock()

	f.logger.Info(fmt.Sprintf("%s %s", f.kind(), result))

	if f.SkipOnGlibcRace && processes.IsGlibcRace(result) {
		if f.skip != nil {
			f.skip(processes.GlibcRaceMessage)
		}
		return result, newFailure(ErrGlibcRaceCondition, result, "%s", processes.GlibcRaceMessage)
	}
	return result, nil
}

// kind is the factory type name used in log lines.
func (f *Factory) kind() string {
	name := f.String()
	if i := strings.IndexByte(name, '('); i > 0 {
		return name[:i]
	}
	return name
}

func (f *Factory) emit(ctx context.Context, ev Event) {
	if len(f.Hooks) == 0 {
		return
	}
	if ev.Factory == "" {
		ev.Factory = f.String()
	}
	if ev.Cwd == "" {
		ev.Cwd = f.Cwd
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	for _, h := range f.Hooks {
		if err := h.Observe(ctx, ev); err != nil {
			f.logger.Warn("hook failed", "factory", ev.Factory, "event", string(ev.Kind), "error", err)
		}
	}
}
