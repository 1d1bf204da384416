package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	psprocess "github.com/shirou/gopsutil/v3/process"

	"github.com/nerrad567/shellkit/processes"
)

// Status represents the current state of a managed process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
)

// startSettle is how long Start waits for an immediate exit before
// collecting the initial child list.
const startSettle = 50 * time.Millisecond

// ErrNotStarted is returned by operations that need a started process.
var ErrNotStarted = errors.New("process: not started")

// ErrAlreadyRunning is returned by Start while a previous process is still tracked.
var ErrAlreadyRunning = errors.New("process: already running")

// Config holds configuration for a managed subprocess.
type Config struct {
	// Name is a human-readable identifier for logging.
	Name string

	// Binary is the path to the executable.
	Binary string

	// Args are command-line arguments to pass to the binary.
	Args []string

	// Env is the complete environment (key=value format).
	// If nil, inherits from parent process.
	Env []string

	// WorkDir is the working directory for the process.
	// If empty, inherits from parent process.
	WorkDir string

	// SlowStop sends SIGTERM on Stop instead of SIGKILL.
	SlowStop bool

	// GracefulTimeout is how long Stop waits after the first signal before
	// stopping the whole tree.
	GracefulTimeout time.Duration

	// OnExit is called from the reaping goroutine once the process has
	// exited, whether it stopped by itself or was stopped.
	OnExit func(exitCode int)
}

// Logger defines the logging interface for the process manager.
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

// Exit is the captured outcome of a stopped process.
type Exit struct {
	// Code is the exit status, or -N when killed by signal N.
	Code    int
	Stdout  string
	Stderr  string
	Cmdline []string
}

// Manager runs one subprocess at a time in its own process group and
// spools its output to temporary files.
type Manager struct {
	config     Config
	logger     Logger
	terminator *processes.Terminator

	mu        sync.RWMutex
	cmd       *exec.Cmd
	status    Status
	stdout    *os.File
	stderr    *os.File
	children  []*psprocess.Process
	exitCode  int

	// Closed when the current process has been reaped.
	done chan struct{}
}

// NewManager creates a new process manager with the given configuration.
func NewManager(cfg Config) *Manager {
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}

	return &Manager{
		config:     cfg,
		logger:     noopLogger{},
		terminator: processes.NewTerminator(nil),
		status:     StatusStopped,
	}
}

// SetLogger sets the logger for the manager and its tree terminator.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
	m.terminator = processes.NewTerminator(logger)
}

// Cmdline returns the argument vector the process is started with.
func (m *Manager) Cmdline() []string {
	return append([]string{m.config.Binary}, m.config.Args...)
}

// Start launches the subprocess.
//
// It waits briefly so that a process failing immediately is already
// reaped when Start returns, then records the children spawned so far.
func (m *Manager) Start(_ context.Context) error {
	m.mu.Lock()
	if m.status == StatusRunning || m.status == StatusStarting {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, m.config.Name)
	}
	m.status = StatusStarting
	m.children = nil
	m.exitCode = 0
	m.done = make(chan struct{})
	m.mu.Unlock()

	if err := m.startProcess(); err != nil {
		m.mu.Lock()
		m.status = StatusStopped
		m.mu.Unlock()
		return err
	}

	select {
	case <-m.Done():
	case <-time.After(startSettle):
		m.collectChildren(context.Background())
	}
	return nil
}

// startProcess actually starts the subprocess.
func (m *Manager) startProcess() error {
	m.logger.Debug("starting process",
		"name", m.config.Name,
		"binary", m.config.Binary,
		"args", m.config.Args,
		"cwd", m.config.WorkDir,
	)

	stdout, err := os.CreateTemp("", "shellkit-stdout-*")
	if err != nil {
		return fmt.Errorf("creating stdout spool: %w", err)
	}
	stderr, err := os.CreateTemp("", "shellkit-stderr-*")
	if err != nil {
		closeSpool(stdout)
		return fmt.Errorf("creating stderr spool: %w", err)
	}

	cmd := exec.Command(m.config.Binary, m.config.Args...) //nolint:gosec // Running arbitrary commands is the point
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = m.config.Env
	cmd.Dir = m.config.WorkDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		closeSpool(stdout)
		closeSpool(stderr)
		return fmt.Errorf("starting %s: %w", m.config.Name, err)
	}

	m.mu.Lock()
	m.cmd = cmd
	m.stdout = stdout
	m.stderr = stderr
	m.status = StatusRunning
	done := m.done
	m.mu.Unlock()

	m.logger.Debug("process started",
		"name", m.config.Name,
		"pid", cmd.Process.Pid,
	)

	go m.reap(cmd, done)
	return nil
}

// reap waits for the process and records its exit status.
func (m *Manager) reap(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	code := exitCode(cmd.ProcessState, err)

	m.mu.Lock()
	m.exitCode = code
	m.status = StatusExited
	m.mu.Unlock()

	m.logger.Debug("process exited", "name", m.config.Name, "code", code)
	if m.config.OnExit != nil {
		m.config.OnExit(code)
	}
	close(done)
}

func exitCode(state *os.ProcessState, err error) int {
	if state == nil {
		if err != nil {
			return -1
		}
		return 0
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return state.ExitCode()
}

// collectChildren adds the current descendants to the known children.
func (m *Manager) collectChildren(ctx context.Context) {
	pid := m.PID()
	if pid == 0 {
		return
	}
	found := processes.CollectChildProcesses(ctx, pid)

	m.mu.Lock()
	defer m.mu.Unlock()
	known := make(map[int32]struct{}, len(m.children))
	for _, c := range m.children {
		known[c.Pid] = struct{}{}
	}
	for _, c := range found {
		if _, ok := known[c.Pid]; !ok {
			m.children = append(m.children, c)
		}
	}
}

// Done returns a channel closed when the current process exits.
// It is nil before the first Start.
func (m *Manager) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.done
}

// Wait blocks until the process exits or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	done := m.Done()
	if done == nil {
		return ErrNotStarted
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops the process and everything it spawned, then returns the
// captured output. Stop on a process that already exited just collects it.
//
// The first signal follows SlowStop (SIGTERM or SIGKILL) and goes to the
// process only. After GracefulTimeout the whole tree is terminated in
// escalating passes, and finally the process group is killed.
func (m *Manager) Stop(ctx context.Context) (*Exit, error) {
	m.mu.RLock()
	cmd := m.cmd
	done := m.done
	m.mu.RUnlock()

	if cmd == nil || done == nil {
		return nil, ErrNotStarted
	}

	pid := cmd.Process.Pid
	m.collectChildren(ctx)

	select {
	case <-done:
	default:
		m.logger.Info("stopping process", "name", m.config.Name, "pid", pid)
		sig := syscall.SIGKILL
		if m.config.SlowStop {
			sig = syscall.SIGTERM
		}
		if err := cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
			m.logger.Warn("failed to signal process", "name", m.config.Name, "error", err)
		}

		select {
		case <-done:
		case <-time.After(m.config.GracefulTimeout):
			m.logger.Warn("graceful shutdown timeout",
				"name", m.config.Name,
				"timeout", m.config.GracefulTimeout,
			)
		}
	}

	m.mu.RLock()
	children := append([]*psprocess.Process(nil), m.children...)
	m.mu.RUnlock()

	m.terminator.TerminateProcess(ctx, pid, processes.TerminateOptions{
		Children:     children,
		KillChildren: true,
		SlowStop:     m.config.SlowStop,
	})

	// Anything left in the group, created via Setpgid.
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		m.logger.Debug("killing process group", "name", m.config.Name, "error", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s to exit: %w", m.config.Name, ctx.Err())
	}

	return m.collect()
}

// collect reads the spooled output and resets the manager.
func (m *Manager) collect() (*Exit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stdout, errOut := readSpool(m.stdout)
	stderr, errErr := readSpool(m.stderr)

	exit := &Exit{
		Code:    m.exitCode,
		Stdout:  stdout,
		Stderr:  stderr,
		Cmdline: append([]string{m.config.Binary}, m.config.Args...),
	}

	m.cmd = nil
	m.stdout = nil
	m.stderr = nil
	m.children = nil
	m.status = StatusStopped

	if err := errors.Join(errOut, errErr); err != nil {
		return exit, fmt.Errorf("reading output of %s: %w", m.config.Name, err)
	}
	return exit, nil
}

func readSpool(f *os.File) (string, error) {
	if f == nil {
		return "", nil
	}
	defer closeSpool(f)

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func closeSpool(f *os.File) {
	f.Close()           //nolint:errcheck // Spool file is discarded
	os.Remove(f.Name()) //nolint:errcheck // Spool file is discarded
}

// Status returns the current status of the managed process.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsRunning returns true if the process is currently running.
func (m *Manager) IsRunning() bool {
	return m.Status() == StatusRunning
}

// PID returns the process ID, or 0 if no process is tracked.
func (m *Manager) PID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cmd != nil && m.cmd.Process != nil {
		return m.cmd.Process.Pid
	}
	return 0
}
