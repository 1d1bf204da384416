package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	psprocess "github.com/shirou/gopsutil/v3/process"

	"github.com/nerrad567/shellkit/internal/testhelper"
	"github.com/nerrad567/shellkit/ports"
	"github.com/nerrad567/shellkit/processes"
)

// newServeDaemon returns a daemon running the helper HTTP server on a free port.
func newServeDaemon(t *testing.T, opts ...Option) (*Daemon, int) {
	t.Helper()
	port, err := ports.GetUnusedLocalhostPort(true)
	if err != nil {
		t.Fatalf("GetUnusedLocalhostPort() error = %v", err)
	}
	d, err := NewDaemon(DaemonConfig{
		ScriptName:     testhelper.Executable(),
		BaseScriptArgs: testhelper.Serve.Args(strconv.Itoa(port)),
		CheckPorts:     []int{port},
		StartTimeout:   15 * time.Second,
	}, opts...)
	if err != nil {
		t.Fatalf("NewDaemon() error = %v", err)
	}
	t.Cleanup(func() { d.Terminate() })
	return d, port
}

func getHealth(t *testing.T, port int) testhelper.Health {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port)) //nolint:noctx // Test helper
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	defer resp.Body.Close()

	var h testhelper.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decoding /health: %v", err)
	}
	return h
}

func TestNewDaemonValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  DaemonConfig
	}{
		{"missing script", DaemonConfig{StartTimeout: time.Second}},
		{"missing start timeout", DaemonConfig{ScriptName: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewDaemon(tt.cfg); !errors.Is(err, ErrShellUtils) {
				t.Errorf("NewDaemon() error = %v, want ErrShellUtils", err)
			}
		})
	}

	d, err := NewDaemon(DaemonConfig{ScriptName: "x", StartTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewDaemon() error = %v", err)
	}
	if d.MaxStartAttempts != defaultMaxStartAttempts {
		t.Errorf("MaxStartAttempts = %d, want %d", d.MaxStartAttempts, defaultMaxStartAttempts)
	}
	if got := len(d.StartChecks()); got != 1 {
		t.Errorf("len(StartChecks()) = %d, want the default port check", got)
	}
	if d.Terminate() != nil {
		t.Error("Terminate() on a never started daemon should return nil")
	}
}

func TestDaemonStartTerminate(t *testing.T) {
	d, port := newServeDaemon(t)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !d.IsRunning() {
		t.Fatal("IsRunning() = false after Start()")
	}
	if h := getHealth(t, port); h.Status != "ok" || h.PID != d.PID() {
		t.Errorf("/health = %+v, want ok from pid %d", h, d.PID())
	}

	// Starting a running daemon is a no-op.
	if err := d.Start(context.Background()); err != nil {
		t.Errorf("second Start() error = %v", err)
	}

	result := d.Terminate()
	if result == nil {
		t.Fatal("Terminate() = nil")
	}
	if result.Returncode != 0 {
		t.Errorf("Returncode = %d, want 0 after a graceful stop", result.Returncode)
	}
	if err := result.Stdout.Matcher().FnmatchLines("Done!"); err != nil {
		t.Errorf("Stdout: %v", err)
	}
	if d.IsRunning() {
		t.Error("IsRunning() = true after Terminate()")
	}
	if open := ports.GetConnectablePorts([]int{port}); len(open) != 0 {
		t.Errorf("port %d still connectable after Terminate()", port)
	}
}

func TestDaemonCallbacks(t *testing.T) {
	d, _ := newServeDaemon(t)

	var beforeStart, afterStart, beforeTerminate, afterTerminate atomic.Int32
	counts := func() [4]int32 {
		return [4]int32{beforeStart.Load(), afterStart.Load(), beforeTerminate.Load(), afterTerminate.Load()}
	}
	d.BeforeStart(func() error { beforeStart.Add(1); return nil })
	d.AfterStart(func() error { afterStart.Add(1); return nil })
	d.BeforeTerminate(func() error { beforeTerminate.Add(1); return nil })
	d.AfterTerminate(func() error { afterTerminate.Add(1); return errors.New("ignored") })

	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got, want := counts(), [4]int32{1, 1, 0, 0}; got != want {
		t.Errorf("after Start() counts = %v, want %v", got, want)
	}

	var stoppedCalls []string
	record := func(name string) func(*Daemon) error {
		return func(*Daemon) error {
			stoppedCalls = append(stoppedCalls, name)
			return nil
		}
	}
	err := d.Stopped(ctx, StoppedCallbacks{
		BeforeStop:  record("before_stop"),
		AfterStop:   record("after_stop"),
		BeforeStart: record("before_start"),
		AfterStart:  record("after_start"),
	}, func(d *Daemon) error {
		if d.IsRunning() {
			t.Error("daemon running inside Stopped")
		}
		if got, want := counts(), [4]int32{1, 1, 1, 1}; got != want {
			t.Errorf("inside Stopped() counts = %v, want %v", got, want)
		}
		stoppedCalls = append(stoppedCalls, "body")
		return nil
	})
	if err != nil {
		t.Fatalf("Stopped() error = %v", err)
	}
	if !d.IsRunning() {
		t.Error("daemon not restarted by Stopped()")
	}
	if got, want := counts(), [4]int32{2, 2, 1, 1}; got != want {
		t.Errorf("after Stopped() counts = %v, want %v", got, want)
	}
	wantCalls := "before_stop after_stop body before_start after_start"
	if got := strings.Join(stoppedCalls, " "); got != wantCalls {
		t.Errorf("Stopped() call order = %q, want %q", got, wantCalls)
	}

	d.Terminate()
	d.Terminate()
	if got, want := counts(), [4]int32{2, 2, 2, 2}; got != want {
		t.Errorf("after Terminate() counts = %v, want %v", got, want)
	}
}

func TestDaemonStartChecks(t *testing.T) {
	d, _ := newServeDaemon(t)

	var calls atomic.Int32
	d.AddStartCheck(func(context.Context, time.Time) (bool, error) {
		return calls.Add(1) >= 3, nil
	})
	if got := len(d.StartChecks()); got != 2 {
		t.Fatalf("len(StartChecks()) = %d, want 2", got)
	}

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("start check called %d times, want 3", got)
	}
	if got := len(d.StartChecks()); got != 2 {
		t.Errorf("start checks consumed by Start(): %d left, want 2", got)
	}
}

func TestDaemonStartCheckPanicIsNotReady(t *testing.T) {
	d, _ := newServeDaemon(t)

	var calls atomic.Int32
	d.AddStartCheck(func(context.Context, time.Time) (bool, error) {
		if calls.Add(1) == 1 {
			panic("not yet")
		}
		return true, nil
	})
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("start check called %d times, want 2", got)
	}
}

func TestDaemonStartCheckNotStarted(t *testing.T) {
	d, _ := newServeDaemon(t)
	d.MaxStartAttempts = 2

	var attempts atomic.Int32
	d.BeforeStart(func() error { attempts.Add(1); return nil })
	d.ClearStartChecks()
	d.AddStartCheck(func(context.Context, time.Time) (bool, error) {
		return false, fmt.Errorf("%w: refused", ErrFactoryNotStarted)
	})

	err := d.Start(context.Background())
	if !errors.Is(err, ErrFactoryNotStarted) {
		t.Fatalf("Start() error = %v, want ErrFactoryNotStarted", err)
	}
	if !strings.Contains(err.Error(), "after 2 attempts") {
		t.Errorf("Start() error = %q, want the attempt count", err)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
	if d.IsRunning() {
		t.Error("IsRunning() = true after a failed Start()")
	}
}

func TestDaemonMaxStartAttempts(t *testing.T) {
	d, err := NewDaemon(DaemonConfig{
		ScriptName:                      testhelper.Executable(),
		BaseScriptArgs:                  testhelper.Exit.Args("1", "attempt"),
		StartTimeout:                    5 * time.Second,
		ExtraArgsAfterFirstStartFailure: []string{"retried"},
	})
	if err != nil {
		t.Fatalf("NewDaemon() error = %v", err)
	}

	var attempts atomic.Int32
	d.BeforeStart(func() error { attempts.Add(1); return nil })

	err = d.StartWith(context.Background(), StartOptions{MaxStartAttempts: 2})
	if !errors.Is(err, ErrFactoryNotStarted) {
		t.Fatalf("StartWith() error = %v, want ErrFactoryNotStarted", err)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}

	var pf *ProcessFailed
	if !errors.As(err, &pf) || pf.Result == nil {
		t.Fatalf("error %v carries no result", err)
	}
	if pf.Result.Returncode != 1 {
		t.Errorf("Returncode = %d, want 1", pf.Result.Returncode)
	}
	if got := pf.Result.Stderr.String(); got != "attempt retried\n" {
		t.Errorf("Stderr = %q, want the extra args of the second attempt", got)
	}
	if !strings.Contains(pf.Error(), "has failed to confirm running status after 2 attempts") {
		t.Errorf("Error() = %q, want the failure message", pf.Error())
	}
}

func TestDaemonNotRunning(t *testing.T) {
	d, _ := newServeDaemon(t)

	err := d.Use(func(*Daemon) error { return nil })
	if !errors.Is(err, ErrFactoryNotRunning) {
		t.Errorf("Use() error = %v, want ErrFactoryNotRunning", err)
	}

	err = d.Stopped(context.Background(), StoppedCallbacks{}, func(*Daemon) error {
		t.Error("Stopped() body called on a daemon that is not running")
		return nil
	})
	if !errors.Is(err, ErrFactoryNotRunning) {
		t.Errorf("Stopped() error = %v, want ErrFactoryNotRunning", err)
	}
	if err != nil && !strings.Contains(err.Error(), "is not running") {
		t.Errorf("Stopped() error = %q, want \"is not running\"", err)
	}
}

func TestDaemonScopes(t *testing.T) {
	d, port := newServeDaemon(t)
	ctx := context.Background()

	err := d.Started(ctx, func(d *Daemon) error {
		if !d.IsRunning() {
			t.Error("daemon not running inside Started()")
		}
		getHealth(t, port)
		return nil
	})
	if err != nil {
		t.Fatalf("Started() error = %v", err)
	}
	if d.IsRunning() {
		t.Error("daemon running after Started() returned")
	}

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	errBody := errors.New("body failed")
	if err := d.Use(func(*Daemon) error { return errBody }); !errors.Is(err, errBody) {
		t.Errorf("Use() error = %v, want %v", err, errBody)
	}
	if d.IsRunning() {
		t.Error("daemon running after Use() returned")
	}
}

func TestDaemonStoppedBodyErrorLeavesStopped(t *testing.T) {
	d, _ := newServeDaemon(t)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	errBody := errors.New("body failed")
	err := d.Stopped(context.Background(), StoppedCallbacks{}, func(*Daemon) error { return errBody })
	if !errors.Is(err, errBody) {
		t.Errorf("Stopped() error = %v, want %v", err, errBody)
	}
	if d.IsRunning() {
		t.Error("daemon restarted after the Stopped() body failed")
	}
}

func TestDaemonStoppedRestartsWithLastArgs(t *testing.T) {
	d, port := newServeDaemon(t)
	ctx := context.Background()

	if err := d.StartWith(ctx, StartOptions{MaxStartAttempts: 1}, "restart-marker"); err != nil {
		t.Fatalf("StartWith() error = %v", err)
	}
	firstPID := getHealth(t, port).PID

	var order []string
	record := func(name string) func(*Daemon) error {
		return func(*Daemon) error {
			order = append(order, name)
			return nil
		}
	}
	err := d.Stopped(ctx, StoppedCallbacks{
		BeforeStop:  record("before_stop"),
		AfterStop:   record("after_stop"),
		BeforeStart: record("before_start"),
		AfterStart:  record("after_start"),
	}, func(d *Daemon) error {
		if d.IsRunning() {
			t.Error("daemon running inside Stopped()")
		}
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port)) //nolint:noctx // Test request
		if err == nil {
			resp.Body.Close()
			t.Error("daemon still answering inside Stopped()")
		}
		order = append(order, "body")
		return nil
	})
	if err != nil {
		t.Fatalf("Stopped() error = %v", err)
	}

	want := "before_stop after_stop body before_start after_start"
	if got := strings.Join(order, " "); got != want {
		t.Errorf("Stopped() order = %q, want %q", got, want)
	}
	if !d.IsRunning() {
		t.Fatal("daemon not running after Stopped()")
	}
	h := getHealth(t, port)
	if h.PID == firstPID {
		t.Errorf("pid after restart = %d, want a new process", h.PID)
	}
	if h.PID != d.PID() {
		t.Errorf("/health pid = %d, want %d", h.PID, d.PID())
	}

	result := d.Terminate()
	if result == nil {
		t.Fatal("Terminate() = nil")
	}
	if got := strings.Join(result.Cmdline, " "); !strings.HasSuffix(got, "restart-marker") {
		t.Errorf("restarted cmdline = %q, want the original start args", got)
	}
}

func TestDaemonUnexpectedExit(t *testing.T) {
	var (
		mu     sync.Mutex
		exited []Event
	)
	hook := HookFunc(func(_ context.Context, ev Event) error {
		if ev.Kind == EventDaemonExited {
			mu.Lock()
			exited = append(exited, ev)
			mu.Unlock()
		}
		return nil
	})
	d, _ := newServeDaemon(t, WithHooks(hook))
	ctx := context.Background()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	pid := d.PID()
	done := d.Done()
	if done == nil {
		t.Fatal("Done() = nil for a running daemon")
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		t.Fatalf("kill: %v", err)
	}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Done() not closed after the daemon was killed")
	}

	mu.Lock()
	if len(exited) != 1 {
		t.Fatalf("daemon.exited events = %d, want 1", len(exited))
	}
	if exited[0].PID != pid || exited[0].ExitCode != -9 {
		t.Errorf("daemon.exited = pid %d code %d, want pid %d code -9", exited[0].PID, exited[0].ExitCode, pid)
	}
	mu.Unlock()

	if result := d.Terminate(); result == nil || result.Returncode != -9 {
		t.Errorf("Terminate() = %v, want returncode -9", result)
	}

	// A terminated daemon does not report an exit.
	if err := d.Start(ctx); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	d.Terminate()
	mu.Lock()
	defer mu.Unlock()
	if len(exited) != 1 {
		t.Errorf("daemon.exited events after Terminate() = %d, want 1", len(exited))
	}
}

func TestDaemonKillsChildren(t *testing.T) {
	d, err := NewDaemon(DaemonConfig{
		ScriptName:     testhelper.Executable(),
		BaseScriptArgs: testhelper.Spawn.Args("2"),
		StartTimeout:   15 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewDaemon() error = %v", err)
	}
	t.Cleanup(func() { d.Terminate() })

	d.AddStartCheck(func(ctx context.Context, _ time.Time) (bool, error) {
		p, err := psprocess.NewProcessWithContext(ctx, int32(d.PID())) //nolint:gosec // Pids fit in int32
		if err != nil {
			return false, nil
		}
		children, _ := p.ChildrenWithContext(ctx) //nolint:errcheck // No children yet is an error
		return len(children) == 2, nil
	})

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	result := d.Terminate()

	data, ok := result.Data.(map[string]any)
	if !ok {
		t.Fatalf("Data = %#v, want the children JSON", result.Data)
	}
	children, _ := data["children"].([]any)
	if len(children) != 2 {
		t.Fatalf("children = %v, want 2 pids", data["children"])
	}
	for _, c := range children {
		pid := int(c.(float64))
		if processes.PIDExists(pid) {
			t.Errorf("child %d still running after Terminate()", pid)
		}
	}
}

type fakeStats struct {
	mu    sync.Mutex
	procs map[string]int
	log   []string
}

func (s *fakeStats) Add(name string, pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs[name] = pid
	s.log = append(s.log, "add")
}

func (s *fakeStats) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.procs, name)
	s.log = append(s.log, "remove")
}

func TestDaemonStatsAndEvents(t *testing.T) {
	stats := &fakeStats{procs: make(map[string]int)}

	var (
		mu    sync.Mutex
		kinds []string
	)
	hook := HookFunc(func(_ context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, string(ev.Kind))
		return nil
	})

	d, _ := newServeDaemon(t, WithHooks(hook))
	d.Stats = stats

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	stats.mu.Lock()
	if pid := stats.procs[d.DisplayName()]; pid != d.PID() {
		t.Errorf("stats pid = %d, want %d", pid, d.PID())
	}
	stats.mu.Unlock()

	d.Terminate()

	stats.mu.Lock()
	if got := strings.Join(stats.log, " "); got != "add remove" {
		t.Errorf("stats calls = %q, want %q", got, "add remove")
	}
	stats.mu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	want := "daemon.starting daemon.started daemon.stopped"
	if got := strings.Join(kinds, " "); got != want {
		t.Errorf("events = %q, want %q", got, want)
	}
}
