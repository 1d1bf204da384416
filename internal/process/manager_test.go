package process

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/shellkit/processes"
)

func shell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager(Config{
		Name:   "test-proc",
		Binary: "/usr/bin/test",
		Args:   []string{"--flag"},
	})

	if m.config.GracefulTimeout != 10*time.Second {
		t.Errorf("GracefulTimeout = %v, want %v", m.config.GracefulTimeout, 10*time.Second)
	}
	if m.Status() != StatusStopped {
		t.Errorf("Status() = %q, want %q", m.Status(), StatusStopped)
	}
	if m.PID() != 0 {
		t.Errorf("PID() = %d, want 0", m.PID())
	}
	want := []string{"/usr/bin/test", "--flag"}
	if got := m.Cmdline(); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("Cmdline() = %v, want %v", got, want)
	}
}

func TestManager_NotStarted(t *testing.T) {
	m := NewManager(Config{Name: "idle", Binary: "/bin/true"})

	if _, err := m.Stop(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Stop() error = %v, want ErrNotStarted", err)
	}
	if err := m.Wait(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Wait() error = %v, want ErrNotStarted", err)
	}
}

func TestManager_CapturesOutput(t *testing.T) {
	sh := shell(t)
	m := NewManager(Config{
		Name:   "echo",
		Binary: sh,
		Args:   []string{"-c", "echo out; echo err >&2; exit 3"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := m.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	exit, err := m.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if exit.Code != 3 {
		t.Errorf("Code = %d, want 3", exit.Code)
	}
	if exit.Stdout != "out\n" {
		t.Errorf("Stdout = %q, want %q", exit.Stdout, "out\n")
	}
	if exit.Stderr != "err\n" {
		t.Errorf("Stderr = %q, want %q", exit.Stderr, "err\n")
	}
	if exit.Cmdline[0] != sh {
		t.Errorf("Cmdline = %v", exit.Cmdline)
	}
	if m.Status() != StatusStopped {
		t.Errorf("Status() after Stop = %q, want %q", m.Status(), StatusStopped)
	}
}

func TestManager_EnvAndWorkDir(t *testing.T) {
	sh := shell(t)
	dir := t.TempDir()
	m := NewManager(Config{
		Name:    "env",
		Binary:  sh,
		Args:    []string{"-c", `printf '%s|%s' "$GREETING" "$(pwd)"`},
		Env:     []string{"GREETING=hi", "PATH=/usr/bin:/bin"},
		WorkDir: dir,
	})

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := m.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	exit, err := m.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if want := "hi|" + dir; exit.Stdout != want {
		t.Errorf("Stdout = %q, want %q", exit.Stdout, want)
	}
}

func TestManager_StopRunning(t *testing.T) {
	tests := []struct {
		name     string
		slowStop bool
		wantCode int
	}{
		{name: "slow stop", slowStop: true, wantCode: -15},
		{name: "hard stop", slowStop: false, wantCode: -9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sh := shell(t)
			var exits []int
			m := NewManager(Config{
				Name:     "sleeper",
				Binary:   sh,
				Args:     []string{"-c", "exec sleep 30"},
				SlowStop: tt.slowStop,
				OnExit:   func(code int) { exits = append(exits, code) },
			})

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := m.Start(ctx); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			if !m.IsRunning() {
				t.Fatal("IsRunning() = false after Start")
			}
			pid := m.PID()
			if m.Status() != StatusRunning {
				t.Errorf("Status() = %q, want %q", m.Status(), StatusRunning)
			}

			exit, err := m.Stop(ctx)
			if err != nil {
				t.Fatalf("Stop() error = %v", err)
			}
			if exit.Code != tt.wantCode {
				t.Errorf("Code = %d, want %d", exit.Code, tt.wantCode)
			}
			if processes.PIDExists(pid) {
				t.Errorf("pid %d still exists", pid)
			}
			if len(exits) != 1 || exits[0] != tt.wantCode {
				t.Errorf("OnExit calls = %v, want [%d]", exits, tt.wantCode)
			}
		})
	}
}

func TestManager_StopKillsChildren(t *testing.T) {
	sh := shell(t)
	m := NewManager(Config{
		Name:     "forker",
		Binary:   sh,
		Args:     []string{"-c", "sleep 30 & sleep 30 & wait"},
		SlowStop: true,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var children []int32
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, c := range processes.CollectChildProcesses(ctx, m.PID()) {
			children = append(children, c.Pid)
		}
		if len(children) >= 2 {
			break
		}
		children = nil
		time.Sleep(20 * time.Millisecond)
	}
	if len(children) < 2 {
		t.Fatalf("children = %v, want 2", children)
	}

	if _, err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	for _, pid := range children {
		if processes.PIDExists(int(pid)) {
			t.Errorf("child %d still running", pid)
		}
	}
}

func TestManager_StartTwice(t *testing.T) {
	sh := shell(t)
	m := NewManager(Config{Name: "twice", Binary: sh, Args: []string{"-c", "exec sleep 30"}})

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop(ctx) //nolint:errcheck

	if err := m.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
}

func TestManager_StartMissingBinary(t *testing.T) {
	m := NewManager(Config{Name: "missing", Binary: "/nonexistent/shellkit-binary"})

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("Start() expected error for missing binary")
	}
	if m.Status() != StatusStopped {
		t.Errorf("Status() = %q, want %q", m.Status(), StatusStopped)
	}
}

func TestManager_WaitContext(t *testing.T) {
	sh := shell(t)
	m := NewManager(Config{Name: "slow", Binary: sh, Args: []string{"-c", "exec sleep 30"}})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop(context.Background()) //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := m.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want DeadlineExceeded", err)
	}
}
