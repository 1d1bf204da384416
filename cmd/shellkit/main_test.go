package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/shellkit/internal/journal"
	"github.com/nerrad567/shellkit/internal/testhelper"
	"github.com/nerrad567/shellkit/ports"
	"github.com/nerrad567/shellkit/shell"
)

func TestMain(m *testing.M) {
	testhelper.MaybeExec()
	os.Exit(m.Run())
}

// syncBuffer is a bytes.Buffer safe for concurrent writes and reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// execute runs the CLI with a config isolated from the environment.
func execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	t.Setenv("SHELLKIT_CONFIG", "")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var out, errOut syncBuffer
	err = run(ctx, args, &out, &errOut)
	return out.String(), errOut.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestVersion(t *testing.T) {
	stdout, _, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.HasPrefix(stdout, "shellkit "+version) {
		t.Errorf("version output = %q", stdout)
	}
}

func TestInvalidConfig(t *testing.T) {
	_, _, err := execute(t, "--config", "/nonexistent/path/config.yaml", "port")
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("error = %v, want a config load failure", err)
	}
}

func TestPort(t *testing.T) {
	stdout, _, err := execute(t, "port")
	if err != nil {
		t.Fatalf("port error = %v", err)
	}
	port, err := strconv.Atoi(strings.TrimSpace(stdout))
	if err != nil || port < 1 || port > 65535 {
		t.Errorf("port output = %q, want a port number", stdout)
	}
}

func TestPortCheck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer ln.Close()
	open := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)

	stdout, _, err := execute(t, "port", "check", open)
	if err != nil {
		t.Errorf("port check error = %v", err)
	}
	if stdout != open+" open\n" {
		t.Errorf("port check output = %q", stdout)
	}

	free, err := ports.GetUnusedLocalhostPort(true)
	if err != nil {
		t.Fatalf("GetUnusedLocalhostPort() error = %v", err)
	}
	stdout, _, err = execute(t, "port", "check", open, strconv.Itoa(free))
	var code exitCode
	if !errors.As(err, &code) || code != 1 {
		t.Errorf("port check error = %v, want exit status 1", err)
	}
	if !strings.Contains(stdout, fmt.Sprintf("%d closed", free)) {
		t.Errorf("port check output = %q, want %d closed", stdout, free)
	}

	if _, _, err := execute(t, "port", "check", "http"); err == nil {
		t.Error("port check should reject a non numeric port")
	}
}

func TestRunCommand(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantOut  string
	}{
		{"success", testhelper.Echo.Cmdline("hello", "world"), 0, "hello world"},
		{"exit status mirrored", testhelper.Exit.Cmdline("3", "bad"), 3, "bad"},
		{"flags after the command are its own", testhelper.Echo.Cmdline("--timeout", "x"), 0, "--timeout x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, _, err := execute(t, append([]string{"run"}, tt.args...)...)

			var code exitCode
			switch {
			case tt.wantCode == 0 && err != nil:
				t.Fatalf("run error = %v", err)
			case tt.wantCode != 0 && (!errors.As(err, &code) || int(code) != tt.wantCode):
				t.Fatalf("run error = %v, want exit status %d", err, tt.wantCode)
			}
			if !strings.Contains(stdout, tt.wantOut) {
				t.Errorf("run output = %q, want it to contain %q", stdout, tt.wantOut)
			}
		})
	}
}

func TestRunJSON(t *testing.T) {
	args := append([]string{"run", "--json", "-e", "SHELLKIT_TEST_VAR=42"}, testhelper.Env.Cmdline("SHELLKIT_TEST_VAR")...)
	stdout, _, err := execute(t, args...)
	if err != nil {
		t.Fatalf("run error = %v", err)
	}

	var got resultJSON
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("decoding %q: %v", stdout, err)
	}
	if got.Returncode != 0 {
		t.Errorf("returncode = %d, want 0", got.Returncode)
	}
	if got.Stdout != "42\n" {
		t.Errorf("stdout = %q, want %q", got.Stdout, "42\n")
	}
	if got.Data != float64(42) {
		t.Errorf("data = %v, want 42", got.Data)
	}
}

func TestRunTimeout(t *testing.T) {
	args := append([]string{"run", "--timeout", "200ms"}, testhelper.Sleep.Cmdline("10")...)
	_, _, err := execute(t, args...)
	if !errors.Is(err, shell.ErrFactoryTimeout) {
		t.Errorf("run error = %v, want ErrFactoryTimeout", err)
	}
}

func TestParseEnv(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]string
		wantErr bool
	}{
		{"none", nil, nil, false},
		{"pairs", []string{"A=1", "B="}, map[string]string{"A": "1", "B": ""}, false},
		{"value with equals", []string{"A=x=y"}, map[string]string{"A": "x=y"}, false},
		{"missing equals", []string{"A"}, nil, true},
		{"empty key", []string{"=1"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseEnv(tt.pairs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseEnv() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("parseEnv() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("parseEnv()[%q] = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestJournal(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	cfgPath := writeConfig(t, fmt.Sprintf(`
logging:
  level: error
journal:
  enabled: true
  path: %q
  wal_mode: true
  busy_timeout: 5
`, dbPath))

	args := append([]string{"--config", cfgPath, "run"}, testhelper.Echo.Cmdline("journaled")...)
	if _, _, err := execute(t, args...); err != nil {
		t.Fatalf("run error = %v", err)
	}

	stdout, _, err := execute(t, "--config", cfgPath, "journal", "runs", "--json")
	if err != nil {
		t.Fatalf("journal runs error = %v", err)
	}
	var runs []journal.Run
	if err := json.Unmarshal([]byte(stdout), &runs); err != nil {
		t.Fatalf("decoding %q: %v", stdout, err)
	}
	if len(runs) != 1 {
		t.Fatalf("len(runs) = %d, want 1", len(runs))
	}
	if runs[0].Returncode != 0 || runs[0].Stdout != "journaled\n" {
		t.Errorf("run = %+v", runs[0])
	}

	stdout, _, err = execute(t, "--config", cfgPath, "journal", "runs")
	if err != nil {
		t.Fatalf("journal runs error = %v", err)
	}
	if !strings.HasPrefix(stdout, "CREATED") || !strings.Contains(stdout, "journaled") {
		t.Errorf("journal runs output = %q", stdout)
	}

	stdout, _, err = execute(t, "--config", cfgPath, "journal", "events")
	if err != nil {
		t.Fatalf("journal events error = %v", err)
	}
	if !strings.HasPrefix(stdout, "CREATED") {
		t.Errorf("journal events output = %q, want the header", stdout)
	}
}

func TestWatchRequiresMQTT(t *testing.T) {
	_, _, err := execute(t, "watch")
	if !errors.Is(err, errMQTTDisabled) {
		t.Errorf("watch error = %v, want %v", err, errMQTTDisabled)
	}
}

func TestDaemon(t *testing.T) {
	t.Setenv("SHELLKIT_CONFIG", "")
	port, err := ports.GetUnusedLocalhostPort(true)
	if err != nil {
		t.Fatalf("GetUnusedLocalhostPort() error = %v", err)
	}
	p := strconv.Itoa(port)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	runCtx, stop := context.WithCancel(ctx)

	args := append([]string{"daemon", "--port", p, "--start-timeout", "10s", testhelper.Executable()},
		testhelper.Serve.Args(p)...)

	var out, errOut syncBuffer
	done := make(chan error, 1)
	go func() { done <- run(runCtx, args, &out, &errOut) }()

	for !strings.Contains(out.String(), "started with pid") {
		select {
		case err := <-done:
			t.Fatalf("daemon exited early: %v\nstderr: %s", err, errOut.String())
		case <-ctx.Done():
			t.Fatalf("daemon did not start: %s", errOut.String())
		case <-time.After(50 * time.Millisecond):
		}
	}
	if open := ports.GetConnectablePorts([]int{port}); len(open) != 1 {
		t.Errorf("port %d not connectable while the daemon runs", port)
	}

	stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("daemon error = %v", err)
		}
	case <-ctx.Done():
		t.Fatal("daemon did not stop")
	}
	if !strings.Contains(out.String(), "Done!") {
		t.Errorf("daemon output = %q, want the graceful stop output", out.String())
	}
}

func TestDaemonExitsOnItsOwn(t *testing.T) {
	args := append([]string{"daemon", "--start-timeout", "10s", testhelper.Executable()},
		testhelper.Sleep.Args("1")...)

	stdout, _, err := execute(t, args...)
	if !errors.Is(err, errDaemonExited) {
		t.Fatalf("daemon error = %v, want errDaemonExited", err)
	}
	if !strings.Contains(stdout, "Done!") {
		t.Errorf("daemon output = %q, want the result of the exited daemon", stdout)
	}
}

func TestJournalMigrate(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	cfgPath := writeConfig(t, fmt.Sprintf(`
logging:
  level: error
journal:
  path: %q
`, dbPath))

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"up", []string{"journal", "migrate"}, "20260101_000000  applied"},
		{"down", []string{"journal", "migrate", "down"}, "20260101_000000  pending"},
		{"down again", []string{"journal", "migrate", "down"}, "20260101_000000  pending"},
		{"up explicit", []string{"journal", "migrate", "up"}, "20260101_000000  applied"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, _, err := execute(t, append([]string{"--config", cfgPath}, tt.args...)...)
			if err != nil {
				t.Fatalf("%v error = %v", tt.args, err)
			}
			if !strings.HasPrefix(stdout, "VERSION") || !strings.Contains(stdout, tt.want) {
				t.Errorf("%v output = %q, want a line %q", tt.args, stdout, tt.want)
			}
		})
	}

	if _, _, err := execute(t, "--config", cfgPath, "journal", "migrate", "sideways"); err == nil {
		t.Error("journal migrate sideways: expected an error")
	}
}
