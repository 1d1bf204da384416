// Package shelltest binds shell factories to a test: settings come from
// the shellkit configuration, a glibc race hit skips the test, logs go to
// t.Log when SHELLKIT_LOG_TESTS is set, and every factory is terminated
// when the test ends.
//
// The backends enabled in the configuration (journal, metrics, MQTT and
// the event stream) are opened once, by the first fixture, and shared by
// every test in the binary. Main closes them after the tests have run:
//
//	func TestMain(m *testing.M) {
//	    os.Exit(shelltest.Main(m))
//	}
//
//	func TestServer(t *testing.T) {
//	    srv := shelltest.Daemon(t, shell.DaemonConfig{
//	        ScriptName: "my-server",
//	        CheckPorts: []int{port},
//	    })
//	    if err := srv.Start(context.Background()); err != nil {
//	        t.Fatal(err)
//	    }
//	    ...
//	}
package shelltest

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/nerrad567/shellkit/internal/infrastructure/config"
	"github.com/nerrad567/shellkit/internal/infrastructure/logging"
	"github.com/nerrad567/shellkit/internal/session"
	"github.com/nerrad567/shellkit/shell"
)

// LogEnv enables factory logging to t.Log when set to a true value.
const LogEnv = "SHELLKIT_LOG_TESTS"

// New returns a Subprocess bound to t.
func New(t testing.TB, opts ...shell.Option) *shell.Subprocess {
	t.Helper()
	all, _ := setup(t, nil, opts)
	f := shell.NewSubprocess(all...)
	t.Cleanup(func() { f.Terminate() })
	return f
}

// Script returns a ScriptSubprocess bound to t.
func Script(t testing.TB, name string, baseArgs []string, opts ...shell.Option) *shell.ScriptSubprocess {
	t.Helper()
	all, _ := setup(t, nil, opts)
	f := shell.NewScriptSubprocess(name, baseArgs, all...)
	t.Cleanup(func() { f.Terminate() })
	return f
}

// Daemon returns a Daemon bound to t. Start settings left unset in cfg
// come from the configuration. Invalid settings fail the test.
func Daemon(t testing.TB, cfg shell.DaemonConfig, opts ...shell.Option) *shell.Daemon {
	t.Helper()
	var defaults shell.Defaults
	all, sess := setup(t, &defaults, opts)

	cfg = defaults.Apply(cfg)
	if cfg.Stats == nil {
		cfg.Stats = sess.Stats()
	}

	d, err := shell.NewDaemon(cfg, all...)
	if err != nil {
		t.Fatalf("shelltest: %v", err)
	}
	t.Cleanup(func() { d.Terminate() })
	return d
}

var (
	sessionMu sync.Mutex
	shared    *session.Session
)

// Main runs the tests and then closes the shared backend session. It
// returns the exit code for os.Exit.
func Main(m *testing.M) int {
	code := m.Run()
	if err := closeSession(); err != nil {
		fmt.Fprintf(os.Stderr, "shelltest: closing session: %v\n", err)
	}
	return code
}

// sharedSession returns the backend session, opening it from cfg on the
// first call. A failed open is retried by the next fixture.
func sharedSession(cfg *config.Config) (*session.Session, error) {
	sessionMu.Lock()
	defer sessionMu.Unlock()
	if shared != nil {
		return shared, nil
	}

	logger := logging.Discard()
	if logTests() {
		logger = logging.NewWithWriter(cfg.Logging, "shelltest", os.Stderr)
	}
	s, err := session.Open(context.Background(), cfg, logger)
	if err != nil {
		return nil, err
	}
	shared = s
	return s, nil
}

func closeSession() error {
	sessionMu.Lock()
	defer sessionMu.Unlock()
	if shared == nil {
		return nil
	}
	err := shared.Close()
	shared = nil
	return err
}

// setup loads the configuration, joins the shared backend session and
// returns the factory options followed by opts. It stores the loaded
// defaults in out when non-nil.
func setup(t testing.TB, out *shell.Defaults, opts []shell.Option) ([]shell.Option, *session.Session) {
	t.Helper()

	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("shelltest: loading config: %v", err)
	}
	defaults := shell.DefaultsFromConfig(cfg)
	if out != nil {
		*out = defaults
	}

	all := defaults.Options()
	all = append(all, shell.WithSkipFunc(t.Skip))

	if logTests() {
		logger := logging.NewWithWriter(cfg.Logging, "test", testWriter{t})
		all = append(all, shell.WithLogger(logger.With("test", t.Name())))
	}

	s, err := sharedSession(cfg)
	if err != nil {
		t.Fatalf("shelltest: %v", err)
	}

	all = append(all, s.Options()...)
	return append(all, opts...), s
}

func logTests() bool {
	v, err := strconv.ParseBool(os.Getenv(LogEnv))
	return err == nil && v
}

// testWriter sends each log record to t.Log.
type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
