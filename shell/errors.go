package shell

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nerrad567/shellkit/processes"
)

// Error hierarchy. Each sentinel wraps its parent, so errors.Is on any
// of them also matches every ancestor.
var (
	// ErrShellUtils is the root of every error returned by this package.
	ErrShellUtils = errors.New("shellkit")

	// ErrCallback is returned by a daemon lifecycle callback.
	ErrCallback = fmt.Errorf("%w: callback failed", ErrShellUtils)

	// ErrProcessFailed is returned when a subprocess fails.
	ErrProcessFailed = fmt.Errorf("%w: process failed", ErrShellUtils)

	// ErrFactoryFailure is returned when a subprocess fails on one of the factories.
	ErrFactoryFailure = fmt.Errorf("%w: factory failure", ErrProcessFailed)

	// ErrFactoryNotStarted is returned when a daemon fails to confirm it is running.
	ErrFactoryNotStarted = fmt.Errorf("%w: factory not started", ErrFactoryFailure)

	// ErrFactoryNotRunning is returned by Daemon.Stopped on a daemon that is not running.
	ErrFactoryNotRunning = fmt.Errorf("%w: factory not running", ErrFactoryFailure)

	// ErrProcessNotStarted is returned when a process could not be launched.
	ErrProcessNotStarted = fmt.Errorf("%w: process not started", ErrFactoryFailure)

	// ErrFactoryTimeout is returned when a run exceeds its timeout.
	ErrFactoryTimeout = fmt.Errorf("%w: timed out", ErrFactoryNotStarted)

	// ErrGlibcRaceCondition is returned when a process hit the glibc TLS race
	// and the factory is configured to skip it.
	ErrGlibcRaceCondition = fmt.Errorf("%w: %s", ErrShellUtils, processes.GlibcRaceMessage)

	// ErrScriptNotFound is returned when a script factory cannot resolve its script.
	ErrScriptNotFound = fmt.Errorf("%w: script not found", ErrShellUtils)
)

// ProcessFailed is a failure that carries the Result of the process, when
// one is available. Kind is one of the sentinels above and defaults to
// ErrProcessFailed.
type ProcessFailed struct {
	Kind    error
	Message string
	Result  *processes.Result
}

// Error returns the message followed by the rendered Result.
func (e *ProcessFailed) Error() string {
	msg := e.Message
	if e.Result != nil {
		if !strings.HasSuffix(msg, "\n") {
			msg += "\n"
		}
		msg += e.Result.String()
	}
	return msg
}

// Unwrap returns the kind sentinel so errors.Is walks the hierarchy.
func (e *ProcessFailed) Unwrap() error {
	if e.Kind == nil {
		return ErrProcessFailed
	}
	return e.Kind
}

func newFailure(kind error, result *processes.Result, format string, args ...any) *ProcessFailed {
	return &ProcessFailed{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Result:  result,
	}
}

// scriptNotFoundError reports a script that is neither absolute nor on $PATH.
type scriptNotFoundError struct {
	name string
}

func (e *scriptNotFoundError) Error() string {
	return fmt.Sprintf("The CLI script %q does not exist", e.name)
}

func (e *scriptNotFoundError) Unwrap() error {
	return ErrScriptNotFound
}
