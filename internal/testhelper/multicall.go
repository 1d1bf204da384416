// Package testhelper turns a test binary into the helper programs that
// shell tests launch.
//
// Tests register entrypoints and call MaybeExec from TestMain; a factory
// then runs the test binary itself with the entrypoint as first argument.
package testhelper

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// prefix of first argument if it is defining an entrypoint to be called.
const entryArgPrefix = "_SHELLKIT_ENTRYPOINT_"

// EntrypointFn is the body of a helper program.
type EntrypointFn func(args []string) error

var entrypoints = make(map[string]EntrypointFn)

// Entrypoint names a registered helper program.
type Entrypoint string

// ExitCode makes MaybeExec exit with the given status.
type ExitCode int

func (e ExitCode) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

// NewEntrypoint registers fn under name and returns its Entrypoint.
// Registering the same name twice panics.
func NewEntrypoint(name string, fn EntrypointFn) Entrypoint {
	if _, ok := entrypoints[name]; ok {
		panic(fmt.Errorf("entrypoint %q already exists", name))
	}
	entrypoints[name] = fn
	return Entrypoint(name)
}

// MaybeExec runs the entrypoint named by the first argument, if any, and
// exits. An ExitCode error sets the exit status; any other error is
// printed to stderr and exits 1. Without an entrypoint argument it returns.
func MaybeExec() {
	if len(os.Args) < 2 || !strings.HasPrefix(os.Args[1], entryArgPrefix) {
		return
	}
	name := os.Args[1][len(entryArgPrefix):]
	fn, ok := entrypoints[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown entrypoint %q\n", name)
		os.Exit(2)
	}
	os.Exit(exitStatus(fn(os.Args[2:])))
}

func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var code ExitCode
	if errors.As(err, &code) {
		return int(code)
	}
	fmt.Fprintln(os.Stderr, err)
	return 1
}

// Executable returns the path of the running binary.
func Executable() string {
	exe, err := os.Executable()
	if err != nil {
		panic("cannot get current executable")
	}
	return exe
}

// Args returns the arguments that select e, followed by args. They go
// after the executable path, e.g. as a script factory's base arguments.
func (e Entrypoint) Args(args ...string) []string {
	return append([]string{entryArgPrefix + string(e)}, args...)
}

// Cmdline returns the full argument vector that runs e with args.
func (e Entrypoint) Cmdline(args ...string) []string {
	return append([]string{Executable()}, e.Args(args...)...)
}
