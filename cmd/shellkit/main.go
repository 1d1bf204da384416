// Shellkit runs commands and daemons through the shellkit factories and
// inspects what the configured backends recorded about them.
//
// Configuration is read from the file given with --config, or from
// SHELLKIT_CONFIG, with SHELLKIT_* environment overrides applied.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	if err == nil {
		return
	}

	var code exitCode
	if errors.As(err, &code) {
		os.Exit(int(code))
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// run executes the command line in args, separated from main for testability.
//
// Parameters:
//   - ctx: Context cancelled on interrupt signals
//   - args: Command line arguments without the program name
//   - stdout, stderr: Destinations for command output and logs
//
// Returns:
//   - error: nil on success, exitCode when a command should set the exit status
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

// exitCode is returned by commands that mirror a child's exit status.
type exitCode int

func (e exitCode) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}
