// Package shell launches subprocesses and daemons from tests.
//
// A Subprocess runs a command to completion and returns a
// processes.Result. A ScriptSubprocess does the same for a named script
// with fixed base arguments. A Daemon starts a long-running script,
// polls start checks (by default: every CheckPorts port accepts
// connections) with bounded attempts, and offers scoped lifecycles
// through Started, Use and Stopped.
//
// Every factory runs its process in a separate process group and
// terminates the whole process tree, SIGTERM first unless configured
// for a hard stop.
//
// Errors form a hierarchy rooted at ErrShellUtils; failures that carry
// process output are *ProcessFailed values whose Kind is one of the
// sentinels, so both errors.Is and errors.As work:
//
//	res, err := sub.RunWith(ctx, shell.RunOptions{Timeout: time.Second}, "sleep", "5")
//	if errors.Is(err, shell.ErrFactoryTimeout) {
//	    var pf *shell.ProcessFailed
//	    errors.As(err, &pf)
//	    t.Log(pf.Result.Stdout)
//	}
//
// The shelltest package wraps these constructors as test fixtures.
package shell
