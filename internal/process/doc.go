// Package process runs a single subprocess in its own process group.
//
// It is the terminal underneath shell factories: output is spooled to
// temporary files so that descendants holding the streams open cannot
// block the reap, and Stop tears down the whole process tree.
//
// Example usage:
//
//	mgr := process.NewManager(process.Config{
//	    Name:     "echo",
//	    Binary:   "/bin/echo",
//	    Args:     []string{"hello"},
//	    SlowStop: true,
//	})
//
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//	_ = mgr.Wait(ctx)
//	exit, err := mgr.Stop(ctx)
package process
