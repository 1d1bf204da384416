// Package processes holds the process-level pieces shared by the shell
// factories: the Result of a run, line matching over captured output, and
// process tree termination.
//
// Result decodes stdout as JSON when it can:
//
//	res := processes.NewResult(processes.ResultOptions{Returncode: 0, Stdout: `{"ok": true}`})
//	res.Data // map[string]any{"ok": true}
//
// Output assertions go through a LineMatcher:
//
//	if err := res.Stdout.Matcher().FnmatchLines("*listening on*"); err != nil {
//	    t.Fatal(err)
//	}
//
// Process trees are stopped in escalating passes (terminate, then kill)
// using gopsutil, so descendants that left the parent's process group
// are still found.
package processes
