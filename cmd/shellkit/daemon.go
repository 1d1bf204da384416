package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/shellkit/shell"
)

type daemonFlags struct {
	ports        []int
	startTimeout time.Duration
	maxAttempts  int
	retryArgs    []string
	cwd          string
	json         bool
}

func newDaemonCmd(a *app) *cobra.Command {
	var f daemonFlags

	cmd := &cobra.Command{
		Use:   "daemon [flags] script [args...]",
		Short: "Start a daemon, wait until it is ready and keep it running until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runDaemon(cmd, f, args)
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().IntSliceVar(&f.ports, "port", nil, "port that must accept connections before the daemon counts as started (repeatable)")
	cmd.Flags().DurationVar(&f.startTimeout, "start-timeout", 0, "deadline of each start attempt (default from config)")
	cmd.Flags().IntVar(&f.maxAttempts, "max-attempts", 0, "start attempts before giving up (default from config)")
	cmd.Flags().StringArrayVar(&f.retryArgs, "retry-arg", nil, "argument appended from the second start attempt on (repeatable)")
	cmd.Flags().StringVar(&f.cwd, "cwd", "", "working directory of the daemon")
	cmd.Flags().BoolVar(&f.json, "json", false, "print the final result as JSON")
	return cmd
}

var errDaemonExited = errors.New("daemon exited before it was stopped")

func (a *app) runDaemon(cmd *cobra.Command, f daemonFlags, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	sess, err := a.openSession(ctx)
	if err != nil {
		return err
	}
	defer a.closeSession(sess)

	opts := a.factoryOptions(sess)
	if f.cwd != "" {
		opts = append(opts, shell.WithCwd(f.cwd))
	}

	cfg := shell.DefaultsFromConfig(a.cfg).Apply(shell.DaemonConfig{
		ScriptName:                      args[0],
		BaseScriptArgs:                  args[1:],
		CheckPorts:                      f.ports,
		StartTimeout:                    f.startTimeout,
		MaxStartAttempts:                f.maxAttempts,
		ExtraArgsAfterFirstStartFailure: f.retryArgs,
		Stats:                           sess.Stats(),
	})
	d, err := shell.NewDaemon(cfg, opts...)
	if err != nil {
		return err
	}

	if err := d.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s started with pid %d\n", d, d.PID())
	if addr := sess.StreamAddr(); addr != "" {
		a.log.Info("streaming lifecycle events", "url", "ws://"+addr+"/events")
	}

	exited := false
	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received, terminating daemon")
	case <-d.Done():
		exited = true
		a.log.Warn("daemon exited on its own", "pid", d.PID())
	}

	result := d.Terminate()
	if result == nil {
		return nil
	}
	if err := printResult(out, result, f.json); err != nil {
		return err
	}
	if exited {
		if result.Returncode != 0 {
			return exitCode(result.Returncode)
		}
		return errDaemonExited
	}
	return nil
}
