package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/shellkit/processes"
	"github.com/nerrad567/shellkit/shell"
)

type runFlags struct {
	timeout time.Duration
	cwd     string
	env     []string
	json    bool
}

func newRunCmd(a *app) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run [flags] command [args...]",
		Short: "Run a command to completion and print its result",
		Long: "Run a command to completion and print its result.\n\n" +
			"The exit status of shellkit is the exit status of the command.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runCommand(cmd, f, args)
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "terminate the command after this long (default from config)")
	cmd.Flags().StringVar(&f.cwd, "cwd", "", "working directory of the command")
	cmd.Flags().StringArrayVarP(&f.env, "env", "e", nil, "extra environment variable as KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&f.json, "json", false, "print the result as JSON")
	return cmd
}

func (a *app) runCommand(cmd *cobra.Command, f runFlags, args []string) error {
	ctx := cmd.Context()

	env, err := parseEnv(f.env)
	if err != nil {
		return err
	}

	sess, err := a.openSession(ctx)
	if err != nil {
		return err
	}
	defer a.closeSession(sess)

	opts := a.factoryOptions(sess)
	if f.cwd != "" {
		opts = append(opts, shell.WithCwd(f.cwd))
	}

	result, err := shell.NewSubprocess(opts...).RunWith(ctx, shell.RunOptions{
		Env:     env,
		Timeout: f.timeout,
	}, args...)
	if err != nil {
		return err
	}

	if err := printResult(cmd.OutOrStdout(), result, f.json); err != nil {
		return err
	}
	if result.Returncode != 0 {
		return exitCode(result.Returncode)
	}
	return nil
}

// parseEnv turns KEY=VALUE pairs into a map.
func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid environment variable %q, want KEY=VALUE", kv)
		}
		env[k] = v
	}
	return env, nil
}

// resultJSON is the --json rendering of a Result.
type resultJSON struct {
	Returncode int      `json:"returncode"`
	Cmdline    []string `json:"cmdline"`
	Stdout     string   `json:"stdout"`
	Stderr     string   `json:"stderr"`
	Data       any      `json:"data,omitempty"`
}

func printResult(w io.Writer, result *processes.Result, asJSON bool) error {
	if !asJSON {
		_, err := fmt.Fprintln(w, result)
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(resultJSON{
		Returncode: result.Returncode,
		Cmdline:    result.Cmdline,
		Stdout:     string(result.Stdout),
		Stderr:     string(result.Stderr),
		Data:       result.Data,
	})
}
