package testhelper

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Built-in helper programs.
var (
	// Echo prints its arguments joined by spaces.
	Echo = NewEntrypoint("echo", echo)

	// Stderr prints its arguments joined by spaces to stderr.
	Stderr = NewEntrypoint("stderr", stderr)

	// Exit prints the remaining arguments to stderr and exits with the first one.
	Exit = NewEntrypoint("exit", exitWith)

	// Env prints the value of each named environment variable, one per line.
	Env = NewEntrypoint("env", env)

	// Cwd prints the working directory.
	Cwd = NewEntrypoint("cwd", cwd)

	// Sleep sleeps for the given seconds, then prints "Done!".
	Sleep = NewEntrypoint("sleep", sleep)

	// Spawn starts N sleeping copies of itself, prints their pids as JSON
	// and waits until terminated.
	Spawn = NewEntrypoint("spawn", spawn)

	// Serve runs an HTTP server on the given localhost port until terminated.
	Serve = NewEntrypoint("serve", serve)
)

func echo(args []string) error {
	fmt.Println(strings.Join(args, " "))
	return nil
}

func stderr(args []string) error {
	fmt.Fprintln(os.Stderr, strings.Join(args, " "))
	return nil
}

func exitWith(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("exit: missing status")
	}
	code, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("exit: %w", err)
	}
	if len(args) > 1 {
		fmt.Fprintln(os.Stderr, strings.Join(args[1:], " "))
	}
	return ExitCode(code)
}

func env(args []string) error {
	for _, key := range args {
		fmt.Println(os.Getenv(key))
	}
	return nil
}

func cwd(_ []string) error {
	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	fmt.Println(wd)
	return nil
}

func sleep(args []string) error {
	d := time.Minute
	if len(args) > 0 {
		secs, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("sleep: %w", err)
		}
		d = time.Duration(secs * float64(time.Second))
	}
	time.Sleep(d)
	fmt.Println("Done!")
	return nil
}

func spawn(args []string) error {
	n := 1
	if len(args) > 0 {
		var err error
		if n, err = strconv.Atoi(args[0]); err != nil {
			return fmt.Errorf("spawn: %w", err)
		}
	}

	pids := make([]int, 0, n)
	for i := 0; i < n; i++ {
		cmdline := Sleep.Cmdline("3600")
		cmd := exec.Command(cmdline[0], cmdline[1:]...) //nolint:gosec // Re-executes this binary
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("spawn: %w", err)
		}
		pids = append(pids, cmd.Process.Pid)
	}

	if err := json.NewEncoder(os.Stdout).Encode(map[string]any{"children": pids}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	<-ctx.Done()
	return nil
}
