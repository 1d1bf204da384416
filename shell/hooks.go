package shell

import (
	"context"
	"time"

	"github.com/nerrad567/shellkit/processes"
)

// EventKind identifies a factory lifecycle event.
type EventKind string

const (
	EventRunCompleted   EventKind = "run.completed"
	EventRunTimedOut    EventKind = "run.timeout"
	EventDaemonStarting EventKind = "daemon.starting"
	EventDaemonStarted  EventKind = "daemon.started"
	EventDaemonFailed   EventKind = "daemon.failed"
	EventDaemonStopped  EventKind = "daemon.stopped"

	// EventDaemonExited is a started daemon exiting without being terminated.
	EventDaemonExited EventKind = "daemon.exited"
)

// Event describes something a factory did.
type Event struct {
	Kind     EventKind
	Factory  string
	Cmdline  []string
	Cwd      string
	PID      int
	Attempt  int
	Duration time.Duration
	Result   *processes.Result
	Time     time.Time

	// ExitCode is set on EventDaemonExited, where there is no Result yet.
	ExitCode int
}

// Hook observes factory events. Hooks run synchronously; an error is
// logged and never changes the outcome of the operation.
type Hook interface {
	Observe(ctx context.Context, ev Event) error
}

// HookFunc adapts a function to the Hook interface.
type HookFunc func(ctx context.Context, ev Event) error

// Observe calls f.
func (f HookFunc) Observe(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// StatsRegistry tracks the processes whose resource usage is sampled.
type StatsRegistry interface {
	Add(name string, pid int)
	Remove(name string)
}
