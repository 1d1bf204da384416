// Package events publishes factory lifecycle events to MQTT so another
// process (shellkit watch, a CI dashboard) can follow a test session live.
package events

import (
	"context"
	"strings"
	"time"

	"github.com/nerrad567/shellkit/internal/infrastructure/mqtt"
	"github.com/nerrad567/shellkit/internal/telemetry"
	"github.com/nerrad567/shellkit/shell"
)

// Publisher is the subset of *mqtt.Client the hook needs.
type Publisher interface {
	Publish(topic string, v any) error
	Topics() mqtt.Topics
}

// Message is the JSON payload of a published event.
type Message struct {
	Kind       string    `json:"kind"`
	Factory    string    `json:"factory"`
	Cmdline    []string  `json:"cmdline,omitempty"`
	Cwd        string    `json:"cwd,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Returncode *int      `json:"returncode,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Hook publishes every shell.Event it observes.
type Hook struct {
	pub Publisher
}

// NewHook returns a shell.Hook publishing to pub.
func NewHook(pub Publisher) *Hook {
	return &Hook{pub: pub}
}

var _ shell.Hook = (*Hook)(nil)

// Observe implements shell.Hook.
func (h *Hook) Observe(_ context.Context, ev shell.Event) error {
	return h.pub.Publish(Topic(h.pub.Topics(), ev), NewMessage(ev))
}

// Topic returns the topic an event is published on: daemon events go to
// {prefix}/daemon/{name}/{state}, runs to {prefix}/run/{kind}.
func Topic(t mqtt.Topics, ev shell.Event) string {
	kind := string(ev.Kind)
	if daemonState, ok := strings.CutPrefix(kind, "daemon."); ok {
		return t.DaemonEvent(ev.Factory, daemonState)
	}
	return t.Run(telemetry.FactoryKind(ev.Factory))
}

// NewMessage builds the payload for ev.
func NewMessage(ev shell.Event) Message {
	msg := Message{
		Kind:       string(ev.Kind),
		Factory:    ev.Factory,
		Cmdline:    ev.Cmdline,
		Cwd:        ev.Cwd,
		PID:        ev.PID,
		Attempt:    ev.Attempt,
		DurationMS: ev.Duration.Milliseconds(),
		Timestamp:  ev.Time.UTC(),
	}
	switch {
	case ev.Result != nil:
		code := ev.Result.Returncode
		msg.Returncode = &code
	case ev.Kind == shell.EventDaemonExited:
		code := ev.ExitCode
		msg.Returncode = &code
	}
	return msg
}
