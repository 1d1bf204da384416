package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/shellkit/internal/infrastructure/mqtt"
	"github.com/nerrad567/shellkit/processes"
	"github.com/nerrad567/shellkit/shell"
)

type fakePublisher struct {
	topics   []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(topic string, v any) error {
	if p.err != nil {
		return p.err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, b)
	return nil
}

func (p *fakePublisher) Topics() mqtt.Topics {
	return mqtt.Topics{Prefix: "ci"}
}

func TestTopic(t *testing.T) {
	tests := []struct {
		name string
		ev   shell.Event
		want string
	}{
		{"daemon started", shell.Event{Kind: shell.EventDaemonStarted, Factory: "Daemon(srv)"}, "ci/daemon/Daemon(srv)/started"},
		{"daemon failed", shell.Event{Kind: shell.EventDaemonFailed, Factory: "srv"}, "ci/daemon/srv/failed"},
		{"run completed", shell.Event{Kind: shell.EventRunCompleted, Factory: `Subprocess(["ls"])`}, "ci/run/Subprocess"},
		{"run timeout", shell.Event{Kind: shell.EventRunTimedOut, Factory: "ScriptSubprocess(x)"}, "ci/run/ScriptSubprocess"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Topic(mqtt.Topics{Prefix: "ci"}, tt.ev); got != tt.want {
				t.Errorf("Topic() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHookObserve(t *testing.T) {
	pub := &fakePublisher{}
	hook := NewHook(pub)

	ev := shell.Event{
		Kind:     shell.EventRunCompleted,
		Factory:  "Subprocess",
		Cmdline:  []string{"echo", "hi"},
		Duration: 1500 * time.Millisecond,
		Result:   processes.NewResult(processes.ResultOptions{Returncode: 0}),
		Time:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := hook.Observe(context.Background(), ev); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	if len(pub.payloads) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.payloads))
	}
	var msg Message
	if err := json.Unmarshal(pub.payloads[0], &msg); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if msg.Kind != "run.completed" {
		t.Errorf("Kind = %q, want run.completed", msg.Kind)
	}
	if msg.Returncode == nil || *msg.Returncode != 0 {
		t.Errorf("Returncode = %v, want 0", msg.Returncode)
	}
	if msg.DurationMS != 1500 {
		t.Errorf("DurationMS = %d, want 1500", msg.DurationMS)
	}
}

func TestHookObserveError(t *testing.T) {
	errBroker := errors.New("broker down")
	hook := NewHook(&fakePublisher{err: errBroker})

	err := hook.Observe(context.Background(), shell.Event{Kind: shell.EventDaemonStopped, Factory: "srv"})
	if !errors.Is(err, errBroker) {
		t.Errorf("Observe() error = %v, want %v", err, errBroker)
	}
}

func TestNewMessageWithoutResult(t *testing.T) {
	msg := NewMessage(shell.Event{Kind: shell.EventDaemonStarting, Factory: "srv", Attempt: 2})
	if msg.Returncode != nil {
		t.Errorf("Returncode = %v, want nil", *msg.Returncode)
	}
	if msg.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", msg.Attempt)
	}
}

func TestNewMessageDaemonExited(t *testing.T) {
	msg := NewMessage(shell.Event{Kind: shell.EventDaemonExited, Factory: "srv", PID: 42, ExitCode: -9})
	if msg.Returncode == nil || *msg.Returncode != -9 {
		t.Errorf("Returncode = %v, want -9", msg.Returncode)
	}
	if got := Topic(mqtt.Topics{}, shell.Event{Kind: shell.EventDaemonExited, Factory: "srv"}); got != "shellkit/daemon/srv/exited" {
		t.Errorf("Topic() = %q, want shellkit/daemon/srv/exited", got)
	}
}
