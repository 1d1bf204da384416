package telemetry

import (
	"context"
	"strings"

	"github.com/nerrad567/shellkit/internal/infrastructure/influxdb"
	"github.com/nerrad567/shellkit/shell"
)

// RunWriter receives run outcomes.
type RunWriter interface {
	WriteRun(m influxdb.RunMetric)
}

// RunHook writes a metric for every completed or timed out run.
type RunHook struct {
	writer RunWriter
}

// NewRunHook returns a shell.Hook writing to w.
func NewRunHook(w RunWriter) *RunHook {
	return &RunHook{writer: w}
}

var _ shell.Hook = (*RunHook)(nil)

// Observe implements shell.Hook. Daemon events are ignored.
func (h *RunHook) Observe(_ context.Context, ev shell.Event) error {
	if ev.Kind != shell.EventRunCompleted && ev.Kind != shell.EventRunTimedOut {
		return nil
	}
	code := 0
	if ev.Result != nil {
		code = ev.Result.Returncode
	}
	h.writer.WriteRun(influxdb.RunMetric{
		Factory:    FactoryKind(ev.Factory),
		Returncode: code,
		Duration:   ev.Duration,
		TimedOut:   ev.Kind == shell.EventRunTimedOut,
		Time:       ev.Time,
	})
	return nil
}

// FactoryKind strips the arguments from a factory display name, keeping
// metric tag cardinality low: `Subprocess(["ls"])` becomes "Subprocess".
func FactoryKind(name string) string {
	if i := strings.IndexByte(name, '('); i > 0 {
		return name[:i]
	}
	return name
}
