package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementProcess = "process_stats"
	MeasurementRun     = "subprocess_runs"
)

// ProcessSample is one resource usage reading of a daemon process tree.
type ProcessSample struct {
	// Name is the daemon display name, written as the "factory" tag.
	Name       string
	PID        int
	CPUPercent float64
	RSSBytes   uint64
	NumThreads int32
	Children   int
	Time       time.Time
}

// RunMetric is the outcome of one subprocess run.
type RunMetric struct {
	// Factory is the factory kind, such as "Subprocess".
	Factory    string
	Returncode int
	Duration   time.Duration
	TimedOut   bool
	Time       time.Time
}

// WriteProcessSample queues s for the next batch.
func (c *Client) WriteProcessSample(s ProcessSample) {
	if c.closed.Load() {
		return
	}
	c.points.WritePoint(processPoint(s))
}

// WriteRun queues m for the next batch.
func (c *Client) WriteRun(m RunMetric) {
	if c.closed.Load() {
		return
	}
	c.points.WritePoint(runPoint(m))
}

func processPoint(s ProcessSample) *write.Point {
	return write.NewPoint(MeasurementProcess,
		map[string]string{"factory": s.Name},
		map[string]any{
			"pid":         s.PID,
			"cpu_percent": s.CPUPercent,
			"rss_bytes":   s.RSSBytes,
			"num_threads": s.NumThreads,
			"children":    s.Children,
		},
		stamp(s.Time))
}

func runPoint(m RunMetric) *write.Point {
	timedOut := "false"
	if m.TimedOut {
		timedOut = "true"
	}
	return write.NewPoint(MeasurementRun,
		map[string]string{"factory": m.Factory, "timed_out": timedOut},
		map[string]any{
			"returncode":  m.Returncode,
			"duration_ms": m.Duration.Milliseconds(),
		},
		stamp(m.Time))
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
