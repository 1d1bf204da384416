package telemetry

import (
	"context"
	"sort"
	"sync"
	"time"

	psprocess "github.com/shirou/gopsutil/v3/process"

	"github.com/nerrad567/shellkit/internal/infrastructure/influxdb"
	"github.com/nerrad567/shellkit/shell"
)

// minSampleInterval bounds how often Run samples.
const minSampleInterval = 100 * time.Millisecond

// SampleWriter receives process samples.
type SampleWriter interface {
	WriteProcessSample(s influxdb.ProcessSample)
}

// Logger defines the logging interface used by the registry.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Registry tracks running daemons by name and periodically samples their
// resource usage. It implements shell.StatsRegistry.
//
// Thread Safety: All methods are safe for concurrent use.
type Registry struct {
	writer   SampleWriter
	interval time.Duration
	logger   Logger

	mu    sync.Mutex
	procs map[string]*psprocess.Process
}

var _ shell.StatsRegistry = (*Registry)(nil)

// NewRegistry creates a registry sampling every interval into writer.
// A nil writer keeps the registry usable for bookkeeping only.
func NewRegistry(writer SampleWriter, interval time.Duration) *Registry {
	if interval < minSampleInterval {
		interval = minSampleInterval
	}
	return &Registry{
		writer:   writer,
		interval: interval,
		logger:   noopLogger{},
		procs:    make(map[string]*psprocess.Process),
	}
}

// SetLogger sets the logger.
func (r *Registry) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Add starts tracking pid under name, replacing a previous entry.
func (r *Registry) Add(name string, pid int) {
	p, err := psprocess.NewProcess(int32(pid)) //nolint:gosec // Pids fit in int32
	if err != nil {
		r.logger.Warn("not tracking process", "name", name, "pid", pid, "error", err)
		return
	}
	r.mu.Lock()
	r.procs[name] = p
	r.mu.Unlock()
	r.logger.Debug("tracking process", "name", name, "pid", pid)
}

// Remove stops tracking name.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.procs, name)
	r.mu.Unlock()
}

// Names returns the tracked names in order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.procs))
	for name := range r.procs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sample reads the current usage of every tracked process. Processes that
// have exited are dropped from the registry.
func (r *Registry) Sample(ctx context.Context) []influxdb.ProcessSample {
	r.mu.Lock()
	snapshot := make(map[string]*psprocess.Process, len(r.procs))
	for name, p := range r.procs {
		snapshot[name] = p
	}
	r.mu.Unlock()

	now := time.Now()
	samples := make([]influxdb.ProcessSample, 0, len(snapshot))
	for name, p := range snapshot {
		s, ok := sampleProcess(ctx, p)
		if !ok {
			r.mu.Lock()
			if r.procs[name] == p {
				delete(r.procs, name)
			}
			r.mu.Unlock()
			r.logger.Debug("process gone, no longer tracking", "name", name, "pid", p.Pid)
			continue
		}
		s.Name = name
		s.Time = now
		samples = append(samples, s)
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Name < samples[j].Name })
	return samples
}

func sampleProcess(ctx context.Context, p *psprocess.Process) (influxdb.ProcessSample, bool) {
	running, err := p.IsRunningWithContext(ctx)
	if err != nil || !running {
		return influxdb.ProcessSample{}, false
	}

	s := influxdb.ProcessSample{PID: int(p.Pid)}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		s.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
		s.RSSBytes = mem.RSS
	}
	if threads, err := p.NumThreadsWithContext(ctx); err == nil {
		s.NumThreads = threads
	}
	if children, err := p.ChildrenWithContext(ctx); err == nil {
		s.Children = len(children)
	}
	return s, true
}

// Run samples every interval until ctx is cancelled, writing each sample
// to the writer.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.writer == nil {
				continue
			}
			for _, s := range r.Sample(ctx) {
				r.writer.WriteProcessSample(s)
			}
		}
	}
}
