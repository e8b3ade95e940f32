package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSample is one CPU/memory reading of the running server process.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceSampler periodically reads resource usage of the server child
// process and exports it as gauges.
type ResourceSampler struct {
	interval time.Duration
	pid      func() int

	mu   sync.RWMutex
	last *ResourceSample

	cpuPercent *prometheus.GaugeVec
	memoryRSS  prometheus.Gauge
	numThreads prometheus.Gauge
}

// NewResourceSampler returns a sampler polling the PID reported by pid.
// A non-positive PID means no process is running and clears the gauges.
func NewResourceSampler(interval time.Duration, pid func() int) *ResourceSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ResourceSampler{
		interval: interval,
		pid:      pid,
		cpuPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "child_cpu_percent",
			Help:      "CPU usage percentage of the server process.",
		}, []string{"pid"}),
		memoryRSS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "child_memory_rss_bytes",
			Help:      "Resident memory of the server process.",
		}),
		numThreads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "child_threads",
			Help:      "Thread count of the server process.",
		}),
	}
}

// Register adds the sampler gauges to r.
func (s *ResourceSampler) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{s.cpuPercent, s.memoryRSS, s.numThreads} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Run samples until ctx is done.
func (s *ResourceSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SampleOnce(ctx)
		}
	}
}

// SampleOnce takes a single reading and updates the gauges.
func (s *ResourceSampler) SampleOnce(ctx context.Context) {
	pid := s.pid()
	if pid <= 0 {
		s.reset()
		return
	}
	sample, err := sample(ctx, int32(pid))
	if err != nil {
		slog.Debug("resource sample failed", "pid", pid, "error", err)
		s.reset()
		return
	}
	s.cpuPercent.Reset()
	s.cpuPercent.WithLabelValues(fmt.Sprint(pid)).Set(sample.CPUPercent)
	s.memoryRSS.Set(float64(sample.MemoryRSS))
	s.numThreads.Set(float64(sample.NumThreads))
	s.mu.Lock()
	s.last = sample
	s.mu.Unlock()
}

// Last returns the most recent sample, or nil when nothing is running.
func (s *ResourceSampler) Last() *ResourceSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return nil
	}
	cp := *s.last
	return &cp
}

func (s *ResourceSampler) reset() {
	s.cpuPercent.Reset()
	s.memoryRSS.Set(0)
	s.numThreads.Set(0)
	s.mu.Lock()
	s.last = nil
	s.mu.Unlock()
}

func sample(ctx context.Context, pid int32) (*ResourceSample, error) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("failed to create process handle: %w", err)
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get memory info: %w", err)
	}
	cpu, err := proc.CPUPercentWithContext(ctx)
	if err != nil {
		cpu = 0
	}
	threads, err := proc.NumThreadsWithContext(ctx)
	if err != nil {
		threads = 0
	}
	return &ResourceSample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}, nil
}
