package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics holds CPU and memory metrics for the workload process.
type ProcessMetrics struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ProcessMetricsConfig configures workload resource sampling.
type ProcessMetricsConfig struct {
	Enabled    bool          `json:"enabled" mapstructure:"enabled"`
	Interval   time.Duration `json:"interval" mapstructure:"interval"`
	MaxHistory int           `json:"max_history" mapstructure:"max_history"`
}

// ProcessMetricsCollector samples the resources of whichever workload pid is
// current. Samples belong to one pid: a restart starts a fresh history.
type ProcessMetricsCollector struct {
	enabled    bool
	interval   time.Duration
	maxHistory int

	mu      sync.RWMutex
	pid     int32
	history []ProcessMetrics // ring, oldest at start
	start   int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewProcessMetricsCollector creates a new collector.
func NewProcessMetricsCollector(config ProcessMetricsConfig) *ProcessMetricsCollector {
	maxHistory := config.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 100
	}
	interval := config.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workload",
			Name:      name,
			Help:      help,
		}, []string{"name"})
	}
	return &ProcessMetricsCollector{
		enabled:    config.Enabled,
		interval:   interval,
		maxHistory: maxHistory,
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the workload leader process."),
		memoryMB:   gauge("memory_mb", "Resident memory of the workload leader process in MB."),
		numThreads: gauge("num_threads", "Number of threads of the workload leader process."),
		numFDs:     gauge("num_fds", "Number of open file descriptors of the workload leader process (Unix only)."),
	}
}

// RegisterMetrics registers the workload gauges with r.
func (c *ProcessMetricsCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	collectors := []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, c.numFDs)
	}
	for _, collector := range collectors {
		if err := r.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples currentPID every interval until ctx is done or Stop is called.
// currentPID returns 0 while no workload is running.
func (c *ProcessMetricsCollector) Start(ctx context.Context, name string, currentPID func() int) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.collect(name, int32(currentPID()))
			}
		}
	}()
}

// Stop stops sampling and waits for the sampler goroutine.
func (c *ProcessMetricsCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *ProcessMetricsCollector) collect(name string, pid int32) {
	if pid <= 0 {
		c.reset(name, 0)
		return
	}
	m, err := sample(pid, time.Now())
	if err != nil {
		slog.Debug("failed to collect workload metrics", "pid", pid, "error", err)
		return
	}
	c.record(name, m)
}

func (c *ProcessMetricsCollector) record(name string, m ProcessMetrics) {
	c.mu.Lock()
	if m.PID != c.pid {
		c.history = c.history[:0]
		c.start = 0
		c.pid = m.PID
	}
	if len(c.history) < c.maxHistory {
		c.history = append(c.history, m)
	} else {
		c.history[c.start] = m
		c.start = (c.start + 1) % c.maxHistory
	}
	c.mu.Unlock()

	c.cpuPercent.WithLabelValues(name).Set(m.CPUPercent)
	c.memoryMB.WithLabelValues(name).Set(m.MemoryMB)
	c.numThreads.WithLabelValues(name).Set(float64(m.NumThreads))
	if runtime.GOOS != "windows" && m.NumFDs > 0 {
		c.numFDs.WithLabelValues(name).Set(float64(m.NumFDs))
	}
}

func (c *ProcessMetricsCollector) reset(name string, pid int32) {
	c.mu.Lock()
	c.history = c.history[:0]
	c.start = 0
	c.pid = pid
	c.mu.Unlock()
	c.cpuPercent.DeleteLabelValues(name)
	c.memoryMB.DeleteLabelValues(name)
	c.numThreads.DeleteLabelValues(name)
	c.numFDs.DeleteLabelValues(name)
}

func sample(pid int32, ts time.Time) (ProcessMetrics, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	// CPUPercent is averaged over the process lifetime by gopsutil
	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		cpuPercent = 0
	}
	numThreads, _ := proc.NumThreads()
	m := ProcessMetrics{
		PID:        pid,
		CPUPercent: cpuPercent,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS:  memInfo.RSS,
		MemoryVMS:  memInfo.VMS,
		NumThreads: numThreads,
		Timestamp:  ts,
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			m.NumFDs = n
		}
	}
	return m, nil
}

// Latest returns the newest sample of the current workload.
func (c *ProcessMetricsCollector) Latest() (ProcessMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.history) == 0 {
		return ProcessMetrics{}, false
	}
	idx := len(c.history) - 1
	if len(c.history) == c.maxHistory {
		idx = (c.start + c.maxHistory - 1) % c.maxHistory
	}
	return c.history[idx], true
}

// History returns the samples of the current workload, oldest first.
func (c *ProcessMetricsCollector) History() []ProcessMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ProcessMetrics, 0, len(c.history))
	if len(c.history) < c.maxHistory {
		return append(out, c.history...)
	}
	out = append(out, c.history[c.start:]...)
	return append(out, c.history[:c.start]...)
}

// IsEnabled reports whether sampling is enabled.
func (c *ProcessMetricsCollector) IsEnabled() bool { return c.enabled }
