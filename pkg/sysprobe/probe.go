// Package sysprobe provides monotonic time and periodic CPU, memory, disk and
// IO sampling with a bounded history, used to size the worker pool and to
// drive resource alerts.
package sysprobe

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Default sampling parameters.
const (
	// DefaultHistorySize is the number of samples retained in the ring buffer.
	DefaultHistorySize = 60

	// DefaultInterval is the cadence of background sampling.
	DefaultInterval = 5 * time.Second

	// ioReferenceBytesPerSec is the throughput treated as 100% IO utilization.
	ioReferenceBytesPerSec = 100 * 1024 * 1024

	// sectorSize is the kernel's fixed sector unit in /proc/diskstats.
	sectorSize = 512

	percentScale = 100.0
)

const (
	procStatPath      = "/proc/stat"
	procMemInfoPath   = "/proc/meminfo"
	procDiskStatsPath = "/proc/diskstats"

	memTotalPrefix     = "MemTotal:"
	memAvailablePrefix = "MemAvailable:"
)

// minDiskStatsFields is the number of fields required to read the sectors
// read/written columns of a /proc/diskstats row.
const minDiskStatsFields = 10

// Resource identifies one sampled dimension.
type Resource string

// Sampled resources.
const (
	ResourceCPU    Resource = "cpu"
	ResourceMemory Resource = "memory"
	ResourceDisk   Resource = "disk"
	ResourceIO     Resource = "io"
)

// Sample is one point-in-time reading. All values are percentages; IO is
// expressed as percent of the 100 MB/s reference rate.
type Sample struct {
	Taken   time.Time `json:"taken"`
	CPUPct  float64   `json:"cpu_pct"`
	MemPct  float64   `json:"mem_pct"`
	DiskPct float64   `json:"disk_pct"`
	IOPct   float64   `json:"io_pct"`
}

// value returns the reading for the given resource.
func (s Sample) value(r Resource) float64 {
	switch r {
	case ResourceCPU:
		return s.CPUPct
	case ResourceMemory:
		return s.MemPct
	case ResourceDisk:
		return s.DiskPct
	case ResourceIO:
		return s.IOPct
	default:
		return 0
	}
}

// ThresholdFunc is invoked when a sample exceeds the configured threshold for
// a resource. Callbacks run on the sampling goroutine and must not block.
type ThresholdFunc func(resource Resource, value, threshold float64)

// Config holds probe parameters.
type Config struct {
	// HistorySize bounds the sample ring buffer. Defaults to DefaultHistorySize.
	HistorySize int

	// Interval is the sampling cadence. Defaults to DefaultInterval.
	Interval time.Duration

	// DiskPath is the mount point measured for disk usage. Defaults to "/".
	DiskPath string

	// Thresholds maps a resource to the percent above which callbacks fire.
	Thresholds map[Resource]float64

	Logger *slog.Logger
}

// Probe samples system resources on a fixed cadence and keeps a bounded
// history. Sampling runs on its own goroutine and never blocks callers.
type Probe struct {
	mu sync.Mutex

	cfg       Config
	logger    *slog.Logger
	callbacks []ThresholdFunc

	// ring is the bounded sample history; next is the write cursor.
	ring  []Sample
	count int
	next  int

	// prev* hold the last raw counters for delta-based rates.
	prevBusy    uint64
	prevTotal   uint64
	prevSectors uint64
	prevIOAt    time.Time

	started time.Time
}

// New creates a Probe. Call Start to begin background sampling.
func New(cfg Config) *Probe {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}

	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}

	lg := cfg.Logger
	if lg == nil {
		lg = slog.Default()
	}

	return &Probe{
		cfg:     cfg,
		logger:  lg,
		ring:    make([]Sample, cfg.HistorySize),
		started: time.Now(),
	}
}

// Now returns the monotonic elapsed time since the probe was created.
func (p *Probe) Now() time.Duration {
	return time.Since(p.started)
}

// OnThreshold registers a callback fired when any sample crosses its
// configured threshold.
func (p *Probe) OnThreshold(fn ThresholdFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.callbacks = append(p.callbacks, fn)
}

// Start launches background sampling until ctx is cancelled.
func (p *Probe) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.TakeSample()
			}
		}
	}()
}

// TakeSample reads all resources once, records the sample and fires any
// threshold callbacks. It is also the manual entry point for tests.
func (p *Probe) TakeSample() Sample {
	sample := Sample{
		Taken:   time.Now(),
		CPUPct:  p.sampleCPU(),
		MemPct:  sampleMemory(),
		DiskPct: p.sampleDisk(),
		IOPct:   p.sampleIO(),
	}

	p.mu.Lock()
	p.ring[p.next] = sample
	p.next = (p.next + 1) % len(p.ring)

	if p.count < len(p.ring) {
		p.count++
	}

	callbacks := make([]ThresholdFunc, len(p.callbacks))
	copy(callbacks, p.callbacks)
	thresholds := p.cfg.Thresholds
	p.mu.Unlock()

	for resource, threshold := range thresholds {
		value := sample.value(resource)
		if value <= threshold {
			continue
		}

		for _, fn := range callbacks {
			fn(resource, value, threshold)
		}
	}

	return sample
}

// History returns the retained samples, oldest first.
func (p *Probe) History() []Sample {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Sample, 0, p.count)

	start := p.next - p.count
	if start < 0 {
		start += len(p.ring)
	}

	for i := range p.count {
		out = append(out, p.ring[(start+i)%len(p.ring)])
	}

	return out
}

// Latest returns the most recent sample, or false when none exists yet.
func (p *Probe) Latest() (Sample, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.count == 0 {
		return Sample{}, false
	}

	idx := p.next - 1
	if idx < 0 {
		idx += len(p.ring)
	}

	return p.ring[idx], true
}

// optimalWorkerRatio mirrors the pool sizing heuristic: when the host is
// loaded, workers shrink toward the floor; when idle, they grow toward the
// number of CPUs.
const optimalWorkerFloor = 2

// OptimalWorkers suggests a worker count from the latest CPU and memory
// readings. With no history it returns NumCPU.
func (p *Probe) OptimalWorkers() int {
	latest, ok := p.Latest()
	if !ok {
		return runtime.NumCPU()
	}

	pressure := max(latest.CPUPct, latest.MemPct)

	// Scale the CPU count by the idle fraction of the most loaded resource.
	idle := (percentScale - pressure) / percentScale
	workers := int(float64(runtime.NumCPU()) * idle)

	return max(workers, optimalWorkerFloor)
}

// sampleCPU computes busy percentage from /proc/stat deltas. The first call
// returns 0 because no baseline exists yet.
func (p *Probe) sampleCPU() float64 {
	busy, total, ok := readCPUCounters()
	if !ok {
		return 0
	}

	p.mu.Lock()
	prevBusy, prevTotal := p.prevBusy, p.prevTotal
	p.prevBusy, p.prevTotal = busy, total
	p.mu.Unlock()

	if prevTotal == 0 || total <= prevTotal {
		return 0
	}

	return percentScale * float64(busy-prevBusy) / float64(total-prevTotal)
}

// readCPUCounters parses the aggregate "cpu" row of /proc/stat.
func readCPUCounters() (busy, total uint64, ok bool) {
	data, err := os.ReadFile(procStatPath)
	if err != nil {
		return 0, 0, false
	}

	line, _, found := bytes.Cut(data, []byte{'\n'})
	if !found || !bytes.HasPrefix(line, []byte("cpu ")) {
		return 0, 0, false
	}

	fields := bytes.Fields(line[len("cpu "):])

	const idleField = 3 // user nice system idle iowait ...

	for i, f := range fields {
		v, parseErr := strconv.ParseUint(string(f), 10, 64)
		if parseErr != nil {
			return 0, 0, false
		}

		total += v

		if i != idleField {
			busy += v
		}
	}

	return busy, total, total > 0
}

// sampleMemory computes used percentage from /proc/meminfo.
func sampleMemory() float64 {
	data, err := os.ReadFile(procMemInfoPath)
	if err != nil {
		return 0
	}

	var memTotal, memAvailable uint64

	for line := range bytes.SplitSeq(data, []byte{'\n'}) {
		switch {
		case bytes.HasPrefix(line, []byte(memTotalPrefix)):
			memTotal = parseMemInfoKiB(line)
		case bytes.HasPrefix(line, []byte(memAvailablePrefix)):
			memAvailable = parseMemInfoKiB(line)
		}

		if memTotal > 0 && memAvailable > 0 {
			break
		}
	}

	if memTotal == 0 {
		return 0
	}

	return percentScale * float64(memTotal-memAvailable) / float64(memTotal)
}

// parseMemInfoKiB extracts the numeric kB value from a /proc/meminfo line.
func parseMemInfoKiB(line []byte) uint64 {
	fields := bytes.Fields(line)

	const minFields = 2
	if len(fields) < minFields {
		return 0
	}

	v, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}

	return v
}

// sampleDisk computes used percentage of the configured mount point.
func (p *Probe) sampleDisk() float64 {
	var stat syscall.Statfs_t

	err := syscall.Statfs(p.cfg.DiskPath, &stat)
	if err != nil || stat.Blocks == 0 {
		return 0
	}

	used := stat.Blocks - stat.Bavail

	return percentScale * float64(used) / float64(stat.Blocks)
}

// sampleIO computes aggregate disk throughput as percent of the reference
// rate, from /proc/diskstats sector deltas.
func (p *Probe) sampleIO() float64 {
	sectors, ok := readDiskSectors()
	if !ok {
		return 0
	}

	now := time.Now()

	p.mu.Lock()
	prevSectors, prevAt := p.prevSectors, p.prevIOAt
	p.prevSectors, p.prevIOAt = sectors, now
	p.mu.Unlock()

	if prevAt.IsZero() || sectors < prevSectors {
		return 0
	}

	elapsed := now.Sub(prevAt).Seconds()
	if elapsed <= 0 {
		return 0
	}

	bytesPerSec := float64((sectors-prevSectors)*sectorSize) / elapsed

	return percentScale * bytesPerSec / float64(ioReferenceBytesPerSec)
}

// readDiskSectors sums sectors read and written across all block devices.
func readDiskSectors() (uint64, bool) {
	data, err := os.ReadFile(procDiskStatsPath)
	if err != nil {
		return 0, false
	}

	var total uint64

	for line := range bytes.SplitSeq(data, []byte{'\n'}) {
		fields := bytes.Fields(line)
		if len(fields) < minDiskStatsFields {
			continue
		}

		// Fields 5 and 9 (0-based) are sectors read and sectors written.
		read, readErr := strconv.ParseUint(string(fields[5]), 10, 64)
		written, writeErr := strconv.ParseUint(string(fields[9]), 10, 64)

		if readErr != nil || writeErr != nil {
			continue
		}

		total += read + written
	}

	return total, true
}
