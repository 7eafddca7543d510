package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"raftlog/internal/raft"
)

// Metrics collects performance metrics of the log core: disk writes, commits and applies
type Metrics struct {
	mu sync.RWMutex

	// Command latencies (time from proposal to apply)
	commandLatencies []time.Duration
	diskLatencies    []time.Duration
	applyLatencies   []time.Duration

	// Disk writer counters
	diskWrites  atomic.Uint64
	diskEntries atomic.Uint64
	diskBytes   atomic.Uint64

	// Throughput tracking
	committed atomic.Uint64
	applied   atomic.Uint64
	startTime time.Time
}

var _ raft.MetricsCollector = (*Metrics)(nil)

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		commandLatencies: make([]time.Duration, 0, 10000), // Pre-allocate for performance
		diskLatencies:    make([]time.Duration, 0, 1000),
		applyLatencies:   make([]time.Duration, 0, 1000),
		startTime:        time.Now(),
	}
}

// RecordDiskWrite records one flush of the disk writer
func (m *Metrics) RecordDiskWrite(entries int, bytes int, latency time.Duration) {
	m.diskWrites.Add(1)
	m.diskEntries.Add(uint64(entries))
	m.diskBytes.Add(uint64(bytes))
	m.mu.Lock()
	m.diskLatencies = append(m.diskLatencies, latency)
	m.mu.Unlock()
}

// RecordCommitted adds count entries to the committed total
func (m *Metrics) RecordCommitted(count uint64) {
	m.committed.Add(count)
}

// RecordApplied records one pass of the FSMCaller over count entries
func (m *Metrics) RecordApplied(count uint64, latency time.Duration) {
	m.applied.Add(count)
	m.mu.Lock()
	m.applyLatencies = append(m.applyLatencies, latency)
	m.mu.Unlock()
}

// RecordCommandLatency records the latency of a single command from proposal to apply
func (m *Metrics) RecordCommandLatency(latency time.Duration) {
	m.mu.Lock()
	m.commandLatencies = append(m.commandLatencies, latency)
	m.mu.Unlock()
}

// LatencyStats contains percentile statistics for latencies
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
	StdDev float64 `json:"stddev_ms"`
}

// GetLatencyStats computes percentile statistics from recorded command latencies
func (m *Metrics) GetLatencyStats() LatencyStats {
	return m.stats(func() []time.Duration { return m.commandLatencies })
}

// GetDiskStats computes percentile statistics of disk flushes
func (m *Metrics) GetDiskStats() LatencyStats {
	return m.stats(func() []time.Duration { return m.diskLatencies })
}

// GetApplyStats computes percentile statistics of apply passes
func (m *Metrics) GetApplyStats() LatencyStats {
	return m.stats(func() []time.Duration { return m.applyLatencies })
}

func (m *Metrics) stats(samples func() []time.Duration) LatencyStats {
	m.mu.RLock()
	latencies := slices.Clone(samples())
	m.mu.RUnlock()
	return computeStats(latencies)
}

func computeStats(latencies []time.Duration) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}

	// Sort for percentile calculation
	slices.Sort(latencies)

	// Convert to milliseconds
	latenciesMs := make([]float64, len(latencies))
	var sum float64
	for i, lat := range latencies {
		ms := float64(lat.Microseconds()) / 1000.0
		latenciesMs[i] = ms
		sum += ms
	}

	mean := sum / float64(len(latenciesMs))

	var variance float64
	for _, lat := range latenciesMs {
		diff := lat - mean
		variance += diff * diff
	}
	stddev := math.Sqrt(variance / float64(len(latenciesMs)))

	return LatencyStats{
		Count:  len(latencies),
		Min:    latenciesMs[0],
		Max:    latenciesMs[len(latenciesMs)-1],
		Mean:   mean,
		P50:    percentile(latenciesMs, 50),
		P95:    percentile(latenciesMs, 95),
		P99:    percentile(latenciesMs, 99),
		StdDev: stddev,
	}
}

// percentile calculates the nth percentile from sorted data
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	// Linear interpolation
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// GetThroughput returns the apply throughput in entries/second
func (m *Metrics) GetThroughput() float64 {
	elapsed := time.Since(m.started()).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.applied.Load()) / elapsed
}

func (m *Metrics) started() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.startTime
}

// Report contains all collected metrics
type Report struct {
	// Test configuration
	TestDuration float64   `json:"test_duration_seconds"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`

	// Throughput metrics
	EntriesCommitted uint64  `json:"entries_committed"`
	EntriesApplied   uint64  `json:"entries_applied"`
	ThroughputSec    float64 `json:"throughput_entries_per_sec"`

	// Latency metrics
	CommandLatency LatencyStats `json:"command_latency"`
	ApplyLatency   LatencyStats `json:"apply_latency"`

	// Disk metrics
	DiskWrites         uint64       `json:"disk_writes"`
	DiskEntries        uint64       `json:"disk_entries"`
	DiskBytes          uint64       `json:"disk_bytes"`
	EntriesPerDiskSync float64      `json:"entries_per_disk_write"`
	DiskLatency        LatencyStats `json:"disk_latency"`
}

// GetReport generates a comprehensive performance report
func (m *Metrics) GetReport() Report {
	startTime := m.started()
	endTime := time.Now()
	r := Report{
		TestDuration:     endTime.Sub(startTime).Seconds(),
		StartTime:        startTime,
		EndTime:          endTime,
		EntriesCommitted: m.committed.Load(),
		EntriesApplied:   m.applied.Load(),
		ThroughputSec:    m.GetThroughput(),
		CommandLatency:   m.GetLatencyStats(),
		ApplyLatency:     m.GetApplyStats(),
		DiskWrites:       m.diskWrites.Load(),
		DiskEntries:      m.diskEntries.Load(),
		DiskBytes:        m.diskBytes.Load(),
		DiskLatency:      m.GetDiskStats(),
	}
	if r.DiskWrites > 0 {
		r.EntriesPerDiskSync = float64(r.DiskEntries) / float64(r.DiskWrites)
	}
	return r
}

// PrintReport prints the report in a human-readable format
func (r *Report) PrintReport(w io.Writer) {
	rule := strings.Repeat("=", 60)
	sep := strings.Repeat("-", 60)
	fmt.Fprintln(w, "\n"+rule)
	fmt.Fprintln(w, "RAFT LOG PERFORMANCE REPORT")
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "\n  Duration: %.2f seconds\n", r.TestDuration)
	fmt.Fprintf(w, "  Start: %s\n", r.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "  End: %s\n", r.EndTime.Format("2006-01-02 15:04:05"))

	fmt.Fprintln(w, "\n"+sep)
	fmt.Fprintf(w, "Throughput:\n")
	fmt.Fprintf(w, "  Entries Committed: %d\n", r.EntriesCommitted)
	fmt.Fprintf(w, "  Entries Applied: %d\n", r.EntriesApplied)
	fmt.Fprintf(w, "  Throughput: %.2f entries/sec\n", r.ThroughputSec)

	printLatency(w, "Command Latency (proposal to apply)", r.CommandLatency)
	printLatency(w, "Apply Pass Latency", r.ApplyLatency)

	fmt.Fprintln(w, "\n"+sep)
	fmt.Fprintf(w, "Disk:\n")
	fmt.Fprintf(w, "  Writes: %d\n", r.DiskWrites)
	fmt.Fprintf(w, "  Entries: %d (%.2f per write)\n", r.DiskEntries, r.EntriesPerDiskSync)
	fmt.Fprintf(w, "  Bytes: %d\n", r.DiskBytes)
	printLatency(w, "Disk Write Latency", r.DiskLatency)

	fmt.Fprintln(w, "\n"+rule)
}

func printLatency(w io.Writer, title string, s LatencyStats) {
	fmt.Fprintf(w, "\n%s:\n", title)
	if s.Count == 0 {
		fmt.Fprintf(w, "  No data collected\n")
		return
	}
	fmt.Fprintf(w, "  Count: %d\n", s.Count)
	fmt.Fprintf(w, "  Min: %.3f ms\n", s.Min)
	fmt.Fprintf(w, "  Mean: %.3f ms\n", s.Mean)
	fmt.Fprintf(w, "  P50: %.3f ms\n", s.P50)
	fmt.Fprintf(w, "  P95: %.3f ms\n", s.P95)
	fmt.Fprintf(w, "  P99: %.3f ms\n", s.P99)
	fmt.Fprintf(w, "  Max: %.3f ms\n", s.Max)
	fmt.Fprintf(w, "  StdDev: %.3f ms\n", s.StdDev)
}

// SaveJSON saves the report to a JSON file
func (r *Report) SaveJSON(filename string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// Reset clears all collected metrics (useful for running multiple tests)
func (m *Metrics) Reset() {
	m.mu.Lock()
	m.commandLatencies = make([]time.Duration, 0, 10000)
	m.diskLatencies = make([]time.Duration, 0, 1000)
	m.applyLatencies = make([]time.Duration, 0, 1000)
	m.startTime = time.Now()
	m.mu.Unlock()

	m.diskWrites.Store(0)
	m.diskEntries.Store(0)
	m.diskBytes.Store(0)
	m.committed.Store(0)
	m.applied.Store(0)
}
