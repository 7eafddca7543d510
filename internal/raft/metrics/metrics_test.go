package metrics

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	assert.NotNil(t, m)
	assert.NotNil(t, m.commandLatencies)
	assert.NotNil(t, m.diskLatencies)
	assert.False(t, m.startTime.IsZero())
}

func TestMetrics_RecordCommandLatency(t *testing.T) {
	m := NewMetrics()

	t.Run("records single latency", func(t *testing.T) {
		m.RecordCommandLatency(100 * time.Millisecond)

		m.mu.RLock()
		assert.Len(t, m.commandLatencies, 1)
		assert.Equal(t, 100*time.Millisecond, m.commandLatencies[0])
		m.mu.RUnlock()
	})

	t.Run("records multiple latencies", func(t *testing.T) {
		m.RecordCommandLatency(50 * time.Millisecond)
		m.RecordCommandLatency(150 * time.Millisecond)

		m.mu.RLock()
		assert.Len(t, m.commandLatencies, 3) // Including previous test
		m.mu.RUnlock()
	})
}

func TestMetrics_RecordDiskWrite(t *testing.T) {
	m := NewMetrics()

	m.RecordDiskWrite(4, 400, 2*time.Millisecond)
	m.RecordDiskWrite(2, 100, 4*time.Millisecond)

	assert.Equal(t, uint64(2), m.diskWrites.Load())
	assert.Equal(t, uint64(6), m.diskEntries.Load())
	assert.Equal(t, uint64(500), m.diskBytes.Load())

	stats := m.GetDiskStats()
	assert.Equal(t, 2, stats.Count)
	assert.InDelta(t, 3.0, stats.Mean, 0.01)
}

func TestMetrics_RecordCommittedAndApplied(t *testing.T) {
	m := NewMetrics()

	m.RecordCommitted(3)
	m.RecordCommitted(2)
	m.RecordApplied(5, time.Millisecond)

	assert.Equal(t, uint64(5), m.committed.Load())
	assert.Equal(t, uint64(5), m.applied.Load())
	assert.Equal(t, 1, m.GetApplyStats().Count)
}

func TestMetrics_GetThroughput(t *testing.T) {
	m := NewMetrics()

	t.Run("returns 0 for no entries", func(t *testing.T) {
		throughput := m.GetThroughput()
		assert.Equal(t, 0.0, throughput)
	})

	t.Run("calculates throughput", func(t *testing.T) {
		// Set start time to 1 second ago
		m.mu.Lock()
		m.startTime = time.Now().Add(-1 * time.Second)
		m.mu.Unlock()

		m.RecordApplied(2, time.Millisecond)

		throughput := m.GetThroughput()
		assert.Greater(t, throughput, 0.0)
		assert.LessOrEqual(t, throughput, 3.0) // Should be ~2 entries/sec
	})
}

func TestMetrics_GetLatencyStats(t *testing.T) {
	m := NewMetrics()

	t.Run("returns empty stats for no latencies", func(t *testing.T) {
		stats := m.GetLatencyStats()
		assert.Equal(t, 0, stats.Count)
	})

	t.Run("calculates statistics", func(t *testing.T) {
		m.RecordCommandLatency(300 * time.Millisecond)
		m.RecordCommandLatency(100 * time.Millisecond)
		m.RecordCommandLatency(200 * time.Millisecond)

		stats := m.GetLatencyStats()
		assert.Equal(t, 3, stats.Count)
		assert.InDelta(t, 200.0, stats.Mean, 1.0)
		assert.InDelta(t, 200.0, stats.P50, 1.0)
		assert.InDelta(t, 100.0, stats.Min, 1.0)
		assert.InDelta(t, 300.0, stats.Max, 1.0)
		assert.Greater(t, stats.StdDev, 0.0)

		// the recorded samples keep their order
		m.mu.RLock()
		assert.Equal(t, 300*time.Millisecond, m.commandLatencies[0])
		m.mu.RUnlock()
	})

	t.Run("calculates percentiles", func(t *testing.T) {
		m2 := NewMetrics()
		for i := 1; i <= 100; i++ {
			m2.RecordCommandLatency(time.Duration(i) * time.Millisecond)
		}

		stats := m2.GetLatencyStats()
		assert.InDelta(t, 50.0, stats.P50, 5.0)
		assert.InDelta(t, 95.0, stats.P95, 5.0)
		assert.InDelta(t, 99.0, stats.P99, 5.0)
	})
}

func TestPercentile(t *testing.T) {
	assert.Equal(t, 0.0, percentile(nil, 50))
	assert.Equal(t, 7.0, percentile([]float64{7}, 99))
	assert.InDelta(t, 1.5, percentile([]float64{1, 2}, 50), 0.001)
}

func TestMetrics_GetReport(t *testing.T) {
	m := NewMetrics()

	m.RecordCommandLatency(100 * time.Millisecond)
	m.RecordCommandLatency(200 * time.Millisecond)
	m.RecordCommitted(4)
	m.RecordApplied(4, time.Millisecond)
	m.RecordDiskWrite(3, 300, time.Millisecond)
	m.RecordDiskWrite(1, 100, time.Millisecond)

	report := m.GetReport()

	assert.Equal(t, uint64(4), report.EntriesCommitted)
	assert.Equal(t, uint64(4), report.EntriesApplied)
	assert.Equal(t, uint64(2), report.DiskWrites)
	assert.InDelta(t, 2.0, report.EntriesPerDiskSync, 0.001)
	assert.Equal(t, 2, report.CommandLatency.Count)
	assert.False(t, report.EndTime.Before(report.StartTime))

	t.Run("prints", func(t *testing.T) {
		var buf bytes.Buffer
		report.PrintReport(&buf)
		assert.Contains(t, buf.String(), "RAFT LOG PERFORMANCE REPORT")
		assert.Contains(t, buf.String(), "Entries Applied: 4")
		assert.Contains(t, buf.String(), "Writes: 2")
	})

	t.Run("saves json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "report.json")
		require.NoError(t, report.SaveJSON(path))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, 4.0, decoded["entries_applied"])
		assert.Contains(t, decoded, "disk_latency")
	})

	t.Run("fails to save into a missing directory", func(t *testing.T) {
		assert.Error(t, report.SaveJSON(filepath.Join(t.TempDir(), "missing", "report.json")))
	})
}

func TestMetrics_Reset(t *testing.T) {
	m := NewMetrics()

	m.RecordCommandLatency(100 * time.Millisecond)
	m.RecordCommitted(1)
	m.RecordApplied(1, time.Millisecond)
	m.RecordDiskWrite(1, 10, time.Millisecond)

	m.Reset()

	assert.Equal(t, uint64(0), m.committed.Load())
	assert.Equal(t, uint64(0), m.applied.Load())
	assert.Equal(t, uint64(0), m.diskWrites.Load())
	assert.Equal(t, uint64(0), m.diskEntries.Load())
	assert.Equal(t, uint64(0), m.diskBytes.Load())

	m.mu.RLock()
	assert.Len(t, m.commandLatencies, 0)
	assert.Len(t, m.diskLatencies, 0)
	assert.Len(t, m.applyLatencies, 0)
	m.mu.RUnlock()

	assert.False(t, m.started().IsZero())
}

func TestMetrics_Concurrency(t *testing.T) {
	m := NewMetrics()

	t.Run("handles concurrent updates", func(t *testing.T) {
		var wg sync.WaitGroup
		iterations := 1000

		for i := 0; i < iterations; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.RecordCommandLatency(100 * time.Millisecond)
			}()

			wg.Add(1)
			go func() {
				defer wg.Done()
				m.RecordCommitted(1)
			}()

			wg.Add(1)
			go func() {
				defer wg.Done()
				m.RecordDiskWrite(1, 10, time.Millisecond)
			}()
		}

		wg.Wait()

		assert.Equal(t, uint64(iterations), m.committed.Load())
		assert.Equal(t, uint64(iterations), m.diskWrites.Load())

		m.mu.RLock()
		assert.Len(t, m.commandLatencies, iterations)
		m.mu.RUnlock()
	})

	t.Run("handles concurrent reads and writes", func(t *testing.T) {
		var wg sync.WaitGroup

		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.RecordCommandLatency(100 * time.Millisecond)
				m.RecordApplied(1, time.Millisecond)
			}()
		}

		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.GetLatencyStats()
				m.GetThroughput()
				m.GetReport()
			}()
		}

		wg.Wait()
	})
}
