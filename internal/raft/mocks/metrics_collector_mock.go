package mocks

import (
	"sync"
	"time"
)

// MockMetricsCollector is a mock implementation of raft.MetricsCollector for testing
type MockMetricsCollector struct {
	mu               sync.RWMutex
	DiskWrites       int
	DiskEntries      int
	DiskBytes        int
	DiskLatencies    []time.Duration
	CommittedCount   uint64
	AppliedCount     uint64
	ApplyLatencies   []time.Duration
	CommandLatencies []time.Duration
}

// NewMockMetricsCollector creates a new mock metrics collector
func NewMockMetricsCollector() *MockMetricsCollector {
	return &MockMetricsCollector{
		DiskLatencies:    make([]time.Duration, 0),
		ApplyLatencies:   make([]time.Duration, 0),
		CommandLatencies: make([]time.Duration, 0),
	}
}

func (m *MockMetricsCollector) RecordDiskWrite(entries int, bytes int, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DiskWrites++
	m.DiskEntries += entries
	m.DiskBytes += bytes
	m.DiskLatencies = append(m.DiskLatencies, latency)
}

func (m *MockMetricsCollector) RecordCommitted(count uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommittedCount += count
}

func (m *MockMetricsCollector) RecordApplied(count uint64, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppliedCount += count
	m.ApplyLatencies = append(m.ApplyLatencies, latency)
}

func (m *MockMetricsCollector) RecordCommandLatency(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommandLatencies = append(m.CommandLatencies, latency)
}

// GetCommitted returns the number of entries reported committed
func (m *MockMetricsCollector) GetCommitted() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CommittedCount
}

// GetApplied returns the number of entries reported applied
func (m *MockMetricsCollector) GetApplied() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.AppliedCount
}

// GetDiskEntries returns the number of entries reported written
func (m *MockMetricsCollector) GetDiskEntries() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.DiskEntries
}

// Reset clears all recorded metrics
func (m *MockMetricsCollector) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DiskWrites = 0
	m.DiskEntries = 0
	m.DiskBytes = 0
	m.DiskLatencies = make([]time.Duration, 0)
	m.CommittedCount = 0
	m.AppliedCount = 0
	m.ApplyLatencies = make([]time.Duration, 0)
	m.CommandLatencies = make([]time.Duration, 0)
}
