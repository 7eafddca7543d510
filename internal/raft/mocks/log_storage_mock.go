package mocks

import (
	"fmt"
	"sync"

	"raftlog/internal/raft"
)

// MockLogStorage is an in-memory implementation of raft.LogStorage for testing
type MockLogStorage struct {
	mu         sync.RWMutex
	entries    map[uint64]*raft.LogEntry
	firstIndex uint64
	lastIndex  uint64

	// Error injection for testing
	InitError           error
	AppendEntryError    error
	AppendEntriesError  error
	GetEntryError       error
	TruncatePrefixError error
	TruncateSuffixError error
	ResetError          error

	// AppendGate, when set, blocks AppendEntries until it is closed or receives a value
	AppendGate chan struct{}
	// OnCall, when set, is invoked with the operation name before every mutating call and every read of an entry or term
	OnCall func(op string)

	calls map[string]int
}

// NewMockLogStorage creates a new mock log storage holding an empty log
func NewMockLogStorage() *MockLogStorage {
	return &MockLogStorage{
		entries:    make(map[uint64]*raft.LogEntry),
		firstIndex: 1,
		calls:      make(map[string]int),
	}
}

func (m *MockLogStorage) record(op string) {
	if m.OnCall != nil {
		m.OnCall(op)
	}
	m.mu.Lock()
	m.calls[op]++
	m.mu.Unlock()
}

// Calls returns how many times op was invoked
func (m *MockLogStorage) Calls(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

func (m *MockLogStorage) Init(cm *raft.ConfigurationManager) error {
	if m.InitError != nil {
		return m.InitError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := m.firstIndex; i <= m.lastIndex && m.lastIndex > 0; i++ {
		if e := m.entries[i]; e != nil && e.Type == raft.EntryTypeConfiguration {
			if err := cm.Add(raft.NewConfigurationEntryFromLog(e)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *MockLogStorage) FirstLogIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.firstIndex
}

func (m *MockLogStorage) LastLogIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastIndex
}

func (m *MockLogStorage) GetEntry(index uint64) (*raft.LogEntry, error) {
	m.record("GetEntry")
	if m.GetEntryError != nil {
		return nil, m.GetEntryError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[index]
	if !ok || index < m.firstIndex || index > m.lastIndex {
		return nil, fmt.Errorf("entry not found at index %d", index)
	}
	return entry, nil
}

func (m *MockLogStorage) GetTerm(index uint64) uint64 {
	m.record("GetTerm")
	m.mu.RLock()
	defer m.mu.RUnlock()
	if index < m.firstIndex || index > m.lastIndex {
		return 0
	}
	if entry, ok := m.entries[index]; ok {
		return entry.ID.Term
	}
	return 0
}

func (m *MockLogStorage) AppendEntry(entry *raft.LogEntry) error {
	m.record("AppendEntry")
	if m.AppendEntryError != nil {
		return m.AppendEntryError
	}
	_, err := m.append([]*raft.LogEntry{entry})
	return err
}

func (m *MockLogStorage) AppendEntries(entries []*raft.LogEntry) (int, error) {
	m.record("AppendEntries")
	if m.AppendGate != nil {
		<-m.AppendGate
	}
	if m.AppendEntriesError != nil {
		return 0, m.AppendEntriesError
	}
	return m.append(entries)
}

func (m *MockLogStorage) append(entries []*raft.LogEntry) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, entry := range entries {
		if entry.ID.Index != m.lastIndex+1 {
			return i, fmt.Errorf("gap between entry %d and last index %d", entry.ID.Index, m.lastIndex)
		}
		m.entries[entry.ID.Index] = entry
		m.lastIndex = entry.ID.Index
	}
	return len(entries), nil
}

func (m *MockLogStorage) TruncatePrefix(firstIndexKept uint64) error {
	m.record("TruncatePrefix")
	if m.TruncatePrefixError != nil {
		return m.TruncatePrefixError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if firstIndexKept <= m.firstIndex {
		return nil
	}
	for i := m.firstIndex; i < firstIndexKept; i++ {
		delete(m.entries, i)
	}
	m.firstIndex = firstIndexKept
	if m.lastIndex < firstIndexKept-1 {
		m.lastIndex = firstIndexKept - 1
	}
	return nil
}

func (m *MockLogStorage) TruncateSuffix(lastIndexKept uint64) error {
	m.record("TruncateSuffix")
	if m.TruncateSuffixError != nil {
		return m.TruncateSuffixError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := lastIndexKept + 1; i <= m.lastIndex; i++ {
		delete(m.entries, i)
	}
	if lastIndexKept < m.lastIndex {
		m.lastIndex = lastIndexKept
	}
	return nil
}

func (m *MockLogStorage) Reset(nextLogIndex uint64) error {
	m.record("Reset")
	if m.ResetError != nil {
		return m.ResetError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[uint64]*raft.LogEntry)
	m.firstIndex = nextLogIndex
	m.lastIndex = nextLogIndex - 1
	return nil
}

func (m *MockLogStorage) Close() error {
	return nil
}
