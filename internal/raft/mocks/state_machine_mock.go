package mocks

import (
	"sync"

	"raftlog/internal/raft"
)

// AppliedEntry is what MockStateMachine remembers of every applied entry
type AppliedEntry struct {
	Index uint64
	Term  uint64
	Data  string
}

// MockStateMachine is a mock implementation of raft.StateMachine for testing
type MockStateMachine struct {
	mu             sync.RWMutex
	AppliedLogs    []AppliedEntry
	ApplyCallCount int
	Events         []string
	LeaderTerms    []uint64
	ShutdownCount  int

	// FailAtIndex, when non-zero, makes OnApply roll back the entry at that index and everything after it in the batch
	FailAtIndex uint64
	// FailError is the error used for the rollback
	FailError error
	// SnapshotLoadError is returned by OnSnapshotLoad
	SnapshotLoadError error
	// SnapshotSaveError is passed to the save closure
	SnapshotSaveError error
	// OnApplyHook is invoked once per OnApply call before the entries are consumed
	OnApplyHook func()
}

// NewMockStateMachine creates a new mock state machine
func NewMockStateMachine() *MockStateMachine {
	return &MockStateMachine{
		AppliedLogs: make([]AppliedEntry, 0),
	}
}

func (m *MockStateMachine) OnApply(iter raft.Iterator) {
	if m.OnApplyHook != nil {
		m.OnApplyHook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ApplyCallCount++

	var batch []AppliedEntry
	for ; iter.Valid(); iter.Next() {
		if m.FailAtIndex != 0 && iter.Index() >= m.FailAtIndex {
			iter.SetErrorAndRollback(1, m.FailError)
			break
		}
		batch = append(batch, AppliedEntry{Index: iter.Index(), Term: iter.Term(), Data: string(iter.Data())})
	}
	m.AppliedLogs = append(m.AppliedLogs, batch...)
}

func (m *MockStateMachine) OnShutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ShutdownCount++
	m.Events = append(m.Events, "shutdown")
}

func (m *MockStateMachine) OnSnapshotSave(writer raft.SnapshotWriter, done raft.Closure) {
	m.mu.Lock()
	m.Events = append(m.Events, "snapshot_save")
	err := m.SnapshotSaveError
	m.mu.Unlock()
	done.Run(err)
}

func (m *MockStateMachine) OnSnapshotLoad(reader raft.SnapshotReader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, "snapshot_load")
	return m.SnapshotLoadError
}

func (m *MockStateMachine) OnLeaderStart(term uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, "leader_start")
	m.LeaderTerms = append(m.LeaderTerms, term)
}

func (m *MockStateMachine) OnLeaderStop(status error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, "leader_stop")
}

func (m *MockStateMachine) OnStartFollowing(ctx raft.LeaderChangeContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, "start_following")
}

func (m *MockStateMachine) OnStopFollowing(ctx raft.LeaderChangeContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, "stop_following")
}

// GetAppliedLogs returns a copy of all applied logs
func (m *MockStateMachine) GetAppliedLogs() []AppliedEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]AppliedEntry, len(m.AppliedLogs))
	copy(result, m.AppliedLogs)
	return result
}

// GetEvents returns a copy of the non-apply callbacks received, in order
func (m *MockStateMachine) GetEvents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.Events...)
}

// Reset clears the mock state
func (m *MockStateMachine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AppliedLogs = make([]AppliedEntry, 0)
	m.ApplyCallCount = 0
	m.Events = nil
	m.LeaderTerms = nil
}
