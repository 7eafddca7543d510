package mocks

import (
	"sync"

	"raftlog/internal/raft"
)

// MockSnapshot is a snapshot held in memory. It serves as both writer and reader.
type MockSnapshot struct {
	mu    sync.Mutex
	Dir   string
	Meta  raft.SnapshotMeta
	Files []string

	LoadMetaError error
}

func (s *MockSnapshot) Path() string {
	return s.Dir
}

func (s *MockSnapshot) AddFile(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Files = append(s.Files, name)
	return nil
}

func (s *MockSnapshot) LoadMeta() (raft.SnapshotMeta, error) {
	if s.LoadMetaError != nil {
		return raft.SnapshotMeta{}, s.LoadMetaError
	}
	return s.Meta, nil
}

func (s *MockSnapshot) ListFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Files...)
}

// MockSaveSnapshotClosure records the meta it was started with and the final status
type MockSaveSnapshotClosure struct {
	Snapshot   *MockSnapshot
	StartError error

	mu      sync.Mutex
	Meta    raft.SnapshotMeta
	started bool
	done    chan error
}

// NewMockSaveSnapshotClosure creates a save closure writing into snap
func NewMockSaveSnapshotClosure(snap *MockSnapshot) *MockSaveSnapshotClosure {
	return &MockSaveSnapshotClosure{Snapshot: snap, done: make(chan error, 1)}
}

func (c *MockSaveSnapshotClosure) Start(meta raft.SnapshotMeta) (raft.SnapshotWriter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StartError != nil {
		return nil, c.StartError
	}
	c.Meta = meta
	c.started = true
	c.Snapshot.Meta = meta
	return c.Snapshot, nil
}

func (c *MockSaveSnapshotClosure) Run(err error) {
	c.done <- err
}

// Wait returns the status the closure was run with
func (c *MockSaveSnapshotClosure) Wait() error {
	return <-c.done
}

// Started reports whether Start was called
func (c *MockSaveSnapshotClosure) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// MockLoadSnapshotClosure hands a MockSnapshot to the FSMCaller
type MockLoadSnapshotClosure struct {
	Snapshot   *MockSnapshot
	StartError error
	done       chan error
}

// NewMockLoadSnapshotClosure creates a load closure reading snap
func NewMockLoadSnapshotClosure(snap *MockSnapshot) *MockLoadSnapshotClosure {
	return &MockLoadSnapshotClosure{Snapshot: snap, done: make(chan error, 1)}
}

func (c *MockLoadSnapshotClosure) Start() (raft.SnapshotReader, error) {
	if c.StartError != nil {
		return nil, c.StartError
	}
	return c.Snapshot, nil
}

func (c *MockLoadSnapshotClosure) Run(err error) {
	c.done <- err
}

// Wait returns the status the closure was run with
func (c *MockLoadSnapshotClosure) Wait() error {
	return <-c.done
}
