package raft

// Iterator walks a run of committed data entries handed to StateMachine.OnApply, in index order.
//
//	for ; iter.Valid(); iter.Next() {
//		apply(iter.Data())
//	}
type Iterator interface {
	// Valid reports whether the iterator points at a data entry that has not been applied yet
	Valid() bool
	// Next moves to the next entry
	Next()
	Index() uint64
	Term() uint64
	Data() []byte
	// Done returns the closure registered by the proposer of the current entry, or nil on followers. It is run by
	// the caller once OnApply returns; state machines may only inspect it, e.g. to attach a result.
	Done() Closure
	// SetErrorAndRollback marks the last ntail entries, the current one included, as not applied. Their closures
	// fail with err and the replica stops applying.
	SetErrorAndRollback(ntail int, err error)
}

// StateMachine is the user component the committed log is applied to. Calls are never concurrent with each other.
type StateMachine interface {
	// OnApply applies a batch of committed entries. It must consume the iterator to the end or roll back.
	OnApply(iter Iterator)
	// OnShutdown is called once, after the last task of the replica ran
	OnShutdown()
	// OnSnapshotSave writes the state into writer and must eventually run done
	OnSnapshotSave(writer SnapshotWriter, done Closure)
	// OnSnapshotLoad replaces the state with the content of reader
	OnSnapshotLoad(reader SnapshotReader) error
	OnLeaderStart(term uint64)
	OnLeaderStop(status error)
	OnStartFollowing(ctx LeaderChangeContext)
	OnStopFollowing(ctx LeaderChangeContext)
}

// LeaderChangeContext describes a change of the leader a follower tracks
type LeaderChangeContext struct {
	LeaderID PeerID
	Term     uint64
	Status   error
}

// SnapshotMeta describes the log position and membership a snapshot covers
type SnapshotMeta struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Peers             Configuration
	OldPeers          Configuration
}

// ID returns the log id of the last entry the snapshot covers
func (m SnapshotMeta) ID() LogID {
	return LogID{Index: m.LastIncludedIndex, Term: m.LastIncludedTerm}
}

// SnapshotWriter receives the files of a snapshot being taken. The file format is owned by the state machine.
type SnapshotWriter interface {
	// Path is the directory the state machine writes its files into
	Path() string
	// AddFile registers a file written under Path
	AddFile(name string) error
}

// SnapshotReader exposes a snapshot being installed
type SnapshotReader interface {
	Path() string
	LoadMeta() (SnapshotMeta, error)
	ListFiles() []string
}

// SaveSnapshotClosure is handed to the FSMCaller with a snapshot save request
type SaveSnapshotClosure interface {
	Closure
	// Start opens a writer for a snapshot described by meta
	Start(meta SnapshotMeta) (SnapshotWriter, error)
}

// LoadSnapshotClosure is handed to the FSMCaller with a snapshot load request
type LoadSnapshotClosure interface {
	Closure
	// Start opens the snapshot to install
	Start() (SnapshotReader, error)
}
