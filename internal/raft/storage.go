package raft

// LogStorage is the durable backend of a LogManager. All methods are called from the LogManager's disk writer or
// its readers; implementations guard their own state.
type LogStorage interface {
	// Init loads the persisted log and registers every configuration entry found with cm
	Init(cm *ConfigurationManager) error
	FirstLogIndex() uint64
	LastLogIndex() uint64
	// GetEntry returns the entry at index, or an error if it is outside the log or unreadable
	GetEntry(index uint64) (*LogEntry, error)
	// GetTerm returns the term of the entry at index, or 0 if it is outside the log
	GetTerm(index uint64) uint64
	AppendEntry(entry *LogEntry) error
	// AppendEntries appends a contiguous batch and returns how many entries were made durable
	AppendEntries(entries []*LogEntry) (int, error)
	// TruncatePrefix discards every entry before firstIndexKept
	TruncatePrefix(firstIndexKept uint64) error
	// TruncateSuffix discards every entry after lastIndexKept
	TruncateSuffix(lastIndexKept uint64) error
	// Reset discards the whole log; the next entry appended gets nextLogIndex
	Reset(nextLogIndex uint64) error
	Close() error
}

// MetaStorage persists the term and vote of a replica, Figure 2 of the [Raft paper](https://raft.github.io/raft.pdf)
type MetaStorage interface {
	GetCurrentTerm() (uint64, error)
	SetCurrentTerm(term uint64) error
	GetVotedFor() (*PeerID, error)
	SetVotedFor(peer *PeerID) error
	Close() error
}
