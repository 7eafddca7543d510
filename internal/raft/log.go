package raft

import (
	"fmt"
)

// LogID identifies a log entry by its position and the term of the leader that created it. The zero value denotes
// "no log".
type LogID struct {
	Index uint64
	Term  uint64
}

// Compare orders LogIDs by term, then index: an entry of a newer term is newer even at a lower index, as after
// a leader overwrote a divergent tail. It returns -1, 0 or 1.
func (id LogID) Compare(other LogID) int {
	switch {
	case id.Term < other.Term:
		return -1
	case id.Term > other.Term:
		return 1
	case id.Index < other.Index:
		return -1
	case id.Index > other.Index:
		return 1
	default:
		return 0
	}
}

// Less reports whether id sorts before other
func (id LogID) Less(other LogID) bool {
	return id.Compare(other) < 0
}

func (id LogID) String() string {
	return fmt.Sprintf("(index=%d,term=%d)", id.Index, id.Term)
}

// EntryType is the kind of payload a LogEntry carries
type EntryType uint8

const (
	EntryTypeUnknown EntryType = iota
	EntryTypeNoOp
	EntryTypeData
	EntryTypeConfiguration
)

// String returns the string representation of the EntryType
func (t EntryType) String() string {
	switch t {
	case EntryTypeNoOp:
		return "NoOp"
	case EntryTypeData:
		return "Data"
	case EntryTypeConfiguration:
		return "Configuration"
	default:
		return "Unknown"
	}
}

// LogEntry is one record of the replicated log. Entries are shared by pointer between the in-memory cache, the disk
// writer and the apply path, so they must not be mutated once they have been handed to a LogManager. The only
// exception is the index of a leader-side entry, which the LogManager assigns exactly once while appending.
//
// Data is set for EntryTypeData. Peers and OldPeers are set for EntryTypeConfiguration; OldPeers is non-empty only
// during a joint-consensus transition.
type LogEntry struct {
	ID       LogID
	Type     EntryType
	Data     []byte
	Peers    Configuration
	OldPeers Configuration
}

// NewDataEntry creates a data entry. A zero index asks the LogManager to assign the next index.
func NewDataEntry(id LogID, data []byte) *LogEntry {
	return &LogEntry{ID: id, Type: EntryTypeData, Data: data}
}

// NewNoOpEntry creates an entry with no payload, typically appended by a new leader
func NewNoOpEntry(id LogID) *LogEntry {
	return &LogEntry{ID: id, Type: EntryTypeNoOp}
}

// NewConfigurationEntry creates a membership change entry
func NewConfigurationEntry(id LogID, peers, oldPeers Configuration) *LogEntry {
	return &LogEntry{ID: id, Type: EntryTypeConfiguration, Peers: peers.Copy(), OldPeers: oldPeers.Copy()}
}

// Size is the payload size used for batching decisions
func (e *LogEntry) Size() int {
	return len(e.Data)
}

func (e *LogEntry) String() string {
	return fmt.Sprintf("LogEntry{id=%s type=%s len=%d}", e.ID, e.Type, len(e.Data))
}
