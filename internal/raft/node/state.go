package node

import (
	"sync"

	"raftlog/internal/raft"
)

// A State is the role a Node plays at any given point
type State uint64

const (
	Follower State = iota
	Leader
	// Errored is entered on the first fatal error. The node keeps answering reads but refuses writes.
	Errored
	Shutdown
)

// String returns the string representation of the State
func (s State) String() string {
	switch s {
	case Follower:
		return "Follower"
	case Leader:
		return "Leader"
	case Errored:
		return "Errored"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// nodeState is a container for the state variables defined in Figure 2 from the
// [Raft paper](https://raft.github.io/raft.pdf) that this package owns. It provides an interface to get the
// variables in a thread safe manner; writes happen in Node with mu held.
type nodeState struct {
	// Protects all fields below
	mu sync.RWMutex

	state State
	// The latest term the node has seen, persisted in the MetaStorage before it is used
	currentTerm uint64
	votedFor    *raft.PeerID
	// leaderID is the peer the node follows, or its own id while leading
	leaderID raft.PeerID
	// conf is the membership the node acts upon
	conf raft.ConfigurationEntry
	// fatal is the first fatal error reported, if any
	fatal *raft.RaftError
}

func (s *nodeState) getState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *nodeState) getCurrentTerm() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentTerm
}

func (s *nodeState) getLeaderID() raft.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leaderID
}

func (s *nodeState) getVotedFor() *raft.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.votedFor
}

// isLeaderOf reports whether the node still leads term
func (s *nodeState) isLeaderOf(term uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == Leader && s.currentTerm == term
}
