package node

import (
	"context"
	"errors"
	"syscall"

	"go.uber.org/zap"

	"raftlog/internal/raft"
)

// AppendEntriesRequest is what a leader sends to replicate its log, as per Figure 2 from the
// [Raft paper](https://raft.github.io/raft.pdf)
type AppendEntriesRequest struct {
	Term     uint64
	LeaderID raft.PeerID
	// PrevLogIndex and PrevLogTerm identify the entry right before Entries
	PrevLogIndex   uint64
	PrevLogTerm    uint64
	Entries        []*raft.LogEntry
	CommittedIndex uint64
}

// AppendEntriesResponse tells the leader how far the follower's log matches
type AppendEntriesResponse struct {
	Term    uint64
	Success bool
	// LastLogIndex lets the leader jump back when the consistency check fails
	LastLogIndex uint64
}

// AppendEntries handles a request of the leader. It returns once the entries are durable, so a successful response
// can be counted as an ack by the leader.
func (n *Node) AppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	n.mu.Lock()
	switch n.state {
	case Shutdown:
		n.mu.Unlock()
		return nil, raft.ErrShutdown
	case Errored:
		n.mu.Unlock()
		return nil, raft.NewError(syscall.EIO, "node stopped on a fatal error")
	}

	// If a server receives a request with a stale term number, it rejects the request. (Section 5.1)
	if req.Term < n.currentTerm {
		resp := &AppendEntriesResponse{Term: n.currentTerm, LastLogIndex: n.logManager.LastLogIndex(false)}
		n.mu.Unlock()
		return resp, nil
	}
	// A newer term, or another leader of ours, turns us into a follower of req.LeaderID
	if req.Term > n.currentTerm || n.state == Leader {
		if err := n.stepDown(req.Term, raft.NewError(syscall.EPERM, "leader %s of term %d appeared",
			req.LeaderID, req.Term)); err != nil {
			n.mu.Unlock()
			return nil, err
		}
	}
	if !n.leaderID.Equal(req.LeaderID) {
		if !n.leaderID.IsEmpty() {
			_ = n.fsmCaller.OnStopFollowing(raft.LeaderChangeContext{LeaderID: n.leaderID, Term: n.currentTerm})
		}
		n.leaderID = req.LeaderID
		_ = n.fsmCaller.OnStartFollowing(raft.LeaderChangeContext{LeaderID: req.LeaderID, Term: req.Term})
		n.logger.Info("following leader", zap.Stringer("leader_id", req.LeaderID), zap.Uint64("term", req.Term))
	}
	term := n.currentTerm

	// Reply false if the log doesn't contain an entry at prevLogIndex whose term matches prevLogTerm (Section 5.3)
	lastLogIndex := n.logManager.LastLogIndex(false)
	if req.PrevLogIndex > lastLogIndex || n.logManager.GetTerm(req.PrevLogIndex) != req.PrevLogTerm {
		n.mu.Unlock()
		n.logger.Debug("log mismatch",
			zap.Uint64("prev_log_index", req.PrevLogIndex),
			zap.Uint64("prev_log_term", req.PrevLogTerm),
			zap.Uint64("last_log_index", lastLogIndex))
		return &AppendEntriesResponse{Term: term, LastLogIndex: lastLogIndex}, nil
	}

	lastNew := req.PrevLogIndex + uint64(len(req.Entries))
	if len(req.Entries) == 0 {
		n.mu.Unlock()
		n.followCommit(min(req.CommittedIndex, req.PrevLogIndex))
		return &AppendEntriesResponse{Term: term, Success: true, LastLogIndex: lastLogIndex}, nil
	}

	done := &followerStableClosure{done: make(chan error, 1)}
	n.logManager.AppendEntries(req.Entries, done)
	n.logManager.CheckAndSetConfiguration(&n.conf)
	n.mu.Unlock()

	select {
	case err := <-done.done:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	n.followCommit(min(req.CommittedIndex, lastNew))
	return &AppendEntriesResponse{Term: term, Success: true, LastLogIndex: lastNew}, nil
}

// followCommit advances the committed index told by the leader
func (n *Node) followCommit(committedIndex uint64) {
	if committedIndex == 0 {
		return
	}
	err := n.ballotBox.SetLastCommittedIndex(committedIndex)
	// an older committed index arriving late is expected
	if err != nil && !errors.Is(err, syscall.EINVAL) {
		n.logger.Warn("failed to advance committed index", zap.Uint64("committed_index", committedIndex), zap.Error(err))
	}
}
