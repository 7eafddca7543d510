package node

import (
	"errors"
	"syscall"
	"time"

	"go.uber.org/zap"

	"raftlog/internal/raft"
)

// applyClosure wraps the Done of a proposal to release its pending slot and time it
type applyClosure struct {
	node  *Node
	done  raft.Closure
	start time.Time
}

func (c *applyClosure) Run(err error) {
	c.node.pendingTasks.Add(-1)
	if err == nil && c.node.metrics != nil {
		c.node.metrics.RecordCommandLatency(time.Since(c.start))
	}
	if c.done != nil {
		c.done.Run(err)
	}
}

// leaderStableClosure acks the leader's own copy of entries once they are durable
type leaderStableClosure struct {
	node    *Node
	term    uint64
	entries []*raft.LogEntry
}

func (c *leaderStableClosure) Run(err error) {
	n := c.node
	if err != nil {
		n.logger.Error("failed to persist entries", zap.Uint64("term", c.term), zap.Error(err))
		return
	}
	if !n.isLeaderOf(c.term) {
		return
	}
	first, last := c.entries[0].ID.Index, c.entries[len(c.entries)-1].ID.Index
	if err := n.ballotBox.CommitAt(first, last, n.id); err != nil {
		// the node stepped down between the check above and the ack
		n.logger.Debug("self ack refused", zap.Uint64("first", first), zap.Uint64("last", last), zap.Error(err))
	}
}

// followerStableClosure completes an AppendEntries request once the entries are durable
type followerStableClosure struct {
	done chan error
}

func (c *followerStableClosure) Run(err error) {
	c.done <- err
}

// saveSnapshotClosure compacts the log once the state machine saved a snapshot
type saveSnapshotClosure struct {
	node  *Node
	inner raft.SaveSnapshotClosure
	meta  raft.SnapshotMeta
}

func (c *saveSnapshotClosure) Start(meta raft.SnapshotMeta) (raft.SnapshotWriter, error) {
	c.meta = meta
	return c.inner.Start(meta)
}

func (c *saveSnapshotClosure) Run(err error) {
	if err == nil && c.meta.LastIncludedIndex > 0 {
		c.node.logManager.SetSnapshot(c.meta)
		c.node.logger.Info("snapshot saved", zap.Stringer("snapshot_id", c.meta.ID()))
	}
	c.inner.Run(err)
}

// loadSnapshotClosure moves the log and the committed index to a snapshot once the state machine loaded it
type loadSnapshotClosure struct {
	node   *Node
	inner  raft.LoadSnapshotClosure
	reader raft.SnapshotReader
}

func (c *loadSnapshotClosure) Start() (raft.SnapshotReader, error) {
	reader, err := c.inner.Start()
	c.reader = reader
	return reader, err
}

func (c *loadSnapshotClosure) Run(err error) {
	if err == nil && c.reader != nil {
		if meta, merr := c.reader.LoadMeta(); merr == nil {
			c.node.logManager.SetSnapshot(meta)
			if cerr := c.node.ballotBox.SetLastCommittedIndex(meta.LastIncludedIndex); cerr != nil &&
				!errors.Is(cerr, syscall.EINVAL) {
				c.node.logger.Warn("failed to move committed index to snapshot", zap.Error(cerr))
			}
			c.node.mu.Lock()
			c.node.logManager.CheckAndSetConfiguration(&c.node.conf)
			c.node.mu.Unlock()
		}
	}
	c.inner.Run(err)
}
