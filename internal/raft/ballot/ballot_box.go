package ballot

import (
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"

	"raftlog/internal/raft"
)

// Options configures a BallotBox
type Options struct {
	// Waiter is told about every advance of the committed index, usually the FSMCaller
	Waiter raft.CommitWaiter
	// ClosureQueue receives the closure of every pending task
	ClosureQueue *raft.ClosureQueue
	Logger       *zap.Logger
	Metrics      raft.MetricsCollector
}

// Status is a point in time view of a BallotBox, for diagnostics
type Status struct {
	CommittedIndex uint64
	PendingIndex   uint64
	PendingQueue   int
}

func (s Status) String() string {
	return fmt.Sprintf("committed_index=%d pending_index=%d pending_queue_size=%d",
		s.CommittedIndex, s.PendingIndex, s.PendingQueue)
}

// BallotBox tracks the quorum of every log position a leader proposed but has not committed yet. The ballot at
// position i of the queue belongs to log index pendingIndex+i.
type BallotBox struct {
	waiter       raft.CommitWaiter
	closureQueue *raft.ClosureQueue
	logger       *zap.Logger
	metrics      raft.MetricsCollector

	lastCommittedIndex atomic.Uint64

	// Protects all fields below
	mu sync.Mutex
	// 0 until the replica becomes leader
	pendingIndex uint64
	pendingQueue []Ballot
}

// NewBallotBox creates a box. Waiter and ClosureQueue are required.
func NewBallotBox(opts Options) (*BallotBox, error) {
	if opts.Waiter == nil || opts.ClosureQueue == nil {
		return nil, raft.NewError(syscall.EINVAL, "ballot box needs a waiter and a closure queue")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BallotBox{
		waiter:       opts.Waiter,
		closureQueue: opts.ClosureQueue,
		logger:       logger.Named("ballot-box"),
		metrics:      opts.Metrics,
	}, nil
}

// CommitAt records that peer persisted the entries in [firstLogIndex, lastLogIndex]. The committed index advances
// over every ballot at the front of the queue that is granted.
//
// A firstLogIndex below the pending index is raised to it silently.
func (b *BallotBox) CommitAt(firstLogIndex, lastLogIndex uint64, peer raft.PeerID) error {
	b.mu.Lock()
	if b.pendingIndex == 0 {
		b.mu.Unlock()
		return raft.NewError(syscall.EINVAL, "ballot box has no pending index")
	}
	if lastLogIndex < b.pendingIndex {
		pending := b.pendingIndex
		b.mu.Unlock()
		return raft.NewError(syscall.EINVAL, "stale range [%d, %d], pending_index=%d", firstLogIndex, lastLogIndex, pending)
	}
	if lastLogIndex >= b.pendingIndex+uint64(len(b.pendingQueue)) {
		pending, size := b.pendingIndex, len(b.pendingQueue)
		b.mu.Unlock()
		return raft.NewError(syscall.ERANGE, "range [%d, %d] beyond pending_index=%d queue_size=%d",
			firstLogIndex, lastLogIndex, pending, size)
	}

	startAt := max(firstLogIndex, b.pendingIndex)
	var hint PosHint
	for index := startAt; index <= lastLogIndex; index++ {
		hint = b.pendingQueue[index-b.pendingIndex].Grant(peer, hint)
	}

	popped := 0
	for popped < len(b.pendingQueue) && b.pendingQueue[popped].Granted() {
		popped++
	}
	if popped == 0 {
		b.mu.Unlock()
		return nil
	}
	clear(b.pendingQueue[:popped])
	b.pendingQueue = b.pendingQueue[popped:]
	b.pendingIndex += uint64(popped)
	committed := b.pendingIndex - 1
	b.lastCommittedIndex.Store(committed)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RecordCommitted(uint64(popped))
	}
	return b.waiter.OnCommitted(committed)
}

// SetLastCommittedIndex is the follower path: the leader told us how far the log is committed. It is refused while
// this box tracks pending tasks of its own.
func (b *BallotBox) SetLastCommittedIndex(lastCommittedIndex uint64) error {
	b.mu.Lock()
	if b.pendingIndex != 0 || len(b.pendingQueue) != 0 {
		b.mu.Unlock()
		return raft.NewError(syscall.EPERM, "ballot box has pending tasks, pending_index=%d", b.pendingIndex)
	}
	current := b.lastCommittedIndex.Load()
	if lastCommittedIndex < current {
		b.mu.Unlock()
		return raft.NewError(syscall.EINVAL, "committed index %d is behind %d", lastCommittedIndex, current)
	}
	if lastCommittedIndex == current {
		b.mu.Unlock()
		return nil
	}
	b.lastCommittedIndex.Store(lastCommittedIndex)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RecordCommitted(lastCommittedIndex - current)
	}
	return b.waiter.OnCommitted(lastCommittedIndex)
}

// ClearPendingTasks drops every ballot and fails the pending closures. Called when leadership is lost.
func (b *BallotBox) ClearPendingTasks() {
	b.mu.Lock()
	dropped := len(b.pendingQueue)
	b.pendingQueue = nil
	b.pendingIndex = 0
	b.mu.Unlock()

	b.logger.Debug("cleared pending tasks", zap.Int("dropped", dropped))
	b.closureQueue.Clear()
}

// ResetPendingIndex starts tracking tasks from newPendingIndex, which must be the leader's last log index + 1.
// Entries of previous terms become committed only together with an entry of the current term (Section 5.4.2 from
// the [Raft paper](https://raft.github.io/raft.pdf)).
func (b *BallotBox) ResetPendingIndex(newPendingIndex uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pendingIndex != 0 || len(b.pendingQueue) != 0 {
		return raft.NewError(syscall.EPERM, "ballot box has pending tasks, pending_index=%d", b.pendingIndex)
	}
	if committed := b.lastCommittedIndex.Load(); newPendingIndex <= committed {
		return raft.NewError(syscall.EINVAL, "pending index %d is not after committed index %d", newPendingIndex, committed)
	}
	if err := b.closureQueue.ResetFirstIndex(newPendingIndex); err != nil {
		return err
	}
	b.pendingIndex = newPendingIndex
	return nil
}

// AppendPendingTask adds a ballot for the next log position. It must be called in the same order the entries are
// appended to the LogManager.
func (b *BallotBox) AppendPendingTask(conf, oldConf raft.Configuration, done raft.Closure) error {
	var bl Ballot
	if err := bl.Init(conf, oldConf); err != nil {
		return fmt.Errorf("failed to init ballot: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pendingIndex == 0 {
		return raft.NewError(syscall.EINVAL, "ballot box has no pending index")
	}
	b.pendingQueue = append(b.pendingQueue, bl)
	b.closureQueue.AppendPendingClosure(done)
	return nil
}

// LastCommittedIndex returns the highest index known to be committed
func (b *BallotBox) LastCommittedIndex() uint64 {
	return b.lastCommittedIndex.Load()
}

// PendingIndex returns the index of the oldest pending ballot, 0 when not leading
func (b *BallotBox) PendingIndex() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingIndex
}

// Status returns a snapshot of the box for diagnostics
func (b *BallotBox) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		CommittedIndex: b.lastCommittedIndex.Load(),
		PendingIndex:   b.pendingIndex,
		PendingQueue:   len(b.pendingQueue),
	}
}
