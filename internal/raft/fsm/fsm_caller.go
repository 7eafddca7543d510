// Package fsm drives the user state machine: committed entries, snapshots and leadership changes are handed to it
// one at a time, from a single goroutine, in the order they happened.
package fsm

import (
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"raftlog/internal/execq"
	"raftlog/internal/raft"
)

// LogManager is the part of the log the FSMCaller reads committed entries from
type LogManager interface {
	GetEntry(index uint64) *raft.LogEntry
	GetTerm(index uint64) uint64
	SetAppliedID(id raft.LogID)
	GetConfiguration(index uint64) raft.ConfigurationEntry
}

// Options configures an FSMCaller
type Options struct {
	StateMachine raft.StateMachine
	LogManager   LogManager
	ClosureQueue *raft.ClosureQueue
	// ErrorReporter is told about the first fatal error, typically the owning replica
	ErrorReporter raft.ErrorReporter
	// BootstrapID is the last entry already reflected in the state machine, e.g. by a snapshot loaded at start
	BootstrapID raft.LogID
	Metrics     raft.MetricsCollector
	Logger      *zap.Logger
}

type taskType uint8

const (
	taskIdle taskType = iota
	taskCommitted
	taskSnapshotSave
	taskSnapshotLoad
	taskLeaderStop
	taskLeaderStart
	taskStartFollowing
	taskStopFollowing
	taskError
)

func (t taskType) String() string {
	switch t {
	case taskIdle:
		return "Idle"
	case taskCommitted:
		return "Committed"
	case taskSnapshotSave:
		return "SnapshotSave"
	case taskSnapshotLoad:
		return "SnapshotLoad"
	case taskLeaderStop:
		return "LeaderStop"
	case taskLeaderStart:
		return "LeaderStart"
	case taskStartFollowing:
		return "StartFollowing"
	case taskStopFollowing:
		return "StopFollowing"
	case taskError:
		return "Error"
	default:
		return "Unknown"
	}
}

type applyTask struct {
	typ            taskType
	committedIndex uint64
	term           uint64
	status         error
	leaderChange   raft.LeaderChangeContext
	saveDone       raft.SaveSnapshotClosure
	loadDone       raft.LoadSnapshotClosure
	err            *raft.RaftError
}

// Status describes what the FSMCaller is doing
type Status struct {
	LastAppliedIndex uint64
	LastAppliedTerm  uint64
	// ApplyingIndex is the first entry of the OnApply call in progress, 0 when idle
	ApplyingIndex uint64
	CurrentTask   string
	Error         *raft.RaftError
}

// FSMCaller serializes every call into the state machine. Queued COMMITTED notifications are coalesced so one
// pass applies everything committed so far.
type FSMCaller struct {
	fsm           raft.StateMachine
	lm            LogManager
	closureQueue  *raft.ClosureQueue
	errorReporter raft.ErrorReporter
	metrics       raft.MetricsCollector
	logger        *zap.Logger

	queue *execq.Queue[*applyTask]

	lastAppliedIndex atomic.Uint64
	lastAppliedTerm  atomic.Uint64
	applyingIndex    atomic.Uint64
	currentTask      atomic.Uint32
	err              atomic.Pointer[raft.RaftError]
}

// NewFSMCaller creates an FSMCaller and starts its goroutine
func NewFSMCaller(opts Options) (*FSMCaller, error) {
	if opts.StateMachine == nil || opts.LogManager == nil {
		return nil, raft.NewError(syscall.EINVAL, "state machine and log manager are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	closureQueue := opts.ClosureQueue
	if closureQueue == nil {
		closureQueue = raft.NewClosureQueue()
	}
	c := &FSMCaller{
		fsm:           opts.StateMachine,
		lm:            opts.LogManager,
		closureQueue:  closureQueue,
		errorReporter: opts.ErrorReporter,
		metrics:       opts.Metrics,
		logger:        logger.Named("fsm-caller"),
	}
	c.lastAppliedIndex.Store(opts.BootstrapID.Index)
	c.lastAppliedTerm.Store(opts.BootstrapID.Term)
	c.queue = execq.New(c.handle, execq.Options{Name: "apply-queue", OnStop: c.onStop, Logger: c.logger})
	return c, nil
}

func (c *FSMCaller) enqueue(task *applyTask) error {
	if err := c.queue.Execute(task); err != nil {
		return raft.ErrShutdown
	}
	return nil
}

// OnCommitted asks for every entry up to committedIndex to be applied
func (c *FSMCaller) OnCommitted(committedIndex uint64) error {
	return c.enqueue(&applyTask{typ: taskCommitted, committedIndex: committedIndex})
}

// OnSnapshotSave asks the state machine to write a snapshot of everything applied so far
func (c *FSMCaller) OnSnapshotSave(done raft.SaveSnapshotClosure) error {
	return c.enqueue(&applyTask{typ: taskSnapshotSave, saveDone: done})
}

// OnSnapshotLoad asks the state machine to replace its state with a snapshot
func (c *FSMCaller) OnSnapshotLoad(done raft.LoadSnapshotClosure) error {
	return c.enqueue(&applyTask{typ: taskSnapshotLoad, loadDone: done})
}

func (c *FSMCaller) OnLeaderStart(term uint64) error {
	return c.enqueue(&applyTask{typ: taskLeaderStart, term: term})
}

func (c *FSMCaller) OnLeaderStop(status error) error {
	return c.enqueue(&applyTask{typ: taskLeaderStop, status: status})
}

func (c *FSMCaller) OnStartFollowing(ctx raft.LeaderChangeContext) error {
	return c.enqueue(&applyTask{typ: taskStartFollowing, leaderChange: ctx})
}

func (c *FSMCaller) OnStopFollowing(ctx raft.LeaderChangeContext) error {
	return c.enqueue(&applyTask{typ: taskStopFollowing, leaderChange: ctx})
}

// OnError records a fatal error. Once set, no more entries are applied and snapshot requests are refused.
func (c *FSMCaller) OnError(err *raft.RaftError) {
	if qerr := c.enqueue(&applyTask{typ: taskError, err: err}); qerr != nil {
		c.logger.Warn("dropped error reported after shutdown", zap.Error(err))
	}
}

// Shutdown lets queued tasks finish, then calls StateMachine.OnShutdown
func (c *FSMCaller) Shutdown() {
	c.queue.Stop()
	c.queue.Join()
}

// LastAppliedIndex returns the index of the last entry applied to the state machine
func (c *FSMCaller) LastAppliedIndex() uint64 {
	return c.lastAppliedIndex.Load()
}

// Error returns the fatal error the FSMCaller stopped on, if any
func (c *FSMCaller) Error() *raft.RaftError {
	return c.err.Load()
}

func (c *FSMCaller) Status() Status {
	return Status{
		LastAppliedIndex: c.lastAppliedIndex.Load(),
		LastAppliedTerm:  c.lastAppliedTerm.Load(),
		ApplyingIndex:    c.applyingIndex.Load(),
		CurrentTask:      taskType(c.currentTask.Load()).String(),
		Error:            c.err.Load(),
	}
}

func (c *FSMCaller) onStop() {
	c.fsm.OnShutdown()
	c.logger.Info("fsm caller stopped", zap.Uint64("last_applied_index", c.lastAppliedIndex.Load()))
}

// handle runs one batch of tasks on the apply goroutine
func (c *FSMCaller) handle(batch []*applyTask) {
	var maxCommitted uint64
	for _, task := range batch {
		if task.typ == taskCommitted {
			maxCommitted = max(maxCommitted, task.committedIndex)
			continue
		}
		if maxCommitted != 0 {
			c.doCommitted(maxCommitted)
			maxCommitted = 0
		}

		c.currentTask.Store(uint32(task.typ))
		switch task.typ {
		case taskSnapshotSave:
			if c.passByStatus(task.saveDone) {
				c.doSnapshotSave(task.saveDone)
			}
		case taskSnapshotLoad:
			if c.passByStatus(task.loadDone) {
				c.doSnapshotLoad(task.loadDone)
			}
		case taskLeaderStart:
			c.fsm.OnLeaderStart(task.term)
		case taskLeaderStop:
			c.fsm.OnLeaderStop(task.status)
		case taskStartFollowing:
			c.fsm.OnStartFollowing(task.leaderChange)
		case taskStopFollowing:
			c.fsm.OnStopFollowing(task.leaderChange)
		case taskError:
			c.setError(task.err)
		}
		c.currentTask.Store(uint32(taskIdle))
	}
	if maxCommitted != 0 {
		c.doCommitted(maxCommitted)
	}
}

// passByStatus fails done when the FSMCaller has stopped on an error
func (c *FSMCaller) passByStatus(done raft.Closure) bool {
	if err := c.err.Load(); err != nil {
		if done != nil {
			done.Run(raft.NewError(syscall.EINVAL, "fsm caller is in error: %v", err))
		}
		return false
	}
	return true
}

func (c *FSMCaller) doCommitted(committedIndex uint64) {
	if c.err.Load() != nil {
		return
	}
	lastAppliedIndex := c.lastAppliedIndex.Load()
	if lastAppliedIndex >= committedIndex {
		return
	}

	c.currentTask.Store(uint32(taskCommitted))
	defer c.currentTask.Store(uint32(taskIdle))
	start := time.Now()

	closures, firstClosureIndex, err := c.closureQueue.PopClosureUntil(committedIndex)
	if err != nil {
		c.setError(&raft.RaftError{Type: raft.ErrorTypeStateMachine, Err: err})
		return
	}

	iter := newIteratorImpl(c.lm, lastAppliedIndex, committedIndex, closures, firstClosureIndex)
	for iter.isGood() {
		entry := iter.entry
		if entry.Type != raft.EntryTypeData {
			if entry.Type == raft.EntryTypeConfiguration && entry.OldPeers.Empty() {
				c.logger.Info("configuration committed",
					zap.Stringer("id", entry.ID), zap.Stringer("peers", entry.Peers))
			}
			// membership bookkeeping lives in the log manager, the state machine only sees data
			iter.runClosures(iter.index(), iter.index()+1)
			iter.next()
			continue
		}

		from := iter.index()
		iter.floor = from
		c.applyingIndex.Store(from)
		c.fsm.OnApply(&Iterator{impl: iter})
		if iter.isGood() && iter.entry != nil && iter.entry.Type == raft.EntryTypeData {
			c.logger.Error("iterator is still valid, did the state machine return before reaching the end?",
				zap.Uint64("index", iter.index()))
			iter.next()
		}
		iter.runClosures(from, iter.index())
	}
	c.applyingIndex.Store(0)

	if iter.hasError() {
		c.setError(iter.err)
		iter.runTheRestClosureWithError()
	}

	lastIndex := iter.index() - 1
	lastTerm := c.lm.GetTerm(lastIndex)
	c.lastAppliedTerm.Store(lastTerm)
	c.lastAppliedIndex.Store(lastIndex)
	c.lm.SetAppliedID(raft.LogID{Index: lastIndex, Term: lastTerm})
	if c.metrics != nil && lastIndex > lastAppliedIndex {
		c.metrics.RecordApplied(lastIndex-lastAppliedIndex, time.Since(start))
	}
}

func (c *FSMCaller) doSnapshotSave(done raft.SaveSnapshotClosure) {
	lastAppliedIndex := c.lastAppliedIndex.Load()
	conf := c.lm.GetConfiguration(lastAppliedIndex)
	meta := raft.SnapshotMeta{
		LastIncludedIndex: lastAppliedIndex,
		LastIncludedTerm:  c.lastAppliedTerm.Load(),
		Peers:             conf.Conf.Copy(),
		OldPeers:          conf.OldConf.Copy(),
	}
	writer, err := done.Start(meta)
	if err != nil || writer == nil {
		c.logger.Warn("failed to create snapshot writer", zap.Error(err))
		done.Run(raft.NewError(syscall.EINVAL, "snapshot storage failed to create a writer: %v", err))
		return
	}
	c.fsm.OnSnapshotSave(writer, done)
}

func (c *FSMCaller) doSnapshotLoad(done raft.LoadSnapshotClosure) {
	reader, err := done.Start()
	if err != nil || reader == nil {
		done.Run(raft.NewError(syscall.EINVAL, "failed to open snapshot reader: %v", err))
		return
	}
	meta, err := reader.LoadMeta()
	if err != nil {
		code := raft.ErrorCode(err)
		done.Run(raft.NewError(code, "snapshot reader failed to load meta: %v", err))
		if code == syscall.EIO {
			c.setError(&raft.RaftError{Type: raft.ErrorTypeSnapshot, Err: raft.NewError(code, "failed to load snapshot meta")})
		}
		return
	}

	lastApplied := raft.LogID{Index: c.lastAppliedIndex.Load(), Term: c.lastAppliedTerm.Load()}
	snapshotID := meta.ID()
	if snapshotID.Less(lastApplied) {
		done.Run(raft.NewError(syscall.ESTALE, "loading a stale snapshot %s while last applied is %s",
			snapshotID, lastApplied))
		return
	}

	if err := c.fsm.OnSnapshotLoad(reader); err != nil {
		done.Run(err)
		c.setError(&raft.RaftError{Type: raft.ErrorTypeStateMachine, Err: err})
		return
	}

	c.lastAppliedTerm.Store(meta.LastIncludedTerm)
	c.lastAppliedIndex.Store(meta.LastIncludedIndex)
	done.Run(nil)
}

// setError keeps the first fatal error and forwards it to the replica
func (c *FSMCaller) setError(err *raft.RaftError) {
	if err == nil || !c.err.CompareAndSwap(nil, err) {
		return
	}
	c.logger.Error("fsm caller stopped applying", zap.Stringer("type", err.Type), zap.Error(err.Err))
	if c.errorReporter != nil {
		c.errorReporter.OnError(err)
	}
}
