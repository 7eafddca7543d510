// Package node wires the log core into a replica: the LogManager persists entries, the BallotBox counts acks on the
// leader, the FSMCaller applies what is committed. Elections and the network layer live outside this package; they
// drive a Node through BecomeLeader, StepDown, AppendEntries and OnPeerAppended.
package node

import (
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"raftlog/internal/raft"
	"raftlog/internal/raft/ballot"
	"raftlog/internal/raft/fsm"
	"raftlog/internal/raft/logmanager"
)

// HealthService is the service name the node reports under in the gRPC health protocol
const HealthService = "raftlog.Node"

const defaultMaxPendingTasks = 1000

// Options configures a Node
type Options struct {
	ID raft.PeerID
	// InitialConfiguration is used when the log holds no membership yet
	InitialConfiguration raft.Configuration
	LogStorage           raft.LogStorage
	MetaStorage          raft.MetaStorage
	StateMachine         raft.StateMachine
	// MaxPendingTasks bounds the proposals not applied yet. Further proposals fail with ENOMEM.
	MaxPendingTasks int
	// MaxBatchEntries and MaxBatchBytes bound one write of the disk goroutine
	MaxBatchEntries int
	MaxBatchBytes   int
	Metrics         raft.MetricsCollector
	Logger          *zap.Logger
}

// Task is a proposal to the replicated log
type Task struct {
	Data []byte
	// Done runs once the entry is applied, or with the reason it never will be
	Done raft.Closure
	// ExpectedTerm, when non-zero, makes the proposal fail with EPERM unless the node leads that term
	ExpectedTerm uint64
}

// Status is a point in time view of a Node, for diagnostics
type Status struct {
	State       State
	Term        uint64
	LeaderID    raft.PeerID
	Log         logmanager.Status
	Ballot      ballot.Status
	FSM         fsm.Status
	PendingTask int64
}

// Node is one replica of the log
type Node struct {
	nodeState

	id          raft.PeerID
	logStorage  raft.LogStorage
	metaStorage raft.MetaStorage
	metrics     raft.MetricsCollector
	logger      *zap.Logger

	closureQueue *raft.ClosureQueue
	logManager   *logmanager.LogManager
	fsmCaller    *fsm.FSMCaller
	ballotBox    *ballot.BallotBox
	health       *health.Server

	maxPendingTasks int64
	pendingTasks    atomic.Int64
}

// errorReporterFunc adapts a function to raft.ErrorReporter
type errorReporterFunc func(err *raft.RaftError)

func (f errorReporterFunc) OnError(err *raft.RaftError) {
	f(err)
}

// NewNode loads the log and the persisted term, and starts the node as a follower
func NewNode(opts Options) (*Node, error) {
	if opts.ID.IsEmpty() || opts.LogStorage == nil || opts.MetaStorage == nil || opts.StateMachine == nil {
		return nil, raft.NewError(syscall.EINVAL, "node needs an id, log storage, meta storage and a state machine")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxPending := opts.MaxPendingTasks
	if maxPending <= 0 {
		maxPending = defaultMaxPendingTasks
	}

	n := &Node{
		id:              opts.ID,
		logStorage:      opts.LogStorage,
		metaStorage:     opts.MetaStorage,
		metrics:         opts.Metrics,
		logger:          logger.Named("node").With(zap.Stringer("peer_id", opts.ID)),
		closureQueue:    raft.NewClosureQueue(),
		health:          health.NewServer(),
		maxPendingTasks: int64(maxPending),
	}
	n.state = Follower

	term, err := opts.MetaStorage.GetCurrentTerm()
	if err != nil {
		return nil, err
	}
	votedFor, err := opts.MetaStorage.GetVotedFor()
	if err != nil {
		return nil, err
	}
	n.currentTerm = term
	n.votedFor = votedFor

	lm, err := logmanager.NewLogManager(logmanager.Options{
		Storage: opts.LogStorage,
		// storage faults go through the FSMCaller so apply stops before the node is told
		ErrorReporter:   errorReporterFunc(func(err *raft.RaftError) { n.fsmCaller.OnError(err) }),
		MaxBatchEntries: opts.MaxBatchEntries,
		MaxBatchBytes:   opts.MaxBatchBytes,
		Metrics:         opts.Metrics,
		Logger:          n.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := lm.Init(); err != nil {
		return nil, err
	}
	n.logManager = lm

	lastIndex := lm.LastLogIndex(false)
	n.conf = lm.GetConfiguration(lastIndex)
	if n.conf.Empty() {
		n.conf = raft.ConfigurationEntry{Conf: opts.InitialConfiguration.Copy()}
	}

	// everything before the first entry in the log is covered by a snapshot the state machine already holds
	bootstrapIndex := lm.FirstLogIndex() - 1
	n.fsmCaller, err = fsm.NewFSMCaller(fsm.Options{
		StateMachine:  opts.StateMachine,
		LogManager:    lm,
		ClosureQueue:  n.closureQueue,
		ErrorReporter: errorReporterFunc(n.onError),
		BootstrapID:   raft.LogID{Index: bootstrapIndex, Term: lm.GetTerm(bootstrapIndex)},
		Metrics:       opts.Metrics,
		Logger:        n.logger,
	})
	if err != nil {
		lm.Shutdown()
		return nil, err
	}

	n.ballotBox, err = ballot.NewBallotBox(ballot.Options{
		Waiter:       n.fsmCaller,
		ClosureQueue: n.closureQueue,
		Logger:       n.logger,
		Metrics:      opts.Metrics,
	})
	if err != nil {
		n.fsmCaller.Shutdown()
		lm.Shutdown()
		return nil, err
	}

	n.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	n.logger.Info("node started",
		zap.Uint64("term", term),
		zap.Uint64("last_log_index", lastIndex),
		zap.Stringer("conf", n.conf.Conf))
	return n, nil
}

// ID returns the peer id of the node
func (n *Node) ID() raft.PeerID {
	return n.id
}

// Health returns the gRPC health server reporting the state of the node
func (n *Node) Health() *health.Server {
	return n.health
}

// LogManager exposes the log, for replication and tests
func (n *Node) LogManager() *logmanager.LogManager {
	return n.logManager
}

// Configuration returns the membership the node acts upon
func (n *Node) Configuration() raft.ConfigurationEntry {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return raft.ConfigurationEntry{ID: n.conf.ID, Conf: n.conf.Conf.Copy(), OldConf: n.conf.OldConf.Copy()}
}

// LastCommittedIndex returns the highest index known to be committed
func (n *Node) LastCommittedIndex() uint64 {
	return n.ballotBox.LastCommittedIndex()
}

// LastAppliedIndex returns the index of the last entry applied to the state machine
func (n *Node) LastAppliedIndex() uint64 {
	return n.fsmCaller.LastAppliedIndex()
}

// Status returns a snapshot of the node for diagnostics
func (n *Node) Status() Status {
	n.mu.RLock()
	state, term, leader := n.state, n.currentTerm, n.leaderID
	n.mu.RUnlock()
	return Status{
		State:       state,
		Term:        term,
		LeaderID:    leader,
		Log:         n.logManager.Status(),
		Ballot:      n.ballotBox.Status(),
		FSM:         n.fsmCaller.Status(),
		PendingTask: n.pendingTasks.Load(),
	}
}

// Apply proposes tasks to the log. Every Done runs exactly once: with nil after the entry was applied, or with the
// reason it was refused.
func (n *Node) Apply(tasks ...Task) {
	if len(tasks) == 0 {
		return
	}
	if pending := n.pendingTasks.Add(int64(len(tasks))); pending > n.maxPendingTasks {
		n.pendingTasks.Add(-int64(len(tasks)))
		n.logger.Warn("too many pending tasks", zap.Int64("pending", pending-int64(len(tasks))))
		failTasks(tasks, raft.NewError(syscall.ENOMEM, "node is busy, too many pending tasks"))
		return
	}

	n.mu.Lock()
	if n.state != Leader {
		state := n.state
		n.mu.Unlock()
		n.pendingTasks.Add(-int64(len(tasks)))
		failTasks(tasks, raft.NewError(syscall.EPERM, "node is not the leader, state=%s", state))
		return
	}
	term := n.currentTerm
	entries := make([]*raft.LogEntry, 0, len(tasks))
	for _, task := range tasks {
		done := &applyClosure{node: n, done: task.Done, start: time.Now()}
		if task.ExpectedTerm != 0 && task.ExpectedTerm != term {
			raft.RunClosureAsync(done, raft.NewError(syscall.EPERM, "expected term %d, current term %d",
				task.ExpectedTerm, term))
			continue
		}
		if err := n.ballotBox.AppendPendingTask(n.conf.Conf, n.conf.OldConf, done); err != nil {
			raft.RunClosureAsync(done, err)
			continue
		}
		entries = append(entries, raft.NewDataEntry(raft.LogID{Term: term}, task.Data))
	}
	if len(entries) > 0 {
		n.logManager.AppendEntries(entries, &leaderStableClosure{node: n, term: term, entries: entries})
	}
	n.mu.Unlock()
}

func failTasks(tasks []Task, err error) {
	for _, task := range tasks {
		raft.RunClosureAsync(task.Done, err)
	}
}

// OnPeerAppended records that peer persisted [firstIndex, lastIndex] of the log of term
func (n *Node) OnPeerAppended(peer raft.PeerID, term, firstIndex, lastIndex uint64) error {
	if !n.isLeaderOf(term) {
		return raft.NewError(syscall.EPERM, "not the leader of term %d", term)
	}
	return n.ballotBox.CommitAt(firstIndex, lastIndex, peer)
}

// BecomeLeader makes the node lead term. The term is persisted first. The current membership is appended as the
// first entry of the term; the state machine hears about the leadership once it is committed.
func (n *Node) BecomeLeader(term uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch {
	case n.state == Errored || n.state == Shutdown:
		return raft.NewError(syscall.EPERM, "node cannot lead, state=%s", n.state)
	case n.state == Leader:
		return raft.NewError(syscall.EPERM, "node already leads term %d", n.currentTerm)
	case term <= n.currentTerm && !(term == n.currentTerm && n.votedFor != nil && n.votedFor.Equal(n.id)):
		return raft.NewError(syscall.EINVAL, "term %d is not after current term %d", term, n.currentTerm)
	case !n.conf.Contains(n.id):
		return raft.NewError(syscall.EPERM, "node is not part of configuration %s", n.conf.Conf)
	}

	if err := n.persistTerm(term, &n.id); err != nil {
		return err
	}
	if !n.leaderID.IsEmpty() {
		_ = n.fsmCaller.OnStopFollowing(raft.LeaderChangeContext{LeaderID: n.leaderID, Term: term})
	}

	if err := n.ballotBox.ResetPendingIndex(n.logManager.LastLogIndex(false) + 1); err != nil {
		return err
	}
	n.state = Leader
	n.leaderID = n.id

	entry := raft.NewConfigurationEntry(raft.LogID{Term: term}, n.conf.Conf, n.conf.OldConf)
	started := raft.ClosureFunc(func(err error) {
		if err != nil {
			return
		}
		_ = n.fsmCaller.OnLeaderStart(term)
	})
	if err := n.ballotBox.AppendPendingTask(n.conf.Conf, n.conf.OldConf, started); err != nil {
		return err
	}
	n.logManager.AppendEntries([]*raft.LogEntry{entry},
		&leaderStableClosure{node: n, term: term, entries: []*raft.LogEntry{entry}})

	n.logger.Info("became leader", zap.Uint64("term", term), zap.Stringer("conf", n.conf.Conf))
	return nil
}

// StepDown makes the node follow again. A newTerm above the current one is persisted and clears the vote.
func (n *Node) StepDown(newTerm uint64, status error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stepDown(newTerm, status)
}

// stepDown must be called with mu held
func (n *Node) stepDown(newTerm uint64, status error) error {
	if n.state == Leader {
		n.ballotBox.ClearPendingTasks()
		if status == nil {
			status = raft.NewError(syscall.EPERM, "leader stepped down")
		}
		_ = n.fsmCaller.OnLeaderStop(status)
		n.logger.Info("stepped down", zap.Uint64("term", n.currentTerm), zap.NamedError("status", status))
		n.leaderID = raft.PeerID{}
	}
	if n.state != Errored && n.state != Shutdown {
		n.state = Follower
	}
	if newTerm > n.currentTerm {
		return n.persistTerm(newTerm, nil)
	}
	return nil
}

// persistTerm must be called with mu held
func (n *Node) persistTerm(term uint64, votedFor *raft.PeerID) error {
	if term != n.currentTerm {
		if err := n.metaStorage.SetCurrentTerm(term); err != nil {
			n.reportStableError(err)
			return err
		}
	}
	if err := n.metaStorage.SetVotedFor(votedFor); err != nil {
		n.reportStableError(err)
		return err
	}
	n.currentTerm = term
	n.votedFor = votedFor
	return nil
}

func (n *Node) reportStableError(err error) {
	n.logger.Error("failed to persist term", zap.Error(err))
	go n.fsmCaller.OnError(&raft.RaftError{Type: raft.ErrorTypeStable, Err: err})
}

// onError receives the first fatal error from the FSMCaller. The node stops leading and reports NOT_SERVING.
func (n *Node) onError(err *raft.RaftError) {
	n.mu.Lock()
	if n.fatal == nil {
		n.fatal = err
	}
	_ = n.stepDown(0, err)
	if n.state != Shutdown {
		n.state = Errored
	}
	n.mu.Unlock()

	n.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	n.logger.Error("node stopped on a fatal error", zap.Stringer("type", err.Type), zap.Error(err.Err))
}

// Error returns the fatal error the node stopped on, if any
func (n *Node) Error() *raft.RaftError {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.fatal
}

// Snapshot asks the state machine to save a snapshot. Once done succeeds the log before it is dropped.
func (n *Node) Snapshot(done raft.SaveSnapshotClosure) error {
	return n.fsmCaller.OnSnapshotSave(&saveSnapshotClosure{node: n, inner: done})
}

// InstallSnapshot replaces the state of a follower with a snapshot received from its leader
func (n *Node) InstallSnapshot(done raft.LoadSnapshotClosure) error {
	if n.getState() == Leader {
		return raft.NewError(syscall.EPERM, "leader does not install snapshots")
	}
	return n.fsmCaller.OnSnapshotLoad(&loadSnapshotClosure{node: n, inner: done})
}

// Shutdown stops the node: pending proposals fail, queued disk writes and applies finish, storage is closed
func (n *Node) Shutdown() error {
	n.mu.Lock()
	if n.state == Shutdown {
		n.mu.Unlock()
		return nil
	}
	_ = n.stepDown(0, raft.ErrShutdown)
	n.state = Shutdown
	n.mu.Unlock()

	n.health.Shutdown()
	n.logManager.Shutdown()
	n.fsmCaller.Shutdown()

	err := n.logStorage.Close()
	if any(n.metaStorage) != any(n.logStorage) {
		err = multierr.Append(err, n.metaStorage.Close())
	}
	n.logger.Info("node shut down", zap.Error(err))
	return err
}
