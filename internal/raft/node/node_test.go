package node

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"raftlog/internal/raft"
	"raftlog/internal/raft/mocks"
	"raftlog/internal/raft/state_machine"
	"raftlog/internal/raft/storage"
)

var (
	peer1 = raft.MustParsePeerID("127.0.0.1:8001")
	peer2 = raft.MustParsePeerID("127.0.0.1:8002")
	peer3 = raft.MustParsePeerID("127.0.0.1:8003")
)

type testNode struct {
	*Node
	dir string
}

// newTestNode opens a node with segment log storage and bbolt meta storage under dir. A nil logStorage uses the
// segment storage.
func newTestNode(t *testing.T, dir string, id raft.PeerID, conf raft.Configuration, sm raft.StateMachine,
	logStorage raft.LogStorage, maxPending int) *testNode {
	t.Helper()
	logger := zaptest.NewLogger(t)
	if logStorage == nil {
		logStorage = storage.NewSegmentLogStorage(storage.SegmentLogStorageOptions{
			Path:        filepath.Join(dir, "log"),
			DisableSync: true,
			Logger:      logger,
		})
	}
	meta, err := storage.NewBboltStorage(filepath.Join(dir, "meta.db"), logger)
	require.NoError(t, err)

	n, err := NewNode(Options{
		ID:                   id,
		InitialConfiguration: conf,
		LogStorage:           logStorage,
		MetaStorage:          meta,
		StateMachine:         sm,
		MaxPendingTasks:      maxPending,
		Metrics:              mocks.NewMockMetricsCollector(),
		Logger:               logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Shutdown() })
	return &testNode{Node: n, dir: dir}
}

func apply(n *Node, commands ...string) []*raft.SyncClosure {
	dones := make([]*raft.SyncClosure, 0, len(commands))
	tasks := make([]Task, 0, len(commands))
	for _, c := range commands {
		done := raft.NewSyncClosure()
		dones = append(dones, done)
		tasks = append(tasks, Task{Data: []byte(c), Done: done})
	}
	n.Apply(tasks...)
	return dones
}

func waitAll(t *testing.T, dones []*raft.SyncClosure) []error {
	t.Helper()
	errs := make([]error, len(dones))
	for i, done := range dones {
		select {
		case <-done.Done():
			errs[i] = done.Wait()
		case <-time.After(5 * time.Second):
			t.Fatalf("task %d never completed", i)
		}
	}
	return errs
}

func healthStatus(t *testing.T, n *Node) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := n.Health().Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	return resp.Status
}

func TestNewNode(t *testing.T) {
	t.Run("rejects missing dependencies", func(t *testing.T) {
		_, err := NewNode(Options{ID: peer1})
		assert.Equal(t, syscall.EINVAL, raft.ErrorCode(err))
	})

	t.Run("starts as a serving follower", func(t *testing.T) {
		n := newTestNode(t, t.TempDir(), peer1, raft.NewConfiguration(peer1), mocks.NewMockStateMachine(), nil, 0)

		status := n.Status()
		assert.Equal(t, Follower, status.State)
		assert.Equal(t, uint64(0), status.Term)
		assert.True(t, status.LeaderID.IsEmpty())
		assert.True(t, n.Configuration().Conf.Equals(raft.NewConfiguration(peer1)))
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, healthStatus(t, n.Node))
	})
}

func TestNode_SingleReplica(t *testing.T) {
	kv := state_machine.NewKVStateMachine(zaptest.NewLogger(t))
	n := newTestNode(t, t.TempDir(), peer1, raft.NewConfiguration(peer1), kv, nil, 0)

	t.Run("refuses proposals while following", func(t *testing.T) {
		errs := waitAll(t, apply(n.Node, "SET a=1"))
		assert.Equal(t, syscall.EPERM, raft.ErrorCode(errs[0]))
	})

	require.NoError(t, n.BecomeLeader(1))
	assert.Equal(t, Leader, n.getState())
	assert.Equal(t, peer1, n.getLeaderID())

	errs := waitAll(t, apply(n.Node, "SET a=1", "SET b=2", "DEL a"))
	for _, err := range errs {
		assert.NoError(t, err)
	}

	// the configuration entry of the term comes first
	assert.Equal(t, uint64(4), n.LastCommittedIndex())
	require.Eventually(t, func() bool { return n.LastAppliedIndex() == 4 }, time.Second, time.Millisecond)
	_, ok := kv.Get("a")
	assert.False(t, ok)
	value, ok := kv.Get("b")
	assert.True(t, ok)
	assert.Equal(t, "2", value)
	assert.Eventually(t, kv.IsLeader, time.Second, time.Millisecond)

	t.Run("expected term must match", func(t *testing.T) {
		done := raft.NewSyncClosure()
		n.Apply(Task{Data: []byte("SET c=3"), Done: done, ExpectedTerm: 7})
		assert.Equal(t, syscall.EPERM, raft.ErrorCode(done.Wait()))
		assert.Equal(t, int64(0), n.Status().PendingTask)
	})
}

func TestNode_CommitNeedsQuorum(t *testing.T) {
	conf := raft.NewConfiguration(peer1, peer2, peer3)
	fsm := mocks.NewMockStateMachine()
	n := newTestNode(t, t.TempDir(), peer1, conf, fsm, nil, 0)
	require.NoError(t, n.BecomeLeader(2))

	dones := apply(n.Node, "SET a=1")
	require.Equal(t, uint64(2), n.LogManager().LastLogIndex(true))
	assert.Equal(t, uint64(0), n.LastCommittedIndex(), "the leader's own ack is not a quorum")

	t.Run("acks of another term are refused", func(t *testing.T) {
		assert.Equal(t, syscall.EPERM, raft.ErrorCode(n.OnPeerAppended(peer2, 1, 1, 2)))
	})

	require.NoError(t, n.OnPeerAppended(peer2, 2, 1, 2))
	assert.Equal(t, uint64(2), n.LastCommittedIndex())
	assert.NoError(t, waitAll(t, dones)[0])

	require.Eventually(t, func() bool { return n.LastAppliedIndex() == 2 }, time.Second, time.Millisecond)
	applied := fsm.GetAppliedLogs()
	require.Len(t, applied, 1)
	assert.Equal(t, "SET a=1", applied[0].Data)
	assert.Equal(t, uint64(2), applied[0].Term)
	assert.Eventually(t, func() bool { return len(fsm.GetEvents()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"leader_start"}, fsm.GetEvents())
}

func TestNode_StepDown(t *testing.T) {
	dir := t.TempDir()
	conf := raft.NewConfiguration(peer1, peer2, peer3)
	n := newTestNode(t, dir, peer1, conf, mocks.NewMockStateMachine(), nil, 0)
	require.NoError(t, n.BecomeLeader(5))

	term, err := n.metaStorage.GetCurrentTerm()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), term)
	require.NotNil(t, n.getVotedFor())
	assert.Equal(t, peer1, *n.getVotedFor())

	dones := apply(n.Node, "SET a=1", "SET b=2")
	require.NoError(t, n.StepDown(6, nil))

	for _, err := range waitAll(t, dones) {
		assert.Equal(t, syscall.EPERM, raft.ErrorCode(err))
	}
	assert.Equal(t, Follower, n.getState())
	assert.Equal(t, uint64(6), n.getCurrentTerm())
	assert.Nil(t, n.getVotedFor())
	assert.Equal(t, uint64(0), n.ballotBox.PendingIndex())
	assert.Eventually(t, func() bool { return n.Status().PendingTask == 0 }, time.Second, time.Millisecond)

	t.Run("cannot lead an older term", func(t *testing.T) {
		assert.Equal(t, syscall.EINVAL, raft.ErrorCode(n.BecomeLeader(6)))
		assert.Equal(t, syscall.EINVAL, raft.ErrorCode(n.BecomeLeader(4)))
	})

	t.Run("term survives a restart", func(t *testing.T) {
		require.NoError(t, n.Shutdown())
		assert.NoError(t, n.Shutdown())

		restarted := newTestNode(t, dir, peer1, conf, mocks.NewMockStateMachine(), nil, 0)
		assert.Equal(t, uint64(6), restarted.getCurrentTerm())
		// the configuration entry and both proposals were written before stepping down
		assert.Equal(t, uint64(3), restarted.LogManager().LastLogIndex(false))
		assert.Equal(t, uint64(1), restarted.Configuration().ID.Index)
	})
}

func TestNode_NotAMember(t *testing.T) {
	n := newTestNode(t, t.TempDir(), peer1, raft.NewConfiguration(peer2, peer3), mocks.NewMockStateMachine(), nil, 0)
	assert.Equal(t, syscall.EPERM, raft.ErrorCode(n.BecomeLeader(1)))
	assert.Equal(t, uint64(0), n.getCurrentTerm())
}

func dataEntries(from, to, term uint64) []*raft.LogEntry {
	var entries []*raft.LogEntry
	for i := from; i <= to; i++ {
		entries = append(entries, raft.NewDataEntry(raft.LogID{Index: i, Term: term}, []byte(fmt.Sprintf("SET k%d=v%d", i, term))))
	}
	return entries
}

func TestNode_Follower(t *testing.T) {
	conf := raft.NewConfiguration(peer1, peer2, peer3)
	fsm := mocks.NewMockStateMachine()
	n := newTestNode(t, t.TempDir(), peer2, conf, fsm, nil, 0)
	ctx := context.Background()

	resp, err := n.AppendEntries(ctx, &AppendEntriesRequest{
		Term: 1, LeaderID: peer1, Entries: dataEntries(1, 4, 1), CommittedIndex: 2,
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, uint64(4), resp.LastLogIndex)
	assert.Equal(t, uint64(1), n.getCurrentTerm())
	assert.Equal(t, peer1, n.getLeaderID())
	assert.Equal(t, uint64(2), n.LastCommittedIndex())
	require.Eventually(t, func() bool { return n.LastAppliedIndex() == 2 }, time.Second, time.Millisecond)

	t.Run("heartbeat advances the committed index", func(t *testing.T) {
		resp, err := n.AppendEntries(ctx, &AppendEntriesRequest{
			Term: 1, LeaderID: peer1, PrevLogIndex: 3, PrevLogTerm: 1, CommittedIndex: 10,
		})
		require.NoError(t, err)
		assert.True(t, resp.Success)
		// never beyond what matches the leader's log
		assert.Equal(t, uint64(3), n.LastCommittedIndex())
	})

	t.Run("stale term", func(t *testing.T) {
		resp, err := n.AppendEntries(ctx, &AppendEntriesRequest{Term: 0, LeaderID: peer3})
		require.NoError(t, err)
		assert.False(t, resp.Success)
		assert.Equal(t, uint64(1), resp.Term)
	})

	t.Run("missing previous entry", func(t *testing.T) {
		resp, err := n.AppendEntries(ctx, &AppendEntriesRequest{
			Term: 1, LeaderID: peer1, PrevLogIndex: 7, PrevLogTerm: 1, Entries: dataEntries(8, 8, 1),
		})
		require.NoError(t, err)
		assert.False(t, resp.Success)
		assert.Equal(t, uint64(4), resp.LastLogIndex)
	})

	t.Run("new leader overwrites the uncommitted tail", func(t *testing.T) {
		resp, err := n.AppendEntries(ctx, &AppendEntriesRequest{
			Term: 2, LeaderID: peer3, PrevLogIndex: 3, PrevLogTerm: 1, Entries: dataEntries(4, 5, 2), CommittedIndex: 5,
		})
		require.NoError(t, err)
		assert.True(t, resp.Success)
		assert.Equal(t, uint64(5), resp.LastLogIndex)
		assert.Equal(t, uint64(2), n.LogManager().GetTerm(4))
		assert.Equal(t, uint64(2), n.getCurrentTerm())
		assert.Equal(t, peer3, n.getLeaderID())

		require.Eventually(t, func() bool { return n.LastAppliedIndex() == 5 }, time.Second, time.Millisecond)
		applied := fsm.GetAppliedLogs()
		require.Len(t, applied, 5)
		assert.Equal(t, "SET k4=v2", applied[3].Data)
	})

	assert.Equal(t, []string{"start_following", "stop_following", "start_following"}, fsm.GetEvents())
}

func TestNode_BackPressure(t *testing.T) {
	logStorage := mocks.NewMockLogStorage()
	logStorage.AppendGate = make(chan struct{})
	n := newTestNode(t, t.TempDir(), peer1, raft.NewConfiguration(peer1), mocks.NewMockStateMachine(), logStorage, 2)
	require.NoError(t, n.BecomeLeader(1))

	accepted := apply(n.Node, "SET a=1", "SET b=2")
	rejected := apply(n.Node, "SET c=3")
	assert.Equal(t, syscall.ENOMEM, raft.ErrorCode(waitAll(t, rejected)[0]))
	assert.Equal(t, int64(2), n.Status().PendingTask)

	close(logStorage.AppendGate)
	for _, err := range waitAll(t, accepted) {
		assert.NoError(t, err)
	}
	assert.Eventually(t, func() bool { return n.Status().PendingTask == 0 }, time.Second, time.Millisecond)
	assert.NoError(t, waitAll(t, apply(n.Node, "SET c=3"))[0])
}

func TestNode_FatalStorageError(t *testing.T) {
	logStorage := mocks.NewMockLogStorage()
	logStorage.AppendEntriesError = errors.New("disk on fire")
	n := newTestNode(t, t.TempDir(), peer1, raft.NewConfiguration(peer1), mocks.NewMockStateMachine(), logStorage, 0)

	require.NoError(t, n.BecomeLeader(1))
	require.Eventually(t, func() bool { return n.getState() == Errored }, time.Second, time.Millisecond)

	require.NotNil(t, n.Error())
	assert.Equal(t, raft.ErrorTypeLog, n.Error().Type)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, healthStatus(t, n.Node))

	errs := waitAll(t, apply(n.Node, "SET a=1"))
	assert.Equal(t, syscall.EPERM, raft.ErrorCode(errs[0]))

	_, err := n.AppendEntries(context.Background(), &AppendEntriesRequest{Term: 2, LeaderID: peer2})
	assert.Equal(t, syscall.EIO, raft.ErrorCode(err))
	assert.Equal(t, syscall.EPERM, raft.ErrorCode(n.BecomeLeader(2)))
}

func TestNode_Snapshot(t *testing.T) {
	kv := state_machine.NewKVStateMachine(zaptest.NewLogger(t))
	n := newTestNode(t, t.TempDir(), peer1, raft.NewConfiguration(peer1), kv, nil, 0)
	require.NoError(t, n.BecomeLeader(1))

	for _, err := range waitAll(t, apply(n.Node, "SET a=1", "SET b=2", "SET c=3", "SET d=4", "SET e=5")) {
		require.NoError(t, err)
	}

	first := mocks.NewMockSaveSnapshotClosure(&mocks.MockSnapshot{Dir: t.TempDir()})
	require.NoError(t, n.Snapshot(first))
	require.NoError(t, first.Wait())
	assert.Equal(t, uint64(6), first.Meta.LastIncludedIndex)
	assert.Equal(t, uint64(1), first.Meta.LastIncludedTerm)
	// the log before the latest snapshot is kept for lagging followers
	assert.Equal(t, uint64(1), n.Status().Log.FirstIndex)

	for _, err := range waitAll(t, apply(n.Node, "SET f=6", "SET g=7")) {
		require.NoError(t, err)
	}
	second := mocks.NewMockSaveSnapshotClosure(&mocks.MockSnapshot{Dir: t.TempDir()})
	require.NoError(t, n.Snapshot(second))
	require.NoError(t, second.Wait())
	assert.Equal(t, uint64(8), second.Meta.LastIncludedIndex)
	assert.Equal(t, uint64(7), n.Status().Log.FirstIndex)
	assert.Equal(t, []string{state_machine.SnapshotFile}, second.Snapshot.ListFiles())
}

func TestNode_InstallSnapshot(t *testing.T) {
	conf := raft.NewConfiguration(peer1, peer2, peer3)
	fsm := mocks.NewMockStateMachine()
	n := newTestNode(t, t.TempDir(), peer2, conf, fsm, nil, 0)

	load := mocks.NewMockLoadSnapshotClosure(&mocks.MockSnapshot{
		Meta: raft.SnapshotMeta{LastIncludedIndex: 20, LastIncludedTerm: 3, Peers: conf},
	})
	require.NoError(t, n.InstallSnapshot(load))
	require.NoError(t, load.Wait())

	assert.Equal(t, uint64(20), n.LastAppliedIndex())
	assert.Equal(t, uint64(20), n.LastCommittedIndex())
	assert.Equal(t, uint64(21), n.Status().Log.FirstIndex)
	assert.Equal(t, uint64(3), n.LogManager().GetTerm(20))
	assert.Contains(t, fsm.GetEvents(), "snapshot_load")

	t.Run("replication continues after the snapshot", func(t *testing.T) {
		resp, err := n.AppendEntries(context.Background(), &AppendEntriesRequest{
			Term: 3, LeaderID: peer1, PrevLogIndex: 20, PrevLogTerm: 3, Entries: dataEntries(21, 22, 3), CommittedIndex: 22,
		})
		require.NoError(t, err)
		assert.True(t, resp.Success)
		require.Eventually(t, func() bool { return n.LastAppliedIndex() == 22 }, time.Second, time.Millisecond)
		assert.Len(t, fsm.GetAppliedLogs(), 2)
	})

	t.Run("leaders do not install snapshots", func(t *testing.T) {
		require.NoError(t, n.BecomeLeader(4))
		assert.Equal(t, syscall.EPERM, raft.ErrorCode(n.InstallSnapshot(load)))
	})
}

func TestNode_Shutdown(t *testing.T) {
	n := newTestNode(t, t.TempDir(), peer1, raft.NewConfiguration(peer1), mocks.NewMockStateMachine(), nil, 0)
	require.NoError(t, n.BecomeLeader(1))
	require.NoError(t, n.Shutdown())

	assert.Equal(t, Shutdown, n.getState())
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, healthStatus(t, n.Node))

	_, err := n.AppendEntries(context.Background(), &AppendEntriesRequest{Term: 2, LeaderID: peer2})
	assert.Equal(t, syscall.ESHUTDOWN, raft.ErrorCode(err))
	assert.Equal(t, syscall.EPERM, raft.ErrorCode(waitAll(t, apply(n.Node, "SET a=1"))[0]))
}
