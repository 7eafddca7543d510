package fsm

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"raftlog/internal/raft"
	"raftlog/internal/raft/mocks"
)

type fakeLogManager struct {
	mu        sync.Mutex
	entries   map[uint64]*raft.LogEntry
	appliedID raft.LogID
	cm        *raft.ConfigurationManager
}

func newFakeLogManager() *fakeLogManager {
	return &fakeLogManager{entries: make(map[uint64]*raft.LogEntry), cm: raft.NewConfigurationManager()}
}

func (f *fakeLogManager) add(entries ...*raft.LogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range entries {
		f.entries[e.ID.Index] = e
		if e.Type == raft.EntryTypeConfiguration {
			_ = f.cm.Add(raft.NewConfigurationEntryFromLog(e))
		}
	}
}

func (f *fakeLogManager) GetEntry(index uint64) *raft.LogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[index]
}

func (f *fakeLogManager) GetTerm(index uint64) uint64 {
	if e := f.GetEntry(index); e != nil {
		return e.ID.Term
	}
	return 0
}

func (f *fakeLogManager) SetAppliedID(id raft.LogID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appliedID = id
}

func (f *fakeLogManager) GetConfiguration(index uint64) raft.ConfigurationEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cm.Get(index)
}

func (f *fakeLogManager) applied() raft.LogID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appliedID
}

type recordingReporter struct {
	mu     sync.Mutex
	errors []*raft.RaftError
}

func (r *recordingReporter) OnError(err *raft.RaftError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errors)
}

func dataEntries(from, to, term uint64) []*raft.LogEntry {
	var entries []*raft.LogEntry
	for i := from; i <= to; i++ {
		entries = append(entries, raft.NewDataEntry(raft.LogID{Index: i, Term: term}, []byte(fmt.Sprintf("cmd_%d", i))))
	}
	return entries
}

type testCaller struct {
	*FSMCaller
	fsm      *mocks.MockStateMachine
	lm       *fakeLogManager
	queue    *raft.ClosureQueue
	reporter *recordingReporter
	metrics  *mocks.MockMetricsCollector
}

func newTestCaller(t *testing.T, bootstrap raft.LogID) *testCaller {
	tc := &testCaller{
		fsm:      mocks.NewMockStateMachine(),
		lm:       newFakeLogManager(),
		queue:    raft.NewClosureQueue(),
		reporter: &recordingReporter{},
		metrics:  mocks.NewMockMetricsCollector(),
	}
	c, err := NewFSMCaller(Options{
		StateMachine:  tc.fsm,
		LogManager:    tc.lm,
		ClosureQueue:  tc.queue,
		ErrorReporter: tc.reporter,
		BootstrapID:   bootstrap,
		Metrics:       tc.metrics,
		Logger:        zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	tc.FSMCaller = c
	t.Cleanup(c.Shutdown)
	return tc
}

func (tc *testCaller) waitApplied(t *testing.T, index uint64) {
	require.Eventually(t, func() bool { return tc.LastAppliedIndex() >= index }, time.Second, time.Millisecond)
}

func TestNewFSMCaller(t *testing.T) {
	_, err := NewFSMCaller(Options{})
	assert.Equal(t, syscall.EINVAL, raft.ErrorCode(err))
}

func TestFSMCaller_AppliesInOrder(t *testing.T) {
	tc := newTestCaller(t, raft.LogID{})
	tc.lm.add(dataEntries(1, 10, 1)...)

	require.NoError(t, tc.OnCommitted(3))
	require.NoError(t, tc.OnCommitted(2))
	require.NoError(t, tc.OnCommitted(10))
	tc.waitApplied(t, 10)

	applied := tc.fsm.GetAppliedLogs()
	require.Len(t, applied, 10)
	for i, e := range applied {
		assert.Equal(t, uint64(i+1), e.Index)
		assert.Equal(t, fmt.Sprintf("cmd_%d", i+1), e.Data)
	}
	assert.Eventually(t, func() bool { return tc.lm.applied() == raft.LogID{Index: 10, Term: 1} }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return tc.metrics.GetApplied() == 10 }, time.Second, time.Millisecond)

	status := tc.Status()
	assert.Equal(t, uint64(10), status.LastAppliedIndex)
	assert.Equal(t, uint64(1), status.LastAppliedTerm)
	assert.Nil(t, status.Error)
}

func TestFSMCaller_StaleCommitIsIgnored(t *testing.T) {
	tc := newTestCaller(t, raft.LogID{Index: 5, Term: 1})
	tc.lm.add(dataEntries(1, 7, 1)...)

	require.NoError(t, tc.OnCommitted(4))
	require.NoError(t, tc.OnCommitted(7))
	tc.waitApplied(t, 7)

	applied := tc.fsm.GetAppliedLogs()
	require.Len(t, applied, 2)
	assert.Equal(t, uint64(6), applied[0].Index)
}

func TestFSMCaller_ClosuresRunAfterApply(t *testing.T) {
	tc := newTestCaller(t, raft.LogID{})
	require.NoError(t, tc.queue.ResetFirstIndex(1))

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}
	tc.fsm.OnApplyHook = func() { record("apply") }

	peers, err := raft.ParseConfiguration("127.0.0.1:8001,127.0.0.1:8002,127.0.0.1:8003")
	require.NoError(t, err)
	entries := []*raft.LogEntry{
		raft.NewNoOpEntry(raft.LogID{Index: 1, Term: 1}),
		raft.NewConfigurationEntry(raft.LogID{Index: 2, Term: 1}, peers, raft.Configuration{}),
	}
	entries = append(entries, dataEntries(3, 5, 1)...)
	tc.lm.add(entries...)

	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		idx := i
		tc.queue.AppendPendingClosure(raft.ClosureFunc(func(err error) {
			assert.NoError(t, err)
			record(fmt.Sprintf("done_%d", idx))
			wg.Done()
		}))
	}

	require.NoError(t, tc.OnCommitted(5))
	wg.Wait()
	tc.waitApplied(t, 5)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"done_1", "done_2", "apply", "done_3", "done_4", "done_5"}, order)
	// only data entries reach the state machine
	assert.Len(t, tc.fsm.GetAppliedLogs(), 3)
	assert.Equal(t, 0, tc.queue.Len())
}

func TestFSMCaller_SetErrorAndRollback(t *testing.T) {
	tc := newTestCaller(t, raft.LogID{})
	require.NoError(t, tc.queue.ResetFirstIndex(1))
	tc.lm.add(dataEntries(1, 6, 2)...)

	failure := errors.New("disk full in state machine")
	tc.fsm.FailAtIndex = 4
	tc.fsm.FailError = failure

	results := make([]chan error, 6)
	for i := range results {
		ch := make(chan error, 1)
		results[i] = ch
		tc.queue.AppendPendingClosure(raft.ClosureFunc(func(err error) { ch <- err }))
	}

	require.NoError(t, tc.OnCommitted(6))
	for i, ch := range results {
		select {
		case err := <-ch:
			if i < 3 {
				assert.NoError(t, err, "entry %d", i+1)
			} else {
				assert.ErrorIs(t, err, failure, "entry %d", i+1)
			}
		case <-time.After(time.Second):
			t.Fatalf("closure of entry %d never ran", i+1)
		}
	}

	require.Eventually(t, func() bool { return tc.reporter.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(3), tc.LastAppliedIndex())
	assert.Equal(t, raft.LogID{Index: 3, Term: 2}, tc.lm.applied())
	require.NotNil(t, tc.Error())
	assert.Equal(t, raft.ErrorTypeStateMachine, tc.Error().Type)

	t.Run("nothing is applied after the error", func(t *testing.T) {
		tc.lm.add(dataEntries(7, 8, 2)...)
		require.NoError(t, tc.OnCommitted(8))
		save := mocks.NewMockSaveSnapshotClosure(&mocks.MockSnapshot{})
		require.NoError(t, tc.OnSnapshotSave(save))
		assert.Equal(t, syscall.EINVAL, raft.ErrorCode(save.Wait()))
		assert.False(t, save.Started())
		assert.Equal(t, uint64(3), tc.LastAppliedIndex())
		assert.Len(t, tc.fsm.GetAppliedLogs(), 3)
	})
}

func TestFSMCaller_MissingEntryIsALogError(t *testing.T) {
	tc := newTestCaller(t, raft.LogID{})
	tc.lm.add(dataEntries(1, 2, 1)...)

	require.NoError(t, tc.OnCommitted(4))
	require.Eventually(t, func() bool { return tc.reporter.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, raft.ErrorTypeLog, tc.Error().Type)
	assert.Equal(t, uint64(2), tc.LastAppliedIndex())
}

func TestFSMCaller_Snapshots(t *testing.T) {
	t.Run("save uses the last applied position", func(t *testing.T) {
		tc := newTestCaller(t, raft.LogID{})
		peers, err := raft.ParseConfiguration("127.0.0.1:8001,127.0.0.1:8002")
		require.NoError(t, err)
		tc.lm.add(raft.NewConfigurationEntry(raft.LogID{Index: 1, Term: 3}, peers, raft.Configuration{}))
		tc.lm.add(dataEntries(2, 4, 3)...)
		require.NoError(t, tc.OnCommitted(4))

		save := mocks.NewMockSaveSnapshotClosure(&mocks.MockSnapshot{Dir: t.TempDir()})
		require.NoError(t, tc.OnSnapshotSave(save))
		require.NoError(t, save.Wait())
		assert.Equal(t, uint64(4), save.Meta.LastIncludedIndex)
		assert.Equal(t, uint64(3), save.Meta.LastIncludedTerm)
		assert.True(t, save.Meta.Peers.Equals(peers))
		assert.Contains(t, tc.fsm.GetEvents(), "snapshot_save")
	})

	t.Run("save fails when no writer can be created", func(t *testing.T) {
		tc := newTestCaller(t, raft.LogID{})
		save := mocks.NewMockSaveSnapshotClosure(&mocks.MockSnapshot{})
		save.StartError = errors.New("no space")
		require.NoError(t, tc.OnSnapshotSave(save))
		assert.Equal(t, syscall.EINVAL, raft.ErrorCode(save.Wait()))
		assert.NotContains(t, tc.fsm.GetEvents(), "snapshot_save")
	})

	t.Run("load moves the applied position", func(t *testing.T) {
		tc := newTestCaller(t, raft.LogID{Index: 2, Term: 1})
		load := mocks.NewMockLoadSnapshotClosure(&mocks.MockSnapshot{Meta: raft.SnapshotMeta{LastIncludedIndex: 50, LastIncludedTerm: 4}})
		require.NoError(t, tc.OnSnapshotLoad(load))
		require.NoError(t, load.Wait())
		assert.Equal(t, uint64(50), tc.LastAppliedIndex())
		assert.Equal(t, uint64(4), tc.Status().LastAppliedTerm)

		tc.lm.add(dataEntries(51, 52, 4)...)
		require.NoError(t, tc.OnCommitted(52))
		tc.waitApplied(t, 52)
		assert.Len(t, tc.fsm.GetAppliedLogs(), 2)
	})

	t.Run("stale snapshot is refused", func(t *testing.T) {
		tc := newTestCaller(t, raft.LogID{Index: 10, Term: 2})
		load := mocks.NewMockLoadSnapshotClosure(&mocks.MockSnapshot{Meta: raft.SnapshotMeta{LastIncludedIndex: 5, LastIncludedTerm: 2}})
		require.NoError(t, tc.OnSnapshotLoad(load))
		assert.Equal(t, syscall.ESTALE, raft.ErrorCode(load.Wait()))
		assert.Equal(t, uint64(10), tc.LastAppliedIndex())
		assert.Nil(t, tc.Error())
	})

	t.Run("unreadable meta is fatal", func(t *testing.T) {
		tc := newTestCaller(t, raft.LogID{})
		load := mocks.NewMockLoadSnapshotClosure(&mocks.MockSnapshot{LoadMetaError: raft.NewError(syscall.EIO, "bad meta")})
		require.NoError(t, tc.OnSnapshotLoad(load))
		assert.Equal(t, syscall.EIO, raft.ErrorCode(load.Wait()))
		require.Eventually(t, func() bool { return tc.Error() != nil }, time.Second, time.Millisecond)
		assert.Equal(t, raft.ErrorTypeSnapshot, tc.Error().Type)
	})

	t.Run("state machine load failure is fatal", func(t *testing.T) {
		tc := newTestCaller(t, raft.LogID{})
		tc.fsm.SnapshotLoadError = errors.New("corrupt snapshot")
		load := mocks.NewMockLoadSnapshotClosure(&mocks.MockSnapshot{Meta: raft.SnapshotMeta{LastIncludedIndex: 5, LastIncludedTerm: 1}})
		require.NoError(t, tc.OnSnapshotLoad(load))
		assert.EqualError(t, load.Wait(), "corrupt snapshot")
		require.Eventually(t, func() bool { return tc.reporter.count() == 1 }, time.Second, time.Millisecond)
		assert.Equal(t, uint64(0), tc.LastAppliedIndex())
	})
}

func TestFSMCaller_EventsAreSerialized(t *testing.T) {
	tc := newTestCaller(t, raft.LogID{})
	tc.lm.add(dataEntries(1, 2, 1)...)
	leader := raft.MustParsePeerID("127.0.0.1:8001")

	require.NoError(t, tc.OnStartFollowing(raft.LeaderChangeContext{LeaderID: leader, Term: 1}))
	require.NoError(t, tc.OnCommitted(2))
	require.NoError(t, tc.OnStopFollowing(raft.LeaderChangeContext{LeaderID: leader, Term: 1}))
	require.NoError(t, tc.OnLeaderStart(2))
	require.NoError(t, tc.OnLeaderStop(raft.NewError(syscall.EPERM, "stepped down")))
	tc.Shutdown()

	assert.Equal(t, []string{"start_following", "stop_following", "leader_start", "leader_stop", "shutdown"},
		tc.fsm.GetEvents())
	assert.Equal(t, []uint64{2}, tc.fsm.LeaderTerms)
	assert.Len(t, tc.fsm.GetAppliedLogs(), 2)
	assert.Equal(t, 1, tc.fsm.ShutdownCount)

	t.Run("rejects work after shutdown", func(t *testing.T) {
		assert.Equal(t, syscall.ESHUTDOWN, raft.ErrorCode(tc.OnCommitted(3)))
		assert.Equal(t, syscall.ESHUTDOWN, raft.ErrorCode(tc.OnLeaderStart(3)))
	})
}

func TestFSMCaller_OnErrorFirstWins(t *testing.T) {
	tc := newTestCaller(t, raft.LogID{})
	first := &raft.RaftError{Type: raft.ErrorTypeLog, Err: raft.NewError(syscall.EIO, "disk")}
	tc.OnError(first)
	tc.OnError(&raft.RaftError{Type: raft.ErrorTypeStateMachine, Err: errors.New("later")})
	tc.Shutdown()

	assert.Same(t, first, tc.Error())
	assert.Equal(t, 1, tc.reporter.count())
}
