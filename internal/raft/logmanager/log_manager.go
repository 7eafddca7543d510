// Package logmanager keeps the authoritative view of the replicated log: a cache of recent entries in memory in
// front of a raft.LogStorage written by a single disk goroutine.
package logmanager

import (
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/zap"

	"raftlog/internal/execq"
	"raftlog/internal/raft"
)

const (
	defaultMaxBatchEntries = 256
	defaultMaxBatchBytes   = 4 << 20
)

// Options configures a LogManager
type Options struct {
	Storage raft.LogStorage
	// ConfigurationManager receives the membership changes found in the log. A fresh one is created when nil.
	ConfigurationManager *raft.ConfigurationManager
	// ErrorReporter is told about storage faults. They are fatal for the replica.
	ErrorReporter raft.ErrorReporter
	// MaxBatchEntries and MaxBatchBytes bound one write to storage
	MaxBatchEntries int
	MaxBatchBytes   int
	Metrics         raft.MetricsCollector
	Logger          *zap.Logger
}

// Status is a point in time view of the log, for diagnostics only
type Status struct {
	FirstIndex        uint64
	LastIndex         uint64
	DiskIndex         uint64
	KnownAppliedIndex uint64
}

// LogManager serves reads from memory when it can and from storage otherwise. Appends are queued for the disk
// goroutine and acknowledged through their closure once durable, in submission order.
//
// Entries are kept in memory until they are both on disk and applied, so the apply path and slow followers rarely
// touch storage.
type LogManager struct {
	storage       raft.LogStorage
	errorReporter raft.ErrorReporter
	metrics       raft.MetricsCollector
	logger        *zap.Logger

	maxBatchEntries int
	maxBatchBytes   int

	diskQueue *execq.Queue[*diskTask]
	hasError  atomic.Bool

	waiters    *skipmap.OrderedMap[uint64, *waiter]
	nextWaitID atomic.Uint64

	// Protects all fields below. Never held across a call into storage that does I/O.
	mu            sync.Mutex
	cm            *raft.ConfigurationManager
	logsInMemory  []*raft.LogEntry
	terms         termIndex
	firstLogIndex uint64
	lastLogIndex  uint64
	diskID        raft.LogID
	appliedID     raft.LogID
	// lastSnapshotID is the id of the latest snapshot installed or taken
	lastSnapshotID raft.LogID
	// virtualFirstLogID answers term lookups right before firstLogIndex once the log has been compacted
	virtualFirstLogID raft.LogID
	stopped           bool
}

// NewLogManager creates a LogManager over opts.Storage. Init must be called before use.
func NewLogManager(opts Options) (*LogManager, error) {
	if opts.Storage == nil {
		return nil, raft.NewError(syscall.EINVAL, "log storage is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cm := opts.ConfigurationManager
	if cm == nil {
		cm = raft.NewConfigurationManager()
	}
	maxEntries := opts.MaxBatchEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxBatchEntries
	}
	maxBytes := opts.MaxBatchBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBatchBytes
	}
	return &LogManager{
		storage:         opts.Storage,
		errorReporter:   opts.ErrorReporter,
		metrics:         opts.Metrics,
		logger:          logger.Named("log-manager"),
		maxBatchEntries: maxEntries,
		maxBatchBytes:   maxBytes,
		waiters:         skipmap.New[uint64, *waiter](),
		cm:              cm,
		firstLogIndex:   1,
	}, nil
}

// Init loads the log from storage and starts the disk goroutine
func (lm *LogManager) Init() error {
	if err := lm.storage.Init(lm.cm); err != nil {
		lm.logger.Error("failed to init log storage", zap.Error(err))
		return err
	}

	first, last := lm.storage.FirstLogIndex(), lm.storage.LastLogIndex()
	var terms termIndex
	terms.load(lm.storage, first, last)
	lastID := raft.LogID{Index: last, Term: terms.term(last)}

	lm.mu.Lock()
	lm.firstLogIndex = first
	lm.lastLogIndex = last
	lm.terms = terms
	lm.diskID = lastID
	lm.mu.Unlock()

	w := &diskWriter{lm: lm, lastID: lastID}
	lm.diskQueue = execq.New(w.handle, execq.Options{Name: "disk-queue", Logger: lm.logger})
	lm.logger.Info("log manager initialised",
		zap.Uint64("first_log_index", first), zap.Uint64("last_log_index", last))
	return nil
}

// Shutdown wakes every waiter with an error and waits for queued disk work to finish
func (lm *LogManager) Shutdown() {
	lm.mu.Lock()
	if lm.stopped {
		lm.mu.Unlock()
		return
	}
	lm.stopped = true
	lm.mu.Unlock()

	lm.wakeupAllWaiters()
	if lm.diskQueue != nil {
		lm.diskQueue.Stop()
		lm.diskQueue.Join()
	}
	lm.logger.Info("log manager stopped")
}

// AppendEntries adds entries to the log and queues them for the disk goroutine. done runs once they are durable.
//
// Entries with a zero index are leader proposals and get the next indexes. Otherwise the entries come from a
// leader: ones already present with the same term are skipped, and a term mismatch truncates the local log from
// that point before appending. The entries must not be modified once handed over.
func (lm *LogManager) AppendEntries(entries []*raft.LogEntry, done raft.Closure) {
	if lm.hasError.Load() {
		raft.RunClosureAsync(done, raft.NewError(syscall.EIO, "corrupted log storage"))
		return
	}

	lm.mu.Lock()
	if lm.stopped {
		lm.mu.Unlock()
		raft.RunClosureAsync(done, raft.ErrShutdown)
		return
	}
	if len(entries) > 0 {
		var ok bool
		if entries, ok = lm.checkAndResolveConflict(entries, done); !ok {
			lm.mu.Unlock()
			return
		}
	}
	for _, entry := range entries {
		if entry.Type != raft.EntryTypeConfiguration {
			continue
		}
		if err := lm.cm.Add(raft.NewConfigurationEntryFromLog(entry)); err != nil {
			lm.logger.Error("failed to record configuration", zap.Stringer("id", entry.ID), zap.Error(err))
		}
	}
	lm.logsInMemory = append(lm.logsInMemory, entries...)
	lm.terms.append(entries)

	task := &diskTask{typ: taskAppend, entries: entries, done: done}
	if err := lm.diskQueue.Execute(task); err != nil {
		lm.mu.Unlock()
		raft.RunClosureAsync(done, raft.ErrShutdown)
		return
	}
	lm.mu.Unlock()

	lm.wakeupAllWaiters()
}

// checkAndResolveConflict assigns leader indexes or reconciles follower entries with the local log. It returns the
// entries still to append, or false when done has already been dealt with. Must be called with mu held.
func (lm *LogManager) checkAndResolveConflict(entries []*raft.LogEntry, done raft.Closure) ([]*raft.LogEntry, bool) {
	if entries[0].ID.Index == 0 {
		for _, entry := range entries {
			lm.lastLogIndex++
			entry.ID.Index = lm.lastLogIndex
		}
		return entries, true
	}

	front, back := entries[0].ID.Index, entries[len(entries)-1].ID.Index
	if front > lm.lastLogIndex+1 {
		raft.RunClosureAsync(done, raft.NewError(syscall.EINVAL,
			"there's gap between first_index=%d and last_log_index=%d", front, lm.lastLogIndex))
		return nil, false
	}
	if back <= lm.appliedID.Index {
		lm.logger.Warn("received entries already applied",
			zap.Uint64("last_index", back), zap.Uint64("applied_index", lm.appliedID.Index))
		raft.RunClosureAsync(done, nil)
		return nil, false
	}
	if front == lm.lastLogIndex+1 {
		lm.lastLogIndex = back
		return entries, true
	}

	conflicting := 0
	for conflicting < len(entries) && lm.unsafeGetTerm(entries[conflicting].ID.Index) == entries[conflicting].ID.Term {
		conflicting++
	}
	if conflicting != len(entries) {
		if index := entries[conflicting].ID.Index; index <= lm.lastLogIndex {
			if err := lm.unsafeTruncateSuffix(index - 1); err != nil {
				raft.RunClosureAsync(done, err)
				return nil, false
			}
		}
		lm.lastLogIndex = back
	}
	return entries[conflicting:], true
}

// unsafeTruncateSuffix drops every entry after lastIndexKept and reverts the membership to the one effective at
// that index. Must be called with mu held.
func (lm *LogManager) unsafeTruncateSuffix(lastIndexKept uint64) error {
	if lastIndexKept < lm.appliedID.Index {
		lm.logger.Error("refusing to truncate applied entries",
			zap.Uint64("last_index_kept", lastIndexKept), zap.Uint64("applied_index", lm.appliedID.Index))
		return raft.NewError(syscall.EINVAL, "can't truncate entries before applied_index=%d", lm.appliedID.Index)
	}

	n := len(lm.logsInMemory)
	for n > 0 && lm.logsInMemory[n-1].ID.Index > lastIndexKept {
		n--
		lm.logsInMemory[n] = nil
	}
	lm.logsInMemory = lm.logsInMemory[:n]
	lm.terms.truncateSuffix(lastIndexKept)
	lm.lastLogIndex = lastIndexKept
	lastTermKept := lm.unsafeGetTerm(lastIndexKept)
	lm.cm.TruncateSuffix(lastIndexKept)

	task := &diskTask{typ: taskTruncateSuffix, index: lastIndexKept, term: lastTermKept}
	if err := lm.diskQueue.Execute(task); err != nil {
		lm.logger.Warn("failed to queue suffix truncation", zap.Uint64("last_index_kept", lastIndexKept), zap.Error(err))
	}
	return nil
}

// unsafeGetTerm returns the term at index without touching storage. Must be called with mu held.
func (lm *LogManager) unsafeGetTerm(index uint64) uint64 {
	if index == 0 {
		return 0
	}
	if index == lm.virtualFirstLogID.Index {
		return lm.virtualFirstLogID.Term
	}
	if index == lm.lastSnapshotID.Index {
		return lm.lastSnapshotID.Term
	}
	if index > lm.lastLogIndex || index < lm.firstLogIndex {
		return 0
	}
	if entry := lm.entryFromMemory(index); entry != nil {
		return entry.ID.Term
	}
	return lm.terms.term(index)
}

// entryFromMemory must be called with mu held
func (lm *LogManager) entryFromMemory(index uint64) *raft.LogEntry {
	if len(lm.logsInMemory) == 0 {
		return nil
	}
	first := lm.logsInMemory[0].ID.Index
	if index < first || index-first >= uint64(len(lm.logsInMemory)) {
		return nil
	}
	return lm.logsInMemory[index-first]
}

// GetEntry returns the entry at index, or nil if it is outside the log
func (lm *LogManager) GetEntry(index uint64) *raft.LogEntry {
	lm.mu.Lock()
	if index > lm.lastLogIndex || index < lm.firstLogIndex {
		lm.mu.Unlock()
		return nil
	}
	if entry := lm.entryFromMemory(index); entry != nil {
		lm.mu.Unlock()
		return entry
	}
	lm.mu.Unlock()

	entry, err := lm.storage.GetEntry(index)
	if err != nil {
		lm.reportError(raft.NewError(syscall.EIO, "corrupted entry at index=%d: %v", index, err))
		return nil
	}
	return entry
}

// GetTerm returns the term of the entry at index, 0 if it is unknown
func (lm *LogManager) GetTerm(index uint64) uint64 {
	if index == 0 {
		return 0
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if index == lm.lastSnapshotID.Index {
		return lm.lastSnapshotID.Term
	}
	if index > lm.lastLogIndex || index < lm.firstLogIndex {
		return 0
	}
	if entry := lm.entryFromMemory(index); entry != nil {
		return entry.ID.Term
	}
	return lm.terms.term(index)
}

// FirstLogIndex returns the index of the first entry kept
func (lm *LogManager) FirstLogIndex() uint64 {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.firstLogIndex
}

// LastLogIndex returns the index of the last entry. With flush set it waits until every entry queued so far is
// durable.
func (lm *LogManager) LastLogIndex(flush bool) uint64 {
	return lm.LastLogID(flush).Index
}

// LastLogID returns the id of the last entry, or of the last snapshot when the log is empty. With flush set it
// waits until every entry queued so far is durable and returns the id of the last durable entry.
func (lm *LogManager) LastLogID(flush bool) raft.LogID {
	lm.mu.Lock()
	if !flush {
		defer lm.mu.Unlock()
		if lm.lastLogIndex >= lm.firstLogIndex {
			return raft.LogID{Index: lm.lastLogIndex, Term: lm.unsafeGetTerm(lm.lastLogIndex)}
		}
		return lm.lastSnapshotID
	}
	if lm.lastLogIndex == lm.lastSnapshotID.Index {
		defer lm.mu.Unlock()
		return lm.lastSnapshotID
	}
	task := &diskTask{typ: taskLastLogID, result: make(chan raft.LogID, 1)}
	if err := lm.diskQueue.Execute(task); err != nil {
		defer lm.mu.Unlock()
		return raft.LogID{Index: lm.lastLogIndex, Term: lm.unsafeGetTerm(lm.lastLogIndex)}
	}
	lm.mu.Unlock()
	return <-task.result
}

// TruncatePrefix drops every entry before firstIndexKept. Storage is updated asynchronously.
func (lm *LogManager) TruncatePrefix(firstIndexKept uint64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.truncatePrefix(firstIndexKept)
}

// truncatePrefix must be called with mu held
func (lm *LogManager) truncatePrefix(firstIndexKept uint64) {
	i := 0
	for i < len(lm.logsInMemory) && lm.logsInMemory[i].ID.Index < firstIndexKept {
		lm.logsInMemory[i] = nil
		i++
	}
	lm.logsInMemory = lm.logsInMemory[i:]
	lm.firstLogIndex = firstIndexKept
	lm.terms.truncatePrefix(firstIndexKept)
	if firstIndexKept > lm.lastLogIndex {
		// the log is empty, the next entry continues right after the snapshot
		lm.lastLogIndex = firstIndexKept - 1
		lm.terms.reset()
	}
	lm.cm.TruncatePrefix(firstIndexKept)

	if err := lm.diskQueue.Execute(&diskTask{typ: taskTruncatePrefix, index: firstIndexKept}); err != nil {
		lm.logger.Warn("failed to queue prefix truncation", zap.Uint64("first_index_kept", firstIndexKept), zap.Error(err))
	}
}

// reset drops the whole log, the next entry gets nextLogIndex. Must be called with mu held.
func (lm *LogManager) reset(nextLogIndex uint64, term uint64) {
	clear(lm.logsInMemory)
	lm.logsInMemory = nil
	lm.terms.reset()
	lm.firstLogIndex = nextLogIndex
	lm.lastLogIndex = nextLogIndex - 1
	lm.cm.TruncatePrefix(lm.firstLogIndex)
	lm.cm.TruncateSuffix(lm.lastLogIndex)

	if err := lm.diskQueue.Execute(&diskTask{typ: taskReset, index: nextLogIndex, term: term}); err != nil {
		lm.logger.Warn("failed to queue log reset", zap.Uint64("next_log_index", nextLogIndex), zap.Error(err))
	}
}

// SetSnapshot records a snapshot covering the log up to meta.LastIncludedIndex. Entries it makes unnecessary are
// dropped, keeping the ones between the previous and this snapshot so followers just behind can still be caught
// up from the log. If the local log disagrees with the snapshot the whole log is dropped.
func (lm *LogManager) SetSnapshot(meta raft.SnapshotMeta) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if meta.LastIncludedIndex <= lm.lastSnapshotID.Index {
		return
	}
	snapshotID := meta.ID()
	lm.cm.SetSnapshot(raft.ConfigurationEntry{ID: snapshotID, Conf: meta.Peers.Copy(), OldConf: meta.OldPeers.Copy()})

	term := lm.unsafeGetTerm(meta.LastIncludedIndex)
	lastButOne := lm.lastSnapshotID
	lm.lastSnapshotID = snapshotID
	if lm.appliedID.Less(snapshotID) {
		lm.appliedID = snapshotID
	}

	switch term {
	case 0:
		// the snapshot is ahead of the log
		lm.virtualFirstLogID = snapshotID
		lm.truncatePrefix(meta.LastIncludedIndex + 1)
	case meta.LastIncludedTerm:
		if lastButOne.Index > 0 {
			lm.virtualFirstLogID = lastButOne
			lm.truncatePrefix(lastButOne.Index + 1)
		}
	default:
		// the log diverged from the snapshot
		lm.virtualFirstLogID = snapshotID
		lm.reset(meta.LastIncludedIndex+1, meta.LastIncludedTerm)
	}
	lm.logger.Info("set snapshot", zap.Stringer("snapshot_id", snapshotID),
		zap.Uint64("first_log_index", lm.firstLogIndex), zap.Uint64("last_log_index", lm.lastLogIndex))
}

// ClearBufferedLogs drops the entries kept after the last snapshot for lagging followers
func (lm *LogManager) ClearBufferedLogs() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.lastSnapshotID.Index != 0 {
		lm.truncatePrefix(lm.lastSnapshotID.Index + 1)
	}
}

// CheckConsistency verifies that the log either starts at index 1 or is preceded by a snapshot covering the gap
func (lm *LogManager) CheckConsistency() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.firstLogIndex == 0 {
		return raft.NewError(syscall.EIO, "first_log_index is 0")
	}
	if lm.lastSnapshotID.Index == 0 {
		if lm.firstLogIndex == 1 {
			return nil
		}
		return raft.NewError(syscall.EIO, "missing logs in (0, %d)", lm.firstLogIndex)
	}
	if lm.lastSnapshotID.Index+1 >= lm.firstLogIndex && lm.lastSnapshotID.Index <= lm.lastLogIndex {
		return nil
	}
	return raft.NewError(syscall.EIO, "there's a gap between snapshot={%d, %d} and log=[%d, %d]",
		lm.lastSnapshotID.Index, lm.lastSnapshotID.Term, lm.firstLogIndex, lm.lastLogIndex)
}

// GetConfiguration returns the membership effective at index
func (lm *LogManager) GetConfiguration(index uint64) raft.ConfigurationEntry {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.cm.Get(index)
}

// CheckAndSetConfiguration replaces current with the newest known membership if it is out of date and reports
// whether it did
func (lm *LogManager) CheckAndSetConfiguration(current *raft.ConfigurationEntry) bool {
	if current == nil {
		return false
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()
	last := lm.cm.LastConfiguration()
	if current.ID != last.ID {
		*current = raft.ConfigurationEntry{ID: last.ID, Conf: last.Conf.Copy(), OldConf: last.OldConf.Copy()}
		return true
	}
	return false
}

// SetAppliedID records the last entry applied to the state machine, letting older entries leave the cache
func (lm *LogManager) SetAppliedID(id raft.LogID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if id.Less(lm.appliedID) {
		return
	}
	lm.appliedID = id
	lm.clearMemoryLogs(minLogID(lm.diskID, lm.appliedID))
}

// setDiskID publishes the last durable entry. Only the disk goroutine calls it, so id is stored as is: it moves
// backwards after a suffix truncation or a reset.
func (lm *LogManager) setDiskID(id raft.LogID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.diskID = id
	lm.clearMemoryLogs(minLogID(lm.diskID, lm.appliedID))
}

// clearMemoryLogs drops the cached entries up to id in (term, index) order. Must be called with mu held.
func (lm *LogManager) clearMemoryLogs(id raft.LogID) {
	i := 0
	for i < len(lm.logsInMemory) && lm.logsInMemory[i].ID.Compare(id) <= 0 {
		lm.logsInMemory[i] = nil
		i++
	}
	lm.logsInMemory = lm.logsInMemory[i:]
}

func minLogID(a, b raft.LogID) raft.LogID {
	if a.Less(b) {
		return a
	}
	return b
}

// Status returns the current index range
func (lm *LogManager) Status() Status {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return Status{
		FirstIndex:        lm.firstLogIndex,
		LastIndex:         lm.lastLogIndex,
		DiskIndex:         lm.diskID.Index,
		KnownAppliedIndex: lm.appliedID.Index,
	}
}

// HasError reports whether a storage fault has been detected
func (lm *LogManager) HasError() bool {
	return lm.hasError.Load()
}

func (lm *LogManager) reportError(err error) {
	lm.hasError.Store(true)
	lm.logger.Error("log storage fault", zap.Error(err))
	if lm.errorReporter != nil {
		lm.errorReporter.OnError(&raft.RaftError{Type: raft.ErrorTypeLog, Err: err})
	}
}

func (lm *LogManager) recordDiskWrite(entries, bytes int, start time.Time) {
	if lm.metrics != nil {
		lm.metrics.RecordDiskWrite(entries, bytes, time.Since(start))
	}
}
